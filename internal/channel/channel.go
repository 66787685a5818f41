// Package channel implements the delay-buffered replay stream described
// in §4.4 of the protocol: a bounded ring of complete packets between
// arrival (network STREAM_DATA, or a recording's own records) and replay
// via a downstream parser.
package channel

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/5l1v3r1/gtvcore/internal/parser"
	"github.com/5l1v3r1/gtvcore/internal/ratelimit"
	"github.com/5l1v3r1/gtvcore/internal/spectator"
	"github.com/5l1v3r1/gtvcore/internal/wire"
)

// State is one of Dead, Waiting, Reading (§3 Data Model).
type State int

const (
	Dead State = iota
	Waiting
	Reading
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Reading:
		return "reading"
	default:
		return "dead"
	}
}

// StringCmdSender is the weak-edge callback a Channel uses to forward a
// spectator's STRINGCMD upstream (§4.3 "String-command forwarding").
// Upstream implements this; Channel holds only the interface plus a
// lookup key, never a strong pointer back to Upstream (Design Note #2).
type StringCmdSender interface {
	SendStringCmd(text string) error
	// RequestStop is called when the delay buffer overflows while
	// Reading (§4.4): Channel clears its buffer and asks the owning
	// Upstream to send STREAM_STOP, entering Suspending.
	RequestStop()
	// SendPing is called on the Waiting->Reading underflow-recovery
	// path to flush any pending server batch (§4.4).
	SendPing()
}

// Channel is one decoded MVD stream in replay.
type Channel struct {
	ID    int
	Name  string
	State State

	delay      *wire.RingBuf
	numPackets int
	minPackets int
	waitDelay  int // mvd_wait_delay, tenths of a second; base for minPackets
	waitPct    int // mvd_wait_percent

	underflows    int
	overflowCount int

	// upstreamID is the weak back-edge: a lookup key, not a pointer
	// (Design Note #2). Zero means no Upstream is linked (already
	// promoted-and-orphaned, or demo-driven).
	upstreamID int
	sender     StringCmdSender
	cmdLimiter *ratelimit.StringCmd

	// promoted latches true the first time the parser reports gamestate
	// initialization complete (§3 Lifecycles): a promoted Channel is
	// independently reachable by id/name and must survive its owning
	// Upstream's destruction rather than being freed with it.
	promoted bool

	parser     parser.Parser
	spectators spectator.Registry
	recorder   *Recorder

	// scratch is reused across ReadFrame calls to avoid an allocation
	// per popped packet.
	scratch [wire.MaxMsgLen]byte
}

// New allocates a Channel with a delay buffer sized bufferSize *
// MAX_MSGLEN bytes (bufferSize already clamped to [2,10] by
// internal/config).
func New(id int, name string, bufferSize, waitDelay, waitPct int, p parser.Parser) *Channel {
	if p == nil {
		p = parser.NewNull()
	}
	c := &Channel{
		ID:         id,
		Name:       name,
		State:      Waiting,
		delay:      wire.NewRingBuf(bufferSize * wire.MaxMsgLen),
		minPackets: waitDelay * 10,
		waitDelay:  waitDelay,
		waitPct:    waitPct,
		parser:     p,
		spectators: spectator.NewList(),
	}
	return c
}

// NumPackets returns the number of complete records currently buffered.
func (c *Channel) NumPackets() int { return c.numPackets }

// MinPackets returns the current Waiting->Reading packet-count
// threshold, used by Upstream to compute the stream-start maxbuf hint
// (§4.3).
func (c *Channel) MinPackets() int { return c.minPackets }

// BufferCap returns the delay buffer's total byte capacity.
func (c *Channel) BufferCap() int { return c.delay.Cap() }

// OverflowCount and UnderflowCount expose the recovery counters for
// metrics and the "channels" CLI listing.
func (c *Channel) OverflowCount() int  { return c.overflowCount }
func (c *Channel) UnderflowCount() int { return c.underflows }

// UpstreamID returns the weak-edge lookup key, or 0 if unlinked.
func (c *Channel) UpstreamID() int { return c.upstreamID }

// Promoted reports whether the parser has ever completed gamestate
// initialization for this Channel (§3 Lifecycles). Registry consults
// this to decide whether an Upstream's destruction should free this
// Channel or only unlink it.
func (c *Channel) Promoted() bool { return c.promoted }

// LinkUpstream records the weak back-edge and the STRINGCMD sender.
func (c *Channel) LinkUpstream(id int, sender StringCmdSender) {
	c.upstreamID = id
	c.sender = sender
}

// UnlinkUpstream clears the weak back-edge, e.g. when the owning
// Upstream is destroyed while this Channel is already promoted and
// survives (§3 Lifecycles).
func (c *Channel) UnlinkUpstream() {
	c.upstreamID = 0
	c.sender = nil
}

// SetCmdLimiter installs the shared STRINGCMD-forwarding throttle
// (internal/ratelimit); Registry wires the same limiter into every
// Channel it owns. A nil limiter means unthrottled forwarding.
func (c *Channel) SetCmdLimiter(l *ratelimit.StringCmd) {
	c.cmdLimiter = l
}

// ForwardStringCmd relays a spectator's STRINGCMD text to the linked
// Upstream (§4.3 "String-command forwarding"), throttled per-client by
// cmdLimiter to absorb a spectator hammering commands. Returns
// an error if no Upstream is linked or the client is over quota.
func (c *Channel) ForwardStringCmd(clientID, text string) error {
	if c.sender == nil {
		return errors.New("channel: no upstream linked, cannot forward STRINGCMD")
	}
	if c.cmdLimiter != nil && !c.cmdLimiter.Allow(clientID) {
		return errors.Errorf("channel: STRINGCMD rate limit exceeded for %s", clientID)
	}
	return c.sender.SendStringCmd(text)
}

// Attach/Detach/Broadcast expose the spectator collaborator (§6); the
// core itself only forwards to whatever Registry implementation is
// wired in.
func (c *Channel) Attach(s spectator.Client)    { c.spectators.Attach(s) }
func (c *Channel) Detach(id string)             { c.spectators.Detach(id) }
func (c *Channel) Broadcast(msg string)         { c.spectators.Broadcast(msg) }
func (c *Channel) Spectators() []spectator.Client { return c.spectators.Clients() }

// AttachRecorder installs a recording sink; see record.go.
func (c *Channel) AttachRecorder(r *Recorder) { c.recorder = r }

// Recorder returns the currently attached recorder, or nil.
func (c *Channel) Recorder() *Recorder { return c.recorder }

// resetWaitThresholds is the "normal (from-Resuming) entry to Waiting"
// path in §4.4: min_packets resets to mvd_wait_delay*10 and underflows
// reset to 0.
func (c *Channel) resetWaitThresholds() {
	c.minPackets = c.waitDelay * 10
	c.underflows = 0
}

// enterWaitingFromReading is the underflow-recovery path: min_packets
// grows and underflows increments, and a PING is requested to flush any
// pending server batch.
func (c *Channel) enterWaitingFromReading() {
	grown := 50 + 5*c.underflows
	cap := c.waitDelay * 10
	if grown > cap {
		grown = cap
	}
	c.minPackets = grown
	c.underflows++
	c.State = Waiting
	if c.sender != nil {
		c.sender.SendPing()
	}
}

// fillRatio returns the delay buffer's current fill ratio in [0,1].
func (c *Channel) fillRatio() float64 {
	if c.delay.Cap() == 0 {
		return 0
	}
	return float64(c.delay.Len()) / float64(c.delay.Cap())
}

// readyToRead implements the Waiting->Reading test: num_packets >=
// min_packets OR fill ratio >= wait_percent (§4.4, §8 boundary case:
// exactly reaching either promotes, one less of both does not).
func (c *Channel) readyToRead() bool {
	if c.numPackets >= c.minPackets {
		return true
	}
	return c.fillRatio()*100 >= float64(c.waitPct)
}

// Append deposits one STREAM_DATA body as a complete record (§4.4). It
// is called for every non-empty data packet arriving on the owning
// Upstream's transport. On overflow outside Waiting the buffer is
// cleared as a unit, the Channel transitions to Waiting, the overflow
// counter increments, and the owning Upstream is asked to send
// STREAM_STOP. Overflow while already Waiting is escalated to a fatal
// configuration error: an error is returned and the buffer and counters
// are left as they are.
func (c *Channel) Append(body []byte) error {
	if len(body) == 0 || len(body) > wire.MaxMsgLen {
		return errors.Errorf("channel: invalid packet length %d", len(body))
	}
	if err := wire.WriteRecord(c.delay, body); err != nil {
		if c.State == Waiting {
			return errors.Wrap(err, "channel: delay buffer overflow while already waiting")
		}
		c.delay.Reset()
		c.numPackets = 0
		c.State = Waiting
		c.overflowCount++
		if c.sender != nil {
			c.sender.RequestStop()
		}
		return nil
	}
	c.numPackets++
	if c.recorder != nil {
		_ = c.recorder.WriteBody(body)
	}
	return nil
}

// EnterWaitingFromResuming is called when the owning Upstream completes
// stream-start and begins streaming: the normal (non-underflow) entry to
// Waiting, resetting thresholds per §4.4.
func (c *Channel) EnterWaitingFromResuming() {
	c.resetWaitThresholds()
	c.State = Waiting
}

// ReadFrame advances one packet, per §4.4's read_frame contract:
//
//   - Waiting: tests the Waiting->Reading transition (readyToRead);
//     returns false if still waiting. On becoming ready it switches to
//     Reading and also returns false without popping; the next call pops.
//   - Reading with zero buffered packets: transitions to Waiting via
//     the underflow-recovery path; returns false.
//   - otherwise: pops exactly one record into the scratch buffer and
//     invokes the parser exactly once, returning true.
//
// Exactly one packet is produced per successful call; there is no
// batching, matching the invariant in §8 that a successful ReadFrame
// decrements num_packets by exactly 1 and otherwise leaves the Channel
// unchanged.
func (c *Channel) ReadFrame() (bool, error) {
	switch c.State {
	case Dead:
		return false, nil
	case Waiting:
		if !c.readyToRead() {
			return false, nil
		}
		c.State = Reading
		return false, nil
	case Reading:
		if c.numPackets == 0 {
			c.enterWaitingFromReading()
			return false, nil
		}
	}

	var hdr [2]byte
	if c.delay.Peek(hdr[:], 0) < 2 {
		return false, errors.New("channel: num_packets out of sync with delay buffer")
	}
	length := int(binary.LittleEndian.Uint16(hdr[:]))
	if length <= 0 || length > wire.MaxMsgLen {
		return false, errors.Errorf("channel: corrupt record length %d", length)
	}
	total := 2 + length
	if c.delay.Peek(c.scratch[:total], 0) != total {
		return false, errors.New("channel: truncated record in delay buffer")
	}
	c.delay.Discard(total)
	c.numPackets--

	body := c.scratch[2:total]
	complete, err := c.parser.ParseMessage(body)
	if err != nil {
		return false, err
	}
	if complete {
		c.State = Reading
		c.promoted = true
	}
	return true, nil
}

// Pause toggles a demo Channel between Waiting and Reading without
// touching the buffer (§4.4 "Pause/resume").
func (c *Channel) Pause() {
	switch c.State {
	case Reading:
		c.State = Waiting
	case Waiting:
		c.State = Reading
	}
}

// Kill marks the Channel Dead; Registry removes it from its live set.
func (c *Channel) Kill() {
	c.State = Dead
	if c.recorder != nil {
		_ = c.recorder.Close()
		c.recorder = nil
	}
}

func (c *Channel) String() string {
	return fmt.Sprintf("channel#%d(%s) state=%s packets=%d", c.ID, c.Name, c.State, c.numPackets)
}
