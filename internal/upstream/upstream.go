// Package upstream implements the Upstream state machine (§4.3): the
// long-lived connection to one game-broadcast server, framing its
// STREAM_DATA packets into an owned Channel's delay buffer and driving
// reconnect/keepalive on its own, independent schedule.
package upstream

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/5l1v3r1/gtvcore/internal/channel"
	"github.com/5l1v3r1/gtvcore/internal/inflate"
	"github.com/5l1v3r1/gtvcore/internal/logging"
	"github.com/5l1v3r1/gtvcore/internal/parser"
	"github.com/5l1v3r1/gtvcore/internal/transport"
	"github.com/5l1v3r1/gtvcore/internal/wire"
)

const (
	baseBackoffMS  int64 = 5_000
	stepSmallMS    int64 = 15_000
	stepLargeMS    int64 = 30_000
	maxBackoffMS   int64 = 5 * 3600 * 1000
	pingIntervalMS int64 = 60_000
)

// Options carries the §6 named configuration an Upstream needs,
// already resolved from internal/config by the caller (Registry).
type Options struct {
	TimeoutSec  int
	WaitDelay   int
	WaitPercent int
	BufferSize  int
	Username    string
	Password    string
	// Deflate requests the DEFLATE flag in the hello exchange. The
	// server may still decline it.
	Deflate bool
}

// Upstream is one managed connection and the Channel it feeds.
type Upstream struct {
	ID      int
	Name    string
	Address string

	username string
	password string
	deflate  bool
	timeoutMS int64

	State State
	Flags uint32 // flags actually negotiated by the server

	// Promoted mirrors Channel.Promoted(), synced at the top of every
	// Run call: once the Channel's first gamestate parse completes it is
	// independently reachable (by name or id) rather than only through
	// this Upstream. Registry only frees the Channel on destruction when
	// this is still false; otherwise it unlinks instead (§3 Lifecycles).
	Promoted bool

	tr      transport.Stream
	framer  *wire.Framer
	inflate *inflate.Adapter

	ch *channel.Channel

	helloSent bool

	lastRcvdMS int64
	lastSentMS int64

	retryAtMS             int64
	backoffMS             int64
	belowConnectedStreak  int

	log *zap.Logger
}

// New creates an Upstream ready to be driven by Run, with a freshly
// constructed Channel already linked to it via the weak StringCmdSender
// edge (Design Note #2).
func New(id int, name, addr string, tr transport.Stream, opts Options, p parser.Parser) *Upstream {
	u := &Upstream{
		ID:        id,
		Name:      name,
		Address:   addr,
		username:  opts.Username,
		password:  opts.Password,
		deflate:   opts.Deflate,
		timeoutMS: int64(opts.TimeoutSec) * 1000,
		State:     Disconnected,
		tr:        tr,
		framer:    wire.NewFramer(),
		backoffMS: baseBackoffMS,
		log:       logging.Named("upstream", zap.Int("id", id), zap.String("name", name)),
	}
	u.ch = channel.New(id, name, opts.BufferSize, opts.WaitDelay, opts.WaitPercent, p)
	u.ch.LinkUpstream(id, u)
	return u
}

// Channel returns the Channel this Upstream owns.
func (u *Upstream) Channel() *channel.Channel { return u.ch }

func (u *Upstream) String() string {
	return u.Name + "@" + u.Address + " (" + u.State.String() + ")"
}

// SendStringCmd implements channel.StringCmdSender: forwards a
// spectator's command upstream as CLC_STRINGCMD (§4.3).
func (u *Upstream) SendStringCmd(text string) error {
	if !u.State.transportOpen() {
		return errors.New("upstream: no live connection for stringcmd")
	}
	payload := wire.CString(nil, text)
	return wire.WriteCommand(u.tr.Send(), wire.CLCStringCmd, payload)
}

// RequestStop implements channel.StringCmdSender: the Channel's delay
// buffer overflowed while Reading, so it asks to enter Suspending
// immediately rather than waiting for the next active-flag check.
func (u *Upstream) RequestStop() {
	if !u.State.streaming() {
		return
	}
	_ = wire.WriteCommand(u.tr.Send(), wire.CLCStreamStop, nil)
	u.State = Suspending
}

// SendPing implements channel.StringCmdSender: the Waiting->Reading
// underflow-recovery path asks to flush any batched server data by
// sending an out-of-band PING.
func (u *Upstream) SendPing() {
	if !u.State.transportOpen() {
		return
	}
	_ = wire.WriteCommand(u.tr.Send(), wire.CLCPing, nil)
}

// Run advances the state machine by one tick. now is a monotonic
// millisecond clock supplied by Registry.Tick; active is the
// process-wide mvd_active flag gating Resuming/Suspending transitions.
func (u *Upstream) Run(now int64, active bool) Outcome {
	// Promoted latches once the Channel's own parser has completed
	// gamestate initialization (§3 Lifecycles): from that point on the
	// Channel is independently reachable and must outlive this Upstream.
	if !u.Promoted && u.ch.Promoted() {
		u.Promoted = true
	}

	switch u.State {
	case Disconnected:
		if now < u.retryAtMS {
			return ok()
		}
		if err := u.tr.Connect(u.Address); err != nil {
			return u.scheduleDrop(now, "connect: "+err.Error())
		}
		u.State = Connecting
		return ok()

	case Connecting:
		done, err := u.tr.RunConnect()
		if !done {
			return ok()
		}
		if err != nil {
			return u.scheduleDrop(now, "connect: "+err.Error())
		}
		u.State = Preparing
		u.lastRcvdMS = now
		u.lastSentMS = now
		return ok()
	}

	return u.runOpen(now, active)
}

// runOpen services every state from Preparing onward, where a
// transport is live and Framer/InflateAdapter need driving.
func (u *Upstream) runOpen(now int64, active bool) Outcome {
	if err := u.tr.RunStream(); err != nil {
		return u.scheduleDrop(now, "transport: "+err.Error())
	}

	if now-u.lastRcvdMS > u.timeoutMS {
		return u.scheduleDrop(now, "keepalive timeout")
	}
	if u.State != Preparing && now-u.lastSentMS > pingIntervalMS {
		_ = wire.WriteCommand(u.tr.Send(), wire.CLCPing, nil)
		u.lastSentMS = now
	}

	if u.State == Preparing {
		if !u.framer.MagicValidated() {
			validated, err := u.framer.ValidateMagic(u.tr.Recv())
			if err != nil {
				return u.destroy("bad magic preamble: " + err.Error())
			}
			if !validated {
				return ok()
			}
		}
		if !u.helloSent {
			flags := wire.FlagStringCmds
			if u.deflate {
				flags |= wire.FlagDeflate
			}
			payload := encodeHello(flags, u.username, u.password)
			if err := wire.WriteCommand(u.tr.Send(), wire.CLCHello, payload); err != nil {
				return u.destroy(err.Error())
			}
			u.helloSent = true
			u.lastSentMS = now
		}
	}

	for {
		src, err := u.currentSource(now)
		if err != nil {
			return u.destroy(err.Error())
		}
		payload, gotMsg, err := u.framer.Next(src)
		if !gotMsg {
			if err == nil {
				break
			}
			if errors.Is(err, wire.ErrEndOfStream) {
				return u.scheduleDrop(now, "orderly end of stream")
			}
			return u.destroy(err.Error())
		}
		if outcome, handled := u.dispatch(now, payload); handled {
			return outcome
		}
	}

	switch {
	case u.State == Connected && active:
		u.sendStreamStart()
		u.State = Resuming
	case u.State.streaming() && !active:
		_ = wire.WriteCommand(u.tr.Send(), wire.CLCStreamStop, nil)
		u.State = Suspending
	}

	return ok()
}

// currentSource returns the ring buffer the Framer should read from
// this iteration: the raw receive buffer before deflate is negotiated,
// or the InflateAdapter's output afterward, topping the adapter up with
// any newly arrived raw bytes first. It also updates lastRcvdMS when
// fresh bytes are observed.
func (u *Upstream) currentSource(now int64) (*wire.RingBuf, error) {
	raw := u.tr.Recv()
	if u.inflate == nil {
		if raw.Len() > 0 {
			u.lastRcvdMS = now
		}
		return raw, nil
	}
	if raw.Len() > 0 {
		u.lastRcvdMS = now
		buf := make([]byte, raw.Len())
		raw.Peek(buf, 0)
		raw.Discard(len(buf))
		if err := u.inflate.Feed(buf); err != nil {
			return nil, errors.Wrap(err, "upstream: inflate feed")
		}
	}
	if ferr := u.inflate.Err(); ferr != nil {
		return nil, errors.Wrap(ferr, "upstream: inflate stream")
	}
	return u.inflate.Out(), nil
}

// dispatch applies one fully-framed server message. handled is true
// only when the message produced a terminal Outcome (drop/destroy);
// otherwise the caller's drain loop continues.
func (u *Upstream) dispatch(now int64, payload []byte) (Outcome, bool) {
	if len(payload) == 0 {
		return Outcome{}, false
	}
	opcode, body := payload[0], payload[1:]
	if !wire.ServerOpcodeValid(opcode) {
		return u.destroy("unknown server opcode"), true
	}

	switch opcode {
	case wire.SVCHello:
		if u.State != Preparing {
			return u.destroy("duplicate hello"), true
		}
		flags, err := decodeHello(body)
		if err != nil {
			return u.destroy(err.Error()), true
		}
		u.Flags = flags
		if flags&wire.FlagDeflate != 0 {
			u.inflate = inflate.New(wire.NewRingBuf(transport.BufferSize))
		}
		u.State = Connected

	case wire.SVCPong:
		// Keepalive ack; lastRcvdMS already updated generically.

	case wire.SVCStreamStart:
		if u.State != Resuming {
			return u.destroy("unexpected stream-start ack"), true
		}
		u.State = Reading
		u.ch.EnterWaitingFromResuming()

	case wire.SVCStreamStop:
		if u.State != Suspending {
			return u.destroy("unexpected stream-stop ack"), true
		}
		u.State = Connected

	case wire.SVCStreamData:
		if u.State != Reading && u.State != Waiting {
			return u.destroy("stream data outside an active session"), true
		}
		if len(body) == 0 {
			if u.State == Reading {
				u.State = Waiting
			}
		} else {
			u.State = Reading
			if err := u.ch.Append(body); err != nil {
				return u.destroy(err.Error()), true
			}
		}

	case wire.SVCError, wire.SVCBadRequest, wire.SVCNoAccess, wire.SVCDisconnect:
		return u.destroy("server closed the connection"), true

	case wire.SVCReconnect:
		return u.scheduleDrop(now, "server requested reconnect"), true
	}

	return Outcome{}, false
}

// sendStreamStart sends CLC_STREAM_START with the maxbuf hint derived
// from the Channel's current min_packets threshold (§4.3).
func (u *Upstream) sendStreamStart() {
	maxbuf := u.ch.MinPackets() / 2
	if maxbuf < 10 {
		maxbuf = 10
	}
	var payload [2]byte
	binary.LittleEndian.PutUint16(payload[:], uint16(maxbuf))
	_ = wire.WriteCommand(u.tr.Send(), wire.CLCStreamStart, payload[:])
}

// scheduleDrop applies the reconnect-backoff rule (§4.3) and returns
// the transport to Disconnected without destroying the Upstream.
func (u *Upstream) scheduleDrop(now int64, reason string) Outcome {
	wasBelowConnected := u.State < Connected
	u.closeConn()

	if wasBelowConnected {
		u.belowConnectedStreak++
		if u.belowConnectedStreak <= 1 {
			u.backoffMS += stepSmallMS
		} else {
			u.backoffMS += stepLargeMS
		}
	} else {
		u.backoffMS = baseBackoffMS
		u.belowConnectedStreak = 0
	}
	if u.backoffMS > maxBackoffMS {
		u.backoffMS = maxBackoffMS
	}
	u.retryAtMS = now + u.backoffMS
	u.State = Disconnected
	u.log.Info("dropped", zap.String("reason", reason), zap.Int64("retry_in_ms", u.backoffMS))
	return dropped(reason)
}

// destroy tears the Upstream down for good; Registry removes it from
// its set and frees its Channel unless Promoted.
func (u *Upstream) destroy(reason string) Outcome {
	u.closeConn()
	u.State = Disconnected
	u.log.Warn("destroyed", zap.String("reason", reason))
	return destroyed(reason)
}

func (u *Upstream) closeConn() {
	_ = u.tr.Close()
	if u.inflate != nil {
		_ = u.inflate.Close()
		u.inflate = nil
	}
	u.framer = wire.NewFramer()
	u.helloSent = false
}

// Close shuts the Upstream down from outside the tick loop, e.g. an
// explicit "disconnect" command. A Channel that was never promoted is
// killed with it; a promoted Channel is left alive to drain.
func (u *Upstream) Close() error {
	u.closeConn()
	if !u.ch.Promoted() {
		u.ch.Kill()
	}
	u.State = Disconnected
	return nil
}
