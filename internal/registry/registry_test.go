package registry

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/5l1v3r1/gtvcore/internal/channel"
	"github.com/5l1v3r1/gtvcore/internal/config"
	"github.com/5l1v3r1/gtvcore/internal/demo"
	"github.com/5l1v3r1/gtvcore/internal/parser"
	"github.com/5l1v3r1/gtvcore/internal/transport"
	"github.com/5l1v3r1/gtvcore/internal/upstream"
	"github.com/5l1v3r1/gtvcore/internal/wire"
)

// noopStream is a transport.Stream stub that never touches the network:
// just enough for an Upstream to exist and have Run() exercise the
// Promoted-sync line (and, when recv is prefilled, dispatch a server
// message) without a real dial.
type noopStream struct {
	send *wire.RingBuf
	recv *wire.RingBuf
}

func newNoopStream() *noopStream {
	return &noopStream{send: wire.NewRingBuf(4096), recv: wire.NewRingBuf(4096)}
}

func (s *noopStream) Connect(string) error      { return nil }
func (s *noopStream) RunConnect() (bool, error) { return true, nil }
func (s *noopStream) RunStream() error          { return nil }
func (s *noopStream) Close() error              { return nil }
func (s *noopStream) State() transport.State    { return transport.StateConnected }
func (s *noopStream) Send() *wire.RingBuf       { return s.send }
func (s *noopStream) Recv() *wire.RingBuf       { return s.recv }

func addUpstreamChannel(t *testing.T, r *Registry, name string) (*upstream.Upstream, *noopStream) {
	t.Helper()
	id := r.NextUpstreamID()
	opts := upstream.Options{TimeoutSec: 90, WaitDelay: 1, WaitPercent: 0, BufferSize: 2}
	stream := newNoopStream()
	u := upstream.New(id, name, "10.0.0.1:27500", stream, opts, parser.NewNull())
	r.AddUpstream(u)
	return u, stream
}

// promoteChannel drives ch through the Waiting->Reading transition and
// pops its first (gamestate) record, latching Channel.Promoted() the way
// a real STREAM_DATA delivery followed by two ReadFrame ticks would.
func promoteChannel(t *testing.T, ch *channel.Channel) {
	t.Helper()
	require.NoError(t, ch.Append([]byte("gamestate")))
	_, err := ch.ReadFrame() // Waiting -> Reading (wait_percent=0 is immediately ready)
	require.NoError(t, err)
	ok, err := ch.ReadFrame() // Reading: pops the gamestate record
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, ch.Promoted())
}

func writeDemoFile(t *testing.T, path string, records ...[]byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	var magic [4]byte
	binary.BigEndian.PutUint32(magic[:], wire.Magic)
	_, err = f.Write(magic[:])
	require.NoError(t, err)
	for _, r := range records {
		var hdr [2]byte
		wire.PutLength(hdr[:], len(r))
		_, err = f.Write(hdr[:])
		require.NoError(t, err)
		_, err = f.Write(r)
		require.NoError(t, err)
	}
}

func newTestRegistry() *Registry {
	return New(&config.Config{})
}

func addDemoChannel(t *testing.T, r *Registry, name string, records ...[]byte) (*channel.Channel, *demo.Source) {
	t.Helper()
	return addDemoChannelLoop(t, r, name, 1, records...)
}

func addDemoChannelLoop(t *testing.T, r *Registry, name string, loop int, records ...[]byte) (*channel.Channel, *demo.Source) {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".mvd")
	writeDemoFile(t, path, records...)

	id := r.NextChannelID()
	ch := channel.New(id, name, 4, 1, 50, parser.NewNull())
	src := demo.New(ch, []string{path}, loop, parser.NewNull())
	require.NoError(t, src.Start())
	r.AddDemo(id, ch, src)
	return ch, src
}

func TestNextIDsAreMonotonicAndDistinct(t *testing.T) {
	r := newTestRegistry()
	assert.Equal(t, 1, r.NextChannelID())
	assert.Equal(t, 2, r.NextChannelID())
	assert.Equal(t, 1, r.NextUpstreamID())
	assert.Equal(t, 2, r.NextUpstreamID())
}

func TestAddDemoMarksDirty(t *testing.T) {
	r := newTestRegistry()
	assert.False(t, r.Dirty())
	addDemoChannel(t, r, "alpha", []byte("gamestate"))
	assert.True(t, r.Dirty())
	r.ClearDirty()
	assert.False(t, r.Dirty())
}

func TestLookupByIDNameAndCurrent(t *testing.T) {
	r := newTestRegistry()
	ch1, _ := addDemoChannel(t, r, "alpha", []byte("gs1"))
	ch2, _ := addDemoChannel(t, r, "bravo", []byte("gs2"))

	got, ok := r.Lookup("alpha")
	require.True(t, ok)
	assert.Equal(t, ch1.ID, got.ID)

	got, ok = r.Lookup("2")
	require.True(t, ok)
	assert.Equal(t, ch2.ID, got.ID)

	got, ok = r.Lookup("@@")
	require.True(t, ok)
	assert.Equal(t, ch2.ID, got.ID, "@@ resolves to the highest-id (most recently added) channel")

	_, ok = r.Lookup("nonexistent")
	assert.False(t, ok)
}

func TestTickFeedsAndDeliversDemoPlayback(t *testing.T) {
	r := newTestRegistry()
	// loop=0 (infinite) so the single-record file re-feeds forever
	// instead of exhausting the playlist on the first Tick.
	ch, _ := addDemoChannelLoop(t, r, "alpha", 0, []byte("gamestate"))
	require.Equal(t, 1, ch.NumPackets())

	// Below minPackets/wait_percent threshold: Channel stays Waiting and
	// ReadFrame is a no-op, but the Feeder keeps queuing more records.
	r.Tick(1000)
	assert.Equal(t, channel.Waiting, ch.State)
	assert.Greater(t, ch.NumPackets(), 1)
}

func TestTickRemovesChannelOnFeederEOFAndLoopExhaustion(t *testing.T) {
	r := newTestRegistry()
	ch, _ := addDemoChannel(t, r, "alpha", []byte("gamestate"))
	assert.NotNil(t, r.channels[ch.ID])

	// loop=1 with a single-record file: the very next Feed() call
	// exhausts the playlist and kills the channel, and Tick drops it.
	r.Tick(1000)
	assert.Equal(t, channel.Dead, ch.State)
	_, stillRegistered := r.channels[ch.ID]
	assert.False(t, stillRegistered)
}

func TestRemoveDropsChannelPlayableAndFeeder(t *testing.T) {
	r := newTestRegistry()
	ch, _ := addDemoChannel(t, r, "alpha", []byte("gamestate"))

	r.Remove(ch.ID)
	_, ok := r.Lookup("alpha")
	assert.False(t, ok)
	_, stillPlayable := r.playables[ch.ID]
	assert.False(t, stillPlayable)
	_, stillFed := r.feeders[ch.ID]
	assert.False(t, stillFed)
}

func TestChannelsSnapshotIsSortedByID(t *testing.T) {
	r := newTestRegistry()
	addDemoChannel(t, r, "bravo", []byte("gs"))
	addDemoChannel(t, r, "alpha", []byte("gs"))

	chs := r.Channels()
	require.Len(t, chs, 2)
	assert.True(t, chs[0].ID < chs[1].ID)
}

func TestHousekeepRemovesDeadChannelsWithRecorders(t *testing.T) {
	r := newTestRegistry()
	ch, _ := addDemoChannel(t, r, "alpha", []byte("gamestate"))

	recPath := filepath.Join(t.TempDir(), "rec.mvd")
	rec, err := channel.StartRecording(recPath, false, []byte{0})
	require.NoError(t, err)
	ch.AttachRecorder(rec)
	ch.Kill() // Kill closes+detaches the recorder; re-attach a fresh handle for the sweep to find

	rec2, err := channel.StartRecording(recPath, false, []byte{0})
	require.NoError(t, err)
	ch.AttachRecorder(rec2)

	r.Housekeep(0)
	_, ok := r.Lookup("alpha")
	assert.False(t, ok, "housekeeping should sweep a Dead channel with an attached recorder")
}

type fakeCmdSender struct{ lastCmd string }

func (f *fakeCmdSender) SendStringCmd(text string) error { f.lastCmd = text; return nil }
func (f *fakeCmdSender) RequestStop()                     {}
func (f *fakeCmdSender) SendPing()                        {}

func TestForwardStringCmdRelaysThroughLinkedChannel(t *testing.T) {
	r := newTestRegistry()
	ch, _ := addDemoChannel(t, r, "alpha", []byte("gamestate"))

	sender := &fakeCmdSender{}
	ch.LinkUpstream(1, sender)

	require.NoError(t, r.ForwardStringCmd("alpha", "client1", "topscores"))
	assert.Equal(t, "topscores", sender.lastCmd)
}

func TestForwardStringCmdUnknownChannelErrors(t *testing.T) {
	r := newTestRegistry()
	err := r.ForwardStringCmd("nope", "client1", "topscores")
	assert.Error(t, err)
}

func TestAllowReconnectPacesRepeatedAttempts(t *testing.T) {
	r := New(&config.Config{RateLimit: config.RateLimit{ReconnectBurst: 1}})
	assert.True(t, r.AllowReconnect("10.0.0.1:27500"))
	assert.False(t, r.AllowReconnect("10.0.0.1:27500"))
	// A different address has its own budget.
	assert.True(t, r.AllowReconnect("10.0.0.2:27500"))
}

func TestRemoveUpstreamDeletesUnpromotedChannel(t *testing.T) {
	r := newTestRegistry()
	u, _ := addUpstreamChannel(t, r, "srv1")

	require.True(t, r.RemoveUpstream(u.ID))
	_, ok := r.Lookup("srv1")
	assert.False(t, ok, "an unpromoted channel must still be freed with its upstream")
}

func TestRemoveUpstreamUnlinksButKeepsPromotedChannel(t *testing.T) {
	r := newTestRegistry()
	u, _ := addUpstreamChannel(t, r, "srv1")
	promoteChannel(t, u.Channel())

	require.True(t, r.RemoveUpstream(u.ID))
	ch, ok := r.Lookup("srv1")
	require.True(t, ok, "a promoted channel must survive its upstream's removal")
	assert.Equal(t, 0, ch.UpstreamID(), "UnlinkUpstream should clear the weak back-edge")
}

func TestTickDestroyedUpstreamDeletesUnpromotedChannel(t *testing.T) {
	r := newTestRegistry()
	u, stream := addUpstreamChannel(t, r, "srv1")
	u.State = upstream.Reading
	require.NoError(t, wire.WriteCommand(stream.recv, wire.SVCDisconnect, nil))

	r.Tick(0)
	_, ok := r.Lookup("srv1")
	assert.False(t, ok, "an unpromoted channel must be deleted when its upstream is destroyed")
	_, stillUpstream := r.upstreams[u.ID]
	assert.False(t, stillUpstream)
}

func TestTickDestroyedUpstreamUnlinksPromotedChannel(t *testing.T) {
	r := newTestRegistry()
	u, stream := addUpstreamChannel(t, r, "srv1")
	promoteChannel(t, u.Channel())
	u.State = upstream.Reading
	require.NoError(t, wire.WriteCommand(stream.recv, wire.SVCDisconnect, nil))

	r.Tick(0)
	ch, ok := r.Lookup("srv1")
	require.True(t, ok, "a promoted channel must survive its upstream being destroyed mid-stream")
	assert.Equal(t, 0, ch.UpstreamID())
	_, stillUpstream := r.upstreams[u.ID]
	assert.False(t, stillUpstream, "the destroyed upstream itself is still forgotten")
}
