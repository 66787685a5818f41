package upstream

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/5l1v3r1/gtvcore/internal/channel"
	"github.com/5l1v3r1/gtvcore/internal/parser"
	"github.com/5l1v3r1/gtvcore/internal/transport"
	"github.com/5l1v3r1/gtvcore/internal/wire"
)

type fakeStream struct {
	send *wire.RingBuf
	recv *wire.RingBuf

	connectErr    error
	connectDone   bool
	runConnectErr error
	runStreamErr  error
	closed        bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		send:        wire.NewRingBuf(transport.BufferSize),
		recv:        wire.NewRingBuf(transport.BufferSize),
		connectDone: true,
	}
}

func (f *fakeStream) Connect(string) error              { return f.connectErr }
func (f *fakeStream) RunConnect() (bool, error)         { return f.connectDone, f.runConnectErr }
func (f *fakeStream) RunStream() error                  { return f.runStreamErr }
func (f *fakeStream) Close() error                      { f.closed = true; return nil }
func (f *fakeStream) State() transport.State            { return transport.StateConnected }
func (f *fakeStream) Send() *wire.RingBuf               { return f.send }
func (f *fakeStream) Recv() *wire.RingBuf               { return f.recv }

func testOptions() Options {
	return Options{TimeoutSec: 90, WaitDelay: 20, WaitPercent: 35, BufferSize: 3}
}

func pushMagic(t *testing.T, fs *fakeStream) {
	t.Helper()
	var m [4]byte
	binary.BigEndian.PutUint32(m[:], wire.Magic)
	require.NoError(t, fs.recv.Write(m[:]))
}

func pushHello(t *testing.T, fs *fakeStream, flags uint32) {
	t.Helper()
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body[0:4], flags)
	require.NoError(t, wire.WriteCommand(fs.recv, wire.SVCHello, body))
}

func TestHandshakeThroughResuming(t *testing.T) {
	fs := newFakeStream()
	u := New(1, "test", "127.0.0.1:27500", fs, testOptions(), parser.NewNull())

	o := u.Run(0, false)
	assert.Equal(t, Continue, o.Kind)
	assert.Equal(t, Connecting, u.State)

	o = u.Run(1, false)
	assert.Equal(t, Continue, o.Kind)
	assert.Equal(t, Preparing, u.State)

	pushMagic(t, fs)
	o = u.Run(2, false)
	assert.Equal(t, Continue, o.Kind)
	assert.True(t, u.framer.MagicValidated())
	assert.True(t, u.helloSent)
	assert.Greater(t, fs.send.Len(), 0)

	pushHello(t, fs, wire.FlagStringCmds)
	o = u.Run(3, false)
	assert.Equal(t, Continue, o.Kind)
	assert.Equal(t, Connected, u.State)
	assert.Equal(t, wire.FlagStringCmds, u.Flags)
	assert.Nil(t, u.inflate)

	o = u.Run(4, true)
	assert.Equal(t, Continue, o.Kind)
	assert.Equal(t, Resuming, u.State)

	require.NoError(t, wire.WriteCommand(fs.recv, wire.SVCStreamStart, nil))
	o = u.Run(5, true)
	assert.Equal(t, Continue, o.Kind)
	assert.Equal(t, Reading, u.State)
	assert.Equal(t, channel.Waiting, u.Channel().State)
}

func TestHelloNegotiatesDeflate(t *testing.T) {
	fs := newFakeStream()
	opts := testOptions()
	opts.Deflate = true
	u := New(1, "test", "127.0.0.1:27500", fs, opts, parser.NewNull())
	u.State = Preparing
	pushMagic(t, fs)
	validated, err := u.framer.ValidateMagic(fs.recv)
	require.NoError(t, err)
	require.True(t, validated)
	u.helloSent = true

	pushHello(t, fs, wire.FlagStringCmds|wire.FlagDeflate)
	o := u.Run(0, false)
	require.Equal(t, Continue, o.Kind)
	assert.Equal(t, Connected, u.State)
	assert.NotNil(t, u.inflate)
}

func TestKeepaliveTimeoutDropsAndResetsBackoff(t *testing.T) {
	fs := newFakeStream()
	u := New(1, "test", "addr", fs, testOptions(), parser.NewNull())
	u.State = Connected
	u.lastRcvdMS = 0

	o := u.Run(u.timeoutMS+1, false)
	assert.Equal(t, Dropped, o.Kind)
	assert.Equal(t, Disconnected, u.State)
	assert.Equal(t, baseBackoffMS, u.backoffMS)
	assert.True(t, fs.closed)
}

func TestBackoffGrowsOnConsecutiveBelowConnectedDrops(t *testing.T) {
	fs := newFakeStream()
	u := New(1, "test", "addr", fs, testOptions(), parser.NewNull())

	u.State = Connecting
	o1 := u.scheduleDrop(0, "first")
	assert.Equal(t, Dropped, o1.Kind)
	assert.Equal(t, baseBackoffMS+stepSmallMS, u.backoffMS)

	u.State = Connecting
	o2 := u.scheduleDrop(0, "second")
	assert.Equal(t, Dropped, o2.Kind)
	assert.Equal(t, baseBackoffMS+stepSmallMS+stepLargeMS, u.backoffMS)
}

func TestBackoffClampsToMaximum(t *testing.T) {
	fs := newFakeStream()
	u := New(1, "test", "addr", fs, testOptions(), parser.NewNull())
	for i := 0; i < 1000; i++ {
		u.State = Connecting
		u.scheduleDrop(0, "retry")
	}
	assert.Equal(t, maxBackoffMS, u.backoffMS)
}

func TestUnknownOpcodeIsFatal(t *testing.T) {
	fs := newFakeStream()
	u := New(1, "test", "addr", fs, testOptions(), parser.NewNull())
	u.State = Connected

	o, handled := u.dispatch(0, []byte{250})
	assert.True(t, handled)
	assert.Equal(t, Destroyed, o.Kind)
}

func TestReconnectOpcodeIsRecoverableDrop(t *testing.T) {
	fs := newFakeStream()
	u := New(1, "test", "addr", fs, testOptions(), parser.NewNull())
	u.State = Connected

	o, handled := u.dispatch(0, []byte{wire.SVCReconnect})
	assert.True(t, handled)
	assert.Equal(t, Dropped, o.Kind)
}

func TestStreamDataOutsideSessionIsFatal(t *testing.T) {
	fs := newFakeStream()
	u := New(1, "test", "addr", fs, testOptions(), parser.NewNull())
	u.State = Connected

	payload := append([]byte{wire.SVCStreamData}, []byte("x")...)
	o, handled := u.dispatch(0, payload)
	assert.True(t, handled)
	assert.Equal(t, Destroyed, o.Kind)
}

func TestDecodeHelloReadsFourByteFlagsBody(t *testing.T) {
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, wire.FlagStringCmds|wire.FlagDeflate)
	flags, err := decodeHello(body)
	require.NoError(t, err)
	assert.Equal(t, wire.FlagStringCmds|wire.FlagDeflate, flags)
}

func TestDecodeHelloRejectsShortBody(t *testing.T) {
	_, err := decodeHello([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestActiveFlagFlipDuringResumingDoesNotSuspend(t *testing.T) {
	fs := newFakeStream()
	u := New(1, "test", "addr", fs, testOptions(), parser.NewNull())
	u.State = Resuming

	o := u.Run(0, false)
	assert.Equal(t, Continue, o.Kind)
	assert.Equal(t, Resuming, u.State, "Resuming has no active=false edge in the transition table")

	require.NoError(t, wire.WriteCommand(fs.recv, wire.SVCStreamStart, nil))
	o = u.Run(1, false)
	assert.Equal(t, Continue, o.Kind)
	assert.Equal(t, Suspending, u.State, "a late stream-start ack after Resuming is accepted, and the inactive flag then moves the stream on to Suspending")
}
