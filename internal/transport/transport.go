// Package transport is the non-blocking stream abstraction named as an
// external collaborator in §6 of the protocol: Upstream consumes it
// through the Stream interface and never touches a socket, a DNS
// resolver, or TLS directly. gtvcore still needs something concrete to
// hand Upstream, so this package provides a TCP implementation (grounded
// on the teacher's parallel-dial DialFast) and a QUIC implementation
// (grounded on the teacher's otherwise-unwired quic-go dependency),
// selected by Config.Rules[].Transport.
package transport

import (
	"github.com/5l1v3r1/gtvcore/internal/wire"
)

// State mirrors the Connecting/Connected/Closed states the protocol spec
// requires of the transport collaborator.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "closed"
	}
}

// Stream is the non-blocking byte-stream abstraction Upstream drives.
// Connect kicks off a connection attempt without blocking; RunConnect is
// polled once per tick until it reports the attempt has settled;
// RunStream pumps whatever bytes are currently available between the
// socket and the two owned ring buffers, also without blocking. Send and
// Recv expose those ring buffers directly so Framer and InflateAdapter
// can read and write them.
type Stream interface {
	Connect(addr string) error
	RunConnect() (done bool, err error)
	RunStream() error
	Close() error
	State() State
	Send() *wire.RingBuf
	Recv() *wire.RingBuf
}

// BufferSize is the default capacity of a Stream's send/recv ring
// buffers: enough for several MAX_MSGLEN records plus a command header.
const BufferSize = 8 * wire.MaxMsgLen
