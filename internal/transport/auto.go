package transport

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/5l1v3r1/gtvcore/internal/wire"
)

// AutoStream races a TCP dial against a QUIC dial and adopts whichever
// connects first, closing the loser. Grounded on the teacher's
// controller/boost.go, which does exactly this race-and-cancel dance
// between candidate backend connections; here the "candidates" are two
// transports for the same broadcast server instead of several mirrors of
// the same backend.
type AutoStream struct {
	tcp  *TCPStream
	quic *QUICStream

	winner Stream
	state  atomic.Int32
}

// NewAutoStream allocates a Stream that races TCP and QUIC on Connect.
func NewAutoStream() *AutoStream {
	return &AutoStream{tcp: NewTCPStream(), quic: NewQUICStream()}
}

func (s *AutoStream) Connect(addr string) error {
	s.state.Store(int32(StateConnecting))
	if err := s.tcp.Connect(addr); err != nil {
		return err
	}
	return s.quic.Connect(addr)
}

// RunConnect polls both candidates and adopts the first to settle
// successfully (reaching StateConnected). Once both have failed, it
// returns the error reported on that final poll, the TCP side's when
// both report one on the same poll.
func (s *AutoStream) RunConnect() (bool, error) {
	if s.winner != nil {
		return true, nil
	}
	tcpDone, tcpErr := s.tcp.RunConnect()
	if tcpDone && tcpErr == nil && s.tcp.State() == StateConnected {
		s.adopt(s.tcp, s.quic)
		return true, nil
	}
	quicDone, quicErr := s.quic.RunConnect()
	if quicDone && quicErr == nil && s.quic.State() == StateConnected {
		s.adopt(s.quic, s.tcp)
		return true, nil
	}
	if tcpDone && quicDone {
		// Both candidates failed to connect.
		_ = s.tcp.Close()
		_ = s.quic.Close()
		if tcpErr != nil {
			return true, tcpErr
		}
		return true, quicErr
	}
	return false, nil
}

func (s *AutoStream) adopt(winner, loser Stream) {
	s.winner = winner
	s.state.Store(int32(StateConnected))
	go func() { _ = loser.Close() }()
}

func (s *AutoStream) RunStream() error {
	if s.winner == nil {
		return errors.New("transport: RunStream called before a winner was chosen")
	}
	return s.winner.RunStream()
}

func (s *AutoStream) Close() error {
	s.state.Store(int32(StateClosed))
	if s.winner != nil {
		return s.winner.Close()
	}
	_ = s.tcp.Close()
	_ = s.quic.Close()
	return nil
}

func (s *AutoStream) State() State {
	if s.winner != nil {
		return s.winner.State()
	}
	return State(s.state.Load())
}

func (s *AutoStream) Send() *wire.RingBuf {
	if s.winner != nil {
		return s.winner.Send()
	}
	return s.tcp.Send()
}

func (s *AutoStream) Recv() *wire.RingBuf {
	if s.winner != nil {
		return s.winner.Recv()
	}
	return s.tcp.Recv()
}

// New builds a Stream of the requested kind: "tcp", "quic", or "auto"
// (race both, §3 of SPEC_FULL.md). Unrecognized kinds default to "tcp".
func New(kind string) Stream {
	switch kind {
	case "quic":
		return NewQUICStream()
	case "auto":
		return NewAutoStream()
	default:
		return NewTCPStream()
	}
}
