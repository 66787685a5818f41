package transport

import (
	"context"
	"crypto/tls"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	"github.com/5l1v3r1/gtvcore/internal/wire"
)

// QUICStream is an alternate Stream implementation carrying the same
// length-prefixed GTV wire format over a single bidirectional QUIC
// stream instead of a raw TCP socket. It exists purely as a transport
// swap: Framer, InflateAdapter, Upstream, and Channel never know which
// one they are talking to. Selected per-rule via Config.Rules[].Transport
// == "quic". The teacher's go.mod already names quic-go as a dependency
// without using it in the trimmed snapshot; this gives it a real job.
type QUICStream struct {
	conn quic.Connection
	str  quic.Stream

	state atomic.Int32
	send  *wire.RingBuf
	recv  *wire.RingBuf

	connectResult chan connectOutcomeQUIC
	readErr       chan error
	stopReader    chan struct{}
	mu            sync.Mutex
}

type connectOutcomeQUIC struct {
	conn quic.Connection
	str  quic.Stream
	err  error
}

// NewQUICStream allocates a QUIC Stream with default-sized ring buffers.
func NewQUICStream() *QUICStream {
	return &QUICStream{
		send: wire.NewRingBuf(BufferSize),
		recv: wire.NewRingBuf(BufferSize),
	}
}

func (s *QUICStream) State() State        { return State(s.state.Load()) }
func (s *QUICStream) Send() *wire.RingBuf { return s.send }
func (s *QUICStream) Recv() *wire.RingBuf { return s.recv }

// Connect opens a QUIC connection and a single bidirectional stream on
// it, non-blocking from the caller's perspective: the handshake and
// stream open happen on a background goroutine, polled by RunConnect.
func (s *QUICStream) Connect(addr string) error {
	if s.State() != StateClosed {
		return errors.New("transport: Connect called while not closed")
	}
	s.state.Store(int32(StateConnecting))
	s.connectResult = make(chan connectOutcomeQUIC, 1)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		tlsConf := &tls.Config{NextProtos: []string{"gtv"}, InsecureSkipVerify: true}
		conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
		if err != nil {
			s.connectResult <- connectOutcomeQUIC{err: err}
			return
		}
		str, err := conn.OpenStreamSync(ctx)
		if err != nil {
			s.connectResult <- connectOutcomeQUIC{err: err}
			return
		}
		s.connectResult <- connectOutcomeQUIC{conn: conn, str: str}
	}()
	return nil
}

// RunConnect polls the outstanding QUIC handshake + stream open.
func (s *QUICStream) RunConnect() (bool, error) {
	if s.State() != StateConnecting {
		return true, nil
	}
	select {
	case outcome := <-s.connectResult:
		if outcome.err != nil {
			s.state.Store(int32(StateClosed))
			return true, outcome.err
		}
		s.conn, s.str = outcome.conn, outcome.str
		s.state.Store(int32(StateConnected))
		s.startReader()
		return true, nil
	default:
		return false, nil
	}
}

func (s *QUICStream) startReader() {
	s.readErr = make(chan error, 1)
	s.stopReader = make(chan struct{})
	go func() {
		buf := make([]byte, 16*1024)
		for {
			n, err := s.str.Read(buf)
			if n > 0 {
				s.mu.Lock()
				_ = s.recv.Write(buf[:n])
				s.mu.Unlock()
			}
			if err != nil {
				select {
				case s.readErr <- err:
				case <-s.stopReader:
				}
				return
			}
		}
	}()
}

// RunStream flushes buffered outbound bytes to the QUIC stream and
// surfaces any read error from the background reader.
func (s *QUICStream) RunStream() error {
	if s.State() != StateConnected {
		return errors.New("transport: RunStream called while not connected")
	}
	select {
	case err := <-s.readErr:
		return err
	default:
	}

	s.mu.Lock()
	n := s.send.Len()
	if n == 0 {
		s.mu.Unlock()
		return nil
	}
	out := make([]byte, n)
	s.send.Peek(out, 0)
	s.send.Discard(n)
	s.mu.Unlock()

	if _, err := s.str.Write(out); err != nil {
		return errors.Wrap(err, "transport: quic write failed")
	}
	return nil
}

// Close tears down the stream and connection.
func (s *QUICStream) Close() error {
	if s.stopReader != nil {
		close(s.stopReader)
	}
	s.state.Store(int32(StateClosed))
	if s.str != nil {
		_ = s.str.Close()
	}
	if s.conn != nil {
		return s.conn.CloseWithError(0, "gtvcore: closed")
	}
	return nil
}
