package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/5l1v3r1/gtvcore/internal/wire"
)

const dialTimeout = 3 * time.Second

// TCPStream is the default Stream implementation: a plain TCP socket
// dialed the way the teacher's controller/direct.go DialFast does —
// resolve every address for the host and race a connection attempt to
// each, taking whichever answers first. A background goroutine copies
// bytes between the socket and the owned ring buffers so RunStream never
// blocks the caller; this is the same "reader goroutine feeding a
// channel, tick loop drains non-blockingly" shape used throughout the
// pack for adapting blocking net.Conn I/O to a poll-driven loop.
type TCPStream struct {
	conn net.Conn

	state  atomic.Int32
	send   *wire.RingBuf
	recv   *wire.RingBuf

	connectResult chan connectOutcome
	readErr       chan error
	stopReader    chan struct{}

	mu sync.Mutex
}

type connectOutcome struct {
	conn net.Conn
	err  error
}

// NewTCPStream allocates a TCP Stream with default-sized ring buffers.
func NewTCPStream() *TCPStream {
	return &TCPStream{
		send: wire.NewRingBuf(BufferSize),
		recv: wire.NewRingBuf(BufferSize),
	}
}

func (s *TCPStream) State() State        { return State(s.state.Load()) }
func (s *TCPStream) Send() *wire.RingBuf { return s.send }
func (s *TCPStream) Recv() *wire.RingBuf { return s.recv }

// Connect starts a non-blocking dial to addr, racing one attempt per
// resolved address (DialFast's strategy) so a single slow or dead route
// to a broadcast server never stalls the connection attempt.
func (s *TCPStream) Connect(addr string) error {
	if s.State() != StateClosed {
		return errors.New("transport: Connect called while not closed")
	}
	s.state.Store(int32(StateConnecting))
	s.connectResult = make(chan connectOutcome, 1)

	go func() {
		if conn, ok := Prewarm.Acquire(addr); ok {
			s.connectResult <- connectOutcome{conn: conn}
			return
		}
		conn, err := dialFast(addr)
		s.connectResult <- connectOutcome{conn: conn, err: err}
	}()
	return nil
}

// RunConnect polls the outstanding dial started by Connect. It returns
// (true, nil) once connected, (true, err) on a failed attempt (the
// caller treats this as a drop and reschedules via backoff), or
// (false, nil) while still in flight.
func (s *TCPStream) RunConnect() (bool, error) {
	if s.State() != StateConnecting {
		return true, nil
	}
	select {
	case outcome := <-s.connectResult:
		if outcome.err != nil {
			s.state.Store(int32(StateClosed))
			return true, outcome.err
		}
		s.conn = outcome.conn
		s.state.Store(int32(StateConnected))
		s.startReader()
		return true, nil
	default:
		return false, nil
	}
}

func (s *TCPStream) startReader() {
	s.readErr = make(chan error, 1)
	s.stopReader = make(chan struct{})
	go func() {
		buf := make([]byte, 16*1024)
		for {
			n, err := s.conn.Read(buf)
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

// RunStream flushes any buffered outbound bytes to the socket and
// surfaces any read error observed by the background reader. Inbound
// bytes land directly in Recv() as the reader goroutine produces them;
// Upstream picks them up on its next Framer pass.
func (s *TCPStream) RunStream() error {
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

	if _, err := s.conn.Write(out); err != nil {
		return errors.Wrap(err, "transport: write failed")
	}
	return nil
}

// Close tears down the socket and background reader.
func (s *TCPStream) Close() error {
	if s.stopReader != nil {
		close(s.stopReader)
	}
	s.state.Store(int32(StateClosed))
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// dialFast resolves addr and races a dial to every candidate IP,
// returning whichever connects first. Grounded on DialFast in the
// teacher's controller/direct.go.
func dialFast(addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		d := &net.Dialer{Timeout: dialTimeout}
		return d.Dial("tcp", addr)
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	addrs, rerr := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if rerr != nil || len(addrs) == 0 {
		d := &net.Dialer{Timeout: dialTimeout}
		return d.Dial("tcp", addr)
	}
	type result struct {
		c   net.Conn
		err error
	}
	resCh := make(chan result, len(addrs))
	for _, ip := range addrs {
		go func(ip net.IP) {
			d := &net.Dialer{Timeout: dialTimeout}
			c, e := d.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), port))
			resCh <- result{c: c, err: e}
		}(ip)
	}
	var lastErr error
	for range addrs {
		r := <-resCh
		if r.err == nil {
			cancel()
			return r.c, nil
		}
		lastErr = r.err
	}
	return nil, lastErr
}
