package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoListener(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						_, _ = c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String(), func() { _ = ln.Close() }
}

func waitConnect(t *testing.T, s Stream, addr string) {
	t.Helper()
	require.NoError(t, s.Connect(addr))
	deadline := time.Now().Add(2 * time.Second)
	for {
		done, err := s.RunConnect()
		require.NoError(t, err)
		if done {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for RunConnect to settle")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTCPStreamRoundTrip(t *testing.T) {
	addr, stop := echoListener(t)
	defer stop()

	s := NewTCPStream()
	waitConnect(t, s, addr)
	assert.Equal(t, StateConnected, s.State())
	defer s.Close()

	require.NoError(t, s.Send().Write([]byte("hello")))
	require.NoError(t, s.RunStream())

	deadline := time.Now().Add(2 * time.Second)
	for s.Recv().Len() < 5 {
		require.NoError(t, s.RunStream())
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for echoed bytes")
		}
		time.Sleep(time.Millisecond)
	}
	got := make([]byte, 5)
	s.Recv().Peek(got, 0)
	assert.Equal(t, "hello", string(got))
}

func TestTCPStreamConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close()) // nothing listening now

	s := NewTCPStream()
	require.NoError(t, s.Connect(addr))
	deadline := time.Now().Add(2 * time.Second)
	for {
		done, cerr := s.RunConnect()
		if done {
			assert.Error(t, cerr)
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for refused connect to settle")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNewFactoryDispatch(t *testing.T) {
	assert.IsType(t, &TCPStream{}, New("tcp"))
	assert.IsType(t, &TCPStream{}, New("unknown"))
	assert.IsType(t, &QUICStream{}, New("quic"))
	assert.IsType(t, &AutoStream{}, New("auto"))
}

func TestPrewarmAcquireAfterEnsure(t *testing.T) {
	addr, stop := echoListener(t)
	defer stop()

	pool := newPrewarmPool()
	pool.Ensure(addr)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if conn, ok := pool.Acquire(addr); ok {
			_ = conn.Close()
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for a warm connection")
		}
		time.Sleep(time.Millisecond)
	}
}
