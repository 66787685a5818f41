package transport

import (
	"net"
	"sync"
	"time"
)

// prewarmPerAddrMax bounds how many idle connections Prewarm keeps per
// address, mirroring the teacher's prewarmPerTargetMax safety valve
// against unbounded growth.
const prewarmPerAddrMax = 4

// Prewarm is the package-wide reconnect-acceleration pool: Ensure dials
// one spare TCP connection for an address in the background, and
// TCPStream.Connect takes a warm connection via Acquire when one is
// idle, skipping the dial round trip. Upstream does not call Ensure, so
// the pool only holds connections that some other caller asked for.
// Grounded on the teacher's controller/prewarm.go idle-connection pool,
// narrowed from "keep N warm connections per proxy target at all times"
// to "one spare per Ensure call, at most prewarmPerAddrMax per address".
var Prewarm = newPrewarmPool()

type prewarmPool struct {
	mu    sync.Mutex
	pools map[string]*addrPool
}

type addrPool struct {
	idle    []net.Conn
	warming int
}

func newPrewarmPool() *prewarmPool {
	return &prewarmPool{pools: make(map[string]*addrPool)}
}

// Ensure requests that addr have a warm spare connection available,
// dialing one in the background if none is idle or already in flight.
func (p *prewarmPool) Ensure(addr string) {
	p.mu.Lock()
	ap, ok := p.pools[addr]
	if !ok {
		ap = &addrPool{}
		p.pools[addr] = ap
	}
	need := 1 - len(ap.idle) - ap.warming
	if need > 0 && len(ap.idle)+ap.warming < prewarmPerAddrMax {
		ap.warming++
		go p.dialOne(addr)
	}
	p.mu.Unlock()
}

func (p *prewarmPool) dialOne(addr string) {
	conn, err := dialFast(addr)
	p.mu.Lock()
	defer p.mu.Unlock()
	ap := p.pools[addr]
	ap.warming--
	if ap.warming < 0 {
		ap.warming = 0
	}
	if err != nil {
		return
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
		_ = tc.SetNoDelay(true)
	}
	ap.idle = append(ap.idle, conn)
}

// Acquire takes a warm connection for addr if one is ready, returning
// ok=false if the caller should fall back to an ordinary dial.
func (p *prewarmPool) Acquire(addr string) (net.Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ap, ok := p.pools[addr]
	if !ok || len(ap.idle) == 0 {
		return nil, false
	}
	n := len(ap.idle)
	conn := ap.idle[n-1]
	ap.idle = ap.idle[:n-1]
	return conn, true
}
