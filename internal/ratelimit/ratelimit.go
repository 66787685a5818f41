// Package ratelimit throttles two gtvcore-specific hot paths that the
// teacher's controller/server.go already throttles for its own inbound
// connections: repeated requests (there, per-IP accept rate; here,
// STRINGCMD forwarding per spectator client, via the same
// patrickmn/go-cache TTL-counter pattern) and sustained retry pressure
// from manual "connect" commands (via golang.org/x/time/rate, the pacing
// half nishisan-dev-n-backup uses to cap its own S3 upload throughput).
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// StringCmd throttles STRINGCMD forwarding per spectator client, the
// same shape as the teacher's ipCache WAF counter in
// controller/server.go: a TTL cache of per-key counts, capped per
// window.
type StringCmd struct {
	counts *cache.Cache
	perMin int
}

// NewStringCmd builds a limiter allowing perMinute STRINGCMDs per
// spectator client ID.
func NewStringCmd(perMinute int) *StringCmd {
	return &StringCmd{
		counts: cache.New(time.Minute, 2*time.Minute),
		perMin: perMinute,
	}
}

// Allow reports whether clientID may forward another STRINGCMD this
// window, incrementing its counter as a side effect.
func (s *StringCmd) Allow(clientID string) bool {
	if s.perMin <= 0 {
		return true
	}
	key := fmt.Sprintf("stringcmd:%s", clientID)
	if count, found := s.counts.Get(key); found {
		n := count.(int)
		if n >= s.perMin {
			return false
		}
		_ = s.counts.Increment(key, 1)
		return true
	}
	s.counts.Set(key, 1, cache.DefaultExpiration)
	return true
}

// Reconnect paces manual reconnect attempts per upstream address on top
// of the protocol's own reconnect backoff (§4.3), so an operator
// script hammering "connect" cannot bypass the broadcaster-facing
// backoff policy.
type Reconnect struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	burst    int
}

// NewReconnect builds a per-address reconnect pacer allowing burst
// immediate attempts and then one every 5 seconds.
func NewReconnect(burst int) *Reconnect {
	if burst <= 0 {
		burst = 1
	}
	return &Reconnect{limiters: make(map[string]*rate.Limiter), burst: burst}
}

// Allow reports whether addr may be dialed again right now.
func (r *Reconnect) Allow(addr string) bool {
	r.mu.Lock()
	lim, ok := r.limiters[addr]
	if !ok {
		lim = rate.NewLimiter(rate.Every(5*time.Second), r.burst)
		r.limiters[addr] = lim
	}
	r.mu.Unlock()
	return lim.Allow()
}
