package rpc

import (
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// Default throttle parameters: a burst of 10 packets per IP, refilled at 2
// per second, remembered for 5 minutes of inactivity.
const (
	DefaultThrottleBurst = 10
	DefaultThrottleRate  = rate.Limit(2)
	DefaultThrottleSize  = 16384
	DefaultThrottleTTL   = 5 * time.Minute
)

// Throttle is a per-IP token bucket. Limiters of idle IPs are evicted.
type Throttle struct {
	mu       sync.Mutex
	limiters *expirable.LRU[netip.Addr, *rate.Limiter]
	limit    rate.Limit
	burst    int
	clk      clock.Clock
}

// NewThrottle creates a throttle that admits burst packets per IP and
// refills at limit per second.
func NewThrottle(limit rate.Limit, burst, size int, ttl time.Duration, clk clock.Clock) *Throttle {
	if clk == nil {
		clk = clock.New()
	}
	return &Throttle{
		limiters: expirable.NewLRU[netip.Addr, *rate.Limiter](size, nil, ttl),
		limit:    limit,
		burst:    burst,
		clk:      clk,
	}
}

// NewDefaultThrottle creates a throttle with the default parameters.
func NewDefaultThrottle(clk clock.Clock) *Throttle {
	return NewThrottle(DefaultThrottleRate, DefaultThrottleBurst, DefaultThrottleSize, DefaultThrottleTTL, clk)
}

func (t *Throttle) limiter(ip netip.Addr) *rate.Limiter {
	ip = ip.Unmap()
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.limiters.Get(ip); ok {
		return l
	}
	l := rate.NewLimiter(t.limit, t.burst)
	t.limiters.Add(ip, l)
	return l
}

// Test reports whether ip is currently throttled, without consuming a
// token.
func (t *Throttle) Test(ip netip.Addr) bool {
	return t.limiter(ip).TokensAt(t.clk.Now()) < 1
}

// AddAndTest consumes a token for ip and reports whether it was throttled.
// A throttled attempt consumes nothing.
func (t *Throttle) AddAndTest(ip netip.Addr) bool {
	return !t.limiter(ip).AllowN(t.clk.Now(), 1)
}

// EstimateDeferral returns how long until ip may send again.
func (t *Throttle) EstimateDeferral(ip netip.Addr) time.Duration {
	now := t.clk.Now()
	r := t.limiter(ip).ReserveN(now, 1)
	if !r.OK() {
		return time.Second
	}
	d := r.DelayFrom(now)
	r.CancelAt(now)
	return d
}

// Len returns the number of tracked IPs.
func (t *Throttle) Len() int {
	return t.limiters.Len()
}
