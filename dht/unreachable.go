package dht

import (
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// unreachableFailures is the number of consecutive timeouts after which an
// address is skipped by lookups.
const unreachableFailures = 2

type reachRecord struct {
	failures int
	expires  time.Time
}

// NonReachableCache remembers addresses that keep timing out, so lookups
// stop wasting calls on them. Records expire after the TTL or on the first
// answer.
type NonReachableCache struct {
	mu      sync.Mutex
	records *expirable.LRU[netip.AddrPort, *reachRecord]
	ttl     time.Duration
	clk     clock.Clock
}

// NewNonReachableCache creates a cache of up to size addresses.
func NewNonReachableCache(size int, ttl time.Duration, clk clock.Clock) *NonReachableCache {
	if clk == nil {
		clk = clock.New()
	}
	return &NonReachableCache{
		records: expirable.NewLRU[netip.AddrPort, *reachRecord](size, nil, ttl),
		ttl:     ttl,
		clk:     clk,
	}
}

// Failed records a timeout of addr.
func (c *NonReachableCache) Failed(addr netip.AddrPort) {
	now := c.clk.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.records.Get(addr)
	if !ok || r.expires.Before(now) {
		r = &reachRecord{}
	}
	r.failures++
	r.expires = now.Add(c.ttl)
	c.records.Add(addr, r)
}

// Success forgets addr.
func (c *NonReachableCache) Success(addr netip.AddrPort) {
	c.mu.Lock()
	c.records.Remove(addr)
	c.mu.Unlock()
}

// Unreachable reports whether addr failed repeatedly within the TTL.
func (c *NonReachableCache) Unreachable(addr netip.AddrPort) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.records.Peek(addr)
	return ok && r.failures >= unreachableFailures && !r.expires.Before(c.clk.Now())
}

// Expire drops records that timed out on the injected clock. It returns
// the number removed.
func (c *NonReachableCache) Expire() int {
	now := c.clk.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, addr := range c.records.Keys() {
		if r, ok := c.records.Peek(addr); ok && r.expires.Before(now) {
			c.records.Remove(addr)
			n++
		}
	}
	return n
}

// Len returns the number of tracked addresses.
func (c *NonReachableCache) Len() int {
	return c.records.Len()
}
