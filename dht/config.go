package dht

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opd-ai/mainline/key"
	"github.com/opd-ai/mainline/rpc"
	"github.com/opd-ai/mainline/scheduler"
	"github.com/opd-ai/mainline/task"
	"github.com/opd-ai/mainline/transport"
)

// DefaultBootstrapNodes are the well known routers used to join the
// network.
var DefaultBootstrapNodes = []string{
	"router.bittorrent.com:6881",
	"dht.transmissionbt.com:6881",
	"router.utorrent.com:6881",
}

// Config holds every tunable of a Node.
type Config struct {
	// ListenAddrs are the UDP addresses to bind, one server each. The
	// family of each address selects the DHT it belongs to.
	ListenAddrs []string
	// Transports, if set, replace ListenAddrs. Used with in-memory
	// networks.
	Transports []transport.Transport

	// NodeID is the base id; servers derive theirs from it. Zero picks a
	// random id.
	NodeID key.Key
	// Version is the client tag sent with every message.
	Version string
	// ReadOnly marks us as a BEP 43 read-only node that never answers
	// queries.
	ReadOnly bool
	// AllowLocalAddresses accepts private and loopback addresses into the
	// routing table and lookups.
	AllowLocalAddresses bool

	BucketSize      int
	ReplacementSize int

	MaxActiveCalls int
	MaxActiveTasks int
	CallReserve    int
	Concurrency    int
	MaxTimeout     time.Duration

	TokenTimeout time.Duration

	BootstrapNodes []string
	// BootstrapInterval is the minimum time between two bootstraps.
	BootstrapInterval time.Duration
	// BootstrapThreshold is the table size below which a bootstrap is
	// attempted.
	BootstrapThreshold int
	// SelfLookupInterval re-runs the lookup for our own id when the table
	// is healthy.
	SelfLookupInterval time.Duration

	DequeueInterval      time.Duration
	CheckInterval        time.Duration
	ExpiryInterval       time.Duration
	RandomLookupInterval time.Duration
	BindCheckInterval    time.Duration

	BanDuration     time.Duration
	UnreachableTTL  time.Duration
	UnreachableSize int

	PeerExpiry         time.Duration
	MaxTorrents        int
	MaxPeersPerTorrent int
	SampleInterval     time.Duration

	ItemLifetime   time.Duration
	StorageMaxCost int64

	// Workers bounds the scheduler pool. Ignored when Scheduler is set.
	Workers   int
	Scheduler *scheduler.Scheduler
	Clock     clock.Clock
	// Registerer receives the Prometheus collectors. Nil disables metrics.
	Registerer prometheus.Registerer
}

// DefaultConfig returns the configuration of a public mainline node.
func DefaultConfig() *Config {
	return &Config{
		ListenAddrs:          []string{"0.0.0.0:6881"},
		Version:              "ML01",
		BucketSize:           8,
		ReplacementSize:      8,
		MaxActiveCalls:       rpc.DefaultMaxActiveCalls,
		MaxActiveTasks:       task.DefaultMaxActiveTasks,
		CallReserve:          task.DefaultCallReserve,
		Concurrency:          task.DefaultConcurrency,
		MaxTimeout:           rpc.MaxTimeout,
		TokenTimeout:         5 * time.Minute,
		BootstrapNodes:       DefaultBootstrapNodes,
		BootstrapInterval:    4 * time.Minute,
		BootstrapThreshold:   30,
		SelfLookupInterval:   30 * time.Minute,
		DequeueInterval:      time.Second,
		CheckInterval:        5 * time.Second,
		ExpiryInterval:       time.Minute,
		RandomLookupInterval: 10 * time.Minute,
		BindCheckInterval:    time.Minute,
		BanDuration:          time.Hour,
		UnreachableTTL:       10 * time.Minute,
		UnreachableSize:      4096,
		PeerExpiry:           30 * time.Minute,
		MaxTorrents:          65536,
		MaxPeersPerTorrent:   2000,
		SampleInterval:       6 * time.Hour,
		ItemLifetime:         2 * time.Hour,
		StorageMaxCost:       16 << 20,
		Workers:              16,
	}
}

// Validate checks c for values that cannot work.
func (c *Config) Validate() error {
	if len(c.ListenAddrs) == 0 && len(c.Transports) == 0 {
		return errors.New("no listen address")
	}
	for _, a := range c.ListenAddrs {
		if _, err := netip.ParseAddrPort(a); err != nil {
			return fmt.Errorf("listen address %q: %w", a, err)
		}
	}
	positive := map[string]int{
		"bucket size":           c.BucketSize,
		"max active calls":      c.MaxActiveCalls,
		"max active tasks":      c.MaxActiveTasks,
		"concurrency":           c.Concurrency,
		"max torrents":          c.MaxTorrents,
		"max peers per torrent": c.MaxPeersPerTorrent,
		"unreachable size":      c.UnreachableSize,
	}
	for name, v := range positive {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if c.CallReserve >= c.MaxActiveCalls {
		return fmt.Errorf("call reserve %d leaves no room under %d active calls", c.CallReserve, c.MaxActiveCalls)
	}
	durations := map[string]time.Duration{
		"max timeout":            c.MaxTimeout,
		"token timeout":          c.TokenTimeout,
		"bootstrap interval":     c.BootstrapInterval,
		"self lookup interval":   c.SelfLookupInterval,
		"dequeue interval":       c.DequeueInterval,
		"check interval":         c.CheckInterval,
		"expiry interval":        c.ExpiryInterval,
		"random lookup interval": c.RandomLookupInterval,
		"bind check interval":    c.BindCheckInterval,
		"ban duration":           c.BanDuration,
		"unreachable ttl":        c.UnreachableTTL,
		"peer expiry":            c.PeerExpiry,
		"item lifetime":          c.ItemLifetime,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.StorageMaxCost <= 0 {
		return fmt.Errorf("storage max cost must be positive, got %d", c.StorageMaxCost)
	}
	return nil
}
