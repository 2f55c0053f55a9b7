package dht

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/mainline/rpc"
	"github.com/opd-ai/mainline/task"
	"github.com/opd-ai/mainline/transport"
)

// BootstrapState is the phase of the bootstrap procedure.
type BootstrapState int32

const (
	// BootstrapNone means no bootstrap is in progress.
	BootstrapNone BootstrapState = iota
	// BootstrapRunning means the lookup for our own id is in progress.
	BootstrapRunning
	// BootstrapFilling means random lookups are filling sparse buckets.
	BootstrapFilling
)

func (s BootstrapState) String() string {
	switch s {
	case BootstrapNone:
		return "none"
	case BootstrapRunning:
		return "bootstrapping"
	case BootstrapFilling:
		return "filling"
	default:
		return "unknown"
	}
}

// maxFillLookups bounds the bucket fill lookups started per bootstrap.
const maxFillLookups = 16

// BootstrapError describes a bootstrap node that could not be used.
type BootstrapError struct {
	Type  string
	Node  string
	Cause error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap %s failed for %s: %v", e.Type, e.Node, e.Cause)
}

func (e *BootstrapError) Unwrap() error {
	return e.Cause
}

// ErrNoBootstrapNodes is returned when no bootstrap address of the family
// could be resolved.
var ErrNoBootstrapNodes = errors.New("no usable bootstrap node")

type resolveFunc func(ctx context.Context, network, host string) ([]netip.Addr, error)

func lookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, network, host)
}

// bootstrapper holds the single-flight state of the bootstrap procedure.
type bootstrapper struct {
	state      atomic.Int32
	lastStart  atomic.Int64
	lastSelf   atomic.Int64
	pending    atomic.Int32
	resolved   atomic.Pointer[[]netip.AddrPort]
	resolve    resolveFunc
	retryDelay time.Duration
}

// addrs returns the bootstrap addresses of the last resolution.
func (b *bootstrapper) addrs() []netip.AddrPort {
	if p := b.resolved.Load(); p != nil {
		return *p
	}
	return nil
}

// BootstrapState returns the current bootstrap phase.
func (d *DHT) BootstrapState() BootstrapState {
	return BootstrapState(d.boot.state.Load())
}

// needsBootstrap reports whether the table is too small or the last lookup
// for our own id is too old.
func (d *DHT) needsBootstrap(now time.Time) bool {
	if d.table.NumEntries() < d.cfg.BootstrapThreshold {
		return true
	}
	return now.Sub(time.Unix(0, d.boot.lastSelf.Load())) > d.cfg.SelfLookupInterval
}

// maybeBootstrap starts a bootstrap when needed, at most once per
// BootstrapInterval and never while one is running.
func (d *DHT) maybeBootstrap() {
	if d.stopped.Load() {
		return
	}
	now := d.sched.Now()
	if !d.needsBootstrap(now) {
		return
	}
	if last := d.boot.lastStart.Load(); last != 0 && now.Sub(time.Unix(0, last)) < d.cfg.BootstrapInterval {
		return
	}
	srv := d.server()
	if srv == nil {
		return
	}
	if !d.boot.state.CompareAndSwap(int32(BootstrapNone), int32(BootstrapRunning)) {
		return
	}
	d.boot.lastStart.Store(now.UnixNano())
	d.metrics.observeBootstrap()

	// name resolution blocks, keep it off the scheduler
	go func() {
		addrs, err := d.resolveBootstrap(d.ctx)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "maybeBootstrap",
				"family":   d.family.String(),
				"error":    err.Error(),
			}).Warn("Some bootstrap nodes could not be resolved")
		}
		if d.ctx.Err() != nil {
			d.boot.state.Store(int32(BootstrapNone))
			return
		}
		d.boot.resolved.Store(&addrs)
		d.sched.Execute(func() { d.selfLookup(srv, addrs) })
	}()
}

// selfLookup looks up our own id from the routing table and the bootstrap
// nodes, then fills the buckets.
func (d *DHT) selfLookup(srv *rpc.Server, bootstrap []netip.AddrPort) {
	nl := d.newNodeLookup(srv, srv.ID())
	nl.AddBootstrap(bootstrap)
	logrus.WithFields(logrus.Fields{
		"function":  "selfLookup",
		"family":    d.family.String(),
		"entries":   d.table.NumEntries(),
		"bootstrap": len(bootstrap),
	}).Info("Bootstrapping")
	nl.OnFinish(func(*task.Task) {
		d.sched.Execute(func() {
			d.boot.lastSelf.Store(d.sched.Now().UnixNano())
			d.fillBuckets(srv)
		})
	})
	d.manager.AddPriority(nl.Task)
}

// fillBuckets runs a lookup for a random id in every bucket that is not
// full, so the table covers the whole keyspace.
func (d *DHT) fillBuckets(srv *rpc.Server) {
	d.boot.state.Store(int32(BootstrapFilling))
	var lookups []*task.NodeLookup
	for _, te := range d.table.Snapshot().Entries() {
		if len(lookups) >= maxFillLookups {
			break
		}
		if te.Bucket().IsFull() {
			continue
		}
		lookups = append(lookups, d.newNodeLookup(srv, te.Prefix().RandomKey()))
	}
	if len(lookups) == 0 || srv.Stopped() {
		d.finishBootstrap()
		return
	}
	d.boot.pending.Store(int32(len(lookups)))
	for _, nl := range lookups {
		nl.OnFinish(func(*task.Task) {
			if d.boot.pending.Add(-1) == 0 {
				d.finishBootstrap()
			}
		})
		d.manager.Add(nl.Task)
	}
}

func (d *DHT) finishBootstrap() {
	d.boot.state.Store(int32(BootstrapNone))
	logrus.WithFields(logrus.Fields{
		"function": "finishBootstrap",
		"family":   d.family.String(),
		"entries":  d.table.NumEntries(),
		"buckets":  d.table.Snapshot().Len(),
	}).Info("Bootstrap finished")
}

// resolveBootstrap turns the configured bootstrap nodes into addresses of
// d's family. Host names are resolved with retries. Nodes that fail are
// reported as *BootstrapError values combined into the returned error.
func (d *DHT) resolveBootstrap(ctx context.Context) ([]netip.AddrPort, error) {
	var (
		out  []netip.AddrPort
		errs error
	)
	network := "ip4"
	if d.family == transport.IPv6 {
		network = "ip6"
	}
	for _, node := range d.cfg.BootstrapNodes {
		if ap, err := netip.ParseAddrPort(node); err == nil {
			if d.family.Matches(ap.Addr()) {
				out = append(out, netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()))
			}
			continue
		}
		host, portStr, err := net.SplitHostPort(node)
		if err != nil {
			errs = multierr.Append(errs, &BootstrapError{Type: "parse", Node: node, Cause: err})
			continue
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil || port == 0 {
			errs = multierr.Append(errs, &BootstrapError{Type: "parse", Node: node, Cause: fmt.Errorf("invalid port %q", portStr)})
			continue
		}
		ips, err := d.lookupWithRetry(ctx, network, host)
		if err != nil {
			errs = multierr.Append(errs, &BootstrapError{Type: "resolve", Node: node, Cause: err})
			continue
		}
		for _, ip := range ips {
			if d.family.Matches(ip) {
				out = append(out, netip.AddrPortFrom(ip.Unmap(), uint16(port)))
			}
		}
	}
	if len(out) == 0 && len(d.cfg.BootstrapNodes) > 0 {
		errs = multierr.Append(errs, ErrNoBootstrapNodes)
	}
	return out, errs
}

func (d *DHT) lookupWithRetry(ctx context.Context, network, host string) ([]netip.Addr, error) {
	var ips []netip.Addr
	op := func() error {
		var err error
		ips, err = d.boot.resolve(ctx, network, host)
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return backoff.Permanent(err)
		}
		return err
	}
	eb := backoff.NewExponentialBackOff()
	if d.boot.retryDelay > 0 {
		eb.InitialInterval = d.boot.retryDelay
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(eb, 3), ctx))
	return ips, err
}

// Bootstrap forces a bootstrap on every family, ignoring the rate limit.
func (n *Node) Bootstrap() {
	for _, d := range n.families() {
		d.boot.lastStart.Store(0)
		d.boot.lastSelf.Store(0)
		d.maybeBootstrap()
	}
}
