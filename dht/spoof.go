package dht

import (
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mainline/key"
	"github.com/opd-ai/mainline/krpc"
	"github.com/opd-ai/mainline/routing"
	"github.com/opd-ai/mainline/rpc"
)

const maxBans = 4096

// BanList quarantines addresses that were caught answering with an id other
// than the one they previously confirmed.
type BanList struct {
	mu       sync.Mutex
	until    *expirable.LRU[netip.Addr, time.Time]
	duration time.Duration
	clk      clock.Clock
}

// NewBanList creates a ban list whose bans last duration.
func NewBanList(duration time.Duration, clk clock.Clock) *BanList {
	if clk == nil {
		clk = clock.New()
	}
	return &BanList{
		until:    expirable.NewLRU[netip.Addr, time.Time](maxBans, nil, duration),
		duration: duration,
		clk:      clk,
	}
}

// Ban quarantines ip.
func (b *BanList) Ban(ip netip.Addr) {
	b.mu.Lock()
	b.until.Add(ip.Unmap(), b.clk.Now().Add(b.duration))
	b.mu.Unlock()
}

// Banned reports whether ip is quarantined.
func (b *BanList) Banned(ip netip.Addr) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.until.Peek(ip.Unmap())
	return ok && b.clk.Now().Before(t)
}

// Len returns the number of tracked bans.
func (b *BanList) Len() int {
	return b.until.Len()
}

// checkIdentity compares the id a message claims with the routing table's
// view of its address. A verified contact that shows up with another id is
// suspicious: the message is ignored and the contact probed. It reports
// whether the message may update the routing table.
func (d *DHT) checkIdentity(srv *rpc.Server, from netip.AddrPort, id key.Key) bool {
	e := d.table.FindByAddr(from)
	if e == nil || e.ID() == id {
		return true
	}
	if !e.Verified() {
		return true
	}
	logrus.WithFields(logrus.Fields{
		"function": "checkIdentity",
		"addr":     from.String(),
		"known":    e.ID().String(),
		"claimed":  id.String(),
	}).Debug("Known contact claims another id")
	d.probeIdentity(srv, e)
	return false
}

// probeIdentity pings e expecting its confirmed id. A different id in the
// answer bans the address and evicts e; no answer at all only evicts e.
func (d *DHT) probeIdentity(srv *rpc.Server, e *routing.Entry) {
	addr := e.Addr()
	d.mu.Lock()
	if _, busy := d.probing[addr]; busy {
		d.mu.Unlock()
		return
	}
	d.probing[addr] = struct{}{}
	d.mu.Unlock()

	c := rpc.NewCall(krpc.NewQuery(krpc.Ping, nil), addr)
	c.SetExpectedID(e.ID())
	c.AddListener(func(ev rpc.Event) {
		if ev.Next.Terminal() {
			d.sched.Execute(func() { d.probeFinished(ev.Call, e) })
		}
	})
	d.markProbe(c)
	srv.DoCall(c)
}

func (d *DHT) markProbe(c *rpc.Call) {
	d.mu.Lock()
	d.probes[c] = struct{}{}
	d.mu.Unlock()
}

func (d *DHT) isProbe(c *rpc.Call) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.probes[c]
	return ok
}

func (d *DHT) probeFinished(c *rpc.Call, e *routing.Entry) {
	d.mu.Lock()
	delete(d.probes, c)
	delete(d.probing, e.Addr())
	d.mu.Unlock()

	if c.State() == rpc.Timeout {
		if d.stopped.Load() || c.SentTime().IsZero() {
			return
		}
		// the confirmed owner did not answer for its address
		if !d.table.EntryForID(e.ID()).Bucket().RemoveEntryIfBad(e, true, d.sched.Now()) {
			d.table.Remove(e)
		}
		logrus.WithFields(logrus.Fields{
			"function": "probeFinished",
			"addr":     e.Addr().String(),
			"expected": e.ID().String(),
		}).Debug("Evicting contact that missed its identity check")
		return
	}
	if c.State() != rpc.Responded || c.SocketMismatch() {
		return
	}
	if c.MatchesExpectedID() {
		e.SignalResponse(d.sched.Now(), c.RTT())
		return
	}
	got, _ := c.ResponderID()
	d.bans.Ban(e.IP())
	d.table.Remove(e)
	d.metrics.observeBan()
	logrus.WithFields(logrus.Fields{
		"function": "probeFinished",
		"addr":     e.Addr().String(),
		"expected": e.ID().String(),
		"got":      got.String(),
	}).Warn("Banning address that changed its id")
}
