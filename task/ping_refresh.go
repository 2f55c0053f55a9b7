package task

import (
	"sync/atomic"

	"github.com/opd-ai/mainline/krpc"
	"github.com/opd-ai/mainline/routing"
	"github.com/opd-ai/mainline/rpc"
)

// PingRefreshTask pings a list of routing table entries. The responses
// themselves reach the routing table through the DHT's message handler;
// the task only paces the pings.
type PingRefreshTask struct {
	*Task

	bucket         *routing.Bucket
	entries        []*routing.Entry
	byCall         map[*rpc.Call]*routing.Entry
	next           int
	cleanOnTimeout bool
	alive          atomic.Int32
}

// NewPingRefreshTask pings entries, which should belong to bucket. With
// cleanOnTimeout, entries that time out are evicted from the bucket at
// once instead of waiting for repeated failures.
func NewPingRefreshTask(srv *rpc.Server, bucket *routing.Bucket, entries []*routing.Entry, cleanOnTimeout bool, concurrency int) *PingRefreshTask {
	p := &PingRefreshTask{
		bucket:         bucket,
		entries:        entries,
		byCall:         make(map[*rpc.Call]*routing.Entry),
		cleanOnTimeout: cleanOnTimeout,
	}
	target := srv.ID()
	if len(entries) > 0 {
		target = entries[0].ID()
	}
	p.Task = New("ping_refresh", srv, target, concurrency, p)
	if bucket != nil {
		bucket.UpdateRefreshTime(srv.Scheduler().Now())
	}
	return p
}

// BucketPingTargets selects the entries of b a refresh should ping: those
// that need a liveness check, or the best pingable replacement when probe
// is set.
func BucketPingTargets(b *routing.Bucket, probe bool, srv *rpc.Server) []*routing.Entry {
	now := srv.Scheduler().Now()
	var out []*routing.Entry
	for _, e := range b.Entries() {
		if e.NeedsPing(now) && srv.Family().Matches(e.IP()) {
			out = append(out, e)
		}
	}
	if probe {
		if r := b.FindPingableReplacement(now); r != nil && srv.Family().Matches(r.IP()) {
			out = append(out, r)
		}
	}
	return out
}

func (p *PingRefreshTask) Update(t *Task) {
	now := t.Server().Scheduler().Now()
	for p.next < len(p.entries) && t.CanRequest() {
		e := p.entries[p.next]
		p.next++
		c := rpc.NewCall(krpc.NewQuery(krpc.Ping, nil), e.Addr())
		c.SetExpectedID(e.ID())
		c.SetKnownReachable(e.Verified())
		e.SignalScheduledRequest(now)
		p.byCall[c] = e
		t.Call(c)
	}
}

func (p *PingRefreshTask) CallFinished(t *Task, c *rpc.Call) {
	delete(p.byCall, c)
	if c.MatchesExpectedID() {
		p.alive.Add(1)
	}
}

func (p *PingRefreshTask) CallFailed(t *Task, c *rpc.Call) {
	e := p.byCall[c]
	delete(p.byCall, c)
	if e == nil || !p.cleanOnTimeout || p.bucket == nil || c.State() != rpc.Timeout {
		return
	}
	if p.bucket.RemoveEntryIfBad(e, true, t.Server().Scheduler().Now()) {
		return
	}
	p.bucket.RemoveReplacement(e)
}

func (p *PingRefreshTask) IsDone(t *Task) bool {
	return p.next >= len(p.entries) && t.NumInflight() == 0
}

// Alive returns how many pinged entries answered with the expected id.
func (p *PingRefreshTask) Alive() int { return int(p.alive.Load()) }
