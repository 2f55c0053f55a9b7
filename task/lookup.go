package task

import (
	"net/netip"

	"github.com/opd-ai/mainline/key"
	"github.com/opd-ai/mainline/krpc"
	"github.com/opd-ai/mainline/routing"
	"github.com/opd-ai/mainline/rpc"
	"github.com/opd-ai/mainline/transport"
)

// Env carries the settings and hooks lookups take from the DHT.
type Env struct {
	// K is the size of the closest set, 8 by default.
	K int
	// Concurrency bounds the calls in flight, DefaultConcurrency by default.
	Concurrency int
	// Reject filters nodes that must not be queried.
	Reject RejectFunc
	// OtherFamily receives nodes of the other address family found in
	// responses, so a sibling DHT can use them.
	OtherFamily func([]krpc.NodeInfo)
	// Want is sent as the BEP 32 want list.
	Want []string
}

func (e Env) k() int {
	if e.K <= 0 {
		return 8
	}
	return e.K
}

// lookup is the iterative search shared by every lookup task. It queries
// the closest unqueried candidates until the closest set is stable.
type lookup struct {
	env     Env
	family  transport.Family
	target  key.Key
	cands   *Candidates
	closest *ClosestSet
	query   func() *krpc.Msg
	onReply func(c *Candidate, m *krpc.Msg)
}

func newLookup(srv *rpc.Server, target key.Key, env Env, query func() *krpc.Msg) *lookup {
	return &lookup{
		env:     env,
		family:  srv.Family(),
		target:  target,
		cands:   NewCandidates(target, env.Reject),
		closest: NewClosestSet(target, env.k()),
		query:   query,
	}
}

// AddSeeds adds routing table entries as starting points.
func (l *lookup) AddSeeds(entries []*routing.Entry) {
	for _, e := range entries {
		if l.family.Matches(e.IP()) {
			l.cands.AddRoot(e.ID(), e.Addr(), e.Verified())
		}
	}
}

// AddNodes adds nodes with known ids as starting points.
func (l *lookup) AddNodes(nodes []krpc.NodeInfo) {
	for _, n := range nodes {
		if transport.IsValidDestination(n.Addr, l.family) {
			l.cands.AddRoot(n.ID, n.Addr, false)
		}
	}
}

// AddBootstrap adds nodes of unknown id, such as well-known routers.
func (l *lookup) AddBootstrap(addrs []netip.AddrPort) {
	for _, a := range addrs {
		if transport.IsValidDestination(a, l.family) {
			l.cands.AddAnonymous(a)
		}
	}
}

// NumCandidates returns how many nodes the lookup knows about.
func (l *lookup) NumCandidates() int { return l.cands.Len() }

// Closest returns the closest nodes that answered, closest first.
func (l *lookup) Closest() []krpc.NodeInfo { return l.closest.Nodes() }

func (l *lookup) Update(t *Task) {
	var throttled func(netip.Addr) bool
	if th := t.Server().Outbound(); th != nil {
		throttled = th.Test
	}
	for t.CanRequest() {
		c := l.cands.Next(throttled)
		if c == nil {
			return
		}
		call := rpc.NewCall(l.query(), c.addr)
		if !c.anonymous {
			call.SetExpectedID(c.id)
		}
		call.SetKnownReachable(c.verified)
		l.cands.Sent(c, call)
		t.Call(call)
	}
}

func (l *lookup) CallFinished(t *Task, call *rpc.Call) {
	c := l.cands.ByCall(call)
	if c == nil {
		return
	}
	m := call.Response()
	if m == nil || m.R == nil {
		l.cands.Failed(c)
		return
	}
	if !c.anonymous && !call.MatchesExpectedID() {
		l.cands.Taint(c)
		return
	}
	if l.env.Reject != nil && l.env.Reject(c.addr, m.R.ID) {
		l.cands.Taint(c)
		return
	}
	if !l.cands.Answered(c, m.R.ID) {
		return
	}
	c.token = m.R.Token

	nodes, other := []krpc.NodeInfo(m.R.Nodes), []krpc.NodeInfo(m.R.Nodes6)
	if l.family == transport.IPv6 {
		nodes, other = other, nodes
	}
	l.cands.AddFrom(c, l.usable(nodes, l.family))
	if l.env.OtherFamily != nil {
		if o := l.usable(other, l.family.Other()); len(o) > 0 {
			l.env.OtherFamily(o)
		}
	}
	l.closest.Insert(c)
	if l.onReply != nil {
		l.onReply(c, m)
	}
}

func (l *lookup) usable(nodes []krpc.NodeInfo, f transport.Family) []krpc.NodeInfo {
	out := make([]krpc.NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		if transport.IsValidDestination(n.Addr, f) {
			out = append(out, n)
		}
	}
	return out
}

func (l *lookup) CallFailed(t *Task, call *rpc.Call) {
	if c := l.cands.ByCall(call); c != nil {
		l.cands.Failed(c)
	}
}

func (l *lookup) IsDone(t *Task) bool {
	next := l.cands.Next(nil)
	if next == nil && t.NumInflight() == 0 {
		return true
	}
	if !l.closest.Full() || !l.closest.Stable() {
		return false
	}
	tail := l.closest.Tail()
	if next != nil && l.target.ThreeWayDistance(next.id, tail.id) < 0 {
		return false
	}
	return l.cands.InflightCloserThan(tail.id) == 0
}
