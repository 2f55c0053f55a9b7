package task

import (
	"net/netip"
	"slices"

	"github.com/opd-ai/mainline/key"
	"github.com/opd-ai/mainline/krpc"
	"github.com/opd-ai/mainline/rpc"
)

// RejectFunc reports whether a node must not be contacted: unreachable,
// banned, or one of our own ids.
type RejectFunc func(addr netip.AddrPort, id key.Key) bool

type candidateStatus uint8

const (
	fresh candidateStatus = iota
	queried
	answered
	failed
)

// Candidate is a node discovered during a lookup.
type Candidate struct {
	id        key.Key
	addr      netip.AddrPort
	root      bool
	anonymous bool
	verified  bool
	tainted   bool
	status    candidateStatus
	token     string

	// sources are the nodes that returned this one, returned the nodes
	// this one returned.
	sources  []*Candidate
	returned []*Candidate
	call     *rpc.Call
}

// ID returns the node id.
func (c *Candidate) ID() key.Key { return c.id }

// Addr returns the node address.
func (c *Candidate) Addr() netip.AddrPort { return c.addr }

// Token returns the write token the node handed out, if any.
func (c *Candidate) Token() string { return c.token }

// NumSources returns how many nodes vouched for this one.
func (c *Candidate) NumSources() int { return len(c.sources) }

// NodeInfo returns the id and address.
func (c *Candidate) NodeInfo() krpc.NodeInfo {
	return krpc.NodeInfo{ID: c.id, Addr: c.addr}
}

// failedViaSources counts the failures among the nodes returned by this
// candidate's sources. A node vouched for only by sources that mostly
// returned dead nodes is suspicious.
func (c *Candidate) failedViaSources() int {
	n := 0
	for _, s := range c.sources {
		for _, r := range s.returned {
			if r.status == failed {
				n++
			}
		}
	}
	return n
}

func (c *Candidate) corroborated() bool {
	if c.root {
		return true
	}
	f := c.failedViaSources()
	return f < 3 || len(c.sources)*3 > f
}

// Candidates is the graph of nodes a lookup learned about. Every node is
// queried at most once. Nodes are keyed by address: a second id claimed for
// the same address taints the node.
type Candidates struct {
	target key.Key
	reject RejectFunc
	byAddr map[netip.AddrPort]*Candidate
	byID   map[key.Key]*Candidate
	byCall map[*rpc.Call]*Candidate
}

// NewCandidates creates an empty graph for target.
func NewCandidates(target key.Key, reject RejectFunc) *Candidates {
	return &Candidates{
		target: target,
		reject: reject,
		byAddr: make(map[netip.AddrPort]*Candidate),
		byID:   make(map[key.Key]*Candidate),
		byCall: make(map[*rpc.Call]*Candidate),
	}
}

// Len returns the number of known candidates.
func (cs *Candidates) Len() int { return len(cs.byAddr) }

// AddRoot adds a node taken from the local routing table. Root nodes skip
// the corroboration check.
func (cs *Candidates) AddRoot(id key.Key, addr netip.AddrPort, verified bool) *Candidate {
	c := cs.add(id, addr, nil)
	if c != nil {
		c.root = true
		c.verified = c.verified || verified
	}
	return c
}

// AddAnonymous adds a node whose id is unknown, such as a bootstrap
// router. It sorts behind every known node until it answers.
func (cs *Candidates) AddAnonymous(addr netip.AddrPort) *Candidate {
	addr = unmap(addr)
	if c := cs.byAddr[addr]; c != nil {
		return c
	}
	if cs.reject != nil && cs.reject(addr, key.Key{}) {
		return nil
	}
	c := &Candidate{
		id:        cs.target.Distance(key.Max),
		addr:      addr,
		root:      true,
		anonymous: true,
	}
	cs.byAddr[addr] = c
	return c
}

// AddFrom adds the nodes src returned.
func (cs *Candidates) AddFrom(src *Candidate, nodes []krpc.NodeInfo) {
	for _, n := range nodes {
		cs.add(n.ID, n.Addr, src)
	}
}

func (cs *Candidates) add(id key.Key, addr netip.AddrPort, src *Candidate) *Candidate {
	addr = unmap(addr)
	if cs.reject != nil && cs.reject(addr, id) {
		return nil
	}
	c := cs.byAddr[addr]
	switch {
	case c == nil:
		if other := cs.byID[id]; other != nil {
			// same id at another address: keep the first claim
			return nil
		}
		c = &Candidate{id: id, addr: addr}
		cs.byAddr[addr] = c
		cs.byID[id] = c
	case c.anonymous:
		// the real id is learned from the node itself
	case c.id != id:
		if c.status != answered {
			c.tainted = true
		}
		return nil
	}
	if src != nil && src != c && !slices.Contains(c.sources, src) {
		c.sources = append(c.sources, src)
		src.returned = append(src.returned, c)
	}
	return c
}

// eligible reports whether c may still be queried.
func (cs *Candidates) eligible(c *Candidate) bool {
	return c.status == fresh && !c.tainted && c.corroborated()
}

func (cs *Candidates) closer(a, b *Candidate) bool {
	if d := cs.target.ThreeWayDistance(a.id, b.id); d != 0 {
		return d < 0
	}
	if len(a.sources) != len(b.sources) {
		return len(a.sources) > len(b.sources)
	}
	return a.addr.Compare(b.addr) < 0
}

// Next returns the best eligible candidate: the closest to the target,
// then the one with more sources. Candidates for which throttled returns
// true are only picked when nothing else is left.
func (cs *Candidates) Next(throttled func(netip.Addr) bool) *Candidate {
	var best, bestThrottled *Candidate
	for _, c := range cs.byAddr {
		if !cs.eligible(c) {
			continue
		}
		if throttled != nil && throttled(c.addr.Addr()) {
			if bestThrottled == nil || cs.closer(c, bestThrottled) {
				bestThrottled = c
			}
			continue
		}
		if best == nil || cs.closer(c, best) {
			best = c
		}
	}
	if best == nil {
		return bestThrottled
	}
	return best
}

// Sent records that call queries c.
func (cs *Candidates) Sent(c *Candidate, call *rpc.Call) {
	c.status = queried
	c.call = call
	cs.byCall[call] = c
}

// ByCall returns the candidate queried by call.
func (cs *Candidates) ByCall(call *rpc.Call) *Candidate {
	return cs.byCall[call]
}

// Answered records a trusted response from c with the given id. Anonymous
// candidates take on the id; it fails if that id is already known at
// another address.
func (cs *Candidates) Answered(c *Candidate, id key.Key) bool {
	if c.anonymous {
		if other := cs.byID[id]; other != nil && other != c {
			c.status = failed
			return false
		}
		c.id = id
		c.anonymous = false
		cs.byID[id] = c
	}
	c.status = answered
	return true
}

// Failed records that c did not answer usefully.
func (cs *Candidates) Failed(c *Candidate) {
	c.status = failed
}

// Taint marks c as inconsistent; it is never used again.
func (cs *Candidates) Taint(c *Candidate) {
	c.tainted = true
	c.status = failed
}

// InflightCloserThan counts queried candidates without an outcome that are
// closer to the target than id.
func (cs *Candidates) InflightCloserThan(id key.Key) int {
	n := 0
	for call, c := range cs.byCall {
		if c.status == queried && !call.State().Terminal() && cs.target.ThreeWayDistance(c.id, id) < 0 {
			n++
		}
	}
	return n
}

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
