package task

import (
	"slices"

	"github.com/opd-ai/mainline/key"
	"github.com/opd-ai/mainline/krpc"
)

// corroborationSources is the number of independent sources after which a
// member counts as well established.
const corroborationSources = 4

// ClosestSet holds the k closest nodes that answered a lookup.
type ClosestSet struct {
	target  key.Key
	k       int
	members []*Candidate

	// insert attempts since the tail last changed
	attempts    int
	tailChanges int
	headChanges int
}

// NewClosestSet creates an empty set of capacity k.
func NewClosestSet(target key.Key, k int) *ClosestSet {
	return &ClosestSet{target: target, k: k}
}

func (s *ClosestSet) cmp(a, b *Candidate) int {
	return s.target.ThreeWayDistance(a.id, b.id)
}

// Insert offers c to the set.
func (s *ClosestSet) Insert(c *Candidate) {
	s.attempts++
	if slices.Contains(s.members, c) {
		return
	}
	i, _ := slices.BinarySearchFunc(s.members, c, s.cmp)
	if i >= s.k {
		return
	}
	oldTail := s.Tail()
	s.members = slices.Insert(s.members, i, c)
	if len(s.members) > s.k {
		s.members = s.members[:s.k]
	}
	if i == 0 {
		s.headChanges++
	}
	if s.Tail() != oldTail {
		s.tailChanges++
		s.attempts = 0
	}
}

// Len returns the number of members.
func (s *ClosestSet) Len() int { return len(s.members) }

// Full reports whether the set holds k members.
func (s *ClosestSet) Full() bool { return len(s.members) >= s.k }

// Tail returns the farthest member, or nil.
func (s *ClosestSet) Tail() *Candidate {
	if len(s.members) == 0 {
		return nil
	}
	return s.members[len(s.members)-1]
}

// Head returns the closest member, or nil.
func (s *ClosestSet) Head() *Candidate {
	if len(s.members) == 0 {
		return nil
	}
	return s.members[0]
}

// Stable reports whether the set stopped changing: the tail survived more
// than k insert attempts, or at least half of the members are vouched for
// by several independent sources.
func (s *ClosestSet) Stable() bool {
	if s.attempts > s.k {
		return true
	}
	if len(s.members) == 0 {
		return false
	}
	n := 0
	for _, m := range s.members {
		if len(m.sources) >= corroborationSources {
			n++
		}
	}
	return n*2 >= len(s.members)
}

// Members returns the members, closest first.
func (s *ClosestSet) Members() []*Candidate {
	return slices.Clone(s.members)
}

// Nodes returns the members as node infos, closest first.
func (s *ClosestSet) Nodes() []krpc.NodeInfo {
	out := make([]krpc.NodeInfo, len(s.members))
	for i, m := range s.members {
		out[i] = m.NodeInfo()
	}
	return out
}
