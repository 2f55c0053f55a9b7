package routing

import (
	"cmp"
	"slices"

	"github.com/opd-ai/mainline/key"
)

// Filter selects entries for a closest search. A nil filter accepts all.
type Filter func(*Entry) bool

// ClosestSearch returns up to k live entries closest to target that pass
// filter, ordered by distance and then RTT.
func (t *Table) ClosestSearch(target key.Key, k int, filter Filter) []*Entry {
	return closestIn(t.Snapshot(), target, k, filter)
}

// closestIn visits buckets in order of increasing distance from target and
// stops as soon as k entries are collected.
//
// Every bucket covers a contiguous interval of distances from target: the
// prefix bits XOR target give its start, and adding one unit of the prefix's
// last bit gives the start of the next interval. Translating that back into
// a key (XOR target again) names a key inside the next bucket to visit.
func closestIn(snap *Snapshot, target key.Key, k int, filter Filter) []*Entry {
	if k <= 0 {
		return nil
	}
	out := make([]*Entry, 0, k+8)
	idx := snap.IndexForID(target)
	for {
		te := snap.At(idx)
		for _, e := range te.bucket.Entries() {
			if filter == nil || filter(e) {
				out = append(out, e)
			}
		}
		if len(out) >= k || te.prefix.Depth() < 0 {
			break
		}

		dist := te.prefix.DistanceTo(target)
		next := dist.Add(key.SetBit(te.prefix.Depth()))
		if next.Compare(dist) <= 0 {
			// wrapped around: the farthest interval was visited
			break
		}
		nextKey := target.Distance(next)

		// neighbours in keyspace order are the common case
		guess := idx + 1
		if nextKey.Compare(te.prefix.Key()) < 0 {
			guess = idx - 1
		}
		if guess >= 0 && guess < snap.Len() && snap.At(guess).prefix.IsPrefixOf(nextKey) {
			idx = guess
		} else {
			idx = snap.IndexForID(nextKey)
		}
	}

	slices.SortFunc(out, func(a, b *Entry) int {
		if c := target.ThreeWayDistance(a.ID(), b.ID()); c != 0 {
			return c
		}
		return cmp.Compare(a.RTT(), b.RTT())
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}
