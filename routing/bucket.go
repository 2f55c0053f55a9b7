package routing

import (
	"math/rand/v2"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mainline/key"
)

const (
	// BucketRefreshInterval is the minimum time between refreshes of a
	// bucket that has stale entries.
	BucketRefreshInterval = 15 * time.Minute

	// ReplacementPingInterval is the minimum time between probes of
	// replacement candidates.
	ReplacementPingInterval = 30 * time.Second

	// displacement factor: a verified newcomer evicts the youngest entry of a
	// full bucket only if its RTT is this much better
	rttDisplacementFactor = 2.5
)

// Bucket holds up to k live entries ordered by age, oldest first, plus a
// bounded queue of replacement candidates.
//
// A bucket that was split or merged away is retired: it refuses further
// inserts so that callers retry against the current routing table.
type Bucket struct {
	mu           sync.RWMutex
	entries      []*Entry
	replacements []*Entry
	capacity     int
	replCapacity int
	lastRefresh  time.Time
	retired      bool
}

// NewBucket creates an empty bucket.
func NewBucket(capacity, replacementCapacity int) *Bucket {
	return &Bucket{
		capacity:     capacity,
		replCapacity: replacementCapacity,
	}
}

// Entries returns a copy of the live entries, oldest first.
func (b *Bucket) Entries() []*Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.entries)
}

// Replacements returns a copy of the replacement candidates.
func (b *Bucket) Replacements() []*Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.replacements)
}

// NumEntries returns the number of live entries.
func (b *Bucket) NumEntries() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// NumReplacements returns the number of replacement candidates.
func (b *Bucket) NumReplacements() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.replacements)
}

// IsFull reports whether the bucket has no free slot.
func (b *Bucket) IsFull() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries) >= b.capacity
}

// Capacity returns k.
func (b *Bucket) Capacity() int {
	return b.capacity
}

// retire seals the bucket and returns its contents.
func (b *Bucket) retire() (entries, replacements []*Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retired = true
	return b.entries, b.replacements
}

// Retired reports whether the bucket was replaced by a structural change.
func (b *Bucket) Retired() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.retired
}

// InsertOrRefresh adds e or refreshes the matching entry. It returns false if
// the bucket is retired and nothing was done.
//
// Entries equal to an existing one merge their timestamps into it. Entries
// that share only the IP or only the id with an existing one are ignored
// until the old entry times out. Unverified entries, and verified ones that
// find no room, go to the replacement queue.
func (b *Bucket) InsertOrRefresh(e *Entry, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.retired {
		return false
	}

	for _, existing := range b.entries {
		if existing.Equal(e) {
			existing.MergeInTimestamps(e)
			return true
		}
		if existing.MatchIPOrID(e) {
			logrus.WithFields(logrus.Fields{
				"function": "InsertOrRefresh",
				"new":      e.Addr().String(),
				"existing": existing.Addr().String(),
			}).Debug("Ignoring entry that claims the IP or id of a known one")
			return true
		}
	}

	if e.Verified() {
		if len(b.entries) < b.capacity {
			b.modifyMain(nil, e)
			return true
		}
		if b.replaceBadEntry(e, now) {
			return true
		}
		youngest := b.entries[len(b.entries)-1]
		if youngest.Created().After(e.Created()) || float64(e.RTT())*rttDisplacementFactor < float64(youngest.RTT()) {
			b.modifyMain(youngest, e)
			b.insertReplacement(youngest)
			return true
		}
	}
	b.insertReplacement(e)
	return true
}

func (b *Bucket) replaceBadEntry(e *Entry, now time.Time) bool {
	for _, existing := range b.entries {
		if existing.NeedsReplacement(now) {
			b.modifyMain(existing, e)
			return true
		}
	}
	return false
}

// modifyMain swaps remove for insert in the live list. Either may be nil.
// The list is rebuilt so slices returned earlier stay valid.
func (b *Bucket) modifyMain(remove, insert *Entry) {
	next := make([]*Entry, 0, len(b.entries)+1)
	for _, e := range b.entries {
		if e != remove {
			next = append(next, e)
		}
	}
	if insert != nil && len(next) < b.capacity && !slices.ContainsFunc(next, insert.Equal) {
		next = append(next, insert)
		b.removeReplacement(insert)
	}
	slices.SortStableFunc(next, func(x, y *Entry) int {
		return x.Created().Compare(y.Created())
	})
	b.entries = next
}

func (b *Bucket) removeReplacement(e *Entry) {
	b.replacements = slices.DeleteFunc(slices.Clone(b.replacements), e.Equal)
}

// insertReplacement queues e as a candidate. When the queue is full the
// least recently seen unverified candidate is dropped, or the least recently
// seen one overall.
func (b *Bucket) insertReplacement(e *Entry) {
	for _, r := range b.replacements {
		if r.Equal(e) {
			r.MergeInTimestamps(e)
			return
		}
		if r.MatchIPOrID(e) {
			return
		}
	}
	next := slices.Clone(b.replacements)
	if b.replCapacity <= 0 {
		return
	}
	if len(next) >= b.replCapacity {
		victim := -1
		for i, r := range next {
			if r.Verified() {
				continue
			}
			if victim < 0 || r.LastSeen().Before(next[victim].LastSeen()) {
				victim = i
			}
		}
		if victim < 0 {
			for i, r := range next {
				if victim < 0 || r.LastSeen().Before(next[victim].LastSeen()) {
					victim = i
				}
			}
		}
		if !e.Verified() && next[victim].Verified() {
			return
		}
		next = slices.Delete(next, victim, victim+1)
	}
	b.replacements = append(next, e)
}

// pollVerifiedReplacement removes and returns the most recently seen
// verified candidate.
func (b *Bucket) pollVerifiedReplacement() *Entry {
	best := -1
	for i, r := range b.replacements {
		if !r.Verified() {
			continue
		}
		if best < 0 || r.LastSeen().After(b.replacements[best].LastSeen()) {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	e := b.replacements[best]
	b.replacements = slices.Delete(slices.Clone(b.replacements), best, best+1)
	return e
}

// PromoteVerifiedCandidate moves one verified replacement into the live
// list, taking the slot of an entry that needs replacement if the bucket is
// full. It reports whether a promotion happened.
func (b *Bucket) PromoteVerifiedCandidate(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.retired {
		return false
	}
	var toRemove *Entry
	for _, e := range b.entries {
		if e.NeedsReplacement(now) {
			toRemove = e
			break
		}
	}
	if toRemove == nil && len(b.entries) >= b.capacity {
		return false
	}
	r := b.pollVerifiedReplacement()
	if r == nil {
		return false
	}
	b.modifyMain(toRemove, r)
	return true
}

// RemoveEntryIfBad drops e from the live list if it needs replacement, or
// unconditionally when force is set. A verified replacement takes its place
// if available; without one e is only dropped when forced.
func (b *Bucket) RemoveEntryIfBad(e *Entry, force bool, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.retired || !slices.Contains(b.entries, e) {
		return false
	}
	if !force && !e.NeedsReplacement(now) {
		return false
	}
	r := b.pollVerifiedReplacement()
	if r == nil && !force {
		return false
	}
	b.modifyMain(e, r)
	return true
}

// RemoveReplacement drops a replacement candidate.
func (b *Bucket) RemoveReplacement(e *Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeReplacement(e)
}

// FindByIPOrID returns a live entry with the given IP or id.
func (b *Bucket) FindByIPOrID(ip netip.Addr, id key.Key) *Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, e := range b.entries {
		if e.ID() == id || e.IP() == ip {
			return e
		}
	}
	return nil
}

// FindByAddr returns the live or replacement entry at addr.
func (b *Bucket) FindByAddr(addr netip.AddrPort) *Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, e := range b.entries {
		if e.Addr() == addr {
			return e
		}
	}
	for _, e := range b.replacements {
		if e.Addr() == addr {
			return e
		}
	}
	return nil
}

// NotifyOfResponse credits a response from addr to the matching entry.
func (b *Bucket) NotifyOfResponse(addr netip.AddrPort, id key.Key, rtt time.Duration, now time.Time) {
	if e := b.FindByAddr(addr); e != nil && e.ID() == id {
		e.SignalResponse(now, rtt)
	}
}

// OnTimeout charges a failed query to the entry at addr and evicts it if it
// became bad. Failing replacement candidates that never answered are
// dropped.
func (b *Bucket) OnTimeout(addr netip.AddrPort, now time.Time) {
	b.mu.RLock()
	var main, repl *Entry
	for _, e := range b.entries {
		if e.Addr() == addr {
			main = e
			break
		}
	}
	if main == nil {
		for _, e := range b.replacements {
			if e.Addr() == addr {
				repl = e
				break
			}
		}
	}
	b.mu.RUnlock()

	switch {
	case main != nil:
		main.SignalRequestTimeout()
		b.RemoveEntryIfBad(main, false, now)
	case repl != nil:
		repl.SignalRequestTimeout()
		if !repl.Verified() || repl.NeedsReplacement(now) {
			b.RemoveReplacement(repl)
		}
	}
}

// RandomEntry returns a uniformly chosen live entry, or nil.
func (b *Bucket) RandomEntry() *Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.entries) == 0 {
		return nil
	}
	return b.entries[rand.IntN(len(b.entries))]
}

// FindPingableReplacement returns the most recently seen unverified
// candidate that is not backing off, or nil.
func (b *Bucket) FindPingableReplacement(now time.Time) *Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var best *Entry
	for _, r := range b.replacements {
		if r.Verified() || r.WithinBackoffWindow(now) {
			continue
		}
		if best == nil || r.LastSeen().After(best.LastSeen()) {
			best = r
		}
	}
	return best
}

// NeedsToBeRefreshed reports whether the bucket was not refreshed for
// BucketRefreshInterval and has entries that should be pinged.
func (b *Bucket) NeedsToBeRefreshed(now time.Time) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if now.Sub(b.lastRefresh) < BucketRefreshInterval {
		return false
	}
	for _, e := range b.entries {
		if e.NeedsPing(now) {
			return true
		}
	}
	return false
}

// NeedsReplacementPing reports whether a replacement candidate should be
// probed: the bucket has a free or bad slot and a pingable candidate.
func (b *Bucket) NeedsReplacementPing(now time.Time) bool {
	b.mu.RLock()
	stale := now.Sub(b.lastRefresh) >= ReplacementPingInterval
	room := len(b.entries) < b.capacity
	if !room {
		for _, e := range b.entries {
			if e.NeedsReplacement(now) {
				room = true
				break
			}
		}
	}
	b.mu.RUnlock()
	return stale && room && b.FindPingableReplacement(now) != nil
}

// UpdateRefreshTime records that the bucket was just refreshed.
func (b *Bucket) UpdateRefreshTime(now time.Time) {
	b.mu.Lock()
	b.lastRefresh = now
	b.mu.Unlock()
}

// LastRefresh returns the last refresh time.
func (b *Bucket) LastRefresh() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastRefresh
}

// effectiveSize counts entries that would survive without replacement
// plus the queued candidates. Used by merge decisions.
func (b *Bucket) effectiveSize() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.replacements)
	for _, e := range b.entries {
		if !e.RemovableWithoutReplacement() {
			n++
		}
	}
	return n
}
