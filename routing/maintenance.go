package routing

import (
	"net/netip"
	"slices"
)

// RefreshFunc is called for buckets whose entries or replacement candidates
// should be pinged.
type RefreshFunc func(te *TableEntry, probeReplacement bool)

// CheckBuckets runs one maintenance pass over the table:
//
//   - entries carrying a local id are evicted, and so are bootstrap
//     addresses once their bucket is full;
//   - when several entries share an IP, only the oldest is kept;
//   - buckets due for a refresh or a replacement probe are handed to
//     refresh;
//   - at most one verified replacement per bucket is promoted.
//
// Afterwards sparse sibling buckets are merged.
func (t *Table) CheckBuckets(bootstrap []netip.AddrPort, refresh RefreshFunc) {
	now := t.clk.Now()
	seen := make(map[netip.Addr]*Entry)

	for _, te := range t.Snapshot().Entries() {
		b := te.bucket
		wasFull := b.IsFull()
		for _, e := range b.Entries() {
			if t.IsLocalID(e.ID()) || (wasFull && slices.Contains(bootstrap, e.Addr())) {
				b.RemoveEntryIfBad(e, true, now)
				continue
			}
			old, dup := seen[e.IP()]
			if !dup {
				seen[e.IP()] = e
				continue
			}
			if !e.Created().Before(old.Created()) {
				b.RemoveEntryIfBad(e, true, now)
				continue
			}
			// the older entry might live in another bucket
			t.EntryForID(old.ID()).bucket.RemoveEntryIfBad(old, true, now)
			seen[e.IP()] = e
		}

		refreshNeeded := b.NeedsToBeRefreshed(now)
		probe := b.NeedsReplacementPing(now)
		if (refreshNeeded || probe) && refresh != nil {
			refresh(te, probe)
		}
		b.PromoteVerifiedCandidate(now)
	}

	t.MergeBuckets()
}
