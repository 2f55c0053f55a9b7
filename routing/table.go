package routing

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mainline/key"
)

// InsertOptions modify Table.Insert.
type InsertOptions uint8

const (
	// NeverSplit inserts into the current bucket without splitting it.
	NeverSplit InsertOptions = 1 << iota
	// ForceInsert allows splitting for unverified entries.
	ForceInsert
	// RelaxedSplit allows splitting buckets other than the home bucket when
	// the entry is among the k closest known nodes to a local id.
	RelaxedSplit
)

// Config configures a Table.
type Config struct {
	// BucketSize is k, the number of live entries per bucket.
	BucketSize int
	// ReplacementSize is the length of each replacement queue.
	ReplacementSize int
	// Reject, if set, filters addresses that may not enter the table.
	Reject func(netip.Addr) bool
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Table is the routing table: a copy-on-write sorted array of prefix to
// bucket mappings that always partitions the keyspace.
//
// Readers load the current Snapshot without locking. Structural changes
// (split, merge) build a new snapshot and install it only if the snapshot
// they started from is still current; otherwise they retry.
type Table struct {
	current  atomic.Pointer[Snapshot]
	cowMu    sync.Mutex
	localIDs atomic.Pointer[[]key.Key]

	k      int
	replK  int
	reject func(netip.Addr) bool
	clk    clock.Clock
}

type pending struct {
	entry *Entry
	opts  InsertOptions
}

// NewTable creates a table with a single bucket covering the keyspace.
func NewTable(cfg Config, localIDs ...key.Key) *Table {
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = 8
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	t := &Table{
		k:      cfg.BucketSize,
		replK:  cfg.ReplacementSize,
		reject: cfg.Reject,
		clk:    cfg.Clock,
	}
	ids := slices.Clone(localIDs)
	t.localIDs.Store(&ids)
	root := &TableEntry{prefix: key.Whole, bucket: NewBucket(t.k, t.replK)}
	t.current.Store(newSnapshot([]*TableEntry{root}, ids))
	return t
}

// Snapshot returns the current immutable view.
func (t *Table) Snapshot() *Snapshot {
	return t.current.Load()
}

// K returns the bucket size.
func (t *Table) K() int {
	return t.k
}

// LocalIDs returns the ids of the local node.
func (t *Table) LocalIDs() []key.Key {
	return slices.Clone(*t.localIDs.Load())
}

// SetLocalIDs replaces the local ids and recomputes which buckets are home
// buckets.
func (t *Table) SetLocalIDs(ids []key.Key) {
	ids = slices.Clone(ids)
	t.cowMu.Lock()
	defer t.cowMu.Unlock()
	t.localIDs.Store(&ids)
	t.current.Store(t.current.Load().modify(nil, nil, ids))
}

// IsLocalID reports whether id is one of ours.
func (t *Table) IsLocalID(id key.Key) bool {
	return slices.Contains(*t.localIDs.Load(), id)
}

// EntryForID returns the table entry covering id.
func (t *Table) EntryForID(id key.Key) *TableEntry {
	return t.Snapshot().EntryForID(id)
}

// NumEntries returns the number of live entries.
func (t *Table) NumEntries() int {
	return t.Snapshot().NumEntries()
}

// Insert adds e to the table, splitting full buckets as permitted by opts.
// Entries displaced by a split are re-inserted from a worklist before e is
// retried, so no recursion is involved.
func (t *Table) Insert(e *Entry, opts InsertOptions) {
	if t.IsLocalID(e.ID()) || (t.reject != nil && t.reject(e.IP())) {
		return
	}
	work := []pending{{e, opts}}
	for len(work) > 0 {
		p := work[0]
		work = work[1:]
		if moved, done := t.tryInsert(p.entry, p.opts); !done {
			next := make([]pending, 0, len(moved)+1+len(work))
			next = append(next, moved...)
			next = append(next, p)
			work = append(next, work...)
		}
	}
}

// tryInsert inserts e or performs one split. When it split, it returns the
// entries of the retired bucket and false.
func (t *Table) tryInsert(e *Entry, opts InsertOptions) ([]pending, bool) {
	for {
		snap := t.current.Load()
		te := snap.EntryForID(e.ID())
		if t.shouldSplit(snap, te, e, opts) {
			if moved, ok := t.split(snap, te); ok {
				return moved, false
			}
			continue
		}
		if te.bucket.InsertOrRefresh(e, t.clk.Now()) {
			return nil, true
		}
		// the bucket was retired under us; retry against the new snapshot
	}
}

func (t *Table) shouldSplit(snap *Snapshot, te *TableEntry, e *Entry, opts InsertOptions) bool {
	if opts&NeverSplit != 0 || te.prefix.Depth() >= key.Bits-1 {
		return false
	}
	if opts&ForceInsert == 0 && !e.Verified() {
		return false
	}
	if !te.bucket.IsFull() || te.bucket.FindByIPOrID(e.IP(), e.ID()) != nil {
		return false
	}
	return t.canSplit(snap, te, e, opts&RelaxedSplit != 0)
}

// canSplit decides whether a full bucket may split for e. Home buckets
// always can. Other buckets only in relaxed mode, and only if e would be one
// of the k closest known nodes to the nearest local id.
func (t *Table) canSplit(snap *Snapshot, te *TableEntry, e *Entry, relaxed bool) bool {
	if te.home {
		return true
	}
	if !relaxed {
		return false
	}
	ids := *t.localIDs.Load()
	if len(ids) == 0 {
		return false
	}
	local := ids[0]
	for _, id := range ids[1:] {
		if e.ID().ThreeWayDistance(id, local) < 0 {
			local = id
		}
	}
	closest := closestIn(snap, local, t.k, nil)
	if len(closest) < t.k {
		return true
	}
	worst := closest[len(closest)-1]
	return local.ThreeWayDistance(e.ID(), worst.ID()) < 0
}

// split replaces te by its two children if snap is still current. The
// entries of the old bucket are returned for re-insertion: live entries
// without further splitting, replacements as ordinary inserts.
func (t *Table) split(snap *Snapshot, te *TableEntry) ([]pending, bool) {
	t.cowMu.Lock()
	if t.current.Load() != snap {
		t.cowMu.Unlock()
		return nil, false
	}
	lo := &TableEntry{prefix: te.prefix.Split(false), bucket: NewBucket(t.k, t.replK)}
	hi := &TableEntry{prefix: te.prefix.Split(true), bucket: NewBucket(t.k, t.replK)}
	t.current.Store(snap.modify([]*TableEntry{te}, []*TableEntry{lo, hi}, *t.localIDs.Load()))
	entries, replacements := te.bucket.retire()
	t.cowMu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "split",
		"prefix":   te.prefix.String(),
		"entries":  len(entries),
	}).Debug("Split bucket")

	moved := make([]pending, 0, len(entries)+len(replacements))
	for _, e := range entries {
		moved = append(moved, pending{e, NeverSplit | ForceInsert})
	}
	for _, e := range replacements {
		moved = append(moved, pending{e, 0})
	}
	return moved, true
}

// MergeBuckets collapses sibling buckets that became sparse: an empty
// sibling is dropped and the other lifted to the parent prefix, and
// siblings whose combined effective size fits one bucket are merged.
func (t *Table) MergeBuckets() {
	for i := 1; ; i++ {
		snap := t.current.Load()
		if i >= snap.Len() {
			return
		}
		e1, e2 := snap.At(i-1), snap.At(i)
		if !e1.prefix.IsSiblingOf(e2.prefix) {
			continue
		}
		size1, size2 := e1.bucket.effectiveSize(), e2.bucket.effectiveSize()
		parent := e1.prefix.Parent()

		if size1 == 0 || size2 == 0 {
			lift, dead := e1.bucket, e2.bucket
			if size1 == 0 {
				lift, dead = e2.bucket, e1.bucket
			}
			if !t.swap(snap, []*TableEntry{e1, e2}, &TableEntry{prefix: parent, bucket: lift}) {
				i--
				continue
			}
			dead.retire()
			i = max(0, i-2)
			continue
		}

		if size1+size2 <= t.k {
			if !t.swap(snap, []*TableEntry{e1, e2}, &TableEntry{prefix: parent, bucket: NewBucket(t.k, t.replK)}) {
				i--
				continue
			}
			entries1, repl1 := e1.bucket.retire()
			entries2, repl2 := e2.bucket.retire()
			for _, e := range append(entries1, entries2...) {
				t.Insert(e, NeverSplit|ForceInsert)
			}
			for _, e := range append(repl1, repl2...) {
				t.Insert(e, NeverSplit)
			}
			logrus.WithFields(logrus.Fields{
				"function": "MergeBuckets",
				"prefix":   parent.String(),
			}).Debug("Merged sibling buckets")
			i = max(0, i-2)
		}
	}
}

func (t *Table) swap(expect *Snapshot, remove []*TableEntry, add *TableEntry) bool {
	t.cowMu.Lock()
	defer t.cowMu.Unlock()
	if t.current.Load() != expect {
		return false
	}
	t.current.Store(expect.modify(remove, []*TableEntry{add}, *t.localIDs.Load()))
	return true
}

// Remove evicts e from its bucket regardless of its state, promoting a
// verified replacement if one is queued.
func (t *Table) Remove(e *Entry) bool {
	return t.EntryForID(e.ID()).bucket.RemoveEntryIfBad(e, true, t.clk.Now())
}

// FindByAddr returns the live or replacement entry at addr.
func (t *Table) FindByAddr(addr netip.AddrPort) *Entry {
	for _, te := range t.Snapshot().entries {
		if e := te.bucket.FindByAddr(addr); e != nil {
			return e
		}
	}
	return nil
}

// Find returns the live entry with id, or nil.
func (t *Table) Find(id key.Key) *Entry {
	for _, e := range t.EntryForID(id).bucket.Entries() {
		if e.ID() == id {
			return e
		}
	}
	return nil
}

// OnTimeout charges a failed query to the contact at addr. The expected id
// selects the bucket directly when known.
func (t *Table) OnTimeout(addr netip.AddrPort, id *key.Key) {
	now := t.clk.Now()
	if id != nil {
		t.EntryForID(*id).bucket.OnTimeout(addr, now)
		return
	}
	for _, te := range t.Snapshot().entries {
		if te.bucket.FindByAddr(addr) != nil {
			te.bucket.OnTimeout(addr, now)
			return
		}
	}
}

// Stats summarizes the table.
type Stats struct {
	Buckets      int
	Entries      int
	Verified     int
	Replacements int
}

// Stats returns a summary of the current snapshot.
func (t *Table) Stats() Stats {
	var s Stats
	snap := t.Snapshot()
	s.Buckets = snap.Len()
	for _, te := range snap.entries {
		for _, e := range te.bucket.Entries() {
			s.Entries++
			if e.Verified() {
				s.Verified++
			}
		}
		s.Replacements += te.bucket.NumReplacements()
	}
	return s
}

// Dump renders the table for diagnostics.
func (t *Table) Dump() string {
	var sb strings.Builder
	for _, te := range t.Snapshot().entries {
		home := ""
		if te.home {
			home = " [home]"
		}
		fmt.Fprintf(&sb, "%s%s entries:%d replacements:%d\n",
			te.prefix, home, te.bucket.NumEntries(), te.bucket.NumReplacements())
		for _, e := range te.bucket.Entries() {
			fmt.Fprintf(&sb, "  %s\n", e)
		}
	}
	return sb.String()
}
