package routing

import (
	"slices"

	"github.com/opd-ai/mainline/key"
)

// TableEntry maps a prefix of the keyspace to the bucket covering it.
type TableEntry struct {
	prefix key.Prefix
	bucket *Bucket
	home   bool
}

// Prefix returns the keyspace range of the entry.
func (te *TableEntry) Prefix() key.Prefix { return te.prefix }

// Bucket returns the bucket of the entry.
func (te *TableEntry) Bucket() *Bucket { return te.bucket }

// IsHome reports whether the prefix covers one of the local node ids.
func (te *TableEntry) IsHome() bool { return te.home }

// Snapshot is an immutable view of the routing table: table entries sorted
// by prefix, covering the keyspace exactly once.
type Snapshot struct {
	entries []*TableEntry
	// index[b] is the position of the entry covering the first key whose
	// top byte is b; it narrows the binary search of IndexForID.
	index [257]int
}

func newSnapshot(entries []*TableEntry, localIDs []key.Key) *Snapshot {
	slices.SortFunc(entries, func(a, b *TableEntry) int {
		return a.prefix.Compare(b.prefix)
	})
	s := &Snapshot{entries: entries}
	for _, te := range entries {
		te.home = false
		for _, id := range localIDs {
			if te.prefix.IsPrefixOf(id) {
				te.home = true
				break
			}
		}
	}
	for b := 0; b < 256; b++ {
		var k key.Key
		k[0] = byte(b)
		s.index[b] = s.search(k, 0, len(entries)-1)
	}
	s.index[256] = len(entries) - 1
	return s
}

// search returns the last position in [lo, hi] whose prefix starts at or
// before k.
func (s *Snapshot) search(k key.Key, lo, hi int) int {
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if s.entries[mid].prefix.Key().Compare(k) <= 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

// Len returns the number of buckets.
func (s *Snapshot) Len() int { return len(s.entries) }

// At returns the i-th table entry in keyspace order.
func (s *Snapshot) At(i int) *TableEntry { return s.entries[i] }

// Entries returns the table entries in keyspace order.
func (s *Snapshot) Entries() []*TableEntry { return slices.Clone(s.entries) }

// IndexForID returns the position of the entry whose prefix covers k.
func (s *Snapshot) IndexForID(k key.Key) int {
	b := int(k[0])
	return s.search(k, s.index[b], s.index[b+1])
}

// EntryForID returns the entry whose prefix covers k.
func (s *Snapshot) EntryForID(k key.Key) *TableEntry {
	return s.entries[s.IndexForID(k)]
}

// modify returns a new snapshot without remove and with add.
func (s *Snapshot) modify(remove, add []*TableEntry, localIDs []key.Key) *Snapshot {
	next := make([]*TableEntry, 0, len(s.entries)-len(remove)+len(add))
	for _, te := range s.entries {
		if !slices.Contains(remove, te) {
			next = append(next, &TableEntry{prefix: te.prefix, bucket: te.bucket})
		}
	}
	for _, te := range add {
		next = append(next, &TableEntry{prefix: te.prefix, bucket: te.bucket})
	}
	return newSnapshot(next, localIDs)
}

// NumEntries returns the number of live entries over all buckets.
func (s *Snapshot) NumEntries() int {
	n := 0
	for _, te := range s.entries {
		n += te.bucket.NumEntries()
	}
	return n
}
