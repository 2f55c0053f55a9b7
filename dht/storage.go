package dht

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mainline/crypto"
	"github.com/opd-ai/mainline/key"
	"github.com/opd-ai/mainline/krpc"
)

// itemOverhead approximates the bookkeeping cost of a stored item beyond
// its value and salt.
const itemOverhead = 160

type storedItem struct {
	item    *crypto.Item
	expires time.Time
}

// Storage keeps BEP 44 items put to us. Items expire after the configured
// lifetime unless they are put again; under memory pressure the cache may
// evict items early.
type Storage struct {
	// mu serializes the read-check-write of mutable puts
	mu       sync.Mutex
	cache    *ristretto.Cache[string, *storedItem]
	lifetime time.Duration
	clk      clock.Clock
}

// NewStorage creates a storage bounded to roughly maxCost bytes.
func NewStorage(maxCost int64, lifetime time.Duration, clk clock.Clock) (*Storage, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, *storedItem]{
		NumCounters: max(maxCost/itemOverhead*10, 1000),
		MaxCost:     maxCost,
		BufferItems: 64,
		Cost: func(s *storedItem) int64 {
			return int64(len(s.item.V) + len(s.item.Salt) + itemOverhead)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("item storage: %w", err)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Storage{cache: c, lifetime: lifetime, clk: clk}, nil
}

func storageKey(target key.Key) string { return string(target[:]) }

// Get returns the live item stored under target.
func (s *Storage) Get(target key.Key) (*crypto.Item, bool) {
	si, ok := s.cache.Get(storageKey(target))
	if !ok || si.expires.Before(s.clk.Now()) {
		return nil, false
	}
	return si.item, true
}

// Put stores a verified item. For mutable items an existing value with a
// higher sequence number is kept, and cas, if set, must equal the stored
// sequence number. Rule violations are returned as *krpc.Error.
func (s *Storage) Put(it *crypto.Item, cas *int64) error {
	target := it.Target()
	s.mu.Lock()
	defer s.mu.Unlock()

	if it.Mutable {
		if old, ok := s.Get(target); ok && old.Mutable {
			if cas != nil && *cas != old.Seq {
				return &krpc.Error{Code: krpc.ErrCodeCASMismatch, Msg: "CAS mismatch, re-read value and try again"}
			}
			if it.Seq < old.Seq || (it.Seq == old.Seq && !bytes.Equal(it.V, old.V)) {
				return &krpc.Error{Code: krpc.ErrCodeSequenceNotLatest, Msg: "sequence number less than current"}
			}
		}
	}

	si := &storedItem{item: it, expires: s.clk.Now().Add(s.lifetime)}
	k := storageKey(target)
	if s.cache.SetWithTTL(k, si, 0, s.lifetime) {
		s.cache.Wait()
		// admission happens on the cache's own goroutine and may still
		// refuse the item
		if got, ok := s.cache.Get(k); ok && got == si {
			return nil
		}
	}
	logrus.WithFields(logrus.Fields{
		"function": "Storage.Put",
		"target":   target.String(),
		"size":     len(it.V),
	}).Debug("Item storage refused item")
	return &krpc.Error{Code: krpc.ErrCodeServer, Msg: "storage full"}
}

// Close releases the cache.
func (s *Storage) Close() {
	s.cache.Close()
}
