package dht

import (
	"fmt"
	"math/rand/v2"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/opd-ai/mainline/key"
	"github.com/opd-ai/mainline/transport"
)

// PeerItem is one announced peer of a torrent.
type PeerItem struct {
	Addr    netip.AddrPort
	Seed    bool
	Expires time.Time
}

type torrentPeers struct {
	items map[netip.AddrPort]*PeerItem
}

// Database stores the peers announced to us, per infohash. Peers expire
// unless re-announced; the least recently announced torrents are dropped
// when the database is full.
type Database struct {
	mu       sync.Mutex
	torrents *lru.Cache[key.Key, *torrentPeers]
	maxPeers int
	expiry   time.Duration
	clk      clock.Clock
}

// NewDatabase creates a database for up to maxTorrents infohashes with up
// to maxPeers peers each.
func NewDatabase(maxTorrents, maxPeers int, expiry time.Duration, clk clock.Clock) (*Database, error) {
	c, err := lru.New[key.Key, *torrentPeers](maxTorrents)
	if err != nil {
		return nil, fmt.Errorf("peer database: %w", err)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Database{torrents: c, maxPeers: maxPeers, expiry: expiry, clk: clk}, nil
}

// Store records an announce of addr for ih. A full torrent makes room by
// dropping the peer closest to expiry.
func (db *Database) Store(ih key.Key, addr netip.AddrPort, seed bool) {
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	expires := db.clk.Now().Add(db.expiry)

	db.mu.Lock()
	defer db.mu.Unlock()
	tp, ok := db.torrents.Get(ih)
	if !ok {
		tp = &torrentPeers{items: make(map[netip.AddrPort]*PeerItem)}
		db.torrents.Add(ih, tp)
	}
	if it := tp.items[addr]; it != nil {
		it.Seed, it.Expires = seed, expires
		return
	}
	if len(tp.items) >= db.maxPeers {
		var oldest *PeerItem
		for _, it := range tp.items {
			if oldest == nil || it.Expires.Before(oldest.Expires) {
				oldest = it
			}
		}
		delete(tp.items, oldest.Addr)
	}
	tp.items[addr] = &PeerItem{Addr: addr, Seed: seed, Expires: expires}
}

// Sample returns up to max random live peers of ih in family f. With
// noSeed, seeds are left out.
func (db *Database) Sample(ih key.Key, max int, f transport.Family, noSeed bool) []netip.AddrPort {
	now := db.clk.Now()
	db.mu.Lock()
	defer db.mu.Unlock()
	tp, ok := db.torrents.Peek(ih)
	if !ok || max <= 0 {
		return nil
	}
	out := make([]netip.AddrPort, 0, min(max, len(tp.items)))
	for _, it := range tp.items {
		if it.Expires.Before(now) || !f.Matches(it.Addr.Addr()) || (noSeed && it.Seed) {
			continue
		}
		out = append(out, it.Addr)
	}
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	if len(out) > max {
		out = out[:max]
	}
	return out
}

// Peers returns every live peer of ih.
func (db *Database) Peers(ih key.Key) []PeerItem {
	now := db.clk.Now()
	db.mu.Lock()
	defer db.mu.Unlock()
	tp, ok := db.torrents.Peek(ih)
	if !ok {
		return nil
	}
	out := make([]PeerItem, 0, len(tp.items))
	for _, it := range tp.items {
		if !it.Expires.Before(now) {
			out = append(out, *it)
		}
	}
	return out
}

// SampleInfohashes returns up to max random infohashes with live peers,
// for BEP 51.
func (db *Database) SampleInfohashes(max int) []key.Key {
	db.mu.Lock()
	keys := db.torrents.Keys()
	db.mu.Unlock()
	rand.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	if len(keys) > max {
		keys = keys[:max]
	}
	return keys
}

// Expire drops expired peers and torrents left without peers. It returns
// the number of peers removed.
func (db *Database) Expire() int {
	now := db.clk.Now()
	db.mu.Lock()
	defer db.mu.Unlock()
	removed := 0
	for _, ih := range db.torrents.Keys() {
		tp, ok := db.torrents.Peek(ih)
		if !ok {
			continue
		}
		for addr, it := range tp.items {
			if it.Expires.Before(now) {
				delete(tp.items, addr)
				removed++
			}
		}
		if len(tp.items) == 0 {
			db.torrents.Remove(ih)
		}
	}
	return removed
}

// NumTorrents returns the number of infohashes with stored peers.
func (db *Database) NumTorrents() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.torrents.Len()
}

// NumPeers returns the number of stored peers over all torrents.
func (db *Database) NumPeers() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, ih := range db.torrents.Keys() {
		if tp, ok := db.torrents.Peek(ih); ok {
			n += len(tp.items)
		}
	}
	return n
}
