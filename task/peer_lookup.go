package task

import (
	"net/netip"
	"slices"
	"sync"

	"github.com/opd-ai/mainline/key"
	"github.com/opd-ai/mainline/krpc"
	"github.com/opd-ai/mainline/rpc"
)

// AnnounceTarget is a node that handed out a write token.
type AnnounceTarget struct {
	ID    key.Key
	Addr  netip.AddrPort
	Token string
}

// PeerLookup finds peers for an infohash with get_peers and remembers the
// write tokens of the closest nodes for a later announce.
type PeerLookup struct {
	*Task
	*lookup

	mu      sync.Mutex
	peers   []netip.AddrPort
	seen    map[netip.AddrPort]struct{}
	onPeers func([]netip.AddrPort)
}

// PeerLookupOptions tune the get_peers query.
type PeerLookupOptions struct {
	// NoSeed asks nodes to omit seeds (BEP 33).
	NoSeed bool
	// Scrape asks for swarm size estimates (BEP 33).
	Scrape bool
	// OnPeers, if set, receives every batch of new peers from the task's
	// runner.
	OnPeers func([]netip.AddrPort)
}

// NewPeerLookup creates a lookup for infoHash.
func NewPeerLookup(srv *rpc.Server, infoHash key.Key, env Env, opts PeerLookupOptions) *PeerLookup {
	want := env.Want
	args := func() *krpc.Args {
		ih := infoHash
		a := &krpc.Args{InfoHash: &ih, Want: want}
		if opts.NoSeed {
			a.NoSeed = 1
		}
		if opts.Scrape {
			a.Scrape = 1
		}
		return a
	}
	pl := &PeerLookup{
		seen:    make(map[netip.AddrPort]struct{}),
		onPeers: opts.OnPeers,
	}
	pl.lookup = newLookup(srv, infoHash, env, func() *krpc.Msg {
		return krpc.NewQuery(krpc.GetPeers, args())
	})
	pl.lookup.onReply = pl.collect
	pl.Task = New("peer_lookup", srv, infoHash, env.Concurrency, pl.lookup)
	return pl
}

func (pl *PeerLookup) collect(_ *Candidate, m *krpc.Msg) {
	var fresh []netip.AddrPort
	pl.mu.Lock()
	for _, v := range m.R.Values {
		if !v.IsValid() || v.Port() == 0 {
			continue
		}
		ap := unmap(v.AddrPort)
		if _, dup := pl.seen[ap]; dup {
			continue
		}
		pl.seen[ap] = struct{}{}
		pl.peers = append(pl.peers, ap)
		fresh = append(fresh, ap)
	}
	pl.mu.Unlock()
	if len(fresh) > 0 && pl.onPeers != nil {
		pl.onPeers(fresh)
	}
}

// Peers returns the distinct peers found so far.
func (pl *PeerLookup) Peers() []netip.AddrPort {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return slices.Clone(pl.peers)
}

// AnnounceTargets returns the closest nodes that handed out a token. Only
// meaningful once the lookup finished.
func (pl *PeerLookup) AnnounceTargets() []AnnounceTarget {
	return tokenHolders(pl.closest)
}

func tokenHolders(s *ClosestSet) []AnnounceTarget {
	var out []AnnounceTarget
	for _, m := range s.Members() {
		if m.token != "" {
			out = append(out, AnnounceTarget{ID: m.id, Addr: m.addr, Token: m.token})
		}
	}
	return out
}
