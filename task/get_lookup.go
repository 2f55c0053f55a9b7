package task

import (
	"slices"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mainline/crypto"
	"github.com/opd-ai/mainline/key"
	"github.com/opd-ai/mainline/krpc"
	"github.com/opd-ai/mainline/rpc"
)

// GetLookup retrieves a BEP 44 item. Every value is verified against the
// target; for mutable items the one with the highest sequence number wins.
// Immutable lookups end as soon as a valid value arrives.
type GetLookup struct {
	*Task
	*lookup

	salt    []byte
	mutable bool

	mu   sync.Mutex
	best *crypto.Item
	seen int
}

// GetOptions describe the item looked up.
type GetOptions struct {
	// Mutable selects mutable item semantics.
	Mutable bool
	// Salt is the salt of a mutable item.
	Salt []byte
	// Seq, if set, asks nodes to only return mutable items with a higher
	// sequence number.
	Seq *int64
}

// NewGetLookup creates a lookup for target.
func NewGetLookup(srv *rpc.Server, target key.Key, env Env, opts GetOptions) *GetLookup {
	g := &GetLookup{salt: slices.Clone(opts.Salt), mutable: opts.Mutable}
	want := env.Want
	g.lookup = newLookup(srv, target, env, func() *krpc.Msg {
		t := target
		a := &krpc.Args{Target: &t, Want: want}
		if opts.Mutable && opts.Seq != nil {
			seq := *opts.Seq
			a.Seq = &seq
		}
		return krpc.NewQuery(krpc.Get, a)
	})
	g.lookup.onReply = g.consider
	g.Task = New("get", srv, target, env.Concurrency, g)
	return g
}

func (g *GetLookup) consider(c *Candidate, m *krpc.Msg) {
	r := m.R
	if len(r.V) == 0 {
		return
	}
	it := &crypto.Item{V: []byte(r.V)}
	if g.mutable {
		if len(r.K) != crypto.PublicKeySize || len(r.Sig) != crypto.SignatureSize || r.Seq == nil {
			return
		}
		it.Mutable = true
		copy(it.K[:], r.K)
		copy(it.Sig[:], r.Sig)
		it.Seq = *r.Seq
		it.Salt = g.salt
	}
	if err := it.VerifyTarget(g.lookup.target); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "consider",
			"target":   g.lookup.target.String(),
			"from":     c.addr.String(),
			"error":    err.Error(),
		}).Debug("Discarding unverifiable item")
		return
	}
	g.mu.Lock()
	g.seen++
	if g.best == nil || it.Seq > g.best.Seq {
		g.best = it
	}
	g.mu.Unlock()
}

// IsDone ends immutable lookups at the first valid value.
func (g *GetLookup) IsDone(t *Task) bool {
	if !g.mutable {
		g.mu.Lock()
		found := g.best != nil
		g.mu.Unlock()
		if found {
			return true
		}
	}
	return g.lookup.IsDone(t)
}

// Item returns the best verified item, or nil.
func (g *GetLookup) Item() *crypto.Item {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.best
}

// NumValues returns how many verified values arrived.
func (g *GetLookup) NumValues() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seen
}

// PutTargets returns the closest nodes that handed out a token.
func (g *GetLookup) PutTargets() []AnnounceTarget {
	return tokenHolders(g.closest)
}
