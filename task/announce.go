package task

import (
	"sync/atomic"

	"github.com/opd-ai/mainline/key"
	"github.com/opd-ai/mainline/krpc"
	"github.com/opd-ai/mainline/rpc"
)

// writeTask sends one write query to each of a fixed list of nodes.
type writeTask struct {
	targets []AnnounceTarget
	next    int
	query   func(tg AnnounceTarget) *krpc.Msg
	acked   atomic.Int32
	lastErr atomic.Pointer[krpc.Error]
}

func (w *writeTask) Update(t *Task) {
	for w.next < len(w.targets) && t.CanRequest() {
		tg := w.targets[w.next]
		w.next++
		c := rpc.NewCall(w.query(tg), tg.Addr)
		c.SetExpectedID(tg.ID)
		t.Call(c)
	}
}

func (w *writeTask) CallFinished(t *Task, c *rpc.Call) {
	// the token was issued to the node we looked up, not whoever answers
	if !c.MatchesExpectedID() {
		return
	}
	w.acked.Add(1)
}

func (w *writeTask) CallFailed(t *Task, c *rpc.Call) {
	if m := c.Response(); m != nil && m.E != nil {
		e := *m.E
		w.lastErr.Store(&e)
	}
}

func (w *writeTask) IsDone(t *Task) bool {
	return w.next >= len(w.targets) && t.NumInflight() == 0
}

// Acked returns how many nodes accepted the write.
func (w *writeTask) Acked() int { return int(w.acked.Load()) }

// LastError returns the most recent error reply, if any.
func (w *writeTask) LastError() *krpc.Error { return w.lastErr.Load() }

// AnnounceTask sends announce_peer to the nodes a PeerLookup collected
// tokens from.
type AnnounceTask struct {
	*Task
	*writeTask
}

// NewAnnounceTask announces that we serve infoHash on port. A port of zero
// asks the nodes to use the source port of the query (implied_port).
func NewAnnounceTask(srv *rpc.Server, infoHash key.Key, port int, seed bool, targets []AnnounceTarget, concurrency int) *AnnounceTask {
	w := &writeTask{targets: targets}
	w.query = func(tg AnnounceTarget) *krpc.Msg {
		ih := infoHash
		a := &krpc.Args{InfoHash: &ih, Token: tg.Token}
		if port > 0 {
			p := port
			a.Port = &p
		} else {
			a.ImpliedPort = 1
			p := int(srv.LocalAddr().Port())
			a.Port = &p
		}
		if seed {
			a.Seed = 1
		}
		return krpc.NewQuery(krpc.AnnouncePeer, a)
	}
	return &AnnounceTask{
		Task:      New("announce", srv, infoHash, concurrency, w),
		writeTask: w,
	}
}
