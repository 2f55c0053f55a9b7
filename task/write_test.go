package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/mainline/crypto"
	"github.com/opd-ai/mainline/key"
	"github.com/opd-ai/mainline/krpc"
	"github.com/opd-ai/mainline/routing"
	"github.com/opd-ai/mainline/rpc"
)

func (n *fakeNode) store(target key.Key, it *crypto.Item) {
	r := &krpc.Return{V: it.V}
	if it.Mutable {
		seq := it.Seq
		r.K, r.Sig, r.Seq = string(it.K[:]), string(it.Sig[:]), &seq
	}
	n.mu.Lock()
	n.items[target] = r
	n.mu.Unlock()
}

func TestImmutablePutThenGet(t *testing.T) {
	sw := newSwarm(t, 32)
	srv, _ := sw.client(t)
	it, err := crypto.NewImmutableItem([]byte("12:Hello World!"))
	require.NoError(t, err)
	target := it.Target()

	gl := NewGetLookup(srv, target, Env{}, GetOptions{})
	gl.AddNodes(sw.infos()[:2])
	gl.Start()
	waitDone(t, gl.Task)
	require.Nil(t, gl.Item())
	targets := gl.PutTargets()
	require.Len(t, targets, 8)

	pt := NewPutTask(srv, it, nil, targets, 0)
	pt.Start()
	waitDone(t, pt.Task)
	assert.Equal(t, 8, pt.Acked())

	gl = NewGetLookup(srv, target, Env{}, GetOptions{})
	gl.AddNodes(sw.infos()[:2])
	gl.Start()
	waitDone(t, gl.Task)
	require.NotNil(t, gl.Item())
	assert.Equal(t, it.V, gl.Item().V)
	assert.False(t, gl.Item().Mutable)
}

func TestImmutableGetDiscardsForgedValue(t *testing.T) {
	sw := newSwarm(t, 16)
	srv, _ := sw.client(t)
	target := crypto.ImmutableTarget([]byte("4:real"))
	for _, n := range sw.nodes {
		n.store(target, &crypto.Item{V: []byte("4:fake")})
	}

	gl := NewGetLookup(srv, target, Env{}, GetOptions{})
	gl.AddNodes(sw.infos()[:2])
	gl.Start()
	waitDone(t, gl.Task)

	assert.Nil(t, gl.Item())
	assert.Zero(t, gl.NumValues())
}

func TestMutableGetPicksHighestValidSeq(t *testing.T) {
	sw := newSwarm(t, 32)
	srv, _ := sw.client(t)
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	salt := []byte("profile")

	current, err := crypto.NewMutableItem([]byte("7:current"), 5, salt, kp)
	require.NoError(t, err)
	older, err := crypto.NewMutableItem([]byte("5:older"), 3, salt, kp)
	require.NoError(t, err)
	forged := *current
	forged.Seq = 9

	target := current.Target()
	closest := sw.closest(target, 3)
	sw.node(closest[0].ID).store(target, current)
	sw.node(closest[1].ID).store(target, &forged)
	sw.node(closest[2].ID).store(target, older)

	gl := NewGetLookup(srv, target, Env{}, GetOptions{Mutable: true, Salt: salt})
	gl.AddNodes(sw.infos()[:2])
	gl.Start()
	waitDone(t, gl.Task)

	best := gl.Item()
	require.NotNil(t, best)
	assert.EqualValues(t, 5, best.Seq)
	assert.Equal(t, current.V, best.V)
	assert.Equal(t, 2, gl.NumValues(), "forged value is not counted")
}

func TestMutablePutSendsCas(t *testing.T) {
	sw := newSwarm(t, 16)
	srv, _ := sw.client(t)
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	it, err := crypto.NewMutableItem([]byte("i42e"), 2, nil, kp)
	require.NoError(t, err)

	targets := make([]AnnounceTarget, 0, 3)
	for _, n := range sw.nodes[:3] {
		targets = append(targets, AnnounceTarget{ID: n.id, Addr: n.addr, Token: n.token()})
	}
	cas := int64(1)
	pt := NewPutTask(srv, it, &cas, targets, 0)
	pt.Start()
	waitDone(t, pt.Task)

	assert.Equal(t, 3, pt.Acked())
	for _, n := range sw.nodes[:3] {
		n.mu.Lock()
		require.Len(t, n.puts, 1)
		a := n.puts[0]
		n.mu.Unlock()
		assert.Equal(t, string(it.K[:]), a.K)
		assert.Equal(t, string(it.Sig[:]), a.Sig)
		require.NotNil(t, a.Seq)
		assert.EqualValues(t, 2, *a.Seq)
		require.NotNil(t, a.Cas)
		assert.EqualValues(t, 1, *a.Cas)
		assert.Equal(t, n.token(), a.Token)
		assert.Empty(t, a.Salt)
	}
}

func TestPutIgnoresAckFromOtherIdentity(t *testing.T) {
	sw := newSwarm(t, 4)
	srv, _ := sw.client(t)
	it, err := crypto.NewImmutableItem([]byte("3:abc"))
	require.NoError(t, err)

	targets := make([]AnnounceTarget, 0, 4)
	for i, n := range sw.nodes {
		tg := AnnounceTarget{ID: n.id, Addr: n.addr, Token: n.token()}
		if i == 0 {
			tg.ID = key.Random()
		}
		targets = append(targets, tg)
	}
	pt := NewPutTask(srv, it, nil, targets, 0)
	pt.Start()
	waitDone(t, pt.Task)

	assert.Equal(t, 3, pt.Acked(), "an answer from a different id is no acknowledgement")
}

func staleEntry(id key.Key, n int) *routing.Entry {
	e := routing.NewEntry(id, swarmAddr(n), testEpoch.Add(-20*time.Minute))
	e.SetVerified()
	return e
}

func TestPingRefreshEvictsDeadEntries(t *testing.T) {
	sw := newSwarm(t, 2)
	srv, _ := sw.client(t)

	b := routing.NewBucket(8, 8)
	for i, n := range sw.nodes {
		require.True(t, b.InsertOrRefresh(staleEntry(n.id, i), testEpoch))
	}
	for i := 50; i < 52; i++ {
		require.True(t, b.InsertOrRefresh(staleEntry(key.Random(), i), testEpoch))
	}
	require.Equal(t, 4, b.NumEntries())

	targets := BucketPingTargets(b, false, srv)
	require.Len(t, targets, 4)

	p := NewPingRefreshTask(srv, b, targets, true, 0)
	assert.Equal(t, testEpoch, b.LastRefresh())
	p.Start()
	require.Eventually(t, func() bool { return p.Alive() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Running, p.State())

	sw.mock.Add(rpc.MaxTimeout + time.Second)
	waitDone(t, p.Task)

	assert.Equal(t, 2, p.Alive())
	assert.Equal(t, 2, b.NumEntries())
	for _, e := range b.Entries() {
		assert.NotNil(t, sw.node(e.ID()), "live node evicted: %s", e)
	}
}

func TestPingRefreshKeepsEntriesWithoutCleanMode(t *testing.T) {
	sw := newSwarm(t, 0)
	srv, _ := sw.client(t)

	b := routing.NewBucket(8, 8)
	e := staleEntry(key.Random(), 1)
	require.True(t, b.InsertOrRefresh(e, testEpoch))

	p := NewPingRefreshTask(srv, b, []*routing.Entry{e}, false, 0)
	p.Start()
	sw.mock.Add(rpc.MaxTimeout + time.Second)
	waitDone(t, p.Task)

	assert.Zero(t, p.Alive())
	assert.Equal(t, 1, b.NumEntries())
}

func TestBucketPingTargetsSkipsRecentlySeen(t *testing.T) {
	sw := newSwarm(t, 0)
	srv, _ := sw.client(t)

	b := routing.NewBucket(8, 8)
	fresh := routing.NewEntry(key.Random(), swarmAddr(1), testEpoch)
	fresh.SetVerified()
	stale := staleEntry(key.Random(), 2)
	require.True(t, b.InsertOrRefresh(fresh, testEpoch))
	require.True(t, b.InsertOrRefresh(stale, testEpoch))

	assert.Equal(t, []*routing.Entry{stale}, BucketPingTargets(b, false, srv))
}
