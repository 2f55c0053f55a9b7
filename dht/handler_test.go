package dht

import (
	"context"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/mainline/crypto"
	"github.com/opd-ai/mainline/key"
	"github.com/opd-ai/mainline/krpc"
	"github.com/opd-ai/mainline/routing"
	"github.com/opd-ai/mainline/rpc"
	"github.com/opd-ai/mainline/scheduler"
	"github.com/opd-ai/mainline/transport"
)

var (
	nodeAddr   = netip.MustParseAddrPort("10.0.0.2:6881")
	nodeAddr6  = netip.MustParseAddrPort("[fd00::2]:6881")
	clientAddr = netip.MustParseAddrPort("10.0.0.1:6881")
)

// harness is a node on an in-memory network driven by a mock clock.
type harness struct {
	net   *transport.MemNetwork
	mock  *clock.Mock
	sched *scheduler.Scheduler
	node  *Node
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.AllowLocalAddresses = true
	cfg.BootstrapNodes = nil
	return cfg
}

func newHarness(t *testing.T, modify func(*Config), addrs ...netip.AddrPort) *harness {
	t.Helper()
	if len(addrs) == 0 {
		addrs = []netip.AddrPort{nodeAddr}
	}
	mock := newMockClock()
	h := &harness{
		net:   transport.NewMemNetwork(),
		mock:  mock,
		sched: scheduler.New(mock, 0),
	}
	cfg := testConfig()
	cfg.Scheduler = h.sched
	for _, a := range addrs {
		cfg.Transports = append(cfg.Transports, h.net.Listen(a))
	}
	if modify != nil {
		modify(cfg)
	}
	n, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Stop() })
	h.node = n
	return h
}

func (h *harness) dht(f transport.Family) *DHT {
	return h.node.DHT(f)
}

// responder answers every ping it receives.
type responder struct{}

func (responder) HandleMessage(srv *rpc.Server, m *rpc.Message) {
	if m.IsQuery() && m.Q == krpc.Ping {
		_ = srv.SendMessage(krpc.NewResponse(m.T, &krpc.Return{}), m.From)
	}
}

func (responder) HandleTimeout(*rpc.Server, *rpc.Call) {}

// client starts a plain RPC server on the harness network.
func (h *harness) client(t *testing.T, addr netip.AddrPort, id key.Key, readOnly bool) *rpc.Server {
	t.Helper()
	srv, err := rpc.NewServer(rpc.Config{
		ID:        id,
		Transport: h.net.Listen(addr),
		Scheduler: h.sched,
		Handler:   responder{},
		ReadOnly:  readOnly,
	})
	require.NoError(t, err)
	srv.Start()
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

// query sends a query and waits for the call to end.
func query(t *testing.T, srv *rpc.Server, to netip.AddrPort, method string, a *krpc.Args) *rpc.Call {
	t.Helper()
	c := rpc.NewCall(krpc.NewQuery(method, a), to)
	done := make(chan struct{})
	var once sync.Once
	c.AddListener(func(ev rpc.Event) {
		if ev.Next.Terminal() {
			once.Do(func() { close(done) })
		}
	})
	srv.DoCall(c)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s to %s did not finish", method, to)
	}
	return c
}

func requireResponse(t *testing.T, c *rpc.Call) *krpc.Return {
	t.Helper()
	require.Equal(t, rpc.Responded, c.State(), "%s ended as %s", c.Method(), c.State())
	require.NotNil(t, c.Response().R)
	return c.Response().R
}

func requireErrorCode(t *testing.T, c *rpc.Call, code int) {
	t.Helper()
	require.Equal(t, rpc.Error, c.State(), "%s ended as %s", c.Method(), c.State())
	require.NotNil(t, c.Response().E)
	assert.Equal(t, code, c.Response().E.Code, c.Response().E.Msg)
}

func verifiedEntry(id key.Key, addr netip.AddrPort, now time.Time) *routing.Entry {
	e := routing.NewEntry(id, addr, now)
	e.SetVerified()
	return e
}

func ptr[T any](v T) *T { return &v }

func (d *DHT) numProbes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.probing) + len(d.probes)
}

func TestPingAnswersAndInsertsSender(t *testing.T) {
	h := newHarness(t, nil)
	cid := key.Random()
	cli := h.client(t, clientAddr, cid, false)

	c := query(t, cli, nodeAddr, krpc.Ping, nil)
	requireResponse(t, c)
	id, ok := c.ResponderID()
	require.True(t, ok)
	assert.Equal(t, h.node.ID(), id)
	require.NotNil(t, c.Response().IP)
	assert.Equal(t, clientAddr, c.Response().IP.AddrPort, "responses echo the requester address")

	e := h.dht(transport.IPv4).Table().FindByAddr(clientAddr)
	require.NotNil(t, e)
	assert.Equal(t, cid, e.ID())
	assert.False(t, e.Verified(), "a query alone does not verify its sender")
}

func TestReadOnlyQueryNotInserted(t *testing.T) {
	h := newHarness(t, nil)
	cli := h.client(t, clientAddr, key.Random(), true)

	requireResponse(t, query(t, cli, nodeAddr, krpc.Ping, nil))
	assert.Nil(t, h.dht(transport.IPv4).Table().FindByAddr(clientAddr))
}

func TestQueryWithOwnIDDropped(t *testing.T) {
	h := newHarness(t, nil)
	cli := h.client(t, clientAddr, h.node.ID(), false)

	c := rpc.NewCall(krpc.NewQuery(krpc.Ping, nil), nodeAddr)
	cli.DoCall(c)
	require.Never(t, func() bool { return c.State().Terminal() }, 200*time.Millisecond, 10*time.Millisecond)
	assert.Nil(t, h.dht(transport.IPv4).Table().FindByAddr(clientAddr))
}

func TestUnknownMethod(t *testing.T) {
	h := newHarness(t, nil)
	cli := h.client(t, clientAddr, key.Random(), false)

	requireErrorCode(t, query(t, cli, nodeAddr, "vote", &krpc.Args{}), krpc.ErrCodeMethodUnknown)
}

func TestFindNodeReturnsVerifiedEntries(t *testing.T) {
	h := newHarness(t, nil)
	d := h.dht(transport.IPv4)
	now := h.mock.Now()
	var want []key.Key
	for i := 0; i < 3; i++ {
		id := key.Random()
		want = append(want, id)
		d.Table().Insert(verifiedEntry(id, netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 2, 0, byte(i + 1)}), 6881), now), 0)
	}
	// unverified entries are never handed out
	d.Table().Insert(routing.NewEntry(key.Random(), netip.MustParseAddrPort("10.3.0.1:6881"), now), 0)

	cli := h.client(t, clientAddr, key.Random(), false)
	r := requireResponse(t, query(t, cli, nodeAddr, krpc.FindNode, &krpc.Args{Target: ptr(key.Random())}))

	var got []key.Key
	for _, n := range r.Nodes {
		got = append(got, n.ID)
	}
	assert.ElementsMatch(t, want, got)
	assert.Empty(t, r.Nodes6)
}

func TestFindNodeWantsBothFamilies(t *testing.T) {
	h := newHarness(t, nil, nodeAddr, nodeAddr6)
	d4, d6 := h.dht(transport.IPv4), h.dht(transport.IPv6)
	require.NotNil(t, d4)
	require.NotNil(t, d6)
	require.Same(t, d6, d4.Sibling())

	now := h.mock.Now()
	id4, id6 := key.Random(), key.Random()
	d4.Table().Insert(verifiedEntry(id4, netip.MustParseAddrPort("10.2.0.1:6881"), now), 0)
	d6.Table().Insert(verifiedEntry(id6, netip.MustParseAddrPort("[fd00::9]:6881"), now), 0)

	cli := h.client(t, clientAddr, key.Random(), false)

	r := requireResponse(t, query(t, cli, nodeAddr, krpc.FindNode, &krpc.Args{
		Target: ptr(key.Random()),
		Want:   []string{krpc.WantNodes, krpc.WantNodes6},
	}))
	require.Len(t, r.Nodes, 1)
	require.Len(t, r.Nodes6, 1)
	assert.Equal(t, id4, r.Nodes[0].ID)
	assert.Equal(t, id6, r.Nodes6[0].ID)

	r = requireResponse(t, query(t, cli, nodeAddr, krpc.FindNode, &krpc.Args{
		Target: ptr(key.Random()),
		Want:   []string{krpc.WantNodes6},
	}))
	assert.Empty(t, r.Nodes)
	assert.Len(t, r.Nodes6, 1)
}

func TestGetPeersAndAnnounce(t *testing.T) {
	h := newHarness(t, nil)
	cli := h.client(t, clientAddr, key.Random(), false)
	ih := key.Random()

	r := requireResponse(t, query(t, cli, nodeAddr, krpc.GetPeers, &krpc.Args{InfoHash: &ih}))
	require.NotEmpty(t, r.Token)
	assert.Empty(t, r.Values)

	requireResponse(t, query(t, cli, nodeAddr, krpc.AnnouncePeer, &krpc.Args{
		InfoHash: &ih,
		Port:     ptr(7000),
		Token:    r.Token,
	}))

	r = requireResponse(t, query(t, cli, nodeAddr, krpc.GetPeers, &krpc.Args{InfoHash: &ih}))
	require.Len(t, r.Values, 1)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:7000"), r.Values[0].AddrPort)
	assert.Equal(t, 1, h.node.Database().NumPeers())
}

func TestAnnounceImpliedPortAndSeed(t *testing.T) {
	h := newHarness(t, nil)
	cli := h.client(t, clientAddr, key.Random(), false)
	ih := key.Random()

	r := requireResponse(t, query(t, cli, nodeAddr, krpc.GetPeers, &krpc.Args{InfoHash: &ih}))
	requireResponse(t, query(t, cli, nodeAddr, krpc.AnnouncePeer, &krpc.Args{
		InfoHash:    &ih,
		Port:        ptr(1),
		ImpliedPort: 1,
		Seed:        1,
		Token:       r.Token,
	}))

	peers := h.node.Database().Peers(ih)
	require.Len(t, peers, 1)
	assert.Equal(t, clientAddr, peers[0].Addr, "implied port uses the source port")
	assert.True(t, peers[0].Seed)

	r = requireResponse(t, query(t, cli, nodeAddr, krpc.GetPeers, &krpc.Args{InfoHash: &ih, NoSeed: 1}))
	assert.Empty(t, r.Values, "seeds are left out for noseed requests")
}

func TestAnnounceRejectsBadToken(t *testing.T) {
	h := newHarness(t, nil)
	cli := h.client(t, clientAddr, key.Random(), false)
	ih := key.Random()

	r := requireResponse(t, query(t, cli, nodeAddr, krpc.GetPeers, &krpc.Args{InfoHash: &ih}))

	other := key.Random()
	requireErrorCode(t, query(t, cli, nodeAddr, krpc.AnnouncePeer, &krpc.Args{
		InfoHash: &other,
		Port:     ptr(7000),
		Token:    r.Token,
	}), krpc.ErrCodeProtocol)

	requireErrorCode(t, query(t, cli, nodeAddr, krpc.AnnouncePeer, &krpc.Args{
		InfoHash: &ih,
		Port:     ptr(7000),
		Token:    "bogus",
	}), krpc.ErrCodeProtocol)

	assert.Equal(t, 0, h.node.Database().NumPeers())
}

func TestImmutablePutAndGet(t *testing.T) {
	h := newHarness(t, nil)
	cli := h.client(t, clientAddr, key.Random(), false)
	v := []byte("12:Hello World!")
	target := crypto.ImmutableTarget(v)

	r := requireResponse(t, query(t, cli, nodeAddr, krpc.Get, &krpc.Args{Target: &target}))
	require.NotEmpty(t, r.Token)
	assert.Empty(t, r.V)

	requireResponse(t, query(t, cli, nodeAddr, krpc.Put, &krpc.Args{V: v, Token: r.Token}))

	r = requireResponse(t, query(t, cli, nodeAddr, krpc.Get, &krpc.Args{Target: &target}))
	assert.Equal(t, v, []byte(r.V))
	assert.Nil(t, r.Seq)
	assert.Empty(t, r.K)
}

func mutablePutArgs(it *crypto.Item, token string) *krpc.Args {
	seq := it.Seq
	return &krpc.Args{
		V:     it.V,
		K:     string(it.K[:]),
		Sig:   string(it.Sig[:]),
		Seq:   &seq,
		Salt:  string(it.Salt),
		Token: token,
	}
}

func TestMutablePutAndGet(t *testing.T) {
	h := newHarness(t, nil)
	cli := h.client(t, clientAddr, key.Random(), false)
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	it := mustMutable(t, kp, "5:hello", 1, nil)
	target := it.Target()
	token := requireResponse(t, query(t, cli, nodeAddr, krpc.Get, &krpc.Args{Target: &target})).Token

	requireResponse(t, query(t, cli, nodeAddr, krpc.Put, mutablePutArgs(it, token)))

	r := requireResponse(t, query(t, cli, nodeAddr, krpc.Get, &krpc.Args{Target: &target}))
	require.NotNil(t, r.Seq)
	assert.Equal(t, int64(1), *r.Seq)
	assert.Equal(t, it.V, []byte(r.V))
	assert.Equal(t, string(it.K[:]), r.K)
	assert.Equal(t, string(it.Sig[:]), r.Sig)

	r = requireResponse(t, query(t, cli, nodeAddr, krpc.Get, &krpc.Args{Target: &target, Seq: ptr(int64(1))}))
	require.NotNil(t, r.Seq, "the sequence number is always returned")
	assert.Empty(t, r.V, "no value when the requester is up to date")

	t.Run("older sequence", func(t *testing.T) {
		old := mustMutable(t, kp, "3:old", 0, nil)
		requireErrorCode(t, query(t, cli, nodeAddr, krpc.Put, mutablePutArgs(old, token)), krpc.ErrCodeSequenceNotLatest)
	})
	t.Run("cas mismatch", func(t *testing.T) {
		next := mustMutable(t, kp, "4:next", 2, nil)
		args := mutablePutArgs(next, token)
		args.Cas = ptr(int64(5))
		requireErrorCode(t, query(t, cli, nodeAddr, krpc.Put, args), krpc.ErrCodeCASMismatch)
	})
	t.Run("bad signature", func(t *testing.T) {
		forged := mustMutable(t, kp, "6:forged", 3, nil)
		forged.Sig[0] ^= 0xff
		requireErrorCode(t, query(t, cli, nodeAddr, krpc.Put, mutablePutArgs(forged, token)), krpc.ErrCodeInvalidSignature)
	})

	got, ok := h.node.Storage().Get(target)
	require.True(t, ok)
	assert.Equal(t, int64(1), got.Seq)
}

func TestPutRejectsMalformedItems(t *testing.T) {
	h := newHarness(t, nil)
	cli := h.client(t, clientAddr, key.Random(), false)

	t.Run("value too big", func(t *testing.T) {
		v := []byte("1000:" + strings.Repeat("x", 1000))
		requireErrorCode(t, query(t, cli, nodeAddr, krpc.Put, &krpc.Args{V: v, Token: "x"}), krpc.ErrCodeMessageTooBig)
	})
	t.Run("salt too big", func(t *testing.T) {
		requireErrorCode(t, query(t, cli, nodeAddr, krpc.Put, &krpc.Args{
			V:     []byte("1:a"),
			K:     strings.Repeat("k", crypto.PublicKeySize),
			Sig:   strings.Repeat("s", crypto.SignatureSize),
			Seq:   ptr(int64(1)),
			Salt:  strings.Repeat("n", 65),
			Token: "x",
		}), krpc.ErrCodeSaltTooBig)
	})
	t.Run("mutable without seq", func(t *testing.T) {
		requireErrorCode(t, query(t, cli, nodeAddr, krpc.Put, &krpc.Args{
			V:     []byte("1:a"),
			K:     strings.Repeat("k", crypto.PublicKeySize),
			Sig:   strings.Repeat("s", crypto.SignatureSize),
			Token: "x",
		}), krpc.ErrCodeProtocol)
	})
	t.Run("bad token", func(t *testing.T) {
		requireErrorCode(t, query(t, cli, nodeAddr, krpc.Put, &krpc.Args{V: []byte("1:a"), Token: "x"}), krpc.ErrCodeProtocol)
	})
}

func TestSampleInfohashes(t *testing.T) {
	h := newHarness(t, nil)
	cli := h.client(t, clientAddr, key.Random(), false)
	ih := key.Random()
	h.node.Database().Store(ih, netip.MustParseAddrPort("10.9.0.1:7000"), false)

	r := requireResponse(t, query(t, cli, nodeAddr, krpc.SampleInfohashes, &krpc.Args{Target: ptr(key.Random())}))
	assert.Equal(t, []key.Key{ih}, []key.Key(r.Samples))
	require.NotNil(t, r.Num)
	assert.Equal(t, 1, *r.Num)
	require.NotNil(t, r.Interval)
	assert.Equal(t, int((6 * time.Hour).Seconds()), *r.Interval)
}

func TestChangedIDIsBanned(t *testing.T) {
	h := newHarness(t, nil)
	d := h.dht(transport.IPv4)
	spoofed := netip.MustParseAddrPort("10.0.0.7:6881")
	confirmed := key.Random()
	d.Table().Insert(verifiedEntry(confirmed, spoofed, h.mock.Now()), 0)
	require.NotNil(t, d.Table().FindByAddr(spoofed))

	// same address, new id: the node probes it and the probe answers
	// with the new id as well
	impostor := h.client(t, spoofed, key.Random(), false)
	requireResponse(t, query(t, impostor, nodeAddr, krpc.Ping, nil))

	require.Eventually(t, func() bool {
		return h.node.bans.Banned(spoofed.Addr())
	}, 2*time.Second, 10*time.Millisecond)
	assert.Nil(t, d.Table().FindByAddr(spoofed))
	assert.Equal(t, 1, h.node.Stats().Banned)

	// a banned address is ignored
	c := rpc.NewCall(krpc.NewQuery(krpc.Ping, nil), nodeAddr)
	impostor.DoCall(c)
	require.Never(t, func() bool { return c.State().Terminal() }, 200*time.Millisecond, 10*time.Millisecond)
}

func TestConfirmedIDKeepsEntry(t *testing.T) {
	h := newHarness(t, nil)
	d := h.dht(transport.IPv4)
	addr := netip.MustParseAddrPort("10.0.0.7:6881")
	id := key.Random()
	d.Table().Insert(verifiedEntry(id, addr, h.mock.Now()), 0)

	// the real owner answers the identity check; the query came from elsewhere
	h.client(t, addr, id, false)
	d.probeIdentity(d.Servers()[0], d.Table().FindByAddr(addr))

	require.Eventually(t, func() bool {
		return d.numProbes() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, h.node.bans.Banned(addr.Addr()))
	assert.NotNil(t, d.Table().FindByAddr(addr))
}

func TestUnansweredIdentityCheckEvicts(t *testing.T) {
	h := newHarness(t, nil)
	d := h.dht(transport.IPv4)
	addr := netip.MustParseAddrPort("10.0.0.8:6881")
	d.Table().Insert(verifiedEntry(key.Random(), addr, h.mock.Now()), 0)

	// nothing listens on addr
	d.probeIdentity(d.Servers()[0], d.Table().FindByAddr(addr))
	require.Equal(t, 1, d.numProbes())
	h.mock.Add(rpc.MaxTimeout)

	require.Eventually(t, func() bool {
		return d.numProbes() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Nil(t, d.Table().FindByAddr(addr))
	assert.False(t, h.node.bans.Banned(addr.Addr()), "silence is not proof of spoofing")
}

func TestQueryMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newHarness(t, func(c *Config) { c.Registerer = reg })
	cli := h.client(t, clientAddr, key.Random(), false)

	requireResponse(t, query(t, cli, nodeAddr, krpc.Ping, nil))
	requireErrorCode(t, query(t, cli, nodeAddr, krpc.AnnouncePeer, &krpc.Args{
		InfoHash: ptr(key.Random()),
		Port:     ptr(7000),
		Token:    "bogus",
	}), krpc.ErrCodeProtocol)

	m := h.dht(transport.IPv4).metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queries.WithLabelValues(krpc.Ping)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queries.WithLabelValues(krpc.AnnouncePeer)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("203")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["mainline_dht_routing_entries"])
	assert.True(t, names["mainline_dht_torrents"])
}
