package dht

import (
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/mainline/crypto"
	"github.com/opd-ai/mainline/key"
	"github.com/opd-ai/mainline/krpc"
	"github.com/opd-ai/mainline/transport"
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newMockClock() *clock.Mock {
	mock := clock.NewMock()
	mock.Set(testEpoch)
	return mock
}

func TestTokenRoundTrip(t *testing.T) {
	mock := newMockClock()
	tm, err := NewTokenManager(5*time.Minute, mock)
	require.NoError(t, err)

	id := key.Random()
	from := netip.MustParseAddrPort("1.2.3.4:6881")
	target := key.Random()
	tok := tm.Generate(id, from, target)
	assert.Len(t, tok, tokenLen)

	assert.True(t, tm.Validate(tok, id, from, target))
	assert.False(t, tm.Validate(tok, key.Random(), from, target), "other requester id")
	assert.False(t, tm.Validate(tok, id, netip.MustParseAddrPort("1.2.3.4:6882"), target), "other port")
	assert.False(t, tm.Validate(tok, id, netip.MustParseAddrPort("1.2.3.5:6881"), target), "other ip")
	assert.False(t, tm.Validate(tok, id, from, key.Random()), "other target")
	assert.False(t, tm.Validate(tok[:len(tok)-1], id, from, target), "truncated")

	forged := []byte(tok)
	forged[len(forged)-1] ^= 1
	assert.False(t, tm.Validate(string(forged), id, from, target))
}

func TestTokenWindow(t *testing.T) {
	mock := newMockClock()
	tm, err := NewTokenManager(5*time.Minute, mock)
	require.NoError(t, err)

	id := key.Random()
	from := netip.MustParseAddrPort("1.2.3.4:6881")
	target := key.Random()
	tok := tm.Generate(id, from, target)

	mock.Add(9 * time.Minute)
	assert.True(t, tm.Validate(tok, id, from, target), "valid for just under two timeouts")

	mock.Add(time.Minute)
	assert.False(t, tm.Validate(tok, id, from, target))
}

func TestTokenMappedAddress(t *testing.T) {
	tm, err := NewTokenManager(time.Minute, newMockClock())
	require.NoError(t, err)
	id, target := key.Random(), key.Random()
	plain := netip.MustParseAddrPort("1.2.3.4:6881")
	mapped := netip.AddrPortFrom(netip.AddrFrom16(plain.Addr().As16()), 6881)
	assert.True(t, tm.Validate(tm.Generate(id, mapped, target), id, plain, target))
}

func TestDatabaseStoreAndSample(t *testing.T) {
	mock := newMockClock()
	db, err := NewDatabase(16, 16, 30*time.Minute, mock)
	require.NoError(t, err)

	ih := key.Random()
	v4 := netip.MustParseAddrPort("1.2.3.4:7000")
	seed := netip.MustParseAddrPort("1.2.3.5:7000")
	v6 := netip.MustParseAddrPort("[2001:db8::1]:7000")
	db.Store(ih, v4, false)
	db.Store(ih, seed, true)
	db.Store(ih, v6, false)

	assert.Equal(t, 1, db.NumTorrents())
	assert.Equal(t, 3, db.NumPeers())
	assert.Len(t, db.Peers(ih), 3)

	assert.ElementsMatch(t, []netip.AddrPort{v4, seed}, db.Sample(ih, 10, transport.IPv4, false))
	assert.Equal(t, []netip.AddrPort{v4}, db.Sample(ih, 10, transport.IPv4, true))
	assert.Equal(t, []netip.AddrPort{v6}, db.Sample(ih, 10, transport.IPv6, false))
	assert.Len(t, db.Sample(ih, 1, transport.IPv4, false), 1)
	assert.Empty(t, db.Sample(ih, 0, transport.IPv4, false))
	assert.Empty(t, db.Sample(key.Random(), 10, transport.IPv4, false))
}

func TestDatabaseReannounceRefreshes(t *testing.T) {
	mock := newMockClock()
	db, err := NewDatabase(16, 16, 30*time.Minute, mock)
	require.NoError(t, err)

	ih := key.Random()
	p := netip.MustParseAddrPort("1.2.3.4:7000")
	db.Store(ih, p, false)
	mock.Add(20 * time.Minute)
	db.Store(ih, p, true)
	mock.Add(20 * time.Minute)

	peers := db.Peers(ih)
	require.Len(t, peers, 1)
	assert.True(t, peers[0].Seed)
	assert.Equal(t, 0, db.Expire())
}

func TestDatabaseExpire(t *testing.T) {
	mock := newMockClock()
	db, err := NewDatabase(16, 16, 30*time.Minute, mock)
	require.NoError(t, err)

	old, fresh := key.Random(), key.Random()
	db.Store(old, netip.MustParseAddrPort("1.2.3.4:7000"), false)
	mock.Add(20 * time.Minute)
	db.Store(fresh, netip.MustParseAddrPort("1.2.3.5:7000"), false)
	mock.Add(11 * time.Minute)

	assert.Empty(t, db.Peers(old), "expired peers are hidden before the sweep")
	assert.Equal(t, 1, db.Expire())
	assert.Equal(t, 1, db.NumTorrents())
	assert.Len(t, db.Peers(fresh), 1)
}

func TestDatabasePeerLimit(t *testing.T) {
	mock := newMockClock()
	db, err := NewDatabase(16, 2, 30*time.Minute, mock)
	require.NoError(t, err)

	ih := key.Random()
	first := netip.MustParseAddrPort("1.2.3.1:7000")
	db.Store(ih, first, false)
	mock.Add(time.Second)
	db.Store(ih, netip.MustParseAddrPort("1.2.3.2:7000"), false)
	mock.Add(time.Second)
	db.Store(ih, netip.MustParseAddrPort("1.2.3.3:7000"), false)

	peers := db.Peers(ih)
	require.Len(t, peers, 2)
	for _, p := range peers {
		assert.NotEqual(t, first, p.Addr, "the peer closest to expiry makes room")
	}
}

func TestDatabaseTorrentLimit(t *testing.T) {
	db, err := NewDatabase(2, 16, 30*time.Minute, newMockClock())
	require.NoError(t, err)

	a, b, c := key.Random(), key.Random(), key.Random()
	p := netip.MustParseAddrPort("1.2.3.4:7000")
	db.Store(a, p, false)
	db.Store(b, p, false)
	db.Store(a, p, false)
	db.Store(c, p, false)

	assert.Equal(t, 2, db.NumTorrents())
	assert.NotEmpty(t, db.Peers(a))
	assert.Empty(t, db.Peers(b), "least recently announced torrent is dropped")
	assert.ElementsMatch(t, []key.Key{a, c}, db.SampleInfohashes(10))
	assert.Len(t, db.SampleInfohashes(1), 1)
}

func mustMutable(t *testing.T, kp *crypto.KeyPair, v string, seq int64, salt []byte) *crypto.Item {
	t.Helper()
	it, err := crypto.NewMutableItem([]byte(v), seq, salt, kp)
	require.NoError(t, err)
	return it
}

func requireKRPCCode(t *testing.T, err error, code int) {
	t.Helper()
	var kerr *krpc.Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, code, kerr.Code)
}

func TestStorageImmutable(t *testing.T) {
	s, err := NewStorage(1<<20, time.Hour, newMockClock())
	require.NoError(t, err)
	defer s.Close()

	it, err := crypto.NewImmutableItem([]byte("12:Hello World!"))
	require.NoError(t, err)
	require.NoError(t, s.Put(it, nil))

	got, ok := s.Get(crypto.ImmutableTarget([]byte("12:Hello World!")))
	require.True(t, ok)
	assert.Equal(t, it.V, got.V)
	assert.False(t, got.Mutable)

	_, ok = s.Get(key.Random())
	assert.False(t, ok)
}

func TestStorageMutableRules(t *testing.T) {
	s, err := NewStorage(1<<20, time.Hour, newMockClock())
	require.NoError(t, err)
	defer s.Close()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	v1 := mustMutable(t, kp, "1:a", 1, nil)
	require.NoError(t, s.Put(v1, nil))

	t.Run("older sequence", func(t *testing.T) {
		requireKRPCCode(t, s.Put(mustMutable(t, kp, "1:b", 0, nil), nil), krpc.ErrCodeSequenceNotLatest)
	})
	t.Run("same sequence other value", func(t *testing.T) {
		requireKRPCCode(t, s.Put(mustMutable(t, kp, "1:b", 1, nil), nil), krpc.ErrCodeSequenceNotLatest)
	})
	t.Run("same sequence same value", func(t *testing.T) {
		assert.NoError(t, s.Put(mustMutable(t, kp, "1:a", 1, nil), nil))
	})
	t.Run("cas mismatch", func(t *testing.T) {
		cas := int64(7)
		requireKRPCCode(t, s.Put(mustMutable(t, kp, "1:c", 2, nil), &cas), krpc.ErrCodeCASMismatch)
	})
	t.Run("cas match", func(t *testing.T) {
		cas := int64(1)
		require.NoError(t, s.Put(mustMutable(t, kp, "1:c", 2, nil), &cas))
		got, ok := s.Get(v1.Target())
		require.True(t, ok)
		assert.Equal(t, int64(2), got.Seq)
		assert.Equal(t, []byte("1:c"), got.V)
	})
	t.Run("salt selects another slot", func(t *testing.T) {
		salted := mustMutable(t, kp, "1:z", 0, []byte("salt"))
		require.NoError(t, s.Put(salted, nil))
		got, ok := s.Get(salted.Target())
		require.True(t, ok)
		assert.Equal(t, []byte("1:z"), got.V)
	})
}

func TestStorageLifetime(t *testing.T) {
	mock := newMockClock()
	s, err := NewStorage(1<<20, time.Hour, mock)
	require.NoError(t, err)
	defer s.Close()

	it, err := crypto.NewImmutableItem([]byte("3:abc"))
	require.NoError(t, err)
	require.NoError(t, s.Put(it, nil))

	mock.Add(59 * time.Minute)
	_, ok := s.Get(it.Target())
	assert.True(t, ok)
	mock.Add(2 * time.Minute)
	_, ok = s.Get(it.Target())
	assert.False(t, ok)
}

func TestStorageRefusedItem(t *testing.T) {
	s, err := NewStorage(64, time.Hour, newMockClock())
	require.NoError(t, err)
	defer s.Close()

	it, err := crypto.NewImmutableItem([]byte("3:abc"))
	require.NoError(t, err)
	requireKRPCCode(t, s.Put(it, nil), krpc.ErrCodeServer)
	_, ok := s.Get(it.Target())
	assert.False(t, ok, "a refused item is never reported as stored")
}

func TestNonReachableCache(t *testing.T) {
	mock := newMockClock()
	c := NewNonReachableCache(16, 10*time.Minute, mock)
	a := netip.MustParseAddrPort("1.2.3.4:6881")

	c.Failed(a)
	assert.False(t, c.Unreachable(a), "a single timeout is tolerated")
	c.Failed(a)
	assert.True(t, c.Unreachable(a))

	c.Success(a)
	assert.False(t, c.Unreachable(a))
	assert.Equal(t, 0, c.Len())

	c.Failed(a)
	c.Failed(a)
	mock.Add(11 * time.Minute)
	assert.False(t, c.Unreachable(a))
	assert.Equal(t, 1, c.Expire())
	assert.Equal(t, 0, c.Len())
}

func TestNonReachableCacheFailuresReset(t *testing.T) {
	mock := newMockClock()
	c := NewNonReachableCache(16, 10*time.Minute, mock)
	a := netip.MustParseAddrPort("1.2.3.4:6881")

	c.Failed(a)
	mock.Add(11 * time.Minute)
	c.Failed(a)
	assert.False(t, c.Unreachable(a), "a stale failure does not count")
}

func TestBanList(t *testing.T) {
	mock := newMockClock()
	b := NewBanList(time.Hour, mock)
	ip := netip.MustParseAddr("1.2.3.4")

	assert.False(t, b.Banned(ip))
	b.Ban(netip.AddrFrom16(ip.As16()))
	assert.True(t, b.Banned(ip), "mapped and plain forms are the same address")
	assert.Equal(t, 1, b.Len())

	mock.Add(time.Hour)
	assert.False(t, b.Banned(ip))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"no listen address", func(c *Config) { c.ListenAddrs = nil }},
		{"bad listen address", func(c *Config) { c.ListenAddrs = []string{"localhost"} }},
		{"zero bucket size", func(c *Config) { c.BucketSize = 0 }},
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }},
		{"reserve above call limit", func(c *Config) { c.CallReserve = c.MaxActiveCalls }},
		{"zero token timeout", func(c *Config) { c.TokenTimeout = 0 }},
		{"negative ban duration", func(c *Config) { c.BanDuration = -time.Second }},
		{"zero storage", func(c *Config) { c.StorageMaxCost = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.modify(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestConfigTransportsReplaceListenAddrs(t *testing.T) {
	c := DefaultConfig()
	c.ListenAddrs = nil
	c.Transports = []transport.Transport{transport.NewMemNetwork().Listen(netip.MustParseAddrPort("10.0.0.1:6881"))}
	assert.NoError(t, c.Validate())
}
