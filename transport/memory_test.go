package transport

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemNetworkDelivers(t *testing.T) {
	n := NewMemNetwork()
	a := n.Listen(netip.MustParseAddrPort("10.0.0.1:6881"))
	b := n.Listen(netip.MustParseAddrPort("10.0.0.2:6881"))
	defer a.Close()
	defer b.Close()

	c := &collector{}
	b.RegisterHandler(c.handle)
	a.Send([]byte("hello"), b.LocalAddr())

	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, 5*time.Millisecond)
	c.mu.Lock()
	assert.Equal(t, []byte("hello"), c.msgs[0].data)
	assert.Equal(t, a.LocalAddr(), c.msgs[0].from)
	c.mu.Unlock()

	sent := a.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, b.LocalAddr(), sent[0].To)
	a.Reset()
	assert.Empty(t, a.Sent())

	assert.Equal(t, uint64(1), a.Stats().Sent)
	assert.Equal(t, uint64(1), b.Stats().Received)
}

func TestMemNetworkUnknownDestination(t *testing.T) {
	n := NewMemNetwork()
	a := n.Listen(netip.MustParseAddrPort("10.0.0.1:6881"))
	defer a.Close()

	a.Send([]byte("x"), netip.MustParseAddrPort("10.0.0.9:6881"))
	assert.Equal(t, uint64(1), a.Stats().Dropped)
	assert.Len(t, a.Sent(), 1, "lost datagrams are still recorded")
}

func TestMemNetworkDropFunc(t *testing.T) {
	n := NewMemNetwork()
	a := n.Listen(netip.MustParseAddrPort("10.0.0.1:6881"))
	b := n.Listen(netip.MustParseAddrPort("10.0.0.2:6881"))
	defer a.Close()
	defer b.Close()
	c := &collector{}
	b.RegisterHandler(c.handle)

	n.SetDropFunc(func(from, to netip.AddrPort) bool { return from == a.LocalAddr() })
	a.Send([]byte("x"), b.LocalAddr())
	assert.Never(t, func() bool { return c.count() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	n.SetDropFunc(nil)
	a.Send([]byte("y"), b.LocalAddr())
	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestMemTransportClose(t *testing.T) {
	n := NewMemNetwork()
	a := n.Listen(netip.MustParseAddrPort("10.0.0.1:6881"))
	b := n.Listen(netip.MustParseAddrPort("[fd00::1]:6881"))
	defer b.Close()
	assert.Equal(t, IPv4, a.Family())
	assert.Equal(t, IPv6, b.Family())

	require.NoError(t, a.Close())
	assert.Error(t, a.Close())

	b.Send([]byte("x"), a.LocalAddr())
	assert.Equal(t, uint64(1), b.Stats().Dropped, "a closed endpoint leaves the network")

	a.Send([]byte("x"), b.LocalAddr())
	assert.Empty(t, a.Sent())
}
