package transport

import (
	"errors"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

const memQueueSize = 1024

// Packet is a datagram recorded by a MemTransport.
type Packet struct {
	Data []byte
	To   netip.AddrPort
}

// MemNetwork is an in-memory datagram network connecting MemTransports by
// address. It is used to run many nodes in one process without sockets.
type MemNetwork struct {
	mu        sync.RWMutex
	endpoints map[netip.AddrPort]*MemTransport
	drop      func(from, to netip.AddrPort) bool
}

// NewMemNetwork creates an empty network.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{endpoints: make(map[netip.AddrPort]*MemTransport)}
}

// SetDropFunc installs a filter; datagrams for which it returns true are
// lost.
func (n *MemNetwork) SetDropFunc(drop func(from, to netip.AddrPort) bool) {
	n.mu.Lock()
	n.drop = drop
	n.mu.Unlock()
}

// Listen creates an endpoint bound to addr, replacing any previous one.
func (n *MemNetwork) Listen(addr netip.AddrPort) *MemTransport {
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	t := &MemTransport{
		net:    n,
		addr:   addr,
		family: FamilyOf(addr.Addr()),
		inbox:  make(chan Packet, memQueueSize),
		done:   make(chan struct{}),
	}
	n.mu.Lock()
	n.endpoints[addr] = t
	n.mu.Unlock()

	t.wg.Add(1)
	go t.deliverLoop()
	return t
}

func (n *MemNetwork) route(from netip.AddrPort, p Packet) bool {
	n.mu.RLock()
	peer := n.endpoints[p.To]
	drop := n.drop
	n.mu.RUnlock()
	if peer == nil || (drop != nil && drop(from, p.To)) {
		return false
	}
	return peer.enqueue(Packet{Data: p.Data, To: from})
}

// MemTransport is an endpoint of a MemNetwork. Every datagram it sends is
// also recorded, so tests can inspect the traffic.
type MemTransport struct {
	net    *MemNetwork
	addr   netip.AddrPort
	family Family

	mu      sync.RWMutex
	handler Handler
	outbox  []Packet

	inbox  chan Packet
	done   chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup

	sent, received, dropped atomic.Uint64
}

// Send records the datagram and routes it to the endpoint at to, if any.
func (t *MemTransport) Send(data []byte, to netip.AddrPort) {
	if t.closed.Load() {
		t.dropped.Add(1)
		return
	}
	p := Packet{Data: slices.Clone(data), To: netip.AddrPortFrom(to.Addr().Unmap(), to.Port())}
	t.mu.Lock()
	t.outbox = append(t.outbox, p)
	t.mu.Unlock()
	t.sent.Add(1)
	if !t.net.route(t.addr, p) {
		t.dropped.Add(1)
	}
}

// Inject hands data to the handler as if it arrived from from. It runs on
// the caller's goroutine.
func (t *MemTransport) Inject(data []byte, from netip.AddrPort) {
	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()
	if h == nil || t.closed.Load() {
		return
	}
	t.received.Add(1)
	h(slices.Clone(data), from)
}

// Sent returns the recorded outbound datagrams.
func (t *MemTransport) Sent() []Packet {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.outbox)
}

// Reset forgets the recorded datagrams.
func (t *MemTransport) Reset() {
	t.mu.Lock()
	t.outbox = nil
	t.mu.Unlock()
}

func (t *MemTransport) enqueue(p Packet) bool {
	if t.closed.Load() {
		return false
	}
	select {
	case t.inbox <- p:
		return true
	default:
		t.dropped.Add(1)
		return false
	}
}

func (t *MemTransport) deliverLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case p := <-t.inbox:
			t.Inject(p.Data, p.To)
		}
	}
}

// Close detaches the endpoint from the network.
func (t *MemTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return errors.New("transport already closed")
	}
	t.net.mu.Lock()
	if t.net.endpoints[t.addr] == t {
		delete(t.net.endpoints, t.addr)
	}
	t.net.mu.Unlock()
	close(t.done)
	t.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"local":    t.addr.String(),
	}).Debug("Memory transport closed")
	return nil
}

// LocalAddr returns the endpoint address.
func (t *MemTransport) LocalAddr() netip.AddrPort { return t.addr }

// Family returns the address family of the endpoint.
func (t *MemTransport) Family() Family { return t.family }

// RegisterHandler registers the handler for inbound datagrams.
func (t *MemTransport) RegisterHandler(handler Handler) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

// Stats returns traffic counters.
func (t *MemTransport) Stats() Stats {
	return Stats{
		Sent:     t.sent.Load(),
		Received: t.received.Load(),
		Dropped:  t.dropped.Load(),
	}
}
