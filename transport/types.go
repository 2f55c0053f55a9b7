package transport

import (
	"net/netip"
)

// Handler processes an inbound datagram. The slice is owned by the handler.
type Handler func(data []byte, from netip.AddrPort)

// Transport defines the datagram endpoint used by an RPC server.
// This abstraction allows tests to substitute an in-memory implementation.
type Transport interface {
	// Send queues a datagram. Delivery is best effort.
	Send(data []byte, to netip.AddrPort)

	// Close shuts down the transport.
	Close() error

	// LocalAddr returns the local address the transport is listening on.
	LocalAddr() netip.AddrPort

	// Family returns the address family of the transport.
	Family() Family

	// RegisterHandler registers the handler for inbound datagrams.
	RegisterHandler(handler Handler)

	// Stats returns traffic counters.
	Stats() Stats
}

// Stats are cumulative traffic counters of a transport.
type Stats struct {
	Sent     uint64
	Received uint64
	Filtered uint64
	Dropped  uint64
	Requeued uint64
}
