// Package transport provides the datagram endpoints the RPC layer runs on.
//
// # Endpoints
//
// A Transport sends and receives whole datagrams for one address family:
//
//	type Transport interface {
//	    Send(data []byte, to netip.AddrPort)
//	    Close() error
//	    LocalAddr() netip.AddrPort
//	    Family() Family
//	    RegisterHandler(handler Handler)
//	    Stats() Stats
//	}
//
// UDPTransport is the production endpoint. Reads and writes go through
// ReadBatch/WriteBatch of golang.org/x/net, so a busy node moves several
// datagrams per system call. Sending never blocks: datagrams are queued and
// a single writer drains the queue, retrying on the scheduler when the
// socket buffer is full. Datagrams larger than the family limit or from
// invalid sources are filtered before they reach the handler.
//
// MemNetwork connects MemTransports by address inside one process. Delivery
// is asynchronous and every sent datagram is recorded, which lets tests run
// whole swarms without sockets:
//
//	net := transport.NewMemNetwork()
//	a := net.Listen(netip.MustParseAddrPort("10.0.0.1:6881"))
//	b := net.Listen(netip.MustParseAddrPort("10.0.0.2:6881"))
//	b.RegisterHandler(func(data []byte, from netip.AddrPort) { ... })
//	a.Send([]byte("d1:y1:qe"), b.LocalAddr())
//
// # Addresses
//
// Family selects IPv4 or IPv6 (BEP 32) and knows the packet and compact
// encoding sizes of its family. IsBogon rejects addresses that cannot be
// public DHT participants.
package transport
