// Package dht ties the routing table, the RPC servers and the task manager
// into a BitTorrent mainline DHT node (BEP 5) with the BEP 32, 42, 43, 44
// and 51 extensions.
//
// # Architecture
//
// A Node runs one DHT per address family it is bound to. Each DHT owns the
// routing table of its family and an rpc.Server per local address; the
// server ids are derived from the node id. Both families share:
//
//   - Database: peers announced to us, per infohash
//   - Storage: BEP 44 items put to us
//   - TokenManager: stateless write tokens
//   - BanList and NonReachableCache: addresses lookups must skip
//   - task.Manager: the queue of lookups and writes
//
// # Starting a node
//
//	cfg := dht.DefaultConfig()
//	cfg.ListenAddrs = []string{"0.0.0.0:6881", "[::]:6881"}
//	node, err := dht.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := node.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Stop()
//
//	peers, err := node.GetPeers(ctx, infoHash)
//
// The blocking operations (FindNode, GetPeers, Announce, GetItem, PutItem
// and Ping) run on every family at once and return when the lookups end or
// ctx is done.
//
// # Query handling
//
// Every query inserts its sender into the routing table as an unverified
// entry, unless it flagged itself read-only. Answers to our own queries
// insert verified entries with their round trip time. A contact that shows
// up with a different id than the one it confirmed earlier is probed; if
// the probe confirms the change, the address is banned for BanDuration and
// the entry evicted.
//
// # Maintenance
//
// Jobs on the scheduler bootstrap the table when it is small (or the last
// lookup of our own id is old), ping buckets whose entries went quiet,
// explore random parts of the keyspace, start queued tasks, expire stored
// peers and revalidate the bound addresses. Bootstrapping is single flight:
// a lookup for our own id seeded with the bootstrap routers, followed by a
// lookup in every bucket that is not full.
package dht
