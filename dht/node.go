package dht

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/mainline/crypto"
	"github.com/opd-ai/mainline/key"
	"github.com/opd-ai/mainline/krpc"
	"github.com/opd-ai/mainline/routing"
	"github.com/opd-ai/mainline/rpc"
	"github.com/opd-ai/mainline/scheduler"
	"github.com/opd-ai/mainline/task"
	"github.com/opd-ai/mainline/transport"
)

// ErrNotFound is returned by GetItem when no node returned a valid item.
var ErrNotFound = errors.New("item not found")

// Node is a mainline DHT node. It runs one DHT per address family it is
// bound to; both share the peer database, item storage, tokens and task
// manager.
type Node struct {
	cfg         *Config
	sched       *scheduler.Scheduler
	ownSched    bool
	manager     *task.Manager
	db          *Database
	storage     *Storage
	tokens      *TokenManager
	unreachable *NonReachableCache
	bans        *BanList

	mu      sync.Mutex
	dhts    map[transport.Family]*DHT
	jobs    []*scheduler.Handle
	started atomic.Bool
	stopped atomic.Bool
}

// New creates a node from cfg. A nil cfg selects DefaultConfig. The node
// binds nothing until Start.
func New(cfg *Config) (*Node, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	c.ListenAddrs = slices.Clone(cfg.ListenAddrs)
	c.BootstrapNodes = slices.Clone(cfg.BootstrapNodes)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if c.NodeID.IsZero() {
		c.NodeID = key.Random()
	}

	sched := c.Scheduler
	ownSched := sched == nil
	if ownSched {
		sched = scheduler.New(c.Clock, c.Workers)
	}
	clk := sched.Clock()

	db, err := NewDatabase(c.MaxTorrents, c.MaxPeersPerTorrent, c.PeerExpiry, clk)
	if err != nil {
		return nil, err
	}
	tokens, err := NewTokenManager(c.TokenTimeout, clk)
	if err != nil {
		return nil, err
	}
	storage, err := NewStorage(c.StorageMaxCost, c.ItemLifetime, clk)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:         &c,
		sched:       sched,
		ownSched:    ownSched,
		manager:     task.NewManager(c.MaxActiveTasks, c.CallReserve, task.NewMetrics(c.Registerer)),
		db:          db,
		storage:     storage,
		tokens:      tokens,
		unreachable: NewNonReachableCache(c.UnreachableSize, c.UnreachableTTL, clk),
		bans:        NewBanList(c.BanDuration, clk),
		dhts:        make(map[transport.Family]*DHT),
	}
	n.registerGauges()
	return n, nil
}

// ID returns the base node id.
func (n *Node) ID() key.Key { return n.cfg.NodeID }

// Database returns the store of announced peers.
func (n *Node) Database() *Database { return n.db }

// Storage returns the store of BEP 44 items.
func (n *Node) Storage() *Storage { return n.storage }

// Start binds the configured addresses and starts the maintenance jobs.
func (n *Node) Start(ctx context.Context) error {
	if n.stopped.Load() {
		return ErrStopped
	}
	if !n.started.CompareAndSwap(false, true) {
		return errors.New("dht already started")
	}
	transports, err := n.openTransports(ctx)
	if err != nil {
		return err
	}

	byFamily := make(map[transport.Family][]transport.Transport)
	for _, tr := range transports {
		byFamily[tr.Family()] = append(byFamily[tr.Family()], tr)
	}
	var dhts []*DHT
	for _, f := range []transport.Family{transport.IPv4, transport.IPv6} {
		if len(byFamily[f]) == 0 {
			continue
		}
		d := newDHT(n, f)
		if len(n.cfg.Transports) > 0 {
			// injected transports are not bound to host interfaces
			d.interfaceAddrs = nil
		}
		for i, tr := range byFamily[f] {
			if _, err := d.addServer(tr, i); err != nil {
				for _, tr := range transports {
					_ = tr.Close()
				}
				return fmt.Errorf("start %s server: %w", f, err)
			}
		}
		dhts = append(dhts, d)
	}
	if len(dhts) == 2 {
		dhts[0].setSibling(dhts[1])
		dhts[1].setSibling(dhts[0])
	}

	n.mu.Lock()
	for _, d := range dhts {
		n.dhts[d.family] = d
	}
	n.jobs = []*scheduler.Handle{
		n.sched.Every(n.cfg.DequeueInterval, n.cfg.DequeueInterval, n.manager.Dequeue),
		n.sched.Every(n.cfg.ExpiryInterval, n.cfg.ExpiryInterval, n.expire),
	}
	n.mu.Unlock()
	for _, d := range dhts {
		d.start()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"id":       n.cfg.NodeID.String(),
		"families": len(dhts),
		"servers":  len(transports),
	}).Info("DHT node started")
	return nil
}

// openTransports binds every listen address in parallel.
func (n *Node) openTransports(ctx context.Context) ([]transport.Transport, error) {
	if len(n.cfg.Transports) > 0 {
		return slices.Clone(n.cfg.Transports), nil
	}
	out := make([]transport.Transport, len(n.cfg.ListenAddrs))
	g, gctx := errgroup.WithContext(ctx)
	for i, addr := range n.cfg.ListenAddrs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ap := netip.MustParseAddrPort(addr)
			tr, err := transport.NewUDPTransport(addr, transport.FamilyOf(ap.Addr()), n.sched)
			if err != nil {
				return err
			}
			out[i] = tr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, tr := range out {
			if tr != nil {
				err = multierr.Append(err, tr.Close())
			}
		}
		return nil, err
	}
	return out, nil
}

// Stop kills every task, stops the servers and releases the storage. It is
// safe to call more than once.
func (n *Node) Stop() error {
	if !n.stopped.CompareAndSwap(false, true) {
		return nil
	}
	n.mu.Lock()
	jobs := n.jobs
	n.jobs = nil
	n.mu.Unlock()
	for _, h := range jobs {
		h.Cancel()
	}
	n.manager.KillAll()

	var err error
	for _, d := range n.families() {
		err = multierr.Append(err, d.stop())
	}
	n.storage.Close()
	n.tokens.Close()
	if n.ownSched {
		n.sched.Shutdown()
	}
	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"id":       n.cfg.NodeID.String(),
	}).Info("DHT node stopped")
	return err
}

// DHT returns the DHT of family f, or nil.
func (n *Node) DHT(f transport.Family) *DHT {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dhts[f]
}

func (n *Node) families() []*DHT {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*DHT, 0, 2)
	for _, f := range []transport.Family{transport.IPv4, transport.IPv6} {
		if d := n.dhts[f]; d != nil {
			out = append(out, d)
		}
	}
	return out
}

// LocalAddrs returns the addresses of the running servers.
func (n *Node) LocalAddrs() []netip.AddrPort {
	var out []netip.AddrPort
	for _, d := range n.families() {
		for _, s := range d.Servers() {
			out = append(out, s.LocalAddr())
		}
	}
	return out
}

func (n *Node) expire() {
	peers := n.db.Expire()
	unreachable := n.unreachable.Expire()
	if peers > 0 || unreachable > 0 {
		logrus.WithFields(logrus.Fields{
			"function":    "expire",
			"peers":       peers,
			"unreachable": unreachable,
		}).Debug("Expired stale records")
	}
}

// eachFamily runs fn on every family concurrently. A family without a
// running server is skipped; if no family could run, ErrNoServer is
// returned.
func (n *Node) eachFamily(ctx context.Context, fn func(ctx context.Context, d *DHT) error) error {
	if n.stopped.Load() {
		return ErrStopped
	}
	dhts := n.families()
	if len(dhts) == 0 {
		return ErrNoServer
	}
	var skipped atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range dhts {
		g.Go(func() error {
			err := fn(gctx, d)
			if errors.Is(err, ErrNoServer) {
				skipped.Add(1)
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if int(skipped.Load()) == len(dhts) {
		return ErrNoServer
	}
	return nil
}

// FindNode looks up the nodes closest to target.
func (n *Node) FindNode(ctx context.Context, target key.Key) ([]krpc.NodeInfo, error) {
	var (
		mu  sync.Mutex
		out []krpc.NodeInfo
	)
	err := n.eachFamily(ctx, func(ctx context.Context, d *DHT) error {
		nodes, err := d.findNode(ctx, target)
		mu.Lock()
		out = append(out, nodes...)
		mu.Unlock()
		return err
	})
	slices.SortFunc(out, func(a, b krpc.NodeInfo) int {
		return target.ThreeWayDistance(a.ID, b.ID)
	})
	return out, err
}

// GetPeers looks up the peers of infoHash.
func (n *Node) GetPeers(ctx context.Context, infoHash key.Key) ([]netip.AddrPort, error) {
	var (
		mu   sync.Mutex
		seen = make(map[netip.AddrPort]struct{})
		out  []netip.AddrPort
	)
	err := n.eachFamily(ctx, func(ctx context.Context, d *DHT) error {
		srv := d.server()
		if srv == nil {
			return ErrNoServer
		}
		pl, err := d.getPeers(ctx, srv, infoHash, task.PeerLookupOptions{})
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		for _, p := range pl.Peers() {
			if _, dup := seen[p]; !dup {
				seen[p] = struct{}{}
				out = append(out, p)
			}
		}
		return nil
	})
	return out, err
}

// Announce looks up infoHash and announces us as a peer on port to the
// closest nodes. It returns the number of nodes that accepted.
func (n *Node) Announce(ctx context.Context, infoHash key.Key, port int, seed bool) (int, error) {
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %d", port)
	}
	var acked atomic.Int32
	err := n.eachFamily(ctx, func(ctx context.Context, d *DHT) error {
		k, err := d.announce(ctx, infoHash, port, seed)
		acked.Add(int32(k))
		return err
	})
	return int(acked.Load()), err
}

// GetItem looks up a BEP 44 item. For mutable items the valid copy with
// the highest sequence number wins.
func (n *Node) GetItem(ctx context.Context, target key.Key, opts task.GetOptions) (*crypto.Item, error) {
	var (
		mu   sync.Mutex
		best *crypto.Item
	)
	err := n.eachFamily(ctx, func(ctx context.Context, d *DHT) error {
		srv := d.server()
		if srv == nil {
			return ErrNoServer
		}
		g, err := d.getItem(ctx, srv, target, opts)
		if err != nil {
			return err
		}
		if it := g.Item(); it != nil {
			mu.Lock()
			if best == nil || it.Seq > best.Seq {
				best = it
			}
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if best == nil {
		if it, ok := n.storage.Get(target); ok {
			return it, nil
		}
		return nil, ErrNotFound
	}
	return best, nil
}

// PutItem stores item on the nodes closest to its target. For mutable items
// cas, if set, makes nodes reject the put unless their copy has that
// sequence number. It returns the number of nodes that accepted.
func (n *Node) PutItem(ctx context.Context, item *crypto.Item, cas *int64) (int, error) {
	if err := item.Verify(); err != nil {
		return 0, fmt.Errorf("put item: %w", err)
	}
	var acked atomic.Int32
	err := n.eachFamily(ctx, func(ctx context.Context, d *DHT) error {
		k, err := d.putItem(ctx, item, cas)
		acked.Add(int32(k))
		return err
	})
	return int(acked.Load()), err
}

// Ping queries addr and returns the id it answered with.
func (n *Node) Ping(ctx context.Context, addr netip.AddrPort) (key.Key, error) {
	if n.stopped.Load() {
		return key.Key{}, ErrStopped
	}
	d := n.DHT(transport.FamilyOf(addr.Addr()))
	if d == nil {
		return key.Key{}, ErrNoServer
	}
	return d.ping(ctx, addr)
}

// FamilyStats summarizes one DHT.
type FamilyStats struct {
	Family    transport.Family
	Table     routing.Stats
	Bootstrap BootstrapState
	Servers   []rpc.ServerStats
}

// Stats summarizes a node.
type Stats struct {
	ID           key.Key
	Families     []FamilyStats
	Torrents     int
	Peers        int
	RunningTasks int
	QueuedTasks  int
	Banned       int
	Unreachable  int
}

// Stats returns a summary of the node.
func (n *Node) Stats() Stats {
	s := Stats{
		ID:          n.cfg.NodeID,
		Torrents:    n.db.NumTorrents(),
		Peers:       n.db.NumPeers(),
		Banned:      n.bans.Len(),
		Unreachable: n.unreachable.Len(),
	}
	s.RunningTasks, s.QueuedTasks = n.manager.NumTasks()
	for _, d := range n.families() {
		fs := FamilyStats{
			Family:    d.family,
			Table:     d.table.Stats(),
			Bootstrap: d.BootstrapState(),
		}
		for _, srv := range d.Servers() {
			fs.Servers = append(fs.Servers, srv.Stats())
		}
		s.Families = append(s.Families, fs)
	}
	return s
}

func (n *Node) registerGauges() {
	reg := n.cfg.Registerer
	if reg == nil {
		return
	}
	gauge := func(name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      name,
			Help:      help,
		}, fn)
	}
	reg.MustRegister(
		gauge("torrents", "Infohashes with announced peers.", func() float64 {
			return float64(n.db.NumTorrents())
		}),
		gauge("peers", "Announced peers over all infohashes.", func() float64 {
			return float64(n.db.NumPeers())
		}),
		gauge("tasks_running", "Running tasks.", func() float64 {
			running, _ := n.manager.NumTasks()
			return float64(running)
		}),
		gauge("tasks_queued", "Tasks waiting for capacity.", func() float64 {
			_, queued := n.manager.NumTasks()
			return float64(queued)
		}),
	)
}
