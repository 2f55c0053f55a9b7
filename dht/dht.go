package dht

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/mainline/crypto"
	"github.com/opd-ai/mainline/key"
	"github.com/opd-ai/mainline/krpc"
	"github.com/opd-ai/mainline/routing"
	"github.com/opd-ai/mainline/rpc"
	"github.com/opd-ai/mainline/scheduler"
	"github.com/opd-ai/mainline/task"
	"github.com/opd-ai/mainline/transport"
)

var (
	// ErrNoServer is returned when a family has no running server.
	ErrNoServer = errors.New("no running server")
	// ErrStopped is returned by operations on a stopped node.
	ErrStopped = errors.New("dht stopped")
	// ErrTimeout is returned when a queried node never answered.
	ErrTimeout = errors.New("query timed out")
)

// DHT is the part of a node that serves one address family. It owns the
// routing table of that family and one RPC server per bound address, and
// shares the peer database, item storage and task manager with its sibling.
type DHT struct {
	family      transport.Family
	cfg         *Config
	sched       *scheduler.Scheduler
	table       *routing.Table
	manager     *task.Manager
	db          *Database
	storage     *Storage
	tokens      *TokenManager
	unreachable *NonReachableCache
	bans        *BanList
	metrics     *Metrics

	filter   *rpc.TimeoutFilter
	outbound *rpc.Throttle
	inbound  *rpc.Throttle

	sibling atomic.Pointer[DHT]

	mu      sync.Mutex
	servers []*rpc.Server
	probing map[netip.AddrPort]struct{}
	probes  map[*rpc.Call]struct{}
	jobs    []*scheduler.Handle

	boot bootstrapper
	// interfaceAddrs lists the addresses of the host's interfaces for
	// bind revalidation.
	interfaceAddrs func() ([]netip.Addr, error)

	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
}

func newDHT(n *Node, family transport.Family) *DHT {
	clk := n.sched.Clock()
	ctx, cancel := context.WithCancel(context.Background())
	d := &DHT{
		family:         family,
		cfg:            n.cfg,
		sched:          n.sched,
		manager:        n.manager,
		db:             n.db,
		storage:        n.storage,
		tokens:         n.tokens,
		unreachable:    n.unreachable,
		bans:           n.bans,
		metrics:        newMetrics(n.cfg.Registerer, family.String()),
		filter:         rpc.NewTimeoutFilter(),
		outbound:       rpc.NewDefaultThrottle(clk),
		inbound:        rpc.NewDefaultThrottle(clk),
		probing:        make(map[netip.AddrPort]struct{}),
		probes:         make(map[*rpc.Call]struct{}),
		interfaceAddrs: hostAddrs,
		ctx:            ctx,
		cancel:         cancel,
	}
	d.table = routing.NewTable(routing.Config{
		BucketSize:      n.cfg.BucketSize,
		ReplacementSize: n.cfg.ReplacementSize,
		Reject:          d.rejectIP,
		Clock:           clk,
	})
	d.boot.resolve = lookupNetIP
	d.metrics.registerGauges(d)
	return d
}

// Family returns the address family d serves.
func (d *DHT) Family() transport.Family { return d.family }

// Table returns the routing table.
func (d *DHT) Table() *routing.Table { return d.table }

// Sibling returns the DHT of the other family, or nil.
func (d *DHT) Sibling() *DHT { return d.sibling.Load() }

func (d *DHT) setSibling(o *DHT) { d.sibling.Store(o) }

// addServer creates and starts a server on tr. Its id is derived from the
// node id with idx.
func (d *DHT) addServer(tr transport.Transport, idx int) (*rpc.Server, error) {
	var metrics *rpc.Metrics
	if d.cfg.Registerer != nil {
		metrics = rpc.NewMetrics(d.cfg.Registerer, tr.LocalAddr().String())
	}
	srv, err := rpc.NewServer(rpc.Config{
		ID:             d.cfg.NodeID.Derive(idx),
		Transport:      tr,
		Scheduler:      d.sched,
		Handler:        d,
		MaxActiveCalls: d.cfg.MaxActiveCalls,
		MaxTimeout:     d.cfg.MaxTimeout,
		Version:        d.cfg.Version,
		ReadOnly:       d.cfg.ReadOnly,
		Filter:         d.filter,
		Outbound:       d.outbound,
		Inbound:        d.inbound,
		Metrics:        metrics,
	})
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.servers = append(d.servers, srv)
	d.mu.Unlock()
	d.syncLocalIDs()
	srv.Start()
	return srv, nil
}

func (d *DHT) syncLocalIDs() {
	d.mu.Lock()
	ids := make([]key.Key, 0, len(d.servers))
	for _, s := range d.servers {
		ids = append(ids, s.ID())
	}
	d.mu.Unlock()
	d.table.SetLocalIDs(ids)
}

// Servers returns the running servers.
func (d *DHT) Servers() []*rpc.Server {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*rpc.Server, 0, len(d.servers))
	for _, s := range d.servers {
		if !s.Stopped() {
			out = append(out, s)
		}
	}
	return out
}

// server picks a random running server, preferring those reachable from
// the outside.
func (d *DHT) server() *rpc.Server {
	servers := d.Servers()
	if len(servers) == 0 {
		return nil
	}
	reachable := slices.DeleteFunc(slices.Clone(servers), func(s *rpc.Server) bool { return !s.Reachable() })
	if len(reachable) > 0 {
		servers = reachable
	}
	return servers[rand.IntN(len(servers))]
}

func (d *DHT) rejectIP(ip netip.Addr) bool {
	return d.bans.Banned(ip) || (!d.cfg.AllowLocalAddresses && transport.IsBogon(ip))
}

// rejectNode filters nodes that must not be queried or stored.
func (d *DHT) rejectNode(addr netip.AddrPort, id key.Key) bool {
	return addr.Port() == 0 ||
		!d.family.Matches(addr.Addr()) ||
		d.table.IsLocalID(id) ||
		d.rejectIP(addr.Addr()) ||
		d.unreachable.Unreachable(addr)
}

// env returns the lookup environment of d.
func (d *DHT) env() task.Env {
	env := task.Env{
		K:           d.table.K(),
		Concurrency: d.cfg.Concurrency,
		Reject:      d.rejectNode,
	}
	if sib := d.Sibling(); sib != nil {
		env.OtherFamily = sib.adoptNodes
		env.Want = []string{d.family.Want(), sib.family.Want()}
	}
	return env
}

// adoptNodes inserts nodes learned through the other family as unverified
// entries.
func (d *DHT) adoptNodes(nodes []krpc.NodeInfo) {
	now := d.sched.Now()
	for _, n := range nodes {
		if d.rejectNode(n.Addr, n.ID) {
			continue
		}
		d.table.Insert(routing.NewEntry(n.ID, n.Addr, now), 0)
	}
}

// seeds returns the entries a lookup for target starts from.
func (d *DHT) seeds(target key.Key) []*routing.Entry {
	return d.table.ClosestSearch(target, 2*d.table.K(), (*routing.Entry).EligibleForLocalLookup)
}

func (d *DHT) newNodeLookup(srv *rpc.Server, target key.Key) *task.NodeLookup {
	nl := task.NewNodeLookup(srv, target, d.env())
	nl.AddSeeds(d.seeds(target))
	return nl
}

// HandleMessage implements rpc.Handler.
func (d *DHT) HandleMessage(srv *rpc.Server, m *rpc.Message) {
	if d.stopped.Load() {
		return
	}
	switch {
	case m.IsQuery():
		d.handleQuery(srv, m)
	case m.Call == nil:
	case m.Y == krpc.ErrorMsg:
		d.handleError(m)
	default:
		d.handleResponse(srv, m)
	}
}

func (d *DHT) handleResponse(srv *rpc.Server, m *rpc.Message) {
	c := m.Call
	if c.SocketMismatch() || d.isProbe(c) {
		return
	}
	id, ok := m.SenderID()
	if !ok || d.table.IsLocalID(id) {
		return
	}
	if !d.checkIdentity(srv, m.From, id) {
		return
	}
	now := d.sched.Now()
	rtt := c.RTT()
	e := routing.NewEntry(id, m.From, now)
	e.SetVersion(m.V)
	e.SignalResponse(now, rtt)
	d.table.Insert(e, routing.RelaxedSplit)
	d.table.EntryForID(id).Bucket().NotifyOfResponse(m.From, id, rtt, now)
	d.unreachable.Success(m.From)
}

func (d *DHT) handleError(m *rpc.Message) {
	// an error still proves the node is alive
	d.unreachable.Success(m.From)
	if m.E != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleError",
			"from":     m.From.String(),
			"method":   m.Call.Method(),
			"code":     m.E.Code,
			"message":  m.E.Msg,
		}).Debug("Query answered with error")
	}
}

// HandleTimeout implements rpc.Handler.
func (d *DHT) HandleTimeout(_ *rpc.Server, c *rpc.Call) {
	var expected *key.Key
	if id, ok := c.ExpectedID(); ok {
		expected = &id
	}
	d.table.OnTimeout(c.Dest(), expected)
	d.unreachable.Failed(c.Dest())
}

// run hands t to the manager and waits for it to end.
func (d *DHT) run(ctx context.Context, t *task.Task) error {
	d.manager.AddPriority(t)
	select {
	case <-t.Done():
		return nil
	case <-ctx.Done():
		t.Kill()
		return ctx.Err()
	}
}

func (d *DHT) findNode(ctx context.Context, target key.Key) ([]krpc.NodeInfo, error) {
	srv := d.server()
	if srv == nil {
		return nil, ErrNoServer
	}
	nl := d.newNodeLookup(srv, target)
	if err := d.run(ctx, nl.Task); err != nil {
		return nil, err
	}
	return nl.Closest(), nil
}

func (d *DHT) getPeers(ctx context.Context, srv *rpc.Server, ih key.Key, opts task.PeerLookupOptions) (*task.PeerLookup, error) {
	pl := task.NewPeerLookup(srv, ih, d.env(), opts)
	pl.AddSeeds(d.seeds(ih))
	if err := d.run(ctx, pl.Task); err != nil {
		return nil, err
	}
	return pl, nil
}

func (d *DHT) announce(ctx context.Context, ih key.Key, port int, seed bool) (int, error) {
	srv := d.server()
	if srv == nil {
		return 0, ErrNoServer
	}
	pl, err := d.getPeers(ctx, srv, ih, task.PeerLookupOptions{})
	if err != nil {
		return 0, err
	}
	at := task.NewAnnounceTask(srv, ih, port, seed, pl.AnnounceTargets(), d.cfg.Concurrency)
	if err := d.run(ctx, at.Task); err != nil {
		return at.Acked(), err
	}
	return at.Acked(), nil
}

func (d *DHT) getItem(ctx context.Context, srv *rpc.Server, target key.Key, opts task.GetOptions) (*task.GetLookup, error) {
	g := task.NewGetLookup(srv, target, d.env(), opts)
	g.AddSeeds(d.seeds(target))
	if err := d.run(ctx, g.Task); err != nil {
		return nil, err
	}
	return g, nil
}

func (d *DHT) putItem(ctx context.Context, item *crypto.Item, cas *int64) (int, error) {
	srv := d.server()
	if srv == nil {
		return 0, ErrNoServer
	}
	// a full lookup so the closest nodes hand out tokens
	g := task.NewGetLookup(srv, item.Target(), d.env(), task.GetOptions{
		Mutable: item.Mutable,
		Salt:    item.Salt,
	})
	g.AddSeeds(d.seeds(item.Target()))
	if err := d.run(ctx, g.Task); err != nil {
		return 0, err
	}
	pt := task.NewPutTask(srv, item, cas, g.PutTargets(), d.cfg.Concurrency)
	if err := d.run(ctx, pt.Task); err != nil {
		return pt.Acked(), err
	}
	if pt.Acked() == 0 {
		if kerr := pt.LastError(); kerr != nil {
			return 0, kerr
		}
	}
	return pt.Acked(), nil
}

func (d *DHT) ping(ctx context.Context, addr netip.AddrPort) (key.Key, error) {
	srv := d.server()
	if srv == nil {
		return key.Key{}, ErrNoServer
	}
	c := rpc.NewCall(krpc.NewQuery(krpc.Ping, nil), addr)
	done := make(chan struct{}, 1)
	c.AddListener(func(ev rpc.Event) {
		if ev.Next.Terminal() {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})
	srv.DoCall(c)
	select {
	case <-done:
	case <-ctx.Done():
		c.Cancel()
		return key.Key{}, ctx.Err()
	}
	switch c.State() {
	case rpc.Responded:
		id, _ := c.ResponderID()
		return id, nil
	case rpc.Error:
		if r := c.Response(); r != nil && r.E != nil {
			return key.Key{}, r.E
		}
	}
	return key.Key{}, ErrTimeout
}

// start schedules the periodic jobs of d.
func (d *DHT) start() {
	d.mu.Lock()
	d.jobs = d.scheduleJobs()
	d.mu.Unlock()
	logrus.WithFields(logrus.Fields{
		"function": "start",
		"family":   d.family.String(),
		"servers":  len(d.Servers()),
	}).Info("DHT started")
}

// stop cancels the jobs and stops every server.
func (d *DHT) stop() error {
	if !d.stopped.CompareAndSwap(false, true) {
		return nil
	}
	d.cancel()
	d.mu.Lock()
	jobs := d.jobs
	d.jobs = nil
	servers := slices.Clone(d.servers)
	d.mu.Unlock()
	for _, h := range jobs {
		h.Cancel()
	}
	var err error
	for _, s := range servers {
		err = multierr.Append(err, s.Stop())
	}
	logrus.WithFields(logrus.Fields{
		"function": "stop",
		"family":   d.family.String(),
	}).Info("DHT stopped")
	return err
}
