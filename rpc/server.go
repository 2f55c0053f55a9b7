package rpc

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mainline/key"
	"github.com/opd-ai/mainline/krpc"
	"github.com/opd-ai/mainline/limits"
	"github.com/opd-ai/mainline/scheduler"
	"github.com/opd-ai/mainline/transport"
)

// DefaultMaxActiveCalls bounds the calls in flight per server.
const DefaultMaxActiveCalls = 256

// ErrServerStopped is returned when using a stopped server.
var ErrServerStopped = errors.New("rpc server stopped")

// Message is an inbound message together with its origin.
type Message struct {
	*krpc.Msg
	From netip.AddrPort
	// Call is the matched call for responses and errors.
	Call *Call
}

// Handler consumes what a Server receives.
type Handler interface {
	// HandleMessage is called for queries and for responses and errors that
	// matched one of our calls.
	HandleMessage(srv *Server, m *Message)
	// HandleTimeout is called when a sent call timed out.
	HandleTimeout(srv *Server, c *Call)
}

// Config configures a Server.
type Config struct {
	ID        key.Key
	Transport transport.Transport
	Scheduler *scheduler.Scheduler
	Handler   Handler

	MaxActiveCalls int
	MaxTimeout     time.Duration
	// Version is the client tag sent in the "v" field.
	Version  string
	ReadOnly bool

	// Filter may be shared between servers of the same family.
	Filter *TimeoutFilter
	// Outbound defers calls to busy destinations; Inbound drops requests
	// from spamming sources. Either may be nil.
	Outbound *Throttle
	Inbound  *Throttle
	Metrics  *Metrics
}

// Server runs the request/response protocol over one local endpoint.
type Server struct {
	id         key.Key
	tr         transport.Transport
	sched      *scheduler.Scheduler
	handler    Handler
	filter     *TimeoutFilter
	outbound   *Throttle
	inbound    *Throttle
	metrics    *Metrics
	maxCalls   int
	maxTimeout time.Duration
	version    string
	readOnly   bool

	mu          sync.Mutex
	calls       map[string]*Call
	queue       []*Call
	outstanding map[netip.Addr]int

	votes     addrVotes
	reachable atomic.Bool
	stopped   atomic.Bool

	received, sentQueries, unsolicited atomic.Uint64
}

// NewServer creates a server. Start must be called before it receives.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Transport == nil {
		return nil, errors.New("rpc: transport is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("rpc: handler is required")
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = scheduler.New(nil, 0)
	}
	if cfg.MaxActiveCalls <= 0 {
		cfg.MaxActiveCalls = DefaultMaxActiveCalls
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = MaxTimeout
	}
	if cfg.Filter == nil {
		cfg.Filter = NewTimeoutFilter()
	}
	return &Server{
		id:          cfg.ID,
		tr:          cfg.Transport,
		sched:       cfg.Scheduler,
		handler:     cfg.Handler,
		filter:      cfg.Filter,
		outbound:    cfg.Outbound,
		inbound:     cfg.Inbound,
		metrics:     cfg.Metrics,
		maxCalls:    cfg.MaxActiveCalls,
		maxTimeout:  cfg.MaxTimeout,
		version:     cfg.Version,
		readOnly:    cfg.ReadOnly,
		calls:       make(map[string]*Call),
		outstanding: make(map[netip.Addr]int),
	}, nil
}

// Start attaches the server to its transport.
func (s *Server) Start() {
	s.tr.RegisterHandler(s.onDatagram)
	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"id":       s.id.String(),
		"local":    s.tr.LocalAddr().String(),
	}).Info("RPC server started")
}

// ID returns the node id used by this server.
func (s *Server) ID() key.Key { return s.id }

// LocalAddr returns the bound address.
func (s *Server) LocalAddr() netip.AddrPort { return s.tr.LocalAddr() }

// Family returns the address family of the endpoint.
func (s *Server) Family() transport.Family { return s.tr.Family() }

// Filter returns the timeout filter.
func (s *Server) Filter() *TimeoutFilter { return s.filter }

// Outbound returns the outbound throttle, which may be nil.
func (s *Server) Outbound() *Throttle { return s.outbound }

// Scheduler returns the scheduler the server runs on.
func (s *Server) Scheduler() *scheduler.Scheduler { return s.sched }

// Reachable reports whether unsolicited requests reached us, i.e. we are
// not behind a NAT that filters them.
func (s *Server) Reachable() bool { return s.reachable.Load() }

// Stopped reports whether Stop was called.
func (s *Server) Stopped() bool { return s.stopped.Load() }

// ExternalAddr returns the address most remote nodes report seeing us at.
func (s *Server) ExternalAddr() (netip.AddrPort, bool) { return s.votes.consensus() }

// NumActiveCalls returns the number of calls in flight.
func (s *Server) NumActiveCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// NumPendingCalls returns the number of calls waiting for a slot.
func (s *Server) NumPendingCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// MaxActiveCalls returns the call limit.
func (s *Server) MaxActiveCalls() int { return s.maxCalls }

// ServerStats summarizes a server.
type ServerStats struct {
	ActiveCalls  int
	PendingCalls int
	Received     uint64
	SentQueries  uint64
	Unsolicited  uint64
	StallTimeout time.Duration
	Transport    transport.Stats
}

// Stats returns a summary of the server.
func (s *Server) Stats() ServerStats {
	s.mu.Lock()
	active, pending := len(s.calls), len(s.queue)
	s.mu.Unlock()
	return ServerStats{
		ActiveCalls:  active,
		PendingCalls: pending,
		Received:     s.received.Load(),
		SentQueries:  s.sentQueries.Load(),
		Unsolicited:  s.unsolicited.Load(),
		StallTimeout: s.filter.StallTimeout(),
		Transport:    s.tr.Stats(),
	}
}

// DoCall queues c for sending. Calls beyond the active limit wait in FIFO
// order; calls to throttled destinations are deferred, never dropped.
func (s *Server) DoCall(c *Call) {
	if s.stopped.Load() {
		c.Cancel()
		return
	}
	s.mu.Lock()
	s.queue = append(s.queue, c)
	s.mu.Unlock()
	s.drain()
}

func (s *Server) drain() {
	for {
		s.mu.Lock()
		if s.stopped.Load() || len(s.queue) == 0 || len(s.calls) >= s.maxCalls {
			s.mu.Unlock()
			return
		}
		c := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if c.State() != Unsent {
			continue
		}
		ip := c.Dest().Addr()
		if s.outbound != nil && s.outbound.AddAndTest(ip) {
			delay := s.outbound.EstimateDeferral(ip)
			s.metrics.observeThrottled()
			s.sched.After(delay, func() { s.requeue(c) })
			continue
		}
		s.dispatch(c)
	}
}

func (s *Server) requeue(c *Call) {
	if s.stopped.Load() {
		c.Cancel()
		return
	}
	s.mu.Lock()
	s.queue = append([]*Call{c}, s.queue...)
	s.mu.Unlock()
	s.drain()
}

func (s *Server) dispatch(c *Call) {
	req := c.Request()
	if req.A == nil {
		req.A = &krpc.Args{}
	}
	req.A.ID = s.id
	req.Y = krpc.Query
	req.V = s.version
	if s.readOnly {
		req.RO = 1
	}

	// the finishing listener goes first so a cancel at any later point
	// still releases the slot
	c.AddListener(func(ev Event) {
		if ev.Next == Stalled {
			s.metrics.observeStall()
		}
		if ev.Next.Terminal() {
			s.sched.Execute(func() { s.finish(ev.Call) })
		}
	})

	s.mu.Lock()
	for {
		req.T = newTransactionID()
		if _, taken := s.calls[req.T]; !taken {
			break
		}
	}
	s.calls[req.T] = c
	s.outstanding[c.Dest().Addr()]++
	s.mu.Unlock()

	data, err := krpc.Encode(req, s.tr.Family().MaxPacketSize())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"method":   req.Q,
			"dest":     c.Dest().String(),
			"error":    err.Error(),
		}).Warn("Failed to encode query")
		s.forget(c)
		c.Cancel()
		return
	}

	s.filter.Register(c)
	stall := s.filter.StallTimeout()
	if !c.markSent(s.sched.Now(), stall) {
		// cancelled while being dispatched
		s.forget(c)
		return
	}
	if stall < s.maxTimeout {
		c.addTimer(s.sched.After(stall, func() { c.markStalled() }))
	}
	c.addTimer(s.sched.After(s.maxTimeout, func() { c.Cancel() }))

	s.sentQueries.Add(1)
	s.metrics.observeSent(req.Q)
	s.tr.Send(data, c.Dest())
}

func (s *Server) forget(c *Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := c.Request().T
	if s.calls[t] != c {
		return
	}
	delete(s.calls, t)
	ip := c.Dest().Addr()
	if s.outstanding[ip]--; s.outstanding[ip] <= 0 {
		delete(s.outstanding, ip)
	}
}

func (s *Server) finish(c *Call) {
	s.forget(c)
	s.metrics.observeFinished(c)
	if c.State() == Timeout && !c.SentTime().IsZero() && !s.stopped.Load() {
		s.handler.HandleTimeout(s, c)
	}
	s.drain()
}

func newTransactionID() string {
	b := make([]byte, limits.TransactionIDLength)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("rpc: read random transaction id: %v", err))
	}
	return string(b)
}

// SendMessage sends a response or error built by the handler. Responses
// carry the requester's address in the "ip" field.
func (s *Server) SendMessage(m *krpc.Msg, to netip.AddrPort) error {
	if s.stopped.Load() {
		return ErrServerStopped
	}
	if m.V == "" {
		m.V = s.version
	}
	if m.Y == krpc.Response {
		if m.R != nil {
			m.R.ID = s.id
		}
		if m.IP == nil {
			ip := krpc.NewCompactAddr(to)
			m.IP = &ip
		}
	}
	data, err := krpc.Encode(m, s.tr.Family().MaxPacketSize())
	if err != nil {
		return fmt.Errorf("send %s to %s: %w", m.Y, to, err)
	}
	if m.Y == krpc.ErrorMsg && m.E != nil {
		s.metrics.observeErrorSent(m.E.Code)
	}
	s.tr.Send(data, to)
	return nil
}

func (s *Server) sendError(t string, code int, msg string, to netip.AddrPort) {
	if err := s.SendMessage(krpc.NewError(t, code, msg), to); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendError",
			"code":     code,
			"to":       to.String(),
			"error":    err.Error(),
		}).Debug("Failed to send error reply")
	}
}

func (s *Server) onDatagram(data []byte, from netip.AddrPort) {
	if s.stopped.Load() {
		return
	}
	s.received.Add(1)

	m, err := krpc.Decode(data)
	if err != nil {
		s.onMalformed(m, err, from)
		return
	}
	s.metrics.observeReceived(m.Y)

	switch m.Y {
	case krpc.Query:
		s.onQuery(m, from)
	case krpc.Response, krpc.ErrorMsg:
		s.onReply(m, from)
	}
}

func (s *Server) onMalformed(m *krpc.Msg, err error, from netip.AddrPort) {
	var kerr *krpc.Error
	if m == nil || m.T == "" || !errors.As(err, &kerr) {
		logrus.WithFields(logrus.Fields{
			"function": "onDatagram",
			"from":     from.String(),
			"error":    err.Error(),
		}).Debug("Dropping undecodable datagram")
		return
	}
	if m.Y == krpc.Response || m.Y == krpc.ErrorMsg {
		// a broken reply still settles the call it answers
		s.mu.Lock()
		c := s.calls[m.T]
		s.mu.Unlock()
		if c != nil && c.Dest() == from {
			c.markError(krpc.NewError(m.T, kerr.Code, kerr.Msg), from, s.sched.Now())
		}
		return
	}
	s.sendError(m.T, kerr.Code, kerr.Msg, from)
}

func (s *Server) onQuery(m *krpc.Msg, from netip.AddrPort) {
	if s.readOnly {
		return
	}
	if s.inbound != nil && s.inbound.AddAndTest(from.Addr()) {
		s.metrics.observeDropped()
		return
	}
	s.mu.Lock()
	solicited := s.outstanding[from.Addr()] > 0
	s.mu.Unlock()
	if !solicited {
		s.unsolicited.Add(1)
		if !s.reachable.Swap(true) {
			logrus.WithFields(logrus.Fields{
				"function": "onQuery",
				"local":    s.LocalAddr().String(),
			}).Info("Endpoint is reachable from the outside")
		}
	}
	s.handler.HandleMessage(s, &Message{Msg: m, From: from})
}

func (s *Server) onReply(m *krpc.Msg, from netip.AddrPort) {
	s.mu.Lock()
	c := s.calls[m.T]
	s.mu.Unlock()

	if c == nil {
		if m.Y == krpc.Response && len(m.T) == limits.TransactionIDLength {
			s.sendError(m.T, krpc.ErrCodeServer,
				"received a response message whose transaction ID did not match a pending request or transaction expired", from)
		}
		return
	}

	if c.Dest() != from {
		c.markSocketMismatch()
		logrus.WithFields(logrus.Fields{
			"function": "onReply",
			"dest":     c.Dest().String(),
			"from":     from.String(),
		}).Debug("Reply arrived from unexpected address")
		if m.Y != krpc.Response {
			return
		}
		s.sendError(m.T, krpc.ErrCodeGeneric, fmt.Sprintf(
			"A request was sent to %s and a response with matching transaction id was received from %s. "+
				"Multihomed nodes should ensure that sockets are properly bound and responses are sent with the correct source socket address. See BEPs 32 and 45.",
			c.Dest(), from), from)
		return
	}

	now := s.sched.Now()
	if m.Y == krpc.ErrorMsg {
		if !c.markError(m, from, now) {
			return
		}
	} else {
		if !c.markResponded(m, from, now) {
			return
		}
		if m.IP != nil && m.IP.IsValid() && !c.SocketMismatch() {
			s.votes.add(m.IP.AddrPort)
		}
	}
	s.handler.HandleMessage(s, &Message{Msg: m, From: from, Call: c})
}

// Stop cancels every queued and in-flight call and closes the transport.
func (s *Server) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	active := make([]*Call, 0, len(s.calls))
	for _, c := range s.calls {
		active = append(active, c)
	}
	s.mu.Unlock()

	for _, c := range pending {
		c.Cancel()
	}
	for _, c := range active {
		c.Cancel()
	}
	logrus.WithFields(logrus.Fields{
		"function":  "Stop",
		"local":     s.LocalAddr().String(),
		"cancelled": len(pending) + len(active),
	}).Info("RPC server stopped")
	return s.tr.Close()
}

// addrVotes keeps the external addresses reported by the last responders.
type addrVotes struct {
	mu   sync.Mutex
	ring [16]netip.AddrPort
	n    int
}

const minVotes = 3

func (v *addrVotes) add(a netip.AddrPort) {
	a = netip.AddrPortFrom(a.Addr().Unmap(), a.Port())
	v.mu.Lock()
	v.ring[v.n%len(v.ring)] = a
	v.n++
	v.mu.Unlock()
}

func (v *addrVotes) consensus() (netip.AddrPort, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	counts := make(map[netip.AddrPort]int)
	var best netip.AddrPort
	for _, a := range v.ring {
		if !a.IsValid() {
			continue
		}
		counts[a]++
		if counts[a] > counts[best] {
			best = a
		}
	}
	return best, counts[best] >= minVotes
}
