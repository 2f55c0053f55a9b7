package rpc

import (
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/mainline/key"
	"github.com/opd-ai/mainline/krpc"
	"github.com/opd-ai/mainline/scheduler"
)

// State is the lifecycle stage of a Call. States only move forward.
type State int32

const (
	Unsent State = iota
	Sent
	Stalled
	Responded
	Error
	Timeout
)

func (s State) String() string {
	switch s {
	case Unsent:
		return "unsent"
	case Sent:
		return "sent"
	case Stalled:
		return "stalled"
	case Responded:
		return "responded"
	case Error:
		return "error"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s >= Responded
}

// Event describes one state transition of a call.
type Event struct {
	Call *Call
	Prev State
	Next State
}

// Listener observes state transitions. Listeners run synchronously under
// the call's lock: they may read the call but must not transition it, and
// should hand longer work to a scheduler.
type Listener func(Event)

type reply struct {
	msg  *krpc.Msg
	from netip.AddrPort
}

// Call is one request and its outcome.
type Call struct {
	req  *krpc.Msg
	dest netip.AddrPort

	expectedID     atomic.Pointer[key.Key]
	knownReachable atomic.Bool
	socketMismatch atomic.Bool

	state        atomic.Int32
	resp         atomic.Pointer[reply]
	sentAt       atomic.Int64
	respondedAt  atomic.Int64
	stallTimeout atomic.Int64

	mu        sync.Mutex
	listeners []Listener
	timers    []*scheduler.Handle
}

// NewCall prepares a call of req to dest.
func NewCall(req *krpc.Msg, dest netip.AddrPort) *Call {
	return &Call{
		req:  req,
		dest: netip.AddrPortFrom(dest.Addr().Unmap(), dest.Port()),
	}
}

// Request returns the query message.
func (c *Call) Request() *krpc.Msg { return c.req }

// Method returns the query method.
func (c *Call) Method() string { return c.req.Q }

// Dest returns the address the query goes to.
func (c *Call) Dest() netip.AddrPort { return c.dest }

// SetExpectedID records the id we believe the destination has.
func (c *Call) SetExpectedID(id key.Key) { c.expectedID.Store(&id) }

// ExpectedID returns the id set by SetExpectedID.
func (c *Call) ExpectedID() (key.Key, bool) {
	if id := c.expectedID.Load(); id != nil {
		return *id, true
	}
	return key.Key{}, false
}

// SetKnownReachable marks the destination as one that answered before. Only
// such calls feed the timeout filter.
func (c *Call) SetKnownReachable(v bool) { c.knownReachable.Store(v) }

// KnownReachable reports what SetKnownReachable recorded.
func (c *Call) KnownReachable() bool { return c.knownReachable.Load() }

// SocketMismatch reports whether a reply with our transaction id arrived
// from an address other than Dest. Such calls must not update the routing
// table.
func (c *Call) SocketMismatch() bool { return c.socketMismatch.Load() }

// State returns the current state.
func (c *Call) State() State { return State(c.state.Load()) }

// Response returns the response or error message, if any.
func (c *Call) Response() *krpc.Msg {
	if r := c.resp.Load(); r != nil {
		return r.msg
	}
	return nil
}

// ResponseAddr returns the address the response came from.
func (c *Call) ResponseAddr() netip.AddrPort {
	if r := c.resp.Load(); r != nil {
		return r.from
	}
	return netip.AddrPort{}
}

// ResponderID returns the id carried by the response.
func (c *Call) ResponderID() (key.Key, bool) {
	if m := c.Response(); m != nil && m.R != nil {
		return m.R.ID, true
	}
	return key.Key{}, false
}

// MatchesExpectedID reports whether the responder's id agrees with the
// expected one. Calls without an expectation always match.
func (c *Call) MatchesExpectedID() bool {
	want, ok := c.ExpectedID()
	if !ok {
		return true
	}
	got, ok := c.ResponderID()
	return ok && got == want
}

// SentTime returns when the query was sent.
func (c *Call) SentTime() time.Time {
	if ns := c.sentAt.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

// RTT returns the round trip time, or -1 if the call did not get a response.
func (c *Call) RTT() time.Duration {
	sent, got := c.sentAt.Load(), c.respondedAt.Load()
	if sent == 0 || got == 0 {
		return -1
	}
	return time.Duration(got - sent)
}

// StallTimeout returns the timeout after which the call was or will be
// considered stalled.
func (c *Call) StallTimeout() time.Duration {
	return time.Duration(c.stallTimeout.Load())
}

// AddListener subscribes l to future transitions.
func (c *Call) AddListener(l Listener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// Cancel forces an unfinished call into Timeout.
func (c *Call) Cancel() bool {
	return c.transition(Timeout, Unsent, Sent, Stalled)
}

func (c *Call) markSent(now time.Time, stall time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.State()
	if prev != Unsent {
		return false
	}
	c.sentAt.Store(now.UnixNano())
	c.stallTimeout.Store(int64(stall))
	c.setLocked(prev, Sent)
	return true
}

func (c *Call) markStalled() bool {
	return c.transition(Stalled, Sent)
}

func (c *Call) markSocketMismatch() {
	c.socketMismatch.Store(true)
	c.markStalled()
}

func (c *Call) markResponded(m *krpc.Msg, from netip.AddrPort, now time.Time) bool {
	return c.complete(Responded, m, from, now)
}

func (c *Call) markError(m *krpc.Msg, from netip.AddrPort, now time.Time) bool {
	return c.complete(Error, m, from, now)
}

func (c *Call) complete(to State, m *krpc.Msg, from netip.AddrPort, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.State()
	if prev != Sent && prev != Stalled {
		return false
	}
	c.resp.Store(&reply{msg: m, from: from})
	c.respondedAt.Store(now.UnixNano())
	c.setLocked(prev, to)
	return true
}

func (c *Call) addTimer(h *scheduler.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State().Terminal() {
		h.Cancel()
		return
	}
	c.timers = append(c.timers, h)
}

func (c *Call) transition(to State, from ...State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.State()
	if !slices.Contains(from, prev) {
		return false
	}
	c.setLocked(prev, to)
	return true
}

func (c *Call) setLocked(prev, next State) {
	c.state.Store(int32(next))
	if next.Terminal() {
		for _, h := range c.timers {
			h.Cancel()
		}
		c.timers = nil
	}
	ev := Event{Call: c, Prev: prev, Next: next}
	for _, l := range c.listeners {
		l(ev)
	}
}
