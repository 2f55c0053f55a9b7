// Package task runs multi-call DHT operations (lookups, announces,
// liveness pings, BEP 44 get and put) with bounded concurrency on top of an
// rpc.Server.
package task

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mainline/key"
	"github.com/opd-ai/mainline/rpc"
)

// DefaultConcurrency is the number of calls a lookup keeps in flight.
const DefaultConcurrency = 10

// State is the lifecycle stage of a task.
type State int32

const (
	Initial State = iota
	Queued
	Running
	Finished
	Killed
)

func (s State) String() string {
	switch s {
	case Initial:
		return "initial"
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Killed:
		return "killed"
	default:
		return "unknown"
	}
}

// Done reports whether the task ended, normally or killed.
func (s State) Done() bool {
	return s >= Finished
}

// Permit is the outcome of asking a task for a request slot.
type Permit int

const (
	// NoneAllowed means the concurrency limit is reached.
	NoneAllowed Permit = iota
	// FreeSlot means a call may be issued.
	FreeSlot
	// FreeStallSlot means the limit is only reached because of stalled
	// calls, so one more call may be issued in parallel to them.
	FreeStallSlot
)

// Worker supplies the behavior of a task. Every method runs on the task's
// serialized runner, never concurrently with another method of the same
// task.
type Worker interface {
	// Update issues new calls while the task permits it.
	Update(t *Task)
	// CallFinished handles a call that got a usable response.
	CallFinished(t *Task, c *rpc.Call)
	// CallFailed handles a call that timed out, got an error, or whose
	// response cannot be trusted.
	CallFailed(t *Task, c *rpc.Call)
	// IsDone is consulted after each round.
	IsDone(t *Task) bool
}

// Stats are the counters of a task.
type Stats struct {
	Sent     int
	Received int
	Failed   int
	Stalled  int
	Inflight int
}

// Task tracks the calls of one operation and runs its worker.
type Task struct {
	name        string
	srv         *rpc.Server
	target      key.Key
	worker      Worker
	concurrency int

	state   atomic.Int32
	pending atomic.Int32

	evMu   sync.Mutex
	events []rpc.Event

	mu       sync.Mutex
	inflight map[*rpc.Call]struct{}
	onFinish []func(*Task)
	started  time.Time
	ended    time.Time

	// only touched by the runner
	sent, received, failed, stalledNow int

	stats atomic.Pointer[Stats]
	done  chan struct{}
	info  atomic.Pointer[string]
}

// New creates a task for worker. A concurrency of zero means
// DefaultConcurrency.
func New(name string, srv *rpc.Server, target key.Key, concurrency int, w Worker) *Task {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	t := &Task{
		name:        name,
		srv:         srv,
		target:      target,
		worker:      w,
		concurrency: concurrency,
		inflight:    make(map[*rpc.Call]struct{}),
		done:        make(chan struct{}),
	}
	t.stats.Store(&Stats{})
	return t
}

// Name returns the task kind.
func (t *Task) Name() string { return t.name }

// Server returns the server the task runs on.
func (t *Task) Server() *rpc.Server { return t.srv }

// Target returns the key the task works on.
func (t *Task) Target() key.Key { return t.target }

// Concurrency returns the call limit.
func (t *Task) Concurrency() int { return t.concurrency }

// State returns the lifecycle state.
func (t *Task) State() State { return State(t.state.Load()) }

// Done is closed once the task finished or was killed.
func (t *Task) Done() <-chan struct{} { return t.done }

// SetInfo attaches a free-form description shown in diagnostics.
func (t *Task) SetInfo(s string) { t.info.Store(&s) }

// Info returns what SetInfo stored.
func (t *Task) Info() string {
	if s := t.info.Load(); s != nil {
		return *s
	}
	return ""
}

// Stats returns the counters as of the last round.
func (t *Task) Stats() Stats { return *t.stats.Load() }

// Duration returns how long the task ran, or has been running.
func (t *Task) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started.IsZero() {
		return 0
	}
	if t.ended.IsZero() {
		return t.srv.Scheduler().Now().Sub(t.started)
	}
	return t.ended.Sub(t.started)
}

// OnFinish registers fn to run when the task ends. If it already ended, fn
// runs immediately.
func (t *Task) OnFinish(fn func(*Task)) {
	t.mu.Lock()
	if t.State().Done() {
		t.mu.Unlock()
		fn(t)
		return
	}
	t.onFinish = append(t.onFinish, fn)
	t.mu.Unlock()
}

func (t *Task) markQueued() bool {
	return t.state.CompareAndSwap(int32(Initial), int32(Queued))
}

// Start runs the task. Tasks are normally started by a Manager.
func (t *Task) Start() {
	if !t.state.CompareAndSwap(int32(Initial), int32(Running)) &&
		!t.state.CompareAndSwap(int32(Queued), int32(Running)) {
		return
	}
	t.mu.Lock()
	t.started = t.srv.Scheduler().Now()
	t.mu.Unlock()
	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"task":     t.name,
		"target":   t.target.String(),
		"server":   t.srv.LocalAddr().String(),
	}).Debug("Task started")
	t.kick()
}

// Kill ends the task and forces its in-flight calls to time out.
func (t *Task) Kill() {
	for {
		s := t.State()
		if s.Done() {
			return
		}
		if t.state.CompareAndSwap(int32(s), int32(Killed)) {
			break
		}
	}
	t.mu.Lock()
	calls := make([]*rpc.Call, 0, len(t.inflight))
	for c := range t.inflight {
		calls = append(calls, c)
	}
	t.mu.Unlock()
	for _, c := range calls {
		c.Cancel()
	}
	t.end()
}

// Permit decides whether another call may be issued. Stalled calls only
// count half against the limit: up to twice the concurrency may be in
// flight while most of them are stalled, unless more than half of the
// calls so far failed.
func (t *Task) Permit() Permit {
	t.mu.Lock()
	inflight := len(t.inflight)
	t.mu.Unlock()

	active := inflight - t.stalledNow
	if active >= t.concurrency {
		return NoneAllowed
	}
	if inflight < t.concurrency {
		return FreeSlot
	}
	highLoss := t.sent >= 2*t.concurrency && t.failed*2 >= t.sent
	if inflight < 2*t.concurrency && !highLoss {
		return FreeStallSlot
	}
	return NoneAllowed
}

// CanRequest reports whether Permit allows a call.
func (t *Task) CanRequest() bool {
	return t.State() == Running && t.Permit() != NoneAllowed
}

// NumInflight returns the number of unfinished calls.
func (t *Task) NumInflight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// Call issues c on the task's server and reports its outcome to the
// worker.
func (t *Task) Call(c *rpc.Call) {
	t.mu.Lock()
	t.inflight[c] = struct{}{}
	t.mu.Unlock()
	t.sent++
	c.AddListener(t.onCallEvent)
	t.srv.DoCall(c)
}

// onCallEvent runs under the call's lock, so it only queues the event.
func (t *Task) onCallEvent(ev rpc.Event) {
	if ev.Next == rpc.Sent {
		return
	}
	t.evMu.Lock()
	t.events = append(t.events, ev)
	t.evMu.Unlock()
	t.kick()
}

func (t *Task) kick() {
	if t.pending.Add(1) > 1 {
		return
	}
	t.srv.Scheduler().Execute(t.run)
}

func (t *Task) run() {
	for {
		t.round()
		if t.pending.CompareAndSwap(1, 0) {
			return
		}
		t.pending.Store(1)
	}
}

func (t *Task) takeEvents() []rpc.Event {
	t.evMu.Lock()
	defer t.evMu.Unlock()
	evs := t.events
	t.events = nil
	return evs
}

func (t *Task) round() {
	for _, ev := range t.takeEvents() {
		t.handleEvent(ev)
	}
	if t.State() != Running {
		return
	}
	t.worker.Update(t)
	t.publishStats()
	if t.worker.IsDone(t) && t.state.CompareAndSwap(int32(Running), int32(Finished)) {
		t.end()
	}
}

func (t *Task) handleEvent(ev rpc.Event) {
	c := ev.Call
	if ev.Next == rpc.Stalled {
		t.stalledNow++
		return
	}
	if !ev.Next.Terminal() {
		return
	}
	if ev.Prev == rpc.Stalled {
		t.stalledNow--
	}
	t.mu.Lock()
	delete(t.inflight, c)
	t.mu.Unlock()

	if t.State().Done() {
		return
	}
	if ev.Next == rpc.Responded && !c.SocketMismatch() {
		t.received++
		t.worker.CallFinished(t, c)
		return
	}
	t.failed++
	t.worker.CallFailed(t, c)
}

func (t *Task) publishStats() {
	t.mu.Lock()
	inflight := len(t.inflight)
	t.mu.Unlock()
	t.stats.Store(&Stats{
		Sent:     t.sent,
		Received: t.received,
		Failed:   t.failed,
		Stalled:  t.stalledNow,
		Inflight: inflight,
	})
}

func (t *Task) end() {
	t.mu.Lock()
	t.ended = t.srv.Scheduler().Now()
	fns := t.onFinish
	t.onFinish = nil
	t.mu.Unlock()
	close(t.done)

	st := t.Stats()
	logrus.WithFields(logrus.Fields{
		"function": "end",
		"task":     t.name,
		"target":   t.target.String(),
		"state":    t.State().String(),
		"sent":     st.Sent,
		"received": st.Received,
		"failed":   st.Failed,
	}).Debug("Task ended")
	for _, fn := range fns {
		fn(t)
	}
}
