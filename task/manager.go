package task

import (
	"slices"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mainline/rpc"
)

// Defaults for NewManager.
const (
	DefaultMaxActiveTasks = 7
	DefaultCallReserve    = 16
)

type serverQueue struct {
	queue   []*Task
	running []*Task
}

// Manager starts tasks as capacity allows. Each server gets its own queue:
// a task is started when fewer than the maximum number of tasks run on its
// server and the server has more than the reserve of free call slots.
type Manager struct {
	mu        sync.Mutex
	servers   map[*rpc.Server]*serverQueue
	maxActive int
	reserve   int
	metrics   *Metrics
}

// NewManager creates a manager. Non-positive arguments select the
// defaults.
func NewManager(maxActive, reserve int, metrics *Metrics) *Manager {
	if maxActive <= 0 {
		maxActive = DefaultMaxActiveTasks
	}
	if reserve <= 0 {
		reserve = DefaultCallReserve
	}
	return &Manager{
		servers:   make(map[*rpc.Server]*serverQueue),
		maxActive: maxActive,
		reserve:   reserve,
		metrics:   metrics,
	}
}

// Add queues t behind the tasks already waiting.
func (m *Manager) Add(t *Task) {
	m.add(t, false)
}

// AddPriority queues t ahead of every waiting task.
func (m *Manager) AddPriority(t *Task) {
	m.add(t, true)
}

func (m *Manager) add(t *Task, front bool) {
	if !t.markQueued() {
		return
	}
	srv := t.Server()
	m.mu.Lock()
	q := m.servers[srv]
	if q == nil {
		q = &serverQueue{}
		m.servers[srv] = q
	}
	if front {
		q.queue = slices.Insert(q.queue, 0, t)
	} else {
		q.queue = append(q.queue, t)
	}
	m.mu.Unlock()
	m.metrics.observeQueued(t.Name())

	t.OnFinish(m.finished)
	m.dequeue(srv)
}

func (m *Manager) finished(t *Task) {
	srv := t.Server()
	m.mu.Lock()
	if q := m.servers[srv]; q != nil {
		q.running = slices.DeleteFunc(q.running, func(o *Task) bool { return o == t })
		q.queue = slices.DeleteFunc(q.queue, func(o *Task) bool { return o == t })
		if len(q.running) == 0 && len(q.queue) == 0 {
			delete(m.servers, srv)
		}
	}
	m.mu.Unlock()
	m.metrics.observeFinished(t)
	m.dequeue(srv)
}

// Dequeue starts waiting tasks on every server that has room. It runs after
// each task completion and periodically.
func (m *Manager) Dequeue() {
	m.mu.Lock()
	servers := make([]*rpc.Server, 0, len(m.servers))
	for srv := range m.servers {
		servers = append(servers, srv)
	}
	m.mu.Unlock()
	for _, srv := range servers {
		m.dequeue(srv)
	}
}

func (m *Manager) dequeue(srv *rpc.Server) {
	var start, kill []*Task
	m.mu.Lock()
	q := m.servers[srv]
	if q == nil {
		m.mu.Unlock()
		return
	}
	if srv.Stopped() {
		kill = slices.Concat(q.queue, q.running)
		q.queue = nil
	} else {
		for len(q.queue) > 0 && len(q.running) < m.maxActive &&
			srv.NumActiveCalls()+m.reserve < srv.MaxActiveCalls() {
			t := q.queue[0]
			q.queue = q.queue[1:]
			q.running = append(q.running, t)
			start = append(start, t)
		}
	}
	m.mu.Unlock()

	for _, t := range kill {
		t.Kill()
	}
	for _, t := range start {
		t.Start()
	}
	if len(kill) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "dequeue",
			"server":   srv.LocalAddr().String(),
			"killed":   len(kill),
		}).Debug("Killed tasks of stopped server")
	}
}

// Tasks returns the running and the queued tasks.
func (m *Manager) Tasks() (running, queued []*Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.servers {
		running = append(running, q.running...)
		queued = append(queued, q.queue...)
	}
	return running, queued
}

// NumTasks returns the number of running and queued tasks.
func (m *Manager) NumTasks() (running, queued int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.servers {
		running += len(q.running)
		queued += len(q.queue)
	}
	return running, queued
}

// KillAll kills every task.
func (m *Manager) KillAll() {
	running, queued := m.Tasks()
	for _, t := range slices.Concat(queued, running) {
		t.Kill()
	}
}
