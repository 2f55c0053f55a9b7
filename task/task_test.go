package task

import (
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/mainline/key"
	"github.com/opd-ai/mainline/krpc"
	"github.com/opd-ai/mainline/rpc"
)

// stubWorker never sends anything and ends when told to.
type stubWorker struct {
	done    atomic.Bool
	updates atomic.Int32
}

func (w *stubWorker) Update(*Task)                     { w.updates.Add(1) }
func (w *stubWorker) CallFinished(*Task, *rpc.Call)    {}
func (w *stubWorker) CallFailed(*Task, *rpc.Call)      {}
func (w *stubWorker) IsDone(*Task) bool                { return w.done.Load() }
func (w *stubWorker) finish(t *Task)                   { w.done.Store(true); t.kick() }
func newStubTask(srv *rpc.Server) (*Task, *stubWorker) {
	w := &stubWorker{}
	return New("stub", srv, key.Random(), 4, w), w
}

func TestPermit(t *testing.T) {
	tests := []struct {
		name                            string
		inflight, stalled, sent, failed int
		want                            Permit
	}{
		{"idle", 0, 0, 0, 0, FreeSlot},
		{"below limit", 3, 0, 3, 0, FreeSlot},
		{"at limit", 4, 0, 4, 0, NoneAllowed},
		{"one stalled", 4, 1, 8, 0, FreeStallSlot},
		{"one stalled under heavy loss", 4, 1, 8, 4, NoneAllowed},
		{"mostly stalled", 7, 4, 7, 0, FreeStallSlot},
		{"twice the limit", 8, 5, 8, 0, NoneAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := New("permit", nil, key.Key{}, 4, &stubWorker{})
			for i := 0; i < tt.inflight; i++ {
				tk.inflight[rpc.NewCall(krpc.NewQuery(krpc.Ping, nil), swarmAddr(i))] = struct{}{}
			}
			tk.stalledNow, tk.sent, tk.failed = tt.stalled, tt.sent, tt.failed
			assert.Equal(t, tt.want, tk.Permit())
		})
	}
}

func TestTaskLifecycle(t *testing.T) {
	sw := newSwarm(t, 0)
	srv, _ := sw.client(t)
	tk, w := newStubTask(srv)
	var finished []State
	tk.OnFinish(func(t *Task) { finished = append(finished, t.State()) })

	assert.Equal(t, Initial, tk.State())
	tk.Start()
	assert.Equal(t, Running, tk.State())
	assert.EqualValues(t, 1, w.updates.Load())

	w.finish(tk)
	assert.Equal(t, Finished, tk.State())
	assert.Equal(t, []State{Finished}, finished)

	// late subscribers are told at once
	tk.OnFinish(func(t *Task) { finished = append(finished, t.State()) })
	assert.Len(t, finished, 2)

	tk.Kill()
	assert.Equal(t, Finished, tk.State(), "kill after finish has no effect")
	assert.Equal(t, "finished", tk.State().String())
}

func TestManagerLimitsRunningTasks(t *testing.T) {
	sw := newSwarm(t, 0)
	srv, _ := sw.client(t)
	m := NewManager(2, 0, nil)

	tasks := make([]*Task, 4)
	workers := make([]*stubWorker, 4)
	for i := range tasks {
		tasks[i], workers[i] = newStubTask(srv)
	}
	for _, tk := range tasks[:3] {
		m.Add(tk)
	}
	running, queued := m.NumTasks()
	assert.Equal(t, 2, running)
	assert.Equal(t, 1, queued)
	assert.Equal(t, Queued, tasks[2].State())

	m.AddPriority(tasks[3])
	workers[0].finish(tasks[0])

	assert.Equal(t, Finished, tasks[0].State())
	assert.Equal(t, Running, tasks[3].State(), "priority task jumps the queue")
	assert.Equal(t, Queued, tasks[2].State())

	workers[1].finish(tasks[1])
	assert.Equal(t, Running, tasks[2].State())

	m.KillAll()
	running, queued = m.NumTasks()
	assert.Zero(t, running)
	assert.Zero(t, queued)
	assert.Equal(t, Killed, tasks[2].State())
}

func TestManagerKeepsCallReserve(t *testing.T) {
	sw := newSwarm(t, 0)
	srv, _ := sw.client(t)
	m := NewManager(4, srv.MaxActiveCalls(), nil)

	tk, _ := newStubTask(srv)
	m.Add(tk)

	assert.Equal(t, Queued, tk.State())
	m.Dequeue()
	assert.Equal(t, Queued, tk.State())
}

func TestManagerKillsTasksOfStoppedServer(t *testing.T) {
	sw := newSwarm(t, 0)
	srv, _ := sw.client(t)
	m := NewManager(1, 0, nil)
	a, _ := newStubTask(srv)
	b, _ := newStubTask(srv)
	m.Add(a)
	m.Add(b)

	require.NoError(t, srv.Stop())
	m.Dequeue()

	assert.Equal(t, Killed, a.State())
	assert.Equal(t, Killed, b.State())
	running, queued := m.Tasks()
	assert.Empty(t, running)
	assert.Empty(t, queued)
}

func TestManagerMetrics(t *testing.T) {
	sw := newSwarm(t, 0)
	srv, _ := sw.client(t)
	metrics := NewMetrics(prometheus.NewRegistry())
	m := NewManager(0, 0, metrics)

	tk, w := newStubTask(srv)
	m.Add(tk)
	w.finish(tk)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.queued.WithLabelValues("stub")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.finished.WithLabelValues("stub", "finished")))
}
