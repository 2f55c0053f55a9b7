package task

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors of a Manager.
type Metrics struct {
	queued   *prometheus.CounterVec
	finished *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the task collectors and registers them with reg. A nil
// reg skips registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mainline_task",
			Name:      "queued_total",
			Help:      "Tasks handed to the manager, by kind.",
		}, []string{"kind"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mainline_task",
			Name:      "finished_total",
			Help:      "Tasks that ended, by kind and final state.",
		}, []string{"kind", "state"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mainline_task",
			Name:      "duration_seconds",
			Help:      "Run time of finished tasks.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.queued, m.finished, m.duration)
	}
	return m
}

func (m *Metrics) observeQueued(kind string) {
	if m != nil {
		m.queued.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) observeFinished(t *Task) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(t.Name(), t.State().String()).Inc()
	m.duration.WithLabelValues(t.Name()).Observe(t.Duration().Seconds())
}
