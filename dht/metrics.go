package dht

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricNamespace = "mainline_dht"

// Metrics are the Prometheus collectors of one DHT. All collectors carry a
// constant "family" label.
type Metrics struct {
	reg        prometheus.Registerer
	labels     prometheus.Labels
	queries    *prometheus.CounterVec
	errors     *prometheus.CounterVec
	bans       prometheus.Counter
	bootstraps prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, family string) *Metrics {
	if reg == nil {
		return nil
	}
	labels := prometheus.Labels{"family": family}
	m := &Metrics{
		reg:    reg,
		labels: labels,
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricNamespace,
			Name:        "queries_handled_total",
			Help:        "Inbound queries handled, by method.",
			ConstLabels: labels,
		}, []string{"method"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricNamespace,
			Name:        "query_errors_total",
			Help:        "Inbound queries answered with an error, by code.",
			ConstLabels: labels,
		}, []string{"code"}),
		bans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricNamespace,
			Name:        "bans_total",
			Help:        "Addresses quarantined after changing their id.",
			ConstLabels: labels,
		}),
		bootstraps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricNamespace,
			Name:        "bootstraps_total",
			Help:        "Bootstrap rounds started.",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(m.queries, m.errors, m.bans, m.bootstraps)
	return m
}

// registerGauges exposes the state of d as gauges sampled at scrape time.
func (m *Metrics) registerGauges(d *DHT) {
	if m == nil {
		return
	}
	gauge := func(name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricNamespace,
			Name:        name,
			Help:        help,
			ConstLabels: m.labels,
		}, fn)
	}
	m.reg.MustRegister(
		gauge("routing_entries", "Live routing table entries.", func() float64 {
			return float64(d.table.Stats().Entries)
		}),
		gauge("routing_verified_entries", "Routing table entries that answered a query.", func() float64 {
			return float64(d.table.Stats().Verified)
		}),
		gauge("routing_buckets", "Routing table buckets.", func() float64 {
			return float64(d.table.Snapshot().Len())
		}),
		gauge("routing_replacements", "Queued replacement candidates.", func() float64 {
			return float64(d.table.Stats().Replacements)
		}),
		gauge("servers", "Running RPC servers.", func() float64 {
			return float64(len(d.Servers()))
		}),
		gauge("banned_addresses", "Quarantined addresses.", func() float64 {
			return float64(d.bans.Len())
		}),
		gauge("unreachable_addresses", "Addresses skipped after repeated timeouts.", func() float64 {
			return float64(d.unreachable.Len())
		}),
	)
}

func (m *Metrics) observeQuery(method string) {
	if m != nil {
		m.queries.WithLabelValues(method).Inc()
	}
}

func (m *Metrics) observeError(code string) {
	if m != nil {
		m.errors.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) observeBan() {
	if m != nil {
		m.bans.Inc()
	}
}

func (m *Metrics) observeBootstrap() {
	if m != nil {
		m.bootstraps.Inc()
	}
}
