package rpc

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const metricNamespace = "mainline_rpc"

// Metrics are the Prometheus collectors of one server. All collectors carry
// a constant "server" label naming the local endpoint.
type Metrics struct {
	sent        *prometheus.CounterVec
	received    *prometheus.CounterVec
	errorsSent  *prometheus.CounterVec
	timeouts    prometheus.Counter
	stalls      prometheus.Counter
	throttled   prometheus.Counter
	dropped     prometheus.Counter
	activeCalls prometheus.Gauge
	rtt         prometheus.Histogram
}

// NewMetrics creates the collectors for the server labelled server and
// registers them with reg. A nil reg skips registration.
func NewMetrics(reg prometheus.Registerer, server string) *Metrics {
	labels := prometheus.Labels{"server": server}
	m := &Metrics{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricNamespace,
			Name:        "queries_sent_total",
			Help:        "Queries sent, by method.",
			ConstLabels: labels,
		}, []string{"method"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricNamespace,
			Name:        "messages_received_total",
			Help:        "Messages received, by message type.",
			ConstLabels: labels,
		}, []string{"type"}),
		errorsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricNamespace,
			Name:        "errors_sent_total",
			Help:        "Error replies sent, by code.",
			ConstLabels: labels,
		}, []string{"code"}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricNamespace,
			Name:        "call_timeouts_total",
			Help:        "Calls that timed out or were cancelled.",
			ConstLabels: labels,
		}),
		stalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricNamespace,
			Name:        "call_stalls_total",
			Help:        "Calls that exceeded the adaptive stall timeout.",
			ConstLabels: labels,
		}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricNamespace,
			Name:        "calls_deferred_total",
			Help:        "Outgoing calls deferred by the per-destination throttle.",
			ConstLabels: labels,
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricNamespace,
			Name:        "requests_dropped_total",
			Help:        "Inbound requests dropped by the spam throttle.",
			ConstLabels: labels,
		}),
		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricNamespace,
			Name:        "active_calls",
			Help:        "Calls currently in flight.",
			ConstLabels: labels,
		}),
		rtt: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metricNamespace,
			Name:        "call_rtt_seconds",
			Help:        "Round trip time of answered calls.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.01, 2, 11),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.sent, m.received, m.errorsSent, m.timeouts, m.stalls,
			m.throttled, m.dropped, m.activeCalls, m.rtt)
	}
	return m
}

func (m *Metrics) observeSent(method string) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(method).Inc()
	m.activeCalls.Inc()
}

func (m *Metrics) observeReceived(y string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(y).Inc()
}

func (m *Metrics) observeErrorSent(code int) {
	if m == nil {
		return
	}
	m.errorsSent.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Metrics) observeFinished(c *Call) {
	if m == nil {
		return
	}
	if !c.SentTime().IsZero() {
		m.activeCalls.Dec()
	}
	switch c.State() {
	case Timeout:
		m.timeouts.Inc()
	case Responded:
		m.rtt.Observe(c.RTT().Seconds())
	}
}

func (m *Metrics) observeStall() {
	if m != nil {
		m.stalls.Inc()
	}
}

func (m *Metrics) observeThrottled() {
	if m != nil {
		m.throttled.Inc()
	}
}

func (m *Metrics) observeDropped() {
	if m != nil {
		m.dropped.Inc()
	}
}
