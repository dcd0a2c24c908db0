// Package metrics exposes Prometheus collectors for the router.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Inbound outcomes.
const (
	OutcomePosted     = "posted"
	OutcomeSuppressed = "suppressed"
	OutcomeDuplicate  = "duplicate"
	OutcomeMalformed  = "malformed"
	OutcomeFailed     = "failed"
)

// Metrics groups the router collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	inbound    *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	drafts     *prometheus.CounterVec
	routeTime  prometheus.Histogram
	mapping    prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tghub",
			Name:      "inbound_messages_total",
			Help:      "Inbound messages by source and outcome.",
		}, []string{"source", "outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tghub",
			Name:      "deliveries_total",
			Help:      "Operator reply deliveries by transport and status.",
		}, []string{"transport", "status"}),
		drafts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tghub",
			Name:      "drafts_total",
			Help:      "Draft outcomes.",
		}, []string{"result"}),
		routeTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tghub",
			Name:      "route_duration_seconds",
			Help:      "Time from receipt to hub post.",
			Buckets:   prometheus.DefBuckets,
		}),
		mapping: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tghub",
			Name:      "mapping_lost_total",
			Help:      "Operator replies whose hub post had no mapping.",
		}),
	}
	reg.MustRegister(m.inbound, m.deliveries, m.drafts, m.routeTime, m.mapping)
	return m
}

func (m *Metrics) Inbound(source, outcome string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) Delivery(transport, status string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(transport, status).Inc()
}

func (m *Metrics) Draft(result string) {
	if m == nil {
		return
	}
	m.drafts.WithLabelValues(result).Inc()
}

func (m *Metrics) RouteLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.routeTime.Observe(d.Seconds())
}

func (m *Metrics) MappingLost() {
	if m == nil {
		return
	}
	m.mapping.Inc()
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
