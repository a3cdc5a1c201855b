// Package metrics exposes prometheus collectors for tracked interactions,
// rate limiter state and background write failures.
//
// Collectors are registered on the Registerer passed to New, never on the
// global default registry. Every method is safe on a nil *Metrics so callers
// can run without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tally"

// Metrics holds the collectors for one tracker instance.
type Metrics struct {
	requests      *prometheus.CounterVec
	denied        *prometheus.CounterVec
	errors        *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	slo           *prometheus.CounterVec
	storeFailures *prometheus.CounterVec
	entries       prometheus.Gauge
	queueDepth    prometheus.Gauge
	dropped       prometheus.Counter
}

// New creates the collectors and registers them on reg.
// Panics if any collector is already registered on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "interaction_requests_total",
				Help:      "Total admitted interactions",
			},
			[]string{"kind"},
		),
		denied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "interaction_denied_total",
				Help:      "Total interactions denied by the rate limiter",
			},
			[]string{"kind"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "interaction_errors_total",
				Help:      "Total interactions completed with a failure",
			},
			[]string{"kind"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "interaction_duration_seconds",
				Help:      "Interaction duration in seconds",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"kind"},
		),
		slo: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "interaction_slo_total",
				Help:      "Completed interactions by SLO status",
			},
			[]string{"kind", "status"},
		),
		storeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_failures_total",
				Help:      "Durable store operations that failed",
			},
			[]string{"op"},
		),
		entries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ratelimit_entries",
				Help:      "Rate limit windows held in memory",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "retry_queue_depth",
				Help:      "Analytics writes waiting for a retry",
			},
		),
		dropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_dropped_total",
				Help:      "Analytics writes dropped after exhausting retries or queue space",
			},
		),
	}

	reg.MustRegister(
		m.requests,
		m.denied,
		m.errors,
		m.duration,
		m.slo,
		m.storeFailures,
		m.entries,
		m.queueDepth,
		m.dropped,
	)
	return m
}

// Admitted counts an interaction the rate limiter let through.
func (m *Metrics) Admitted(kind string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(kind).Inc()
}

// Denied counts an interaction the rate limiter rejected.
func (m *Metrics) Denied(kind string) {
	if m == nil {
		return
	}
	m.denied.WithLabelValues(kind).Inc()
}

// Completed records the outcome of a finished interaction.
func (m *Metrics) Completed(kind string, d time.Duration, success bool) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(kind).Observe(d.Seconds())
	if !success {
		m.errors.WithLabelValues(kind).Inc()
	}
}

// SLO counts a completed interaction by PASS or FAIL status.
func (m *Metrics) SLO(kind, status string) {
	if m == nil {
		return
	}
	m.slo.WithLabelValues(kind, status).Inc()
}

// StoreFailure counts a failed durable store operation.
func (m *Metrics) StoreFailure(op string) {
	if m == nil {
		return
	}
	m.storeFailures.WithLabelValues(op).Inc()
}

// SetRateLimitEntries reports how many windows the limiter holds.
func (m *Metrics) SetRateLimitEntries(n int) {
	if m == nil {
		return
	}
	m.entries.Set(float64(n))
}

// SetRetryQueueDepth reports how many writes wait for a retry.
func (m *Metrics) SetRetryQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// RetryDropped counts a write given up on.
func (m *Metrics) RetryDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}
