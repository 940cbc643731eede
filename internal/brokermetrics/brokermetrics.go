// Package brokermetrics registers the broker's Prometheus collectors
// (SPEC_FULL.md §4.12). Grounded on evalgo-org-eve's
// tracing.NewMetrics/RecordAction — a struct of promauto-registered
// collectors plus small Record* methods wrapping the WithLabelValues
// calls — narrowed to the handful of series the broker itself needs.
package brokermetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the broker's Prometheus collectors.
type Metrics struct {
	RequestsClaimed prometheus.Counter
	RequestsRetried prometheus.Counter
	RequestsFailed  prometheus.Counter
	DispatchSeconds prometheus.Histogram
	InFlight        prometheus.Gauge
}

// New creates and registers the broker's metrics under the given
// namespace. An empty namespace defaults to "promptbroker".
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "promptbroker"
	}

	return &Metrics{
		RequestsClaimed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_claimed_total",
			Help:      "Total number of request files claimed from requests/.",
		}),
		RequestsRetried: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_retried_total",
			Help:      "Total number of requests re-emitted for another attempt.",
		}),
		RequestsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_failed_total",
			Help:      "Total number of requests resolved to a terminal failure.",
		}),
		DispatchSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_seconds",
			Help:      "Time spent in a single Dispatcher.Dispatch call.",
			Buckets:   prometheus.DefBuckets,
		}),
		InFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_requests",
			Help:      "Number of requests currently in the processing/ state.",
		}),
	}
}

// ObserveDispatch records one Dispatcher.Dispatch call's duration.
func (m *Metrics) ObserveDispatch(d time.Duration) {
	m.DispatchSeconds.Observe(d.Seconds())
}

// IncClaimed counts one request file claimed from requests/.
func (m *Metrics) IncClaimed() { m.RequestsClaimed.Inc() }

// IncRetried counts one request re-emitted for another attempt.
func (m *Metrics) IncRetried() { m.RequestsRetried.Inc() }

// IncFailed counts one request resolved to a terminal failure.
func (m *Metrics) IncFailed() { m.RequestsFailed.Inc() }

// SetInFlight sets the inflight gauge from a fresh count, called by the
// maintenance loop from the same counts-by-state data it writes into
// config/current_state.json.
func (m *Metrics) SetInFlight(n int) {
	m.InFlight.Set(float64(n))
}
