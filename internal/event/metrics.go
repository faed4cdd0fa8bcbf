package event

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the session engine
type Metrics struct {
	// Lifecycle metrics
	TransitionsTotal *prometheus.CounterVec
	SessionsLive     prometheus.Gauge

	// Recovery metrics
	RecoveryAttempts *prometheus.CounterVec
	ResumeDuration   prometheus.Histogram

	// Store metrics
	StoreErrors prometheus.Counter

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the engine metrics with reg and returns the
// collector set. Pass prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessiond_transitions_total",
				Help: "Total number of session lifecycle events by kind",
			},
			[]string{"kind"},
		),
		SessionsLive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sessiond_sessions_live",
				Help: "Number of sessions with a live browser handle in this process",
			},
		),
		RecoveryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessiond_recovery_attempts_total",
				Help: "Total number of recovery claim attempts by outcome",
			},
			[]string{"outcome"},
		),
		ResumeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sessiond_resume_duration_seconds",
				Help:    "Time spent resuming a session from its checkpoint",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		StoreErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sessiond_store_errors_total",
				Help: "Total number of session store failures",
			},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessiond_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sessiond_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
	}
}

// Recovery attempt outcomes.
const (
	RecoveryResumed   = "resumed"
	RecoveryFailed    = "failed"
	RecoveryClaimLost = "claim_lost"
)
