package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "condominio_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "condominio_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	provisionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "condominio_provision_duration_seconds",
		Help:    "Duration of user provisioning attempts",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	compensationOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "condominio_compensations_total",
		Help: "Count of compensating writes after a failed publish",
	}, []string{"result"})

	workerOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "condominio_worker_outcomes_total",
		Help: "Count of worker creation outcomes applied from the results topic",
	}, []string{"result"})

	sweepOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "condominio_sweep_transitions_total",
		Help: "Count of provisioning requests moved by the timeout sweeper",
	}, []string{"to"})

	pendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "condominio_pending_provisioning_requests",
		Help: "Number of provisioning requests awaiting a worker outcome",
	})

	loginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "condominio_login_attempts_total",
		Help: "Count of login attempts by result",
	}, []string{"result"})
)

// ObserveHTTPRequest records an HTTP request metric
func ObserveHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// ObserveProvision records the duration of a provisioning attempt with a result label.
func ObserveProvision(result string, duration time.Duration) {
	provisionDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// ObserveCompensation increments the compensation counter for the given result.
func ObserveCompensation(result string) {
	compensationOperations.WithLabelValues(result).Inc()
}

// ObserveOutcome records a worker creation outcome applied by the consumer.
func ObserveOutcome(result string) {
	workerOutcomes.WithLabelValues(result).Inc()
}

// ObserveSweep records a state transition performed by the timeout sweeper.
func ObserveSweep(to string) {
	sweepOperations.WithLabelValues(to).Inc()
}

// IncrementPending increments the pending request gauge.
func IncrementPending() {
	pendingRequests.Inc()
}

// DecrementPending decrements the pending request gauge.
func DecrementPending() {
	pendingRequests.Dec()
}

// ObserveLogin records a login attempt by result.
func ObserveLogin(result string) {
	loginAttempts.WithLabelValues(result).Inc()
}
