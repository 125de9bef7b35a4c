// Package metrics holds the Prometheus collectors shared by the orchestrator,
// the translation pipeline and the REST façade.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

var (
	// Provisioning metrics
	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shopkeep_provision_step_duration_seconds",
			Help:    "Duration of each provisioning step",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"step", "outcome"},
	)

	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopkeep_provision_attempts_total",
			Help: "Total number of shop provisioning attempts",
		},
		[]string{"tenant_mode", "outcome"},
	)

	cleanupFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shopkeep_provision_cleanup_failures_total",
			Help: "Resources that could not be removed during rollback",
		},
	)

	provisioningInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shopkeep_provision_in_flight",
			Help: "Number of shops currently being provisioned",
		},
	)

	// Translation metrics
	translationOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopkeep_translation_operations_total",
			Help: "Translation exports and imports by outcome",
		},
		[]string{"operation", "outcome"},
	)

	stringsDeployed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shopkeep_translation_strings_updated_total",
			Help: "Translated strings changed by imports",
		},
	)

	// HTTP metrics
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopkeep_http_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"method", "route", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shopkeep_http_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"method", "route"},
	)
)

func outcome(err error) string {
	if err != nil {
		return OutcomeFailed
	}
	return OutcomeOK
}

// ObserveStep records how long a provisioning step took.
func ObserveStep(step string, d time.Duration, err error) {
	stepDuration.WithLabelValues(step, outcome(err)).Observe(d.Seconds())
}

// RecordAttempt counts a finished provisioning attempt.
func RecordAttempt(tenantMode string, err error) {
	attemptsTotal.WithLabelValues(tenantMode, outcome(err)).Inc()
}

// RecordCleanupFailure counts a resource left behind by rollback.
func RecordCleanupFailure() {
	cleanupFailures.Inc()
}

// ProvisionStarted marks an attempt in flight and returns the func that ends it.
func ProvisionStarted() func() {
	provisioningInFlight.Inc()
	return provisioningInFlight.Dec
}

// RecordTranslation counts a translation export or import.
func RecordTranslation(operation string, err error) {
	translationOps.WithLabelValues(operation, outcome(err)).Inc()
}

// RecordStringsUpdated adds deployed string changes.
func RecordStringsUpdated(n int) {
	stringsDeployed.Add(float64(n))
}

// ObserveRequest records a served HTTP request.
func ObserveRequest(method, route, status string, d time.Duration) {
	requestsTotal.WithLabelValues(method, route, status).Inc()
	requestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
