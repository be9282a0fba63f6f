package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acd_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "acd_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Dispatch metrics
	assignmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acd_assignments_total",
			Help: "Total number of assignment attempts by outcome",
		},
		[]string{"outcome"},
	)

	assignmentDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "acd_assignment_duration_seconds",
			Help:    "Assignment latency in seconds",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	activeAssignments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "acd_active_assignments",
			Help: "Number of calls currently bound to an agent",
		},
	)

	// Call lifecycle metrics
	callsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acd_calls_completed_total",
			Help: "Total number of completed calls by qualification",
		},
		[]string{"qualification"},
	)

	callDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "acd_call_duration_seconds",
			Help:    "Call duration in seconds",
			Buckets: []float64{30, 60, 120, 180, 240, 300, 450, 600},
		},
	)

	// System metrics
	availableAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "acd_available_agents",
			Help: "Number of agents currently in the availability index",
		},
	)

	webhookFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "acd_webhook_failures_total",
			Help: "Total number of failed webhook deliveries",
		},
	)

	durableWriteFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "acd_durable_write_failures_total",
			Help: "Total number of failed durable tier writes",
		},
	)

	initOnce sync.Once
)

// InitMetrics initializes Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			assignmentsTotal,
			assignmentDuration,
			activeAssignments,
			callsCompletedTotal,
			callDuration,
			availableAgents,
			webhookFailuresTotal,
			durableWriteFailuresTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordAssignment records an assignment attempt and its latency.
// Outcome is one of "assigned", "saturated", "error".
func RecordAssignment(outcome string, duration time.Duration) {
	assignmentsTotal.WithLabelValues(outcome).Inc()
	if outcome == "assigned" {
		assignmentDuration.Observe(duration.Seconds())
	}
}

// RecordCallCompleted records a completed call with its qualification
// and duration.
func RecordCallCompleted(qualification string, durationSeconds float64) {
	callsCompletedTotal.WithLabelValues(qualification).Inc()
	callDuration.Observe(durationSeconds)
}

// SetActiveAssignments sets the active assignments gauge
func SetActiveAssignments(count int) {
	activeAssignments.Set(float64(count))
}

// SetAvailableAgents sets the available agents gauge
func SetAvailableAgents(count int) {
	availableAgents.Set(float64(count))
}

// RecordWebhookFailure increments the failed webhook delivery counter
func RecordWebhookFailure() {
	webhookFailuresTotal.Inc()
}

// RecordDurableWriteFailure increments the failed durable write counter
func RecordDurableWriteFailure() {
	durableWriteFailuresTotal.Inc()
}
