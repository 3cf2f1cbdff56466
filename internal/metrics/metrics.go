package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scriptbox_jobs_submitted_total",
			Help: "Total number of script jobs submitted",
		},
		[]string{"request_type"},
	)

	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scriptbox_jobs_completed_total",
			Help: "Total number of script jobs completed",
		},
		[]string{"status", "backend"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scriptbox_job_duration_seconds",
			Help:    "Time taken to execute a script job",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5s to ~4.5 hours
		},
		[]string{"status"},
	)

	JobsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scriptbox_jobs_rejected_total",
			Help: "Total number of jobs rejected at admission",
		},
		[]string{"reason"},
	)

	JobsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scriptbox_jobs_active",
			Help: "Number of jobs currently executing",
		},
	)

	// Guest protocol metrics
	GuestMarkers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scriptbox_guest_markers_total",
			Help: "Total number of protocol markers received from guests",
		},
		[]string{"marker"},
	)

	// Execution log metrics
	LogWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scriptbox_execution_log_writes_total",
			Help: "Total number of execution log writes",
		},
		[]string{"result"},
	)

	LogWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scriptbox_execution_log_write_errors_total",
			Help: "Total number of execution log writes that failed or timed out",
		},
	)

	// Diagnostic instrumentation metrics
	DebugActivations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scriptbox_debug_activations_total",
			Help: "Total number of runs executed with diagnostic instrumentation",
		},
	)

	// API metrics
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scriptbox_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scriptbox_api_request_duration_seconds",
			Help:    "API request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Resource metrics
	ServerCPUUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scriptbox_server_cpu_usage_percent",
			Help: "Current CPU usage percentage of the server process",
		},
	)

	ServerMemoryUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scriptbox_server_memory_usage_bytes",
			Help: "Current memory usage of the server process in bytes",
		},
	)
)

// Handler returns the Prometheus metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordJobSubmission records a job submission metric
func RecordJobSubmission(requestType string) {
	JobsSubmitted.WithLabelValues(requestType).Inc()
}

// RecordJobCompleted records a finished job with its terminal status
func RecordJobCompleted(status, backend string, duration float64) {
	JobsCompleted.WithLabelValues(status, backend).Inc()
	JobDuration.WithLabelValues(status).Observe(duration)
}

// RecordJobRejected records a job turned away at admission
func RecordJobRejected(reason string) {
	JobsRejected.WithLabelValues(reason).Inc()
}

// RecordGuestMarker records one protocol marker from a guest
func RecordGuestMarker(marker string) {
	GuestMarkers.WithLabelValues(marker).Inc()
}

// RecordLogWrite records an execution log write outcome
func RecordLogWrite(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	LogWrites.WithLabelValues(result).Inc()
	if !success {
		LogWriteErrors.Inc()
	}
}

// RecordAPIRequest records an API request metric
func RecordAPIRequest(method, endpoint, statusCode string) {
	APIRequests.WithLabelValues(method, endpoint, statusCode).Inc()
}

// RecordAPIRequestDuration records the duration of an API request
func RecordAPIRequestDuration(method, endpoint string, duration float64) {
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// UpdateServerResourceUsage updates process resource usage metrics
func UpdateServerResourceUsage(cpuPercent, memoryBytes float64) {
	ServerCPUUsage.Set(cpuPercent)
	ServerMemoryUsage.Set(memoryBytes)
}
