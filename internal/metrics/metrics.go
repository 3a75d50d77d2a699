package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics
var (
	// JobsEnqueued counts ledger rows created, by job type.
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Name:      "jobs_enqueued_total",
			Help:      "Total number of jobs enqueued",
		},
		[]string{"type"},
	)

	// JobsCompleted counts jobs reaching completed, by job type.
	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs completed",
		},
		[]string{"type"},
	)

	// JobsFailed counts jobs reaching failed, by job type and failure reason.
	JobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Name:      "jobs_failed_total",
			Help:      "Total number of jobs failed",
		},
		[]string{"type", "reason"},
	)

	// ActiveJobs tracks jobs currently executing, by job type.
	ActiveJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vod",
			Name:      "active_jobs",
			Help:      "Number of currently processing jobs",
		},
		[]string{"type"},
	)

	// QueueDepth tracks queued jobs in the ledger, by job type.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vod",
			Name:      "queue_depth",
			Help:      "Number of queued jobs awaiting a claim",
		},
		[]string{"type"},
	)

	// JobsByStatus tracks ledger row counts per job type and status, sampled
	// by the worker's reporter.
	JobsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vod",
			Name:      "jobs_by_status",
			Help:      "Number of ledger jobs per type and status",
		},
		[]string{"type", "status"},
	)

	// JobDuration tracks end-to-end job execution time.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vod",
			Name:      "job_duration_seconds",
			Help:      "Time taken to execute jobs",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"type"},
	)

	// EncodeDuration tracks per-preset encoder time.
	EncodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vod",
			Name:      "encode_duration_seconds",
			Help:      "Time taken to encode one rendition",
			Buckets:   []float64{10, 30, 60, 120, 300, 600},
		},
		[]string{"preset"},
	)

	// StorageBytes tracks bytes written to the object store, by bucket role.
	StorageBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vod",
			Name:      "storage_bytes",
			Help:      "Aggregate bytes written to object storage",
		},
		[]string{"bucket"},
	)
)

// API metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vod",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AuthFailures counts authentication failures by reason.
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Subsystem: "api",
			Name:      "auth_failures_total",
			Help:      "Total number of authentication failures",
		},
		[]string{"reason"},
	)
)

// RecordEnqueued records a new ledger row.
func RecordEnqueued(jobType string) {
	JobsEnqueued.WithLabelValues(jobType).Inc()
}

// RecordCompleted records a successful job.
func RecordCompleted(jobType string) {
	JobsCompleted.WithLabelValues(jobType).Inc()
}

// RecordFailed records a failed job with its failure reason.
func RecordFailed(jobType, reason string) {
	JobsFailed.WithLabelValues(jobType, reason).Inc()
}
