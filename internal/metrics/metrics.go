package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	batchJobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "backline",
			Name:      "batch_jobs_processed_total",
			Help:      "Batch jobs finished, by job type and terminal status.",
		},
		[]string{"job_type", "status"},
	)

	batchItemsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "backline",
			Name:      "batch_items_processed_total",
			Help:      "Individual batch items processed, by outcome.",
		},
		[]string{"job_type", "outcome"},
	)

	syncJobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "backline",
			Name:      "sync_jobs_processed_total",
			Help:      "Sync queue jobs finished, by outcome (completed, retried, dead_letter).",
		},
		[]string{"entity_type", "outcome"},
	)

	sessionsResumed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "backline",
			Name:      "sync_sessions_resumed_total",
			Help:      "Stalled sync sessions picked up by the supervisor.",
		},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "backline",
			Name:      "queue_depth",
			Help:      "Eligible pending jobs per queue.",
		},
		[]string{"queue"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "backline",
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			batchJobsProcessed,
			batchItemsProcessed,
			syncJobsProcessed,
			sessionsResumed,
			queueDepth,
			httpRequests,
		)
	})
}

// IncBatchJob records a finished batch job.
func IncBatchJob(jobType, status string) {
	batchJobsProcessed.WithLabelValues(jobType, status).Inc()
}

// IncBatchItem records one processed item inside a batch job.
func IncBatchItem(jobType, outcome string) {
	batchItemsProcessed.WithLabelValues(jobType, outcome).Inc()
}

// IncSyncJob records a sync job outcome: completed, retried or dead_letter.
func IncSyncJob(entityType, outcome string) {
	syncJobsProcessed.WithLabelValues(entityType, outcome).Inc()
}

// IncSessionResumed records a supervisor resumption.
func IncSessionResumed() {
	sessionsResumed.Inc()
}

// SetQueueDepth exposes the number of eligible pending jobs for a queue.
func SetQueueDepth(queue string, depth int) {
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}
