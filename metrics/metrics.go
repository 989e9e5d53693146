package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conversion_jobs_submitted_total",
		Help: "The total number of submitted conversion jobs",
	}, []string{"tier"}) // tier: free, premium

	JobsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conversion_jobs_rejected_total",
		Help: "Submissions refused before enqueue",
	}, []string{"reason"})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conversion_jobs_processed_total",
		Help: "The total number of jobs that reached a terminal state",
	}, []string{"status", "code"})

	JobRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conversion_job_retries_total",
		Help: "Attempts scheduled after a retryable failure",
	})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "conversion_job_duration_seconds",
		Help:    "Wall time from claim to terminal state.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"category"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conversion_queue_depth",
		Help: "Items waiting in the priority queue",
	})

	WorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conversion_workers_busy",
		Help: "Workers in this process currently executing a job",
	})

	ReaperRemovals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conversion_reaper_removals_total",
		Help: "Records removed or recovered by the maintenance sweep",
	}, []string{"kind"}) // kind: worker, job, artifact, file, requeue
)
