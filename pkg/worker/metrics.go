package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for monitoring task processing.
var (
	// tasksProcessed tracks processed attempts by outcome and queue type.
	// Labels:
	//   - status: "completed", "retry", "failed", "cancelled", "no_handler", "deferred"
	//   - type: queue type (e.g., "product_lookup")
	tasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobqueue",
		Subsystem: "worker",
		Name:      "processed_total",
		Help:      "The total number of processed tasks",
	}, []string{"status", "type"})

	// taskDuration tracks handler latency in seconds, used for P50/P95/P99.
	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "jobqueue",
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "Duration of task processing",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
	}, []string{"type"})

	// queueLatency is the time between created_at and the start of processing.
	queueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "jobqueue",
		Subsystem: "worker",
		Name:      "queue_latency_seconds",
		Help:      "Time spent in queue before processing",
		Buckets:   prometheus.DefBuckets,
	}, []string{"type"})

	// queueDepth is updated by the statistics loop.
	// Labels:
	//   - type: queue type
	//   - state: "pending", "delayed", "processing"
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "jobqueue",
		Subsystem: "worker",
		Name:      "queue_depth",
		Help:      "Number of tasks in each queue",
	}, []string{"type", "state"})

	workersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobqueue",
		Subsystem: "worker",
		Name:      "workers_active",
		Help:      "Number of workers currently executing a task",
	})

	dequeueErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobqueue",
		Subsystem: "worker",
		Name:      "dequeue_errors_total",
		Help:      "Total number of dequeue errors",
	})

	taskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobqueue",
		Subsystem: "worker",
		Name:      "retries_total",
		Help:      "Total number of scheduled retries",
	}, []string{"type"})
)
