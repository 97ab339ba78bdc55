package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	// tasksEnqueued counts accepted enqueues, including merges.
	tasksEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_tasks_enqueued_total",
			Help: "Total number of reconciliation tasks enqueued.",
		},
		[]string{"kind", "source"},
	)

	tasksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_tasks_processed_total",
			Help: "Total number of reconciliation tasks executed successfully.",
		},
		[]string{"kind"},
	)

	tasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_tasks_failed_total",
			Help: "Total number of failed reconciliation task executions.",
		},
		[]string{"kind"},
	)

	// queueDepth gauges queued tasks by source. Shared by every Queue in the
	// process; one agent runs one queue.
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_queue_depth",
			Help: "Current number of queued reconciliation tasks.",
		},
		[]string{"source"},
	)

	reconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_reconcile_runs_total",
			Help: "Total number of full reconciliation runs by result.",
		},
		[]string{"result"},
	)

	// reconcileDuration buckets span quick test directories up to hour-long
	// scans of large ones.
	reconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_reconcile_duration_seconds",
			Help:    "Duration of full reconciliation scans in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 4, 9), // 50ms..~55min
		},
	)
)

func init() {
	prometheus.MustRegister(tasksEnqueued, tasksProcessed, tasksFailed, queueDepth, reconcileRuns, reconcileDuration)
}
