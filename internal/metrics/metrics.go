package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsProcessed counts scheduled jobs by terminal result (completed, failed, skipped).
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leadflow",
			Name:      "jobs_processed_total",
			Help:      "Scheduled jobs processed by result",
		},
		[]string{"result"},
	)

	// ActionsExecuted counts executed actions by type and result.
	ActionsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leadflow",
			Name:      "actions_executed_total",
			Help:      "Automation actions executed by type and result",
		},
		[]string{"type", "result"},
	)

	// JobsEnqueued counts scheduled jobs created, labelled by origin.
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leadflow",
			Name:      "jobs_enqueued_total",
			Help:      "Scheduled jobs created by origin (runner, trigger kind, recurrence)",
		},
		[]string{"origin"},
	)

	// EmailsSent counts outbound email attempts by status.
	EmailsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leadflow",
			Name:      "emails_total",
			Help:      "Outbound emails by status",
		},
		[]string{"status"},
	)

	// TickDuration observes the duration of a job processor tick.
	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "leadflow",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one job processor tick",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

// ObserveAction records one action execution.
func ObserveAction(actionType string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	ActionsExecuted.WithLabelValues(actionType, result).Inc()
}
