package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_tasks_enqueued_total",
			Help: "Total number of tasks enqueued",
		},
		[]string{"type", "priority"},
	)
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_tasks_completed_total",
			Help: "Total number of tasks completed",
		},
		[]string{"type"},
	)
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_tasks_failed_total",
			Help: "Total number of task failures (including retried attempts)",
		},
		[]string{"type"},
	)
	TasksDeadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_tasks_dead_total",
			Help: "Total number of tasks moved to the dead-letter list",
		},
		[]string{"type"},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fabric_queue_depth",
			Help: "Number of pending tasks per priority lane",
		},
		[]string{"priority"},
	)
	WorkersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fabric_workers_active",
			Help: "Number of workers currently in the pool",
		},
	)
	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fabric_task_duration_seconds",
			Help:    "Task handler duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"type"},
	)

	RoutedActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_routed_actions_total",
			Help: "Total routed actions by preset and final status",
		},
		[]string{"preset", "status"},
	)
	RoutedActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fabric_routed_action_duration_seconds",
			Help:    "Routed action execution duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"preset"},
	)

	PIIScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_pii_scans_total",
			Help: "Total shift-left PII scans by policy and action taken",
		},
		[]string{"policy", "action"},
	)
	PIIMatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_pii_matches_total",
			Help: "Total PII matches by type",
		},
		[]string{"type"},
	)

	DelegationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_delegations_total",
			Help: "Total delegations by terminal status",
		},
		[]string{"status"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fabric_circuit_breaker_state",
			Help: "Circuit breaker state per dependency kind (0=closed, 1=half-open, 2=open)",
		},
		[]string{"kind"},
	)

	ProposalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_mapping_proposals_total",
			Help: "Mapping proposals by source and action tier",
		},
		[]string{"source", "action"},
	)

	FlagLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_flag_lookups_total",
			Help: "Feature flag lookups by outcome",
		},
		[]string{"outcome"},
	)

	StreamBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_stream_batches_total",
			Help: "Canonical event batches published, by connector and outcome",
		},
		[]string{"connector", "outcome"},
	)

	ResourceLockWaits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_resource_lock_waits_total",
			Help: "Resource lock acquisitions by outcome (granted, queued, aborted, timeout)",
		},
		[]string{"outcome"},
	)
)

// InitMetrics registers all collectors with the default registry.
func InitMetrics() {
	prometheus.MustRegister(TasksEnqueuedTotal)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(TasksDeadTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(WorkersActive)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(RoutedActionsTotal)
	prometheus.MustRegister(RoutedActionDuration)
	prometheus.MustRegister(PIIScansTotal)
	prometheus.MustRegister(PIIMatchesTotal)
	prometheus.MustRegister(DelegationsTotal)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(ProposalsTotal)
	prometheus.MustRegister(FlagLookupsTotal)
	prometheus.MustRegister(StreamBatchesTotal)
	prometheus.MustRegister(ResourceLockWaits)
}
