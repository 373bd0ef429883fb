package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AlertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zcrai_alerts_created_total",
			Help: "Total number of new alerts created",
		},
		[]string{"severity"},
	)

	AlertsDeduplicated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zcrai_alerts_deduplicated_total",
			Help: "Total number of alert occurrences collapsed into an existing alert",
		},
		[]string{"severity"},
	)

	ObservablesExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zcrai_observables_extracted_total",
			Help: "Total number of observables extracted from new alerts",
		},
		[]string{"type"},
	)

	CorrelationsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zcrai_correlations_recorded_total",
			Help: "Total number of correlation records persisted",
		},
		[]string{"reason"},
	)

	RuleRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zcrai_rule_runs_total",
			Help: "Total number of detection rule runs by outcome",
		},
		[]string{"outcome"},
	)

	RuleHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zcrai_rule_hits_total",
			Help: "Total number of event rows matched by detection rules",
		},
	)

	RuleRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "zcrai_rule_run_duration_seconds",
			Help:    "Time taken to run a single detection rule",
			Buckets: prometheus.DefBuckets,
		},
	)

	TriageOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zcrai_triage_outcomes_total",
			Help: "Total number of triage runs by final status",
		},
		[]string{"status"},
	)

	TriageDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "zcrai_triage_duration_seconds",
			Help:    "Time taken to triage an alert",
			Buckets: prometheus.DefBuckets,
		},
	)

	ClassifierFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zcrai_classifier_fallbacks_total",
			Help: "Total number of mock verdicts served because the classifier failed",
		},
		[]string{"reason"},
	)

	ActionsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zcrai_actions_executed_total",
			Help: "Total number of response actions executed",
		},
		[]string{"type", "status"},
	)

	CasesPromoted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zcrai_cases_promoted_total",
			Help: "Total number of alerts promoted to cases",
		},
		[]string{"created_by"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zcrai_notifications_sent_total",
			Help: "Total number of notification deliveries by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	TasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zcrai_pipeline_tasks_total",
			Help: "Total number of pipeline tasks by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	WorkerPoolActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zcrai_worker_pool_active_workers",
			Help: "Number of active workers in the pool",
		},
		[]string{"pool_type"},
	)

	WorkerPoolQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zcrai_worker_pool_queue_size",
			Help: "Number of tasks waiting in the pool queue",
		},
		[]string{"pool_type"},
	)

	WorkerPoolTasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zcrai_worker_pool_tasks_processed_total",
			Help: "Total number of tasks processed by the pool",
		},
		[]string{"pool_type"},
	)

	EventQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zcrai_event_queries_total",
			Help: "Total number of event store queries by outcome",
		},
		[]string{"outcome"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zcrai_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zcrai_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache"},
	)

	QueueDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zcrai_queue_dead_lettered_total",
			Help: "Total number of tasks moved to the dead letter list",
		},
		[]string{"kind"},
	)

	SQLitePoolOpenConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zcrai_sqlite_pool_open_connections",
			Help: "Open connections in the SQLite pool",
		},
		[]string{"pool"},
	)

	SQLitePoolInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zcrai_sqlite_pool_in_use",
			Help: "Connections currently in use in the SQLite pool",
		},
		[]string{"pool"},
	)

	SQLitePoolWaitCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zcrai_sqlite_pool_wait_count_total",
			Help: "Total number of connections waited for",
		},
		[]string{"pool"},
	)
)
