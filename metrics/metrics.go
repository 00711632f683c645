package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Orchestrator metrics
var (
	ExecutionsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_executions_submitted_total",
			Help: "Total number of tool executions accepted",
		},
		[]string{"tool"},
	)

	ExecutionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_executions_rejected_total",
			Help: "Total number of submissions rejected before an execution was recorded",
		},
		[]string{"reason"},
	)

	ExecutionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_executions_completed_total",
			Help: "Total number of tool executions reaching a terminal state",
		},
		[]string{"tool", "status"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "argus_execution_duration_seconds",
			Help:    "Wall time of tool executions from running to terminal",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 3600},
		},
		[]string{"tool"},
	)

	ExecutionStartRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_execution_start_retries_total",
			Help: "Total number of transient start failures retried",
		},
		[]string{"tool"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "argus_queue_depth",
			Help: "Executions waiting for a slot, per queue",
		},
		[]string{"queue"},
	)

	QueueRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "argus_queue_running",
			Help: "Executions holding a slot, per queue",
		},
		[]string{"queue"},
	)

	OutputLines = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_output_lines_total",
			Help: "Total number of output lines captured",
		},
		[]string{"stream"},
	)

	OutputLinesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_output_lines_dropped_total",
			Help: "Total number of output lines dropped past the per-execution cap",
		},
	)

	CompletionEventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_completion_events_total",
			Help: "Total number of completion events delivered to listeners",
		},
		[]string{"status"},
	)
)

// Correlation metrics
var (
	FindingsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_findings_ingested_total",
			Help: "Total number of findings evaluated by the rule engine",
		},
		[]string{"tool"},
	)

	RuleMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_rule_matches_total",
			Help: "Total number of rule firings",
		},
		[]string{"rule_id", "type"},
	)

	RuleEvaluationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_rule_evaluation_errors_total",
			Help: "Total number of rule evaluation errors isolated by the engine",
		},
		[]string{"rule_id"},
	)

	RuleEvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "argus_rule_evaluation_duration_seconds",
			Help:    "Time taken to evaluate all rules against one finding",
			Buckets: prometheus.DefBuckets,
		},
	)

	RegexTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_regex_timeouts_total",
			Help: "Total number of regex predicates aborted by the match timeout",
		},
		[]string{"rule_id"},
	)

	RulesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "argus_rules_loaded",
			Help: "Number of detection rules currently loaded",
		},
	)

	AlertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_alerts_created_total",
			Help: "Total number of alerts created",
		},
		[]string{"severity"},
	)

	AlertsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_alerts_deduplicated_total",
			Help: "Total number of firings folded into an existing alert",
		},
	)

	AlertTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_alert_transitions_total",
			Help: "Total number of alert status transitions",
		},
		[]string{"from", "to"},
	)
)

// Indicator and enrichment metrics
var (
	IndicatorsUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_indicators_upserted_total",
			Help: "Total number of indicator upserts",
		},
		[]string{"type", "op"},
	)

	EnrichmentRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_enrichment_requests_total",
			Help: "Total number of enrichment provider calls",
		},
		[]string{"provider", "result"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_cache_hits_total",
			Help: "Total number of enrichment cache hits",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_cache_misses_total",
			Help: "Total number of enrichment cache misses",
		},
		[]string{"cache"},
	)

	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_cache_errors_total",
			Help: "Total number of enrichment cache errors",
		},
		[]string{"cache", "op"},
	)
)

// Infrastructure metrics
var (
	WorkerPoolActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "argus_worker_pool_active_workers",
			Help: "Number of active workers per pool",
		},
		[]string{"pool_type"},
	)

	WorkerPoolQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "argus_worker_pool_queue_size",
			Help: "Tasks waiting in each worker pool queue",
		},
		[]string{"pool_type"},
	)

	WorkerPoolTasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_worker_pool_tasks_processed_total",
			Help: "Total number of tasks processed per pool",
		},
		[]string{"pool_type"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_notifications_sent_total",
			Help: "Total number of case-service notifications delivered",
		},
		[]string{"sink"},
	)

	NotificationsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_notifications_failed_total",
			Help: "Total number of case-service notifications that failed",
		},
		[]string{"sink"},
	)

	AgentMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_agent_messages_total",
			Help: "Total number of messages received from remote agents",
		},
		[]string{"kind"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_http_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status"},
	)
)
