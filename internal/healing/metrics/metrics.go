package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsReceived tracks failure events accepted by the engine
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selfheal_events_received_total",
			Help: "Total number of failure events received",
		},
		[]string{"source", "trigger"},
	)

	// EventsDropped tracks events rejected by intake throttling
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selfheal_events_dropped_total",
			Help: "Total number of failure events dropped at intake",
		},
		[]string{"reason"},
	)

	// Classifications tracks classifier results
	Classifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selfheal_classifications_total",
			Help: "Total number of classifications by pattern",
		},
		[]string{"pattern", "ambiguous"},
	)

	// RiskScore tracks the distribution of risk scores
	RiskScore = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "selfheal_risk_score",
			Help:    "Risk score assigned by the risk assessor",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
		[]string{"pattern"},
	)

	// AttemptsTotal tracks recovery attempts by terminal outcome
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selfheal_attempts_total",
			Help: "Total number of recovery attempts by outcome",
		},
		[]string{"pattern", "strategy", "outcome"},
	)

	// AttemptDuration tracks end-to-end attempt latency
	AttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "selfheal_attempt_duration_seconds",
			Help:    "Recovery attempt duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"pattern", "strategy"},
	)

	// StepDuration tracks individual step latency
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "selfheal_step_duration_seconds",
			Help:    "Recovery step duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy", "step", "result"},
	)

	// StepRetries tracks step retries after transient failures
	StepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selfheal_step_retries_total",
			Help: "Total number of step retries",
		},
		[]string{"strategy", "step"},
	)

	// Rollbacks tracks rollback executions
	Rollbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selfheal_rollbacks_total",
			Help: "Total number of rollbacks",
		},
		[]string{"pattern", "result"},
	)

	// BreakerState tracks breaker state per pattern (0 closed, 1 half-open, 2 open)
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "selfheal_breaker_state",
			Help: "Circuit breaker state per pattern (0 closed, 1 half-open, 2 open)",
		},
		[]string{"pattern"},
	)

	// Escalations tracks escalations by reason
	Escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selfheal_escalations_total",
			Help: "Total number of escalations",
		},
		[]string{"pattern", "reason"},
	)

	// Unrepaired tracks incidents left unrepaired after a rolled back attempt
	Unrepaired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selfheal_unrepaired_total",
			Help: "Total number of incidents left unrepaired after a rollback",
		},
		[]string{"pattern", "reason"},
	)

	// CacheLookups tracks cache fetch results per tier
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selfheal_cache_lookups_total",
			Help: "Total number of cache lookups by tier and result",
		},
		[]string{"tier", "result"},
	)

	// CacheCorruptions tracks checksum mismatches
	CacheCorruptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selfheal_cache_corruptions_total",
			Help: "Total number of corrupt cache entries detected",
		},
		[]string{"tier"},
	)

	// CacheEvictions tracks evicted entries
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selfheal_cache_evictions_total",
			Help: "Total number of evicted cache entries",
		},
		[]string{"tier", "reason"},
	)

	// CacheBytes tracks the bytes used per tier
	CacheBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "selfheal_cache_bytes",
			Help: "Bytes stored per cache tier",
		},
		[]string{"tier"},
	)

	// DBConnectionPoolUsage tracks database pool usage percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "selfheal_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)

	// InFlight tracks currently executing pipeline invocations
	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "selfheal_inflight_invocations",
			Help: "Number of pipeline invocations currently running",
		},
	)
)
