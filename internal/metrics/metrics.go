package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Webhook ingestion metrics
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbridge_webhook_events_total",
			Help: "Total number of webhook events received",
		},
		[]string{"result"},
	)

	EventBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentbridge_webhook_event_bytes_total",
			Help: "Total bytes of webhook payload data received",
		},
	)

	DuplicateDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentbridge_duplicate_deliveries_total",
			Help: "Total redeliveries suppressed by the idempotency key",
		},
	)

	// Queue metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentbridge_ingest_queue_depth",
			Help: "Current depth of the ingestion queue",
		},
	)

	QueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentbridge_ingest_queue_capacity",
			Help: "Maximum capacity of the ingestion queue",
		},
	)

	// Retry executor metrics
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbridge_retry_attempts_total",
			Help: "Total outbound call attempts by target and outcome",
		},
		[]string{"target", "outcome"},
	)

	CircuitOpens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbridge_circuit_opens_total",
			Help: "Total circuit breaker open transitions by target",
		},
		[]string{"target"},
	)

	// Freshness / refresh metrics
	RefreshResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbridge_refresh_results_total",
			Help: "Refresh sweep outcomes by agent and result",
		},
		[]string{"agent", "result"},
	)

	FreshnessSweeps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentbridge_freshness_sweeps_total",
			Help: "Total periodic freshness sweeps executed",
		},
	)

	// Validation metrics
	ValidationRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbridge_validation_runs_total",
			Help: "Validation runs by kind and overall status",
		},
		[]string{"kind", "status"},
	)

	// Rate limiting metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbridge_rate_limit_hits_total",
			Help: "Total webhook deliveries rejected by the rate limiter",
		},
		[]string{"agent"},
	)

	// DLQ metrics
	DLQWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbridge_dlq_writes_total",
			Help: "Total payloads quarantined to the dead-letter queue",
		},
		[]string{"reason"},
	)
)
