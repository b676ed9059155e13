package models

import (
	"encoding/json"
	"time"
)

// SyncScope selects how much of the agent roster a workflow run covers.
type SyncScope string

const (
	ScopeQuick SyncScope = "quick"
	ScopeFull  SyncScope = "full"
)

// CorrelationStatus is the lifecycle state of a workflow run.
type CorrelationStatus string

const (
	StatusPending   CorrelationStatus = "pending"
	StatusRunning   CorrelationStatus = "running"
	StatusCompleted CorrelationStatus = "completed"
	StatusDegraded  CorrelationStatus = "degraded"
	StatusFailed    CorrelationStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s CorrelationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusDegraded || s == StatusFailed
}

// WebhookEvent is a raw inbound delivery, persisted exactly as received.
// Immutable once stored; retained for audit.
type WebhookEvent struct {
	ID              string    `json:"id"`
	ReceivedAt      time.Time `json:"receivedAt"`
	RawBody         []byte    `json:"rawBody"`
	SignatureHeader string    `json:"signatureHeader"`
	SignatureValid  bool      `json:"signatureValid"`
	SourceAgentID   string    `json:"sourceAgentId,omitempty"`
	CorrelationID   string    `json:"correlationId,omitempty"`
	SourceIP        string    `json:"sourceIp,omitempty"`
}

// CorrelationContext ties all steps of one workflow run together.
type CorrelationContext struct {
	CorrelationID   string            `json:"correlationId"`
	TriggeredBy     string            `json:"triggeredBy"`
	SyncScope       SyncScope         `json:"syncScope"`
	StartedAt       time.Time         `json:"startedAt"`
	FinalizedAt     *time.Time        `json:"finalizedAt,omitempty"`
	Status          CorrelationStatus `json:"status"`
	AgentsExpected  int               `json:"agentsExpected"`
	AgentsResponded int               `json:"agentsResponded"`
	AgentsSucceeded int               `json:"agentsSucceeded"`
	TimedOut        bool              `json:"timedOut,omitempty"`
	Reason          string            `json:"reason,omitempty"`
}

// AgentExecutionRecord is the parsed, validated result of one agent's work
// for one correlation. Never mutated after creation; corrections arrive as
// new records and supersede older ones for freshness purposes.
type AgentExecutionRecord struct {
	AgentID         string          `json:"agentId"`
	CorrelationID   string          `json:"correlationId"`
	Offset          int64           `json:"offset"`
	Payload         json.RawMessage `json:"payload"`
	Tier            string          `json:"tier,omitempty"`
	ConfidenceScore float64         `json:"confidenceScore"`
	QualityScore    float64         `json:"qualityScore"`
	ReceivedAt      time.Time       `json:"receivedAt"`
}

// AgeHours returns the age of the record relative to now.
func (r *AgentExecutionRecord) AgeHours(now time.Time) float64 {
	return now.Sub(r.ReceivedAt).Hours()
}

// FreshnessClassification buckets an agent's data age.
type FreshnessClassification string

const (
	FreshnessFresh    FreshnessClassification = "fresh"
	FreshnessStale    FreshnessClassification = "stale"
	FreshnessCritical FreshnessClassification = "critical"
	FreshnessUnknown  FreshnessClassification = "unknown"
)

// FreshnessVerdict is the age classification of one agent's latest data.
// Recomputed on every check; never persisted.
type FreshnessVerdict struct {
	AgentID        string                  `json:"agentId"`
	AgeHours       float64                 `json:"ageHours"`
	Classification FreshnessClassification `json:"classification"`
	FreshHours     float64                 `json:"freshThresholdHours"`
	StaleHours     float64                 `json:"staleThresholdHours"`
	Reason         string                  `json:"reason,omitempty"`
}

// RefreshResult records the outcome of one agent's refresh attempt chain.
type RefreshResult struct {
	AgentID   string        `json:"agentId"`
	Refreshed bool          `json:"refreshed"`
	Strategy  string        `json:"strategy,omitempty"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"durationMs"`
	Error     string        `json:"error,omitempty"`
}

// TierMisalignment flags an agent whose declared output tier does not match
// the expected tier from the registry.
type TierMisalignment struct {
	AgentID      string `json:"agentId"`
	ExpectedTier string `json:"expectedTier"`
	ActualTier   string `json:"actualTier"`
}

// ConsistencyReport compares the latest record of every agent.
type ConsistencyReport struct {
	AgentsCompared         []string           `json:"agentsCompared"`
	MaxTimestampDriftHours float64            `json:"maxTimestampDriftHours"`
	DriftThresholdHours    float64            `json:"driftThresholdHours"`
	DriftExceeded          bool               `json:"driftExceeded"`
	TierMisalignments      []TierMisalignment `json:"tierMisalignments"`
	ConsistencyPercentage  float64            `json:"consistencyPercentage"`
	GeneratedAt            time.Time          `json:"generatedAt"`
	Reason                 string             `json:"reason,omitempty"`
}

// LayerStatus is the verdict of a single validation layer.
type LayerStatus string

const (
	LayerPass     LayerStatus = "pass"
	LayerDegraded LayerStatus = "degraded"
	LayerFailed   LayerStatus = "failed"
	LayerSkipped  LayerStatus = "skipped"
)

// OverallStatus is the rollup verdict of a validation run.
type OverallStatus string

const (
	OverallHealthy  OverallStatus = "healthy"
	OverallDegraded OverallStatus = "degraded"
	OverallFailed   OverallStatus = "failed"
)

// OrchestrationLayer reports whether the workflow run settled in time.
type OrchestrationLayer struct {
	Status            LayerStatus       `json:"status"`
	CorrelationStatus CorrelationStatus `json:"correlationStatus,omitempty"`
	TimedOut          bool              `json:"timedOut,omitempty"`
	Reason            string            `json:"reason,omitempty"`
}

// ExecutionLayer reports how many expected agents produced records.
type ExecutionLayer struct {
	Status         LayerStatus `json:"status"`
	AgentsExecuted int         `json:"agentsExecuted"`
	AgentsExpected int         `json:"agentsExpected"`
	Reason         string      `json:"reason,omitempty"`
}

// ReceptionLayer reports the fraction of expected payloads that arrived
// signed and were persisted.
type ReceptionLayer struct {
	Status               LayerStatus `json:"status"`
	ReceptionRatePercent float64     `json:"receptionRatePercent"`
	Reason               string      `json:"reason,omitempty"`
}

// ResultLayer reports whether a downstream-consumable result exists and is
// internally consistent.
type ResultLayer struct {
	Status      LayerStatus        `json:"status"`
	Consistency *ConsistencyReport `json:"consistency,omitempty"`
	Reason      string             `json:"reason,omitempty"`
}

// ValidationReport is the Aggregator's output. It is recomputed from the
// underlying records on every request and never stored as source of truth.
type ValidationReport struct {
	CorrelationID string              `json:"correlationId,omitempty"`
	Layer1Status  *OrchestrationLayer `json:"layer1Status,omitempty"`
	Layer2Status  *ExecutionLayer     `json:"layer2Status,omitempty"`
	Layer3Status  *ReceptionLayer     `json:"layer3Status,omitempty"`
	Layer4Status  *ResultLayer        `json:"layer4Status,omitempty"`
	Freshness     []FreshnessVerdict  `json:"freshness,omitempty"`
	OverallStatus OverallStatus       `json:"overallStatus"`
	TimedOut      bool                `json:"timedOut,omitempty"`
	Reason        string              `json:"reason,omitempty"`
	GeneratedAt   time.Time           `json:"generatedAt"`
}
