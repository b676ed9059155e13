// Package store owns persistence of raw webhook events and derived agent
// execution records. Both logs are append-only: records are never mutated in
// place, and "latest per agent" is a query over the log, not a field.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/pulseboard/agentbridge/internal/models"
)

// ServerAssignedOffset marks an execution record whose upstream delivery
// carried no sequence/offset. The store assigns the next monotonic offset
// per (correlationId, agentId) at append time.
const ServerAssignedOffset int64 = -1

// ErrClosed is returned after Close.
var ErrClosed = errors.New("store closed")

// Store is the event store contract. Writes are append-only and safe for
// concurrent use; reads of "latest" are snapshot-consistent.
type Store interface {
	// AppendEvent persists a raw webhook delivery for audit. Every delivery
	// is recorded, including duplicates and signature failures.
	AppendEvent(ctx context.Context, event *models.WebhookEvent) error

	// RecordExecution appends an execution record. The idempotency key is
	// (correlationId, agentId, offset); redelivery of an existing key is a
	// no-op and returns inserted=false. A record with ServerAssignedOffset
	// is always inserted under the next per-agent sequence.
	RecordExecution(ctx context.Context, rec *models.AgentExecutionRecord) (inserted bool, err error)

	// LatestByAgent returns the most recent execution record for an agent.
	LatestByAgent(ctx context.Context, agentID string) (*models.AgentExecutionRecord, bool, error)

	// LatestAll returns the most recent execution record of every agent
	// that has ever reported.
	LatestAll(ctx context.Context) ([]*models.AgentExecutionRecord, error)

	// ExecutionsByCorrelation returns all execution records for a run.
	ExecutionsByCorrelation(ctx context.Context, correlationID string) ([]*models.AgentExecutionRecord, error)

	// ValidEventAgents returns the distinct source agents that delivered at
	// least one signature-valid webhook event for a run.
	ValidEventAgents(ctx context.Context, correlationID string) ([]string, error)

	// EventCount returns the number of audit events stored for a run.
	EventCount(ctx context.Context, correlationID string) (int, error)

	// PruneEvents deletes audit events received before cutoff, enforcing the
	// bounded retention window. Execution records are never pruned; "latest
	// per agent" must survive any sweep. Returns the number of events removed.
	PruneEvents(ctx context.Context, cutoff time.Time) (int, error)

	Close()
}
