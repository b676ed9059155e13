package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseboard/agentbridge/internal/models"
)

// Postgres tests run only against a real database, pointed at by
// BRIDGE_TEST_DATABASE_URL with migrations already applied.
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	url := os.Getenv("BRIDGE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("BRIDGE_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := NewPostgresStore(ctx, url)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestPostgresRecordExecutionIdempotency(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	corr := "test-" + time.Now().Format("20060102150405.000")

	rec := &models.AgentExecutionRecord{
		AgentID:         "market-analyst",
		CorrelationID:   corr,
		Offset:          1,
		Payload:         []byte(`{"metric":"x"}`),
		ConfidenceScore: 90,
		ReceivedAt:      time.Now().UTC(),
	}

	inserted, err := s.RecordExecution(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.RecordExecution(ctx, rec)
	require.NoError(t, err)
	assert.False(t, inserted, "redelivery must be a no-op")

	records, err := s.ExecutionsByCorrelation(ctx, corr)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestPostgresServerAssignedOffsets(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	corr := "test-" + time.Now().Format("20060102150405.000")

	for i := 0; i < 3; i++ {
		rec := &models.AgentExecutionRecord{
			AgentID:       "data-quality",
			CorrelationID: corr,
			Offset:        ServerAssignedOffset,
			Payload:       []byte(`{}`),
			ReceivedAt:    time.Now().UTC(),
		}
		inserted, err := s.RecordExecution(ctx, rec)
		require.NoError(t, err)
		assert.True(t, inserted)
	}

	records, err := s.ExecutionsByCorrelation(ctx, corr)
	require.NoError(t, err)
	require.Len(t, records, 3)

	seen := map[int64]bool{}
	for _, rec := range records {
		assert.False(t, seen[rec.Offset])
		seen[rec.Offset] = true
	}
}

func TestPostgresEventRoundTrip(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	corr := "test-" + time.Now().Format("20060102150405.000")

	err := s.AppendEvent(ctx, &models.WebhookEvent{
		ID:              "evt-" + corr,
		ReceivedAt:      time.Now().UTC(),
		RawBody:         []byte(`{"agentId":"market-analyst"}`),
		SignatureHeader: "t=1,v1=aa",
		SignatureValid:  true,
		SourceAgentID:   "market-analyst",
		CorrelationID:   corr,
		SourceIP:        "10.0.0.1",
	})
	require.NoError(t, err)

	agents, err := s.ValidEventAgents(ctx, corr)
	require.NoError(t, err)
	assert.Equal(t, []string{"market-analyst"}, agents)

	count, err := s.EventCount(ctx, corr)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPostgresPruneEvents(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	corr := "test-prune-" + time.Now().Format("20060102150405.000")

	err := s.AppendEvent(ctx, &models.WebhookEvent{
		ID:             "evt-" + corr,
		ReceivedAt:     time.Now().UTC().Add(-90 * 24 * time.Hour),
		RawBody:        []byte(`{}`),
		SignatureValid: true,
		SourceAgentID:  "market-analyst",
		CorrelationID:  corr,
	})
	require.NoError(t, err)

	removed, err := s.PruneEvents(ctx, time.Now().UTC().Add(-60*24*time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, 1)

	count, err := s.EventCount(ctx, corr)
	require.NoError(t, err)
	assert.Zero(t, count)
}
