package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseboard/agentbridge/internal/models"
)

func record(corr, agent string, offset int64, at time.Time) *models.AgentExecutionRecord {
	return &models.AgentExecutionRecord{
		AgentID:         agent,
		CorrelationID:   corr,
		Offset:          offset,
		Payload:         []byte(`{"metric":"revenue"}`),
		Tier:            "strategic",
		ConfidenceScore: 90,
		ReceivedAt:      at,
	}
}

func TestRecordExecutionDeduplicatesRedelivery(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()
	at := time.Now()

	inserted, err := s.RecordExecution(ctx, record("corr-1", "market-analyst", 7, at))
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same (correlation, agent, offset) delivered four more times.
	for i := 0; i < 4; i++ {
		inserted, err := s.RecordExecution(ctx, record("corr-1", "market-analyst", 7, at.Add(time.Second)))
		require.NoError(t, err)
		assert.False(t, inserted)
	}

	records, err := s.ExecutionsByCorrelation(ctx, "corr-1")
	require.NoError(t, err)
	assert.Len(t, records, 1, "five deliveries, exactly one record")
}

func TestRecordExecutionDistinctOffsetsAreDistinctRecords(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()
	at := time.Now()

	for offset := int64(0); offset < 3; offset++ {
		inserted, err := s.RecordExecution(ctx, record("corr-1", "market-analyst", offset, at))
		require.NoError(t, err)
		assert.True(t, inserted)
	}

	records, err := s.ExecutionsByCorrelation(ctx, "corr-1")
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestRecordExecutionServerAssignedOffsets(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()
	at := time.Now()

	// Deliveries without an upstream offset each get the next sequence value.
	for i := 0; i < 3; i++ {
		inserted, err := s.RecordExecution(ctx, record("corr-1", "data-quality", ServerAssignedOffset, at))
		require.NoError(t, err)
		assert.True(t, inserted)
	}

	records, err := s.ExecutionsByCorrelation(ctx, "corr-1")
	require.NoError(t, err)
	require.Len(t, records, 3)

	seen := map[int64]bool{}
	for _, rec := range records {
		assert.GreaterOrEqual(t, rec.Offset, int64(0))
		assert.False(t, seen[rec.Offset], "server-assigned offsets must be unique")
		seen[rec.Offset] = true
	}
}

func TestLatestByAgentTracksNewest(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()
	base := time.Now()

	_, err := s.RecordExecution(ctx, record("corr-1", "market-analyst", 0, base))
	require.NoError(t, err)
	_, err = s.RecordExecution(ctx, record("corr-2", "market-analyst", 0, base.Add(time.Hour)))
	require.NoError(t, err)
	// An out-of-order older record must not win.
	_, err = s.RecordExecution(ctx, record("corr-3", "market-analyst", 0, base.Add(-time.Hour)))
	require.NoError(t, err)

	rec, ok, err := s.LatestByAgent(ctx, "market-analyst")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "corr-2", rec.CorrelationID)
}

func TestLatestByAgentUnknownAgent(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	_, ok, err := s.LatestByAgent(context.Background(), "never-reported")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLatestAllOnePerAgent(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()
	at := time.Now()

	_, err := s.RecordExecution(ctx, record("corr-1", "market-analyst", 0, at))
	require.NoError(t, err)
	_, err = s.RecordExecution(ctx, record("corr-1", "data-quality", 0, at))
	require.NoError(t, err)
	_, err = s.RecordExecution(ctx, record("corr-2", "market-analyst", 0, at.Add(time.Minute)))
	require.NoError(t, err)

	all, err := s.LatestAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestValidEventAgentsFiltersInvalidSignatures(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	events := []*models.WebhookEvent{
		{ID: "e1", CorrelationID: "corr-1", SourceAgentID: "market-analyst", SignatureValid: true},
		{ID: "e2", CorrelationID: "corr-1", SourceAgentID: "market-analyst", SignatureValid: true}, // duplicate agent
		{ID: "e3", CorrelationID: "corr-1", SourceAgentID: "data-quality", SignatureValid: false},
		{ID: "e4", CorrelationID: "corr-2", SourceAgentID: "report-builder", SignatureValid: true}, // other run
	}
	for _, ev := range events {
		require.NoError(t, s.AppendEvent(ctx, ev))
	}

	agents, err := s.ValidEventAgents(ctx, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"market-analyst"}, agents)

	count, err := s.EventCount(ctx, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, 3, count, "audit count includes rejected deliveries")
}

func TestStoreCopiesRecordsOnReturn(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	orig := record("corr-1", "market-analyst", 0, time.Now())
	_, err := s.RecordExecution(ctx, orig)
	require.NoError(t, err)

	rec, ok, err := s.LatestByAgent(ctx, "market-analyst")
	require.NoError(t, err)
	require.True(t, ok)

	rec.ConfidenceScore = 1
	again, _, err := s.LatestByAgent(ctx, "market-analyst")
	require.NoError(t, err)
	assert.Equal(t, float64(90), again.ConfidenceScore, "stored record must be immutable")
}

func TestPruneEventsRemovesOnlyExpired(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()
	now := time.Now()

	events := []*models.WebhookEvent{
		{ID: "old-1", CorrelationID: "corr-old", ReceivedAt: now.Add(-90 * 24 * time.Hour)},
		{ID: "old-2", CorrelationID: "corr-old", ReceivedAt: now.Add(-61 * 24 * time.Hour)},
		{ID: "new-1", CorrelationID: "corr-new", ReceivedAt: now.Add(-time.Hour)},
	}
	for _, ev := range events {
		require.NoError(t, s.AppendEvent(ctx, ev))
	}

	removed, err := s.PruneEvents(ctx, now.Add(-60*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	oldCount, err := s.EventCount(ctx, "corr-old")
	require.NoError(t, err)
	assert.Zero(t, oldCount)

	newCount, err := s.EventCount(ctx, "corr-new")
	require.NoError(t, err)
	assert.Equal(t, 1, newCount)
}

func TestPruneEventsLeavesExecutionsAlone(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()
	now := time.Now()

	_, err := s.RecordExecution(ctx, record("corr-old", "market-analyst", 0, now.Add(-90*24*time.Hour)))
	require.NoError(t, err)

	_, err = s.PruneEvents(ctx, now)
	require.NoError(t, err)

	_, ok, err := s.LatestByAgent(ctx, "market-analyst")
	require.NoError(t, err)
	assert.True(t, ok, "latest per agent must survive any retention sweep")
}

func TestJanitorPrunesExpiredEvents(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.AppendEvent(ctx, &models.WebhookEvent{
		ID: "e-old", CorrelationID: "corr-old", ReceivedAt: now.Add(-61 * 24 * time.Hour),
	}))
	require.NoError(t, s.AppendEvent(ctx, &models.WebhookEvent{
		ID: "e-new", CorrelationID: "corr-new", ReceivedAt: now,
	}))

	j := NewJanitor(s, 60, nil)
	j.prune(ctx)

	oldCount, err := s.EventCount(ctx, "corr-old")
	require.NoError(t, err)
	assert.Zero(t, oldCount)

	newCount, err := s.EventCount(ctx, "corr-new")
	require.NoError(t, err)
	assert.Equal(t, 1, newCount)
}

func TestClosedStoreReturnsErrClosed(t *testing.T) {
	s := NewMemoryStore()
	s.Close()
	ctx := context.Background()

	err := s.AppendEvent(ctx, &models.WebhookEvent{ID: "e1"})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = s.RecordExecution(ctx, record("corr-1", "a", 0, time.Now()))
	assert.ErrorIs(t, err, ErrClosed)
}
