package consistency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseboard/agentbridge/internal/models"
	"github.com/pulseboard/agentbridge/internal/registry"
	"github.com/pulseboard/agentbridge/internal/store"
)

func seed(t *testing.T, s *store.MemoryStore, agentID, tier string, age time.Duration, now time.Time) {
	t.Helper()
	_, err := s.RecordExecution(context.Background(), &models.AgentExecutionRecord{
		AgentID:       agentID,
		CorrelationID: "seed",
		Offset:        store.ServerAssignedOffset,
		Payload:       []byte(`{}`),
		Tier:          tier,
		ReceivedAt:    now.Add(-age),
	})
	require.NoError(t, err)
}

func TestDefaultDriftThreshold(t *testing.T) {
	v := New(store.NewMemoryStore(), registry.Default(), 0)
	assert.Equal(t, 48.0, v.driftThresholdHours)
}

func TestValidateEmptyStore(t *testing.T) {
	v := New(store.NewMemoryStore(), registry.Default(), 24)

	report, err := v.Validate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.AgentsCompared)
	assert.Zero(t, report.ConsistencyPercentage)
	assert.NotEmpty(t, report.Reason)
}

func TestValidateAllAligned(t *testing.T) {
	s := store.NewMemoryStore()
	now := time.Now()
	seed(t, s, "market-analyst", "strategic", time.Hour, now)
	seed(t, s, "customer-insights", "insights", 2*time.Hour, now)
	seed(t, s, "data-quality", "tooling", 3*time.Hour, now)

	v := New(s, registry.Default(), 24, WithClock(func() time.Time { return now }))

	report, err := v.Validate(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.AgentsCompared, 3)
	assert.InDelta(t, 2, report.MaxTimestampDriftHours, 0.01)
	assert.False(t, report.DriftExceeded)
	assert.Empty(t, report.TierMisalignments)
	assert.Equal(t, float64(100), report.ConsistencyPercentage)
}

func TestValidateDetectsDrift(t *testing.T) {
	s := store.NewMemoryStore()
	now := time.Now()
	seed(t, s, "market-analyst", "strategic", time.Hour, now)
	seed(t, s, "data-quality", "tooling", 40*time.Hour, now)

	v := New(s, registry.Default(), 24, WithClock(func() time.Time { return now }))

	report, err := v.Validate(context.Background())
	require.NoError(t, err)
	assert.True(t, report.DriftExceeded)
	assert.InDelta(t, 39, report.MaxTimestampDriftHours, 0.01)
	// One of two agents is drifted from the newest.
	assert.Equal(t, float64(50), report.ConsistencyPercentage)
	assert.Contains(t, report.Reason, "drift")
}

func TestValidateDetectsTierMisalignment(t *testing.T) {
	s := store.NewMemoryStore()
	now := time.Now()
	seed(t, s, "market-analyst", "tooling", time.Hour, now) // roster says strategic
	seed(t, s, "data-quality", "tooling", time.Hour, now)

	v := New(s, registry.Default(), 24, WithClock(func() time.Time { return now }))

	report, err := v.Validate(context.Background())
	require.NoError(t, err)
	require.Len(t, report.TierMisalignments, 1)
	assert.Equal(t, "market-analyst", report.TierMisalignments[0].AgentID)
	assert.Equal(t, "strategic", report.TierMisalignments[0].ExpectedTier)
	assert.Equal(t, "tooling", report.TierMisalignments[0].ActualTier)
	assert.Equal(t, float64(50), report.ConsistencyPercentage)
}

func TestValidateEmptyTierIsNotMisaligned(t *testing.T) {
	s := store.NewMemoryStore()
	now := time.Now()
	seed(t, s, "market-analyst", "", time.Hour, now)

	v := New(s, registry.Default(), 24, WithClock(func() time.Time { return now }))

	report, err := v.Validate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.TierMisalignments)
	assert.Equal(t, float64(100), report.ConsistencyPercentage)
}

func TestValidateIgnoresRetiredAgents(t *testing.T) {
	s := store.NewMemoryStore()
	now := time.Now()
	seed(t, s, "market-analyst", "strategic", time.Hour, now)
	seed(t, s, "long-retired-agent", "strategic", 500*time.Hour, now)

	v := New(s, registry.Default(), 24, WithClock(func() time.Time { return now }))

	report, err := v.Validate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"market-analyst"}, report.AgentsCompared)
	assert.False(t, report.DriftExceeded)
}
