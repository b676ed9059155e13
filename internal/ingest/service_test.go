package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseboard/agentbridge/internal/models"
	"github.com/pulseboard/agentbridge/internal/registry"
	"github.com/pulseboard/agentbridge/internal/signature"
	"github.com/pulseboard/agentbridge/internal/store"
)

const testSecret = "ingest-test-secret"

type recorderCall struct {
	correlationID string
	agentID       string
	success       bool
}

type stubRecorder struct {
	mu    sync.Mutex
	calls []recorderCall
}

func (r *stubRecorder) RecordAgentResponse(correlationID, agentID string, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recorderCall{correlationID, agentID, success})
	return nil
}

func (r *stubRecorder) snapshot() []recorderCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorderCall(nil), r.calls...)
}

type stubDLQ struct {
	mu      sync.Mutex
	reasons []string
}

func (d *stubDLQ) Write(ctx context.Context, event *models.WebhookEvent, cause error, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reasons = append(d.reasons, reason)
	return nil
}

func (d *stubDLQ) Stats(ctx context.Context) map[string]interface{} { return nil }
func (d *stubDLQ) Close()                                           {}

func (d *stubDLQ) snapshot() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.reasons...)
}

type testPipeline struct {
	svc      *Service
	store    *store.MemoryStore
	recorder *stubRecorder
	dlq      *stubDLQ
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()

	s := store.NewMemoryStore()
	recorder := &stubRecorder{}
	q := &stubDLQ{}
	verifier := signature.NewVerifier(testSecret, 5*time.Minute)

	svc := New(verifier, s, registry.Default(), recorder, q, nil, nil, Config{
		QueueSize: 100,
		Workers:   2,
	})
	t.Cleanup(func() {
		svc.Stop()
		s.Close()
	})

	return &testPipeline{svc: svc, store: s, recorder: recorder, dlq: q}
}

func signedBody(t *testing.T, payload map[string]any) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return body, signature.Sign(body, testSecret, time.Now())
}

func validPayload(agentID, correlationID string, offset int64) map[string]any {
	return map[string]any{
		"agentId":         agentID,
		"correlationId":   correlationID,
		"offset":          offset,
		"confidenceScore": 92.5,
		"tier":            "strategic",
		"data":            map[string]any{"metric": "revenue", "value": 42},
	}
}

func TestSubmitValidDelivery(t *testing.T) {
	p := newTestPipeline(t)
	body, header := signedBody(t, validPayload("market-analyst", "corr-1", 0))

	eventID, err := p.svc.Submit(context.Background(), body, header, "10.0.0.1")
	require.NoError(t, err)
	assert.NotEmpty(t, eventID)

	require.Eventually(t, func() bool {
		records, err := p.store.ExecutionsByCorrelation(context.Background(), "corr-1")
		return err == nil && len(records) == 1
	}, time.Second, 10*time.Millisecond)

	records, err := p.store.ExecutionsByCorrelation(context.Background(), "corr-1")
	require.NoError(t, err)
	rec := records[0]
	assert.Equal(t, "market-analyst", rec.AgentID)
	assert.Equal(t, int64(0), rec.Offset)
	assert.Equal(t, 92.5, rec.ConfidenceScore)
	assert.JSONEq(t, `{"metric":"revenue","value":42}`, string(rec.Payload))

	calls := p.recorder.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, recorderCall{"corr-1", "market-analyst", true}, calls[0])
}

func TestSubmitLowConfidenceCountsAsUnsuccessful(t *testing.T) {
	p := newTestPipeline(t)
	payload := validPayload("market-analyst", "corr-1", 0)
	payload["confidenceScore"] = 20.0
	body, header := signedBody(t, payload)

	_, err := p.svc.Submit(context.Background(), body, header, "10.0.0.1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(p.recorder.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)

	assert.False(t, p.recorder.snapshot()[0].success)
}

func TestSubmitRejectsBadSignature(t *testing.T) {
	p := newTestPipeline(t)
	body, _ := signedBody(t, validPayload("market-analyst", "corr-1", 0))
	badHeader := signature.Sign(body, "wrong-secret", time.Now())

	_, err := p.svc.Submit(context.Background(), body, badHeader, "10.0.0.1")
	require.Error(t, err)
	assert.True(t, models.IsAuthentication(err))

	// The rejected delivery is still in the audit log.
	count, err := p.store.EventCount(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stats := p.svc.GetStats()
	assert.Equal(t, int64(1), stats.RejectedAuth)
	assert.Zero(t, stats.RecordsStored)
}

func TestSubmitQuarantinesMalformedJSON(t *testing.T) {
	p := newTestPipeline(t)
	body := []byte(`{"agentId":"market-analyst","confi`) // truncated
	header := signature.Sign(body, testSecret, time.Now())

	_, err := p.svc.Submit(context.Background(), body, header, "10.0.0.1")
	require.NoError(t, err, "valid signature with broken payload is accepted, then quarantined")

	require.Eventually(t, func() bool {
		return len(p.dlq.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"malformed-json"}, p.dlq.snapshot())
	assert.Empty(t, p.recorder.snapshot())
}

func TestSubmitQuarantinesUnknownAgent(t *testing.T) {
	p := newTestPipeline(t)
	body, header := signedBody(t, validPayload("rogue-agent", "corr-1", 0))

	_, err := p.svc.Submit(context.Background(), body, header, "10.0.0.1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(p.dlq.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"unknown-agent"}, p.dlq.snapshot())
}

func TestSubmitQuarantinesOutOfRangeConfidence(t *testing.T) {
	p := newTestPipeline(t)
	payload := validPayload("market-analyst", "corr-1", 0)
	payload["confidenceScore"] = 150.0
	body, header := signedBody(t, payload)

	_, err := p.svc.Submit(context.Background(), body, header, "10.0.0.1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(p.dlq.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"confidence-out-of-range"}, p.dlq.snapshot())
}

func TestSubmitDeduplicatesRedelivery(t *testing.T) {
	p := newTestPipeline(t)

	for i := 0; i < 3; i++ {
		body, header := signedBody(t, validPayload("market-analyst", "corr-1", 5))
		_, err := p.svc.Submit(context.Background(), body, header, "10.0.0.1")
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		stats := p.svc.GetStats()
		return stats.RecordsStored == 1 && stats.Duplicates == 2
	}, time.Second, 10*time.Millisecond)

	records, err := p.store.ExecutionsByCorrelation(context.Background(), "corr-1")
	require.NoError(t, err)
	assert.Len(t, records, 1)

	// Every delivery is acknowledged and audited; only the first reaches
	// the orchestrator tally.
	count, err := p.store.EventCount(context.Background(), "corr-1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Len(t, p.recorder.snapshot(), 1)
}

func TestSubmitServerAssignsMissingOffsets(t *testing.T) {
	p := newTestPipeline(t)

	for i := 0; i < 2; i++ {
		payload := validPayload("market-analyst", "corr-1", 0)
		delete(payload, "offset")
		payload["data"] = map[string]any{"iteration": i}
		body, header := signedBody(t, payload)
		_, err := p.svc.Submit(context.Background(), body, header, "10.0.0.1")
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		records, err := p.store.ExecutionsByCorrelation(context.Background(), "corr-1")
		return err == nil && len(records) == 2
	}, time.Second, 10*time.Millisecond)

	records, err := p.store.ExecutionsByCorrelation(context.Background(), "corr-1")
	require.NoError(t, err)
	offsets := map[int64]bool{}
	for _, rec := range records {
		offsets[rec.Offset] = true
	}
	assert.Len(t, offsets, 2, "offset-less deliveries become distinct records")
}

func TestSubmitBackpressure(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()
	verifier := signature.NewVerifier(testSecret, 5*time.Minute)

	svc := New(verifier, s, registry.Default(), nil, nil, nil, nil, Config{
		QueueSize: 1,
		Workers:   1,
	})
	svc.Stop() // workers gone; the queue no longer drains

	var full bool
	for i := 0; i < 3; i++ {
		body, header := signedBody(t, validPayload("market-analyst", "corr-1", int64(i)))
		_, err := svc.Submit(context.Background(), body, header, "10.0.0.1")
		if err != nil {
			require.ErrorIs(t, err, models.ErrQueueFull)
			full = true
		}
	}
	assert.True(t, full, "a saturated queue must push back")
}

func TestQualityScore(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		env  envelope
		want float64
	}{
		{"all fields", envelope{Data: []byte(`{"a":1}`), Tier: "strategic", GeneratedAt: &now, Summary: "s"}, 100},
		{"data only", envelope{Data: []byte(`{"a":1}`)}, 25},
		{"empty data object", envelope{Data: []byte(`{}`), Tier: "strategic"}, 25},
		{"nothing", envelope{}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, qualityScore(tc.env))
		})
	}
}

func TestSubmitStatsAccumulate(t *testing.T) {
	p := newTestPipeline(t)

	for i := 0; i < 5; i++ {
		body, header := signedBody(t, validPayload("market-analyst", fmt.Sprintf("corr-%d", i), 0))
		_, err := p.svc.Submit(context.Background(), body, header, "10.0.0.1")
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return p.svc.GetStats().RecordsStored == 5
	}, time.Second, 10*time.Millisecond)

	stats := p.svc.GetStats()
	assert.Equal(t, int64(5), stats.TotalReceived)
	assert.Equal(t, int64(5), stats.Accepted)
	assert.Equal(t, 100, stats.QueueCapacity)
	assert.False(t, stats.LastEventAt.IsZero())
}
