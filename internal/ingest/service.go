// Package ingest consumes inbound webhook deliveries. Signature
// verification happens synchronously so the caller gets an authoritative
// accept/reject, then accepted events flow through a bounded queue into a
// worker pool, decoupling ingestion rate from downstream processing rate.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulseboard/agentbridge/internal/dlq"
	"github.com/pulseboard/agentbridge/internal/logging"
	"github.com/pulseboard/agentbridge/internal/metrics"
	"github.com/pulseboard/agentbridge/internal/models"
	"github.com/pulseboard/agentbridge/internal/registry"
	"github.com/pulseboard/agentbridge/internal/signature"
	"github.com/pulseboard/agentbridge/internal/store"
)

// Recorder receives per-agent response notifications for correlation
// bookkeeping. Implemented by the orchestrator.
type Recorder interface {
	RecordAgentResponse(correlationID, agentID string, success bool) error
}

// Archiver receives raw events for long-term audit storage.
type Archiver interface {
	Archive(ctx context.Context, event *models.WebhookEvent) error
}

// Stats is a snapshot of ingestion counters.
type Stats struct {
	TotalReceived int64     `json:"totalReceived"`
	Accepted      int64     `json:"accepted"`
	RejectedAuth  int64     `json:"rejectedAuth"`
	Malformed     int64     `json:"malformed"`
	Duplicates    int64     `json:"duplicates"`
	RecordsStored int64     `json:"recordsStored"`
	QueueDepth    int       `json:"queueDepth"`
	QueueCapacity int       `json:"queueCapacity"`
	LastEventAt   time.Time `json:"lastEventAt"`
}

// Config sizes the ingestion pipeline.
type Config struct {
	QueueSize int
	Workers   int
	// MinConfidence is the confidence score below which a response still
	// produces a record but counts against the run's success tally.
	MinConfidence float64
}

type workItem struct {
	event    *models.WebhookEvent
	env      envelope
	parseErr error
}

// envelope is the expected shape of a signed agent payload.
type envelope struct {
	AgentID         string          `json:"agentId"`
	CorrelationID   string          `json:"correlationId,omitempty"`
	Offset          *int64          `json:"offset,omitempty"`
	ConfidenceScore float64         `json:"confidenceScore"`
	Tier            string          `json:"tier,omitempty"`
	GeneratedAt     *time.Time      `json:"generatedAt,omitempty"`
	Summary         string          `json:"summary,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// Service is the webhook ingestion pipeline.
type Service struct {
	verifier *signature.Verifier
	store    store.Store
	recorder Recorder
	dlq      dlq.Writer
	archiver Archiver
	reg      *registry.Registry
	logger   *logging.Logger
	cfg      Config

	queue  chan workItem
	quit   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	now    func() time.Time
	statMu sync.RWMutex
	stats  Stats
}

// New creates and starts an ingestion Service. recorder, dlqWriter and
// archiver may be nil.
func New(verifier *signature.Verifier, st store.Store, reg *registry.Registry, recorder Recorder, dlqWriter dlq.Writer, archiver Archiver, logger *logging.Logger, cfg Config) *Service {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 50
	}
	if logger == nil {
		logger = logging.Default()
	}

	s := &Service{
		verifier: verifier,
		store:    st,
		recorder: recorder,
		dlq:      dlqWriter,
		archiver: archiver,
		reg:      reg,
		logger:   logger,
		cfg:      cfg,
		queue:    make(chan workItem, cfg.QueueSize),
		quit:     make(chan struct{}),
		now:      time.Now,
	}

	metrics.QueueCapacity.Set(float64(cfg.QueueSize))

	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Submit verifies and accepts one raw webhook delivery. Every delivery is
// persisted for audit regardless of the verdict. It returns the stored
// event id; an AuthenticationError means the delivery was rejected
// terminally, and ErrQueueFull signals backpressure.
func (s *Service) Submit(ctx context.Context, rawBody []byte, signatureHeader, sourceIP string) (string, error) {
	now := s.now()
	event := &models.WebhookEvent{
		ID:              uuid.New().String(),
		ReceivedAt:      now,
		RawBody:         rawBody,
		SignatureHeader: signatureHeader,
		SourceIP:        sourceIP,
	}

	s.bumpReceived(len(rawBody))

	ok, reason := s.verifier.Verify(rawBody, signatureHeader, now)
	if !ok {
		// Terminal rejection of this event only; persisted for audit.
		if err := s.store.AppendEvent(ctx, event); err != nil {
			s.logger.ErrorContext(ctx, "failed to persist rejected event",
				logging.EventID(event.ID), logging.Error(err))
		}
		s.archive(ctx, event)
		s.bumpRejected()
		metrics.EventsTotal.WithLabelValues("rejected").Inc()
		return "", &models.AuthenticationError{Reason: reason}
	}

	event.SignatureValid = true

	// Tolerant envelope peek so the audit row carries attribution even when
	// the payload later fails schema validation.
	var env envelope
	parseErr := json.Unmarshal(rawBody, &env)
	if parseErr == nil {
		event.SourceAgentID = env.AgentID
		event.CorrelationID = env.CorrelationID
	}

	if err := s.store.AppendEvent(ctx, event); err != nil {
		return "", fmt.Errorf("persist event: %w", err)
	}

	select {
	case s.queue <- workItem{event: event, env: env, parseErr: parseErr}:
		metrics.QueueDepth.Set(float64(len(s.queue)))
		metrics.EventsTotal.WithLabelValues("accepted").Inc()
		return event.ID, nil
	default:
		metrics.EventsTotal.WithLabelValues("queue_full").Inc()
		return "", models.ErrQueueFull
	}
}

func (s *Service) worker() {
	defer s.wg.Done()

	for {
		select {
		case item := <-s.queue:
			metrics.QueueDepth.Set(float64(len(s.queue)))
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			s.process(ctx, item)
			cancel()
		case <-s.quit:
			return
		}
	}
}

func (s *Service) process(ctx context.Context, item workItem) {
	event := item.event
	s.archive(ctx, event)

	if err := s.validate(item); err != nil {
		s.quarantine(ctx, event, err)
		return
	}

	env := item.env
	offset := store.ServerAssignedOffset
	if env.Offset != nil {
		offset = *env.Offset
	}

	rec := &models.AgentExecutionRecord{
		AgentID:         env.AgentID,
		CorrelationID:   env.CorrelationID,
		Offset:          offset,
		Payload:         env.Data,
		Tier:            env.Tier,
		ConfidenceScore: env.ConfidenceScore,
		QualityScore:    qualityScore(env),
		ReceivedAt:      event.ReceivedAt,
	}

	inserted, err := s.store.RecordExecution(ctx, rec)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to record execution",
			logging.EventID(event.ID),
			logging.AgentID(env.AgentID),
			logging.CorrelationID(env.CorrelationID),
			logging.Error(err),
		)
		return
	}

	if !inserted {
		s.bumpDuplicate()
		metrics.DuplicateDeliveries.Inc()
		s.logger.DebugContext(ctx, "duplicate delivery suppressed",
			logging.AgentID(env.AgentID),
			logging.CorrelationID(env.CorrelationID),
		)
		return
	}

	s.bumpStored()

	if s.recorder != nil && env.CorrelationID != "" {
		success := env.ConfidenceScore >= s.cfg.MinConfidence
		if err := s.recorder.RecordAgentResponse(env.CorrelationID, env.AgentID, success); err != nil {
			// Records can arrive for correlations this instance never
			// triggered; that is data, not an error.
			s.logger.DebugContext(ctx, "agent response not tallied",
				logging.CorrelationID(env.CorrelationID),
				logging.AgentID(env.AgentID),
				logging.Error(err),
			)
		}
	}
}

func (s *Service) validate(item workItem) error {
	if item.parseErr != nil {
		return &models.DataIntegrityError{Reason: "malformed-json"}
	}
	env := item.env
	if env.AgentID == "" {
		return &models.DataIntegrityError{Reason: "missing-agent-id"}
	}
	if !s.reg.Contains(env.AgentID) {
		return &models.DataIntegrityError{Reason: "unknown-agent"}
	}
	if env.ConfidenceScore < 0 || env.ConfidenceScore > 100 {
		return &models.DataIntegrityError{Reason: "confidence-out-of-range"}
	}
	if len(env.Data) == 0 {
		return &models.DataIntegrityError{Reason: "missing-data"}
	}
	return nil
}

func (s *Service) quarantine(ctx context.Context, event *models.WebhookEvent, cause error) {
	s.bumpMalformed()

	var ie *models.DataIntegrityError
	reason := "invalid"
	if ok := asIntegrity(cause, &ie); ok {
		reason = ie.Reason
	}

	s.logger.WarnContext(ctx, "payload failed schema validation, quarantining",
		logging.EventID(event.ID),
		logging.AgentID(event.SourceAgentID),
		logging.CorrelationID(event.CorrelationID),
		"reason", reason,
	)

	if s.dlq != nil {
		if err := s.dlq.Write(ctx, event, cause, reason); err != nil {
			s.logger.ErrorContext(ctx, "failed to write DLQ entry",
				logging.EventID(event.ID), logging.Error(err))
		}
	}
}

func (s *Service) archive(ctx context.Context, event *models.WebhookEvent) {
	if s.archiver == nil {
		return
	}
	if err := s.archiver.Archive(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "audit archive write failed",
			logging.EventID(event.ID), logging.Error(err))
	}
}

// qualityScore derives payload completeness: each optional enrichment field
// present moves the score up. Data presence is already guaranteed by
// validation.
func qualityScore(env envelope) float64 {
	fields := 0
	total := 4
	if len(env.Data) > 2 { // more than "{}" / "[]"
		fields++
	}
	if env.Tier != "" {
		fields++
	}
	if env.GeneratedAt != nil {
		fields++
	}
	if env.Summary != "" {
		fields++
	}
	return float64(fields) / float64(total) * 100
}

// GetStats returns a snapshot of ingestion counters.
func (s *Service) GetStats() Stats {
	s.statMu.RLock()
	defer s.statMu.RUnlock()

	snapshot := s.stats
	snapshot.QueueDepth = len(s.queue)
	snapshot.QueueCapacity = s.cfg.QueueSize
	return snapshot
}

// Stop terminates the worker pool. Queued events that have not been
// processed remain in the audit log and can be replayed.
func (s *Service) Stop() {
	s.once.Do(func() { close(s.quit) })
	s.wg.Wait()
}

func (s *Service) bumpReceived(bytes int) {
	s.statMu.Lock()
	s.stats.TotalReceived++
	s.stats.LastEventAt = s.now()
	s.statMu.Unlock()
	metrics.EventBytesTotal.Add(float64(bytes))
}

func (s *Service) bumpRejected() {
	s.statMu.Lock()
	s.stats.RejectedAuth++
	s.statMu.Unlock()
}

func (s *Service) bumpMalformed() {
	s.statMu.Lock()
	s.stats.Malformed++
	s.statMu.Unlock()
}

func (s *Service) bumpDuplicate() {
	s.statMu.Lock()
	s.stats.Duplicates++
	s.statMu.Unlock()
}

func (s *Service) bumpStored() {
	s.statMu.Lock()
	s.stats.RecordsStored++
	s.stats.Accepted++
	s.statMu.Unlock()
}

func asIntegrity(err error, target **models.DataIntegrityError) bool {
	ie, ok := err.(*models.DataIntegrityError)
	if ok {
		*target = ie
	}
	return ok
}
