// Package orchestrator tracks workflow runs: it allocates correlation ids,
// tallies expected vs. observed agent responses, and settles each run into a
// terminal status. It never retries non-responsive agents itself; that
// belongs to the freshness monitor's refresh path.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulseboard/agentbridge/internal/logging"
	"github.com/pulseboard/agentbridge/internal/models"
	"github.com/pulseboard/agentbridge/internal/registry"
)

// Platform is the upstream trigger call. Nil means webhook-only operation:
// runs are tracked but nothing is asked of the platform.
type Platform interface {
	TriggerSync(ctx context.Context, correlationID string, scope models.SyncScope) error
}

// service prefix baked into correlation ids: bridge-<epochMillis>-<random>.
const idPrefix = "bridge"

type run struct {
	ctx        models.CorrelationContext
	responded  map[string]bool // agentID -> success
	triggerErr error

	allDone  chan struct{}
	doneOnce sync.Once
}

func (r *run) markDone() {
	r.doneOnce.Do(func() { close(r.allDone) })
}

// Orchestrator manages the correlation state machine:
// pending -> running -> {completed | degraded | failed}.
type Orchestrator struct {
	mu      sync.Mutex
	runs    map[string]*run
	byScope map[models.SyncScope]string

	reg            *registry.Registry
	platform       Platform
	collapseWindow time.Duration
	retention      time.Duration
	logger         *logging.Logger

	now     func() time.Time
	stopCh  chan struct{}
	stopped sync.Once
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCollapseWindow sets how long duplicate triggers for the same scope are
// collapsed onto the existing running correlation.
func WithCollapseWindow(d time.Duration) Option {
	return func(o *Orchestrator) { o.collapseWindow = d }
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithRetention sets how long settled runs stay queryable.
func WithRetention(d time.Duration) Option {
	return func(o *Orchestrator) { o.retention = d }
}

// New creates an Orchestrator. platform may be nil.
func New(reg *registry.Registry, platform Platform, logger *logging.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = logging.Default()
	}
	o := &Orchestrator{
		runs:           make(map[string]*run),
		byScope:        make(map[models.SyncScope]string),
		reg:            reg,
		platform:       platform,
		collapseWindow: 60 * time.Second,
		retention:      24 * time.Hour,
		logger:         logger,
		now:            time.Now,
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}

	go o.cleanupLoop()
	return o
}

// Trigger starts a new workflow run, or returns the existing one when a
// duplicate trigger for the same scope lands inside the collapse window.
// It returns immediately with the pending-state snapshot; callers poll
// status or call Finalize later.
func (o *Orchestrator) Trigger(scope models.SyncScope, triggeredBy string) models.CorrelationContext {
	o.mu.Lock()

	if id, ok := o.byScope[scope]; ok {
		if existing, ok := o.runs[id]; ok &&
			!existing.ctx.Status.Terminal() &&
			o.now().Sub(existing.ctx.StartedAt) < o.collapseWindow {
			snapshot := existing.ctx
			o.mu.Unlock()
			o.logger.Info("duplicate trigger collapsed onto running correlation",
				logging.CorrelationID(snapshot.CorrelationID),
				"scope", string(scope),
			)
			return snapshot
		}
	}

	now := o.now()
	id := fmt.Sprintf("%s-%d-%s", idPrefix, now.UnixMilli(), uuid.NewString()[:8])

	r := &run{
		ctx: models.CorrelationContext{
			CorrelationID:  id,
			TriggeredBy:    triggeredBy,
			SyncScope:      scope,
			StartedAt:      now,
			Status:         models.StatusPending,
			AgentsExpected: o.reg.Expected(),
		},
		responded: make(map[string]bool),
		allDone:   make(chan struct{}),
	}
	o.runs[id] = r
	o.byScope[scope] = id

	// The caller sees the run as created: pending. Dispatch moves it to
	// running immediately after; the platform call is fire-and-forget.
	snapshot := r.ctx
	r.ctx.Status = models.StatusRunning
	o.mu.Unlock()

	o.logger.Info("workflow run triggered",
		logging.CorrelationID(id),
		"scope", string(scope),
		"triggered_by", triggeredBy,
		"agents_expected", snapshot.AgentsExpected,
	)

	if o.platform != nil {
		go o.fireTrigger(id, scope)
	}

	return snapshot
}

func (o *Orchestrator) fireTrigger(correlationID string, scope models.SyncScope) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	err := o.platform.TriggerSync(ctx, correlationID, scope)
	if err == nil {
		return
	}

	o.logger.Error("platform trigger call failed",
		logging.CorrelationID(correlationID),
		logging.Error(err),
	)

	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.runs[correlationID]; ok && !r.ctx.Status.Terminal() {
		r.triggerErr = err
	}
}

// RecordAgentResponse updates the expected-vs-observed tally for a run.
// Responses for terminal runs and duplicate responses from the same agent
// are ignored.
func (o *Orchestrator) RecordAgentResponse(correlationID, agentID string, success bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	r, ok := o.runs[correlationID]
	if !ok {
		return fmt.Errorf("correlation %s: %w", correlationID, models.ErrNotFound)
	}
	if r.ctx.Status.Terminal() {
		return models.ErrFinalized
	}
	if !o.reg.Contains(agentID) {
		return fmt.Errorf("agent %s not on roster: %w", agentID, models.ErrNotFound)
	}
	if _, dup := r.responded[agentID]; dup {
		return nil
	}

	r.responded[agentID] = success
	r.ctx.AgentsResponded = len(r.responded)
	if success {
		r.ctx.AgentsSucceeded++
	}

	if r.ctx.AgentsResponded >= r.ctx.AgentsExpected {
		r.markDone()
	}
	return nil
}

// Finalize blocks until all expected agents have responded or timeout
// elapses, then settles the run into a terminal status. If the caller's ctx
// expires first, the best-known partial state is returned with TimedOut set
// and the run stays live; callers must treat that as degraded, not failed.
func (o *Orchestrator) Finalize(ctx context.Context, correlationID string, timeout time.Duration) (models.CorrelationContext, error) {
	o.mu.Lock()
	r, ok := o.runs[correlationID]
	if !ok {
		o.mu.Unlock()
		return models.CorrelationContext{}, fmt.Errorf("correlation %s: %w", correlationID, models.ErrNotFound)
	}
	if r.ctx.Status.Terminal() {
		snapshot := r.ctx
		o.mu.Unlock()
		return snapshot, nil
	}
	o.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	timedOut := false
	select {
	case <-r.allDone:
	case <-deadline.C:
		timedOut = true
	case <-ctx.Done():
		// Caller deadline: partial result, run stays live.
		o.mu.Lock()
		snapshot := r.ctx
		o.mu.Unlock()
		snapshot.TimedOut = true
		snapshot.Reason = "finalize deadline exceeded; partial state"
		return snapshot, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if r.ctx.Status.Terminal() {
		return r.ctx, nil
	}

	now := o.now()
	r.ctx.FinalizedAt = &now
	r.ctx.TimedOut = timedOut

	switch {
	case r.ctx.AgentsResponded == 0:
		r.ctx.Status = models.StatusFailed
		if r.triggerErr != nil {
			r.ctx.Reason = fmt.Sprintf("trigger call failed: %v", r.triggerErr)
		} else {
			r.ctx.Reason = "no agent responses before timeout"
		}
	case r.ctx.AgentsResponded == r.ctx.AgentsExpected && r.ctx.AgentsSucceeded == r.ctx.AgentsExpected:
		r.ctx.Status = models.StatusCompleted
	default:
		r.ctx.Status = models.StatusDegraded
		r.ctx.Reason = fmt.Sprintf("%d/%d agents responded, %d succeeded",
			r.ctx.AgentsResponded, r.ctx.AgentsExpected, r.ctx.AgentsSucceeded)
	}
	r.markDone()

	o.logger.Info("workflow run finalized",
		logging.CorrelationID(correlationID),
		"status", string(r.ctx.Status),
		"agents_responded", r.ctx.AgentsResponded,
		"agents_expected", r.ctx.AgentsExpected,
		"timed_out", timedOut,
	)

	return r.ctx, nil
}

// Get returns a snapshot of a run's current state.
func (o *Orchestrator) Get(correlationID string) (models.CorrelationContext, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	r, ok := o.runs[correlationID]
	if !ok {
		return models.CorrelationContext{}, false
	}
	return r.ctx, true
}

// cleanupLoop evicts settled runs past the retention window.
func (o *Orchestrator) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.cleanup()
		case <-o.stopCh:
			return
		}
	}
}

func (o *Orchestrator) cleanup() {
	o.mu.Lock()
	defer o.mu.Unlock()

	cutoff := o.now().Add(-o.retention)
	for id, r := range o.runs {
		if r.ctx.Status.Terminal() && r.ctx.FinalizedAt != nil && r.ctx.FinalizedAt.Before(cutoff) {
			delete(o.runs, id)
			if o.byScope[r.ctx.SyncScope] == id {
				delete(o.byScope, r.ctx.SyncScope)
			}
		}
	}
}

// Close stops the cleanup goroutine.
func (o *Orchestrator) Close() {
	o.stopped.Do(func() { close(o.stopCh) })
}
