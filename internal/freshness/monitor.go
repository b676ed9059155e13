// Package freshness classifies the age of each agent's latest data and
// drives automated refresh of stale agents through an escalating strategy
// chain: direct refresh, scoped sync, force full sync.
package freshness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pulseboard/agentbridge/internal/logging"
	"github.com/pulseboard/agentbridge/internal/metrics"
	"github.com/pulseboard/agentbridge/internal/models"
	"github.com/pulseboard/agentbridge/internal/notification"
	"github.com/pulseboard/agentbridge/internal/registry"
	"github.com/pulseboard/agentbridge/internal/store"
)

// Refresher is the direct per-agent refresh call. Implemented by
// agentclient.Client.
type Refresher interface {
	RefreshAgent(ctx context.Context, correlationID string, agent registry.Agent) error
}

// Syncer starts tracked workflow runs. Implemented by the orchestrator, so
// sync escalations get a correlation context, show up in run status, and
// collapse onto an existing run when several agents escalate at once.
type Syncer interface {
	Trigger(scope models.SyncScope, triggeredBy string) models.CorrelationContext
}

// Config holds freshness thresholds and refresh pacing. Hour values must be
// ordered fresh < stale <= critical; config validation enforces that before
// the monitor is built.
type Config struct {
	FreshHours    float64
	StaleHours    float64
	CriticalHours float64

	RefreshConcurrency int
	// RefreshTimeout bounds the whole strategy chain for one agent.
	RefreshTimeout time.Duration
	// VerifyWindow is how long one strategy waits for new data to land
	// before the chain escalates.
	VerifyWindow   time.Duration
	VerifyInterval time.Duration
}

// DefaultConfig returns the standard thresholds: fresh under 24h, stale up
// to 72h, critical past that, with escalation flagged past 96h.
func DefaultConfig() Config {
	return Config{
		FreshHours:         24,
		StaleHours:         72,
		CriticalHours:      96,
		RefreshConcurrency: 3,
		RefreshTimeout:     300 * time.Second,
		VerifyWindow:       90 * time.Second,
		VerifyInterval:     5 * time.Second,
	}
}

// Monitor evaluates data age per agent and refreshes stale agents.
type Monitor struct {
	store     store.Store
	reg       *registry.Registry
	refresher Refresher
	syncer    Syncer
	notifier  notification.Channel
	logger    *logging.Logger
	cfg       Config

	now func() time.Time

	// inflight serializes refreshes per agent so a slow chain is never
	// doubled up by the sweeper and a manual request at once.
	mu       sync.Mutex
	inflight map[string]bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a freshness Monitor. refresher, syncer and notifier may
// be nil; without them the monitor classifies but cannot repair.
func NewMonitor(st store.Store, reg *registry.Registry, refresher Refresher, syncer Syncer, notifier notification.Channel, logger *logging.Logger, cfg Config, opts ...Option) *Monitor {
	if cfg.FreshHours <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.RefreshConcurrency <= 0 {
		cfg.RefreshConcurrency = 3
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 300 * time.Second
	}
	if cfg.VerifyWindow <= 0 {
		cfg.VerifyWindow = 90 * time.Second
	}
	if cfg.VerifyInterval <= 0 {
		cfg.VerifyInterval = 5 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}

	m := &Monitor{
		store:     st,
		reg:       reg,
		refresher: refresher,
		syncer:    syncer,
		notifier:  notifier,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		inflight:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Classify buckets a data age in hours. Boundary ages land in the staler
// bucket for FreshHours and the fresher bucket for StaleHours: age ==
// FreshHours is stale, age == StaleHours is still stale, anything past it
// is critical.
func (m *Monitor) Classify(ageHours float64) models.FreshnessClassification {
	switch {
	case ageHours < m.cfg.FreshHours:
		return models.FreshnessFresh
	case ageHours <= m.cfg.StaleHours:
		return models.FreshnessStale
	default:
		return models.FreshnessCritical
	}
}

// CheckAgent classifies one agent's latest data age. An agent with no
// records at all is unknown, which downstream consumers must treat at least
// as severely as stale.
func (m *Monitor) CheckAgent(ctx context.Context, agentID string) (models.FreshnessVerdict, error) {
	verdict := models.FreshnessVerdict{
		AgentID:    agentID,
		FreshHours: m.cfg.FreshHours,
		StaleHours: m.cfg.StaleHours,
	}

	if !m.reg.Contains(agentID) {
		return verdict, fmt.Errorf("agent %s not on roster: %w", agentID, models.ErrNotFound)
	}

	rec, ok, err := m.store.LatestByAgent(ctx, agentID)
	if err != nil {
		return verdict, fmt.Errorf("load latest record for %s: %w", agentID, err)
	}
	if !ok {
		verdict.Classification = models.FreshnessUnknown
		verdict.Reason = "no records"
		return verdict, nil
	}

	verdict.AgeHours = rec.AgeHours(m.now())
	verdict.Classification = m.Classify(verdict.AgeHours)
	return verdict, nil
}

// CheckAll classifies every agent on the roster in stable order. A store
// failure degrades the affected agent to unknown instead of aborting the
// sweep: the result is always the best-known state of the whole roster.
func (m *Monitor) CheckAll(ctx context.Context) []models.FreshnessVerdict {
	ids := m.reg.IDs()
	verdicts := make([]models.FreshnessVerdict, 0, len(ids))
	for _, id := range ids {
		v, err := m.CheckAgent(ctx, id)
		if err != nil {
			v.AgentID = id
			v.Classification = models.FreshnessUnknown
			v.Reason = err.Error()
		}
		verdicts = append(verdicts, v)
	}
	return verdicts
}

// RefreshStale classifies the roster and refreshes every agent that is not
// fresh, with bounded concurrency. Agents with a refresh already in flight
// are skipped. Returned results cover only the agents attempted this call.
func (m *Monitor) RefreshStale(ctx context.Context) []models.RefreshResult {
	verdicts := m.CheckAll(ctx)

	var targets []models.FreshnessVerdict
	for _, v := range verdicts {
		if v.Classification == models.FreshnessFresh {
			continue
		}
		if !m.claim(v.AgentID) {
			continue
		}
		targets = append(targets, v)
	}
	if len(targets) == 0 {
		return nil
	}

	results := make([]models.RefreshResult, len(targets))
	sem := make(chan struct{}, m.cfg.RefreshConcurrency)
	var wg sync.WaitGroup

	for i, v := range targets {
		wg.Add(1)
		go func(i int, v models.FreshnessVerdict) {
			defer wg.Done()
			defer m.release(v.AgentID)

			sem <- struct{}{}
			defer func() { <-sem }()

			results[i] = m.refreshOne(ctx, v)
		}(i, v)
	}
	wg.Wait()

	return results
}

// RefreshAgent refreshes a single agent on demand regardless of its current
// classification.
func (m *Monitor) RefreshAgent(ctx context.Context, agentID string) (models.RefreshResult, error) {
	v, err := m.CheckAgent(ctx, agentID)
	if err != nil {
		return models.RefreshResult{AgentID: agentID}, err
	}
	if !m.claim(agentID) {
		return models.RefreshResult{AgentID: agentID}, fmt.Errorf("refresh already in progress for %s", agentID)
	}
	defer m.release(agentID)

	return m.refreshOne(ctx, v), nil
}

type strategy struct {
	name string
	call func(ctx context.Context, correlationID string, agent registry.Agent) error
}

func (m *Monitor) strategies() []strategy {
	return []strategy{
		{
			name: "direct-refresh",
			call: func(ctx context.Context, correlationID string, agent registry.Agent) error {
				if m.refresher == nil {
					return fmt.Errorf("no platform client configured")
				}
				return m.refresher.RefreshAgent(ctx, correlationID, agent)
			},
		},
		{
			name: "scoped-sync",
			call: func(ctx context.Context, correlationID string, agent registry.Agent) error {
				return m.triggerSync(models.ScopeQuick, agent.ID)
			},
		},
		{
			name: "force-full-sync",
			call: func(ctx context.Context, correlationID string, agent registry.Agent) error {
				return m.triggerSync(models.ScopeFull, agent.ID)
			},
		},
	}
}

// triggerSync escalates through the orchestrator rather than calling the
// platform directly: the run gets a correlation context, is visible in run
// status, and concurrent escalations for the same scope collapse onto one
// run instead of multiplying agent load.
func (m *Monitor) triggerSync(scope models.SyncScope, agentID string) error {
	if m.syncer == nil {
		return fmt.Errorf("no orchestrator configured")
	}
	run := m.syncer.Trigger(scope, "freshness-monitor")
	m.logger.Info("refresh escalated to sync run",
		logging.AgentID(agentID),
		logging.CorrelationID(run.CorrelationID),
		"scope", string(scope),
	)
	return nil
}

// refreshOne runs the escalation chain for one agent. The chain stops at the
// first strategy whose call succeeds AND whose effect is observed as a new
// record in the store.
func (m *Monitor) refreshOne(ctx context.Context, verdict models.FreshnessVerdict) models.RefreshResult {
	agent, _ := m.reg.Agent(verdict.AgentID)
	correlationID := fmt.Sprintf("refresh-%d-%s", m.now().UnixMilli(), verdict.AgentID)
	start := m.now()

	result := models.RefreshResult{AgentID: verdict.AgentID}

	if m.refresher == nil && m.syncer == nil {
		result.Error = "no platform client configured"
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.RefreshTimeout)
	defer cancel()

	for _, st := range m.strategies() {
		result.Attempts++

		m.logger.Info("attempting refresh",
			logging.AgentID(verdict.AgentID),
			logging.Strategy(st.name),
			logging.Attempt(result.Attempts),
			"classification", string(verdict.Classification),
		)

		attemptStart := m.now()
		err := st.call(ctx, correlationID, agent)
		if err != nil {
			m.logger.Warn("refresh strategy failed",
				logging.AgentID(verdict.AgentID),
				logging.Strategy(st.name),
				logging.Error(err),
			)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		if m.awaitNewRecord(ctx, verdict.AgentID, attemptStart) {
			result.Refreshed = true
			result.Strategy = st.name
			result.Duration = m.now().Sub(start)
			metrics.RefreshResults.WithLabelValues(verdict.AgentID, "refreshed").Inc()
			m.logger.Info("agent refreshed",
				logging.AgentID(verdict.AgentID),
				logging.Strategy(st.name),
				logging.Duration(result.Duration.Milliseconds()),
			)
			return result
		}

		if ctx.Err() != nil {
			break
		}
	}

	result.Duration = m.now().Sub(start)
	result.Error = "all refresh strategies exhausted"
	metrics.RefreshResults.WithLabelValues(verdict.AgentID, "exhausted").Inc()

	m.alertRefreshFailed(verdict, result)
	return result
}

// awaitNewRecord polls the store until a record newer than since appears or
// the verify window closes.
func (m *Monitor) awaitNewRecord(ctx context.Context, agentID string, since time.Time) bool {
	deadline := time.NewTimer(m.cfg.VerifyWindow)
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.VerifyInterval)
	defer ticker.Stop()

	for {
		rec, ok, err := m.store.LatestByAgent(ctx, agentID)
		if err == nil && ok && !rec.ReceivedAt.Before(since) {
			return true
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (m *Monitor) alertRefreshFailed(verdict models.FreshnessVerdict, result models.RefreshResult) {
	if m.notifier == nil {
		return
	}

	severity := "warning"
	if verdict.AgeHours > m.cfg.CriticalHours || verdict.Classification == models.FreshnessCritical {
		severity = "critical"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alert := notification.Alert{
		Severity: severity,
		Title:    "agent refresh exhausted",
		Reason:   fmt.Sprintf("data age %.1fh (%s); %d strategies failed", verdict.AgeHours, verdict.Classification, result.Attempts),
		AgentID:  verdict.AgentID,
		Details: map[string]any{
			"ageHours": verdict.AgeHours,
			"attempts": result.Attempts,
		},
	}
	if err := m.notifier.Send(ctx, alert); err != nil {
		m.logger.Error("failed to send refresh alert",
			logging.AgentID(verdict.AgentID), logging.Error(err))
	}
}

func (m *Monitor) claim(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight[agentID] {
		return false
	}
	m.inflight[agentID] = true
	return true
}

func (m *Monitor) release(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, agentID)
}
