// Package aggregator composes the layered validation report: orchestration
// outcome, execution completeness, reception rate, and result consistency,
// rolled up into one verdict. Reports are recomputed from the underlying
// records on every request.
package aggregator

import (
	"context"
	"fmt"
	"time"

	"github.com/pulseboard/agentbridge/internal/consistency"
	"github.com/pulseboard/agentbridge/internal/freshness"
	"github.com/pulseboard/agentbridge/internal/logging"
	"github.com/pulseboard/agentbridge/internal/metrics"
	"github.com/pulseboard/agentbridge/internal/models"
	"github.com/pulseboard/agentbridge/internal/notification"
	"github.com/pulseboard/agentbridge/internal/registry"
	"github.com/pulseboard/agentbridge/internal/store"
)

// RunSource exposes workflow run state. Implemented by the orchestrator.
type RunSource interface {
	Get(correlationID string) (models.CorrelationContext, bool)
}

// Config holds the aggregator's pass thresholds.
type Config struct {
	// ReceptionTargetPercent is the reception rate at or above which the
	// reception layer passes.
	ReceptionTargetPercent float64
	// ConsistencyMinPercent is the consistency percentage below which the
	// result layer degrades.
	ConsistencyMinPercent float64
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		ReceptionTargetPercent: 100,
		ConsistencyMinPercent:  80,
	}
}

// Aggregator builds validation reports.
type Aggregator struct {
	runs     RunSource
	store    store.Store
	fresh    *freshness.Monitor
	consist  *consistency.Validator
	reg      *registry.Registry
	notifier notification.Channel
	logger   *logging.Logger
	cfg      Config

	now func() time.Time
}

// New creates an Aggregator. notifier may be nil.
func New(runs RunSource, st store.Store, fresh *freshness.Monitor, consist *consistency.Validator, reg *registry.Registry, notifier notification.Channel, logger *logging.Logger, cfg Config) *Aggregator {
	if cfg.ReceptionTargetPercent <= 0 {
		cfg.ReceptionTargetPercent = 100
	}
	if cfg.ConsistencyMinPercent <= 0 {
		cfg.ConsistencyMinPercent = 80
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Aggregator{
		runs:     runs,
		store:    st,
		fresh:    fresh,
		consist:  consist,
		reg:      reg,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Validate produces a validation report. With a correlation id it runs all
// four layers against that run; without one it runs an ambient health check
// of freshness and consistency over whatever data exists.
func (a *Aggregator) Validate(ctx context.Context, correlationID string) (*models.ValidationReport, error) {
	if correlationID == "" {
		return a.validateAmbient(ctx)
	}
	return a.validateRun(ctx, correlationID)
}

func (a *Aggregator) validateRun(ctx context.Context, correlationID string) (*models.ValidationReport, error) {
	run, ok := a.runs.Get(correlationID)
	if !ok {
		return nil, fmt.Errorf("correlation %s: %w", correlationID, models.ErrNotFound)
	}

	report := &models.ValidationReport{
		CorrelationID: correlationID,
		GeneratedAt:   a.now(),
	}

	report.Layer1Status = a.orchestrationLayer(run)

	// A store failure degrades the affected layer instead of erasing the
	// report: callers always get the best-known state of every layer.
	layer2, executed, err := a.executionLayer(ctx, correlationID, run.AgentsExpected)
	if err != nil {
		layer2 = &models.ExecutionLayer{
			Status:         models.LayerDegraded,
			AgentsExpected: run.AgentsExpected,
			Reason:         fmt.Sprintf("execution records unavailable: %v", err),
		}
		executed = unknownExecuted
	}
	report.Layer2Status = layer2

	layer3, err := a.receptionLayer(ctx, correlationID, run.AgentsExpected)
	if err != nil {
		layer3 = &models.ReceptionLayer{
			Status: models.LayerDegraded,
			Reason: fmt.Sprintf("reception state unavailable: %v", err),
		}
	}
	report.Layer3Status = layer3

	layer4, err := a.resultLayer(ctx, executed)
	if err != nil {
		layer4 = &models.ResultLayer{
			Status: models.LayerDegraded,
			Reason: fmt.Sprintf("consistency check unavailable: %v", err),
		}
	}
	report.Layer4Status = layer4

	report.TimedOut = run.TimedOut || ctx.Err() != nil
	report.OverallStatus = rollup(
		report.Layer1Status.Status,
		report.Layer2Status.Status,
		report.Layer3Status.Status,
		report.Layer4Status.Status,
	)
	a.finish(ctx, "run", report)
	return report, nil
}

func (a *Aggregator) validateAmbient(ctx context.Context) (*models.ValidationReport, error) {
	report := &models.ValidationReport{GeneratedAt: a.now()}

	verdicts := a.fresh.CheckAll(ctx)
	report.Freshness = verdicts

	var resultStatus models.LayerStatus
	consistReport, err := a.consist.Validate(ctx)
	if err != nil {
		resultStatus = models.LayerDegraded
		report.Layer4Status = &models.ResultLayer{
			Status: resultStatus,
			Reason: fmt.Sprintf("consistency check unavailable: %v", err),
		}
	} else {
		resultStatus = models.LayerPass
		switch {
		case len(consistReport.AgentsCompared) == 0:
			resultStatus = models.LayerFailed
		case consistReport.ConsistencyPercentage < a.cfg.ConsistencyMinPercent:
			resultStatus = models.LayerDegraded
		}
		report.Layer4Status = &models.ResultLayer{
			Status:      resultStatus,
			Consistency: consistReport,
			Reason:      consistReport.Reason,
		}
	}

	freshStatus := models.LayerPass
	critical, unknown := 0, 0
	for _, v := range verdicts {
		switch v.Classification {
		case models.FreshnessCritical:
			critical++
		case models.FreshnessUnknown:
			unknown++
		}
	}
	switch {
	case unknown == len(verdicts):
		freshStatus = models.LayerFailed
		report.Reason = "no agent has ever reported"
	case critical > 0 || unknown > 0:
		freshStatus = models.LayerDegraded
		report.Reason = fmt.Sprintf("%d agents critical, %d unknown", critical, unknown)
	}

	report.TimedOut = ctx.Err() != nil
	report.OverallStatus = rollup(freshStatus, resultStatus)
	a.finish(ctx, "ambient", report)
	return report, nil
}

// unknownExecuted marks that the execution count could not be loaded, so the
// result layer must not claim "no records exist".
const unknownExecuted = -1

func (a *Aggregator) orchestrationLayer(run models.CorrelationContext) *models.OrchestrationLayer {
	layer := &models.OrchestrationLayer{
		CorrelationStatus: run.Status,
		TimedOut:          run.TimedOut,
		Reason:            run.Reason,
	}
	switch run.Status {
	case models.StatusCompleted:
		layer.Status = models.LayerPass
	case models.StatusFailed:
		layer.Status = models.LayerFailed
	case models.StatusDegraded:
		layer.Status = models.LayerDegraded
	default:
		layer.Status = models.LayerDegraded
		layer.Reason = "run not yet finalized"
	}
	return layer
}

func (a *Aggregator) executionLayer(ctx context.Context, correlationID string, expected int) (*models.ExecutionLayer, int, error) {
	records, err := a.store.ExecutionsByCorrelation(ctx, correlationID)
	if err != nil {
		return nil, 0, fmt.Errorf("load executions: %w", err)
	}

	distinct := make(map[string]bool)
	for _, rec := range records {
		if a.reg.Contains(rec.AgentID) {
			distinct[rec.AgentID] = true
		}
	}
	executed := len(distinct)

	layer := &models.ExecutionLayer{
		AgentsExecuted: executed,
		AgentsExpected: expected,
	}
	switch {
	case executed == 0:
		layer.Status = models.LayerFailed
		layer.Reason = "no agent produced a record"
	case executed < expected:
		layer.Status = models.LayerDegraded
		layer.Reason = fmt.Sprintf("%d of %d agents produced records", executed, expected)
	default:
		layer.Status = models.LayerPass
	}
	return layer, executed, nil
}

func (a *Aggregator) receptionLayer(ctx context.Context, correlationID string, expected int) (*models.ReceptionLayer, error) {
	agents, err := a.store.ValidEventAgents(ctx, correlationID)
	if err != nil {
		return nil, fmt.Errorf("load valid event agents: %w", err)
	}

	received := 0
	for _, id := range agents {
		if a.reg.Contains(id) {
			received++
		}
	}

	layer := &models.ReceptionLayer{}
	if expected > 0 {
		layer.ReceptionRatePercent = float64(received) / float64(expected) * 100
	}

	switch {
	case received == 0:
		layer.Status = models.LayerFailed
		layer.Reason = "no signature-valid deliveries received"
	case layer.ReceptionRatePercent < a.cfg.ReceptionTargetPercent:
		layer.Status = models.LayerDegraded
		layer.Reason = fmt.Sprintf("reception rate %.1f%% below %.1f%% target",
			layer.ReceptionRatePercent, a.cfg.ReceptionTargetPercent)
	default:
		layer.Status = models.LayerPass
	}
	return layer, nil
}

func (a *Aggregator) resultLayer(ctx context.Context, executed int) (*models.ResultLayer, error) {
	if executed == 0 {
		// Distinct from unknownExecuted: zero means the store answered and
		// genuinely has nothing.
		return &models.ResultLayer{
			Status: models.LayerFailed,
			Reason: "no downstream-consumable result exists",
		}, nil
	}

	consistReport, err := a.consist.Validate(ctx)
	if err != nil {
		return nil, fmt.Errorf("consistency check: %w", err)
	}

	layer := &models.ResultLayer{Consistency: consistReport, Reason: consistReport.Reason}
	if consistReport.ConsistencyPercentage < a.cfg.ConsistencyMinPercent {
		layer.Status = models.LayerDegraded
	} else {
		layer.Status = models.LayerPass
	}
	return layer, nil
}

// rollup folds layer verdicts: any failed layer fails the run, any degraded
// layer degrades it, skipped layers are ignored.
func rollup(layers ...models.LayerStatus) models.OverallStatus {
	overall := models.OverallHealthy
	for _, l := range layers {
		switch l {
		case models.LayerFailed:
			return models.OverallFailed
		case models.LayerDegraded:
			overall = models.OverallDegraded
		}
	}
	return overall
}

func (a *Aggregator) finish(ctx context.Context, kind string, report *models.ValidationReport) {
	metrics.ValidationRuns.WithLabelValues(kind, string(report.OverallStatus)).Inc()

	if report.OverallStatus != models.OverallFailed || a.notifier == nil {
		return
	}

	alert := notification.Alert{
		Severity:      "critical",
		Title:         "validation run failed",
		Reason:        report.Reason,
		CorrelationID: report.CorrelationID,
	}
	if err := a.notifier.Send(ctx, alert); err != nil {
		a.logger.Error("failed to send validation alert",
			logging.CorrelationID(report.CorrelationID), logging.Error(err))
	}
}
