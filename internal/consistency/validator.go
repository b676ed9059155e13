// Package consistency compares the latest record of every reporting agent
// for cross-source coherence: timestamp drift between sources and tier
// alignment against the roster.
package consistency

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pulseboard/agentbridge/internal/models"
	"github.com/pulseboard/agentbridge/internal/registry"
	"github.com/pulseboard/agentbridge/internal/store"
)

// Validator computes cross-source consistency reports.
type Validator struct {
	store store.Store
	reg   *registry.Registry
	// driftThresholdHours is the max spread from the newest record before an
	// agent counts as drifted.
	driftThresholdHours float64

	now func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// New creates a Validator. driftThresholdHours defaults to 48 when zero.
func New(st store.Store, reg *registry.Registry, driftThresholdHours float64, opts ...Option) *Validator {
	if driftThresholdHours <= 0 {
		driftThresholdHours = 48
	}
	v := &Validator{
		store:               st,
		reg:                 reg,
		driftThresholdHours: driftThresholdHours,
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate builds a consistency report over the latest record of every agent
// that has reported. Agents with no records are excluded from comparison;
// completeness is the execution layer's concern, not this one's.
func (v *Validator) Validate(ctx context.Context) (*models.ConsistencyReport, error) {
	latest, err := v.store.LatestAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load latest records: %w", err)
	}

	report := &models.ConsistencyReport{
		DriftThresholdHours: v.driftThresholdHours,
		GeneratedAt:         v.now(),
	}

	// Drop records from agents no longer on the roster.
	var records []*models.AgentExecutionRecord
	for _, rec := range latest {
		if v.reg.Contains(rec.AgentID) {
			records = append(records, rec)
		}
	}

	if len(records) == 0 {
		report.Reason = "no records to compare"
		report.ConsistencyPercentage = 0
		return report, nil
	}

	sort.Slice(records, func(i, j int) bool { return records[i].AgentID < records[j].AgentID })

	newest := records[0].ReceivedAt
	oldest := records[0].ReceivedAt
	for _, rec := range records {
		report.AgentsCompared = append(report.AgentsCompared, rec.AgentID)
		if rec.ReceivedAt.After(newest) {
			newest = rec.ReceivedAt
		}
		if rec.ReceivedAt.Before(oldest) {
			oldest = rec.ReceivedAt
		}
	}

	report.MaxTimestampDriftHours = newest.Sub(oldest).Hours()
	report.DriftExceeded = report.MaxTimestampDriftHours > v.driftThresholdHours

	consistent := 0
	for _, rec := range records {
		drifted := newest.Sub(rec.ReceivedAt).Hours() > v.driftThresholdHours
		misaligned := false

		if expected, ok := v.reg.TierOf(rec.AgentID); ok && rec.Tier != "" && rec.Tier != string(expected) {
			misaligned = true
			report.TierMisalignments = append(report.TierMisalignments, models.TierMisalignment{
				AgentID:      rec.AgentID,
				ExpectedTier: string(expected),
				ActualTier:   rec.Tier,
			})
		}

		if !drifted && !misaligned {
			consistent++
		}
	}

	report.ConsistencyPercentage = float64(consistent) / float64(len(records)) * 100

	if report.DriftExceeded {
		report.Reason = fmt.Sprintf("timestamp drift %.1fh exceeds %.1fh threshold",
			report.MaxTimestampDriftHours, v.driftThresholdHours)
	} else if len(report.TierMisalignments) > 0 {
		report.Reason = fmt.Sprintf("%d agents report a tier different from the roster", len(report.TierMisalignments))
	}

	return report, nil
}
