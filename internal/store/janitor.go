package store

import (
	"context"
	"sync"
	"time"

	"github.com/pulseboard/agentbridge/internal/logging"
)

// Janitor enforces the audit-event retention window by periodically pruning
// webhook events older than the configured number of days.
type Janitor struct {
	store     Store
	retention time.Duration
	interval  time.Duration
	logger    *logging.Logger

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewJanitor creates a Janitor pruning events older than retentionDays. A
// non-positive retention falls back to 60 days.
func NewJanitor(st Store, retentionDays int, logger *logging.Logger) *Janitor {
	if retentionDays <= 0 {
		retentionDays = 60
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Janitor{
		store:     st,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  time.Hour,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the prune loop. The first sweep runs immediately so a long
// backlog is cut down on startup rather than an hour later.
func (j *Janitor) Start() {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()

		j.runOnce()

		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				j.runOnce()
			case <-j.stopCh:
				return
			}
		}
	}()
	j.logger.Info("event retention janitor started",
		"retention", j.retention.String(),
		"interval", j.interval.String(),
	)
}

func (j *Janitor) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	j.prune(ctx)
}

func (j *Janitor) prune(ctx context.Context) {
	cutoff := time.Now().Add(-j.retention)
	removed, err := j.store.PruneEvents(ctx, cutoff)
	if err != nil {
		j.logger.Error("event retention prune failed", logging.Error(err))
		return
	}
	if removed > 0 {
		j.logger.Info("pruned expired webhook events",
			"removed", removed,
			"cutoff", cutoff.Format(time.RFC3339),
		)
	}
}

// Stop halts the prune loop and waits for an in-progress sweep to finish.
func (j *Janitor) Stop() {
	j.stopped.Do(func() { close(j.stopCh) })
	j.wg.Wait()
}
