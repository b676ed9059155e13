package freshness

import (
	"context"
	"sync"
	"time"

	"github.com/pulseboard/agentbridge/internal/logging"
	"github.com/pulseboard/agentbridge/internal/metrics"
)

// Sweeper periodically runs the monitor's refresh pass so stale agents are
// repaired without operator involvement.
type Sweeper struct {
	monitor  *Monitor
	interval time.Duration
	logger   *logging.Logger

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewSweeper creates a Sweeper running every interval.
func NewSweeper(monitor *Monitor, interval time.Duration, logger *logging.Logger) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Sweeper{
		monitor:  monitor,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop. The first sweep runs after one interval so
// startup is not dominated by refresh traffic.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.stopCh:
				return
			}
		}
	}()
	s.logger.Info("freshness sweeper started", "interval", s.interval.String())
}

func (s *Sweeper) sweep() {
	metrics.FreshnessSweeps.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	results := s.monitor.RefreshStale(ctx)

	refreshed := 0
	for _, r := range results {
		if r.Refreshed {
			refreshed++
		}
	}
	if len(results) > 0 {
		s.logger.Info("freshness sweep finished",
			"attempted", len(results),
			"refreshed", refreshed,
		)
	}
}

// Stop halts the sweep loop and waits for an in-progress sweep to finish.
func (s *Sweeper) Stop() {
	s.stopped.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}
