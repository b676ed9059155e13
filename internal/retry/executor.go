// Package retry wraps outbound calls with bounded exponential backoff and a
// per-target circuit breaker. It has no knowledge of what "success" means
// beyond the status/error contract.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/pulseboard/agentbridge/internal/logging"
	"github.com/pulseboard/agentbridge/internal/metrics"
	"github.com/pulseboard/agentbridge/internal/models"
)

// Config bounds the retry behavior of a single Execute call.
type Config struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	RetryableStatuses []int
	Jitter            bool
}

// DefaultConfig returns the stock retry policy: 3 retries, 1s base, 8s cap,
// retryable on request timeout, throttling and 5xx.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		BaseDelay:         1 * time.Second,
		MaxDelay:          8 * time.Second,
		RetryableStatuses: []int{408, 429, 500, 502, 503, 504},
		Jitter:            true,
	}
}

// Fn is one attempt of the wrapped call. A zero status with a nil error is
// treated as success for calls that have no HTTP status to report.
type Fn func(ctx context.Context) (status int, err error)

// Executor runs functions under a retry budget, logging every attempt with
// the owning correlation id so failures are traceable end-to-end.
type Executor struct {
	logger *logging.Logger

	// breaker state
	mu       sync.Mutex
	failures map[string]int
	openedAt map[string]time.Time

	breakerThreshold int
	cooldown         time.Duration

	// test seams
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithBreaker tunes the circuit breaker: the breaker opens after threshold
// consecutive exhausted budgets per target and stays open for cooldown.
func WithBreaker(threshold int, cooldown time.Duration) Option {
	return func(e *Executor) {
		e.breakerThreshold = threshold
		e.cooldown = cooldown
	}
}

// WithClock overrides timing for tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		e.now = now
		e.sleep = sleep
	}
}

// NewExecutor creates an Executor.
func NewExecutor(logger *logging.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = logging.Default()
	}
	e := &Executor{
		logger:           logger,
		failures:         make(map[string]int),
		openedAt:         make(map[string]time.Time),
		breakerThreshold: 3,
		cooldown:         30 * time.Second,
		now:              time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs fn under cfg. target names the remote endpoint for breaker
// bookkeeping; correlationID ties the attempts to a workflow run in logs.
//
// Retryable failures are retried up to MaxRetries with capped exponential
// backoff (delay = min(MaxDelay, BaseDelay * 2^attempt)). Non-retryable
// statuses and permanent errors fail immediately without consuming budget.
func (e *Executor) Execute(ctx context.Context, target, correlationID string, fn Fn, cfg Config) error {
	if open, until := e.circuitOpen(target); open {
		e.logger.WarnContext(ctx, "circuit open, failing fast",
			logging.CorrelationID(correlationID),
			"target", target,
			"until", until.Format(time.RFC3339),
		)
		return fmt.Errorf("%w: %s", models.ErrCircuitOpen, target)
	}

	var lastErr error
	attempts := cfg.MaxRetries + 1

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(cfg, attempt-1)
			if err := e.sleep(ctx, delay); err != nil {
				e.recordFailure(target)
				return fmt.Errorf("backoff interrupted: %w", err)
			}
		}

		status, err := fn(ctx)

		if err == nil && (status == 0 || (status >= 200 && status < 300)) {
			if attempt > 0 {
				e.logger.InfoContext(ctx, "call succeeded after retry",
					logging.CorrelationID(correlationID),
					"target", target,
					logging.Attempt(attempt+1),
				)
			}
			metrics.RetryAttempts.WithLabelValues(target, "success").Inc()
			e.recordSuccess(target)
			return nil
		}

		if err == nil {
			err = &models.TransientUpstreamError{Status: status}
		}
		lastErr = err

		retryable := isRetryable(status, err, cfg)
		e.logger.WarnContext(ctx, "call attempt failed",
			logging.CorrelationID(correlationID),
			"target", target,
			logging.Attempt(attempt+1),
			logging.Status(status),
			logging.Error(err),
			"retryable", retryable,
		)

		if !retryable {
			metrics.RetryAttempts.WithLabelValues(target, "permanent").Inc()
			// Permanent failures do not count toward the breaker: the
			// breaker protects against unhealthy targets, not bad requests.
			return lastErr
		}
		metrics.RetryAttempts.WithLabelValues(target, "retry").Inc()
	}

	e.recordFailure(target)
	return fmt.Errorf("retry budget exhausted after %d attempts: %w", attempts, lastErr)
}

// ExecuteHTTP adapts an *http.Request-producing call for Execute. The
// request body must be rebuildable, so it takes a factory.
func (e *Executor) ExecuteHTTP(ctx context.Context, target, correlationID string, client *http.Client, build func(ctx context.Context) (*http.Request, error), cfg Config) error {
	return e.Execute(ctx, target, correlationID, func(ctx context.Context) (int, error) {
		req, err := build(ctx)
		if err != nil {
			return 0, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return 0, &models.TransientUpstreamError{Err: err}
		}
		defer resp.Body.Close()
		return resp.StatusCode, nil
	}, cfg)
}

func backoffDelay(cfg Config, prior int) time.Duration {
	delay := cfg.BaseDelay << uint(prior)
	if delay > cfg.MaxDelay || delay <= 0 {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter && delay > 1 {
		// Jitter within [delay/2, delay] keeps the total bounded.
		delay = delay/2 + time.Duration(rand.Int63n(int64(delay/2)))
	}
	return delay
}

func isRetryable(status int, err error, cfg Config) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if models.IsAuthentication(err) || models.IsIntegrity(err) {
		return false
	}

	var te *models.TransientUpstreamError
	if errors.As(err, &te) {
		if te.Status == 0 {
			// Network-level failure with no status: transient.
			return true
		}
		status = te.Status
	}

	for _, s := range cfg.RetryableStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func (e *Executor) circuitOpen(target string) (bool, time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	opened, ok := e.openedAt[target]
	if !ok {
		return false, time.Time{}
	}

	until := opened.Add(e.cooldown)
	if e.now().After(until) {
		// Half-open: allow one probe through; a failure re-opens.
		delete(e.openedAt, target)
		e.failures[target] = e.breakerThreshold - 1
		return false, time.Time{}
	}
	return true, until
}

func (e *Executor) recordFailure(target string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failures[target]++
	if e.failures[target] >= e.breakerThreshold {
		if _, alreadyOpen := e.openedAt[target]; !alreadyOpen {
			e.openedAt[target] = e.now()
			metrics.CircuitOpens.WithLabelValues(target).Inc()
			e.logger.Warn("circuit opened", "target", target, "cooldown", e.cooldown.String())
		}
	}
}

func (e *Executor) recordSuccess(target string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.failures, target)
	delete(e.openedAt, target)
}
