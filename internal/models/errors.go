package models

import (
	"errors"
	"fmt"
)

// Error taxonomy for the pipeline. Authentication and integrity failures are
// terminal for the event that caused them; transient failures are retried up
// to a budget; timeouts surface partial results instead of blocking callers.

// AuthenticationError is a bad or stale webhook signature. Never retried.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// DataIntegrityError is a payload that passed signature verification but
// failed schema validation. The raw event is preserved for audit; no
// execution record is created.
type DataIntegrityError struct {
	Reason string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity: %s", e.Reason)
}

// TransientUpstreamError is a retryable upstream failure (network, 5xx, 429).
type TransientUpstreamError struct {
	Status int
	Err    error
}

func (e *TransientUpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient upstream error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transient upstream error (status %d)", e.Status)
}

func (e *TransientUpstreamError) Unwrap() error { return e.Err }

// ConfigurationError is a fatal startup misconfiguration.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

var (
	// ErrQueueFull is returned when the bounded ingestion queue rejects an
	// event; callers should surface backpressure (503) rather than block.
	ErrQueueFull = errors.New("ingestion queue full")

	// ErrNotFound is returned for lookups of unknown ids.
	ErrNotFound = errors.New("not found")

	// ErrFinalized is returned when a terminal correlation is mutated.
	ErrFinalized = errors.New("correlation already finalized")

	// ErrCircuitOpen is returned when the retry executor's breaker is open
	// for a target and calls fail fast.
	ErrCircuitOpen = errors.New("circuit open")
)

// IsAuthentication reports whether err is an AuthenticationError.
func IsAuthentication(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// IsIntegrity reports whether err is a DataIntegrityError.
func IsIntegrity(err error) bool {
	var de *DataIntegrityError
	return errors.As(err, &de)
}
