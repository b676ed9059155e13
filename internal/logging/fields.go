package logging

import "log/slog"

// Common field names for consistent logging across the pipeline.
const (
	FieldService       = "service"
	FieldAgentID       = "agent_id"
	FieldCorrelationID = "correlation_id"
	FieldEventID       = "event_id"
	FieldIP            = "ip"
	FieldStatus        = "status"
	FieldAttempt       = "attempt"
	FieldStrategy      = "strategy"
	FieldError         = "error"
	FieldDuration      = "duration_ms"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// AgentID returns a slog attribute for an agent id.
func AgentID(id string) slog.Attr {
	return slog.String(FieldAgentID, id)
}

// CorrelationID returns a slog attribute for a correlation id.
func CorrelationID(id string) slog.Attr {
	return slog.String(FieldCorrelationID, id)
}

// EventID returns a slog attribute for a webhook event id.
func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

// IP returns a slog attribute for a client IP address.
func IP(ip string) slog.Attr {
	return slog.String(FieldIP, ip)
}

// Status returns a slog attribute for an HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Attempt returns a slog attribute for a retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

// Strategy returns a slog attribute for a refresh strategy name.
func Strategy(name string) slog.Attr {
	return slog.String(FieldStrategy, name)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	return slog.String(FieldError, err.Error())
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}
