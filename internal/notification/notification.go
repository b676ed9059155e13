// Package notification delivers operator alerts for refresh failures and
// failed validation runs. Delivery is best-effort: a dead channel never
// blocks or fails the pipeline.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Alert is one operator-facing notification.
type Alert struct {
	Severity      string         `json:"severity"`
	Title         string         `json:"title"`
	Reason        string         `json:"reason"`
	CorrelationID string         `json:"correlationId,omitempty"`
	AgentID       string         `json:"agentId,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Channel delivers alerts.
type Channel interface {
	Send(ctx context.Context, alert Alert) error
	Type() string
}

// WebhookChannel sends alerts via HTTP POST to a configured URL.
type WebhookChannel struct {
	URL     string
	Timeout time.Duration
	client  *http.Client
}

// NewWebhookChannel creates a webhook notification channel.
func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	return &WebhookChannel{
		URL:     url,
		Timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

func (w *WebhookChannel) Type() string { return "webhook" }

func (w *WebhookChannel) Send(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}

	jsonData, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Agentbridge/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// LogChannel writes alerts to the structured log. Used when no webhook URL
// is configured and in tests.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a log-based notification channel.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Type() string { return "log" }

func (l *LogChannel) Send(ctx context.Context, alert Alert) error {
	l.logger.WarnContext(ctx, "ALERT",
		slog.String("severity", alert.Severity),
		slog.String("title", alert.Title),
		slog.String("reason", alert.Reason),
		slog.String("correlation_id", alert.CorrelationID),
		slog.String("agent_id", alert.AgentID),
	)
	return nil
}

// MultiChannel fans an alert out to several channels. It succeeds if any
// channel succeeds.
type MultiChannel struct {
	channels []Channel
}

// NewMultiChannel creates a fan-out channel.
func NewMultiChannel(channels ...Channel) *MultiChannel {
	return &MultiChannel{channels: channels}
}

func (m *MultiChannel) Type() string { return "multi" }

func (m *MultiChannel) Send(ctx context.Context, alert Alert) error {
	var lastErr error
	successCount := 0

	for _, ch := range m.channels {
		if err := ch.Send(ctx, alert); err != nil {
			lastErr = fmt.Errorf("%s channel failed: %w", ch.Type(), err)
		} else {
			successCount++
		}
	}

	if successCount == 0 && len(m.channels) > 0 {
		return fmt.Errorf("all notification channels failed: %w", lastErr)
	}
	return nil
}
