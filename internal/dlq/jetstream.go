// Package dlq quarantines payloads that passed signature verification but
// failed schema validation, so operators can review them without polluting
// the execution log.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pulseboard/agentbridge/internal/metrics"
	"github.com/pulseboard/agentbridge/internal/models"
)

// Writer is the quarantine sink. A nil *JetStreamQueue is a valid no-op
// Writer so callers never need to branch on configuration.
type Writer interface {
	Write(ctx context.Context, event *models.WebhookEvent, cause error, reason string) error
	Stats(ctx context.Context) map[string]interface{}
	Close()
}

// FailedEvent is the quarantined envelope.
type FailedEvent struct {
	Timestamp time.Time            `json:"timestamp"`
	Event     *models.WebhookEvent `json:"event"`
	Error     string               `json:"error"`
	Reason    string               `json:"reason"`
}

const (
	streamName    = "BRIDGE_DLQ"
	subjectPrefix = "bridge.dlq."
)

// JetStreamQueue writes failed payloads to NATS JetStream. Safe for use
// across multiple bridge instances.
type JetStreamQueue struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	stream  jetstream.Stream
	written uint64
}

// NewJetStreamQueue connects to NATS and ensures the DLQ stream exists.
func NewJetStreamQueue(ctx context.Context, natsURL string) (*JetStreamQueue, error) {
	nc, err := nats.Connect(natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ">"},
		MaxAge:   7 * 24 * time.Hour,
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create dlq stream: %w", err)
	}

	slog.Info("DLQ stream ready", slog.String("stream", streamName))

	return &JetStreamQueue{nc: nc, js: js, stream: stream}, nil
}

// Write quarantines one failed payload under bridge.dlq.<reason>.
func (q *JetStreamQueue) Write(ctx context.Context, event *models.WebhookEvent, cause error, reason string) error {
	if q == nil {
		return nil
	}

	failed := FailedEvent{
		Timestamp: time.Now().UTC(),
		Event:     event,
		Error:     cause.Error(),
		Reason:    reason,
	}

	data, err := json.Marshal(failed)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}

	if _, err := q.js.Publish(ctx, subjectPrefix+reason, data); err != nil {
		return fmt.Errorf("publish dlq entry: %w", err)
	}

	atomic.AddUint64(&q.written, 1)
	metrics.DLQWrites.WithLabelValues(reason).Inc()
	return nil
}

// Stats returns DLQ metrics from JetStream.
func (q *JetStreamQueue) Stats(ctx context.Context) map[string]interface{} {
	if q == nil {
		return map[string]interface{}{"enabled": false}
	}

	info, err := q.stream.Info(ctx)
	if err != nil {
		return map[string]interface{}{
			"enabled":       true,
			"written_local": atomic.LoadUint64(&q.written),
			"error":         err.Error(),
		}
	}

	return map[string]interface{}{
		"enabled":        true,
		"written_local":  atomic.LoadUint64(&q.written),
		"total_messages": info.State.Msgs,
		"total_bytes":    info.State.Bytes,
		"first_seq":      info.State.FirstSeq,
		"last_seq":       info.State.LastSeq,
	}
}

// List returns up to limit quarantined payloads, oldest first.
func (q *JetStreamQueue) List(ctx context.Context, limit int) ([]FailedEvent, error) {
	if q == nil {
		return nil, fmt.Errorf("dlq not enabled")
	}
	if limit <= 0 {
		limit = 100
	}

	consumer, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject: subjectPrefix + ">",
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("create list consumer: %w", err)
	}

	msgs, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	var events []FailedEvent
	for msg := range msgs.Messages() {
		var failed FailedEvent
		if err := json.Unmarshal(msg.Data(), &failed); err != nil {
			slog.Error("failed to parse DLQ message", slog.String("error", err.Error()))
			continue
		}
		events = append(events, failed)
	}
	return events, msgs.Error()
}

// Close drains the NATS connection.
func (q *JetStreamQueue) Close() {
	if q == nil || q.nc == nil {
		return
	}
	q.nc.Close()
}
