// Package dlq forwards the raw records of failed batches to an error stream
// and, optionally, to an error delivery channel on a durable sink.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lsm/relay/internal/batch"
	"github.com/lsm/relay/internal/event"
	"github.com/lsm/relay/internal/sink"
)

// Header names set on every error-stream message.
const (
	HeaderPhase          = "relay-error-phase"
	HeaderMessage        = "relay-error-message"
	HeaderFlow           = "relay-error-flow"
	HeaderShardID        = "relay-error-shard-id"
	HeaderInvocationID   = "relay-error-invocation-id"
	HeaderSequenceNumber = "relay-error-sequence-number"
	HeaderEncoding       = "relay-error-encoding"
	HeaderFailedAt       = "relay-error-failed-at"
)

// Message is one error-stream entry.
type Message struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Publisher is the interface for publishing messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, msgs ...Message) error
	Close() error
}

// FailureInfo describes why a batch failed.
type FailureInfo struct {
	FlowName     string
	Phase        string
	ErrorMessage string
}

// Handler publishes failed batches.
type Handler struct {
	publisher Publisher
	topicFn   func(flowName string) string
	durable   sink.DurableSink
	channel   string
	now       func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithTopicFunc overrides the default error stream naming function.
func WithTopicFunc(fn func(flowName string) string) Option {
	return func(h *Handler) {
		h.topicFn = fn
	}
}

// WithTopic publishes every flow's failures to one topic.
func WithTopic(topic string) Option {
	return WithTopicFunc(func(string) string { return topic })
}

// WithDeliveryStream also records failures on a durable sink channel.
func WithDeliveryStream(ds sink.DurableSink, channel string) Option {
	return func(h *Handler) {
		h.durable = ds
		h.channel = channel
	}
}

// NewHandler creates a new error stream handler. A nil publisher disables
// the error stream.
func NewHandler(pub Publisher, opts ...Option) *Handler {
	if pub == nil {
		pub = &NoopPublisher{}
	}
	h := &Handler{
		publisher: pub,
		topicFn:   func(flowName string) string { return "relay-errors-" + flowName },
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Send forwards every raw record of b. Both destinations are attempted;
// their errors are joined.
func (h *Handler) Send(ctx context.Context, b batch.Batch, info FailureInfo) error {
	if len(b.Records) == 0 {
		return nil
	}
	failedAt := h.now().UTC().Format(time.RFC3339)

	msgs := make([]Message, 0, len(b.Records))
	for _, rec := range b.Records {
		msgs = append(msgs, Message{
			Key:   []byte(rec.PartitionKey),
			Value: rec.Data,
			Headers: map[string]string{
				HeaderPhase:          info.Phase,
				HeaderMessage:        info.ErrorMessage,
				HeaderFlow:           info.FlowName,
				HeaderShardID:        b.ShardID,
				HeaderInvocationID:   b.InvocationID,
				HeaderSequenceNumber: rec.SequenceNumber,
				HeaderEncoding:       string(b.Encoding),
				HeaderFailedAt:       failedAt,
			},
		})
	}

	var errs []error
	topic := h.topicFn(info.FlowName)
	if err := h.publisher.Publish(ctx, topic, msgs...); err != nil {
		errs = append(errs, fmt.Errorf("error stream publish to %s: %w", topic, err))
	}

	if h.durable != nil {
		if err := h.deliver(ctx, b, info, failedAt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Handler) deliver(ctx context.Context, b batch.Batch, info FailureInfo, failedAt string) error {
	events := make([]event.Event, 0, len(b.Records))
	for _, rec := range b.Records {
		events = append(events, event.Event{
			"flow":            info.FlowName,
			"phase":           info.Phase,
			"error":           info.ErrorMessage,
			"shard_id":        b.ShardID,
			"invocation_id":   b.InvocationID,
			"sequence_number": rec.SequenceNumber,
			"partition_key":   rec.PartitionKey,
			"encoding":        string(b.Encoding),
			"data":            string(rec.Data),
			"failed_at":       failedAt,
		})
	}

	resp, err := h.durable.PutRecordBatch(ctx, h.channel, events)
	if err != nil {
		return fmt.Errorf("error delivery stream %s: %w", h.channel, err)
	}
	if !resp.OK() {
		return fmt.Errorf("error delivery stream %s: %s", h.channel, resp)
	}
	return nil
}

// Close releases resources held by the handler.
func (h *Handler) Close() error {
	return h.publisher.Close()
}

// NoopPublisher is a Publisher that discards all messages.
// Used when no error stream is configured.
type NoopPublisher struct{}

func (*NoopPublisher) Publish(context.Context, string, ...Message) error {
	return nil
}

func (*NoopPublisher) Close() error { return nil }
