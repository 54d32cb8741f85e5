// Package kafka implements the stream sink on Kafka topics. A stream name is
// a topic; the partition key becomes the record key.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/relay/internal/event"
	"github.com/lsm/relay/internal/kafka"
	"github.com/lsm/relay/internal/sink"
	"github.com/lsm/relay/internal/tracing"
)

// Status codes reported when some or all records fail.
const (
	statusPartialFailure = 500
)

// Sink publishes event batches to Kafka.
type Sink struct {
	producer kafka.Producer
	logger   *slog.Logger
	tracer   trace.Tracer
	headers  map[string]string
}

// Option configures a Sink.
type Option func(*Sink)

// WithLogger sets the sink logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) { s.logger = l }
}

// WithTracer sets the sink tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Sink) { s.tracer = t }
}

// WithHeaders adds static headers to every record.
func WithHeaders(h map[string]string) Option {
	return func(s *Sink) { s.headers = h }
}

// NewSink creates a stream sink on top of a producer (usually from
// kafka.Pool).
func NewSink(p kafka.Producer, opts ...Option) (*Sink, error) {
	if p == nil {
		return nil, fmt.Errorf("producer is required")
	}
	s := &Sink{
		producer: p,
		logger:   slog.Default(),
		tracer:   noop.NewTracerProvider().Tracer("kafka-sink"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// PutRecords produces one record per event, in order, and waits for all
// acknowledgements. Records that fail are counted in the response, which
// then carries a non-success status.
func (s *Sink) PutRecords(ctx context.Context, stream string, events []event.Event, key sink.PartitionKeyFunc) (*sink.Response, error) {
	start := time.Now()
	if key == nil {
		key = sink.RandomKey
	}

	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanKafkaProduce,
		trace.WithAttributes(
			tracing.KafkaTopicAttr(stream),
			tracing.EventCountAttr(len(events)),
		),
	)
	defer span.End()

	headers := make(map[string]string, len(s.headers)+3)
	for k, v := range s.headers {
		headers[k] = v
	}
	headers["content-type"] = "application/json"
	tracing.Inject(ctx, headers)

	records := make([]*kgo.Record, 0, len(events))
	for i, ev := range events {
		value, err := json.Marshal(ev)
		if err != nil {
			tracing.SetSpanError(span, err)
			return nil, fmt.Errorf("marshal event %d: %w", i, err)
		}
		rec := &kgo.Record{
			Topic: stream,
			Key:   []byte(key(ev)),
			Value: value,
		}
		for k, v := range headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
		records = append(records, rec)
	}

	results := s.producer.ProduceSync(ctx, records...)

	resp := &sink.Response{StatusCode: sink.StatusOK, RecordCount: len(records)}
	var firstErr error
	for _, r := range results {
		if r.Err != nil {
			resp.FailedRecordCount++
			if firstErr == nil {
				firstErr = r.Err
			}
		}
	}
	if firstErr != nil {
		resp.StatusCode = statusPartialFailure
		resp.Message = firstErr.Error()
		tracing.SetSpanError(span, firstErr)
		s.logger.Error("stream delivery failed",
			"target", stream,
			"records", resp.RecordCount,
			"failed", resp.FailedRecordCount,
			"error", firstErr,
		)
		return resp, nil
	}

	tracing.SetSpanOK(span)
	s.logger.Info("events delivered to stream",
		"target", stream,
		"records", resp.RecordCount,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

// Close closes the producer.
func (s *Sink) Close() error {
	s.producer.Close()
	return nil
}
