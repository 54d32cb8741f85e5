// Package pebble implements the durable sink on a local pebble database.
// Events are stored under "<channel>/<uuid v7>" so a channel scans in
// arrival order.
package pebble

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/relay/internal/event"
	"github.com/lsm/relay/internal/sink"
	"github.com/lsm/relay/internal/tracing"
)

// Sink appends event batches to a pebble database.
type Sink struct {
	db     *pebble.DB
	logger *slog.Logger
	tracer trace.Tracer
}

// Open opens (or creates) the database in dir.
func Open(dir string) (*Sink, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open durable sink %s: %w", dir, err)
	}
	return &Sink{
		db:     db,
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("pebble-sink"),
	}, nil
}

// SetTracer sets the tracer for the sink.
func (s *Sink) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// SetLogger sets the logger for the sink.
func (s *Sink) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// PutRecordBatch writes all events in one synced batch.
func (s *Sink) PutRecordBatch(ctx context.Context, channel string, events []event.Event) (*sink.Response, error) {
	_, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanPebbleDeliver,
		trace.WithAttributes(
			tracing.SinkAttr(channel),
			tracing.EventCountAttr(len(events)),
		),
	)
	defer span.End()

	if channel == "" {
		err := fmt.Errorf("channel is required")
		tracing.SetSpanError(span, err)
		return nil, err
	}

	b := s.db.NewBatch()
	defer func() { _ = b.Close() }()

	for i, ev := range events {
		val, err := json.Marshal(ev)
		if err != nil {
			tracing.SetSpanError(span, err)
			return nil, fmt.Errorf("marshal event %d: %w", i, err)
		}
		id, err := uuid.NewV7()
		if err != nil {
			tracing.SetSpanError(span, err)
			return nil, fmt.Errorf("record id: %w", err)
		}
		if err := b.Set(keyFor(channel, id.String()), val, nil); err != nil {
			tracing.SetSpanError(span, err)
			return nil, fmt.Errorf("stage event %d: %w", i, err)
		}
	}

	if err := b.Commit(pebble.Sync); err != nil {
		tracing.SetSpanError(span, err)
		s.logger.Error("durable write failed", "channel", channel, "error", err)
		return nil, fmt.Errorf("commit batch to %s: %w", channel, err)
	}

	tracing.SetSpanOK(span)
	s.logger.Debug("events persisted", "channel", channel, "records", len(events))
	return &sink.Response{StatusCode: sink.StatusOK, RecordCount: len(events)}, nil
}

// Scan iterates the events of a channel in write order. Returning an error
// from fn stops the scan.
func (s *Sink) Scan(channel string, fn func(id string, ev event.Event) error) error {
	prefix := channel + "/"
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer func() { _ = iter.Close() }()

	for iter.First(); iter.Valid(); iter.Next() {
		var ev event.Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		if err := fn(string(iter.Key()[len(prefix):]), ev); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Close closes the database.
func (s *Sink) Close() error {
	return s.db.Close()
}

func keyFor(channel, id string) []byte {
	return []byte(channel + "/" + id)
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix string) []byte {
	b := []byte(prefix)
	b[len(b)-1]++
	return b
}
