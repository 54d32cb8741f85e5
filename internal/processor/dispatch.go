package processor

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/relay/internal/event"
	"github.com/lsm/relay/internal/tracing"
)

// dispatch sends one pipeline's events to its stream, then to its durable
// channel. Both are attempted; the stream error wins when both fail.
func (p *Processor) dispatch(ctx context.Context, logger *slog.Logger, out output, events []event.Event) error {
	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanDispatch,
		trace.WithAttributes(
			tracing.PipelineAttr(out.Name),
			tracing.EventCountAttr(len(events)),
		),
	)
	defer span.End()

	var streamErr, durableErr error
	if out.Stream != "" {
		streamErr = p.putStream(ctx, logger, out, events)
	}
	if out.DurableSink != "" {
		durableErr = p.putDurable(ctx, logger, out.index, out.Name, out.DurableSink, events)
	}

	switch {
	case streamErr != nil:
		if durableErr != nil {
			logger.ErrorContext(ctx, "durable dispatch also failed", "pipeline", out.Name, "error", durableErr)
		}
		tracing.SetSpanError(span, streamErr)
		return streamErr
	case durableErr != nil:
		tracing.SetSpanError(span, durableErr)
		return durableErr
	}
	tracing.SetSpanOK(span)
	return nil
}

func (p *Processor) putStream(ctx context.Context, logger *slog.Logger, out output, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	resp, err := p.cfg.Stream.PutRecords(ctx, out.Stream, events, out.key)
	if cause := dispatchCause(resp, err); cause != nil {
		p.metrics.DispatchError(p.flow, "stream")
		return &StreamDispatchError{Pipeline: out.index, Name: out.Name, Stream: out.Stream, Response: resp, Err: cause}
	}
	logger.InfoContext(ctx, "sent to stream", "pipeline", out.Name, "stream", out.Stream, "events", len(events))
	return nil
}

func (p *Processor) putDurable(ctx context.Context, logger *slog.Logger, index int, name, channel string, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	resp, err := p.cfg.Durable.PutRecordBatch(ctx, channel, events)
	if cause := dispatchCause(resp, err); cause != nil {
		p.metrics.DispatchError(p.flow, "durable")
		return &DurableDispatchError{Pipeline: index, Name: name, Channel: channel, Response: resp, Err: cause}
	}
	logger.InfoContext(ctx, "sent to delivery stream", "pipeline", name, "channel", channel, "events", len(events))
	return nil
}

