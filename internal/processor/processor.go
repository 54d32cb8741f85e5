// Package processor forwards one batch of records per invocation: decode,
// route through the input filter and mapper, evaluate every output pipeline,
// then dispatch to the stream and durable sinks.
//
// No sink is called for any output until every pipeline has computed its
// events, so a failing filter or mapper leaves all outputs untouched.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/relay/internal/batch"
	"github.com/lsm/relay/internal/event"
	"github.com/lsm/relay/internal/observability"
	"github.com/lsm/relay/internal/sink"
	"github.com/lsm/relay/internal/state"
	"github.com/lsm/relay/internal/transform"
	"github.com/lsm/relay/internal/tracing"
)

// Input configures the input side of a processor. All fields are optional.
type Input struct {
	Predicate transform.Predicate
	Transform transform.Transformer
	// DurableSink receives the decoded, unfiltered events of every batch.
	DurableSink string
}

// Output declares one output pipeline.
type Output struct {
	Name      string
	Predicate transform.Predicate   // nil accepts every event
	Transform transform.Transformer // nil leaves events unchanged
	// Stream names the target stream on the stream sink.
	Stream string
	// PartitionKey selects the partition key, see sink.KeySelector.
	PartitionKey string
	// DurableSink names the target channel on the durable sink.
	DurableSink string
}

// Config holds processor configuration. The processor does not own the
// sinks; closing them is left to the caller.
type Config struct {
	Environment string
	Layer       string
	Stage       string
	Input       Input
	Outputs     []Output
	Stream      sink.StreamSink
	Durable     sink.DurableSink
}

// Processor runs batches through a fixed configuration. It holds no
// per-invocation state and is safe for concurrent use.
type Processor struct {
	flow    string
	cfg     Config
	outputs []output
	codec   *batch.Codec
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

type output struct {
	Output
	index int
	key   sink.PartitionKeyFunc
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(p *Processor) { p.tracer = t }
}

// WithDeserializer replaces the default JSON deserializer.
func WithDeserializer(fn batch.Deserializer) Option {
	return func(p *Processor) { p.codec = batch.NewCodec(fn) }
}

// WithFlowName sets the flow name used in logs and metrics.
func WithFlowName(name string) Option {
	return func(p *Processor) { p.flow = name }
}

// New validates cfg and creates a Processor.
func New(cfg Config, opts ...Option) (*Processor, error) {
	if cfg.Input.DurableSink != "" && cfg.Durable == nil {
		return nil, fmt.Errorf("input delivery stream %q requires a durable sink", cfg.Input.DurableSink)
	}

	outputs := make([]output, len(cfg.Outputs))
	seen := make(map[string]bool, len(cfg.Outputs))
	for i, o := range cfg.Outputs {
		if o.Name == "" {
			o.Name = fmt.Sprintf("output-%d", i)
		}
		if seen[o.Name] {
			return nil, fmt.Errorf("outputs[%d]: duplicate name %q", i, o.Name)
		}
		seen[o.Name] = true
		if o.Stream != "" && cfg.Stream == nil {
			return nil, fmt.Errorf("outputs[%d] (%s): stream %q requires a stream sink", i, o.Name, o.Stream)
		}
		if o.DurableSink != "" && cfg.Durable == nil {
			return nil, fmt.Errorf("outputs[%d] (%s): delivery stream %q requires a durable sink", i, o.Name, o.DurableSink)
		}
		if o.Predicate == nil {
			o.Predicate = transform.All
		}
		if o.Transform == nil {
			o.Transform = transform.Identity
		}
		outputs[i] = output{Output: o, index: i, key: sink.KeySelector(o.PartitionKey)}
	}

	p := &Processor{
		flow:    "default",
		cfg:     cfg,
		outputs: outputs,
		codec:   batch.NewCodec(nil),
		logger:  slog.Default(),
		tracer:  noop.NewTracerProvider().Tracer("processor"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Flow returns the flow name.
func (p *Processor) Flow() string { return p.flow }

// Process runs one batch. It returns nil on success, including when the
// input filter rejects every event, and the first error otherwise.
// Pipelines dispatched before a failure are not rolled back. State written
// by user logic through state.PendingFrom is persisted only when every
// dispatch succeeded, so a retried batch is evaluated against the same state.
func (p *Processor) Process(ctx context.Context, b batch.Batch) error {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanProcessBatch,
		trace.WithAttributes(
			tracing.FlowAttr(p.flow),
			tracing.InvocationAttr(b.InvocationID),
			tracing.ShardAttr(b.ShardID),
			tracing.BatchSizeAttr(len(b.Records)),
		),
	)
	defer span.End()

	ctx, pending := state.WithPending(ctx)
	err := p.process(ctx, b)
	if err == nil && pending.Len() > 0 {
		if cerr := pending.Commit(ctx); cerr != nil {
			p.logger.ErrorContext(ctx, "state commit failed", "flow", p.flow, "invocation_id", b.InvocationID, "error", cerr)
			err = &StateCommitError{Err: cerr}
		}
	}
	p.metrics.Phase(p.flow, "total", start)
	if err != nil {
		tracing.SetSpanError(span, err)
		p.metrics.Batch(p.flow, "error")
		return err
	}
	tracing.SetSpanOK(span)
	p.metrics.Batch(p.flow, "success")
	return nil
}

func (p *Processor) process(ctx context.Context, b batch.Batch) error {
	logger := p.logger.With("flow", p.flow, "invocation_id", b.InvocationID, "shard_id", b.ShardID)

	phaseStart := time.Now()
	events, shardID, err := p.codec.Decode(b)
	p.metrics.Phase(p.flow, PhaseDecode, phaseStart)
	if err != nil {
		logger.ErrorContext(ctx, "batch decode failed", "phase", PhaseDecode, "error", err)
		return err
	}
	logger.InfoContext(ctx, "batch decoded", "events", len(events))
	logFirst(ctx, logger, "decoded", events)
	p.metrics.Events(p.flow, "input", observability.StageIn, len(events))

	pc := event.ProcessingContext{
		Environment: p.cfg.Environment,
		Layer:       p.cfg.Layer,
		Stage:       p.cfg.Stage,
		ShardID:     shardID,
	}

	if ch := p.cfg.Input.DurableSink; ch != "" && len(events) > 0 {
		if err := p.putDurable(ctx, logger, InputPipeline, "input", ch, events); err != nil {
			return err
		}
	}

	working, err := p.route(ctx, logger, events, pc)
	if err != nil {
		logger.ErrorContext(ctx, "input processing failed", "phase", Phase(err), "error", err)
		return err
	}
	if len(working) == 0 {
		logger.InfoContext(ctx, "no events left after input filter")
		return nil
	}
	p.metrics.Events(p.flow, "input", observability.StageSelected, len(working))

	phaseStart = time.Now()
	sets, err := p.computeOutputs(ctx, logger, working, pc)
	p.metrics.Phase(p.flow, "outputs", phaseStart)
	if err != nil {
		logger.ErrorContext(ctx, "output processing failed", "phase", Phase(err), "error", err)
		return err
	}

	phaseStart = time.Now()
	defer p.metrics.Phase(p.flow, "dispatch", phaseStart)
	for i, out := range p.outputs {
		if len(sets[i]) == 0 {
			continue
		}
		if err := p.dispatch(ctx, logger, out, sets[i]); err != nil {
			logger.ErrorContext(ctx, "dispatch failed", "phase", Phase(err), "pipeline", out.Name, "error", err)
			return err
		}
		p.metrics.Events(p.flow, out.Name, observability.StageOut, len(sets[i]))
	}
	return nil
}

func logFirst(ctx context.Context, logger *slog.Logger, phase string, events []event.Event) {
	if len(events) == 0 || !logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	logger.DebugContext(ctx, "first event", "phase", phase, "event", events[0])
}
