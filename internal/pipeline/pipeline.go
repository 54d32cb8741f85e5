// Package pipeline hosts a flow: it feeds batches from a source to the
// flow's current processor and forwards failed batches to the error stream.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lsm/relay/internal/batch"
	"github.com/lsm/relay/internal/dlq"
	"github.com/lsm/relay/internal/observability"
	"github.com/lsm/relay/internal/processor"
	"github.com/lsm/relay/internal/source"
)

// Processor runs one batch. Implemented by *processor.Processor.
type Processor interface {
	Process(ctx context.Context, b batch.Batch) error
}

// Config holds pipeline configuration.
type Config struct {
	FlowName string
	// PropagateErrors returns processing errors to the source even after the
	// batch reached the error stream. Without an error stream, errors are
	// always returned.
	PropagateErrors bool
}

// Pipeline wires a source to a processor.
type Pipeline struct {
	config  Config
	source  source.Source
	errors  *dlq.Handler
	metrics *observability.Metrics
	health  *observability.HealthServer
	logger  *slog.Logger

	mu   sync.RWMutex
	proc Processor
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithHealth reports the flow's readiness to hs.
func WithHealth(hs *observability.HealthServer) Option {
	return func(p *Pipeline) { p.health = hs }
}

// New creates a new Pipeline. errorStream may be nil.
func New(cfg Config, src source.Source, proc Processor, errorStream *dlq.Handler, opts ...Option) *Pipeline {
	p := &Pipeline{
		config: cfg,
		source: src,
		proc:   proc,
		errors: errorStream,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts the pipeline. Blocks until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("starting pipeline", "flow", p.config.FlowName)
	if p.health != nil {
		p.health.SetReady(p.config.FlowName, true)
		defer p.health.SetReady(p.config.FlowName, false)
	}
	return p.source.Start(ctx, p.handle)
}

func (p *Pipeline) handle(ctx context.Context, b batch.Batch) error {
	p.mu.RLock()
	err := p.proc.Process(ctx, b)
	p.mu.RUnlock()
	if err == nil {
		return nil
	}

	p.logger.Error("batch processing failed",
		"flow", p.config.FlowName,
		"invocation_id", b.InvocationID,
		"shard_id", b.ShardID,
		"phase", processor.Phase(err),
		"error", err,
	)
	if p.errors == nil {
		return err
	}

	info := dlq.FailureInfo{
		FlowName:     p.config.FlowName,
		Phase:        processor.Phase(err),
		ErrorMessage: err.Error(),
	}
	if sendErr := p.errors.Send(ctx, b, info); sendErr != nil {
		p.logger.Error("failed to send to error stream",
			"flow", p.config.FlowName,
			"invocation_id", b.InvocationID,
			"error", sendErr,
		)
		return errors.Join(err, sendErr)
	}
	p.metrics.ErrorStream(p.config.FlowName, len(b.Records))

	if p.config.PropagateErrors {
		return err
	}
	return nil
}

// Swap installs a new processor and returns the previous one. It waits for
// in-flight batches, so the returned processor is idle.
func (p *Pipeline) Swap(next Processor) Processor {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.proc
	p.proc = next
	p.logger.Info("processor replaced", "flow", p.config.FlowName)
	return prev
}

// Shutdown performs graceful shutdown of the pipeline components.
// Closes source and error stream in order. Returns all errors joined.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down pipeline", "flow", p.config.FlowName)

	var errs []error

	if err := p.source.Close(); err != nil {
		p.logger.Error("source close error", "flow", p.config.FlowName, "error", err)
		errs = append(errs, fmt.Errorf("source close: %w", err))
	}

	if p.errors != nil {
		if err := p.errors.Close(); err != nil {
			p.logger.Error("error stream close error", "flow", p.config.FlowName, "error", err)
			errs = append(errs, fmt.Errorf("error stream close: %w", err))
		}
	}

	p.logger.Info("pipeline shutdown complete", "flow", p.config.FlowName)
	return errors.Join(errs...)
}
