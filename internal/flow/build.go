// Package flow turns flow definitions into running pipelines and owns the
// resources they share.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/relay/internal/config"
	"github.com/lsm/relay/internal/dlq"
	"github.com/lsm/relay/internal/kafka"
	"github.com/lsm/relay/internal/observability"
	"github.com/lsm/relay/internal/pipeline"
	"github.com/lsm/relay/internal/processor"
	"github.com/lsm/relay/internal/schema"
	"github.com/lsm/relay/internal/sink"
	"github.com/lsm/relay/internal/sink/breaker"
	httpsink "github.com/lsm/relay/internal/sink/http"
	kafkasink "github.com/lsm/relay/internal/sink/kafka"
	pebblesink "github.com/lsm/relay/internal/sink/pebble"
	"github.com/lsm/relay/internal/source"
	httpsource "github.com/lsm/relay/internal/source/http"
	kafkasource "github.com/lsm/relay/internal/source/kafka"
	"github.com/lsm/relay/internal/state"
	"github.com/lsm/relay/internal/transform"
	celxform "github.com/lsm/relay/internal/transform/cel"
	"github.com/lsm/relay/internal/transform/dedup"
	mappingxform "github.com/lsm/relay/internal/transform/mapping"
)

// ErrRestartRequired is returned by Update when the new definition changes
// a resource the flow owns.
var ErrRestartRequired = errors.New("flow resources changed, restart required")

// Deps holds process-wide collaborators shared by every flow.
type Deps struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Health  *observability.HealthServer
	Tracer  trace.Tracer
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Tracer == nil {
		d.Tracer = noop.NewTracerProvider().Tracer("relay")
	}
	return d
}

// Flow is one running flow together with the resources it owns: the Kafka
// clients, the state store and both sinks. The processor can be replaced
// while the flow runs; everything else lives until Close.
type Flow struct {
	def      *config.FlowDefinition
	deps     Deps
	logger   *slog.Logger
	pipeline *pipeline.Pipeline
	src      source.Source

	pool    *kafka.Pool
	store   state.Store
	stream  sink.StreamSink
	durable sink.DurableSink
}

// Build creates every resource of def and wires them into a pipeline. On
// error, resources created so far are released.
func Build(ctx context.Context, def *config.FlowDefinition, deps Deps) (*Flow, error) {
	deps = deps.withDefaults()
	f := &Flow{
		def:    def,
		deps:   deps,
		logger: deps.Logger.With("flow", def.Name),
	}
	if err := f.build(ctx); err != nil {
		if cerr := f.release(); cerr != nil {
			f.logger.Error("failed to release partially built flow", "error", cerr)
		}
		return nil, err
	}
	return f, nil
}

func (f *Flow) build(ctx context.Context) error {
	var err error
	if f.pool, err = kafka.NewPool(f.def.Kafka.Clusters); err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	if f.store, err = openState(f.def.State); err != nil {
		return fmt.Errorf("state: %w", err)
	}
	if err := f.buildSinks(ctx); err != nil {
		return err
	}

	proc, err := f.buildProcessor(f.def)
	if err != nil {
		return err
	}
	if f.src, err = f.buildSource(); err != nil {
		return err
	}
	errorStream, err := f.buildErrorStream()
	if err != nil {
		return err
	}

	f.pipeline = pipeline.New(
		pipeline.Config{FlowName: f.def.Name, PropagateErrors: f.def.ErrorHandling.Propagate},
		f.src, proc, errorStream,
		pipeline.WithLogger(f.logger),
		pipeline.WithMetrics(f.deps.Metrics),
		pipeline.WithHealth(f.deps.Health),
	)
	return nil
}

// Name returns the flow name.
func (f *Flow) Name() string { return f.def.Name }

// Definition returns the definition the flow currently runs.
func (f *Flow) Definition() *config.FlowDefinition { return f.def }

// Run consumes from the source until ctx is cancelled.
func (f *Flow) Run(ctx context.Context) error {
	return f.pipeline.Run(ctx)
}

// Update replaces the processor with one built from def. Definitions that
// change the source, Kafka clusters, state, sinks or error handling return
// ErrRestartRequired and leave the flow untouched. Output streams added by
// def are created first when the stream sink creates topics.
func (f *Flow) Update(ctx context.Context, def *config.FlowDefinition) error {
	if !sameResources(f.def, def) {
		return ErrRestartRequired
	}
	proc, err := f.buildProcessor(def)
	if err != nil {
		return err
	}
	if sc := def.Sinks.Stream; sc != nil && sc.CreateTopics != nil &&
		!slices.Equal(streamTopics(f.def, sc.Cluster), streamTopics(def, sc.Cluster)) {
		if err := f.createTopics(ctx, def); err != nil {
			return err
		}
	}
	f.pipeline.Swap(proc)
	f.def = def
	return nil
}

// Close shuts down the pipeline and releases the flow's resources.
func (f *Flow) Close(ctx context.Context) error {
	var errs []error
	if f.pipeline != nil {
		if err := f.pipeline.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := f.release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// release closes owned resources in reverse creation order. The pool goes
// last since the stream sink borrows its clients.
func (f *Flow) release() error {
	var errs []error
	if f.durable != nil {
		if err := f.durable.Close(); err != nil {
			errs = append(errs, fmt.Errorf("durable sink close: %w", err))
		}
	}
	if f.stream != nil {
		if err := f.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("stream sink close: %w", err))
		}
	}
	if f.store != nil {
		if err := f.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("state close: %w", err))
		}
	}
	if f.pool != nil {
		if err := f.pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka close: %w", err))
		}
	}
	return errors.Join(errs...)
}

func sameResources(a, b *config.FlowDefinition) bool {
	return a.Name == b.Name &&
		reflect.DeepEqual(a.Source, b.Source) &&
		reflect.DeepEqual(a.Kafka, b.Kafka) &&
		reflect.DeepEqual(a.State, b.State) &&
		reflect.DeepEqual(a.Sinks, b.Sinks) &&
		reflect.DeepEqual(a.ErrorHandling, b.ErrorHandling)
}

func openState(cfg config.StateConfig) (state.Store, error) {
	switch cfg.Type {
	case "", config.StateMemory:
		return state.NewMemoryStore(), nil
	case config.StatePebble:
		s, err := state.OpenPebble(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported state type: %s", cfg.Type)
	}
}

func (f *Flow) buildSinks(ctx context.Context) error {
	if sc := f.def.Sinks.Stream; sc != nil {
		producer, err := f.pool.Producer(sc.Cluster)
		if err != nil {
			return fmt.Errorf("stream sink: %w", err)
		}
		s, err := kafkasink.NewSink(producer,
			kafkasink.WithLogger(f.logger),
			kafkasink.WithTracer(f.deps.Tracer),
			kafkasink.WithHeaders(sc.Headers),
		)
		if err != nil {
			return fmt.Errorf("stream sink: %w", err)
		}
		f.stream = s
		if sc.CircuitBreaker != nil {
			f.stream = breaker.NewStream(s, *sc.CircuitBreaker)
		}

		if sc.CreateTopics != nil {
			if err := f.createTopics(ctx, f.def); err != nil {
				return err
			}
		}
	}

	if dc := f.def.Sinks.Durable; dc != nil {
		switch dc.Type {
		case config.DurableHTTP:
			s, err := httpsink.NewSink(httpsink.Config{
				URL:     dc.Config.URL,
				Headers: dc.Config.Headers,
				Timeout: dc.Config.Timeout,
				Retry: httpsink.RetryConfig{
					MaxAttempts:     dc.Config.MaxAttempts,
					InitialInterval: dc.Config.InitialInterval,
					MaxInterval:     dc.Config.MaxInterval,
				},
				RateLimit: dc.Config.RateLimit,
				Burst:     dc.Config.Burst,
			})
			if err != nil {
				return fmt.Errorf("durable sink: %w", err)
			}
			s.SetLogger(f.logger)
			s.SetTracer(f.deps.Tracer)
			f.durable = s
		case config.DurablePebble:
			s, err := pebblesink.Open(dc.Config.Path)
			if err != nil {
				return fmt.Errorf("durable sink: %w", err)
			}
			s.SetLogger(f.logger)
			s.SetTracer(f.deps.Tracer)
			f.durable = s
		default:
			return fmt.Errorf("unsupported durable sink type: %s", dc.Type)
		}
		if dc.CircuitBreaker != nil {
			f.durable = breaker.NewDurable(f.durable, *dc.CircuitBreaker)
		}
	}
	return nil
}

// newTopicCreator returns the admin client used to create stream topics.
var newTopicCreator = func(pool *kafka.Pool, cluster string) (kafka.TopicCreator, error) {
	admin, err := pool.Admin(cluster)
	if err != nil {
		return nil, err
	}
	return admin, nil
}

// createTopics creates the output streams of def on the stream sink's
// cluster.
func (f *Flow) createTopics(ctx context.Context, def *config.FlowDefinition) error {
	sc := def.Sinks.Stream
	topics := streamTopics(def, sc.Cluster)

	admin, err := newTopicCreator(f.pool, sc.Cluster)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	partitions, rf := sc.CreateTopics.Partitions, sc.CreateTopics.ReplicationFactor
	if partitions <= 0 {
		partitions = -1
	}
	if rf <= 0 {
		rf = -1
	}
	if err := kafka.EnsureTopics(ctx, admin, partitions, rf, topics...); err != nil {
		return err
	}
	f.logger.Info("stream topics ensured", "topics", topics)
	return nil
}

// streamTopics lists the output streams of def, plus the error stream when
// it lives on cluster, deduplicated in declaration order.
func streamTopics(def *config.FlowDefinition, cluster string) []string {
	var topics []string
	seen := make(map[string]bool)
	add := func(t string) {
		if t != "" && !seen[t] {
			seen[t] = true
			topics = append(topics, t)
		}
	}
	for _, o := range def.Outputs {
		add(o.Stream)
	}
	if def.ErrorHandling.ErrorCluster(def) == cluster {
		add(def.ErrorHandling.ErrorStream)
	}
	return topics
}

func (f *Flow) buildSource() (source.Source, error) {
	opts := f.def.Source.Config
	switch f.def.Source.Type {
	case config.SourceKafka:
		cluster, ok := f.pool.Cluster(opts.Cluster)
		if !ok {
			return nil, fmt.Errorf("kafka source: cluster %q not configured", opts.Cluster)
		}
		s, err := kafkasource.NewSource(kafkasource.Config{
			Cluster:        cluster,
			Topics:         opts.Topics,
			ConsumerGroup:  opts.ConsumerGroup,
			StartOffset:    opts.StartOffset,
			MaxPollRecords: opts.MaxPollRecords,
			RetryBackoff:   opts.RetryBackoff,
		}, f.logger)
		if err != nil {
			return nil, fmt.Errorf("kafka source: %w", err)
		}
		s.SetTracer(f.deps.Tracer)
		return s, nil
	case config.SourceHTTP:
		s, err := httpsource.NewSource(httpsource.Config{
			ListenAddr:   opts.ListenAddr,
			Path:         opts.Path,
			MaxBodyBytes: opts.MaxBodyBytes,
		}, f.logger)
		if err != nil {
			return nil, fmt.Errorf("http source: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported source type: %s", f.def.Source.Type)
	}
}

// buildErrorStream returns nil when the flow forwards failures nowhere.
func (f *Flow) buildErrorStream() (*dlq.Handler, error) {
	eh := f.def.ErrorHandling
	if eh.ErrorStream == "" && eh.ErrorDeliveryStream == "" {
		return nil, nil
	}

	var pub dlq.Publisher
	var opts []dlq.Option
	if eh.ErrorStream != "" {
		producer, err := f.pool.Producer(eh.ErrorCluster(f.def))
		if err != nil {
			return nil, fmt.Errorf("error stream: %w", err)
		}
		p, err := kafkasource.NewPublisher(producer)
		if err != nil {
			return nil, fmt.Errorf("error stream: %w", err)
		}
		pub = p
		opts = append(opts, dlq.WithTopic(eh.ErrorStream))
	}
	if eh.ErrorDeliveryStream != "" {
		if f.durable == nil {
			return nil, fmt.Errorf("error delivery stream %q requires a durable sink", eh.ErrorDeliveryStream)
		}
		opts = append(opts, dlq.WithDeliveryStream(f.durable, eh.ErrorDeliveryStream))
	}
	return dlq.NewHandler(pub, opts...), nil
}

func (f *Flow) buildProcessor(def *config.FlowDefinition) (*processor.Processor, error) {
	inPred, err := f.buildFilter(def.Input.Filter)
	if err != nil {
		return nil, fmt.Errorf("input filter: %w", err)
	}
	inXform, err := buildMapper(def.Input.Mapper)
	if err != nil {
		return nil, fmt.Errorf("input mapper: %w", err)
	}

	outputs := make([]processor.Output, 0, len(def.Outputs))
	for i, o := range def.Outputs {
		pred, err := f.buildFilter(o.Filter)
		if err != nil {
			return nil, fmt.Errorf("outputs[%d] filter: %w", i, err)
		}
		xform, err := buildMapper(o.Mapper)
		if err != nil {
			return nil, fmt.Errorf("outputs[%d] mapper: %w", i, err)
		}
		outputs = append(outputs, processor.Output{
			Name:         o.Name,
			Predicate:    pred,
			Transform:    xform,
			Stream:       o.Stream,
			PartitionKey: o.PartitionKey,
			DurableSink:  o.DeliveryStream,
		})
	}

	opts := []processor.Option{
		processor.WithFlowName(def.Name),
		processor.WithLogger(f.logger),
		processor.WithMetrics(f.deps.Metrics),
		processor.WithTracer(f.deps.Tracer),
	}
	if def.Schema != "" {
		v, err := schema.NewValidator(def.Schema)
		if err != nil {
			return nil, fmt.Errorf("schema: %w", err)
		}
		opts = append(opts, processor.WithDeserializer(v.Deserializer(nil)))
	}

	return processor.New(processor.Config{
		Environment: def.Environment,
		Layer:       def.Layer,
		Stage:       def.Stage,
		Input: processor.Input{
			Predicate:   inPred,
			Transform:   inXform,
			DurableSink: def.Input.DeliveryStream,
		},
		Outputs: outputs,
		Stream:  f.stream,
		Durable: f.durable,
	}, opts...)
}

// buildFilter returns nil for an absent filter, which accepts every event.
// Several strategies combine with transform.And; dedup goes last so only
// events that passed the expression are recorded as seen.
func (f *Flow) buildFilter(fc *config.FilterConfig) (transform.Predicate, error) {
	if fc == nil {
		return nil, nil
	}
	var preds transform.And
	if fc.CEL != "" {
		p, err := celxform.NewPredicate(fc.CEL)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	if fc.Dedup != nil {
		p, err := dedup.New(f.store, fc.Dedup.Field)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	switch len(preds) {
	case 0:
		return nil, fmt.Errorf("no filter strategy set")
	case 1:
		return preds[0], nil
	default:
		return preds, nil
	}
}

// buildMapper returns nil for an absent mapper, which leaves events as they
// are. Several strategies run as a transform.Chain.
func buildMapper(mc *config.MapperConfig) (transform.Transformer, error) {
	if mc == nil {
		return nil, nil
	}
	var chain transform.Chain
	if mc.CEL != "" {
		t, err := celxform.NewTransformer(mc.CEL)
		if err != nil {
			return nil, err
		}
		chain = append(chain, t)
	}
	if len(mc.Fields) > 0 {
		t, err := celxform.NewFields(mc.Fields)
		if err != nil {
			return nil, err
		}
		chain = append(chain, t)
	}
	if len(mc.Mapping) > 0 {
		t, err := mappingxform.NewTransformer(mc.Mapping)
		if err != nil {
			return nil, err
		}
		chain = append(chain, t)
	}
	switch len(chain) {
	case 0:
		return nil, fmt.Errorf("no mapper strategy set")
	case 1:
		return chain[0], nil
	default:
		return chain, nil
	}
}
