// Package kafka consumes batches from Kafka and publishes error-stream
// records back to it.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/relay/internal/batch"
	"github.com/lsm/relay/internal/kafka"
	"github.com/lsm/relay/internal/source"
	"github.com/lsm/relay/internal/tracing"
)

// Config holds Kafka source configuration.
type Config struct {
	Cluster       *kafka.ClusterConfig // Cluster config with auth/TLS (required)
	Topics        []string
	ConsumerGroup string
	StartOffset   string // "earliest" or "latest" (default: "latest")
	// MaxPollRecords caps the records returned by one poll. Zero means no cap.
	MaxPollRecords int
	// RetryBackoff is the pause before a failed partition is fetched again.
	RetryBackoff time.Duration
}

// DefaultRetryBackoff is used when Config.RetryBackoff is zero.
const DefaultRetryBackoff = time.Second

// consumer abstracts the kafka client methods used by Source for testing.
type consumer interface {
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	MarkCommitRecords(rs ...*kgo.Record)
	CommitMarkedOffsets(ctx context.Context) error
	SetOffsets(offsets map[string]map[int32]kgo.EpochOffset)
	Close()
}

// Source consumes Kafka topics. Every fetched partition is handed over as
// one batch whose shard id is "<topic>-<partition>"; offsets are committed
// only after the handler accepts the batch. A rejected batch rewinds its
// partition, so the same records are delivered again on a later poll.
type Source struct {
	client   consumer
	topics   []string
	maxPoll  int
	backoff  time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
	newInvID func() string
}

// NewSource creates a new Kafka source.
func NewSource(cfg Config, logger *slog.Logger) (*Source, error) {
	if cfg.Cluster == nil {
		return nil, fmt.Errorf("cluster config is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	offset := kgo.NewOffset().AtEnd()
	if cfg.StartOffset == "earliest" {
		offset = kgo.NewOffset().AtStart()
	}

	opts, err := kafka.ClientOptions(cfg.Cluster)
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}

	opts = append(opts,
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(offset),
		kgo.DisableAutoCommit(),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	s := newSource(client, cfg.Topics, cfg.MaxPollRecords, logger)
	if cfg.RetryBackoff > 0 {
		s.backoff = cfg.RetryBackoff
	}
	return s, nil
}

func newSource(c consumer, topics []string, maxPoll int, logger *slog.Logger) *Source {
	return &Source{
		client:   c,
		topics:   topics,
		maxPoll:  maxPoll,
		backoff:  DefaultRetryBackoff,
		logger:   logger,
		tracer:   noop.NewTracerProvider().Tracer("kafka-source"),
		newInvID: uuid.NewString,
	}
}

// SetTracer sets the tracer for the source.
func (s *Source) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// Start begins consuming from Kafka. Blocks until ctx is cancelled.
func (s *Source) Start(ctx context.Context, handler source.Handler) error {
	s.logger.Info("starting kafka consumer", "topics", s.topics)

	for {
		fetches := s.client.PollRecords(ctx, s.maxPoll)

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				s.logger.Error("fetch error", "topic", err.Topic, "partition", err.Partition, "error", err.Err)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		var rewind map[string]map[int32]kgo.EpochOffset
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if len(p.Records) == 0 {
				return
			}
			// Later chunks of a failed partition are refetched after the rewind.
			if _, failed := rewind[p.Topic][p.Partition]; failed {
				return
			}
			if s.handlePartition(ctx, p, handler) {
				return
			}
			if rewind == nil {
				rewind = make(map[string]map[int32]kgo.EpochOffset)
			}
			if rewind[p.Topic] == nil {
				rewind[p.Topic] = make(map[int32]kgo.EpochOffset)
			}
			first := p.Records[0]
			rewind[p.Topic][p.Partition] = kgo.EpochOffset{Epoch: first.LeaderEpoch, Offset: first.Offset}
		})

		if len(rewind) > 0 {
			s.client.SetOffsets(rewind)
			s.logger.Warn("rewound failed partitions", "offsets", rewind, "backoff", s.backoff)
			select {
			case <-ctx.Done():
			case <-time.After(s.backoff):
			}
		}

		// All partitions of the last fetch are drained before exit.
		if ctx.Err() != nil {
			s.logger.Info("kafka source draining complete", "topics", s.topics)
			return ctx.Err()
		}
	}
}

// handlePartition reports false when the handler rejected the batch.
func (s *Source) handlePartition(ctx context.Context, p kgo.FetchTopicPartition, handler source.Handler) bool {
	b := toBatch(p, s.newInvID())

	// The first record carries the upstream trace context, if any.
	headers := make(map[string]string, len(p.Records[0].Headers))
	for _, h := range p.Records[0].Headers {
		headers[h.Key] = string(h.Value)
	}
	batchCtx := tracing.Extract(ctx, headers)

	spanCtx, span := tracing.StartSpan(batchCtx, s.tracer, tracing.SpanKafkaConsume,
		trace.WithAttributes(
			tracing.KafkaTopicAttr(p.Topic),
			tracing.ShardAttr(b.ShardID),
			tracing.InvocationAttr(b.InvocationID),
			tracing.BatchSizeAttr(len(b.Records)),
		),
	)
	defer span.End()

	s.logger.Info("batch received",
		"invocation_id", b.InvocationID,
		"shard_id", b.ShardID,
		"records", len(b.Records),
		"first_offset", p.Records[0].Offset,
	)

	if err := handler(spanCtx, b); err != nil {
		tracing.SetSpanError(span, err)
		s.logger.Error("handler error, partition will be redelivered",
			"invocation_id", b.InvocationID,
			"shard_id", b.ShardID,
			"error", err,
		)
		return false
	}

	// Commit after successful handling (at-least-once)
	s.client.MarkCommitRecords(p.Records...)
	if err := s.client.CommitMarkedOffsets(ctx); err != nil {
		tracing.SetSpanError(span, err)
		// Marked offsets go out with the next commit.
		s.logger.Error("commit error", "shard_id", b.ShardID, "error", err)
		return true
	}
	tracing.SetSpanOK(span)
	return true
}

func toBatch(p kgo.FetchTopicPartition, invocationID string) batch.Batch {
	b := batch.Batch{
		ShardID:      fmt.Sprintf("%s-%d", p.Topic, p.Partition),
		Encoding:     batch.EncodingRaw,
		Records:      make([]batch.Record, 0, len(p.Records)),
		InvocationID: invocationID,
	}
	for _, r := range p.Records {
		b.Records = append(b.Records, batch.Record{
			Data:           r.Value,
			PartitionKey:   string(r.Key),
			SequenceNumber: strconv.FormatInt(r.Offset, 10),
		})
	}
	return b
}

// Close performs graceful shutdown of the Kafka client.
func (s *Source) Close() error {
	s.client.Close()
	return nil
}
