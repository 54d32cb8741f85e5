package kafka

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lsm/relay/internal/dlq"
	"github.com/lsm/relay/internal/kafka"
)

// Publisher publishes error-stream messages to Kafka topics. Implements
// dlq.Publisher.
type Publisher struct {
	client kafka.Producer
}

// NewPublisher creates a publisher on top of a producer, usually shared
// through kafka.Pool.
func NewPublisher(p kafka.Producer) (*Publisher, error) {
	if p == nil {
		return nil, fmt.Errorf("producer is required")
	}
	return &Publisher{client: p}, nil
}

// Publish sends msgs to topic in order and waits for every acknowledgement.
func (p *Publisher) Publish(ctx context.Context, topic string, msgs ...dlq.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	records := make([]*kgo.Record, 0, len(msgs))
	for _, m := range msgs {
		record := &kgo.Record{
			Topic: topic,
			Key:   m.Key,
			Value: m.Value,
		}
		for k, v := range m.Headers {
			record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
		records = append(records, record)
	}

	results := p.client.ProduceSync(ctx, records...)
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

// Close shuts down the publisher.
func (p *Publisher) Close() error {
	p.client.Close()
	return nil
}
