package kafka

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/balanced/invoice-feeder/internal/correlation"
	"github.com/balanced/invoice-feeder/internal/kafka"
	"github.com/twmb/franz-go/pkg/kgo"
)

// producer is the subset of *kgo.Client used by Publisher.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Publisher writes raw events to Kafka for the feed command and the
// dead-letter handler.
type Publisher struct {
	client producer
}

// NewPublisher connects a producer to the cluster in cfg.
func NewPublisher(cfg *kafka.Config) (*Publisher, error) {
	if cfg == nil {
		return nil, errors.New("kafka config is required")
	}
	opts, err := cfg.ClientOptions()
	if err != nil {
		return nil, fmt.Errorf("client options: %w", err)
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher client: %w", err)
	}
	return &Publisher{client: client}, nil
}

// Publish writes one record and waits for the broker to accept it. The
// span in ctx travels in the record headers.
func (p *Publisher) Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	headers = correlation.InjectTraceContext(ctx, maps.Clone(headers))

	record := &kgo.Record{Topic: topic, Key: key, Value: value}
	for _, k := range slices.Sorted(maps.Keys(headers)) {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(headers[k])})
	}

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

// Close flushes nothing: Publish is synchronous. It releases the client.
func (p *Publisher) Close() error {
	p.client.Close()
	return nil
}
