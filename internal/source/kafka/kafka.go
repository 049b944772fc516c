// Package kafka consumes feeder events from a Kafka topic and publishes
// raw messages to topics.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/balanced/invoice-feeder/internal/correlation"
	"github.com/balanced/invoice-feeder/internal/kafka"
	"github.com/balanced/invoice-feeder/internal/source"
	"github.com/balanced/invoice-feeder/internal/tracing"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// consumer abstracts the kafka client methods used by Source for testing.
type consumer interface {
	PollFetches(ctx context.Context) kgo.Fetches
	MarkCommitRecords(rs ...*kgo.Record)
	CommitMarkedOffsets(ctx context.Context) error
	Close()
}

// Source consumes events from a Kafka topic. A record's offset is committed
// only when the handler acknowledges the event.
type Source struct {
	client consumer
	topic  string
	logger *slog.Logger
	tracer trace.Tracer
}

// NewSource creates a Kafka source reading topic with the group in cfg.
func NewSource(cfg *kafka.Config, topic string, logger *slog.Logger) (*Source, error) {
	if cfg == nil {
		return nil, errors.New("kafka config is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts, err := cfg.ConsumerOptions(topic)
	if err != nil {
		return nil, fmt.Errorf("consumer options: %w", err)
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	return &Source{
		client: client,
		topic:  topic,
		logger: logger,
		tracer: noop.NewTracerProvider().Tracer("kafka-source"),
	}, nil
}

// SetTracer sets the tracer for the source.
func (s *Source) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// Start polls records and hands them to handler one at a time, in order.
// It returns ctx.Err() once ctx is cancelled and the current batch is
// drained, or the first handler error. Records the handler returns from
// without acknowledging are skipped.
func (s *Source) Start(ctx context.Context, handler source.Handler) error {
	s.logger.Info("starting kafka consumer", "topic", s.topic)

	for {
		fetches := s.client.PollFetches(ctx)

		if errs := fetches.Errors(); len(errs) > 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			for _, err := range errs {
				s.logger.Error("fetch error", "topic", err.Topic, "partition", err.Partition, "error", err.Err)
			}
			continue
		}

		for iter := fetches.RecordIter(); !iter.Done(); {
			if err := s.handle(ctx, iter.Next(), handler); err != nil {
				return err
			}
		}

		if ctx.Err() != nil {
			s.logger.Info("kafka source draining complete", "topic", s.topic)
			return ctx.Err()
		}
	}
}

func (s *Source) handle(ctx context.Context, record *kgo.Record, handler source.Handler) (err error) {
	evt := source.Event{
		Key:     record.Key,
		Value:   record.Value,
		Headers: make(map[string]string, len(record.Headers)),
		Offset:  record.Offset,
		Topic:   record.Topic,
	}
	for _, h := range record.Headers {
		evt.Headers[h.Key] = string(h.Value)
	}

	corrID := correlation.ExtractOrGenerate(evt.Headers)
	evt.CorrelationID = corrID.Value

	recordCtx := correlation.NewContext(correlation.ExtractTraceContext(ctx, evt.Headers), corrID)
	spanCtx, span := tracing.StartSpan(recordCtx, s.tracer, tracing.SpanKafkaConsume,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			tracing.KafkaTopicAttr(record.Topic),
			tracing.KafkaPartitionAttr(record.Partition),
			tracing.KafkaOffsetAttr(record.Offset),
			tracing.CorrelationAttr(corrID.Value),
		),
	)
	defer func() { tracing.End(span, err) }()

	s.logger.Debug("event received",
		"correlation_id", corrID.Value,
		"correlation_source", corrID.Source,
		"topic", record.Topic,
		"partition", record.Partition,
		"offset", record.Offset,
	)

	tracker := source.Track(source.AckFunc(func(ctx context.Context) error {
		s.client.MarkCommitRecords(record)
		if err := s.client.CommitMarkedOffsets(ctx); err != nil {
			return fmt.Errorf("commit offset %d: %w", record.Offset, err)
		}
		return nil
	}))
	evt.Acker = tracker

	if err := handler(spanCtx, evt); err != nil {
		return fmt.Errorf("%s/%d@%d: %w", record.Topic, record.Partition, record.Offset, err)
	}
	if !tracker.Acked() {
		s.logger.Warn("event not acknowledged, skipping",
			"topic", record.Topic, "partition", record.Partition, "offset", record.Offset)
	}
	return nil
}

// Close performs graceful shutdown of the Kafka client.
func (s *Source) Close() error {
	s.client.Close()
	return nil
}
