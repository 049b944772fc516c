// Package amqp consumes feeder events from a RabbitMQ queue and publishes
// raw messages to queues.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/balanced/invoice-feeder/internal/correlation"
	"github.com/balanced/invoice-feeder/internal/source"
	"github.com/balanced/invoice-feeder/internal/tracing"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const consumerTag = "invoice-feeder"

// channel abstracts the *amqp.Channel methods used here for testing.
type channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// dial opens a connection and a channel on it.
func dial(uri string) (io.Closer, channel, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("amqp channel: %w", err)
	}
	return conn, ch, nil
}

// declare creates queue as a durable queue if it does not exist.
func declare(ch channel, queue string) error {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return nil
}

func closeAll(ch channel, conn io.Closer) error {
	var errs []error
	if ch != nil {
		errs = append(errs, ch.Close())
	}
	if conn != nil {
		errs = append(errs, conn.Close())
	}
	return errors.Join(errs...)
}

// Source consumes a queue with a prefetch of one and manual
// acknowledgement. A delivery is acked only when the handler acks the
// event; a handler that returns nil without acking gets the delivery
// rejected without requeue.
type Source struct {
	conn   io.Closer
	ch     channel
	queue  string
	logger *slog.Logger
	tracer trace.Tracer
}

// NewSource connects to uri and prepares queue for consumption.
func NewSource(uri, queue string, logger *slog.Logger) (*Source, error) {
	if queue == "" {
		return nil, errors.New("queue is required")
	}
	conn, ch, err := dial(uri)
	if err != nil {
		return nil, err
	}
	s, err := newSource(conn, ch, queue, logger)
	if err != nil {
		closeAll(ch, conn)
		return nil, err
	}
	return s, nil
}

func newSource(conn io.Closer, ch channel, queue string, logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := declare(ch, queue); err != nil {
		return nil, err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	return &Source{
		conn:   conn,
		ch:     ch,
		queue:  queue,
		logger: logger,
		tracer: noop.NewTracerProvider().Tracer("amqp-source"),
	}, nil
}

// SetTracer sets the tracer for the source.
func (s *Source) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// Start delivers messages to handler one at a time until ctx is cancelled,
// the broker closes the channel, or the handler fails.
func (s *Source) Start(ctx context.Context, handler source.Handler) error {
	deliveries, err := s.ch.Consume(s.queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", s.queue, err)
	}
	s.logger.Info("starting amqp consumer", "queue", s.queue)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("amqp deliveries for %s closed", s.queue)
			}
			if err := s.handle(ctx, d, handler); err != nil {
				return err
			}
		}
	}
}

func (s *Source) handle(ctx context.Context, d amqp.Delivery, handler source.Handler) (err error) {
	evt := source.Event{
		Key:     []byte(d.MessageId),
		Value:   d.Body,
		Headers: headers(d.Headers),
		Offset:  int64(d.DeliveryTag),
		Topic:   s.queue,
	}

	corrID := correlation.ExtractOrGenerate(evt.Headers)
	evt.CorrelationID = corrID.Value

	msgCtx := correlation.NewContext(correlation.ExtractTraceContext(ctx, evt.Headers), corrID)
	spanCtx, span := tracing.StartSpan(msgCtx, s.tracer, tracing.SpanAMQPConsume,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			tracing.AMQPQueueAttr(s.queue),
			tracing.AMQPDeliveryTagAttr(d.DeliveryTag),
			tracing.CorrelationAttr(corrID.Value),
		),
	)
	defer func() { tracing.End(span, err) }()

	s.logger.Debug("event received",
		"correlation_id", corrID.Value,
		"correlation_source", corrID.Source,
		"queue", s.queue,
		"delivery_tag", d.DeliveryTag,
		"redelivered", d.Redelivered,
	)

	tracker := source.Track(source.AckFunc(func(context.Context) error {
		if err := d.Ack(false); err != nil {
			return fmt.Errorf("ack delivery %d: %w", d.DeliveryTag, err)
		}
		return nil
	}))
	evt.Acker = tracker

	if err := handler(spanCtx, evt); err != nil {
		return fmt.Errorf("%s#%d: %w", s.queue, d.DeliveryTag, err)
	}
	if !tracker.Acked() {
		s.logger.Warn("event not acknowledged, rejecting", "queue", s.queue, "delivery_tag", d.DeliveryTag)
		if err := d.Nack(false, false); err != nil {
			return fmt.Errorf("reject delivery %d: %w", d.DeliveryTag, err)
		}
	}
	return nil
}

// Close closes the channel and the connection. Un-acked deliveries are
// requeued by the broker.
func (s *Source) Close() error {
	return closeAll(s.ch, s.conn)
}

func headers(t amqp.Table) map[string]string {
	h := make(map[string]string, len(t))
	for k, v := range t {
		switch v := v.(type) {
		case string:
			h[k] = v
		case []byte:
			h[k] = string(v)
		default:
			h[k] = fmt.Sprint(v)
		}
	}
	return h
}
