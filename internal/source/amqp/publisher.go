package amqp

import (
	"context"
	"fmt"
	"io"
	"maps"
	"sync"

	"github.com/balanced/invoice-feeder/internal/correlation"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes persistent messages to queues through the default
// exchange. Implements dlq.Publisher. Each queue is declared on first use.
type Publisher struct {
	conn io.Closer
	ch   channel

	mu       sync.Mutex
	declared map[string]bool
}

// NewPublisher connects to uri.
func NewPublisher(uri string) (*Publisher, error) {
	conn, ch, err := dial(uri)
	if err != nil {
		return nil, err
	}
	return newPublisher(conn, ch), nil
}

func newPublisher(conn io.Closer, ch channel) *Publisher {
	return &Publisher{conn: conn, ch: ch, declared: make(map[string]bool)}
}

// Publish sends value to queue. The key becomes the message id and the span
// in ctx travels in the message headers.
func (p *Publisher) Publish(ctx context.Context, queue string, key, value []byte, headers map[string]string) error {
	if err := p.ensure(queue); err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    string(key),
		Body:         value,
	}
	headers = correlation.InjectTraceContext(ctx, maps.Clone(headers))
	if len(headers) > 0 {
		msg.Headers = make(amqp.Table, len(headers))
		for k, v := range headers {
			msg.Headers[k] = v
		}
	}

	if err := p.ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		return fmt.Errorf("amqp publish to %s: %w", queue, err)
	}
	return nil
}

func (p *Publisher) ensure(queue string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.declared[queue] {
		return nil
	}
	if err := declare(p.ch, queue); err != nil {
		return err
	}
	p.declared[queue] = true
	return nil
}

// Close closes the channel and the connection.
func (p *Publisher) Close() error {
	return closeAll(p.ch, p.conn)
}
