// Package source defines the queue abstraction the feeder consumes from.
package source

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrNotAckable is returned by Event.Ack when the event carries no
// acknowledger.
var ErrNotAckable = errors.New("event cannot be acknowledged")

// Acknowledger settles a delivered message with its broker.
type Acknowledger interface {
	Ack(ctx context.Context) error
}

// AckFunc adapts a function to Acknowledger.
type AckFunc func(ctx context.Context) error

func (f AckFunc) Ack(ctx context.Context) error { return f(ctx) }

// Event represents a raw event consumed from a source.
type Event struct {
	Key           []byte
	Value         []byte
	Headers       map[string]string
	Offset        int64
	Topic         string
	CorrelationID string

	Acker Acknowledger
}

// Ack acknowledges the event. The broker will not redeliver an acknowledged
// event.
func (e Event) Ack(ctx context.Context) error {
	if e.Acker == nil {
		return ErrNotAckable
	}
	return e.Acker.Ack(ctx)
}

// Handler processes one event. A handler that returns nil without acking
// leaves the message to the source's un-acked policy.
type Handler func(context.Context, Event) error

// Source consumes events from an external system.
type Source interface {
	// Start begins consuming events. Blocks until ctx is cancelled or the
	// handler returns an error, which is returned wrapped.
	Start(ctx context.Context, handler Handler) error

	// Close performs graceful shutdown.
	Close() error
}

// Tracker records whether an acknowledger was successfully invoked.
type Tracker struct {
	next  Acknowledger
	acked atomic.Bool
}

// Track wraps next.
func Track(next Acknowledger) *Tracker {
	return &Tracker{next: next}
}

func (t *Tracker) Ack(ctx context.Context) error {
	if err := t.next.Ack(ctx); err != nil {
		return err
	}
	t.acked.Store(true)
	return nil
}

// Acked reports whether Ack has succeeded.
func (t *Tracker) Acked() bool {
	return t.acked.Load()
}
