// Package dlq publishes events the feeder gave up on to a dead-letter
// destination, with the failure recorded in message headers.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Failure headers.
const (
	HeaderOriginalQueue = "feeder-original-queue"
	HeaderErrorCode     = "feeder-error-code"
	HeaderErrorMessage  = "feeder-error-message"
	HeaderEventGUID     = "feeder-event-guid"
	HeaderFailedAt      = "feeder-failed-at"
	HeaderCorrelationID = "feeder-correlation-id"
)

// Publisher is the interface for publishing messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

// FailureInfo describes why an event was dead-lettered.
type FailureInfo struct {
	OriginalQueue string
	ErrorCode     string
	ErrorMessage  string
	EventGUID     string
	CorrelationID string
}

// Handler publishes failed events to one dead-letter topic or queue.
type Handler struct {
	publisher   Publisher
	destination string
	now         func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock overrides the clock used for the failed-at header.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// NewHandler creates a dead-letter handler publishing to destination.
func NewHandler(pub Publisher, destination string, opts ...Option) (*Handler, error) {
	if pub == nil {
		return nil, errors.New("dlq publisher is required")
	}
	if destination == "" {
		return nil, errors.New("dlq destination is required")
	}
	h := &Handler{
		publisher:   pub,
		destination: destination,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Destination returns the dead-letter topic or queue name.
func (h *Handler) Destination() string {
	return h.destination
}

// Send publishes the raw event with failure headers. The original headers
// are carried over; failure headers take precedence.
func (h *Handler) Send(ctx context.Context, key, value []byte, original map[string]string, info FailureInfo) error {
	headers := make(map[string]string, len(original)+6)
	for k, v := range original {
		headers[k] = v
	}
	headers[HeaderOriginalQueue] = info.OriginalQueue
	headers[HeaderErrorCode] = info.ErrorCode
	headers[HeaderErrorMessage] = info.ErrorMessage
	headers[HeaderFailedAt] = h.now().UTC().Format(time.RFC3339)
	if info.EventGUID != "" {
		headers[HeaderEventGUID] = info.EventGUID
	}
	if info.CorrelationID != "" {
		headers[HeaderCorrelationID] = info.CorrelationID
	}

	if err := h.publisher.Publish(ctx, h.destination, key, value, headers); err != nil {
		return fmt.Errorf("dlq publish to %s: %w", h.destination, err)
	}
	return nil
}

// Close releases resources held by the handler.
func (h *Handler) Close() error {
	return h.publisher.Close()
}
