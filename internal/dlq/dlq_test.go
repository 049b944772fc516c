package dlq

import (
	"context"
	"errors"
	"testing"
	"time"
)

type mockPublisher struct {
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
	err     error
	closed  bool
}

func (m *mockPublisher) Publish(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	m.topic = topic
	m.key = key
	m.value = value
	m.headers = headers
	return m.err
}

func (m *mockPublisher) Close() error {
	m.closed = true
	return nil
}

func TestNewHandler_Validation(t *testing.T) {
	if _, err := NewHandler(nil, "dlq"); err == nil {
		t.Error("expected error for nil publisher")
	}
	if _, err := NewHandler(&mockPublisher{}, ""); err == nil {
		t.Error("expected error for empty destination")
	}
}

func TestSend_HeadersPopulated(t *testing.T) {
	pub := &mockPublisher{}
	failedAt := time.Date(2014, 7, 1, 12, 30, 0, 0, time.FixedZone("PDT", -7*3600))
	h, err := NewHandler(pub, "invoice-feeder-dlq", WithClock(func() time.Time { return failedAt }))
	if err != nil {
		t.Fatal(err)
	}

	err = h.Send(context.Background(), []byte("EV1"), []byte(`{"guid":"EV1"}`),
		map[string]string{"x-request-id": "req-1", HeaderErrorCode: "stale"},
		FailureInfo{
			OriginalQueue: "balanced-invoice-events",
			ErrorCode:     "MAPPING_FAILED",
			ErrorMessage:  `missing field "total_fee"`,
			EventGUID:     "EV1",
			CorrelationID: "corr-1",
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if pub.topic != "invoice-feeder-dlq" || h.Destination() != "invoice-feeder-dlq" {
		t.Errorf("topic = %s", pub.topic)
	}
	if string(pub.key) != "EV1" || string(pub.value) != `{"guid":"EV1"}` {
		t.Errorf("payload = %s / %s", pub.key, pub.value)
	}

	want := map[string]string{
		"x-request-id":      "req-1",
		HeaderOriginalQueue: "balanced-invoice-events",
		HeaderErrorCode:     "MAPPING_FAILED",
		HeaderErrorMessage:  `missing field "total_fee"`,
		HeaderEventGUID:     "EV1",
		HeaderCorrelationID: "corr-1",
		HeaderFailedAt:      "2014-07-01T19:30:00Z",
	}
	for k, v := range want {
		if pub.headers[k] != v {
			t.Errorf("header %s = %q, want %q", k, pub.headers[k], v)
		}
	}
}

func TestSend_OmitsEmptyOptionalHeaders(t *testing.T) {
	pub := &mockPublisher{}
	h, _ := NewHandler(pub, "dlq")

	if err := h.Send(context.Background(), nil, []byte("not json"), nil, FailureInfo{ErrorCode: "INVALID_EVENT"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := pub.headers[HeaderEventGUID]; ok {
		t.Error("event guid header should be omitted")
	}
	if _, ok := pub.headers[HeaderCorrelationID]; ok {
		t.Error("correlation header should be omitted")
	}
}

func TestSend_PublisherError(t *testing.T) {
	boom := errors.New("broker down")
	h, _ := NewHandler(&mockPublisher{err: boom}, "dlq")

	if err := h.Send(context.Background(), nil, nil, nil, FailureInfo{}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestClose(t *testing.T) {
	pub := &mockPublisher{}
	h, _ := NewHandler(pub, "dlq")
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if !pub.closed {
		t.Error("expected publisher closed")
	}
}
