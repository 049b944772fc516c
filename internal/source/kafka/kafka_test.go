package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/balanced/invoice-feeder/internal/correlation"
	"github.com/balanced/invoice-feeder/internal/kafka"
	"github.com/balanced/invoice-feeder/internal/source"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace/noop"
)

type mockConsumer struct {
	polls     []kgo.Fetches
	cancel    context.CancelFunc
	marked    []*kgo.Record
	commits   int
	commitErr error
	closed    bool
}

func (m *mockConsumer) PollFetches(context.Context) kgo.Fetches {
	if len(m.polls) == 0 {
		m.cancel()
		return kgo.Fetches{}
	}
	f := m.polls[0]
	m.polls = m.polls[1:]
	return f
}

func (m *mockConsumer) MarkCommitRecords(rs ...*kgo.Record) {
	m.marked = append(m.marked, rs...)
}

func (m *mockConsumer) CommitMarkedOffsets(context.Context) error {
	m.commits++
	return m.commitErr
}

func (m *mockConsumer) Close() { m.closed = true }

func fetchOf(records ...*kgo.Record) kgo.Fetches {
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      "events",
		Partitions: []kgo.FetchPartition{{Partition: 0, Records: records}},
	}}}}
}

func record(offset int64, value string, headers ...kgo.RecordHeader) *kgo.Record {
	return &kgo.Record{Topic: "events", Offset: offset, Value: []byte(value), Headers: headers}
}

func newTestSource(mc *mockConsumer) *Source {
	return &Source{
		client: mc,
		topic:  "events",
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer: noop.NewTracerProvider().Tracer("test"),
	}
}

func TestNewSource_Validation(t *testing.T) {
	if _, err := NewSource(nil, "events", nil); err == nil {
		t.Error("expected error for nil config")
	}
	cfg := &kafka.Config{Brokers: []string{"localhost:9092"}, ConsumerGroup: "g"}
	if _, err := NewSource(cfg, "", nil); err == nil {
		t.Error("expected error for missing topic")
	}
	if _, err := NewSource(&kafka.Config{Brokers: []string{"localhost:9092"}}, "events", nil); err == nil {
		t.Error("expected error for missing consumer group")
	}
}

func TestNewSource_ValidConfig(t *testing.T) {
	s, err := NewSource(&kafka.Config{
		Brokers:       []string{"localhost:9092"},
		ConsumerGroup: "invoice-feeder",
		StartOffset:   kafka.OffsetEarliest,
	}, "events", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = s.Close() }()

	if s.topic != "events" {
		t.Errorf("expected topic events, got %s", s.topic)
	}
}

func TestStart_CommitsOnlyOnAck(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r1 := record(1, `{"guid":"EV1"}`, kgo.RecordHeader{Key: correlation.HeaderCorrelationID, Value: []byte("corr-1")})
	r2 := record(2, `{"guid":"EV2"}`)
	mc := &mockConsumer{polls: []kgo.Fetches{fetchOf(r1, r2)}, cancel: cancel}
	s := newTestSource(mc)

	var seen []source.Event
	err := s.Start(ctx, func(ctx context.Context, evt source.Event) error {
		seen = append(seen, evt)
		if evt.Offset == 1 {
			if id, ok := correlation.FromContext(ctx); !ok || id.Value != "corr-1" {
				t.Errorf("correlation in context = %+v, %v", id, ok)
			}
			return evt.Ack(ctx)
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("expected 2 events, got %d", len(seen))
	}
	if seen[0].CorrelationID != "corr-1" || string(seen[0].Value) != `{"guid":"EV1"}` {
		t.Errorf("unexpected first event: %+v", seen[0])
	}
	if seen[1].CorrelationID == "" {
		t.Error("expected generated correlation id")
	}
	if len(mc.marked) != 1 || mc.marked[0] != r1 || mc.commits != 1 {
		t.Errorf("marked=%v commits=%d, want only offset 1 committed", mc.marked, mc.commits)
	}
}

func TestStart_HandlerErrorStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mc := &mockConsumer{polls: []kgo.Fetches{fetchOf(record(7, "a"), record(8, "b"))}, cancel: cancel}
	s := newTestSource(mc)

	boom := errors.New("billing unavailable")
	calls := 0
	err := s.Start(ctx, func(context.Context, source.Event) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected processing to stop after first failure, got %d calls", calls)
	}
	if mc.commits != 0 {
		t.Errorf("expected no commits, got %d", mc.commits)
	}
}

func TestStart_CommitFailureSurfacesFromAck(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	commitErr := errors.New("rebalance in progress")
	mc := &mockConsumer{polls: []kgo.Fetches{fetchOf(record(3, "a"))}, cancel: cancel, commitErr: commitErr}
	s := newTestSource(mc)

	err := s.Start(ctx, func(ctx context.Context, evt source.Event) error {
		return evt.Ack(ctx)
	})
	if !errors.Is(err, commitErr) {
		t.Fatalf("expected commit error, got %v", err)
	}
}

func TestClose(t *testing.T) {
	mc := &mockConsumer{}
	if err := newTestSource(mc).Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !mc.closed {
		t.Error("expected client to be closed")
	}
}
