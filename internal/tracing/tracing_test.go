package tracing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/codes"
)

func TestApplyEnv_Defaults(t *testing.T) {
	t.Setenv("FEEDER_OTEL_ENABLED", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	cfg := Config{}.ApplyEnv("invoice-feeder")
	if cfg.Enabled {
		t.Error("expected tracing disabled by default")
	}
	if cfg.Endpoint != "localhost:4317" {
		t.Errorf("endpoint = %s", cfg.Endpoint)
	}
	if cfg.ServiceName != "invoice-feeder" {
		t.Errorf("service name = %s", cfg.ServiceName)
	}
}

func TestApplyEnv_Overrides(t *testing.T) {
	t.Setenv("FEEDER_OTEL_ENABLED", "TRUE")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")

	cfg := Config{Endpoint: "ignored:1", ServiceName: "custom"}.ApplyEnv("invoice-feeder")
	if !cfg.Enabled {
		t.Error("expected tracing enabled from env")
	}
	if cfg.Endpoint != "collector:4317" {
		t.Errorf("endpoint = %s", cfg.Endpoint)
	}
	if cfg.ServiceName != "custom" {
		t.Errorf("service name = %s", cfg.ServiceName)
	}
}

func TestInitialize_Disabled(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tracer, shutdown, err := Initialize(context.Background(), Config{ServiceName: "test"}, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tracer == nil {
		t.Fatal("expected non-nil tracer")
	}
	_, span := tracer.Start(context.Background(), "noop")
	if span.IsRecording() {
		t.Error("disabled tracer should not record")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestEnd_SetsStatus(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := tp.Tracer("test")

	_, ok := tracer.Start(context.Background(), SpanDispatch)
	End(ok, nil)
	_, failed := tracer.Start(context.Background(), SpanCreateInvoice)
	End(failed, errors.New("boom"))

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Ok {
		t.Errorf("first span status = %v", spans[0].Status().Code)
	}
	if spans[1].Status().Code != codes.Error || spans[1].Status().Description != "boom" {
		t.Errorf("second span status = %+v", spans[1].Status())
	}
	if len(spans[1].Events()) == 0 {
		t.Error("expected recorded error event")
	}
}

func TestStartSpan_NilTracer(t *testing.T) {
	ctx := context.Background()
	got, span := StartSpan(ctx, nil, SpanDispatch)
	if got != ctx {
		t.Error("expected context to be returned unchanged")
	}
	if span.IsRecording() {
		t.Error("expected non-recording span")
	}
}
