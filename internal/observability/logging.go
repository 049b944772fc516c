package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// EnvLogLevel overrides the configured log level when set.
const EnvLogLevel = "FEEDER_LOG_LEVEL"

// NewLogger creates a JSON logger on stdout for a feeder component. lvl is
// consulted on every record, so a *slog.LevelVar can change it at runtime.
func NewLogger(component string, lvl slog.Leveler) *slog.Logger {
	return NewLoggerTo(os.Stdout, component, lvl)
}

// NewLoggerTo is NewLogger writing to w.
func NewLoggerTo(w io.Writer, component string, lvl slog.Leveler) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	return slog.New(traceHandler{h}).With("component", component)
}

// traceHandler stamps trace_id and span_id on records logged with a context
// that carries a sampled or remote span.
type traceHandler struct {
	slog.Handler
}

func (h traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return traceHandler{h.Handler.WithAttrs(attrs)}
}

func (h traceHandler) WithGroup(name string) slog.Handler {
	return traceHandler{h.Handler.WithGroup(name)}
}

// TraceLogger logs with a context so records pick up the active span.
type TraceLogger struct {
	logger *slog.Logger
}

// NewTraceLogger wraps logger. Loggers not built by NewLogger get trace
// stamping added.
func NewTraceLogger(logger *slog.Logger) *TraceLogger {
	if _, ok := logger.Handler().(traceHandler); !ok {
		logger = slog.New(traceHandler{logger.Handler()})
	}
	return &TraceLogger{logger: logger}
}

func (l *TraceLogger) Debug(ctx context.Context, msg string, args ...any) {
	l.logger.DebugContext(ctx, msg, args...)
}

func (l *TraceLogger) Info(ctx context.Context, msg string, args ...any) {
	l.logger.InfoContext(ctx, msg, args...)
}

func (l *TraceLogger) Warn(ctx context.Context, msg string, args ...any) {
	l.logger.WarnContext(ctx, msg, args...)
}

func (l *TraceLogger) Error(ctx context.Context, msg string, args ...any) {
	l.logger.ErrorContext(ctx, msg, args...)
}

// With returns a TraceLogger that adds args to every record.
func (l *TraceLogger) With(args ...any) *TraceLogger {
	return &TraceLogger{logger: l.logger.With(args...)}
}

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel maps debug, info, warn(ing) and error, in any case, to a
// level. Anything else is info.
func ParseLogLevel(s string) slog.Level {
	if lvl, ok := levels[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// GetLogLevel returns the effective level: EnvLogLevel when set, otherwise
// the configured one.
func GetLogLevel(configured string) slog.Level {
	if env := os.Getenv(EnvLogLevel); env != "" {
		return ParseLogLevel(env)
	}
	return ParseLogLevel(configured)
}
