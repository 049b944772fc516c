package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"time"

	"github.com/balanced/invoice-feeder/internal/archive"
	"github.com/balanced/invoice-feeder/internal/billing/billy"
	"github.com/balanced/invoice-feeder/internal/config"
	"github.com/balanced/invoice-feeder/internal/dispatcher"
	"github.com/balanced/invoice-feeder/internal/dlq"
	"github.com/balanced/invoice-feeder/internal/filter"
	"github.com/balanced/invoice-feeder/internal/invoice"
	"github.com/balanced/invoice-feeder/internal/observability"
	"github.com/balanced/invoice-feeder/internal/source"
	"github.com/balanced/invoice-feeder/internal/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"
)

const shutdownTimeout = 10 * time.Second

// RunConsume runs the long-lived consumer until SIGINT/SIGTERM or, under the
// stop policy, the first failed event.
func RunConsume(args []string) error {
	if isHelp(args) {
		fmt.Println(`Usage: invoice-feeder consume [--config <path>]

Consumes Balanced invoice events from the configured queue and creates the
matching Billy invoices.

Flags:
  --config   Config file (default: $FEEDER_CONFIG or config.yaml)`)
		return nil
	}

	cfg, path, err := loadConfig(args)
	if err != nil {
		return err
	}
	logger, level := newLogger("invoice-feeder", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), shutdownSignals...)
	defer cancel()

	return consume(ctx, cfg, path, logger, level)
}

func consume(ctx context.Context, cfg *config.Config, path string, logger *slog.Logger, level *slog.LevelVar) error {
	tracer, shutdownTracing, err := tracing.Initialize(ctx, cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	health := observability.NewHealthServer(reg)
	ln, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.MetricsAddr, err)
	}
	httpServer := &http.Server{Handler: health.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("ops server starting", "addr", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", "error", err)
		}
	}()

	watchDone := make(chan struct{})
	watcher := config.NewWatcher(path, cfg, logger)
	watcher.OnChange(func(c *config.Config) {
		level.Set(observability.GetLogLevel(c.LogLevel))
	})
	go func() {
		if err := watcher.Watch(watchDone); err != nil {
			logger.Error("config watcher error", "error", err)
		}
	}()

	d, src, err := build(cfg, logger, metrics, tracer)
	var runErr error
	if err != nil {
		runErr = err
	} else {
		logger.Info("consuming", "queue_type", cfg.Queue.Type, "queue", cfg.Queue.Name)
		health.SetReady(true)
		runErr = d.Run(ctx, src)
		health.SetReady(false)
		if errors.Is(runErr, context.Canceled) && ctx.Err() != nil {
			runErr = nil
		}
	}

	close(watchDone)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	var errs []error
	if src != nil {
		if err := src.Close(); err != nil {
			errs = append(errs, fmt.Errorf("source close: %w", err))
		}
	}
	if d != nil {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("ops server shutdown: %w", err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
	}
	for _, err := range errs {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return runErr
}

// build wires the dispatcher and its source from cfg. Resources opened
// before a failure are released.
func build(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics, tracer trace.Tracer) (d *dispatcher.Dispatcher, src source.Source, err error) {
	client, err := billy.New(cfg.Billing, billy.WithLogger(logger), billy.WithMetrics(metrics))
	if err != nil {
		return nil, nil, fmt.Errorf("billy client: %w", err)
	}

	opts := []dispatcher.Option{
		dispatcher.WithLogger(logger),
		dispatcher.WithMetrics(metrics),
		dispatcher.WithTracer(tracer),
	}

	if cfg.Dispatch.Filter != "" {
		f, err := filter.New(cfg.Dispatch.Filter)
		if err != nil {
			return nil, nil, fmt.Errorf("dispatch filter: %w", err)
		}
		opts = append(opts, dispatcher.WithFilter(f))
	}

	arch, err := buildArchiver(cfg)
	if err != nil {
		return nil, nil, err
	}
	if arch != nil {
		opts = append(opts, dispatcher.WithArchiver(arch))
	}

	var dlqHandler *dlq.Handler
	if cfg.Dispatch.OnError == dispatcher.PolicyDeadLetter {
		pub, err := newPublisherFunc(cfg)
		if err != nil {
			closeQuietly(arch)
			return nil, nil, fmt.Errorf("dead-letter publisher: %w", err)
		}
		dlqHandler, err = dlq.NewHandler(pub, cfg.Dispatch.DeadLetter)
		if err != nil {
			_ = pub.Close()
			closeQuietly(arch)
			return nil, nil, err
		}
		opts = append(opts, dispatcher.WithDeadLetter(dlqHandler))
	}

	transformer := invoice.NewTransformer(invoice.WithCustomerKey(cfg.Dispatch.CustomerKey))
	d, err = dispatcher.New(dispatcher.Config{
		CompanyGUID: cfg.Billing.CompanyGUID,
		OnError:     cfg.Dispatch.OnError,
	}, client, transformer, opts...)
	if err != nil {
		closeQuietly(arch)
		if dlqHandler != nil {
			_ = dlqHandler.Close()
		}
		return nil, nil, err
	}

	s, err := newSourceFunc(cfg, logger, tracer)
	if err != nil {
		_ = d.Close()
		return nil, nil, fmt.Errorf("%s source: %w", cfg.Queue.Type, err)
	}
	return d, s, nil
}

// buildArchiver opens the configured archive stores. It returns nil when no
// store is configured.
func buildArchiver(cfg *config.Config) (archive.Archiver, error) {
	var stores archive.Multi
	if cfg.ArchiveDir != "" {
		dir, err := archive.NewDir(cfg.ArchiveDir)
		if err != nil {
			return nil, fmt.Errorf("archive dir: %w", err)
		}
		stores = append(stores, dir)
	}
	if cfg.Archive.SQLitePath != "" {
		db, err := archive.OpenSQLite(cfg.Archive.SQLitePath)
		if err != nil {
			closeQuietly(stores)
			return nil, fmt.Errorf("archive sqlite: %w", err)
		}
		stores = append(stores, db)
	}

	switch len(stores) {
	case 0:
		return nil, nil
	case 1:
		return stores[0], nil
	default:
		return stores, nil
	}
}

func closeQuietly(a archive.Archiver) {
	if a != nil {
		_ = a.Close()
	}
}
