package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/balanced/invoice-feeder/internal/config"
	"github.com/balanced/invoice-feeder/internal/correlation"
	"github.com/balanced/invoice-feeder/internal/event"
	"github.com/balanced/invoice-feeder/internal/kafka"
	"github.com/fsnotify/fsnotify"
)

const defaultFeedDir = "input"

// ensureTopicFunc creates the Kafka topic when it does not exist.
// Tests can replace this to stub out the admin client.
var ensureTopicFunc = func(ctx context.Context, cfg *kafka.Config, topic string) (bool, error) {
	admin, err := kafka.NewAdmin(cfg)
	if err != nil {
		return false, err
	}
	defer admin.Close()
	return kafka.EnsureTopic(ctx, admin, topic)
}

// RunFeed publishes event files from a directory to the configured queue.
func RunFeed(args []string) error {
	if isHelp(args) {
		fmt.Println(`Usage: invoice-feeder feed [--config <path>] [--dir <path>] [--watch] [--create-topic]

Publishes every JSON event file in a directory to the configured queue.
Hidden files are skipped; empty files are skipped with a warning.

Flags:
  --config         Config file (default: $FEEDER_CONFIG or config.yaml)
  --dir            Directory of event files (default: input)
  --watch          Keep running and publish files created later
  --create-topic   Create the Kafka topic first if it does not exist

Examples:
  invoice-feeder feed --dir input
  invoice-feeder feed --dir /var/spool/invoices --watch`)
		return nil
	}

	cfg, _, err := loadConfig(args)
	if err != nil {
		return err
	}
	dir, err := parseStringFlag(args, "--dir")
	if err != nil {
		return err
	}
	if dir == "" {
		dir = defaultFeedDir
	}
	logger, _ := newLogger("invoice-feeder-feed", cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), shutdownSignals...)
	defer cancel()

	if hasFlag(args, "--create-topic") {
		if cfg.Queue.Type != config.QueueKafka {
			return fmt.Errorf("--create-topic requires queue type %s", config.QueueKafka)
		}
		created, err := ensureTopicFunc(ctx, &cfg.Queue.Kafka, cfg.Queue.Name)
		if err != nil {
			return err
		}
		logger.Info("topic ready", "topic", cfg.Queue.Name, "created", created)
	}

	pub, err := newPublisherFunc(cfg)
	if err != nil {
		return fmt.Errorf("create %s publisher: %w", cfg.Queue.Type, err)
	}
	defer func() { _ = pub.Close() }()

	f := &feeder{pub: pub, queue: cfg.Queue.Name, logger: logger, published: make(map[string]bool)}
	n, err := f.feedDir(ctx, dir)
	if err != nil {
		return err
	}
	logger.Info("published events", "count", n, "dir", dir, "queue", cfg.Queue.Name)

	if !hasFlag(args, "--watch") {
		return nil
	}
	return f.watch(ctx, dir)
}

// errEmptyFile marks files skipped because they hold only whitespace.
var errEmptyFile = errors.New("empty file")

type feeder struct {
	pub       publisher
	queue     string
	logger    *slog.Logger
	published map[string]bool
}

// feedDir publishes every non-hidden regular file in dir in name order.
func (f *feeder) feedDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read dir %s: %w", dir, err)
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() || hidden(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		err := f.publishFile(ctx, path)
		switch {
		case errors.Is(err, errEmptyFile):
			f.logger.Warn("ignoring empty file", "path", path)
		case err != nil:
			return count, err
		default:
			count++
		}
	}
	return count, nil
}

// publishFile publishes one event file keyed by the event guid.
func (f *feeder) publishFile(ctx context.Context, path string) error {
	f.logger.Info("loading file", "path", path)
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(content)) == 0 {
		return errEmptyFile
	}

	evt, err := event.Parse(content)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	headers := correlation.AddToHeaders(nil, correlation.ExtractOrGenerate(nil))
	if err := f.pub.Publish(ctx, f.queue, []byte(evt.GUID), content, headers); err != nil {
		return fmt.Errorf("publish %s: %w", path, err)
	}
	f.published[filepath.Base(path)] = true
	f.logger.Info("published event", "event_guid", evt.GUID, "queue", f.queue)
	return nil
}

// watch publishes files created in dir until ctx is done. A file is
// published once, on the first event after it holds a complete document.
func (f *feeder) watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close() // intentionally ignoring close error during cleanup
	}()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", dir, err)
	}
	f.logger.Info("watching directory", "dir", dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			if hidden(name) || f.published[name] {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if info, err := os.Stat(ev.Name); err != nil || info.IsDir() {
				continue
			}
			err := f.publishFile(ctx, ev.Name)
			switch {
			case errors.Is(err, errEmptyFile):
			case errors.Is(err, event.ErrMalformed):
				// Still being written; retried on the next write.
				f.logger.Debug("file not yet valid", "path", ev.Name, "error", err)
			case err != nil:
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Error("watcher error", "error", err)
		}
	}
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
