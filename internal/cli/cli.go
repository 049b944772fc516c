// Package cli implements the invoice-feeder subcommands.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/balanced/invoice-feeder/internal/config"
	"github.com/balanced/invoice-feeder/internal/observability"
	"github.com/balanced/invoice-feeder/internal/source"
	amqpsource "github.com/balanced/invoice-feeder/internal/source/amqp"
	kafkasource "github.com/balanced/invoice-feeder/internal/source/kafka"
	"go.opentelemetry.io/otel/trace"
)

// publisher is an interface that allows mocking the queue publisher for testing.
type publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

// newPublisherFunc creates a publisher for the configured queue type.
// Tests can replace this to stub out the broker.
var newPublisherFunc = func(cfg *config.Config) (publisher, error) {
	switch cfg.Queue.Type {
	case config.QueueKafka:
		return kafkasource.NewPublisher(&cfg.Queue.Kafka)
	case config.QueueAMQP:
		return amqpsource.NewPublisher(cfg.Queue.URI)
	default:
		return nil, fmt.Errorf("unsupported queue type: %s", cfg.Queue.Type)
	}
}

// newSourceFunc creates the event source for the configured queue type.
// Tests can replace this to stub out the broker.
var newSourceFunc = func(cfg *config.Config, logger *slog.Logger, tracer trace.Tracer) (source.Source, error) {
	switch cfg.Queue.Type {
	case config.QueueKafka:
		s, err := kafkasource.NewSource(&cfg.Queue.Kafka, cfg.Queue.Name, logger)
		if err != nil {
			return nil, err
		}
		s.SetTracer(tracer)
		return s, nil
	case config.QueueAMQP:
		s, err := amqpsource.NewSource(cfg.Queue.URI, cfg.Queue.Name, logger)
		if err != nil {
			return nil, err
		}
		s.SetTracer(tracer)
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported queue type: %s", cfg.Queue.Type)
	}
}

// shutdownSignals trigger a graceful shutdown.
var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// loadConfig resolves and loads the config file named by --config.
func loadConfig(args []string) (*config.Config, string, error) {
	flagPath, err := parseStringFlag(args, "--config")
	if err != nil {
		return nil, "", err
	}
	path := config.Path(flagPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// newLogger builds the process logger. The returned LevelVar lets a config
// reload change the level.
func newLogger(component, configured string) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(observability.GetLogLevel(configured))
	return observability.NewLogger(component, level), level
}

func isHelp(args []string) bool {
	return len(args) > 0 && (args[0] == "-h" || args[0] == "--help")
}

func parseStringFlag(args []string, flag string) (string, error) {
	for i, arg := range args {
		if arg == flag {
			if i+1 < len(args) {
				return args[i+1], nil
			}
			return "", fmt.Errorf("flag %s requires a value", flag)
		}
	}
	return "", nil
}

func hasFlag(args []string, flag string) bool {
	for _, arg := range args {
		if arg == flag {
			return true
		}
	}
	return false
}
