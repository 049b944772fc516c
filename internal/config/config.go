// Package config loads the feeder configuration file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/balanced/invoice-feeder/internal/billing/billy"
	"github.com/balanced/invoice-feeder/internal/dispatcher"
	"github.com/balanced/invoice-feeder/internal/invoice"
	"github.com/balanced/invoice-feeder/internal/kafka"
	"github.com/balanced/invoice-feeder/internal/tracing"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPath names the config file when --config is not given.
	EnvPath = "FEEDER_CONFIG"
	// DefaultPath is used when neither --config nor EnvPath is set.
	DefaultPath = "config.yaml"

	DefaultMetricsAddr = ":9090"
	DefaultQueueName   = "balanced-invoice-events"
)

// Queue types.
const (
	QueueAMQP  = "amqp"
	QueueKafka = "kafka"
)

// Config is the feeder configuration.
type Config struct {
	LogLevel    string         `yaml:"logLevel"`
	MetricsAddr string         `yaml:"metricsAddr"`
	Billing     billy.Config   `yaml:"billing"`
	Queue       QueueConfig    `yaml:"queue"`
	ArchiveDir  string         `yaml:"archiveDir"`
	Archive     ArchiveConfig  `yaml:"archive"`
	Dispatch    DispatchConfig `yaml:"dispatch"`
	Tracing     tracing.Config `yaml:"tracing"`
}

// QueueConfig selects the broker events are consumed from.
type QueueConfig struct {
	Type  string       `yaml:"type"`
	URI   string       `yaml:"uri"`
	Name  string       `yaml:"name"`
	Kafka kafka.Config `yaml:"kafka"`
}

// ArchiveConfig holds the optional archive stores besides ArchiveDir.
type ArchiveConfig struct {
	SQLitePath string `yaml:"sqlitePath"`
}

// DispatchConfig holds dispatcher behaviour.
type DispatchConfig struct {
	CustomerKey invoice.CustomerKey    `yaml:"customerKey"`
	Filter      string                 `yaml:"filter"`
	OnError     dispatcher.ErrorPolicy `yaml:"onError"`
	DeadLetter  string                 `yaml:"deadLetter"`
}

// Path resolves the config file location: the flag value, then EnvPath,
// then DefaultPath.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads, expands and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML with ${VAR} expansion, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = DefaultMetricsAddr
	}
	if c.Queue.Type == "" {
		c.Queue.Type = QueueAMQP
	}
	if c.Queue.Name == "" {
		c.Queue.Name = DefaultQueueName
	}
	if c.Queue.Type == QueueKafka && c.Queue.Kafka.ConsumerGroup == "" {
		c.Queue.Kafka.ConsumerGroup = "invoice-feeder"
	}
	if c.Dispatch.CustomerKey == "" {
		c.Dispatch.CustomerKey = invoice.CustomerKeyCustomer
	}
	if c.Dispatch.OnError == "" {
		c.Dispatch.OnError = dispatcher.PolicyStop
	}
	c.Tracing = c.Tracing.ApplyEnv("invoice-feeder")
}

// Validate reports every problem in c.
func (c *Config) Validate() error {
	var errs []error

	if c.Billing.Endpoint == "" {
		errs = append(errs, errors.New("billing.endpoint is required"))
	}
	if c.Billing.APIKey == "" {
		errs = append(errs, errors.New("billing.apiKey is required"))
	}
	if c.Billing.CompanyGUID == "" {
		errs = append(errs, errors.New("billing.companyGuid is required"))
	}

	switch c.Queue.Type {
	case QueueAMQP:
		if c.Queue.URI == "" {
			errs = append(errs, errors.New("queue.uri is required for amqp"))
		}
	case QueueKafka:
		if err := c.Queue.Kafka.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("queue.kafka: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.type %q must be %s or %s", c.Queue.Type, QueueAMQP, QueueKafka))
	}

	if !c.Dispatch.CustomerKey.Valid() {
		errs = append(errs, fmt.Errorf("dispatch.customerKey %q must be %s or %s",
			c.Dispatch.CustomerKey, invoice.CustomerKeyCustomer, invoice.CustomerKeyMarketplace))
	}
	if !c.Dispatch.OnError.Valid() {
		errs = append(errs, fmt.Errorf("dispatch.onError %q must be %s or %s",
			c.Dispatch.OnError, dispatcher.PolicyStop, dispatcher.PolicyDeadLetter))
	}
	if c.Dispatch.OnError == dispatcher.PolicyDeadLetter && c.Dispatch.DeadLetter == "" {
		errs = append(errs, errors.New("dispatch.deadLetter is required when onError is deadletter"))
	}

	return errors.Join(errs...)
}

// Watcher reloads the config file when it changes.
type Watcher struct {
	mu       sync.RWMutex
	path     string
	current  *Config
	logger   *slog.Logger
	onChange func(*Config)
}

// NewWatcher creates a Watcher for path, starting from the loaded cfg.
func NewWatcher(path string, cfg *Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, current: cfg, logger: logger}
}

// OnChange registers a callback that fires after a successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.onChange = fn
}

// Current returns the most recently loaded config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Watch watches the config file's directory until done is closed. Editors
// replace files by rename, so the directory is watched rather than the
// file itself. An invalid edit is logged and the previous config kept.
func (w *Watcher) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close() // intentionally ignoring close error during cleanup
	}()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", dir, err)
	}
	target := filepath.Clean(w.path)

	w.logger.Info("watching config file", "path", w.path)

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("failed to reload config", "error", err)
		return
	}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	w.logger.Info("config reloaded", "path", w.path, "log_level", cfg.LogLevel)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
