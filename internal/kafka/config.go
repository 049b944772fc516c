// Package kafka holds the feeder's Kafka connection settings and admin
// helpers shared by the consumer, the publisher and the feed command.
package kafka

import (
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Start offsets accepted by Config.StartOffset.
const (
	OffsetEarliest = "earliest"
	OffsetLatest   = "latest"
)

// Config describes how to reach the broker cluster.
type Config struct {
	Brokers       []string   `yaml:"brokers"`
	ConsumerGroup string     `yaml:"consumerGroup"`
	StartOffset   string     `yaml:"startOffset,omitempty"`
	Auth          AuthConfig `yaml:"auth,omitempty"`
	TLS           TLSConfig  `yaml:"tls,omitempty"`
}

// AuthConfig selects SASL authentication.
type AuthConfig struct {
	Mechanism string `yaml:"mechanism"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// TLSConfig enables TLS, optionally with a private CA and a client
// certificate.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CAFile     string `yaml:"caFile,omitempty"`
	CertFile   string `yaml:"certFile,omitempty"`
	KeyFile    string `yaml:"keyFile,omitempty"`
	SkipVerify bool   `yaml:"skipVerify,omitempty"`
}

// Validate reports every problem in c.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("brokers are required"))
	}
	switch c.StartOffset {
	case "", OffsetEarliest, OffsetLatest:
	default:
		errs = append(errs, fmt.Errorf("startOffset %q must be %s or %s", c.StartOffset, OffsetEarliest, OffsetLatest))
	}

	if c.Auth.Mechanism != "" {
		if _, ok := saslMechanisms[c.Auth.Mechanism]; !ok {
			errs = append(errs, fmt.Errorf("auth.mechanism %q is not valid (must be PLAIN, SCRAM-SHA-256, or SCRAM-SHA-512)", c.Auth.Mechanism))
		}
		if c.Auth.Username == "" {
			errs = append(errs, errors.New("auth.username is required when mechanism is set"))
		}
		if c.Auth.Password == "" {
			errs = append(errs, errors.New("auth.password is required when mechanism is set"))
		}
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.certFile and tls.keyFile must be set together"))
	}

	return errors.Join(errs...)
}

// ClientOptions returns the connection options common to every client.
func (c *Config) ClientOptions() ([]kgo.Opt, error) {
	opts := []kgo.Opt{kgo.SeedBrokers(c.Brokers...)}

	if c.Auth.Mechanism != "" {
		opt, err := saslOption(c.Auth)
		if err != nil {
			return nil, fmt.Errorf("sasl config: %w", err)
		}
		opts = append(opts, opt)
	}

	if c.TLS.Enabled {
		tlsCfg, err := buildTLSConfig(c.TLS)
		if err != nil {
			return nil, fmt.Errorf("tls config: %w", err)
		}
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}

	return opts, nil
}

// ConsumerOptions returns ClientOptions plus group consumption of topic with
// manual commits.
func (c *Config) ConsumerOptions(topic string) ([]kgo.Opt, error) {
	if c.ConsumerGroup == "" {
		return nil, errors.New("consumer group is required")
	}
	opts, err := c.ClientOptions()
	if err != nil {
		return nil, err
	}

	offset := kgo.NewOffset().AtEnd()
	if c.StartOffset == OffsetEarliest {
		offset = kgo.NewOffset().AtStart()
	}

	return append(opts,
		kgo.ConsumerGroup(c.ConsumerGroup),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(offset),
		kgo.DisableAutoCommit(),
	), nil
}
