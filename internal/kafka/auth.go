package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

// saslMechanisms builds a SASL mechanism for each supported name.
var saslMechanisms = map[string]func(user, pass string) sasl.Mechanism{
	"PLAIN": func(user, pass string) sasl.Mechanism {
		return plain.Auth{User: user, Pass: pass}.AsMechanism()
	},
	"SCRAM-SHA-256": func(user, pass string) sasl.Mechanism {
		return scram.Auth{User: user, Pass: pass}.AsSha256Mechanism()
	},
	"SCRAM-SHA-512": func(user, pass string) sasl.Mechanism {
		return scram.Auth{User: user, Pass: pass}.AsSha512Mechanism()
	},
}

func saslOption(auth AuthConfig) (kgo.Opt, error) {
	build, ok := saslMechanisms[auth.Mechanism]
	if !ok {
		return nil, fmt.Errorf("unsupported SASL mechanism: %q", auth.Mechanism)
	}
	return kgo.SASL(build(auth.Username, auth.Password)), nil
}

// buildTLSConfig loads the CA bundle and client key pair named in cfg.
func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.SkipVerify, //nolint:gosec // opt-in for local brokers
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file %s: %w", cfg.CAFile, err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		out.RootCAs = roots
	}

	if cfg.CertFile == "" {
		return out, nil
	}
	pair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}
	out.Certificates = []tls.Certificate{pair}
	return out, nil
}
