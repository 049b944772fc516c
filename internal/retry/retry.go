// Package retry runs an operation with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts     int           `yaml:"maxAttempts"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	Jitter          float64       `yaml:"jitter"` // ±fraction, 0.2 = ±20%
}

// DefaultConfig returns the defaults used for Billy API calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Jitter:          0.2,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = d.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	return c
}

// PermanentError wraps an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Notify is called before each backoff wait.
type Notify func(attempt int, err error, wait time.Duration)

// Do calls fn until it succeeds, returns a permanent error, the attempts are
// exhausted, or ctx is done. Permanent errors are returned unwrapped.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error, notify Notify) error {
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(lastErr, &pe) {
			return pe.Err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := Backoff(cfg, attempt)
		if notify != nil {
			notify(attempt, lastErr, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
	return lastErr
}

// Backoff returns the wait after the given 1-based attempt.
func Backoff(cfg Config, attempt int) time.Duration {
	wait := float64(cfg.InitialInterval) * math.Pow(2, float64(attempt-1))
	if wait > float64(cfg.MaxInterval) {
		wait = float64(cfg.MaxInterval)
	}
	if cfg.Jitter > 0 {
		spread := wait * cfg.Jitter
		wait = wait - spread + rand.Float64()*2*spread
	}
	return time.Duration(wait)
}
