package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config holds retry configuration
type Config struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	InitialWait time.Duration `mapstructure:"initial_wait"`
	MaxWait     time.Duration `mapstructure:"max_wait"`
	Multiplier  float64       `mapstructure:"multiplier"`
}

// DefaultConfig returns the exporter's retry policy
func DefaultConfig() Config {
	return Config{
		MaxRetries:  4,
		InitialWait: 500 * time.Millisecond,
		MaxWait:     30 * time.Second,
		Multiplier:  2.0,
	}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, the retries are
// used up or ctx is done. Waits grow exponentially with jitter.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		timer := time.NewTimer(Backoff(attempt, cfg))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("gave up after %d attempt(s): %w", attempt+1, errors.Join(lastErr, ctx.Err()))
		}
	}
	return fmt.Errorf("gave up after %d attempt(s): %w", cfg.MaxRetries+1, lastErr)
}

// Backoff returns the wait before retry number attempt (0-based): the
// exponential delay capped at MaxWait, with ±25% jitter, never below InitialWait
func Backoff(attempt int, cfg Config) time.Duration {
	wait := float64(cfg.InitialWait) * math.Pow(cfg.Multiplier, float64(attempt))
	wait = math.Min(wait, float64(cfg.MaxWait))
	wait += wait * 0.25 * (rand.Float64()*2 - 1)
	return time.Duration(math.Max(wait, float64(cfg.InitialWait)))
}
