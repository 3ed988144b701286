package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Retry returns the unwrapped
// error at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// RetryConfig shapes the backoff between attempts. Zero fields take
// defaults: 3 attempts, 100ms first delay doubling up to 10s, 10% jitter.
type RetryConfig struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	if c.JitterFraction <= 0 || c.JitterFraction >= 1 {
		c.JitterFraction = 0.1
	}
	return c
}

// backoff is the wait after the given failed attempt, counting from 1.
func (c RetryConfig) backoff(attempt int) time.Duration {
	d := float64(c.InitialDelay)
	for i := 1; i < attempt && d < float64(c.MaxDelay); i++ {
		d *= c.Multiplier
	}
	d = min(d, float64(c.MaxDelay))
	d += d * c.JitterFraction * (2*rand.Float64() - 1)
	return time.Duration(d)
}

// Retry calls fn until it succeeds, returns a Permanent error, or runs out
// of attempts. A done ctx stops the loop between attempts; fn itself is
// always called at least once.
func Retry(ctx context.Context, op string, cfg RetryConfig, fn func() error) error {
	cfg = cfg.withDefaults()
	logger := slog.Default().With("component", "retry", "operation", op)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			if attempt > 1 {
				logger.Info("succeeded after retry", "attempt", attempt)
			}
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == cfg.MaxAttempts {
			return fmt.Errorf("%s failed after %d attempts: %w", op, attempt, err)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s abandoned after attempt %d: %w", op, attempt, ctx.Err())
		}

		wait := cfg.backoff(attempt)
		logger.Warn("attempt failed, backing off", "attempt", attempt, "max_attempts", cfg.MaxAttempts, "error", err, "wait", wait)
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}
		select {
		case <-timer.C:
		case <-ctx.Done():
			return fmt.Errorf("%s abandoned during backoff: %w", op, ctx.Err())
		}
	}
}
