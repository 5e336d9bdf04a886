package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Default retry configuration constants.
const (
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	DefaultJitterFactor   = 0.25
	MaxJitterFactor       = 1.0
)

// Config contains retry configuration parameters. Zero fields take the
// defaults.
type Config struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// JitterFactor adds up to this fraction of the backoff at random.
	JitterFactor float64
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.JitterFactor <= 0 {
		c.JitterFactor = DefaultJitterFactor
	}
	if c.JitterFactor > MaxJitterFactor {
		c.JitterFactor = MaxJitterFactor
	}
	return c
}

// Func is an operation that can be retried.
type Func func(ctx context.Context) error

// ShouldRetryFunc reports whether err is worth another attempt.
type ShouldRetryFunc func(err error) bool

// OnRetryFunc is called before sleeping ahead of attempt.
type OnRetryFunc func(attempt int, err error, backoff time.Duration)

type options struct {
	shouldRetry ShouldRetryFunc
	onRetry     OnRetryFunc
}

// Option is a functional option for Do.
type Option func(*options)

// WithShouldRetry stops retrying as soon as fn returns false.
func WithShouldRetry(fn ShouldRetryFunc) Option {
	return func(o *options) {
		o.shouldRetry = fn
	}
}

// WithOnRetry sets the callback run before every retry.
func WithOnRetry(fn OnRetryFunc) Option {
	return func(o *options) {
		o.onRetry = fn
	}
}

// Do runs fn until it succeeds, a non-retryable error is returned, the
// retries are used up or ctx is done. The last error is returned.
func Do(ctx context.Context, cfg Config, fn Func, opts ...Option) error {
	cfg = cfg.withDefaults()
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if o.shouldRetry != nil && !o.shouldRetry(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxRetries {
			break
		}

		backoff := Backoff(attempt, cfg.InitialBackoff, cfg.MaxBackoff, cfg.JitterFactor)
		if o.onRetry != nil {
			o.onRetry(attempt+1, lastErr, backoff)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}

// Backoff returns the wait before retry number attempt+1: initial doubled
// per attempt, plus jitter, capped at maxBackoff.
func Backoff(attempt int, initial, maxBackoff time.Duration, jitterFactor float64) time.Duration {
	backoff := float64(initial) * math.Pow(2, float64(attempt))

	//nolint:gosec // jitter for retry timing is not security-sensitive
	backoff += backoff * jitterFactor * rand.Float64()

	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	return time.Duration(backoff)
}
