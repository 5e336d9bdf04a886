package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avafanout/internal/observability"
)

// BreakerConfig configures the per-target circuit breakers.
type BreakerConfig struct {
	Enabled bool
	// Threshold is the minimum number of requests in an interval before the
	// failure ratio can open the circuit.
	Threshold int
	// Timeout is how long the circuit stays open.
	Timeout time.Duration
}

// Breakers holds one gobreaker circuit per target id.
type Breakers struct {
	cfg      BreakerConfig
	logger   observability.Logger
	metrics  *observability.Metrics
	breakers sync.Map
}

// NewBreakers creates a breaker set. It returns nil when breakers are
// disabled; a nil set lets every request through.
func NewBreakers(cfg BreakerConfig, logger observability.Logger, metrics *observability.Metrics) *Breakers {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Threshold < 1 {
		cfg.Threshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Breakers{cfg: cfg, logger: logger, metrics: metrics}
}

// Execute runs fn through the circuit of target. Errors returned by fn count
// as failures.
func (b *Breakers) Execute(target string, fn func() (any, error)) (any, error) {
	if b == nil {
		return fn()
	}
	out, err := b.get(target).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	return out, err
}

// State returns the circuit state of target.
func (b *Breakers) State(target string) gobreaker.State {
	if b == nil {
		return gobreaker.StateClosed
	}
	return b.get(target).State()
}

func (b *Breakers) get(target string) *gobreaker.CircuitBreaker {
	if cb, ok := b.breakers.Load(target); ok {
		return cb.(*gobreaker.CircuitBreaker)
	}
	actual, _ := b.breakers.LoadOrStore(target, b.newBreaker(target))
	return actual.(*gobreaker.CircuitBreaker)
}

func (b *Breakers) newBreaker(target string) *gobreaker.CircuitBreaker {
	threshold := uint32(b.cfg.Threshold) //nolint:gosec // bounded in NewBreakers
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        target,
		MaxRequests: 1,
		Interval:    b.cfg.Timeout,
		Timeout:     b.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= threshold && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Info("circuit breaker state change",
				observability.String("target", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			b.metrics.RecordBreakerTransition(name, from.String(), to.String())

			_, span := broadcastTracer.Start(context.Background(), "circuitbreaker.state_change",
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			span.AddEvent("state_change", trace.WithAttributes(
				attribute.String("circuitbreaker.target", name),
				attribute.String("circuitbreaker.from", from.String()),
				attribute.String("circuitbreaker.to", to.String()),
			))
			span.End()
		},
	})
}
