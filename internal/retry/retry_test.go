package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnavailable = errors.New("unavailable")

func fastConfig(retries int) Config {
	return Config{MaxRetries: retries, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestDo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		failures     int
		retries      int
		wantErr      bool
		wantAttempts int
	}{
		{name: "succeeds first time", failures: 0, retries: 3, wantAttempts: 1},
		{name: "succeeds after failures", failures: 2, retries: 3, wantAttempts: 3},
		{name: "gives up", failures: 10, retries: 2, wantErr: true, wantAttempts: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			attempts := 0
			var retried []int
			err := Do(context.Background(), fastConfig(tt.retries), func(context.Context) error {
				attempts++
				if attempts <= tt.failures {
					return errUnavailable
				}
				return nil
			}, WithOnRetry(func(attempt int, err error, _ time.Duration) {
				assert.ErrorIs(t, err, errUnavailable)
				retried = append(retried, attempt)
			}))

			if tt.wantErr {
				assert.ErrorIs(t, err, errUnavailable)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantAttempts, attempts)
			assert.Len(t, retried, tt.wantAttempts-1)
		})
	}
}

func TestDo_ShouldRetry(t *testing.T) {
	t.Parallel()

	permanent := errors.New("bad driver")
	attempts := 0
	err := Do(context.Background(), fastConfig(5), func(context.Context) error {
		attempts++
		return permanent
	}, WithShouldRetry(func(err error) bool { return !errors.Is(err, permanent) }))

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts)
}

func TestDo_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxRetries: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour}

	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, cfg, func(context.Context) error {
			attempts++
			return errUnavailable
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, attempts)
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	for attempt := 0; attempt < 6; attempt++ {
		base := 100 * time.Millisecond << attempt
		got := Backoff(attempt, 100*time.Millisecond, time.Second, 0.25)
		require.LessOrEqual(t, got, time.Second)
		if base < time.Second {
			assert.GreaterOrEqual(t, got, base)
		}
	}
}

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg := Config{JitterFactor: 3}.withDefaults()
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, DefaultInitialBackoff, cfg.InitialBackoff)
	assert.Equal(t, DefaultMaxBackoff, cfg.MaxBackoff)
	assert.Equal(t, MaxJitterFactor, cfg.JitterFactor)
}
