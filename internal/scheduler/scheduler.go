// Package scheduler runs named background jobs at fixed intervals.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vyrodovalexey/avafanout/internal/observability"
)

// Sentinel errors.
var (
	ErrDuplicateJob    = errors.New("job already scheduled")
	ErrInvalidInterval = errors.New("interval must be at least one second")
)

// Job is a unit of background work. The context is cancelled when the
// scheduler stops.
type Job func(ctx context.Context) error

// Scheduler wraps a cron runner. A job still running when its next tick
// fires is skipped, and a panicking job is recovered and logged.
type Scheduler struct {
	cron    *cron.Cron
	logger  observability.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// Option is a functional option for configuring the scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger for the scheduler.
func WithLogger(logger observability.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// New creates a stopped scheduler.
func New(opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		logger:  observability.NopLogger(),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
	}
	for _, opt := range opts {
		opt(s)
	}

	cl := cronLogger{logger: s.logger}
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return s
}

// Every schedules job to run every interval. Intervals are rounded down
// to whole seconds.
func (s *Scheduler) Every(name string, interval time.Duration, job Job) error {
	if interval < time.Second {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}

	id := s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		s.run(name, job)
	}))
	s.entries[name] = id

	s.logger.Debug("job scheduled",
		observability.String("job", name),
		observability.Duration("interval", interval),
	)
	return nil
}

// run executes one job invocation.
func (s *Scheduler) run(name string, job Job) {
	start := time.Now()
	err := job(s.ctx)
	duration := time.Since(start)

	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Warn("scheduled job failed",
			observability.String("job", name),
			observability.Duration("duration", duration),
			observability.Error(err),
		)
		return
	}
	s.logger.Debug("scheduled job completed",
		observability.String("job", name),
		observability.Duration("duration", duration),
	)
}

// Jobs returns the scheduled job names with their next run time.
func (s *Scheduler) Jobs() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make(map[string]time.Time, len(s.entries))
	for name, id := range s.entries {
		jobs[name] = s.cron.Entry(id).Next
	}
	return jobs
}

// Start starts running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", observability.Int("jobs", len(s.Jobs())))
}

// Stop stops scheduling, cancels the job context and waits for running
// jobs to return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()

	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for scheduled jobs: %w", ctx.Err())
	}
}

// cronLogger adapts observability.Logger to cron.Logger.
type cronLogger struct {
	logger observability.Logger
}

// Info implements cron.Logger. Routine scheduling chatter is logged at
// debug level.
func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, fields(keysAndValues)...)
}

// Error implements cron.Logger.
func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(fields(keysAndValues), observability.Error(err))...)
}

func fields(keysAndValues []any) []observability.Field {
	out := make([]observability.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		out = append(out, observability.Any(key, keysAndValues[i+1]))
	}
	return out
}
