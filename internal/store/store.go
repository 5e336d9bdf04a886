// Package store provides the backing stores that scripts and targets are
// read from: a YAML file catalog, a SQLite database and Redis.
package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vyrodovalexey/avafanout/internal/config"
	"github.com/vyrodovalexey/avafanout/internal/model"
	"github.com/vyrodovalexey/avafanout/internal/observability"
	"github.com/vyrodovalexey/avafanout/internal/script"
	"github.com/vyrodovalexey/avafanout/internal/target"
)

// Sentinel errors.
var (
	ErrUnknownDriver = errors.New("unknown store driver")
	ErrNotFound      = errors.New("record not found")
	ErrInvalidRecord = errors.New("invalid record")
	ErrClosed        = errors.New("store is closed")
)

// ScriptSource lists the scripts the registry compiles.
type ScriptSource = script.Source

// TargetSource lists the targets requests are broadcast to.
type TargetSource = target.Source

// Store is a backing store for both scripts and targets.
type Store interface {
	ScriptSource
	TargetSource
	Close() error
}

// Open opens the store selected by cfg.Driver.
func Open(cfg config.StoreConfig, logger observability.Logger) (Store, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	switch cfg.Driver {
	case config.StoreDriverFile:
		return NewFileStore(cfg.Path, WithFileLogger(logger)), nil
	case config.StoreDriverSQLite:
		return NewSQLStore(cfg.Path, WithSQLLogger(logger), WithSQLTrace(cfg.LogSQL))
	case config.StoreDriverRedis:
		return NewRedisStore(RedisConfig{
			Address:     cfg.Redis.Address,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			Prefix:      cfg.Redis.Prefix,
			DialTimeout: cfg.Redis.DialTimeout.Duration(),
			Logger:      logger,
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// validateScript checks the fields every stored script needs.
func validateScript(s model.Script) error {
	if s.Name == "" {
		return fmt.Errorf("%w: script name is required", ErrInvalidRecord)
	}
	return nil
}

// validateTarget checks the fields every stored target needs.
func validateTarget(t model.Target) error {
	if err := target.Validate(t); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	return nil
}

// notifier fans mutation events out to registered hooks.
type notifier struct {
	mu    sync.RWMutex
	hooks []func()
}

// OnChange registers fn to run after every successful mutation.
func (n *notifier) OnChange(fn func()) {
	if fn == nil {
		return
	}
	n.mu.Lock()
	n.hooks = append(n.hooks, fn)
	n.mu.Unlock()
}

func (n *notifier) notify() {
	n.mu.RLock()
	hooks := make([]func(), len(n.hooks))
	copy(hooks, n.hooks)
	n.mu.RUnlock()

	for _, fn := range hooks {
		fn()
	}
}
