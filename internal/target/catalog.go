// Package target keeps the configured broadcast targets as an atomically
// swapped snapshot.
package target

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/avafanout/internal/model"
	"github.com/vyrodovalexey/avafanout/internal/observability"
)

// ErrInvalidTarget indicates a target that cannot be dispatched to.
var ErrInvalidTarget = errors.New("invalid target")

// Source lists the targets known to the backing store.
type Source interface {
	ListTargets(ctx context.Context) ([]model.Target, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]model.Target, error)

// ListTargets calls f.
func (f SourceFunc) ListTargets(ctx context.Context) ([]model.Target, error) {
	return f(ctx)
}

type snapshot struct {
	targets   []model.Target
	refreshed time.Time
}

// Catalog holds the current target list. Request handlers read it without
// locking; Refresh replaces it as a whole.
type Catalog struct {
	source  Source
	logger  observability.Logger
	metrics *observability.Metrics
	current atomic.Pointer[snapshot]
}

// CatalogOption is a functional option for configuring the catalog.
type CatalogOption func(*Catalog)

// WithCatalogLogger sets the logger for the catalog.
func WithCatalogLogger(logger observability.Logger) CatalogOption {
	return func(c *Catalog) {
		c.logger = logger
	}
}

// WithCatalogMetrics sets the metrics collector for the catalog.
func WithCatalogMetrics(metrics *observability.Metrics) CatalogOption {
	return func(c *Catalog) {
		c.metrics = metrics
	}
}

// NewCatalog creates an empty catalog backed by source.
func NewCatalog(source Source, opts ...CatalogOption) *Catalog {
	c := &Catalog{
		source: source,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.current.Store(&snapshot{})
	return c
}

// Refresh reloads the target list. Targets with an unusable base URL or a
// duplicate id are skipped. On a source error the previous list is kept.
func (c *Catalog) Refresh(ctx context.Context) error {
	listed, err := c.source.ListTargets(ctx)
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}

	targets := make([]model.Target, 0, len(listed))
	seen := make(map[string]struct{}, len(listed))
	for _, t := range listed {
		if err := Validate(t); err != nil {
			c.logger.Warn("skipping target", observability.String("target", t.ID), observability.Error(err))
			continue
		}
		if _, dup := seen[t.ID]; dup {
			c.logger.Warn("skipping duplicate target", observability.String("target", t.ID))
			continue
		}
		seen[t.ID] = struct{}{}
		targets = append(targets, t)
	}

	prev := c.current.Swap(&snapshot{targets: targets, refreshed: time.Now()})
	c.metrics.SetTargets(len(targets))

	if len(prev.targets) != len(targets) {
		c.logger.Info("targets refreshed", observability.Int("targets", len(targets)))
	}
	return nil
}

// Validate checks that a target has an id and an absolute http(s) base URL.
func Validate(t model.Target) error {
	if t.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidTarget)
	}
	u, err := url.Parse(t.BaseURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: base url %q must be absolute http(s)", ErrInvalidTarget, t.BaseURL)
	}
	return nil
}

// Snapshot returns the current targets in configuration order. The slice
// must not be modified.
func (c *Catalog) Snapshot() []model.Target {
	return c.current.Load().targets
}

// Len returns the number of targets.
func (c *Catalog) Len() int {
	return len(c.current.Load().targets)
}

// RefreshedAt returns the time of the last successful refresh.
func (c *Catalog) RefreshedAt() time.Time {
	return c.current.Load().refreshed
}
