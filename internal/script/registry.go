package script

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/avafanout/internal/model"
	"github.com/vyrodovalexey/avafanout/internal/observability"
)

// Source lists the scripts known to the backing store.
type Source interface {
	ListScripts(ctx context.Context) ([]model.Script, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]model.Script, error)

// ListScripts calls f.
func (f SourceFunc) ListScripts(ctx context.Context) ([]model.Script, error) {
	return f(ctx)
}

// ReloadStats summarizes one reload.
type ReloadStats struct {
	Loaded   int
	Reused   int
	Compiled int
	Failed   int
	Evicted  int
	Duration time.Duration
}

// Table is an immutable set of compiled units produced by one reload.
type Table struct {
	units    []*Unit
	byName   map[string]*Unit
	failed   map[string]string
	loadedAt time.Time
}

var emptyTable = &Table{
	byName: map[string]*Unit{},
	failed: map[string]string{},
}

// Registry holds compiled units derived from a Source. Readers load the
// current table atomically; reloads build a new table and swap it in.
type Registry struct {
	source  Source
	timeout time.Duration
	logger  observability.Logger
	metrics *observability.Metrics

	current  atomic.Pointer[Table]
	reloadMu sync.Mutex
}

// RegistryOption is a functional option for configuring the registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger for the registry.
func WithRegistryLogger(logger observability.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithRegistryMetrics sets the metrics collector for the registry.
func WithRegistryMetrics(metrics *observability.Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = metrics
	}
}

// WithScriptTimeout sets the compile and per-call execution budget.
func WithScriptTimeout(timeout time.Duration) RegistryOption {
	return func(r *Registry) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// NewRegistry creates an empty registry. Call Reload to populate it.
func NewRegistry(source Source, opts ...RegistryOption) *Registry {
	r := &Registry{
		source:  source,
		timeout: DefaultTimeout,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.current.Store(emptyTable)
	return r
}

// Reload re-reads every script, compiles new or changed ones and atomically
// replaces the active table. Scripts that fail to compile are excluded and
// logged. When the source itself fails, the previous table stays active.
func (r *Registry) Reload(ctx context.Context) (ReloadStats, error) {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	start := time.Now()
	var stats ReloadStats

	scripts, err := r.source.ListScripts(ctx)
	if err != nil {
		r.metrics.RecordReload(false, r.Len())
		return stats, fmt.Errorf("list scripts: %w", err)
	}

	prev := r.current.Load()
	next := &Table{
		units:    make([]*Unit, 0, len(scripts)),
		byName:   make(map[string]*Unit, len(scripts)),
		failed:   make(map[string]string),
		loadedAt: time.Now(),
	}

	sorted := make([]model.Script, len(scripts))
	copy(sorted, scripts)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})

	for _, s := range sorted {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if s.Name == "" {
			r.logger.Warn("skipping script without name")
			stats.Failed++
			continue
		}
		if _, dup := next.byName[s.Name]; dup {
			r.logger.Warn("skipping duplicate script", observability.String("script", s.Name))
			stats.Failed++
			continue
		}

		unit, reused, err := r.build(prev, s)
		if err != nil {
			r.logger.Warn("script compile failed",
				observability.String("script", s.Name),
				observability.Error(err),
			)
			next.failed[s.Name] = err.Error()
			stats.Failed++
			continue
		}
		if reused {
			stats.Reused++
		} else {
			stats.Compiled++
		}

		next.units = append(next.units, unit)
		next.byName[s.Name] = unit
	}

	for name := range prev.byName {
		if _, ok := next.byName[name]; !ok {
			stats.Evicted++
		}
	}

	r.current.Store(next)

	stats.Loaded = len(next.units)
	stats.Duration = time.Since(start)
	r.metrics.RecordReload(true, stats.Loaded)

	if stats.Compiled > 0 || stats.Evicted > 0 || stats.Failed > 0 {
		r.logger.Info("script registry reloaded",
			observability.Int("loaded", stats.Loaded),
			observability.Int("compiled", stats.Compiled),
			observability.Int("failed", stats.Failed),
			observability.Int("evicted", stats.Evicted),
			observability.Duration("duration", stats.Duration),
		)
	} else {
		r.logger.Debug("script registry unchanged", observability.Int("loaded", stats.Loaded))
	}

	return stats, nil
}

// build compiles s, reusing the previous unit when its fingerprint matches.
func (r *Registry) build(prev *Table, s model.Script) (*Unit, bool, error) {
	if old, ok := prev.byName[s.Name]; ok && old.fingerprint == Fingerprint(s) {
		return old.withScript(s), true, nil
	}
	unit, err := NewUnit(s, r.timeout, r.logger)
	if err != nil {
		return nil, false, err
	}
	return unit, false, nil
}

// Snapshot returns the active table. Callers that need a consistent view
// across several lookups, such as one broadcast, load it once and query the
// returned table; a concurrent reload never changes it.
func (r *Registry) Snapshot() *Table {
	return r.current.Load()
}

// Get returns the active unit with the given name.
func (r *Registry) Get(name string) (*Unit, error) {
	return r.Snapshot().Get(name)
}

// All returns every active unit in name order.
func (r *Registry) All() []*Unit {
	return r.Snapshot().All()
}

// ForTags returns the units whose tags are empty or intersect targetTags.
func (r *Registry) ForTags(targetTags []string) []*Unit {
	return r.Snapshot().ForTags(targetTags)
}

// ForPath returns the units whose path pattern is empty or matches path.
func (r *Registry) ForPath(path string) []*Unit {
	return r.Snapshot().ForPath(path)
}

// Matching is Snapshot().Matching.
func (r *Registry) Matching(targetTags []string, path string) []*Unit {
	return r.Snapshot().Matching(targetTags, path)
}

// PolicyForPath is Snapshot().PolicyForPath.
func (r *Registry) PolicyForPath(path string) (*model.ResponseConfig, string) {
	return r.Snapshot().PolicyForPath(path)
}

// Names returns the active script names in order.
func (r *Registry) Names() []string {
	return r.Snapshot().Names()
}

// Len returns the number of active units.
func (r *Registry) Len() int {
	return r.Snapshot().Len()
}

// Failed returns the compile errors of the last successful reload by name.
func (r *Registry) Failed() map[string]string {
	return r.Snapshot().Failed()
}

// LoadedAt returns the time of the last successful reload, or the zero time.
func (r *Registry) LoadedAt() time.Time {
	return r.Snapshot().LoadedAt()
}

// Get returns the unit with the given name.
func (t *Table) Get(name string) (*Unit, error) {
	unit, ok := t.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, name)
	}
	return unit, nil
}

// All returns every unit in name order.
func (t *Table) All() []*Unit {
	out := make([]*Unit, len(t.units))
	copy(out, t.units)
	return out
}

// ForTags returns the units whose tags are empty or intersect targetTags.
func (t *Table) ForTags(targetTags []string) []*Unit {
	return t.filter(func(u *Unit) bool {
		return u.AppliesToTags(targetTags)
	})
}

// ForPath returns the units whose path pattern is empty or matches path.
func (t *Table) ForPath(path string) []*Unit {
	return t.filter(func(u *Unit) bool {
		return u.MatchPath(path)
	})
}

// Matching returns the units applicable to a target with targetTags for
// a request to path.
func (t *Table) Matching(targetTags []string, path string) []*Unit {
	return t.filter(func(u *Unit) bool {
		return u.AppliesToTags(targetTags) && u.MatchPath(path)
	})
}

// PolicyForPath returns the response policy of the first unit, in name
// order, that matches path and has an enabled response config.
func (t *Table) PolicyForPath(path string) (*model.ResponseConfig, string) {
	for _, u := range t.units {
		cfg := u.ResponseConfig()
		if cfg == nil || !cfg.Enabled {
			continue
		}
		if u.MatchPath(path) {
			return cfg, u.Name()
		}
	}
	return nil, ""
}

func (t *Table) filter(keep func(*Unit) bool) []*Unit {
	out := make([]*Unit, 0, len(t.units))
	for _, u := range t.units {
		if keep(u) {
			out = append(out, u)
		}
	}
	return out
}

// Names returns the script names in order.
func (t *Table) Names() []string {
	names := make([]string, len(t.units))
	for i, u := range t.units {
		names[i] = u.Name()
	}
	return names
}

// Len returns the number of units.
func (t *Table) Len() int {
	return len(t.units)
}

// Failed returns the compile errors recorded when the table was built.
func (t *Table) Failed() map[string]string {
	out := make(map[string]string, len(t.failed))
	for k, v := range t.failed {
		out[k] = v
	}
	return out
}

// LoadedAt returns when the table was built, or the zero time.
func (t *Table) LoadedAt() time.Time {
	return t.loadedAt
}
