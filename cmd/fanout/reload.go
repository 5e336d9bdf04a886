package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vyrodovalexey/avafanout/internal/config"
	"github.com/vyrodovalexey/avafanout/internal/observability"
	"github.com/vyrodovalexey/avafanout/internal/store"
)

// Scheduler job names.
const (
	jobReloadScripts  = "reload-scripts"
	jobRefreshTargets = "refresh-targets"
)

// invalidateTimeout bounds a refresh triggered outside the scheduler.
const invalidateTimeout = 30 * time.Second

// reloadScripts rebuilds the script registry from the store.
func (a *application) reloadScripts(ctx context.Context) error {
	stats, err := a.registry.Reload(ctx)
	if err != nil {
		return fmt.Errorf("reload scripts: %w", err)
	}
	if stats.Compiled > 0 || stats.Evicted > 0 || stats.Failed > 0 {
		a.logger.Info("script registry reloaded",
			observability.Int("loaded", stats.Loaded),
			observability.Int("compiled", stats.Compiled),
			observability.Int("reused", stats.Reused),
			observability.Int("failed", stats.Failed),
			observability.Int("evicted", stats.Evicted),
			observability.Duration("duration", stats.Duration),
		)
	}
	return nil
}

// refreshTargets replaces the target snapshot from the store.
func (a *application) refreshTargets(ctx context.Context) error {
	if err := a.catalog.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh targets: %w", err)
	}
	return nil
}

// refresh reloads scripts and targets. Both run even if the first fails.
func (a *application) refresh(ctx context.Context) error {
	return errors.Join(a.reloadScripts(ctx), a.refreshTargets(ctx))
}

// invalidate refreshes out of band after a store mutation.
func (a *application) invalidate() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), invalidateTimeout)
		defer cancel()
		if err := a.refresh(ctx); err != nil {
			a.logger.Warn("refresh after store change failed", observability.Error(err))
		}
	}()
}

// scheduleRefresh registers the periodic reload jobs.
func (a *application) scheduleRefresh() error {
	reload := a.config.Reload
	if err := a.scheduler.Every(jobReloadScripts, reload.ScriptInterval.Duration(), a.reloadScripts); err != nil {
		return err
	}
	return a.scheduler.Every(jobRefreshTargets, reload.TargetInterval.Duration(), a.refreshTargets)
}

// startCatalogWatcher watches the file store's catalog and script files and
// refreshes as soon as they change. Other drivers rely on the scheduler.
func (a *application) startCatalogWatcher(ctx context.Context) {
	fileStore, ok := a.store.(*store.FileStore)
	if !ok || !a.config.Reload.WatchCatalog {
		return
	}

	files := fileStore.Files()
	var watcher *config.Watcher
	watcher, err := config.NewWatcher(files[0], func(path string) {
		a.logger.Info("catalog changed, refreshing", observability.String("path", path))
		if err := a.refresh(ctx); err != nil {
			a.logger.Warn("refresh after catalog change failed", observability.Error(err))
		}
		if err := watcher.SetFiles(fileStore.Files()[1:]...); err != nil {
			a.logger.Warn("failed to update watched script files", observability.Error(err))
		}
	},
		config.WithExtraFiles(files[1:]...),
		config.WithDebounceDelay(a.config.Reload.WatchDebounce.Duration()),
		config.WithLogger(a.logger),
	)
	if err != nil {
		a.logger.Warn("failed to create catalog watcher", observability.Error(err))
		return
	}

	if err := watcher.Start(ctx); err != nil {
		a.logger.Warn("failed to start catalog watcher", observability.Error(err))
		_ = watcher.Stop()
		return
	}

	a.watcher = watcher
}
