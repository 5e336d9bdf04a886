package main

import (
	"context"
	"fmt"

	"github.com/vyrodovalexey/avafanout/internal/observability"
)

// run starts the application and blocks until ctx is cancelled, then shuts
// everything down.
func run(ctx context.Context, app *application) error {
	if err := app.start(ctx); err != nil {
		app.shutdown()
		return err
	}

	<-ctx.Done()
	app.logger.Info("received shutdown signal")

	app.shutdown()
	return nil
}

// start loads scripts and targets once, then starts background refresh and
// the listeners. An empty or unreachable store is not fatal: the scheduler
// keeps retrying.
func (a *application) start(ctx context.Context) error {
	if err := a.refresh(ctx); err != nil {
		a.logger.Warn("initial load incomplete", observability.Error(err))
	}

	if err := a.scheduleRefresh(); err != nil {
		return fmt.Errorf("failed to schedule refresh: %w", err)
	}
	a.scheduler.Start()

	a.startCatalogWatcher(context.WithoutCancel(ctx))

	if err := a.gateway.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	a.logger.Info("avafanout started",
		observability.String("address", a.config.Listener.Address()),
		observability.Int("scripts", a.registry.Len()),
		observability.Int("targets", a.catalog.Len()),
	)

	return nil
}

// shutdown drains in-flight broadcasts and releases every component.
func (a *application) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.Proxy.ShutdownTimeout.Duration())
	defer cancel()

	a.health.SetDraining(true)

	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			a.logger.Error("failed to stop catalog watcher", observability.Error(err))
		}
	}

	if err := a.scheduler.Stop(shutdownCtx); err != nil {
		a.logger.Error("failed to stop scheduler", observability.Error(err))
	}

	if a.gateway.IsRunning() {
		if err := a.gateway.Stop(shutdownCtx); err != nil {
			a.logger.Error("failed to stop gateway gracefully", observability.Error(err))
		}
	}

	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close store", observability.Error(err))
	}

	if err := a.tracer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	a.logger.Info("avafanout stopped")
}
