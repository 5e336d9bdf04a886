package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vyrodovalexey/avafanout/internal/broadcast"
	"github.com/vyrodovalexey/avafanout/internal/config"
	"github.com/vyrodovalexey/avafanout/internal/gateway"
	"github.com/vyrodovalexey/avafanout/internal/health"
	"github.com/vyrodovalexey/avafanout/internal/middleware"
	"github.com/vyrodovalexey/avafanout/internal/observability"
	"github.com/vyrodovalexey/avafanout/internal/proxy"
	"github.com/vyrodovalexey/avafanout/internal/retry"
	"github.com/vyrodovalexey/avafanout/internal/scheduler"
	"github.com/vyrodovalexey/avafanout/internal/script"
	"github.com/vyrodovalexey/avafanout/internal/store"
	"github.com/vyrodovalexey/avafanout/internal/target"
	"github.com/vyrodovalexey/avafanout/internal/transform"
)

// storeMaxBackoff caps the wait between store connection attempts.
const storeMaxBackoff = 5 * time.Second

// application holds all application components.
type application struct {
	config    *config.Config
	logger    observability.Logger
	store     store.Store
	registry  *script.Registry
	catalog   *target.Catalog
	handler   *proxy.Handler
	gateway   *gateway.Gateway
	scheduler *scheduler.Scheduler
	health    *health.Checker
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	watcher   *config.Watcher
}

// initApplication builds every component from cfg. Nothing is started.
func initApplication(cfg *config.Config, logger observability.Logger) (*application, error) {
	metrics := initMetrics()

	tracer, err := initTracer(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	st, err := openStore(context.Background(), cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}

	registry := script.NewRegistry(st,
		script.WithRegistryLogger(logger),
		script.WithRegistryMetrics(metrics),
		script.WithScriptTimeout(cfg.Proxy.ScriptTimeout.Duration()),
	)
	catalog := target.NewCatalog(st,
		target.WithCatalogLogger(logger),
		target.WithCatalogMetrics(metrics),
	)

	distributor := broadcast.New(registry, catalog,
		broadcast.WithLogger(logger),
		broadcast.WithMetrics(metrics),
		broadcast.WithEngine(transform.NewEngine(
			transform.WithEngineLogger(logger),
			transform.WithEngineMetrics(metrics),
		)),
		broadcast.WithClient(broadcast.NewClient(poolConfig(cfg.Proxy))),
		broadcast.WithBreakers(broadcast.NewBreakers(broadcast.BreakerConfig{
			Enabled:   cfg.CircuitBreaker.Enabled,
			Threshold: cfg.CircuitBreaker.Threshold,
			Timeout:   cfg.CircuitBreaker.Timeout.Duration(),
		}, logger, metrics)),
		broadcast.WithRequestTimeout(cfg.Proxy.RequestTimeout.Duration()),
		broadcast.WithMaxResponseBytes(cfg.Proxy.MaxResponseBytes),
	)

	handler := proxy.NewHandler(distributor,
		proxy.WithHandlerLogger(logger),
		proxy.WithHandlerMetrics(metrics),
		proxy.WithMaxBodyBytes(cfg.Proxy.MaxBodyBytes),
	)

	checker := newHealthChecker(registry, catalog)

	gw, err := gateway.New(cfg, handler,
		gateway.WithLogger(logger),
		gateway.WithTracer(tracer),
		gateway.WithHealth(checker),
		gateway.WithMetricsHandler(metrics.Handler()),
		gateway.WithShutdownTimeout(cfg.Proxy.ShutdownTimeout.Duration()),
	)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}

	app := &application{
		config:    cfg,
		logger:    logger,
		store:     st,
		registry:  registry,
		catalog:   catalog,
		handler:   handler,
		gateway:   gw,
		scheduler: scheduler.New(scheduler.WithLogger(logger)),
		health:    checker,
		metrics:   metrics,
		tracer:    tracer,
	}

	if n, ok := st.(interface{ OnChange(func()) }); ok {
		n.OnChange(app.invalidate)
	}

	return app, nil
}

// openStore opens the configured store, retrying while it is unreachable.
func openStore(ctx context.Context, cfg config.StoreConfig, logger observability.Logger) (store.Store, error) {
	if cfg.ConnectRetries == 0 {
		return store.Open(cfg, logger)
	}

	var st store.Store
	err := retry.Do(ctx, retry.Config{MaxRetries: cfg.ConnectRetries, MaxBackoff: storeMaxBackoff},
		func(context.Context) error {
			var err error
			st, err = store.Open(cfg, logger)
			return err
		},
		retry.WithShouldRetry(func(err error) bool {
			return !errors.Is(err, store.ErrUnknownDriver)
		}),
		retry.WithOnRetry(func(attempt int, err error, backoff time.Duration) {
			logger.Warn("store unavailable, retrying",
				observability.String("driver", cfg.Driver),
				observability.Int("attempt", attempt),
				observability.Duration("backoff", backoff),
				observability.Error(err),
			)
		}),
	)
	return st, err
}

// initMetrics creates the process registry and attaches the package
// level collectors to it.
func initMetrics() *observability.Metrics {
	metrics := observability.NewMetrics("fanout")
	metrics.SetBuildInfo(version, gitCommit, buildTime)

	transform.GetTransformMetrics().MustRegister(metrics.Registry())
	middleware.GetMiddlewareMetrics().MustRegister(metrics.Registry())
	proxy.InitMetrics(metrics.Registry())

	return metrics
}

// initTracer initializes the tracer.
func initTracer(cfg *config.Config) (*observability.Tracer, error) {
	tracing := cfg.Observability.Tracing
	serviceName := tracing.ServiceName
	if serviceName == "" {
		serviceName = config.DefaultServiceName
	}

	return observability.NewTracer(observability.TracerConfig{
		ServiceName:  serviceName,
		OTLPEndpoint: tracing.OTLPEndpoint,
		SamplingRate: tracing.SamplingRate,
		Enabled:      tracing.Enabled,
	})
}

// poolConfig maps proxy settings onto the outbound connection pool.
func poolConfig(cfg config.ProxyConfig) broadcast.PoolConfig {
	pool := broadcast.DefaultPoolConfig()
	if cfg.MaxIdleConns > 0 {
		pool.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.MaxIdleConnsPerHost > 0 {
		pool.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	}
	if cfg.IdleConnTimeout > 0 {
		pool.IdleConnTimeout = cfg.IdleConnTimeout.Duration()
	}
	return pool
}

// newHealthChecker reports script and target counts and turns unready until
// both have loaded once.
func newHealthChecker(registry *script.Registry, catalog *target.Catalog) *health.Checker {
	checker := health.NewChecker(version)

	checker.RegisterCounter("scripts", registry.Len)
	checker.RegisterCounter("targets", catalog.Len)

	checker.RegisterCheck("scripts", func() health.Check {
		return loadedCheck(registry.LoadedAt(), len(registry.Failed()), "scripts failed to compile")
	})
	checker.RegisterCheck("targets", func() health.Check {
		check := loadedCheck(catalog.RefreshedAt(), 0, "")
		if check.Status == health.StatusHealthy && catalog.Len() == 0 {
			return health.Check{Status: health.StatusDegraded, Message: "no targets configured"}
		}
		return check
	})

	return checker
}

func loadedCheck(loadedAt time.Time, failed int, failedMsg string) health.Check {
	switch {
	case loadedAt.IsZero():
		return health.Check{Status: health.StatusUnhealthy, Message: "not loaded"}
	case failed > 0:
		return health.Check{Status: health.StatusDegraded, Message: fmt.Sprintf("%d %s", failed, failedMsg)}
	default:
		return health.Check{Status: health.StatusHealthy}
	}
}
