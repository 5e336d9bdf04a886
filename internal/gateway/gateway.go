package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avafanout/internal/config"
	"github.com/vyrodovalexey/avafanout/internal/health"
	"github.com/vyrodovalexey/avafanout/internal/middleware"
	"github.com/vyrodovalexey/avafanout/internal/observability"
)

// MetricsPath is where the admin listener exposes Prometheus metrics.
const MetricsPath = "/metrics"

// State represents the gateway state.
type State int32

const (
	// StateStopped indicates the gateway is stopped.
	StateStopped State = iota
	// StateStarting indicates the gateway is starting.
	StateStarting
	// StateRunning indicates the gateway is running.
	StateRunning
	// StateStopping indicates the gateway is stopping.
	StateStopping
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Gateway runs the public broadcast listener and the admin listener.
type Gateway struct {
	config         *config.Config
	logger         observability.Logger
	handler        http.Handler
	tracer         *observability.Tracer
	checker        *health.Checker
	metricsHandler http.Handler

	engine        *gin.Engine
	adminEngine   *gin.Engine
	listener      *Listener
	adminListener *Listener

	state     atomic.Int32
	startTime time.Time
	mu        sync.RWMutex

	shutdownTimeout time.Duration
}

// Option is a functional option for configuring the gateway.
type Option func(*Gateway)

// WithLogger sets the logger for the gateway.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithShutdownTimeout sets the shutdown timeout.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		g.shutdownTimeout = timeout
	}
}

// WithTracer wraps the public listener in a server span per request.
func WithTracer(tracer *observability.Tracer) Option {
	return func(g *Gateway) {
		g.tracer = tracer
	}
}

// WithHealth mounts the checker's endpoints on the admin listener.
func WithHealth(checker *health.Checker) Option {
	return func(g *Gateway) {
		g.checker = checker
	}
}

// WithMetricsHandler serves h at /metrics on the admin listener.
func WithMetricsHandler(h http.Handler) Option {
	return func(g *Gateway) {
		g.metricsHandler = h
	}
}

// New creates a new Gateway instance. The handler receives every request
// arriving on the public listener.
func New(cfg *config.Config, handler http.Handler, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}
	if handler == nil {
		return nil, ErrNilHandler
	}

	g := &Gateway{
		config:          cfg,
		handler:         handler,
		logger:          observability.NopLogger(),
		shutdownTimeout: cfg.Proxy.ShutdownTimeout.Duration(),
	}

	for _, opt := range opts {
		opt(g)
	}
	if g.shutdownTimeout <= 0 {
		g.shutdownTimeout = config.DefaultShutdownTimeout
	}

	g.state.Store(int32(StateStopped))

	return g, nil
}

// Start builds both engines and starts the listeners.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return ErrGatewayNotStopped
	}

	g.logger.Info("starting gateway",
		observability.String("address", g.config.Listener.Address()),
		observability.Bool("admin", g.config.Admin.Enabled),
	)

	g.engine = g.newEngine()

	var public http.Handler = g.engine
	if g.tracer != nil {
		public = observability.TracingMiddleware(g.tracer)(public)
	}

	listener := NewListener("broadcast", g.config.Listener.Address(), public,
		WithListenerLogger(g.logger),
		WithListenerTimeouts(g.config.Listener),
	)
	if err := listener.Start(ctx); err != nil {
		g.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to start listener %s: %w", listener.Name(), err)
	}

	var admin *Listener
	if g.config.Admin.Enabled {
		g.adminEngine = g.newAdminEngine()
		admin = NewListener("admin", g.config.Admin.Address(), g.adminEngine,
			WithListenerLogger(g.logger),
		)
		if err := admin.Start(ctx); err != nil {
			if stopErr := listener.Stop(ctx); stopErr != nil {
				g.logger.Error("failed to stop listener",
					observability.String("name", listener.Name()),
					observability.Error(stopErr),
				)
			}
			g.state.Store(int32(StateStopped))
			return fmt.Errorf("failed to start listener %s: %w", admin.Name(), err)
		}
	}

	g.mu.Lock()
	g.listener = listener
	g.adminListener = admin
	g.startTime = time.Now()
	g.mu.Unlock()

	g.state.Store(int32(StateRunning))

	g.logger.Info("gateway started",
		observability.String("address", listener.Addr().String()),
	)

	return nil
}

// Stop stops the gateway gracefully, draining in-flight broadcasts.
func (g *Gateway) Stop(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return ErrGatewayNotRunning
	}

	g.logger.Info("stopping gateway")

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.shutdownTimeout)
		defer cancel()
	}

	g.stopListeners(ctx)

	g.state.Store(int32(StateStopped))

	g.logger.Info("gateway stopped")

	return nil
}

// State returns the current gateway state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// IsRunning returns true if the gateway is running.
func (g *Gateway) IsRunning() bool {
	return g.State() == StateRunning
}

// Uptime returns the gateway uptime.
func (g *Gateway) Uptime() time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.startTime.IsZero() {
		return 0
	}
	return time.Since(g.startTime)
}

// Engine returns the public gin engine, or nil before Start.
func (g *Gateway) Engine() *gin.Engine {
	return g.engine
}

// Listener returns the public listener, or nil before Start.
func (g *Gateway) Listener() *Listener {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.listener
}

// AdminListener returns the admin listener, or nil when it is disabled.
func (g *Gateway) AdminListener() *Listener {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.adminListener
}

// newEngine builds the public engine. No routes are registered: the
// broadcast handler sits behind NoRoute so it sees every method and path.
func (g *Gateway) newEngine() *gin.Engine {
	engine := gin.New()
	engine.RedirectTrailingSlash = false
	engine.RedirectFixedPath = false
	engine.HandleMethodNotAllowed = false

	engine.Use(middleware.RequestID())
	engine.Use(middleware.Recovery(g.logger))
	if g.config.Observability.Logging.AccessLog {
		engine.Use(middleware.Logging(g.logger))
	}

	engine.NoRoute(gin.WrapH(g.handler))

	return engine
}

func (g *Gateway) newAdminEngine() *gin.Engine {
	engine := gin.New()
	engine.Use(middleware.Recovery(g.logger))

	if g.checker != nil {
		g.checker.Register(engine)
	}
	if g.metricsHandler != nil {
		engine.GET(MetricsPath, gin.WrapH(g.metricsHandler))
	}

	return engine
}

// stopListeners stops all listeners concurrently.
func (g *Gateway) stopListeners(ctx context.Context) {
	g.mu.RLock()
	listeners := []*Listener{g.listener, g.adminListener}
	g.mu.RUnlock()

	var wg sync.WaitGroup
	for _, listener := range listeners {
		if listener == nil {
			continue
		}
		wg.Add(1)
		go func(l *Listener) {
			defer wg.Done()
			if err := l.Stop(ctx); err != nil {
				g.logger.Error("failed to stop listener",
					observability.String("name", l.Name()),
					observability.Error(err),
				)
			}
		}(listener)
	}
	wg.Wait()
}
