package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/avafanout/internal/config"
	"github.com/vyrodovalexey/avafanout/internal/observability"
)

// Listener timeouts applied when the configuration leaves them unset.
const (
	defaultReadTimeout       = 30 * time.Second
	defaultReadHeaderTimeout = 10 * time.Second
	defaultWriteTimeout      = 60 * time.Second
	defaultIdleTimeout       = 120 * time.Second
	maxHeaderBytes           = 1 << 20
)

// Listener is a single HTTP server bound to one address.
type Listener struct {
	name         string
	address      string
	handler      http.Handler
	logger       observability.Logger
	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	server  *http.Server
	bound   net.Addr
	running atomic.Bool
	mu      sync.RWMutex
	done    chan struct{}
}

// ListenerOption is a functional option for configuring a listener.
type ListenerOption func(*Listener)

// WithListenerLogger sets the logger for the listener.
func WithListenerLogger(logger observability.Logger) ListenerOption {
	return func(l *Listener) {
		l.logger = logger
	}
}

// WithListenerTimeouts overrides the server timeouts. Zero values keep the
// defaults.
func WithListenerTimeouts(cfg config.ListenerConfig) ListenerOption {
	return func(l *Listener) {
		if cfg.ReadTimeout > 0 {
			l.readTimeout = cfg.ReadTimeout.Duration()
		}
		if cfg.WriteTimeout > 0 {
			l.writeTimeout = cfg.WriteTimeout.Duration()
		}
		if cfg.IdleTimeout > 0 {
			l.idleTimeout = cfg.IdleTimeout.Duration()
		}
	}
}

// NewListener creates a new listener.
func NewListener(name, address string, handler http.Handler, opts ...ListenerOption) *Listener {
	l := &Listener{
		name:         name,
		address:      address,
		handler:      handler,
		logger:       observability.NopLogger(),
		readTimeout:  defaultReadTimeout,
		writeTimeout: defaultWriteTimeout,
		idleTimeout:  defaultIdleTimeout,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Name returns the listener name.
func (l *Listener) Name() string {
	return l.name
}

// Address returns the configured listen address.
func (l *Listener) Address() string {
	return l.address
}

// Addr returns the bound address, or nil before Start. With port 0 it
// carries the port chosen by the kernel.
func (l *Listener) Addr() net.Addr {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.bound
}

// Start binds the address and serves in the background.
func (l *Listener) Start(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrListenerRunning, l.name)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.address)
	if err != nil {
		l.running.Store(false)
		return fmt.Errorf("failed to listen on %s: %w", l.address, err)
	}

	server := &http.Server{
		Handler:           l.handler,
		ReadTimeout:       l.readTimeout,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		WriteTimeout:      l.writeTimeout,
		IdleTimeout:       l.idleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}

	l.mu.Lock()
	l.server = server
	l.bound = ln.Addr()
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()

	l.logger.Info("listener started",
		observability.String("name", l.name),
		observability.String("address", ln.Addr().String()),
	)

	go l.serve(server, ln, done)

	return nil
}

func (l *Listener) serve(server *http.Server, ln net.Listener, done chan struct{}) {
	defer close(done)

	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.logger.Error("listener error",
			observability.String("name", l.name),
			observability.Error(err),
		)
	}
	l.running.Store(false)
}

// Stop shuts the server down, waiting for in-flight requests until ctx
// expires. Connections still open at that point are closed.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.RLock()
	server, done := l.server, l.done
	l.mu.RUnlock()

	if server == nil || !l.running.Load() {
		return nil
	}

	l.logger.Info("stopping listener", observability.String("name", l.name))

	if err := server.Shutdown(ctx); err != nil {
		if closeErr := server.Close(); closeErr != nil {
			return fmt.Errorf("failed to close listener: %w", closeErr)
		}
		return fmt.Errorf("failed to shutdown listener gracefully: %w", err)
	}
	<-done

	l.logger.Info("listener stopped", observability.String("name", l.name))

	return nil
}

// IsRunning returns true if the listener is serving.
func (l *Listener) IsRunning() bool {
	return l.running.Load()
}
