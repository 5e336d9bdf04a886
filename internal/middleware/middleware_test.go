package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vyrodovalexey/avafanout/internal/observability"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func observedLogger() (observability.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return observability.NewZapLogger(zap.New(core)), logs
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	router := gin.New()
	router.Use(RequestIDWithGenerator(func() string { return "generated-id" }))
	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "%s|%s",
			GetRequestID(c),
			observability.RequestIDFromContext(c.Request.Context()),
		)
	})

	tests := []struct {
		name     string
		header   string
		expected string
	}{
		{name: "generated when absent", expected: "generated-id"},
		{name: "inbound id reused", header: "abc-123", expected: "abc-123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(RequestIDHeader, tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expected, w.Header().Get(RequestIDHeader))
			assert.Equal(t, tt.expected+"|"+tt.expected, w.Body.String())
		})
	}
}

func TestRequestID_UUID(t *testing.T) {
	t.Parallel()

	router := gin.New()
	router.Use(RequestID())
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Len(t, w.Header().Get(RequestIDHeader), 36)
}

func TestGetRequestID_Missing(t *testing.T) {
	t.Parallel()

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Empty(t, GetRequestID(c))
	c.Set(RequestIDKey, 42)
	assert.Empty(t, GetRequestID(c))
}

func TestRecovery(t *testing.T) {
	t.Parallel()

	logger, logs := observedLogger()
	router := gin.New()
	router.Use(Recovery(logger))
	router.GET("/panic", func(c *gin.Context) { panic("script host crashed") })
	router.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "OK") })

	t.Run("recovers from panic", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.JSONEq(t, `{"error":"internal error","message":"panic: script host crashed"}`, w.Body.String())
		require.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
		assert.Equal(t, zapcore.ErrorLevel, logs.FilterMessage("panic recovered").All()[0].Level)
	})

	t.Run("normal request passes through", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "OK", w.Body.String())
	})
}

func TestLogging(t *testing.T) {
	t.Parallel()

	logger, logs := observedLogger()
	router := gin.New()
	router.Use(RequestIDWithGenerator(func() string { return "rid" }))
	router.Use(LoggingWithConfig(LoggingConfig{Logger: logger, SkipPaths: []string{"/skip"}}))
	router.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "fine") })
	router.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	router.GET("/broken", func(c *gin.Context) { c.Status(http.StatusBadGateway) })
	router.GET("/skip", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/ok?x=1", "/missing", "/broken", "/skip"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	entries := logs.FilterMessage("request completed").All()
	require.Len(t, entries, 3)

	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)

	fields := entries[0].ContextMap()
	assert.Equal(t, "rid", fields["request_id"])
	assert.Equal(t, "/ok", fields["path"])
	assert.Equal(t, "x=1", fields["query"])
	assert.Equal(t, int64(http.StatusOK), fields["status"])
	assert.Equal(t, int64(4), fields["size"])
}

func TestMiddlewareMetrics_MustRegister(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	GetMiddlewareMetrics().MustRegister(registry)

	families, err := registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.ElementsMatch(t, []string{
		"fanout_middleware_panics_recovered_total",
		"fanout_middleware_request_ids_total",
	}, names)

	for _, f := range families {
		if f.GetName() == "fanout_middleware_request_ids_total" {
			assert.Len(t, f.GetMetric(), 2)
		}
	}
}
