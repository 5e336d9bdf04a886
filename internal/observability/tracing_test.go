package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestNewTracer_Disabled(t *testing.T) {
	t.Parallel()

	tracer, err := NewTracer(TracerConfig{ServiceName: "avafanout"})
	require.NoError(t, err)

	ctx, span := tracer.StartSpan(context.Background(), "op")
	assert.NotNil(t, ctx)
	span.End()

	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestNewTracer_EnabledWithoutExporter(t *testing.T) {
	tracer, err := NewTracer(TracerConfig{ServiceName: "avafanout", Enabled: true, SamplingRate: 1})
	require.NoError(t, err)
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	ctx, span := tracer.StartSpan(context.Background(), "op")
	assert.True(t, span.SpanContext().HasTraceID())

	header := http.Header{}
	InjectTraceContext(ctx, header)
	require.NotEmpty(t, header.Get("Traceparent"))

	remote := trace.SpanContextFromContext(ExtractTraceContext(context.Background(), header))
	assert.Equal(t, span.SpanContext().TraceID(), remote.TraceID())
	span.End()
}

func TestTracingMiddleware_RecordsStatus(t *testing.T) {
	t.Parallel()

	tracer, err := NewTracer(TracerConfig{ServiceName: "avafanout"})
	require.NoError(t, err)

	handler := TracingMiddleware(tracer)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/x", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestSamplerFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		rate     float64
		expected string
	}{
		{rate: 1, expected: "AlwaysOn"},
		{rate: 2, expected: "AlwaysOn"},
		{rate: 0, expected: "AlwaysOff"},
		{rate: 0.5, expected: "TraceIDRatioBased"},
	}

	for _, tt := range tests {
		desc := samplerFor(tt.rate).Description()
		assert.Contains(t, desc, "ParentBased")
		assert.Contains(t, desc, tt.expected)
	}
}

func TestNilTracer(t *testing.T) {
	t.Parallel()

	var tracer *Tracer
	_, span := tracer.StartSpan(context.Background(), "op")
	span.End()
	assert.NoError(t, tracer.Shutdown(context.Background()))
}
