// Package transform applies transformation scripts to request envelopes.
package transform

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avafanout/internal/model"
	"github.com/vyrodovalexey/avafanout/internal/observability"
	"github.com/vyrodovalexey/avafanout/internal/script"
)

var transformTracer = otel.Tracer("avafanout/transform")

// Engine runs a pipeline of script units over an envelope. Units are
// applied strictly in order so each unit observes the output of the
// previous one.
type Engine struct {
	logger  observability.Logger
	metrics *observability.Metrics
}

// EngineOption is a functional option for configuring the engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the logger for the engine.
func WithEngineLogger(logger observability.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithEngineMetrics sets the metrics collector for the engine.
func WithEngineMetrics(metrics *observability.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// NewEngine creates a new Engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply returns a new envelope produced by running units over env with the
// given target metadata. A failing function leaves its field unchanged and
// later functions and units still run; the failures are returned.
// The input envelope is never modified.
func (e *Engine) Apply(
	ctx context.Context,
	env *model.Envelope,
	units []*script.Unit,
	metadata map[string]any,
) (*model.Envelope, []error) {
	out := env.Clone()
	if len(units) == 0 {
		return out, nil
	}

	ctx, span := transformTracer.Start(ctx, "transform.apply",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.Int("transform.scripts", len(units)),
			attribute.String("http.request.method", env.Method),
		),
	)
	defer span.End()

	tm := GetTransformMetrics()
	tm.RecordPipeline(len(units))

	var errs []error
	for _, unit := range units {
		if unit.Has(script.FuncHeaders) {
			start := time.Now()
			headers, err := unit.CallHeaders(ctx, out.Headers, metadata)
			if e.record(ctx, tm, unit, script.FuncHeaders, start, err) {
				out.Headers = headers
			} else {
				errs = append(errs, err)
			}
		}

		if unit.Has(script.FuncParams) {
			start := time.Now()
			params, err := unit.CallParams(ctx, out.QueryParams, metadata)
			if e.record(ctx, tm, unit, script.FuncParams, start, err) {
				out.QueryParams = params
			} else {
				errs = append(errs, err)
			}
		}

		if unit.Has(script.FuncBody) {
			if out.Body == nil {
				tm.RecordCall(script.FuncBody, resultSkipped, 0)
				continue
			}
			start := time.Now()
			body, err := unit.CallBody(ctx, out.Body, metadata)
			if e.record(ctx, tm, unit, script.FuncBody, start, err) {
				out.Body = body
				out.RawBody = nil
			} else {
				errs = append(errs, err)
			}
		}
	}

	if len(errs) > 0 {
		span.SetStatus(codes.Error, "script errors")
		span.SetAttributes(attribute.Int("transform.errors", len(errs)))
	}

	return out, errs
}

// record accounts for one call and reports whether it succeeded.
func (e *Engine) record(
	ctx context.Context,
	tm *TransformMetrics,
	unit *script.Unit,
	fn script.Function,
	start time.Time,
	err error,
) bool {
	duration := time.Since(start)
	if err == nil {
		tm.RecordCall(fn, resultSuccess, duration)
		return true
	}

	tm.RecordCall(fn, resultError, duration)
	e.metrics.RecordScriptError(unit.Name(), string(fn))
	e.logger.WithContext(ctx).Warn("script function failed, keeping original value",
		observability.String("script", unit.Name()),
		observability.String("function", string(fn)),
		observability.Duration("duration", duration),
		observability.Error(err),
	)
	return false
}
