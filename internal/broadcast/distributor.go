// Package broadcast dispatches one transformed copy of an inbound request to
// every configured target concurrently and collects the results.
package broadcast

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avafanout/internal/codec"
	"github.com/vyrodovalexey/avafanout/internal/model"
	"github.com/vyrodovalexey/avafanout/internal/observability"
	"github.com/vyrodovalexey/avafanout/internal/script"
	"github.com/vyrodovalexey/avafanout/internal/transform"
)

var broadcastTracer = otel.Tracer("avafanout/broadcast")

// Defaults.
const (
	DefaultRequestTimeout   = 30 * time.Second
	DefaultMaxResponseBytes = 10 << 20
)

// HeaderRequestID carries the inbound request id to every target.
const HeaderRequestID = "x-request-id"

// nonForwardable lists headers never copied to an outbound request.
var nonForwardable = []string{
	"host", "connection", "keep-alive", "transfer-encoding", "upgrade",
	codec.HeaderContentLength, codec.HeaderContentEncoding,
}

// responseDropped lists target response headers not kept in results.
var responseDropped = []string{
	"connection", "keep-alive", "transfer-encoding", "upgrade",
	codec.HeaderContentLength, codec.HeaderContentEncoding,
}

// Scripts provides the active script table. One table is used for a whole
// broadcast.
type Scripts interface {
	Snapshot() *script.Table
}

// Targets provides the current target list.
type Targets interface {
	Snapshot() []model.Target
}

// Meta describes the inbound request beyond its envelope.
type Meta struct {
	// Gzipped reports whether the inbound body was gzip-encoded; outbound
	// bodies keep that encoding.
	Gzipped   bool
	RequestID string
}

// Outcome is everything the response selector needs.
type Outcome struct {
	Aggregate    *model.Aggregate
	Policy       *model.ResponseConfig
	PolicyScript string
	StartedAt    time.Time
}

// Distributor fans requests out to targets.
type Distributor struct {
	scripts          Scripts
	targets          Targets
	engine           *transform.Engine
	client           *http.Client
	breakers         *Breakers
	requestTimeout   time.Duration
	maxResponseBytes int64
	logger           observability.Logger
	metrics          *observability.Metrics
}

// Option is a functional option for configuring the distributor.
type Option func(*Distributor)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(d *Distributor) {
		d.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(d *Distributor) {
		d.metrics = metrics
	}
}

// WithEngine sets the transformation engine.
func WithEngine(engine *transform.Engine) Option {
	return func(d *Distributor) {
		d.engine = engine
	}
}

// WithClient sets the outbound HTTP client.
func WithClient(client *http.Client) Option {
	return func(d *Distributor) {
		d.client = client
	}
}

// WithBreakers enables per-target circuit breakers.
func WithBreakers(breakers *Breakers) Option {
	return func(d *Distributor) {
		d.breakers = breakers
	}
}

// WithRequestTimeout bounds each outbound call.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(d *Distributor) {
		if timeout > 0 {
			d.requestTimeout = timeout
		}
	}
}

// WithMaxResponseBytes limits how much of each target response is read.
func WithMaxResponseBytes(n int64) Option {
	return func(d *Distributor) {
		if n > 0 {
			d.maxResponseBytes = n
		}
	}
}

// New creates a distributor.
func New(scripts Scripts, targets Targets, opts ...Option) *Distributor {
	d := &Distributor{
		scripts:          scripts,
		targets:          targets,
		requestTimeout:   DefaultRequestTimeout,
		maxResponseBytes: DefaultMaxResponseBytes,
		logger:           observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.engine == nil {
		d.engine = transform.NewEngine(transform.WithEngineLogger(d.logger), transform.WithEngineMetrics(d.metrics))
	}
	if d.client == nil {
		d.client = NewClient(DefaultPoolConfig())
	}
	return d
}

// Broadcast dispatches env to every target and waits for all of them to
// settle. Target failures become results with status 0; they never fail the
// broadcast or cancel other targets.
func (d *Distributor) Broadcast(ctx context.Context, env *model.Envelope, meta Meta) (*Outcome, error) {
	if env == nil {
		return nil, ErrNilEnvelope
	}

	targets := d.targets.Snapshot()
	table := d.scripts.Snapshot()
	start := time.Now()
	policy, policyScript := table.PolicyForPath(env.Path)

	results := make([]*model.TargetResult, len(targets))
	var wg sync.WaitGroup
	for i := range targets {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = d.dispatchSafe(ctx, start, table, env, targets[i], meta)
		}(i)
	}
	wg.Wait()

	agg := model.NewAggregate(len(targets))
	for i, t := range targets {
		agg.Add(t, results[i])
	}

	return &Outcome{
		Aggregate:    agg,
		Policy:       policy,
		PolicyScript: policyScript,
		StartedAt:    start,
	}, nil
}

// dispatchSafe converts a panic in one target's pipeline into a failed
// result.
func (d *Distributor) dispatchSafe(
	ctx context.Context,
	start time.Time,
	table *script.Table,
	env *model.Envelope,
	t model.Target,
	meta Meta,
) (result *model.TargetResult) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithContext(ctx).Error("panic while dispatching to target",
				observability.String("target", t.ID),
				observability.Any("panic", r),
			)
			result = failure(t, fmt.Errorf("panic: %v", r))
			result.ElapsedMs = time.Since(start).Milliseconds()
		}
	}()
	return d.dispatch(ctx, start, table, env, t, meta)
}

func (d *Distributor) dispatch(
	ctx context.Context,
	start time.Time,
	table *script.Table,
	env *model.Envelope,
	t model.Target,
	meta Meta,
) *model.TargetResult {
	ctx, span := broadcastTracer.Start(ctx, "broadcast.dispatch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("fanout.target.id", t.ID),
			attribute.String("http.request.method", env.Method),
		),
	)
	defer span.End()

	units := table.Matching(t.Tags, env.Path)
	transformed, _ := d.engine.Apply(ctx, env, units, t.Metadata)

	result := d.send(ctx, t, transformed, meta)
	result.TargetID = t.ID
	result.ElapsedMs = time.Since(start).Milliseconds()

	outcome := observability.OutcomeSuccess
	switch {
	case result.Status == 0:
		outcome = observability.OutcomeFailure
		span.SetStatus(codes.Error, result.Error)
		d.logger.WithContext(ctx).Warn("target dispatch failed",
			observability.String("target", t.ID),
			observability.String("url", t.BaseURL),
			observability.Int64("elapsed_ms", result.ElapsedMs),
			observability.String("error", result.Error),
		)
	case !result.Succeeded():
		outcome = observability.OutcomeHTTPErr
	}
	span.SetAttributes(
		attribute.Int("http.response.status_code", result.Status),
		attribute.Int("fanout.scripts", len(units)),
	)
	d.metrics.RecordTarget(t.ID, outcome, time.Duration(result.ElapsedMs)*time.Millisecond)

	return result
}

// send builds and issues the outbound request under the request timeout.
func (d *Distributor) send(ctx context.Context, t model.Target, env *model.Envelope, meta Meta) *model.TargetResult {
	target, err := BuildURL(t.BaseURL, env.Path, env.QueryParams)
	if err != nil {
		return failure(t, &DispatchError{Target: t.ID, Cause: err})
	}

	ctx, cancel := context.WithTimeout(ctx, d.requestTimeout)
	defer cancel()

	req, err := d.newRequest(ctx, target, env, meta)
	if err != nil {
		return failure(t, &DispatchError{Target: t.ID, URL: target, Cause: err})
	}

	out, err := d.breakers.Execute(t.ID, func() (any, error) {
		return d.do(req)
	})
	if result, ok := out.(*model.TargetResult); ok && (err == nil || errors.Is(err, errUpstreamStatus)) {
		return result
	}

	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		err = fmt.Errorf("%w after %s", ErrTargetTimeout, d.requestTimeout)
	}
	return failure(t, &DispatchError{Target: t.ID, URL: target, Cause: err})
}

func (d *Distributor) newRequest(ctx context.Context, target string, env *model.Envelope, meta Meta) (*http.Request, error) {
	headers := codec.StripHeaders(env.Headers, nonForwardable...)

	var body io.Reader
	if hasBody(env.Method) && env.Body != nil {
		payload, encoded, err := codec.Encode(env.Body, env.RawBody, meta.Gzipped, headers)
		if err != nil {
			return nil, err
		}
		headers = encoded
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, env.Method, target, body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		if strings.EqualFold(k, codec.HeaderContentLength) {
			continue
		}
		req.Header.Set(k, v)
	}
	if meta.RequestID != "" && req.Header.Get(HeaderRequestID) == "" {
		req.Header.Set(HeaderRequestID, meta.RequestID)
	}
	observability.InjectTraceContext(ctx, req.Header)
	return req, nil
}

// do performs the request and reads the whole response. A 5xx answer is
// returned together with errUpstreamStatus so breakers count it.
func (d *Distributor) do(req *http.Request) (any, error) {
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, d.maxResponseBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > d.maxResponseBytes {
		return nil, ErrResponseTooLarge
	}

	contentType := resp.Header.Get("Content-Type")
	body, err := codec.DecodeResponse(raw, contentType, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, err
	}

	result := &model.TargetResult{
		Status:     resp.StatusCode,
		StatusText: statusText(resp),
		Headers:    codec.StripHeaders(FlattenHeaders(resp.Header), responseDropped...),
		Body:       body,
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return result, errUpstreamStatus
	}
	return result, nil
}

func failure(t model.Target, err error) *model.TargetResult {
	return &model.TargetResult{
		Status:   0,
		Headers:  map[string]string{},
		TargetID: t.ID,
		Error:    err.Error(),
	}
}

func statusText(resp *http.Response) string {
	text := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode))
	text = strings.TrimSpace(text)
	if text == "" {
		return http.StatusText(resp.StatusCode)
	}
	return text
}

func hasBody(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// BuildURL joins a target base URL with a request path and rebuilds the
// query string from params. Exactly one slash separates base and path.
func BuildURL(baseURL, path string, params map[string]any) (string, error) {
	base := strings.TrimRight(baseURL, "/")
	joined := base
	if path != "" {
		joined = base + "/" + strings.TrimLeft(path, "/")
	}

	u, err := url.Parse(joined)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidTargetURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidTargetURL, baseURL)
	}
	u.RawQuery = EncodeQuery(params)
	return u.String(), nil
}

// EncodeQuery renders query params in key order. Array values repeat the key.
func EncodeQuery(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := url.Values{}
	for _, k := range keys {
		switch v := params[k].(type) {
		case nil:
		case []any:
			for _, item := range v {
				if item != nil {
					values.Add(k, script.Stringify(item))
				}
			}
		case []string:
			for _, item := range v {
				values.Add(k, item)
			}
		default:
			values.Add(k, script.Stringify(v))
		}
	}
	return values.Encode()
}

// FlattenHeaders converts HTTP headers to lower-case keys with repeated
// values joined by ", ".
func FlattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}
