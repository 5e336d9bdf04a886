package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vyrodovalexey/avafanout/internal/broadcast"
	"github.com/vyrodovalexey/avafanout/internal/codec"
	"github.com/vyrodovalexey/avafanout/internal/model"
	"github.com/vyrodovalexey/avafanout/internal/observability"
	"github.com/vyrodovalexey/avafanout/internal/selector"
)

// Response headers describing the selection.
const (
	HeaderStrategy = "X-Fanout-Strategy"
	HeaderTarget   = "X-Fanout-Target"
)

// DefaultMaxBodyBytes limits inbound bodies.
const DefaultMaxBodyBytes = 10 << 20

// hopHeaders are headers that are never copied to the client response.
var hopHeaders = []string{
	"connection",
	"proxy-connection",
	"keep-alive",
	"proxy-authenticate",
	"te",
	"trailer",
	"transfer-encoding",
	"upgrade",
	codec.HeaderContentLength,
	codec.HeaderContentEncoding,
}

// Broadcaster dispatches an envelope to every target.
type Broadcaster interface {
	Broadcast(ctx context.Context, env *model.Envelope, meta broadcast.Meta) (*broadcast.Outcome, error)
}

// Handler answers every request with the selected broadcast response.
type Handler struct {
	broadcaster  Broadcaster
	maxBodyBytes int64
	logger       observability.Logger
	metrics      *observability.Metrics
}

// HandlerOption is a functional option for configuring the handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the logger for the handler.
func WithHandlerLogger(logger observability.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithHandlerMetrics sets the metrics collector for the handler.
func WithHandlerMetrics(metrics *observability.Metrics) HandlerOption {
	return func(h *Handler) {
		h.metrics = metrics
	}
}

// WithMaxBodyBytes limits the size of inbound bodies.
func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// NewHandler creates a new Handler.
func NewHandler(b Broadcaster, opts ...HandlerOption) *Handler {
	h := &Handler{
		broadcaster:  b,
		maxBodyBytes: DefaultMaxBodyBytes,
		logger:       observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	logger := h.logger.WithContext(ctx)

	env, meta, err := h.buildEnvelope(w, r)
	if err != nil {
		h.handleError(w, r, start, err)
		return
	}

	outcome, err := h.broadcaster.Broadcast(ctx, env, meta)
	if err != nil {
		h.handleError(w, r, start, newRequestError(StageBroadcast, "failed to broadcast request", err))
		return
	}

	selected := selector.Select(outcome.Aggregate, outcome.Policy)
	status := h.writeSelected(w, selected)

	logger.Debug("broadcast completed",
		observability.String("method", env.Method),
		observability.String("path", env.Path),
		observability.String("strategy", selected.Strategy),
		observability.String("policy_script", outcome.PolicyScript),
		observability.String("selected_target", selected.SelectedTarget),
		observability.Int("status", status),
		observability.Any("targets", outcome.Aggregate),
		observability.Duration("duration", time.Since(start)),
	)
	h.metrics.RecordRequest(r.Method, selected.Strategy, status, time.Since(start))
}

// buildEnvelope converts the inbound request into an envelope and decodes
// its body.
func (h *Handler) buildEnvelope(w http.ResponseWriter, r *http.Request) (*model.Envelope, broadcast.Meta, error) {
	headers := broadcast.FlattenHeaders(r.Header)
	if r.Host != "" {
		headers["host"] = r.Host
	}

	meta := broadcast.Meta{RequestID: observability.RequestIDFromContext(r.Context())}
	if meta.RequestID == "" {
		meta.RequestID = headers[broadcast.HeaderRequestID]
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, meta, newRequestError(StageReadBody, "request body exceeds limit", ErrBodyTooLarge)
		}
		return nil, meta, newRequestError(StageReadBody, "failed to read request body", errors.Join(ErrReadBody, err))
	}
	getProxyMetrics().bodyBytes.WithLabelValues("request").Observe(float64(len(raw)))

	decoded, err := codec.Decode(raw, headers)
	if err != nil {
		return nil, meta, newRequestError(StageDecodeBody, "failed to decode request body", err)
	}
	meta.Gzipped = decoded.Gzipped

	return &model.Envelope{
		Method:      r.Method,
		Path:        r.URL.Path,
		Headers:     headers,
		QueryParams: queryParams(r),
		Body:        decoded.Body,
		RawBody:     decoded.Raw,
	}, meta, nil
}

// queryParams keeps single values as strings and repeated keys as arrays.
func queryParams(r *http.Request) map[string]any {
	values := r.URL.Query()
	params := make(map[string]any, len(values))
	for k, vs := range values {
		if len(vs) == 1 {
			params[k] = vs[0]
			continue
		}
		items := make([]any, len(vs))
		for i, v := range vs {
			items[i] = v
		}
		params[k] = items
	}
	return params
}

// writeSelected writes the selected response and returns the status sent.
func (h *Handler) writeSelected(w http.ResponseWriter, selected model.SelectedResponse) int {
	if selected.Status == 0 {
		return h.writeTargetFailure(w, selected)
	}

	contentType := ""
	for k, v := range selected.Headers {
		if strings.EqualFold(k, codec.HeaderContentType) {
			contentType = v
		}
	}
	body, err := codec.Serialize(selected.Body, codec.IsJSON(contentType))
	if err != nil {
		h.logger.Error("failed to serialize selected response", observability.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal error", err.Error())
		return http.StatusInternalServerError
	}

	header := w.Header()
	for k, v := range codec.StripHeaders(selected.Headers, hopHeaders...) {
		header.Set(k, v)
	}
	if header.Get("Content-Type") == "" && len(body) > 0 {
		if _, isText := selected.Body.(string); isText {
			header.Set("Content-Type", "text/plain; charset=utf-8")
		} else {
			header.Set("Content-Type", "application/json")
		}
	}
	h.setSelectionHeaders(header, selected)

	w.WriteHeader(selected.Status)
	_, _ = w.Write(body)

	getProxyMetrics().bodyBytes.WithLabelValues("response").Observe(float64(len(body)))
	return selected.Status
}

// writeTargetFailure writes a selected target that produced no response.
func (h *Handler) writeTargetFailure(w http.ResponseWriter, selected model.SelectedResponse) int {
	payload := map[string]any{"status": 0}
	if r, ok := selected.Targets.Get(selected.SelectedTarget); ok && r != nil {
		payload["error"] = r.Error
		payload["targetId"] = r.TargetID
	}

	h.setSelectionHeaders(w.Header(), selected)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(payload)
	return http.StatusBadGateway
}

func (h *Handler) setSelectionHeaders(header http.Header, selected model.SelectedResponse) {
	header.Set(HeaderStrategy, selected.Strategy)
	if selected.SelectedTarget == "" {
		return
	}
	header.Set(HeaderTarget, selected.SelectedTarget)
	if r, ok := selected.Targets.Get(selected.SelectedTarget); ok && r != nil {
		getProxyMetrics().selectedHits.WithLabelValues(r.TargetID).Inc()
	}
}

// handleError answers a fatal request failure.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, start time.Time, err error) {
	status, errText, errorType := errorClass(err)

	h.logger.WithContext(r.Context()).Error("request failed",
		observability.String("path", r.URL.Path),
		observability.String("method", r.Method),
		observability.Error(err),
	)
	getProxyMetrics().errorsTotal.WithLabelValues(errorType).Inc()
	h.metrics.RecordRequest(r.Method, "error", status, time.Since(start))

	writeJSONError(w, status, errText, errorMessage(err))
}

func errorMessage(err error) string {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Detail()
	}
	return err.Error()
}

func writeJSONError(w http.ResponseWriter, status int, errText, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errText,
		"message": strings.TrimSpace(message),
	})
}
