package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avafanout/internal/broadcast"
	"github.com/vyrodovalexey/avafanout/internal/codec"
	"github.com/vyrodovalexey/avafanout/internal/model"
	"github.com/vyrodovalexey/avafanout/internal/observability"
	"github.com/vyrodovalexey/avafanout/internal/script"
)

type fakeBroadcaster struct {
	mu      sync.Mutex
	outcome *broadcast.Outcome
	err     error
	env     *model.Envelope
	meta    broadcast.Meta
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, env *model.Envelope, meta broadcast.Meta) (*broadcast.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.env, f.meta = env, meta
	return f.outcome, f.err
}

func outcomeOf(policy *model.ResponseConfig, entries ...*model.TargetResult) *broadcast.Outcome {
	agg := model.NewAggregate(len(entries))
	for _, r := range entries {
		agg.Add(model.Target{ID: r.TargetID, Nickname: r.TargetID, BaseURL: "http://" + r.TargetID}, r)
	}
	return &broadcast.Outcome{Aggregate: agg, Policy: policy}
}

func TestHandler_BuildsEnvelope(t *testing.T) {
	t.Parallel()

	fb := &fakeBroadcaster{outcome: outcomeOf(nil)}
	h := NewHandler(fb)

	req := httptest.NewRequest(http.MethodPost, "/orders/7?page=2&tag=a&tag=b", strings.NewReader(`{"qty":3}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Add("X-Multi", "1")
	req.Header.Add("X-Multi", "2")
	req.Header.Set("X-Request-ID", "rid-1")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.NotNil(t, fb.env)
	assert.Equal(t, http.MethodPost, fb.env.Method)
	assert.Equal(t, "/orders/7", fb.env.Path)
	assert.Equal(t, "1, 2", fb.env.Headers["x-multi"])
	assert.Equal(t, "application/json", fb.env.Headers["content-type"])
	assert.Equal(t, "2", fb.env.QueryParams["page"])
	assert.Equal(t, []any{"a", "b"}, fb.env.QueryParams["tag"])
	assert.Equal(t, map[string]any{"qty": json.Number("3")}, fb.env.Body)
	assert.Equal(t, `{"qty":3}`, string(fb.env.RawBody))
	assert.Equal(t, "rid-1", fb.meta.RequestID)
	assert.False(t, fb.meta.Gzipped)
}

func TestHandler_GzipBody(t *testing.T) {
	t.Parallel()

	fb := &fakeBroadcaster{outcome: outcomeOf(nil)}
	h := NewHandler(fb)

	payload, err := codec.Gzip([]byte(`{"a":1}`))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.True(t, fb.meta.Gzipped)
	assert.Equal(t, map[string]any{"a": json.Number("1")}, fb.env.Body)
	assert.Equal(t, `{"a":1}`, string(fb.env.RawBody))
}

func TestHandler_MalformedJSON(t *testing.T) {
	t.Parallel()

	fb := &fakeBroadcaster{outcome: outcomeOf(nil)}
	h := NewHandler(fb)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal error", body["error"])
	assert.Contains(t, body["message"], "malformed JSON")
	assert.Nil(t, fb.env)
}

func TestHandler_BodyTooLarge(t *testing.T) {
	t.Parallel()

	h := NewHandler(&fakeBroadcaster{outcome: outcomeOf(nil)}, WithMaxBodyBytes(4))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789")))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHandler_BroadcastError(t *testing.T) {
	t.Parallel()

	h := NewHandler(&fakeBroadcaster{err: errors.New("boom")})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "boom")
}

func TestHandler_WritesSelected(t *testing.T) {
	t.Parallel()

	fb := &fakeBroadcaster{outcome: outcomeOf(nil,
		&model.TargetResult{
			Status: 201, TargetID: "a",
			Headers: map[string]string{"x-backend": "a", "content-length": "999", "connection": "close"},
			Body:    map[string]any{"ok": true},
		},
	)}
	h := NewHandler(fb)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, 201, rec.Code)
	assert.Equal(t, "a", rec.Header().Get("X-Backend"))
	assert.Equal(t, "default", rec.Header().Get(HeaderStrategy))
	assert.Equal(t, "a", rec.Header().Get(HeaderTarget))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Header().Get("Connection"))
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestHandler_TextBodyVerbatim(t *testing.T) {
	t.Parallel()

	fb := &fakeBroadcaster{outcome: outcomeOf(nil,
		&model.TargetResult{Status: 200, TargetID: "a", Headers: map[string]string{"content-type": "text/html"}, Body: "<p>hi</p>"},
	)}

	rec := httptest.NewRecorder()
	NewHandler(fb).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "<p>hi</p>", rec.Body.String())
	assert.Equal(t, "text/html", rec.Header().Get("Content-Type"))
}

func TestHandler_JSONStringBodyQuoted(t *testing.T) {
	t.Parallel()

	fb := &fakeBroadcaster{outcome: outcomeOf(nil,
		&model.TargetResult{Status: 200, TargetID: "a", Headers: map[string]string{"Content-Type": "application/json"}, Body: "hello"},
	)}

	rec := httptest.NewRecorder()
	NewHandler(fb).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, `"hello"`, rec.Body.String())
}

func TestHandler_FailedTargetWrittenAs502(t *testing.T) {
	t.Parallel()

	fb := &fakeBroadcaster{outcome: outcomeOf(nil,
		&model.TargetResult{Status: 0, TargetID: "a", Error: "connection refused"},
	)}

	rec := httptest.NewRecorder()
	NewHandler(fb).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `{"error":"connection refused","targetId":"a","status":0}`, rec.Body.String())
}

func TestHandler_NoTargets(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	NewHandler(&fakeBroadcaster{outcome: outcomeOf(nil)}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"No target responses available"}`, rec.Body.String())
}

func TestHandler_AllStrategy(t *testing.T) {
	t.Parallel()

	fb := &fakeBroadcaster{outcome: outcomeOf(
		&model.ResponseConfig{Strategy: model.StrategyAll, Enabled: true},
		&model.TargetResult{Status: 200, TargetID: "b", Body: "x"},
		&model.TargetResult{Status: 0, TargetID: "a", Error: "down"},
	)}

	rec := httptest.NewRecorder()
	NewHandler(fb).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "all", rec.Header().Get(HeaderStrategy))
	assert.True(t, strings.HasPrefix(rec.Body.String(), `{"b":`))
	assert.Contains(t, rec.Body.String(), `"error":"down"`)
}

// TestHandler_EndToEnd wires a real distributor, registry and target servers.
func TestHandler_EndToEnd(t *testing.T) {
	t.Parallel()

	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"who":"fast","seen":"`+r.Header.Get("X-Seen")+`"}`)
	}))
	defer fast.Close()
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(400 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"who":"slow"}`)
	}))
	defer slow.Close()

	reg := script.NewRegistry(script.SourceFunc(func(context.Context) ([]model.Script, error) {
		return []model.Script{{
			Name:           "first",
			Content:        `export default { transformHeaders(h) { h["x-seen"] = "yes"; return h; } };`,
			ResponseConfig: &model.ResponseConfig{Strategy: model.StrategyFirst, Enabled: true},
		}}, nil
	}))
	_, err := reg.Reload(context.Background())
	require.NoError(t, err)

	targets := staticTargets{
		{ID: "slow", Nickname: "slow", BaseURL: slow.URL},
		{ID: "fast", Nickname: "fast", BaseURL: fast.URL},
	}
	metrics := observability.NewMetrics("fanout")
	d := broadcast.New(reg, targets, broadcast.WithMetrics(metrics))
	h := NewHandler(d, WithHandlerMetrics(metrics))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/any/path", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "first", rec.Header().Get(HeaderStrategy))
	assert.Equal(t, "fast", rec.Header().Get(HeaderTarget))
	assert.JSONEq(t, `{"who":"fast","seen":"yes"}`, rec.Body.String())
}

type staticTargets []model.Target

func (s staticTargets) Snapshot() []model.Target { return s }
