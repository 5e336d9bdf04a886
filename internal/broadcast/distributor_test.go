package broadcast

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avafanout/internal/codec"
	"github.com/vyrodovalexey/avafanout/internal/model"
	"github.com/vyrodovalexey/avafanout/internal/script"
)

type staticTargets []model.Target

func (s staticTargets) Snapshot() []model.Target { return s }

func registry(t *testing.T, scripts ...model.Script) *script.Registry {
	t.Helper()

	reg := script.NewRegistry(script.SourceFunc(func(context.Context) ([]model.Script, error) {
		return scripts, nil
	}))
	_, err := reg.Reload(context.Background())
	require.NoError(t, err)
	return reg
}

type captured struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   [][]byte
}

func (c *captured) handler(status int, delay time.Duration, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.requests = append(c.requests, r)
		c.bodies = append(c.bodies, raw)
		c.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func (c *captured) last() (*http.Request, []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.requests)
	return c.requests[n-1], c.bodies[n-1]
}

func TestDistributor_BroadcastAllTargets(t *testing.T) {
	t.Parallel()

	var a, b captured
	srvA := httptest.NewServer(a.handler(200, 0, `{"from":"a"}`))
	defer srvA.Close()
	srvB := httptest.NewServer(b.handler(404, 0, `not json`))
	defer srvB.Close()

	targets := staticTargets{
		{ID: "a", Nickname: "alpha", BaseURL: srvA.URL + "/"},
		{ID: "b", Nickname: "beta", BaseURL: srvB.URL + "/base"},
	}
	d := New(registry(t), targets)

	env := &model.Envelope{
		Method:      http.MethodGet,
		Path:        "/items/1",
		Headers:     map[string]string{"accept": "application/json", "connection": "close", "host": "example.com"},
		QueryParams: map[string]any{"q": "x", "tag": []any{"1", "2"}},
	}
	outcome, err := d.Broadcast(context.Background(), env, Meta{RequestID: "req-7"})
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha", "beta"}, outcome.Aggregate.Keys())
	ra, _ := outcome.Aggregate.Get("alpha")
	assert.Equal(t, 200, ra.Status)
	assert.Equal(t, map[string]any{"from": "a"}, ra.Body)
	assert.Equal(t, "a", ra.TargetID)

	rb, _ := outcome.Aggregate.Get("beta")
	assert.Equal(t, 404, rb.Status)
	assert.Equal(t, "Not Found", rb.StatusText)
	assert.Equal(t, "not json", rb.Body)

	reqA, _ := a.last()
	assert.Equal(t, "/items/1", reqA.URL.Path)
	assert.Equal(t, "q=x&tag=1&tag=2", reqA.URL.RawQuery)
	assert.Equal(t, "req-7", reqA.Header.Get("X-Request-ID"))
	assert.NotEqual(t, "example.com", reqA.Host)

	reqB, _ := b.last()
	assert.Equal(t, "/base/items/1", reqB.URL.Path)
}

func TestDistributor_TimeoutIsolated(t *testing.T) {
	t.Parallel()

	var fast, slow captured
	srvFast := httptest.NewServer(fast.handler(200, 0, `{}`))
	defer srvFast.Close()
	srvSlow := httptest.NewServer(slow.handler(200, 2*time.Second, `{}`))
	defer srvSlow.Close()

	targets := staticTargets{
		{ID: "slow", Nickname: "slow", BaseURL: srvSlow.URL},
		{ID: "fast", Nickname: "fast", BaseURL: srvFast.URL},
		{ID: "down", Nickname: "down", BaseURL: "http://127.0.0.1:1"},
	}
	d := New(registry(t), targets, WithRequestTimeout(100*time.Millisecond))

	outcome, err := d.Broadcast(context.Background(), &model.Envelope{Method: "GET", Path: "/"}, Meta{})
	require.NoError(t, err)
	require.Equal(t, 3, outcome.Aggregate.Len())

	rs, _ := outcome.Aggregate.Get("slow")
	assert.Equal(t, 0, rs.Status)
	assert.Contains(t, rs.Error, "timed out")
	assert.Nil(t, rs.Body)
	assert.GreaterOrEqual(t, rs.ElapsedMs, int64(100))

	rf, _ := outcome.Aggregate.Get("fast")
	assert.Equal(t, 200, rf.Status)

	rd, _ := outcome.Aggregate.Get("down")
	assert.Equal(t, 0, rd.Status)
	assert.NotEmpty(t, rd.Error)
}

func TestDistributor_GzipRoundTrip(t *testing.T) {
	t.Parallel()

	var c captured
	srv := httptest.NewServer(c.handler(200, 0, `{}`))
	defer srv.Close()

	reg := registry(t, model.Script{
		Name:    "add-b",
		Content: `export default { transformBody(body) { body.b = 2; return body; } };`,
	})
	d := New(reg, staticTargets{{ID: "t", BaseURL: srv.URL}})

	inbound, err := codec.Gzip([]byte(`{"a":1}`))
	require.NoError(t, err)
	headers := map[string]string{"content-type": "application/json", "content-encoding": "gzip", "content-length": "999"}
	decoded, err := codec.Decode(inbound, headers)
	require.NoError(t, err)

	env := &model.Envelope{Method: http.MethodPost, Path: "/ingest", Headers: headers, Body: decoded.Body}
	_, err = d.Broadcast(context.Background(), env, Meta{Gzipped: decoded.Gzipped})
	require.NoError(t, err)

	req, raw := c.last()
	assert.Equal(t, "gzip", req.Header.Get("Content-Encoding"))
	assert.Equal(t, int64(len(raw)), req.ContentLength)

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(plain, &got))
	assert.Equal(t, map[string]any{"a": float64(1), "b": float64(2)}, got)
}

func TestDistributor_ForwardsUntouchedBodyVerbatim(t *testing.T) {
	t.Parallel()

	var c captured
	srv := httptest.NewServer(c.handler(200, 0, `{}`))
	defer srv.Close()

	reg := registry(t, model.Script{
		Name:    "headers-only",
		Content: `export default { transformHeaders(h) { h["x-seen"] = "1"; return h; } };`,
	})
	d := New(reg, staticTargets{{ID: "t", BaseURL: srv.URL}})

	inbound := `{"b":1,"a":"x<y&z","id":12345678901234567890}`
	headers := map[string]string{"content-type": "application/json"}
	decoded, err := codec.Decode([]byte(inbound), headers)
	require.NoError(t, err)

	env := &model.Envelope{Method: http.MethodPost, Path: "/", Headers: headers, Body: decoded.Body, RawBody: decoded.Raw}
	_, err = d.Broadcast(context.Background(), env, Meta{})
	require.NoError(t, err)

	req, raw := c.last()
	assert.Equal(t, "1", req.Header.Get("X-Seen"))
	assert.Equal(t, inbound, string(raw))
}

func TestDistributor_TransformedBodyNotHTMLEscaped(t *testing.T) {
	t.Parallel()

	var c captured
	srv := httptest.NewServer(c.handler(200, 0, `{}`))
	defer srv.Close()

	reg := registry(t, model.Script{
		Name:    "wrap",
		Content: `export default { transformBody(body) { return { wrapped: body.a }; } };`,
	})
	d := New(reg, staticTargets{{ID: "t", BaseURL: srv.URL}})

	headers := map[string]string{"content-type": "application/json"}
	decoded, err := codec.Decode([]byte(`{"a":"x<y&z"}`), headers)
	require.NoError(t, err)

	env := &model.Envelope{Method: http.MethodPost, Path: "/", Headers: headers, Body: decoded.Body, RawBody: decoded.Raw}
	_, err = d.Broadcast(context.Background(), env, Meta{})
	require.NoError(t, err)

	_, raw := c.last()
	assert.Equal(t, `{"wrapped":"x<y&z"}`, string(raw))
}

// swappingScripts returns first on the initial Snapshot call and second on
// every later one, as if a reload landed right after the broadcast began.
type swappingScripts struct {
	mu     sync.Mutex
	calls  int
	first  *script.Table
	second *script.Table
}

func (s *swappingScripts) Snapshot() *script.Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls == 1 {
		return s.first
	}
	return s.second
}

func TestDistributor_OneScriptTablePerBroadcast(t *testing.T) {
	t.Parallel()

	var a, b captured
	srvA := httptest.NewServer(a.handler(200, 0, `{}`))
	defer srvA.Close()
	srvB := httptest.NewServer(b.handler(200, 0, `{}`))
	defer srvB.Close()

	oldTable := registry(t, model.Script{
		Name:           "version",
		Content:        `export default { transformHeaders(h) { h["x-version"] = "old"; return h; } };`,
		ResponseConfig: &model.ResponseConfig{Strategy: model.StrategyFirst, Enabled: true},
	}).Snapshot()
	newTable := registry(t, model.Script{
		Name:           "version",
		Content:        `export default { transformHeaders(h) { h["x-version"] = "new"; return h; } };`,
		ResponseConfig: &model.ResponseConfig{Strategy: model.StrategyAll, Enabled: true},
	}).Snapshot()

	scripts := &swappingScripts{first: oldTable, second: newTable}
	d := New(scripts, staticTargets{
		{ID: "a", BaseURL: srvA.URL},
		{ID: "b", BaseURL: srvB.URL},
	})

	outcome, err := d.Broadcast(context.Background(), &model.Envelope{Method: "GET", Path: "/"}, Meta{})
	require.NoError(t, err)

	assert.Equal(t, 1, scripts.calls)
	assert.Equal(t, model.StrategyFirst, outcome.Policy.Strategy)
	reqA, _ := a.last()
	reqB, _ := b.last()
	assert.Equal(t, "old", reqA.Header.Get("X-Version"))
	assert.Equal(t, "old", reqB.Header.Get("X-Version"))
}

func TestDistributor_PathPatternAndTags(t *testing.T) {
	t.Parallel()

	var eu, us captured
	srvEU := httptest.NewServer(eu.handler(200, 0, `{}`))
	defer srvEU.Close()
	srvUS := httptest.NewServer(us.handler(200, 0, `{}`))
	defer srvUS.Close()

	reg := registry(t,
		model.Script{
			Name:        "track",
			PathPattern: "^/track/.*",
			Content:     `export default { transformHeaders(h, m) { h["x-region"] = m.region; return h; } };`,
		},
		model.Script{
			Name:    "eu-only",
			Tags:    []string{"eu"},
			Content: `export default { transformHeaders(h) { h["x-eu"] = "1"; return h; } };`,
		},
	)
	targets := staticTargets{
		{ID: "eu", BaseURL: srvEU.URL, Tags: []string{"eu"}, Metadata: map[string]any{"region": "eu-west"}},
		{ID: "us", BaseURL: srvUS.URL, Tags: []string{"us"}, Metadata: map[string]any{"region": "us-east"}},
	}
	d := New(reg, targets)

	_, err := d.Broadcast(context.Background(), &model.Envelope{Method: "GET", Path: "/track/x"}, Meta{})
	require.NoError(t, err)

	reqEU, _ := eu.last()
	assert.Equal(t, "eu-west", reqEU.Header.Get("X-Region"))
	assert.Equal(t, "1", reqEU.Header.Get("X-Eu"))
	reqUS, _ := us.last()
	assert.Equal(t, "us-east", reqUS.Header.Get("X-Region"))
	assert.Empty(t, reqUS.Header.Get("X-Eu"))

	_, err = d.Broadcast(context.Background(), &model.Envelope{Method: "GET", Path: "/other"}, Meta{})
	require.NoError(t, err)

	reqEU, _ = eu.last()
	assert.Empty(t, reqEU.Header.Get("X-Region"))
	assert.Equal(t, "1", reqEU.Header.Get("X-Eu"))
}

func TestDistributor_ElapsedOrdering(t *testing.T) {
	t.Parallel()

	var fast, slow captured
	srvFast := httptest.NewServer(fast.handler(200, 50*time.Millisecond, `{}`))
	defer srvFast.Close()
	srvSlow := httptest.NewServer(slow.handler(200, 400*time.Millisecond, `{}`))
	defer srvSlow.Close()

	d := New(registry(t), staticTargets{
		{ID: "slow", Nickname: "slow", BaseURL: srvSlow.URL},
		{ID: "fast", Nickname: "fast", BaseURL: srvFast.URL},
	})

	outcome, err := d.Broadcast(context.Background(), &model.Envelope{Method: "GET", Path: "/"}, Meta{})
	require.NoError(t, err)

	rs, _ := outcome.Aggregate.Get("slow")
	rf, _ := outcome.Aggregate.Get("fast")
	assert.Less(t, rf.ElapsedMs, rs.ElapsedMs)
}

func TestDistributor_PolicyAndNoTargets(t *testing.T) {
	t.Parallel()

	reg := registry(t, model.Script{
		Name:           "policy",
		Content:        `export default {};`,
		ResponseConfig: &model.ResponseConfig{Strategy: model.StrategyFirst, Enabled: true},
	})
	d := New(reg, staticTargets{})

	outcome, err := d.Broadcast(context.Background(), &model.Envelope{Method: "GET", Path: "/"}, Meta{})
	require.NoError(t, err)
	assert.Equal(t, 0, outcome.Aggregate.Len())
	require.NotNil(t, outcome.Policy)
	assert.Equal(t, model.StrategyFirst, outcome.Policy.Strategy)
	assert.Equal(t, "policy", outcome.PolicyScript)

	_, err = d.Broadcast(context.Background(), nil, Meta{})
	assert.ErrorIs(t, err, ErrNilEnvelope)
}

func TestDistributor_BodyOnlyForBodyMethods(t *testing.T) {
	t.Parallel()

	var c captured
	srv := httptest.NewServer(c.handler(200, 0, `{}`))
	defer srv.Close()

	d := New(registry(t), staticTargets{{ID: "t", BaseURL: srv.URL}})

	_, err := d.Broadcast(context.Background(), &model.Envelope{
		Method: http.MethodGet, Path: "/", Body: map[string]any{"a": 1},
	}, Meta{})
	require.NoError(t, err)
	_, raw := c.last()
	assert.Empty(t, raw)

	_, err = d.Broadcast(context.Background(), &model.Envelope{
		Method: http.MethodPut, Path: "/", Body: "plain",
		Headers: map[string]string{"content-type": "text/plain"},
	}, Meta{})
	require.NoError(t, err)
	req, raw := c.last()
	assert.Equal(t, "plain", string(raw))
	assert.Equal(t, int64(5), req.ContentLength)
	assert.Empty(t, req.Header.Get("Content-Encoding"))
}

func TestDistributor_CircuitBreakerOpens(t *testing.T) {
	t.Parallel()

	var c captured
	srv := httptest.NewServer(c.handler(500, 0, `{}`))
	defer srv.Close()

	breakers := NewBreakers(BreakerConfig{Enabled: true, Threshold: 2, Timeout: time.Minute}, nil, nil)
	d := New(registry(t), staticTargets{{ID: "t", BaseURL: srv.URL}}, WithBreakers(breakers))

	for i := 0; i < 2; i++ {
		outcome, err := d.Broadcast(context.Background(), &model.Envelope{Method: "GET", Path: "/"}, Meta{})
		require.NoError(t, err)
		_, r, _ := outcome.Aggregate.First()
		assert.Equal(t, 500, r.Status)
	}

	outcome, err := d.Broadcast(context.Background(), &model.Envelope{Method: "GET", Path: "/"}, Meta{})
	require.NoError(t, err)
	_, r, _ := outcome.Aggregate.First()
	assert.Equal(t, 0, r.Status)
	assert.Contains(t, r.Error, ErrCircuitOpen.Error())
}

func TestBuildURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		base    string
		path    string
		params  map[string]any
		want    string
		wantErr bool
	}{
		{name: "trailing and leading slash", base: "http://h/", path: "/a", want: "http://h/a"},
		{name: "base path", base: "http://h/api", path: "a/b", want: "http://h/api/a/b"},
		{name: "root", base: "http://h", path: "/", want: "http://h/"},
		{name: "query", base: "http://h", path: "/s", params: map[string]any{"b": "2", "a": []any{"x", "y"}}, want: "http://h/s?a=x&a=y&b=2"},
		{name: "not absolute", base: "h", path: "/s", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := BuildURL(tt.base, tt.path, tt.params)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTargetURL)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFlattenHeaders(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Add("Set-Cookie", "a=1")
	h.Add("Set-Cookie", "b=2")
	h.Set("X-Thing", "v")

	assert.Equal(t, map[string]string{"set-cookie": "a=1, b=2", "x-thing": "v"}, FlattenHeaders(h))
}

func TestDispatchError(t *testing.T) {
	t.Parallel()

	err := &DispatchError{Target: "t", URL: "http://h", Cause: ErrTargetTimeout}
	assert.ErrorIs(t, err, ErrTargetTimeout)
	assert.Contains(t, err.Error(), "http://h")
}
