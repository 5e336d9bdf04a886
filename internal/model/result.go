package model

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strconv"
)

// TargetResult is the outcome of dispatching one envelope to one target.
// A Status of zero means no HTTP response was received.
type TargetResult struct {
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers"`
	Body       any               `json:"body"`
	TargetID   string            `json:"targetId"`
	Error      string            `json:"error,omitempty"`
	ElapsedMs  int64             `json:"elapsedMs"`
}

// Succeeded reports whether the target answered with a 2xx status.
func (r *TargetResult) Succeeded() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Aggregate maps a display key to each target's result, preserving target
// configuration order. Every configured target has exactly one entry.
type Aggregate struct {
	keys    []string
	results map[string]*TargetResult
}

// NewAggregate creates an empty aggregate sized for n targets.
func NewAggregate(n int) *Aggregate {
	return &Aggregate{
		keys:    make([]string, 0, n),
		results: make(map[string]*TargetResult, n),
	}
}

// Add stores the result for target t and returns the key used. The key is the
// nickname, falling back to the base URL hostname on collision and finally to
// hostname#id.
func (a *Aggregate) Add(t Target, result *TargetResult) string {
	key := a.keyFor(t)
	a.keys = append(a.keys, key)
	a.results[key] = result
	return key
}

func (a *Aggregate) keyFor(t Target) string {
	host := hostname(t.BaseURL)
	candidates := []string{t.Nickname, host, host + "#" + t.ID}
	for _, c := range candidates {
		if c == "" || c == "#" {
			continue
		}
		if _, taken := a.results[c]; !taken {
			return c
		}
	}
	base := host + "#" + t.ID
	for i := 2; ; i++ {
		c := base + "-" + strconv.Itoa(i)
		if _, taken := a.results[c]; !taken {
			return c
		}
	}
}

func hostname(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Hostname() == "" {
		return baseURL
	}
	return u.Hostname()
}

// Len returns the number of entries.
func (a *Aggregate) Len() int {
	if a == nil {
		return 0
	}
	return len(a.keys)
}

// Keys returns the keys in aggregation order.
func (a *Aggregate) Keys() []string {
	if a == nil {
		return nil
	}
	out := make([]string, len(a.keys))
	copy(out, a.keys)
	return out
}

// Get returns the result stored under key.
func (a *Aggregate) Get(key string) (*TargetResult, bool) {
	if a == nil {
		return nil, false
	}
	r, ok := a.results[key]
	return r, ok
}

// First returns the first entry in aggregation order.
func (a *Aggregate) First() (string, *TargetResult, bool) {
	if a.Len() == 0 {
		return "", nil, false
	}
	key := a.keys[0]
	return key, a.results[key], true
}

// Last returns the last entry in aggregation order.
func (a *Aggregate) Last() (string, *TargetResult, bool) {
	if a.Len() == 0 {
		return "", nil, false
	}
	key := a.keys[len(a.keys)-1]
	return key, a.results[key], true
}

// Each calls fn for every entry in aggregation order until fn returns false.
func (a *Aggregate) Each(fn func(key string, r *TargetResult) bool) {
	if a == nil {
		return
	}
	for _, key := range a.keys {
		if !fn(key, a.results[key]) {
			return
		}
	}
}

// MarshalJSON encodes the aggregate as an object whose keys keep
// aggregation order.
func (a *Aggregate) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range a.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(a.results[key])
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// SelectedResponse is the single response chosen for the client.
type SelectedResponse struct {
	Status         int
	StatusText     string
	Headers        map[string]string
	Body           any
	Strategy       string
	SelectedTarget string
	// Targets carries the full aggregate for observability.
	Targets *Aggregate
}
