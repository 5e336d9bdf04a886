package model

import "strings"

// Envelope is the per-request view handed to transformation scripts. It is
// never mutated in place; transformations produce a new envelope.
type Envelope struct {
	Method      string
	Path        string
	Headers     map[string]string
	QueryParams map[string]any
	Body        any
	// RawBody is the inbound payload Body was decoded from, sent unchanged
	// while no script has replaced Body.
	RawBody []byte
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	return &Envelope{
		Method:      e.Method,
		Path:        e.Path,
		Headers:     CloneStringMap(e.Headers),
		QueryParams: CloneMap(e.QueryParams),
		Body:        CloneValue(e.Body),
		RawBody:     cloneBytes(e.RawBody),
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Header returns the value of a header, matching the name case-insensitively.
func (e *Envelope) Header(name string) string {
	if v, ok := e.Headers[strings.ToLower(name)]; ok {
		return v
	}
	for k, v := range e.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// CloneStringMap copies a string map. A nil map yields an empty one.
func CloneStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CloneMap deep-copies a JSON-like object. A nil map yields an empty one.
func CloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies JSON-like values (maps, slices and scalars).
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case map[string]string:
		return CloneStringMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = CloneValue(item)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	case []byte:
		out := make([]byte, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}
