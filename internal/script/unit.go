package script

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/vyrodovalexey/avafanout/internal/model"
	"github.com/vyrodovalexey/avafanout/internal/observability"
)

// Unit is a compiled, immutable script ready to be applied to envelopes.
type Unit struct {
	script      model.Script
	sandbox     *Sandbox
	pattern     *regexp2.Regexp
	fingerprint string
}

// NewUnit compiles a script and its path pattern.
func NewUnit(s model.Script, timeout time.Duration, logger observability.Logger) (*Unit, error) {
	var pattern *regexp2.Regexp
	if s.PathPattern != "" {
		re, err := regexp2.Compile(s.PathPattern, regexp2.ECMAScript)
		if err != nil {
			return nil, &Error{Script: s.Name, Cause: fmt.Errorf("%w: %w", ErrInvalidPathPattern, err)}
		}
		re.MatchTimeout = timeout
		pattern = re
	}

	sandbox, err := Compile(s.Name, s.Content, timeout, logger)
	if err != nil {
		return nil, err
	}

	return &Unit{
		script:      s,
		sandbox:     sandbox,
		pattern:     pattern,
		fingerprint: Fingerprint(s),
	}, nil
}

// Fingerprint identifies the compiled form of a script. Two scripts with the
// same fingerprint share behavior; metadata such as tags may still differ.
func Fingerprint(s model.Script) string {
	h := sha256.New()
	h.Write([]byte(s.PathPattern))
	h.Write([]byte{0})
	h.Write([]byte(s.Content))
	return hex.EncodeToString(h.Sum(nil))
}

// withScript returns a unit sharing the compiled sandbox but carrying the
// updated script definition.
func (u *Unit) withScript(s model.Script) *Unit {
	return &Unit{
		script:      s,
		sandbox:     u.sandbox,
		pattern:     u.pattern,
		fingerprint: u.fingerprint,
	}
}

// Name returns the script name.
func (u *Unit) Name() string {
	return u.script.Name
}

// Script returns the definition the unit was built from.
func (u *Unit) Script() model.Script {
	return u.script
}

// Tags returns the script tags.
func (u *Unit) Tags() []string {
	return u.script.Tags
}

// ResponseConfig returns the declared response policy, if any.
func (u *Unit) ResponseConfig() *model.ResponseConfig {
	return u.script.ResponseConfig
}

// AppliesToTags reports whether the unit applies to a target with targetTags.
func (u *Unit) AppliesToTags(targetTags []string) bool {
	return u.script.AppliesToTags(targetTags)
}

// MatchPath reports whether the path pattern is empty or found anywhere in
// path. A pattern that fails to evaluate does not match.
func (u *Unit) MatchPath(path string) bool {
	if u.pattern == nil {
		return true
	}
	ok, err := u.pattern.MatchString(path)
	return err == nil && ok
}

// Has reports whether the script exports fn.
func (u *Unit) Has(fn Function) bool {
	return u.sandbox.Has(fn)
}

// CallHeaders runs transformHeaders.
func (u *Unit) CallHeaders(ctx context.Context, headers map[string]string, metadata map[string]any) (map[string]string, error) {
	out, err := u.sandbox.Call(ctx, FuncHeaders, headers, metadata)
	if err != nil {
		return nil, err
	}
	obj, ok := out.(map[string]any)
	if !ok {
		return nil, &Error{Script: u.Name(), Function: FuncHeaders, Cause: ErrUnexpectedResult}
	}
	result := make(map[string]string, len(obj))
	for k, v := range obj {
		if v == nil {
			continue
		}
		result[strings.ToLower(k)] = Stringify(v)
	}
	return result, nil
}

// CallParams runs transformParams. Scalar values are stringified; arrays keep
// their items as strings.
func (u *Unit) CallParams(ctx context.Context, params map[string]any, metadata map[string]any) (map[string]any, error) {
	out, err := u.sandbox.Call(ctx, FuncParams, params, metadata)
	if err != nil {
		return nil, err
	}
	obj, ok := out.(map[string]any)
	if !ok {
		return nil, &Error{Script: u.Name(), Function: FuncParams, Cause: ErrUnexpectedResult}
	}
	result := make(map[string]any, len(obj))
	for k, v := range obj {
		switch t := v.(type) {
		case nil:
		case []any:
			items := make([]any, 0, len(t))
			for _, item := range t {
				if item != nil {
					items = append(items, Stringify(item))
				}
			}
			result[k] = items
		default:
			result[k] = Stringify(t)
		}
	}
	return result, nil
}

// CallBody runs transformBody. A null result clears the body.
func (u *Unit) CallBody(ctx context.Context, body any, metadata map[string]any) (any, error) {
	return u.sandbox.Call(ctx, FuncBody, body, metadata)
}

// Stringify renders a scalar exported from JS the way JS String() would for
// the common cases.
func Stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case int64:
		return fmt.Sprintf("%d", t)
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
