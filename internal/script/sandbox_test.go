package script

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const addFieldScript = `export default {
  transformBody(body, meta) {
    body.b = 2;
    body.region = meta.region;
    return body;
  },
  transformHeaders(headers) {
    headers["x-added"] = "yes";
    return headers;
  }
};`

func TestCompile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		source  string
		wantErr error
		exports []Function
	}{
		{
			name:    "export default object",
			source:  addFieldScript,
			exports: []Function{FuncBody, FuncHeaders},
		},
		{
			name:    "module.exports",
			source:  `module.exports = { transformParams: function(p) { return p; } };`,
			exports: []Function{FuncParams},
		},
		{
			name:    "default property",
			source:  `module.exports = { default: { transformBody: (b) => b } };`,
			exports: []Function{FuncBody},
		},
		{
			name:    "unknown exports ignored",
			source:  `export default { other() { return 1; } };`,
			exports: nil,
		},
		{
			name:    "syntax error",
			source:  `export default { transformBody( };`,
			wantErr: ErrCompile,
		},
		{
			name:    "throws at load",
			source:  `throw new Error("boom");`,
			wantErr: ErrCompile,
		},
		{
			name:    "exports a number",
			source:  `module.exports = 42;`,
			wantErr: ErrInvalidExports,
		},
		{
			name:    "infinite loop at load",
			source:  `while (true) {}`,
			wantErr: ErrTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sb, err := Compile(tt.name, tt.source, 100*time.Millisecond, nil)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			for _, fn := range Functions {
				assert.Equal(t, contains(tt.exports, fn), sb.Has(fn), "export %s", fn)
			}
		})
	}
}

func contains(fns []Function, fn Function) bool {
	for _, f := range fns {
		if f == fn {
			return true
		}
	}
	return false
}

func TestSandbox_CallDoesNotMutateInput(t *testing.T) {
	t.Parallel()

	sb, err := Compile("add", addFieldScript, time.Second, nil)
	require.NoError(t, err)

	body := map[string]any{"a": float64(1)}
	out, err := sb.Call(context.Background(), FuncBody, body, map[string]any{"region": "eu"})
	require.NoError(t, err)

	result, ok := out.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, result["a"])
	assert.EqualValues(t, 2, result["b"])
	assert.Equal(t, "eu", result["region"])
	assert.Equal(t, map[string]any{"a": float64(1)}, body)
}

func TestSandbox_CallErrors(t *testing.T) {
	t.Parallel()

	source := `export default {
  transformBody(body) {
    if (body === "throw") { throw new Error("bad body"); }
    if (body === "loop") { for (;;) {} }
    if (body === "undefined") { return undefined; }
    return body;
  }
};`
	sb, err := Compile("errs", source, 50*time.Millisecond, nil)
	require.NoError(t, err)

	_, err = sb.Call(context.Background(), FuncBody, "throw", nil)
	var scriptErr *Error
	require.ErrorAs(t, err, &scriptErr)
	assert.Equal(t, "errs", scriptErr.Script)
	assert.Equal(t, FuncBody, scriptErr.Function)
	assert.Contains(t, err.Error(), "bad body")

	_, err = sb.Call(context.Background(), FuncBody, "loop", nil)
	assert.ErrorIs(t, err, ErrTimeout)

	_, err = sb.Call(context.Background(), FuncBody, "undefined", nil)
	assert.ErrorIs(t, err, ErrUndefinedResult)

	_, err = sb.Call(context.Background(), FuncHeaders, map[string]string{}, nil)
	assert.Error(t, err)

	// the sandbox stays usable after a timed out call
	out, err := sb.Call(context.Background(), FuncBody, "ok", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestSandbox_CallCancelledContext(t *testing.T) {
	t.Parallel()

	sb, err := Compile("loop", `export default { transformBody() { for (;;) {} } };`, 5*time.Second, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = sb.Call(ctx, FuncBody, "x", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSandbox_NoAmbientAccess(t *testing.T) {
	t.Parallel()

	source := `export default {
  transformBody() {
    return [typeof require, typeof process, typeof fetch, typeof XMLHttpRequest].join(",");
  }
};`
	sb, err := Compile("globals", source, time.Second, nil)
	require.NoError(t, err)

	out, err := sb.Call(context.Background(), FuncBody, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "undefined,undefined,undefined,undefined", out)
}

func TestSandbox_ConcurrentCalls(t *testing.T) {
	t.Parallel()

	sb, err := Compile("add", addFieldScript, time.Second, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := sb.Call(context.Background(), FuncBody, map[string]any{"i": i}, map[string]any{"region": "us"})
			if err != nil {
				errs <- err
				return
			}
			if out.(map[string]any)["region"] != "us" {
				errs <- errors.New("unexpected result")
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}
