package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationError_Error(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "store.path: required", (&ValidationError{Path: "store.path", Message: "required"}).Error())
	assert.Equal(t, "invalid config", (&ValidationError{Message: "invalid config"}).Error())
}

func TestValidationErrors_Error(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "no validation errors", ValidationErrors{}.Error())
	assert.Equal(t, "a: b", ValidationErrors{{Path: "a", Message: "b"}}.Error())

	multi := ValidationErrors{{Path: "a", Message: "b"}, {Path: "c", Message: "d"}}.Error()
	assert.Contains(t, multi, "2 validation errors")
	assert.Contains(t, multi, "1. a: b")
	assert.Contains(t, multi, "2. c: d")
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		errPath string
	}{
		{name: "defaults are valid"},
		{
			name:    "listener port out of range",
			mutate:  func(c *Config) { c.Listener.Port = 70000 },
			errPath: "listener.port",
		},
		{
			name:    "admin port clashes with listener",
			mutate:  func(c *Config) { c.Admin.Port = c.Listener.Port },
			errPath: "admin.port",
		},
		{
			name: "admin port ignored when disabled",
			mutate: func(c *Config) {
				c.Admin.Enabled = false
				c.Admin.Port = 0
			},
		},
		{
			name:    "zero request timeout",
			mutate:  func(c *Config) { c.Proxy.RequestTimeout = 0 },
			errPath: "proxy.requestTimeout",
		},
		{
			name:    "negative script timeout",
			mutate:  func(c *Config) { c.Proxy.ScriptTimeout = Duration(-time.Second) },
			errPath: "proxy.scriptTimeout",
		},
		{
			name:    "zero body limit",
			mutate:  func(c *Config) { c.Proxy.MaxBodyBytes = 0 },
			errPath: "proxy.maxBodyBytes",
		},
		{
			name:    "zero reload interval",
			mutate:  func(c *Config) { c.Reload.TargetInterval = 0 },
			errPath: "reload.targetInterval",
		},
		{
			name:    "unknown store driver",
			mutate:  func(c *Config) { c.Store.Driver = "etcd" },
			errPath: "store.driver",
		},
		{
			name:    "file driver without path",
			mutate:  func(c *Config) { c.Store.Path = "" },
			errPath: "store.path",
		},
		{
			name:    "redis driver without address",
			mutate:  func(c *Config) { c.Store.Driver = StoreDriverRedis },
			errPath: "store.redis.address",
		},
		{
			name: "redis driver with address",
			mutate: func(c *Config) {
				c.Store.Driver = StoreDriverRedis
				c.Store.Redis.Address = "localhost:6379"
			},
		},
		{
			name: "enabled breaker needs threshold",
			mutate: func(c *Config) {
				c.CircuitBreaker.Enabled = true
				c.CircuitBreaker.Threshold = 0
			},
			errPath: "circuitBreaker.threshold",
		},
		{
			name:    "negative connect retries",
			mutate:  func(c *Config) { c.Store.ConnectRetries = -1 },
			errPath: "store.connectRetries",
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Observability.Logging.Level = "verbose" },
			errPath: "observability.logging.level",
		},
		{
			name:    "invalid log format",
			mutate:  func(c *Config) { c.Observability.Logging.Format = "xml" },
			errPath: "observability.logging.format",
		},
		{
			name:    "sampling rate above one",
			mutate:  func(c *Config) { c.Observability.Tracing.SamplingRate = 1.5 },
			errPath: "observability.tracing.samplingRate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}

			err := ValidateConfig(cfg)
			if tt.errPath == "" {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			paths := make([]string, 0, len(verrs))
			for _, e := range verrs {
				paths = append(paths, e.Path)
			}
			assert.Contains(t, paths, tt.errPath)
		})
	}
}

func TestValidateConfig_Nil(t *testing.T) {
	t.Parallel()

	err := ValidateConfig(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration is nil")
}
