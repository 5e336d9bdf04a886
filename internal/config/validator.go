package config

import (
	"fmt"
	"strings"

	"github.com/vyrodovalexey/avafanout/internal/observability"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates proxy configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// ValidateConfig validates a proxy configuration.
func ValidateConfig(config *Config) error {
	return NewValidator().Validate(config)
}

// Validate validates the configuration and returns any errors.
func (v *Validator) Validate(config *Config) error {
	v.errors = make(ValidationErrors, 0)

	if config == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validatePort("listener.port", config.Listener.Port)
	if config.Admin.Enabled {
		v.validatePort("admin.port", config.Admin.Port)
		if config.Admin.Port == config.Listener.Port && config.Admin.Bind == config.Listener.Bind {
			v.addError("admin.port", "must differ from listener.port")
		}
	}
	v.validateProxy(&config.Proxy)
	v.validateReload(&config.Reload)
	v.validateStore(&config.Store)
	v.validateCircuitBreaker(&config.CircuitBreaker)
	v.validateObservability(&config.Observability)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validatePort(path string, port int) {
	if port < 1 || port > 65535 {
		v.addError(path, fmt.Sprintf("port must be between 1 and 65535, got %d", port))
	}
}

func (v *Validator) validateProxy(proxy *ProxyConfig) {
	v.positiveDuration("proxy.requestTimeout", proxy.RequestTimeout)
	v.positiveDuration("proxy.scriptTimeout", proxy.ScriptTimeout)
	v.positiveDuration("proxy.shutdownTimeout", proxy.ShutdownTimeout)
	if proxy.MaxBodyBytes <= 0 {
		v.addError("proxy.maxBodyBytes", "must be positive")
	}
	if proxy.MaxResponseBytes <= 0 {
		v.addError("proxy.maxResponseBytes", "must be positive")
	}
}

func (v *Validator) validateReload(reload *ReloadConfig) {
	v.positiveDuration("reload.scriptInterval", reload.ScriptInterval)
	v.positiveDuration("reload.targetInterval", reload.TargetInterval)
	if reload.WatchDebounce < 0 {
		v.addError("reload.watchDebounce", "must not be negative")
	}
}

func (v *Validator) validateStore(store *StoreConfig) {
	switch store.Driver {
	case StoreDriverFile, StoreDriverSQLite:
		if store.Path == "" {
			v.addError("store.path", fmt.Sprintf("is required for the %s driver", store.Driver))
		}
	case StoreDriverRedis:
		if store.Redis.Address == "" {
			v.addError("store.redis.address", "is required for the redis driver")
		}
		if store.Redis.DB < 0 {
			v.addError("store.redis.db", "must not be negative")
		}
	default:
		v.addError("store.driver", fmt.Sprintf("unknown driver %q (expected file, sqlite or redis)", store.Driver))
	}
	if store.ConnectRetries < 0 {
		v.addError("store.connectRetries", "must not be negative")
	}
}

func (v *Validator) validateCircuitBreaker(cb *CircuitBreakerConfig) {
	if !cb.Enabled {
		return
	}
	if cb.Threshold < 1 {
		v.addError("circuitBreaker.threshold", "must be at least 1")
	}
	v.positiveDuration("circuitBreaker.timeout", cb.Timeout)
}

func (v *Validator) validateObservability(obs *ObservabilityConfig) {
	if _, err := observability.ParseLevel(obs.Logging.Level); err != nil {
		v.addError("observability.logging.level", fmt.Sprintf("invalid log level %q", obs.Logging.Level))
	}
	switch obs.Logging.Format {
	case "json", "console":
	default:
		v.addError("observability.logging.format", fmt.Sprintf("invalid log format %q", obs.Logging.Format))
	}
	if obs.Tracing.SamplingRate < 0 || obs.Tracing.SamplingRate > 1 {
		v.addError("observability.tracing.samplingRate", "must be between 0 and 1")
	}
}

func (v *Validator) positiveDuration(path string, d Duration) {
	if d <= 0 {
		v.addError(path, "must be positive")
	}
}

func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}
