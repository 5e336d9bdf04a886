package config

import (
	"net"
	"strconv"
	"time"
)

// Store drivers.
const (
	StoreDriverFile   = "file"
	StoreDriverSQLite = "sqlite"
	StoreDriverRedis  = "redis"
)

// Default values.
const (
	DefaultListenBind       = "0.0.0.0"
	DefaultListenPort       = 8080
	DefaultAdminPort        = 9090
	DefaultRequestTimeout   = 30 * time.Second
	DefaultScriptTimeout    = time.Second
	DefaultMaxBodyBytes     = 10 << 20
	DefaultShutdownTimeout  = 30 * time.Second
	DefaultReloadInterval   = 5 * time.Second
	DefaultWatchDebounce    = 200 * time.Millisecond
	DefaultBreakerThreshold = 5
	DefaultBreakerTimeout   = 30 * time.Second
	DefaultRedisPrefix      = "fanout:"
	DefaultConnectRetries   = 5
	DefaultServiceName      = "avafanout"
	DefaultCatalogPath      = "catalog.yaml"
)

// Config is the root configuration of the fanout proxy.
type Config struct {
	Listener       ListenerConfig       `yaml:"listener" json:"listener"`
	Admin          AdminConfig          `yaml:"admin" json:"admin"`
	Proxy          ProxyConfig          `yaml:"proxy" json:"proxy"`
	Reload         ReloadConfig         `yaml:"reload" json:"reload"`
	Store          StoreConfig          `yaml:"store" json:"store"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker" json:"circuitBreaker"`
	Observability  ObservabilityConfig  `yaml:"observability" json:"observability"`
}

// ListenerConfig configures the public proxy listener.
type ListenerConfig struct {
	Bind         string   `yaml:"bind" json:"bind"`
	Port         int      `yaml:"port" json:"port"`
	ReadTimeout  Duration `yaml:"readTimeout,omitempty" json:"readTimeout,omitempty"`
	WriteTimeout Duration `yaml:"writeTimeout,omitempty" json:"writeTimeout,omitempty"`
	IdleTimeout  Duration `yaml:"idleTimeout,omitempty" json:"idleTimeout,omitempty"`
}

// Address returns the host:port the listener binds to.
func (l ListenerConfig) Address() string {
	return net.JoinHostPort(l.Bind, strconv.Itoa(l.Port))
}

// AdminConfig configures the admin listener serving metrics and health.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Bind    string `yaml:"bind" json:"bind"`
	Port    int    `yaml:"port" json:"port"`
}

// Address returns the host:port the admin listener binds to.
func (a AdminConfig) Address() string {
	return net.JoinHostPort(a.Bind, strconv.Itoa(a.Port))
}

// ProxyConfig configures request handling.
type ProxyConfig struct {
	RequestTimeout   Duration `yaml:"requestTimeout" json:"requestTimeout"`
	ScriptTimeout    Duration `yaml:"scriptTimeout" json:"scriptTimeout"`
	MaxBodyBytes     int64    `yaml:"maxBodyBytes" json:"maxBodyBytes"`
	MaxResponseBytes int64    `yaml:"maxResponseBytes" json:"maxResponseBytes"`
	ShutdownTimeout  Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`

	MaxIdleConns        int      `yaml:"maxIdleConns,omitempty" json:"maxIdleConns,omitempty"`
	MaxIdleConnsPerHost int      `yaml:"maxIdleConnsPerHost,omitempty" json:"maxIdleConnsPerHost,omitempty"`
	IdleConnTimeout     Duration `yaml:"idleConnTimeout,omitempty" json:"idleConnTimeout,omitempty"`
}

// ReloadConfig configures background refresh of scripts and targets.
type ReloadConfig struct {
	ScriptInterval Duration `yaml:"scriptInterval" json:"scriptInterval"`
	TargetInterval Duration `yaml:"targetInterval" json:"targetInterval"`
	// WatchCatalog refreshes immediately when the file catalog changes.
	WatchCatalog  bool     `yaml:"watchCatalog" json:"watchCatalog"`
	WatchDebounce Duration `yaml:"watchDebounce,omitempty" json:"watchDebounce,omitempty"`
}

// StoreConfig selects the backing store for scripts and targets.
type StoreConfig struct {
	// Driver is one of file, sqlite or redis.
	Driver string `yaml:"driver" json:"driver"`
	// Path is the YAML catalog for the file driver or the database file
	// for the sqlite driver.
	Path  string           `yaml:"path,omitempty" json:"path,omitempty"`
	Redis RedisStoreConfig `yaml:"redis,omitempty" json:"redis,omitempty"`
	// LogSQL enables statement logging at debug level for the sqlite driver.
	LogSQL bool `yaml:"logSQL,omitempty" json:"logSQL,omitempty"`
	// ConnectRetries is how often opening the store is retried at startup.
	ConnectRetries int `yaml:"connectRetries" json:"connectRetries"`
}

// RedisStoreConfig configures the redis driver.
type RedisStoreConfig struct {
	Address     string   `yaml:"address" json:"address"`
	Password    string   `yaml:"password,omitempty" json:"-"`
	DB          int      `yaml:"db,omitempty" json:"db,omitempty"`
	Prefix      string   `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	DialTimeout Duration `yaml:"dialTimeout,omitempty" json:"dialTimeout,omitempty"`
}

// CircuitBreakerConfig configures the per-target circuit breakers.
type CircuitBreakerConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Threshold int      `yaml:"threshold" json:"threshold"`
	Timeout   Duration `yaml:"timeout" json:"timeout"`
}

// ObservabilityConfig configures logging and tracing.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
	// Rotation limits for file outputs.
	MaxSizeMB  int `yaml:"maxSizeMB,omitempty" json:"maxSizeMB,omitempty"`
	MaxBackups int `yaml:"maxBackups,omitempty" json:"maxBackups,omitempty"`
	MaxAgeDays int `yaml:"maxAgeDays,omitempty" json:"maxAgeDays,omitempty"`
	// AccessLog logs every proxied request at info level.
	AccessLog bool `yaml:"accessLog" json:"accessLog"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint,omitempty" json:"otlpEndpoint,omitempty"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
	ServiceName  string  `yaml:"serviceName" json:"serviceName"`
}

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Listener: ListenerConfig{
			Bind: DefaultListenBind,
			Port: DefaultListenPort,
		},
		Admin: AdminConfig{
			Enabled: true,
			Bind:    DefaultListenBind,
			Port:    DefaultAdminPort,
		},
		Proxy: ProxyConfig{
			RequestTimeout:   Duration(DefaultRequestTimeout),
			ScriptTimeout:    Duration(DefaultScriptTimeout),
			MaxBodyBytes:     DefaultMaxBodyBytes,
			MaxResponseBytes: DefaultMaxBodyBytes,
			ShutdownTimeout:  Duration(DefaultShutdownTimeout),
		},
		Reload: ReloadConfig{
			ScriptInterval: Duration(DefaultReloadInterval),
			TargetInterval: Duration(DefaultReloadInterval),
			WatchCatalog:   true,
			WatchDebounce:  Duration(DefaultWatchDebounce),
		},
		Store: StoreConfig{
			Driver:         StoreDriverFile,
			Path:           DefaultCatalogPath,
			ConnectRetries: DefaultConnectRetries,
			Redis: RedisStoreConfig{
				Prefix: DefaultRedisPrefix,
			},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Threshold: DefaultBreakerThreshold,
			Timeout:   Duration(DefaultBreakerTimeout),
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:      "info",
				Format:     "json",
				Output:     "stdout",
				MaxSizeMB:  100,
				MaxBackups: 5,
				MaxAgeDays: 14,
			},
			Tracing: TracingConfig{
				SamplingRate: 1.0,
				ServiceName:  DefaultServiceName,
			},
		},
	}
}
