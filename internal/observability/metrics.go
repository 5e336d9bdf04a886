package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Target outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeHTTPErr = "http_error"
	OutcomeFailure = "failure"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	targetRequests     *prometheus.CounterVec
	targetDuration     *prometheus.HistogramVec
	scriptErrors       *prometheus.CounterVec
	registryReloads    *prometheus.CounterVec
	registryScripts    prometheus.Gauge
	targets            prometheus.Gauge
	breakerTransitions *prometheus.CounterVec
	buildInfo          *prometheus.GaugeVec
	startTime          prometheus.Gauge
	registry           *prometheus.Registry
}

// NewMetrics creates a new Metrics instance backed by its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "fanout"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of proxied requests",
		},
		[]string{"method", "strategy", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end broadcast duration in seconds",
			Buckets: []float64{
				.005, .01, .025, .05, .1,
				.25, .5, 1, 2.5, 5, 10, 30,
			},
		},
		[]string{"method", "strategy"},
	)

	m.targetRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "target_requests_total",
			Help: "Total number of requests " +
				"dispatched to targets by outcome",
		},
		[]string{"target", "outcome"},
	)

	m.targetDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "target_duration_seconds",
			Help:      "Duration of target dispatches in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10, 30,
			},
		},
		[]string{"target"},
	)

	m.scriptErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "script_errors_total",
			Help: "Total number of script transform " +
				"function failures",
		},
		[]string{"script", "function"},
	)

	m.registryReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_reloads_total",
			Help:      "Total number of script registry reloads",
		},
		[]string{"result"},
	)

	m.registryScripts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_scripts",
			Help:      "Number of active compiled scripts",
		},
	)

	m.targets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "targets",
			Help:      "Number of configured targets",
		},
	)

	m.breakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help: "Total number of per-target circuit " +
				"breaker state transitions",
		},
		[]string{"target", "from", "to"},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information for the proxy",
		},
		[]string{"version", "commit", "build_time"},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help: "Start time of the proxy " +
				"in unix seconds",
		},
	)

	m.registerCollectors()

	m.startTime.SetToCurrentTime()

	return m
}

// registerCollectors registers all metric collectors with the
// Prometheus registry.
func (m *Metrics) registerCollectors() {
	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.targetRequests,
		m.targetDuration,
		m.scriptErrors,
		m.registryReloads,
		m.registryScripts,
		m.targets,
		m.breakerTransitions,
		m.buildInfo,
		m.startTime,
	)

	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(
		collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		),
	)
}

// RecordRequest records a completed broadcast cycle.
func (m *Metrics) RecordRequest(method, strategy string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, strategy, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, strategy).Observe(duration.Seconds())
}

// RecordTarget records one target dispatch.
func (m *Metrics) RecordTarget(target, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.targetRequests.WithLabelValues(target, outcome).Inc()
	m.targetDuration.WithLabelValues(target).Observe(duration.Seconds())
}

// RecordScriptError records a failed transform function call.
func (m *Metrics) RecordScriptError(script, function string) {
	if m == nil {
		return
	}
	m.scriptErrors.WithLabelValues(script, function).Inc()
}

// RecordReload records a registry reload and the resulting script count.
func (m *Metrics) RecordReload(success bool, scripts int) {
	if m == nil {
		return
	}
	if !success {
		m.registryReloads.WithLabelValues("error").Inc()
		return
	}
	m.registryReloads.WithLabelValues("success").Inc()
	m.registryScripts.Set(float64(scripts))
}

// SetTargets sets the configured target count.
func (m *Metrics) SetTargets(n int) {
	if m == nil {
		return
	}
	m.targets.Set(float64(n))
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(target, from, to string) {
	if m == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(target, from, to).Inc()
}

// SetBuildInfo sets the build information metric.
func (m *Metrics) SetBuildInfo(version, commit, buildTime string) {
	m.buildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
