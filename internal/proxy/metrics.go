package proxy

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// proxyMetrics contains Prometheus metrics for handler operations.
type proxyMetrics struct {
	errorsTotal  *prometheus.CounterVec
	bodyBytes    *prometheus.HistogramVec
	selectedHits *prometheus.CounterVec
}

var (
	proxyMetricsInstance *proxyMetrics
	proxyMetricsOnce     sync.Once
)

// InitMetrics initializes the singleton proxy metrics with the given
// registry. A nil registry uses the default registerer. Later calls are
// no-ops.
func InitMetrics(registry *prometheus.Registry) {
	proxyMetricsOnce.Do(func() {
		var registerer prometheus.Registerer
		if registry != nil {
			registerer = registry
		} else {
			registerer = prometheus.DefaultRegisterer
		}
		factory := promauto.With(registerer)
		proxyMetricsInstance = &proxyMetrics{
			errorsTotal: factory.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "fanout",
					Subsystem: "proxy",
					Name:      "errors_total",
					Help:      "Total number of requests failed before or during broadcast",
				},
				[]string{"error_type"},
			),
			bodyBytes: factory.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "fanout",
					Subsystem: "proxy",
					Name:      "body_bytes",
					Help:      "Size of inbound request and outbound response bodies",
					Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
				},
				[]string{"direction"},
			),
			selectedHits: factory.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "fanout",
					Subsystem: "proxy",
					Name:      "selected_target_total",
					Help:      "Total number of responses served from each target",
				},
				[]string{"target"},
			),
		}
	})
}

// getProxyMetrics returns the proxy metrics, initializing them with the
// default registerer when InitMetrics was never called.
func getProxyMetrics() *proxyMetrics {
	InitMetrics(nil)
	return proxyMetricsInstance
}
