package middleware

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request id sources.
const (
	requestIDInbound   = "inbound"
	requestIDGenerated = "generated"
)

// Metrics counts what the middleware chain did to inbound requests.
type Metrics struct {
	panicsRecovered prometheus.Counter
	requestIDs      *prometheus.CounterVec
}

var (
	metrics     *Metrics
	metricsOnce sync.Once
)

// GetMiddlewareMetrics returns the process-wide middleware metrics.
func GetMiddlewareMetrics() *Metrics {
	metricsOnce.Do(func() {
		m := &Metrics{
			panicsRecovered: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "fanout",
				Subsystem: "middleware",
				Name:      "panics_recovered_total",
				Help:      "Panics recovered while serving requests",
			}),
			requestIDs: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fanout",
				Subsystem: "middleware",
				Name:      "request_ids_total",
				Help:      "Request ids by source: taken from the client or generated",
			}, []string{"source"}),
		}
		// both sources are exported before the first request
		m.requestIDs.WithLabelValues(requestIDInbound)
		m.requestIDs.WithLabelValues(requestIDGenerated)
		metrics = m
	})
	return metrics
}

// MustRegister registers the middleware collectors with registry.
func (m *Metrics) MustRegister(registry *prometheus.Registry) {
	registry.MustRegister(m.panicsRecovered, m.requestIDs)
}
