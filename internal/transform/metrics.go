package transform

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/avafanout/internal/script"
)

// Call results.
const (
	resultSuccess = "success"
	resultError   = "error"
	resultSkipped = "skipped"
)

// TransformMetrics contains Prometheus metrics for script function calls.
type TransformMetrics struct {
	callsTotal   *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	pipelineSize prometheus.Histogram
}

var (
	transformMetricsInstance *TransformMetrics
	transformMetricsOnce     sync.Once
)

// GetTransformMetrics returns the singleton transform metrics instance.
func GetTransformMetrics() *TransformMetrics {
	transformMetricsOnce.Do(func() {
		transformMetricsInstance = &TransformMetrics{
			callsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "fanout",
					Subsystem: "transform",
					Name:      "calls_total",
					Help:      "Total number of script function calls",
				},
				[]string{"function", "result"},
			),
			callDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "fanout",
					Subsystem: "transform",
					Name:      "call_duration_seconds",
					Help:      "Duration of script function calls in seconds",
					Buckets: []float64{
						.0001, .0005, .001, .005,
						.01, .025, .05, .1, .5, 1,
					},
				},
				[]string{"function"},
			),
			pipelineSize: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: "fanout",
					Subsystem: "transform",
					Name:      "pipeline_scripts",
					Help:      "Number of scripts applied per target request",
					Buckets:   []float64{0, 1, 2, 3, 5, 8, 13},
				},
			),
		}
	})
	return transformMetricsInstance
}

// MustRegister registers the collectors with the given registry. promauto
// registers with the default registry while /metrics is served from a
// custom one.
func (m *TransformMetrics) MustRegister(registry *prometheus.Registry) {
	registry.MustRegister(
		m.callsTotal,
		m.callDuration,
		m.pipelineSize,
	)
}

// Init pre-initializes label combinations so series appear at startup.
func (m *TransformMetrics) Init() {
	for _, fn := range script.Functions {
		for _, result := range []string{resultSuccess, resultError, resultSkipped} {
			m.callsTotal.WithLabelValues(string(fn), result)
		}
		m.callDuration.WithLabelValues(string(fn))
	}
}

// RecordCall records one script function call.
func (m *TransformMetrics) RecordCall(fn script.Function, result string, duration time.Duration) {
	m.callsTotal.WithLabelValues(string(fn), result).Inc()
	if result != resultSkipped {
		m.callDuration.WithLabelValues(string(fn)).Observe(duration.Seconds())
	}
}

// RecordPipeline records how many scripts one target pipeline applied.
func (m *TransformMetrics) RecordPipeline(scripts int) {
	m.pipelineSize.Observe(float64(scripts))
}
