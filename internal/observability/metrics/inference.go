package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// InferenceMetrics tracks calls to the remote detection and classification
// service.
type InferenceMetrics struct {
	Calls    *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewInferenceMetrics creates and registers the inference metrics.
func NewInferenceMetrics(registry *prometheus.Registry) (*InferenceMetrics, error) {
	m := &InferenceMetrics{
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dermrx_inference_calls_total",
			Help: "Total number of inference calls by operation, endpoint and outcome.",
		}, []string{"op", "endpoint", "outcome"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dermrx_inference_call_duration_seconds",
			Help:    "Duration of inference calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"op", "endpoint"}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register inference metrics: %w", err)
	}
	return m, nil
}

// ObserveCall records one attempt against one endpoint.
func (m *InferenceMetrics) ObserveCall(op, endpoint, outcome string, d time.Duration) {
	m.Calls.WithLabelValues(op, endpoint, outcome).Inc()
	m.Duration.WithLabelValues(op, endpoint).Observe(d.Seconds())
}

// Collect implements the prometheus.Collector interface.
func (m *InferenceMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Calls.Collect(ch)
	m.Duration.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *InferenceMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Calls.Describe(ch)
	m.Duration.Describe(ch)
}
