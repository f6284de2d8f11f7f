package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RenderMetrics tracks overlay rendering.
type RenderMetrics struct {
	Duration *prometheus.HistogramVec
	Failures *prometheus.CounterVec
}

// NewRenderMetrics creates and registers the render metrics.
func NewRenderMetrics(registry *prometheus.Registry) (*RenderMetrics, error) {
	m := &RenderMetrics{
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dermrx_overlay_render_duration_seconds",
			Help:    "Duration of overlay renders in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"kind"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dermrx_overlay_render_failures_total",
			Help: "Total number of failed overlay renders.",
		}, []string{"kind"}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register render metrics: %w", err)
	}
	return m, nil
}

// ObserveRender records one render of the given overlay kind.
func (m *RenderMetrics) ObserveRender(kind string, d time.Duration, err error) {
	m.Duration.WithLabelValues(kind).Observe(d.Seconds())
	if err != nil {
		m.Failures.WithLabelValues(kind).Inc()
	}
}

// Collect implements the prometheus.Collector interface.
func (m *RenderMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Duration.Collect(ch)
	m.Failures.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *RenderMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Duration.Describe(ch)
	m.Failures.Describe(ch)
}
