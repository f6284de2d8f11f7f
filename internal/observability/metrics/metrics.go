// Package metrics provides the Prometheus metrics exported by the server.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every metric collector of the server.
type Metrics struct {
	Session   *SessionMetrics
	Inference *InferenceMetrics
	Render    *RenderMetrics
	registry  *prometheus.Registry
}

// New registers all collectors on registry. Go runtime and process
// collectors are included.
func New(registry *prometheus.Registry) (*Metrics, error) {
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("failed to register go collector: %w", err)
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("failed to register process collector: %w", err)
	}

	session, err := NewSessionMetrics(registry)
	if err != nil {
		return nil, err
	}
	inference, err := NewInferenceMetrics(registry)
	if err != nil {
		return nil, err
	}
	render, err := NewRenderMetrics(registry)
	if err != nil {
		return nil, err
	}
	return &Metrics{Session: session, Inference: inference, Render: render, registry: registry}, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
