package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionMetrics tracks analysis session lifecycles.
type SessionMetrics struct {
	Transitions *prometheus.CounterVec
	Active      prometheus.Gauge
	StaleDrops  prometheus.Counter
}

// NewSessionMetrics creates and registers the session metrics.
func NewSessionMetrics(registry *prometheus.Registry) (*SessionMetrics, error) {
	m := &SessionMetrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dermrx_session_transitions_total",
			Help: "Total number of analysis session state transitions.",
		}, []string{"from", "to"}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dermrx_sessions_active",
			Help: "Number of analysis sessions currently held in memory.",
		}),
		StaleDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dermrx_session_stale_responses_total",
			Help: "Inference responses discarded because the session moved on.",
		}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register session metrics: %w", err)
	}
	return m, nil
}

// ObserveTransition counts a state change.
func (m *SessionMetrics) ObserveTransition(from, to string) {
	m.Transitions.WithLabelValues(from, to).Inc()
}

// IncrementStaleDrops counts a discarded late response.
func (m *SessionMetrics) IncrementStaleDrops() {
	m.StaleDrops.Inc()
}

// SetActive records the number of live sessions.
func (m *SessionMetrics) SetActive(n int) {
	m.Active.Set(float64(n))
}

// Collect implements the prometheus.Collector interface.
func (m *SessionMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Transitions.Collect(ch)
	ch <- m.Active
	ch <- m.StaleDrops
}

// Describe implements the prometheus.Collector interface.
func (m *SessionMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Transitions.Describe(ch)
	ch <- m.Active.Desc()
	ch <- m.StaleDrops.Desc()
}
