package llmrouter

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for routing and generation.
type Metrics struct {
	DecisionsTotal   *prometheus.CounterVec
	InvocationsTotal *prometheus.CounterVec
	FallbacksTotal   *prometheus.CounterVec
	InvokeDuration   *prometheus.HistogramVec
}

// NewMetrics creates and registers the router metrics once per process.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			DecisionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "llmrouter_decisions_total",
					Help: "Routing decisions by selected endpoint and reason",
				},
				[]string{"endpoint", "reason"},
			),
			InvocationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "llmrouter_invocations_total",
					Help: "Model invocations by endpoint and failure category",
				},
				[]string{"endpoint", "result"},
			),
			FallbacksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "llmrouter_fallbacks_total",
					Help: "Retries on the fallback endpoint by primary failure category",
				},
				[]string{"category"},
			),
			InvokeDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "llmrouter_invoke_duration_seconds",
					Help:    "Model invocation latency",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
				},
				[]string{"endpoint"},
			),
		}
	})
	return globalMetrics
}

func (m *Metrics) recordDecision(d Decision) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(string(d.Endpoint), d.Reason).Inc()
}

func (m *Metrics) recordInvocation(role Role, result string, seconds float64) {
	if m == nil {
		return
	}
	m.InvocationsTotal.WithLabelValues(string(role), result).Inc()
	m.InvokeDuration.WithLabelValues(string(role)).Observe(seconds)
}

func (m *Metrics) recordFallback(cat Category) {
	if m == nil {
		return
	}
	m.FallbacksTotal.WithLabelValues(string(cat)).Inc()
}
