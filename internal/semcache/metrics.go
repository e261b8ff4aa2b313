package semcache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Lookup results.
const (
	ResultHit     = "hit"
	ResultMiss    = "miss"
	ResultGated   = "gated"
	ResultExpired = "expired"
	ResultError   = "error"
)

// Store results.
const (
	StoreStored   = "stored"
	StoreNegative = "rejected_negative"
	StoreShort    = "rejected_short"
	StoreError    = "error"
)

// Metrics holds Prometheus metrics for the semantic cache.
type Metrics struct {
	LookupsTotal   *prometheus.CounterVec
	StoresTotal    *prometheus.CounterVec
	EvictionsTotal *prometheus.CounterVec
	HitDistance    *prometheus.HistogramVec
}

// NewMetrics creates and registers the cache metrics once per process.
//
// Metrics:
//   - semcache_lookups_total{tier,result}
//   - semcache_stores_total{tier,result}
//   - semcache_evictions_total{tier}
//   - semcache_hit_distance{tier}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			LookupsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "semcache_lookups_total",
					Help: "Semantic cache lookups by tier and result",
				},
				[]string{"tier", "result"},
			),
			StoresTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "semcache_stores_total",
					Help: "Semantic cache store attempts by tier and result",
				},
				[]string{"tier", "result"},
			),
			EvictionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "semcache_evictions_total",
					Help: "Entries evicted to keep clusters within max entries",
				},
				[]string{"tier"},
			),
			HitDistance: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "semcache_hit_distance",
					Help:    "Cosine distance between query and served entry",
					Buckets: []float64{0.005, 0.01, 0.02, 0.03, 0.05, 0.075, 0.1, 0.15},
				},
				[]string{"tier"},
			),
		}
	})
	return globalMetrics
}

func (m *Metrics) recordLookup(tier Tier, result string) {
	if m == nil {
		return
	}
	m.LookupsTotal.WithLabelValues(string(tier), result).Inc()
}

func (m *Metrics) recordHit(tier Tier, distance float32) {
	if m == nil {
		return
	}
	m.LookupsTotal.WithLabelValues(string(tier), ResultHit).Inc()
	m.HitDistance.WithLabelValues(string(tier)).Observe(float64(distance))
}

func (m *Metrics) recordStore(tier Tier, result string) {
	if m == nil {
		return
	}
	m.StoresTotal.WithLabelValues(string(tier), result).Inc()
}

func (m *Metrics) recordEvictions(tier Tier, n int) {
	if m == nil || n == 0 {
		return
	}
	m.EvictionsTotal.WithLabelValues(string(tier)).Add(float64(n))
}
