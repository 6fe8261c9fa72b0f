package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ServerMetrics instruments the lookup server. All methods are safe on a
// nil receiver.
type ServerMetrics struct {
	queries       *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
}

// NewServerMetrics registers the lookup-server instruments. Returns nil
// when metrics are disabled.
func NewServerMetrics() *ServerMetrics {
	r := reg()
	if r == nil {
		return nil
	}

	return &ServerMetrics{
		queries: promauto.With(r).NewCounterVec(
			prometheus.CounterOpts{
				Name: "breachdb_queries_total",
				Help: "Total lookup queries by backend and result",
			},
			[]string{"backend", "result"},
		),
		queryDuration: promauto.With(r).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "breachdb_query_duration_seconds",
				Help:    "Lookup latency by backend",
				Buckets: []float64{.000_01, .000_05, .000_1, .000_5, .001, .005, .01, .05, .1, .5},
			},
			[]string{"backend"},
		),
		cacheHits: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "breachdb_cache_hits_total",
			Help: "Result cache hits",
		}),
		cacheMisses: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "breachdb_cache_misses_total",
			Help: "Result cache misses",
		}),
	}
}

// ObserveQuery records one completed lookup.
func (m *ServerMetrics) ObserveQuery(backend, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(backend, result).Inc()
	m.queryDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// ObserveCache records a cache probe outcome.
func (m *ServerMetrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}
