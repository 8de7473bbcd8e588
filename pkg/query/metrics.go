package query

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostrelay_query_cache_hits_total",
		Help: "Queries served from the result cache.",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostrelay_query_cache_misses_total",
		Help: "Queries executed against the store.",
	})
	slowQueries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostrelay_query_slow_total",
		Help: "Queries slower than the configured threshold.",
	})
	queryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nostrelay_query_duration_seconds",
		Help:    "Store query execution time.",
		Buckets: prometheus.DefBuckets,
	})
)
