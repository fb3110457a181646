// Package observability exposes Prometheus metrics for the cache core.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincache_results_total",
			Help: "Cache lookups by surface and outcome.",
		},
		[]string{"surface", "outcome"},
	)

	pendingMutations = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pincache_pending_mutations",
			Help: "Currently pending optimistic mutations by kind.",
		},
		[]string{"kind"},
	)

	optimisticResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincache_optimistic_resolutions_total",
			Help: "Optimistic mutation resolutions by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	debounceFlushes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pincache_debounce_flushes_total",
			Help: "Debounced comment-count reconciliations applied.",
		},
	)

	prewarmTiles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincache_prewarm_tiles_total",
			Help: "Adjacent-tile pre-warm attempts by status.",
		},
		[]string{"status"},
	)

	kvOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pincache_kv_op_duration_seconds",
			Help:    "Durable KV store operation latency.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op", "status"},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pincache_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

func IncCacheHit(surface string)  { cacheResults.WithLabelValues(surface, "hit").Inc() }
func IncCacheMiss(surface string) { cacheResults.WithLabelValues(surface, "miss").Inc() }

func SetPendingMutations(kind string, n int) {
	pendingMutations.WithLabelValues(kind).Set(float64(n))
}

func IncResolution(kind, outcome string) {
	optimisticResolutions.WithLabelValues(kind, outcome).Inc()
}

func IncDebounceFlush() { debounceFlushes.Inc() }

func IncPrewarm(status string) { prewarmTiles.WithLabelValues(status).Inc() }

func ObserveKVOp(op string, err error, seconds float64) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	kvOpDuration.WithLabelValues(op, status).Observe(seconds)
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}

// Handler serves the default Prometheus gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}
