package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resolver",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, route and status code.",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "resolver",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 20},
	}, []string{"method", "route"})

	HTTPRateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resolver",
		Name:      "http_rate_limited_total",
		Help:      "Requests rejected by the rate limiter, by route.",
	}, []string{"route"})

	PlatformRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resolver",
		Name:      "platform_requests_total",
		Help:      "Total requests to media platforms by platform, operation and result status.",
	}, []string{"platform", "operation", "status"})

	PlatformRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "resolver",
		Name:      "platform_request_duration_seconds",
		Help:      "Media platform request duration in seconds by operation.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60, 180},
	}, []string{"platform", "operation"})

	PlatformAvailable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "resolver",
		Name:      "platform_available",
		Help:      "Whether a platform is available (1) or blocked by circuit breaker (0).",
	}, []string{"platform"})

	SearchCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "resolver",
		Name:      "search_cache_hits_total",
		Help:      "Total number of search cache hits.",
	})

	SearchCacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "resolver",
		Name:      "search_cache_misses_total",
		Help:      "Total number of search cache misses.",
	})

	SearchDedupRemovedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "resolver",
		Name:      "search_dedup_removed_total",
		Help:      "Search results merged as cross-platform duplicates.",
	})

	ResolutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resolver",
		Name:      "resolutions_total",
		Help:      "Resolution outcomes by category and the stage that answered.",
	}, []string{"category", "stage"})

	TracksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resolver",
		Name:      "acquisition_tracks_total",
		Help:      "Acquisition tracks reaching a terminal status.",
	}, []string{"status"})

	ActiveTracks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "resolver",
		Name:      "acquisition_active_tracks",
		Help:      "Tracks currently held by an acquisition worker.",
	})

	TrackDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "resolver",
		Name:      "acquisition_track_duration_seconds",
		Help:      "Wall time of a track pipeline from worker start to terminal status.",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
	})

	SemanticIndexReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "resolver",
		Name:      "semantic_index_ready",
		Help:      "Whether the embedding backend initialized (1) or the index is degraded (0).",
	})

	SemanticIndexSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "resolver",
		Name:      "semantic_index_size",
		Help:      "Number of stored title embeddings.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPRateLimitedTotal,
		PlatformRequestsTotal,
		PlatformRequestDuration,
		PlatformAvailable,
		SearchCacheHitsTotal,
		SearchCacheMissesTotal,
		SearchDedupRemovedTotal,
		ResolutionsTotal,
		TracksTotal,
		ActiveTracks,
		TrackDuration,
		SemanticIndexReady,
		SemanticIndexSize,
	)
}
