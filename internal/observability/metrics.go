package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "agromatch"

var (
	MatchesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "matches_total", Help: "Total number of match results returned"})
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Match latency seconds"})

	CandidatesExcluded = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "candidates_excluded_total", Help: "Candidates dropped before scoring, by reason"},
		[]string{"reason"},
	)

	ClusterBuilds       = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "cluster_index_builds_total", Help: "Cluster index builds"})
	ClusterBuildSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "cluster_index_build_seconds", Help: "Cluster index build time"})
	ClusterPoints       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "cluster_index_points", Help: "Points in the current cluster snapshot"})

	RouteRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "route_requests_total", Help: "Routing requests by outcome"},
		[]string{"outcome"},
	)
	RouteLatency     = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "route_latency_seconds", Help: "Routing provider latency seconds"})
	RouteCacheHits   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "route_cache_hits_total", Help: "Route cache hits"})
	RouteCacheMisses = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "route_cache_misses_total", Help: "Route cache misses"})

	PositionUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "position_updates_total", Help: "Position updates by result"},
		[]string{"result"},
	)
	IngestMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ingest_messages_total", Help: "Position messages read from Kafka, by result"},
		[]string{"result"},
	)
	ActiveDeliveries = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "active_deliveries", Help: "Deliveries currently tracked"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
