// Package observability holds the service's Prometheus instruments.
//
// Init must be called once with the registerer the /metrics handler scrapes.
// Every helper is a no-op until then, so packages can record metrics from
// tests without a registry.
package observability

import (
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metricSet struct {
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	fetchDuration *prometheus.HistogramVec
	fetchResults  *prometheus.CounterVec

	tileResponses *prometheus.CounterVec
	tileBytes     *prometheus.HistogramVec

	elevationPoints prometheus.Histogram
	elevationGroups prometheus.Histogram
	elevationAbsent prometheus.Counter

	cacheOpDuration *prometheus.HistogramVec
	cacheOpErrors   *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	hotKeys         *prometheus.GaugeVec

	invalidationLag   prometheus.Gauge
	invalidatedAt     *prometheus.GaugeVec
	kafkaErrors       *prometheus.CounterVec
	registryGen       prometheus.Gauge
	registrySources   prometheus.Gauge
	registryReloadErr prometheus.Counter

	buildInfo *prometheus.GaugeVec
}

var current atomic.Pointer[metricSet]

// latest invalidation time per source, kept even when metrics are disabled
var invalidatedAt = newUnixMap()

// Init registers the instruments with reg. With enabled=false the helpers
// stay silent.
func Init(reg prometheus.Registerer, enabled bool) {
	if !enabled || reg == nil {
		current.Store(nil)
		return
	}
	lat := prometheus.ExponentialBuckets(0.001, 2, 15) // 1ms to ~16s

	m := &metricSet{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: lat,
		}, []string{"method", "route", "status"}),

		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tile_fetch_duration_seconds",
			Help:    "Container lookup latency by container kind.",
			Buckets: lat,
		}, []string{"kind"}),
		fetchResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tile_fetch_total",
			Help: "Container lookups by kind and result (hit, absent, timeout, error).",
		}, []string{"kind", "result"}),

		tileResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tile_responses_total",
			Help: "Tile responses by output format and outcome.",
		}, []string{"format", "outcome"}),
		tileBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tile_response_bytes",
			Help:    "Size of served tile bodies after compression.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		}, []string{"format"}),

		elevationPoints: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "elevation_batch_points",
			Help:    "Number of points per elevation query.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		elevationGroups: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "elevation_batch_tiles",
			Help:    "Number of distinct tiles fetched per elevation query.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		elevationAbsent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "elevation_absent_points_total",
			Help: "Points answered with no elevation because their tile is absent.",
		}),

		cacheOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Latency of redis operations.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"op"}),
		cacheOpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redis_operation_errors_total",
			Help: "Redis operation failures.",
		}, []string{"op"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tile_cache_hits_total",
			Help: "Tile cache hits by tier.",
		}, []string{"tier"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tile_cache_misses_total",
			Help: "Tile cache misses by tier.",
		}, []string{"tier"}),
		hotKeys: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tile_hot_keys",
			Help: "Number of tiles tracked by the hotness tracker.",
		}, []string{"kind"}),

		invalidationLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "invalidation_lag_seconds",
			Help: "Delay between an invalidation event being produced and applied.",
		}),
		invalidatedAt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "source_invalidated_at_seconds",
			Help: "Unix time of the last applied invalidation per source.",
		}, []string{"source"}),
		kafkaErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_consumer_errors_total",
			Help: "Kafka consumer errors by stage.",
		}, []string{"stage"}),

		registryGen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "registry_generation",
			Help: "Sequence number of the active source generation.",
		}),
		registrySources: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "registry_sources",
			Help: "Number of sources in the active generation.",
		}),
		registryReloadErr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "registry_reload_failures_total",
			Help: "Source reloads rejected; the previous generation stayed active.",
		}),

		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tileplane_build_info",
			Help: "Build information for the binary.",
		}, []string{"version"}),
	}

	for _, c := range []prometheus.Collector{
		m.httpRequests, m.httpDuration,
		m.fetchDuration, m.fetchResults,
		m.tileResponses, m.tileBytes,
		m.elevationPoints, m.elevationGroups, m.elevationAbsent,
		m.cacheOpDuration, m.cacheOpErrors, m.cacheHits, m.cacheMisses, m.hotKeys,
		m.invalidationLag, m.invalidatedAt, m.kafkaErrors,
		m.registryGen, m.registrySources, m.registryReloadErr,
		m.buildInfo,
	} {
		register(reg, c)
	}
	current.Store(m)
}

// register tolerates re-registration so Init can run once per test.
func register(reg prometheus.Registerer, c prometheus.Collector) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return
		}
		panic(err)
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	m := current.Load()
	if m == nil {
		return
	}
	st := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, route, st).Inc()
	m.httpDuration.WithLabelValues(method, route, st).Observe(durationSeconds)
}

// ObserveFetch records one container lookup. result is one of hit, absent,
// timeout or error.
func ObserveFetch(kind, result string, durationSeconds float64) {
	m := current.Load()
	if m == nil {
		return
	}
	m.fetchDuration.WithLabelValues(kind).Observe(durationSeconds)
	m.fetchResults.WithLabelValues(kind, result).Inc()
}

func ObserveTileResponse(format, outcome string, bytes int) {
	m := current.Load()
	if m == nil {
		return
	}
	m.tileResponses.WithLabelValues(format, outcome).Inc()
	if bytes > 0 {
		m.tileBytes.WithLabelValues(format).Observe(float64(bytes))
	}
}

func ObserveElevationBatch(points, tiles, absent int) {
	m := current.Load()
	if m == nil {
		return
	}
	m.elevationPoints.Observe(float64(points))
	m.elevationGroups.Observe(float64(tiles))
	if absent > 0 {
		m.elevationAbsent.Add(float64(absent))
	}
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	m := current.Load()
	if m == nil {
		return
	}
	m.cacheOpDuration.WithLabelValues(op).Observe(durationSeconds)
	if err != nil {
		m.cacheOpErrors.WithLabelValues(op).Inc()
	}
}

func AddCacheHits(tier string, n int) {
	if m := current.Load(); m != nil && n > 0 {
		m.cacheHits.WithLabelValues(tier).Add(float64(n))
	}
}

func AddCacheMisses(tier string, n int) {
	if m := current.Load(); m != nil && n > 0 {
		m.cacheMisses.WithLabelValues(tier).Add(float64(n))
	}
}

func SetHotKeysGauge(kind string, n int) {
	if m := current.Load(); m != nil {
		m.hotKeys.WithLabelValues(kind).Set(float64(n))
	}
}

func IncKafkaConsumerError(stage string) {
	if m := current.Load(); m != nil {
		m.kafkaErrors.WithLabelValues(stage).Inc()
	}
}

func SetInvalidationLagSeconds(v float64) {
	if m := current.Load(); m != nil {
		m.invalidationLag.Set(v)
	}
}

// SetSourceInvalidatedAt stores when source was last purged.
func SetSourceInvalidatedAt(source string, t time.Time) {
	invalidatedAt.set(source, t.Unix())
	if m := current.Load(); m != nil {
		m.invalidatedAt.WithLabelValues(source).Set(float64(t.Unix()))
	}
}

// GetSourceInvalidatedAtUnix returns 0 when source was never purged.
func GetSourceInvalidatedAtUnix(source string) int64 {
	return invalidatedAt.get(source)
}

func SetRegistryGeneration(seq uint64, sources int) {
	if m := current.Load(); m != nil {
		m.registryGen.Set(float64(seq))
		m.registrySources.Set(float64(sources))
	}
}

func IncRegistryReloadFailure() {
	if m := current.Load(); m != nil {
		m.registryReloadErr.Inc()
	}
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	if m := current.Load(); m != nil {
		m.buildInfo.WithLabelValues(version).Set(1)
	}
}
