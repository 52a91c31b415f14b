// Package metrics exposes prometheus collectors for the playback core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cache
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebox_cache_lookups_total",
		Help: "Cache lookups by layer and outcome",
	}, []string{"layer", "outcome"}) // layer=memory|store outcome=hit|miss

	cacheStoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebox_cache_store_errors_total",
		Help: "Durable cache store errors by operation",
	}, []string{"op"})

	cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebox_cache_evictions_total",
		Help: "Expired cache entries removed by sweep",
	})

	// Resolver pool
	poolQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicebox_resolver_queued_jobs",
		Help: "Extraction jobs waiting for a worker",
	})

	poolRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicebox_resolver_running_jobs",
		Help: "Extraction jobs currently running",
	})

	poolCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebox_resolver_coalesced_total",
		Help: "Submissions that joined an in-flight job",
	})

	resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebox_resolutions_total",
		Help: "Track resolutions by kind and outcome",
	}, []string{"kind", "outcome"}) // kind=metadata|stream outcome=success|failure|timeout

	// Playback
	playbackEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebox_playback_events_total",
		Help: "Playback events by type",
	}, []string{"type"})

	enqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebox_enqueued_tracks_total",
		Help: "Enqueue outcomes per track",
	}, []string{"outcome"}) // outcome=admitted|rejected|filtered

	activeChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicebox_active_channels",
		Help: "Channels with a live playback controller",
	})

	connectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebox_voice_connect_attempts_total",
		Help: "Voice connect attempts by outcome",
	}, []string{"outcome"})

	notificationDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebox_notification_deliveries_total",
		Help: "Notification sends by outcome",
	}, []string{"outcome"})

	// Admin API
	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voicebox_http_request_duration_seconds",
		Help:    "Admin API request latencies in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func CacheHit(layer string)  { cacheLookups.WithLabelValues(layer, "hit").Inc() }
func CacheMiss(layer string) { cacheLookups.WithLabelValues(layer, "miss").Inc() }

func CacheStoreError(op string) { cacheStoreErrors.WithLabelValues(op).Inc() }

func CacheEvicted(n int) { cacheEvictions.Add(float64(n)) }

func PoolQueued(delta float64)  { poolQueued.Add(delta) }
func PoolRunning(delta float64) { poolRunning.Add(delta) }
func PoolCoalesced()            { poolCoalesced.Inc() }

// Resolution records one resolution outcome.
func Resolution(kind, outcome string) {
	resolutions.WithLabelValues(kind, outcome).Inc()
}

// PlaybackEvent counts a controller event by its type name.
func PlaybackEvent(eventType string) {
	playbackEvents.WithLabelValues(eventType).Inc()
}

// Enqueued records per-track admission counts.
func Enqueued(admitted, rejected, filtered int) {
	enqueued.WithLabelValues("admitted").Add(float64(admitted))
	enqueued.WithLabelValues("rejected").Add(float64(rejected))
	enqueued.WithLabelValues("filtered").Add(float64(filtered))
}

func SetActiveChannels(n int) { activeChannels.Set(float64(n)) }

func ConnectAttempt(outcome string) { connectAttempts.WithLabelValues(outcome).Inc() }

func NotificationDelivery(outcome string) { notificationDeliveries.WithLabelValues(outcome).Inc() }

// HTTPRequest records one admin API request. path is the route pattern.
func HTTPRequest(method, path, status string, seconds float64) {
	httpRequestDuration.WithLabelValues(method, path, status).Observe(seconds)
}
