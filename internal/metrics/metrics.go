package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	providerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fablecast_provider_request_duration_seconds",
			Help:    "Generation provider request duration in seconds by resource",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
		},
		[]string{"resource", "status"},
	)

	rateLimiterWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fablecast_rate_limiter_wait_duration_seconds",
			Help:    "Rate limiter wait duration in seconds by resource",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"resource"},
	)

	generationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fablecast_generation_attempts_total",
			Help: "Total provider attempts by outcome",
		},
		[]string{"outcome"}, // "valid", "invalid", "provider_error"
	)

	generationFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fablecast_generation_fallbacks_total",
			Help: "Units resolved by the deterministic fallback after exhausting attempts",
		},
	)

	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fablecast_cache_lookups_total",
			Help: "Artifact cache lookups by result",
		},
		[]string{"result"}, // "hit", "miss"
	)

	unitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fablecast_unit_duration_seconds",
			Help:    "Fan-out unit processing duration by stage",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~500s
		},
		[]string{"stage", "status"},
	)

	inFlightUnits = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fablecast_in_flight_units",
			Help: "Units currently executing by stage",
		},
		[]string{"stage"},
	)

	checkpointSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fablecast_checkpoint_saves_total",
			Help: "Checkpoint save operations by result",
		},
		[]string{"result"}, // "ok", "error"
	)
)

// RecordProviderRequest records one provider call's duration and outcome
func RecordProviderRequest(resource, status string, d time.Duration) {
	providerRequestDuration.WithLabelValues(resource, status).Observe(d.Seconds())
}

// RecordLimiterWait records time spent waiting on a rate limiter
func RecordLimiterWait(resource string, d time.Duration) {
	rateLimiterWaitDuration.WithLabelValues(resource).Observe(d.Seconds())
}

// IncAttempt counts one generation attempt by outcome
func IncAttempt(outcome string) {
	generationAttempts.WithLabelValues(outcome).Inc()
}

// IncFallback counts one fallback resolution
func IncFallback() {
	generationFallbacks.Inc()
}

// IncCacheLookup counts a cache hit or miss
func IncCacheLookup(result string) {
	cacheLookups.WithLabelValues(result).Inc()
}

// RecordUnit records a completed fan-out unit
func RecordUnit(stage, status string, d time.Duration) {
	unitDuration.WithLabelValues(stage, status).Observe(d.Seconds())
}

// UnitStarted / UnitFinished track in-flight units per stage
func UnitStarted(stage string)  { inFlightUnits.WithLabelValues(stage).Inc() }
func UnitFinished(stage string) { inFlightUnits.WithLabelValues(stage).Dec() }

// IncCheckpointSave counts a checkpoint save by result
func IncCheckpointSave(result string) {
	checkpointSaves.WithLabelValues(result).Inc()
}
