package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "thesync"

var (
	registerOnce sync.Once

	cacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_hits_total",
		Help:      "Total number of cache hits by cache name",
	}, []string{"cache"})
	cacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_misses_total",
		Help:      "Total number of cache misses (absent or expired) by cache name",
	}, []string{"cache"})
	cacheEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_evictions_total",
		Help:      "Total number of size-bound evictions by cache name",
	}, []string{"cache"})
	cachePersistFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_persist_failures_total",
		Help:      "Total number of failed durable snapshot reads or writes by cache name",
	}, []string{"cache"})

	mutationOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mutations_total",
		Help:      "Optimistic mutations by context and outcome (confirmed, rolled_back, superseded, noop)",
	}, []string{"context", "outcome"})
	mutationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "mutation_duration_seconds",
		Help:      "Time from optimistic apply to settlement by context",
		Buckets:   prometheus.ExponentialBuckets(0.05, 1.6, 10),
	}, []string{"context"})
	refreshesScheduled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "refreshes_scheduled_total",
		Help:      "Background refreshes scheduled by context; coalesced requests are not counted",
	}, []string{"context"})
	inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "mutations_in_flight",
		Help:      "Number of live optimistic operations",
	})
)

// Outcome labels for ObserveMutation.
const (
	OutcomeConfirmed  = "confirmed"
	OutcomeRolledBack = "rolled_back"
	OutcomeSuperseded = "superseded"
	OutcomeNoop       = "noop"
)

// Register initializes metrics with the global Prometheus registry (idempotent)
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(cacheHits, cacheMisses, cacheEvictions, cachePersistFailures,
			mutationOutcomes, mutationDuration, refreshesScheduled, inFlight)
	})
}

// Cache helpers
func IncCacheHit(cache string)            { cacheHits.WithLabelValues(cache).Inc() }
func IncCacheMiss(cache string)           { cacheMisses.WithLabelValues(cache).Inc() }
func IncCacheEviction(cache string)       { cacheEvictions.WithLabelValues(cache).Inc() }
func IncCachePersistFailure(cache string) { cachePersistFailures.WithLabelValues(cache).Inc() }

// Mutation helpers
func IncMutation(context, outcome string) { mutationOutcomes.WithLabelValues(context, outcome).Inc() }
func ObserveMutationDuration(context string, d time.Duration) {
	mutationDuration.WithLabelValues(context).Observe(d.Seconds())
}
func IncRefreshScheduled(context string) { refreshesScheduled.WithLabelValues(context).Inc() }
func IncInFlight()                       { inFlight.Inc() }
func DecInFlight()                       { inFlight.Dec() }
