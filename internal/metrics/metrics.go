// Package metrics holds the Prometheus collectors shared by the engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cache lookup outcomes.
const (
	LookupHit   = "hit"
	LookupMiss  = "miss"
	LookupStale = "stale"
)

var (
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clausewatch_jobs_total",
		Help: "Jobs finished, by task type and outcome",
	}, []string{"type", "outcome"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clausewatch_job_duration_seconds",
		Help:    "Time from worker pickup to terminal status",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"type"})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clausewatch_cache_lookups_total",
		Help: "Derived document lookups by outcome",
	}, []string{"outcome"})

	LockWaits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clausewatch_lock_contended_total",
		Help: "Jobs that found their resource lock held",
	})

	DetectionRounds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clausewatch_detection_rounds_total",
		Help: "Detection rounds by outcome",
	}, []string{"outcome"})

	PurgeRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clausewatch_purge_runs_total",
		Help: "Background purge sweeps executed",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clausewatch_http_requests_total",
		Help: "API requests by method, route pattern and status",
	}, []string{"method", "route", "status"})

	PurgedEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clausewatch_purged_entries_total",
		Help: "Cache entries removed because their resource vanished",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
