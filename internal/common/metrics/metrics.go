package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Total number of jobs completed by worker",
		},
		[]string{"task_type"},
	)

	WorkerJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Total number of jobs failed by worker",
		},
		[]string{"task_type", "error_code"},
	)

	WorkerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "worker_job_duration_seconds",
			Help: "Duration of job processing in seconds",
		},
		[]string{"task_type"},
	)

	WorkerJobsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_jobs_active",
			Help: "Number of active jobs per worker",
		},
		[]string{"task_type"},
	)

	SuitabilityDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "suitability_decisions_total",
			Help: "Suitability classifications by decision and reason",
		},
		[]string{"decision", "reason"},
	)

	SnapOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snap_outcomes_total",
			Help: "Infrastructure snapping outcomes",
		},
		[]string{"outcome"},
	)

	ResultCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "result_cache_lookups_total",
			Help: "Result cache lookups by cache and result (hit, miss, expired, error)",
		},
		[]string{"cache", "result"},
	)

	GeodataRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geodata_requests_total",
			Help: "Outbound geodata provider requests by status",
		},
		[]string{"provider", "status"},
	)

	GeodataRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geodata_request_duration_seconds",
			Help:    "Latency of geodata provider requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	ExpansionJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "expansion_jobs_total",
			Help: "Expansion job lifecycle events (created, reused, completed, failed, deleted)",
		},
		[]string{"event"},
	)

	ScorerCalculations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scorer_calculations_total",
			Help: "Suggestion calculations by execution path",
		},
		[]string{"path"},
	)

	ClientCacheRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "client_cache_refreshes_total",
			Help: "Store dataset refreshes of the local cache by result",
		},
		[]string{"mode", "result"},
	)
)
