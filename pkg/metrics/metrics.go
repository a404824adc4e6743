package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Worker capacity metrics
	TasksRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_tasks_running",
			Help: "Number of task runs currently in flight on this worker",
		},
	)

	WorkerCapacity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_worker_capacity",
			Help: "Configured number of concurrent task runs",
		},
	)

	// Queue metrics
	ClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_claims_total",
			Help: "Claim attempts by result (claimed, conflict, error)",
		},
		[]string{"result"},
	)

	ReclaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_reclaims_total",
			Help: "Reclaim attempts by result (ok, lost, error)",
		},
		[]string{"result"},
	)

	PollErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_poll_errors_total",
			Help: "Poll cycles aborted by a queue error",
		},
	)

	CandidatesDiscarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_candidates_discarded_total",
			Help: "Queue messages deleted because they were dequeued too often",
		},
	)

	// Task metrics
	TaskOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_task_outcomes_total",
			Help: "Finished task runs by state and reason",
		},
		[]string{"state", "reason"},
	)

	TaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_task_duration_seconds",
			Help:    "Wall-clock duration of task runs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
	)

	TaskPhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_task_phase_duration_seconds",
			Help:    "Duration of task phases (link, created, pull, run, stopped, killed)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	TasksTimedOut = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_tasks_timed_out_total",
			Help: "Task runs killed for exceeding maxRunTime",
		},
	)

	TasksCanceled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_tasks_canceled_total",
			Help: "Task runs canceled while running",
		},
	)

	ImagePullAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_image_pull_attempts_total",
			Help: "Image pull attempts by result",
		},
		[]string{"result"},
	)

	// Volume cache metrics
	CacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_cache_requests_total",
			Help: "Cache volume requests by cache name and result (hit, miss)",
		},
		[]string{"cache", "result"},
	)

	CacheInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_cache_instances",
			Help: "Cache volume instances by mount state",
		},
		[]string{"state"},
	)

	CachePurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_cache_instances_purged_total",
			Help: "Unmounted cache instances deleted under disk pressure",
		},
	)

	// Garbage collector metrics
	GCRemovals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_gc_removals_total",
			Help: "Container removal attempts by result (removed, failed, ignored)",
		},
		[]string{"result"},
	)

	GCMarked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_gc_marked_containers",
			Help: "Containers currently marked for removal",
		},
	)

	GCIgnored = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_gc_ignored_containers",
			Help: "Containers permanently ignored after exhausting removal retries",
		},
	)

	GCSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_gc_sweep_duration_seconds",
			Help:    "Duration of garbage collection sweeps",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Status API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_api_requests_total",
			Help: "Total number of status API requests by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	prometheus.MustRegister(TasksRunning)
	prometheus.MustRegister(WorkerCapacity)
	prometheus.MustRegister(ClaimsTotal)
	prometheus.MustRegister(ReclaimsTotal)
	prometheus.MustRegister(PollErrors)
	prometheus.MustRegister(CandidatesDiscarded)
	prometheus.MustRegister(TaskOutcomes)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(TaskPhaseDuration)
	prometheus.MustRegister(TasksTimedOut)
	prometheus.MustRegister(TasksCanceled)
	prometheus.MustRegister(ImagePullAttempts)
	prometheus.MustRegister(CacheRequests)
	prometheus.MustRegister(CacheInstances)
	prometheus.MustRegister(CachePurged)
	prometheus.MustRegister(GCRemovals)
	prometheus.MustRegister(GCMarked)
	prometheus.MustRegister(GCIgnored)
	prometheus.MustRegister(GCSweepDuration)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
