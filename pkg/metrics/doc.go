/*
Package metrics exposes Prometheus instrumentation and health reporting for
the burrow worker.

All metrics are registered against the default registry at package init and
served by Handler on /metrics. They fall into a few groups:

  - Claiming: burrow_claims_total, burrow_reclaims_total, burrow_poll_errors_total
  - Task runs: burrow_task_outcomes_total, burrow_task_duration_seconds,
    burrow_task_phase_duration_seconds, burrow_image_pull_attempts_total
  - Volume caches: burrow_cache_requests_total, burrow_cache_instances
  - Garbage collection: burrow_gc_removals_total, burrow_gc_marked_containers,
    burrow_gc_ignored_containers, burrow_gc_sweep_duration_seconds

Gauges that mirror worker state (pending tasks, cache instances, marked
containers) are refreshed by a Collector sampling a Source. Counters and
histograms are updated inline by the package that owns the event.

# Health

HealthChecker keeps the last reported state of each component. Readiness
requires the critical components ("containerd" and "queue") to be registered
and healthy; a component may instead register a Probe that is evaluated on
every readiness request.

	metrics.RegisterProbe("queue", func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
	http.Handle("/ready", metrics.ReadyHandler())

# Timing

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TaskPhaseDuration, "pull")
*/
package metrics
