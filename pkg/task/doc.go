/*
Package task runs a single claimed task run.

A Task moves from pending to running and then to exactly one terminal state:
completed, failed, exception or canceled. The listener creates one Task per
claim and calls Run once; a second call returns ErrNotPending.

# Run Order

Run does the work in a fixed order:

	header → link hooks → created hooks → validate payload → pull image →
	configure (env, cache mounts) → create → start → wait → stopped hooks →
	footer → report → killed hooks → hand container to the GC

The header and footer are written to the task log, which every hook and the
container output share. Sinks attached later with AttachLog first receive
what was already written.

# Outcomes

	outcome                              state       reason
	exit code 0                          completed
	exit code other than 0               failed
	payload rejected by the schema       failed      malformed-payload
	image pull failed every attempt      failed      image-pull-failed
	container could not be built         failed      environment-setup-failed
	run deadline reached                 failed      max-run-time-exceeded
	hook failed, container wait failed   exception   internal-error
	worker stopping                      exception   worker-shutdown
	lease lost                           exception   claim-expired   (not reported)
	canceled by the queue                canceled    canceled        (not reported)

Validation, image pull and environment failures never start a container.
Every failure is explained in the task's own log before it is reported.

# Leases

While running, the lease is renewed after (takenUntil - now) / divisor. A
reclaim refused with a claim conflict aborts the run without reporting it,
since another worker may already own the task. Other reclaim errors are
retried on the next interval.

# Aborts

The run deadline kills the container; the exit then flows through the
normal path and is reported as failed with max-run-time-exceeded.

Cancel kills the container and finishes the run as canceled. It is safe to
call concurrently with the run and with itself; only the first call counts.

When the context passed to Run ends, the worker is going away. A pull in
progress stops, a started container is killed, and the run is reported as
an exception with worker-shutdown. Reporting and the killed hooks run on a
context that outlives the cancellation so teardown still completes.

# Image Pulls

Missing images are pulled up to PullAttempts times. The delay after
attempt n is 2^(n-1) * PullDelay, randomized by up to 25% either way.
*/
package task
