/*
Package listener drives the worker: it polls the queue for task runs, claims
as many as the worker has free slots for and runs each one as a task.

# Poll Cycle

A poll cycle walks the queues in priority order:

	for each queue, highest priority first:
	    free := capacity - running
	    if free == 0: stop
	    candidates := fetch up to free        (poisoned ones are dropped)
	    if none: next queue
	    claim all candidates concurrently
	    start a task for every claim that succeeded
	    fetch from the same queue again

A claim conflict drops the candidate; any other queue error aborts the
cycle after the successful claims of the same batch have been handed over.
Once a claim succeeds the run belongs to this worker, so loading its
definition and starting it do not depend on the rest of the batch. A run
whose definition cannot be loaded is reported as an exception.

Cycles are scheduled on a timer that is re-armed after each one finishes,
so errors are retried at the poll interval and cycles never overlap.

# Events

The listener publishes worker.working when the first run starts and
worker.idle when the last one ends, plus an event for every claimed,
finished and canceled run. Finished runs are also recorded in the store.

Cancellations from the queue are matched to the running task by task id
and run id; unknown runs are ignored.

# Pause and Shutdown

Pause stops polling without touching running tasks, and Resume schedules a
poll right away. Stop also waits for the running tasks; when its context
ends first they are aborted and reported as worker-shutdown.
*/
package listener
