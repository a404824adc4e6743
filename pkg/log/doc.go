/*
Package log provides structured logging for the worker using zerolog.

A single global Logger is configured once by Init, normally from the logging
section of the worker config. Console output is the default; JSON output is
meant for log shippers.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

Packages derive child loggers instead of writing to the global one directly:

	logger := log.WithComponent("gc")
	logger.Info().Str("container_id", id).Msg("Removed container")

	taskLogger := log.WithTask(taskID, runID)
	taskLogger.Warn().Err(err).Msg("Reclaim failed")

# Fields

Every entry carries a timestamp. Component loggers add "component", task
loggers add "task_id" and "run_id", and the worker adds "worker_id".

# Alerts

Some conditions cannot be fixed by the worker itself: a container the
garbage collector gave up on, or a queue message that keeps failing to
decode. These are logged through Alert, which tags the error entry with
alert=operator so that log based alerting can match on a single field:

	log.Alert(logger).Str("container_id", id).Msg("Giving up on container")

Task output is not logged here. It goes to the task's own log stream, which
users read without access to the worker's logs.
*/
package log
