/*
Burrow runs containerized task runs claimed from a queue.

Usage:

	burrow start [--config file] [--capacity n] [--worker-id id] ...
	burrow runs list [--limit n]
	burrow runs show TASK_ID RUN_ID
	burrow gc ignored
	burrow gc forget CONTAINER_ID...
	burrow queue add NAME [--priority p]
	burrow queue submit --file task.yaml
	burrow queue cancel TASK_ID RUN_ID [--reason r]
	burrow version

start runs the worker in the foreground. It stops claiming on SIGINT or
SIGTERM and waits up to --shutdown-timeout for running tasks. A second
signal aborts them at once, and they are reported as worker-shutdown.
SIGUSR1 pauses polling and SIGUSR2 resumes it.

The runs and gc commands open the local bolt store, which the worker holds
locked while it runs, so they are meant for a stopped worker. The queue
commands talk to Redis directly and are meant for local setups and testing.
*/
package main
