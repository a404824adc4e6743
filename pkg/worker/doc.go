/*
Package worker assembles a running burrow worker from its parts.

# Architecture

	┌──────────────────────────── WORKER ────────────────────────────┐
	│                                                                 │
	│   Redis queue ◄──── queue.Service ◄──── listener.Listener       │
	│                                              │                  │
	│                                         task.Task (× capacity)  │
	│                                         │    │     │            │
	│                           features ◄────┘    │     └──► volume  │
	│                                              ▼                  │
	│   gc.GarbageCollector ───────────────► containerd runtime       │
	│                                                                 │
	│   api.Server (/health /ready /live /metrics, gRPC health)       │
	│   HealthMonitor ──► containerd, queue                           │
	│   storage.BoltStore (run history, ignored containers)           │
	└─────────────────────────────────────────────────────────────────┘

# Lifecycle

NewWorker connects to containerd and Redis, opens the bolt store, loads the
volume cache and builds the garbage collector, the feature registry, the
payload validator and the task listener on top of them.

Start brings up the status server, the health monitor, the garbage
collector and the metrics collector before the listener begins polling.

Pause and Resume stop and restart polling without touching running tasks.
The start command maps them to SIGUSR1 and SIGUSR2, and the status server
follows them, reporting NOT_SERVING while paused.

Stop runs the start steps in reverse: polling ends first, running tasks get
until the context deadline to finish and are then aborted as
worker-shutdown, and only then are the background loops and connections
closed.

# Health

The HealthMonitor probes containerd and the queue on an interval and keeps
the component registry in pkg/metrics current, which is what /health and
/ready report.
*/
package worker
