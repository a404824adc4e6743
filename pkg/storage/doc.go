/*
Package storage persists the worker's local state in a BoltDB file.

Two buckets are kept, both holding JSON values:

  - ignored_containers: containers the garbage collector gave up removing,
    keyed by container id, so they are never retried after a restart
  - runs: the outcome of every task run executed on this worker, keyed by
    "taskId/runId"

The worker holds the database open for writing. CLI commands open it with
Open(path, true), which fails after one second instead of blocking if the
worker is running.
*/
package storage
