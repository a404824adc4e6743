/*
Package features implements the hooks that extend a task run.

A feature is registered under a name with a default enabled flag and a
constructor. For every task run the Registry resolves the enabled set from
the payload's "features" map, falling back to each default, and builds a
fresh hook per feature. The resulting States drives the hooks:

	link     before the container is created; may start auxiliary containers
	         and return links for the task container
	created  after the container is configured, before it starts
	stopped  after the container exits; used to extract results
	killed   during teardown, whatever the outcome

Link, Created and Stopped run in registration order and stop at the first
failing hook. Killed always runs on every constructed hook and joins the
errors, so resources acquired in an earlier phase are released even when
the run failed.

Built-in features:

  - proxy (off by default) starts a proxy container on the host network and
    links it under the alias "proxy"
  - bulkLog (on) writes the full task log to <logs dir>/<taskId>-<runId>.log
  - artifacts (on) copies declared files and directories out of the stopped
    container into an ArtifactStore
*/
package features
