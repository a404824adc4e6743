/*
Package runtime runs task containers on containerd.

Engine is the contract the rest of the worker depends on. ContainerdRuntime
implements it against a containerd socket, keeping every container in its
own namespace ("burrow" by default) and labelling it with the task and run
that created it.

The lifecycle of a task container is:

	id, _ := engine.CreateContainer(ctx, cfg)   // snapshot + OCI spec
	_ = engine.StartContainer(ctx, id, logs)    // stdout/stderr copied to logs
	code, _ := engine.WaitContainer(ctx, id)    // blocks until exit, reaps the process
	_ = engine.WithContainerRoot(ctx, id, ...)  // read artifacts from the stopped rootfs
	_ = engine.ForceRemoveContainer(ctx, id)    // container and snapshot deleted

KillContainer sends SIGKILL and lets WaitContainer observe the exit, so a
timed out or canceled container leaves through the same path as one that
exited on its own.

containerd has no notion of an exited container without a task. Once
WaitContainer reaps a process it labels the container burrow.exited=true, and
ListContainers reports such containers as exited. Containers that were created
but never started are reported as created and are not considered stale.

Cache volumes are bind mounts. Linked containers (such as the proxy feature)
share the host network namespace; each link alias is exported to the task as
<ALIAS>_HOST=127.0.0.1.
*/
package runtime
