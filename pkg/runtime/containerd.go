package runtime

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"syscall"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/mount"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
)

const (
	// DefaultNamespace is the containerd namespace for burrow containers
	DefaultNamespace = "burrow"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// LabelTaskID and LabelRunID identify the task run that owns a container
	LabelTaskID = "burrow.task-id"
	LabelRunID  = "burrow.run-id"

	// labelExited is set once the container's process has been reaped
	labelExited = "burrow.exited"
)

// ContainerdRuntime implements Engine using containerd
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string

	mu      sync.Mutex
	waiters map[string]<-chan containerd.ExitStatus

	logger zerolog.Logger
}

// NewContainerdRuntime creates a new containerd runtime client
func NewContainerdRuntime(socketPath, namespace string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: namespace,
		waiters:   make(map[string]<-chan containerd.ExitStatus),
		logger:    log.WithComponent("containerd"),
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Ping checks that containerd is reachable
func (r *ContainerdRuntime) Ping(ctx context.Context) error {
	_, err := r.client.Version(r.ns(ctx))
	return err
}

func (r *ContainerdRuntime) ns(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

// HasImage reports whether the image is present in the namespace
func (r *ContainerdRuntime) HasImage(ctx context.Context, ref string) (bool, error) {
	_, err := r.client.GetImage(r.ns(ctx), ref)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to look up image %s: %w", ref, err)
}

// PullImage pulls and unpacks a container image from a registry
func (r *ContainerdRuntime) PullImage(ctx context.Context, ref string) error {
	if _, err := r.client.Pull(r.ns(ctx), ref, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// CreateContainer creates a container from cfg. Linked containers share the
// host network, so each link is exposed to the task as <ALIAS>_HOST.
func (r *ContainerdRuntime) CreateContainer(ctx context.Context, cfg *types.ContainerConfig) (string, error) {
	ctx = r.ns(ctx)

	image, err := r.client.GetImage(ctx, cfg.Image)
	if err != nil {
		return "", fmt.Errorf("failed to get image %s: %w", cfg.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(append(append([]string(nil), cfg.Env...), linkEnv(cfg.Links)...)),
	}
	if len(cfg.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(cfg.Command...))
	}
	if len(cfg.Mounts) > 0 {
		opts = append(opts, oci.WithMounts(specMounts(cfg.Mounts)))
	}
	if len(cfg.Links) > 0 || cfg.HostNetwork {
		opts = append(opts,
			oci.WithHostNamespace(specs.NetworkNamespace),
			oci.WithHostHostsFile,
			oci.WithHostResolvconf,
		)
	}

	container, err := r.client.NewContainer(
		ctx,
		cfg.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(cfg.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(cfg.Labels),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	return container.ID(), nil
}

// StartContainer starts the container's task. The exit status subscription is
// registered before the process starts so a fast exit is never missed.
func (r *ContainerdRuntime) StartContainer(ctx context.Context, id string, output io.Writer) error {
	ctx = r.ns(ctx)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}

	var creator cio.Creator = cio.NullIO
	if output != nil {
		creator = cio.NewCreator(cio.WithStreams(nil, output, output))
	}

	task, err := container.NewTask(ctx, creator)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	// The wait outlives this call, so it must not inherit the caller's deadline.
	statusC, err := task.Wait(r.ns(context.Background()))
	if err != nil {
		_, _ = task.Delete(ctx)
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx)
		return fmt.Errorf("failed to start task: %w", err)
	}

	r.mu.Lock()
	r.waiters[id] = statusC
	r.mu.Unlock()

	return nil
}

// WaitContainer waits for the process started by StartContainer to exit,
// reaps it and returns its exit code
func (r *ContainerdRuntime) WaitContainer(ctx context.Context, id string) (int, error) {
	ctx = r.ns(ctx)

	r.mu.Lock()
	statusC, ok := r.waiters[id]
	r.mu.Unlock()
	if !ok {
		return -1, fmt.Errorf("container %s was not started", id)
	}

	var status containerd.ExitStatus
	select {
	case status = <-statusC:
	case <-ctx.Done():
		return -1, ctx.Err()
	}

	r.mu.Lock()
	delete(r.waiters, id)
	r.mu.Unlock()

	code, _, err := status.Result()
	if err != nil {
		return -1, fmt.Errorf("failed to get exit status: %w", err)
	}

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return int(code), fmt.Errorf("failed to load container %s: %w", id, err)
	}
	if task, err := container.Task(ctx, nil); err == nil {
		if _, err := task.Delete(ctx); err != nil {
			r.logger.Warn().Err(err).Str("container_id", id).Msg("Failed to delete exited task")
		}
	}
	if _, err := container.SetLabels(ctx, map[string]string{labelExited: "true"}); err != nil {
		r.logger.Warn().Err(err).Str("container_id", id).Msg("Failed to label exited container")
	}

	return int(code), nil
}

// KillContainer sends SIGKILL to the container's process. Killing a
// container without a running process succeeds.
func (r *ContainerdRuntime) KillContainer(ctx context.Context, id string) error {
	ctx = r.ns(ctx)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil
	}

	if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to kill task: %w", err)
	}
	return nil
}

// RemoveContainer removes a stopped container and its snapshot
func (r *ContainerdRuntime) RemoveContainer(ctx context.Context, id string) error {
	ctx = r.ns(ctx)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	return nil
}

// ForceRemoveContainer kills any running process, then removes the container
// and its snapshot
func (r *ContainerdRuntime) ForceRemoveContainer(ctx context.Context, id string) error {
	ctx = r.ns(ctx)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}

	if task, err := container.Task(ctx, nil); err == nil {
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to delete task: %w", err)
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete container: %w", err)
	}

	r.mu.Lock()
	delete(r.waiters, id)
	r.mu.Unlock()
	return nil
}

// ListContainers returns every container in the namespace. Unless
// includeStopped is set only running containers are returned.
func (r *ContainerdRuntime) ListContainers(ctx context.Context, includeStopped bool) ([]types.ContainerSummary, error) {
	ctx = r.ns(ctx)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	summaries := make([]types.ContainerSummary, 0, len(containers))
	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			labels = nil
		}

		status := types.ContainerStatusUnknown
		task, err := c.Task(ctx, nil)
		switch {
		case err != nil && errdefs.IsNotFound(err):
			status = types.ContainerStatusCreated
			if labels[labelExited] == "true" {
				status = types.ContainerStatusExited
			}
		case err == nil:
			if st, err := task.Status(ctx); err == nil {
				status = containerStatus(st.Status)
			}
		}

		if !includeStopped && status != types.ContainerStatusRunning {
			continue
		}
		summaries = append(summaries, types.ContainerSummary{ID: c.ID(), Status: status, Labels: labels})
	}

	return summaries, nil
}

// WithContainerRoot mounts the container's snapshot on a temporary
// directory and calls fn with its path
func (r *ContainerdRuntime) WithContainerRoot(ctx context.Context, id string, fn func(root string) error) error {
	ctx = r.ns(ctx)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}

	info, err := container.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get container info: %w", err)
	}

	mounts, err := r.client.SnapshotService(info.Snapshotter).Mounts(ctx, info.SnapshotKey)
	if err != nil {
		return fmt.Errorf("failed to get snapshot mounts: %w", err)
	}

	return mount.WithReadonlyTempMount(ctx, mounts, fn)
}

func containerStatus(s containerd.ProcessStatus) types.ContainerStatus {
	switch s {
	case containerd.Running, containerd.Paused, containerd.Pausing:
		return types.ContainerStatusRunning
	case containerd.Stopped:
		return types.ContainerStatusExited
	case containerd.Created:
		return types.ContainerStatusCreated
	default:
		return types.ContainerStatusUnknown
	}
}

func linkEnv(links []types.Link) []string {
	env := make([]string, 0, len(links))
	for _, l := range links {
		alias := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(l.Alias))
		env = append(env, alias+"_HOST=127.0.0.1")
	}
	return env
}

func specMounts(mounts []types.Mount) []specs.Mount {
	out := make([]specs.Mount, 0, len(mounts))
	for _, m := range mounts {
		options := []string{"rbind", "rw"}
		if m.ReadOnly {
			options = []string{"rbind", "ro"}
		}
		out = append(out, specs.Mount{
			Source:      m.Source,
			Destination: m.Destination,
			Type:        "bind",
			Options:     options,
		})
	}
	return out
}
