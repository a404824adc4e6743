package runtime

import (
	"context"
	"io"

	"github.com/cuemby/burrow/pkg/types"
)

// Engine creates and manages task containers
type Engine interface {
	// HasImage reports whether ref is already present locally
	HasImage(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) error

	// CreateContainer builds a container from cfg and returns its id
	CreateContainer(ctx context.Context, cfg *types.ContainerConfig) (string, error)
	// StartContainer starts the container process, copying its stdout and
	// stderr to output
	StartContainer(ctx context.Context, id string, output io.Writer) error
	// WaitContainer blocks until a started container exits and returns its
	// exit code
	WaitContainer(ctx context.Context, id string) (int, error)
	KillContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	// ForceRemoveContainer kills and removes the container. Removing a
	// container that does not exist succeeds.
	ForceRemoveContainer(ctx context.Context, id string) error
	ListContainers(ctx context.Context, includeStopped bool) ([]types.ContainerSummary, error)

	// WithContainerRoot mounts the container's root filesystem read-only
	// for the duration of fn
	WithContainerRoot(ctx context.Context, id string, fn func(root string) error) error
}
