package features

import (
	"context"
	"io"

	"github.com/cuemby/burrow/pkg/types"
)

// Task is the view of a running task that hooks receive
type Task interface {
	TaskID() string
	RunID() int
	Definition() *types.TaskDefinition
	// Payload is nil until the payload has been validated
	Payload() *types.Payload
	// ContainerID is empty until the task container has been created
	ContainerID() string
	Canceled() bool

	// AttachLog adds a sink to the task log. Output written before the call
	// is replayed to w.
	AttachLog(w io.Writer) error
	DetachLog(w io.Writer)
	// Logf writes a worker message to the task log
	Logf(format string, args ...interface{})
}

// Hook observes the lifecycle of one task run. Link runs before the container
// is created, Created before it starts, Stopped after it exits and Killed
// during teardown whatever the outcome.
type Hook interface {
	Link(ctx context.Context, t Task) ([]types.Link, error)
	Created(ctx context.Context, t Task) error
	Stopped(ctx context.Context, t Task) error
	Killed(ctx context.Context, t Task) error
}

// Base implements every Hook method as a no-op
type Base struct{}

func (Base) Link(ctx context.Context, t Task) ([]types.Link, error) { return nil, nil }
func (Base) Created(ctx context.Context, t Task) error              { return nil }
func (Base) Stopped(ctx context.Context, t Task) error              { return nil }
func (Base) Killed(ctx context.Context, t Task) error               { return nil }
