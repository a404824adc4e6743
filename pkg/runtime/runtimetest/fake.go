// Package runtimetest provides an in-memory runtime.Engine for tests.
package runtimetest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/burrow/pkg/types"
)

// KilledExitCode is the exit code reported for a killed container
const KilledExitCode = 137

// Result describes how a fake container behaves once started
type Result struct {
	Output   string
	ExitCode int
	// Hang keeps the container running until it is killed
	Hang bool
}

// Container is the state of one fake container
type Container struct {
	ID      string
	Config  types.ContainerConfig
	Status  types.ContainerStatus
	Killed  bool
	Removed bool

	exitCh chan int
	once   sync.Once
}

func (c *Container) exit(code int) {
	c.once.Do(func() {
		c.exitCh <- code
	})
}

// Engine is an in-memory runtime.Engine
type Engine struct {
	mu sync.Mutex

	// Run decides the behavior of each started container. Nil exits 0.
	Run func(cfg *types.ContainerConfig) Result
	// PullErr, when set, is called for every pull with the attempt number
	// (starting at 1)
	PullErr func(ref string, attempt int) error
	// RemoveErr, when set, fails ForceRemoveContainer
	RemoveErr func(id string) error
	// Root is the directory WithContainerRoot exposes
	Root string

	Images     map[string]bool
	Containers map[string]*Container
	Pulls      map[string]int
	order      []string
	nextID     int
}

// New returns an empty engine
func New() *Engine {
	return &Engine{
		Images:     make(map[string]bool),
		Containers: make(map[string]*Container),
		Pulls:      make(map[string]int),
	}
}

func (e *Engine) HasImage(ctx context.Context, ref string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Images[ref], nil
}

func (e *Engine) PullImage(ctx context.Context, ref string) error {
	e.mu.Lock()
	e.Pulls[ref]++
	attempt := e.Pulls[ref]
	pullErr := e.PullErr
	e.mu.Unlock()

	if pullErr != nil {
		if err := pullErr(ref, attempt); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.Images[ref] = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) CreateContainer(ctx context.Context, cfg *types.ContainerConfig) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.Images[cfg.Image] {
		return "", fmt.Errorf("image %s not present", cfg.Image)
	}

	e.nextID++
	id := cfg.Name
	if id == "" {
		id = fmt.Sprintf("container-%d", e.nextID)
	}
	if _, ok := e.Containers[id]; ok {
		return "", fmt.Errorf("container %s already exists", id)
	}

	e.Containers[id] = &Container{
		ID:     id,
		Config: *cfg,
		Status: types.ContainerStatusCreated,
		exitCh: make(chan int, 1),
	}
	e.order = append(e.order, id)
	return id, nil
}

func (e *Engine) StartContainer(ctx context.Context, id string, output io.Writer) error {
	e.mu.Lock()
	c, ok := e.Containers[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("container %s not found", id)
	}
	c.Status = types.ContainerStatusRunning
	run := e.Run
	cfg := c.Config
	e.mu.Unlock()

	result := Result{}
	if run != nil {
		result = run(&cfg)
	}
	if output != nil && result.Output != "" {
		if _, err := io.WriteString(output, result.Output); err != nil {
			return err
		}
	}
	if !result.Hang {
		c.exit(result.ExitCode)
	}
	return nil
}

func (e *Engine) WaitContainer(ctx context.Context, id string) (int, error) {
	e.mu.Lock()
	c, ok := e.Containers[id]
	e.mu.Unlock()
	if !ok {
		return -1, fmt.Errorf("container %s not found", id)
	}

	select {
	case code := <-c.exitCh:
		e.mu.Lock()
		c.Status = types.ContainerStatusExited
		e.mu.Unlock()
		return code, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (e *Engine) KillContainer(ctx context.Context, id string) error {
	e.mu.Lock()
	c, ok := e.Containers[id]
	if ok {
		c.Killed = true
	}
	e.mu.Unlock()

	if ok {
		c.exit(KilledExitCode)
	}
	return nil
}

func (e *Engine) RemoveContainer(ctx context.Context, id string) error {
	return e.ForceRemoveContainer(ctx, id)
}

func (e *Engine) ForceRemoveContainer(ctx context.Context, id string) error {
	e.mu.Lock()
	removeErr := e.RemoveErr
	e.mu.Unlock()

	if removeErr != nil {
		if err := removeErr(id); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.Containers[id]; ok {
		c.Removed = true
		c.exit(KilledExitCode)
	}
	return nil
}

func (e *Engine) ListContainers(ctx context.Context, includeStopped bool) ([]types.ContainerSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []types.ContainerSummary
	for _, id := range e.order {
		c := e.Containers[id]
		if c.Removed {
			continue
		}
		if !includeStopped && c.Status != types.ContainerStatusRunning {
			continue
		}
		out = append(out, types.ContainerSummary{ID: c.ID, Status: c.Status, Labels: c.Config.Labels})
	}
	return out, nil
}

func (e *Engine) WithContainerRoot(ctx context.Context, id string, fn func(root string) error) error {
	e.mu.Lock()
	c, ok := e.Containers[id]
	root := e.Root
	e.mu.Unlock()

	if !ok || c.Removed {
		return fmt.Errorf("container %s not found", id)
	}
	if root == "" {
		return fmt.Errorf("no root configured for container %s", id)
	}
	return fn(root)
}

// CreatedCount returns how many containers were ever created
func (e *Engine) CreatedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.order)
}

// Created returns the ids of every container created, in order
func (e *Engine) Created() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

// Get returns a container by id, including removed ones
func (e *Engine) Get(id string) (*Container, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.Containers[id]
	return c, ok
}

// WasKilled reports whether KillContainer was called for id
func (e *Engine) WasKilled(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.Containers[id]
	return ok && c.Killed
}
