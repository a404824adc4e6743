package features

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/google/uuid"
)

const proxyAlias = "proxy"

// proxy starts an auxiliary container that the task reaches under the alias
// "proxy", and removes it when the task is torn down
type proxy struct {
	Base
	engine runtime.Engine
	gc     ContainerRemover
	image  string
	port   int

	containerID string
}

func newProxy(deps Deps) (Hook, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("proxy requires a container engine")
	}
	if deps.ProxyImage == "" {
		return nil, fmt.Errorf("proxy image is not configured")
	}
	return &proxy{engine: deps.Engine, gc: deps.GC, image: deps.ProxyImage, port: deps.ProxyPort}, nil
}

func (p *proxy) Link(ctx context.Context, t Task) ([]types.Link, error) {
	present, err := p.engine.HasImage(ctx, p.image)
	if err != nil {
		return nil, err
	}
	if !present {
		t.Logf("Pulling proxy image %s", p.image)
		if err := p.engine.PullImage(ctx, p.image); err != nil {
			return nil, err
		}
	}

	id, err := p.engine.CreateContainer(ctx, &types.ContainerConfig{
		Name:  "burrow-proxy-" + uuid.New().String(),
		Image: p.image,
		Env: []string{
			"TASK_ID=" + t.TaskID(),
			"RUN_ID=" + strconv.Itoa(t.RunID()),
			"PORT=" + strconv.Itoa(p.port),
		},
		Labels: map[string]string{
			runtime.LabelTaskID: t.TaskID(),
			runtime.LabelRunID:  strconv.Itoa(t.RunID()),
		},
		HostNetwork: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy container: %w", err)
	}
	// Set before starting so Killed removes it even if start fails.
	p.containerID = id

	if err := p.engine.StartContainer(ctx, id, nil); err != nil {
		return nil, fmt.Errorf("failed to start proxy container: %w", err)
	}

	return []types.Link{{Name: id, Alias: proxyAlias}}, nil
}

func (p *proxy) Killed(ctx context.Context, t Task) error {
	if p.containerID == "" {
		return nil
	}

	if err := p.engine.ForceRemoveContainer(ctx, p.containerID); err != nil {
		logger := log.WithTask(t.TaskID(), t.RunID())
		logger.Warn().
			Err(err).
			Str("container_id", p.containerID).
			Msg("Failed to remove proxy container, handing it to the garbage collector")
		if p.gc != nil {
			p.gc.RemoveContainer(p.containerID)
		}
	}
	p.containerID = ""
	return nil
}
