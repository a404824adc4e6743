package features

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/containerd/continuity/fs"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/types"
	"golang.org/x/sync/errgroup"
)

// artifacts copies the paths declared in the payload out of the stopped
// container into the artifact store
type artifacts struct {
	Base
	engine      runtime.Engine
	store       ArtifactStore
	concurrency int
}

func newArtifacts(deps Deps) (Hook, error) {
	if deps.Engine == nil || deps.Artifacts == nil {
		return nil, fmt.Errorf("artifacts require a container engine and an artifact store")
	}
	concurrency := deps.ArtifactConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &artifacts{engine: deps.Engine, store: deps.Artifacts, concurrency: concurrency}, nil
}

func (a *artifacts) Stopped(ctx context.Context, t Task) error {
	payload := t.Payload()
	if t.Canceled() || payload == nil || len(payload.Artifacts) == 0 || t.ContainerID() == "" {
		return nil
	}

	names := make([]string, 0, len(payload.Artifacts))
	for name := range payload.Artifacts {
		names = append(names, name)
	}
	sort.Strings(names)

	return a.engine.WithContainerRoot(ctx, t.ContainerID(), func(root string) error {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(a.concurrency)

		errs := make([]error, len(names))
		for i, name := range names {
			artifact := payload.Artifacts[name]
			g.Go(func() error {
				errs[i] = a.extract(gctx, t, root, name, artifact)
				return nil
			})
		}
		_ = g.Wait()
		return errors.Join(errs...)
	})
}

func (a *artifacts) extract(ctx context.Context, t Task, root, name string, artifact types.Artifact) error {
	// symlinks anywhere in the path resolve against the container root
	src, err := fs.RootPath(root, artifact.Path)
	if err != nil {
		t.Logf("Artifact %q path %s cannot be resolved", name, artifact.Path)
		return fmt.Errorf("artifact %s: %w", name, err)
	}

	info, err := os.Lstat(src)
	if err != nil {
		t.Logf("Artifact %q not found at %s", name, artifact.Path)
		return fmt.Errorf("artifact %s: %w", name, err)
	}

	switch {
	case artifact.Type == types.ArtifactTypeFile && !info.Mode().IsRegular():
		t.Logf("Artifact %q at %s is not a regular file", name, artifact.Path)
		return fmt.Errorf("artifact %s: %s is not a regular file", name, artifact.Path)
	case artifact.Type == types.ArtifactTypeDirectory && !info.IsDir():
		t.Logf("Artifact %q at %s is not a directory", name, artifact.Path)
		return fmt.Errorf("artifact %s: %s is not a directory", name, artifact.Path)
	}

	n, err := a.store.Put(ctx, t.TaskID(), t.RunID(), name, src, artifact.Type)
	if err != nil {
		t.Logf("Failed to store artifact %q: %v", name, err)
		return fmt.Errorf("artifact %s: %w", name, err)
	}

	t.Logf("Stored artifact %q (%d bytes)", name, n)
	return nil
}
