package features

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cuemby/burrow/pkg/runtime/runtimetest"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGC struct {
	mu  sync.Mutex
	ids []string
}

func (g *fakeGC) RemoveContainer(id string, cacheKeys ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ids = append(g.ids, id)
}

func TestProxy_LinkAndKilled(t *testing.T) {
	engine := runtimetest.New()
	gc := &fakeGC{}
	hook, err := newProxy(Deps{Engine: engine, GC: gc, ProxyImage: "proxy:1", ProxyPort: 8080})
	require.NoError(t, err)

	ctx := context.Background()
	task := newFakeTask()

	links, err := hook.Link(ctx, task)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "proxy", links[0].Alias)
	assert.Equal(t, 1, engine.Pulls["proxy:1"])

	c, ok := engine.Get(links[0].Name)
	require.True(t, ok)
	assert.True(t, c.Config.HostNetwork)
	assert.Contains(t, c.Config.Env, "TASK_ID=task-1")
	assert.Equal(t, types.ContainerStatusRunning, c.Status)

	require.NoError(t, hook.Killed(ctx, task))
	assert.True(t, c.Removed)
	assert.Empty(t, gc.ids)

	// a second teardown is a no-op
	require.NoError(t, hook.Killed(ctx, task))
}

func TestProxy_KilledFallsBackToGC(t *testing.T) {
	engine := runtimetest.New()
	engine.RemoveErr = func(string) error { return errors.New("busy") }
	gc := &fakeGC{}
	hook, err := newProxy(Deps{Engine: engine, GC: gc, ProxyImage: "proxy:1"})
	require.NoError(t, err)

	ctx := context.Background()
	links, err := hook.Link(ctx, newFakeTask())
	require.NoError(t, err)

	require.NoError(t, hook.Killed(ctx, newFakeTask()))
	assert.Equal(t, []string{links[0].Name}, gc.ids)
}

func TestProxy_RequiresImage(t *testing.T) {
	_, err := newProxy(Deps{Engine: runtimetest.New()})
	assert.Error(t, err)
}

func TestBulkLog_CopiesWholeLog(t *testing.T) {
	dir := t.TempDir()
	hook, err := newBulkLog(Deps{LogsDir: dir})
	require.NoError(t, err)

	ctx := context.Background()
	task := newFakeTask()
	task.Logf("before attach")

	require.NoError(t, hook.Created(ctx, task))
	task.Logf("after attach")
	require.NoError(t, hook.Killed(ctx, task))
	task.Logf("after detach")

	data, err := os.ReadFile(filepath.Join(dir, "task-1-0.log"))
	require.NoError(t, err)
	assert.Equal(t, "[burrow] before attach\n[burrow] after attach\n", string(data))
}

func newArtifactsFixture(t *testing.T) (*runtimetest.Engine, *LocalArtifactStore, *fakeTask, string) {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "out", "reports"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "out", "result.txt"), []byte("ok"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "out", "reports", "a.xml"), []byte("<a/>"), 0644))

	engine := runtimetest.New()
	engine.Root = root
	engine.Images["busybox"] = true
	id, err := engine.CreateContainer(context.Background(), &types.ContainerConfig{Name: "task-1-0", Image: "busybox"})
	require.NoError(t, err)

	storeRoot := t.TempDir()
	store, err := NewLocalArtifactStore(storeRoot)
	require.NoError(t, err)

	task := newFakeTask()
	task.containerID = id
	return engine, store, task, storeRoot
}

func TestArtifacts_Stopped(t *testing.T) {
	engine, store, task, storeRoot := newArtifactsFixture(t)
	task.payload = &types.Payload{Artifacts: map[string]types.Artifact{
		"public/result.txt": {Type: types.ArtifactTypeFile, Path: "/out/result.txt"},
		"public/reports":    {Type: types.ArtifactTypeDirectory, Path: "/out/reports"},
	}}

	hook, err := newArtifacts(Deps{Engine: engine, Artifacts: store, ArtifactConcurrency: 2})
	require.NoError(t, err)
	require.NoError(t, hook.Stopped(context.Background(), task))

	data, err := os.ReadFile(filepath.Join(storeRoot, "task-1", "0", "public", "result.txt"))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
	assert.FileExists(t, filepath.Join(storeRoot, "task-1", "0", "public", "reports", "a.xml"))
}

func TestArtifacts_ReportsProblems(t *testing.T) {
	engine, store, task, _ := newArtifactsFixture(t)
	task.payload = &types.Payload{Artifacts: map[string]types.Artifact{
		"missing":  {Type: types.ArtifactTypeFile, Path: "/nope"},
		"mismatch": {Type: types.ArtifactTypeFile, Path: "/out/reports"},
		"fine":     {Type: types.ArtifactTypeFile, Path: "/out/result.txt"},
	}}

	hook, err := newArtifacts(Deps{Engine: engine, Artifacts: store})
	require.NoError(t, err)

	err = hook.Stopped(context.Background(), task)
	require.Error(t, err)
	assert.Contains(t, task.logString(), `Artifact "missing" not found`)
	assert.Contains(t, task.logString(), `Artifact "mismatch" at /out/reports is not a regular file`)
	assert.Contains(t, task.logString(), `Stored artifact "fine"`)
}

func TestArtifacts_SymlinksStayInsideContainerRoot(t *testing.T) {
	engine, store, task, storeRoot := newArtifactsFixture(t)

	host := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(host, "secret"), []byte("host data"), 0644))
	require.NoError(t, os.Symlink(host, filepath.Join(engine.Root, "evil")))
	require.NoError(t, os.Symlink("/out", filepath.Join(engine.Root, "latest")))

	task.payload = &types.Payload{Artifacts: map[string]types.Artifact{
		"leaked-file": {Type: types.ArtifactTypeFile, Path: "/evil/secret"},
		"leaked-dir":  {Type: types.ArtifactTypeDirectory, Path: "/evil"},
		"linked":      {Type: types.ArtifactTypeFile, Path: "/latest/result.txt"},
	}}

	hook, err := newArtifacts(Deps{Engine: engine, Artifacts: store})
	require.NoError(t, err)

	err = hook.Stopped(context.Background(), task)
	require.Error(t, err)

	runDir := filepath.Join(storeRoot, "task-1", "0")
	assert.NoFileExists(t, filepath.Join(runDir, "leaked-file"))
	assert.NoFileExists(t, filepath.Join(runDir, "leaked-dir", "secret"))

	data, err := os.ReadFile(filepath.Join(runDir, "linked"))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
}

func TestArtifacts_SkippedWhenCanceled(t *testing.T) {
	engine, store, task, storeRoot := newArtifactsFixture(t)
	task.canceled = true
	task.payload = &types.Payload{Artifacts: map[string]types.Artifact{
		"result": {Type: types.ArtifactTypeFile, Path: "/out/result.txt"},
	}}

	hook, err := newArtifacts(Deps{Engine: engine, Artifacts: store})
	require.NoError(t, err)
	require.NoError(t, hook.Stopped(context.Background(), task))

	assert.NoDirExists(t, filepath.Join(storeRoot, "task-1"))
}

func TestLocalArtifactStore_RejectsEscapingNames(t *testing.T) {
	store, err := NewLocalArtifactStore(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"", "../x", "..", "/abs"} {
		_, err := store.Path("t", 0, name)
		assert.Error(t, err, "name %q", name)
	}

	p, err := store.Path("t", 1, "public/a.txt")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(p, filepath.Join("t", "1", "public", "a.txt")))
}
