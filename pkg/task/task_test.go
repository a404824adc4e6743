package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/features"
	"github.com/cuemby/burrow/pkg/queue"
	"github.com/cuemby/burrow/pkg/runtime/runtimetest"
	"github.com/cuemby/burrow/pkg/schema"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/volume"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/zerr"
)

type report struct {
	state   types.TaskState
	details types.ResolutionDetails
}

type fakeQueue struct {
	mu         sync.Mutex
	clock      clockwork.Clock
	lease      time.Duration
	reclaims   int
	reclaimErr error
	reports    []report
}

func (q *fakeQueue) ReclaimTask(ctx context.Context, taskID string, runID int) (types.ClaimResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reclaims++
	if q.reclaimErr != nil {
		return types.ClaimResult{}, q.reclaimErr
	}
	return types.ClaimResult{TakenUntil: q.clock.Now().Add(q.lease)}, nil
}

func (q *fakeQueue) record(state types.TaskState, details types.ResolutionDetails) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reports = append(q.reports, report{state: state, details: details})
	return nil
}

func (q *fakeQueue) ReportCompleted(ctx context.Context, taskID string, runID int, details types.ResolutionDetails) error {
	return q.record(types.TaskStateCompleted, details)
}

func (q *fakeQueue) ReportFailed(ctx context.Context, taskID string, runID int, details types.ResolutionDetails) error {
	return q.record(types.TaskStateFailed, details)
}

func (q *fakeQueue) ReportException(ctx context.Context, taskID string, runID int, details types.ResolutionDetails) error {
	return q.record(types.TaskStateException, details)
}

func (q *fakeQueue) reclaimCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reclaims
}

func (q *fakeQueue) allReports() []report {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]report(nil), q.reports...)
}

type fakeGC struct {
	mu      sync.Mutex
	removed map[string][]string
}

func (g *fakeGC) RemoveContainer(id string, cacheKeys ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.removed == nil {
		g.removed = make(map[string][]string)
	}
	g.removed[id] = cacheKeys
}

func (g *fakeGC) keys(id string) ([]string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys, ok := g.removed[id]
	return keys, ok
}

// countingHook records how often each phase ran
type countingHook struct {
	features.Base
	mu         sync.Mutex
	calls      map[string]int
	createdErr error
}

func (h *countingHook) inc(phase string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.calls == nil {
		h.calls = make(map[string]int)
	}
	h.calls[phase]++
}

func (h *countingHook) count(phase string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[phase]
}

func (h *countingHook) Link(ctx context.Context, t features.Task) ([]types.Link, error) {
	h.inc("link")
	return nil, nil
}

func (h *countingHook) Created(ctx context.Context, t features.Task) error {
	h.inc("created")
	return h.createdErr
}

func (h *countingHook) Stopped(ctx context.Context, t features.Task) error {
	h.inc("stopped")
	return nil
}

func (h *countingHook) Killed(ctx context.Context, t features.Task) error {
	h.inc("killed")
	return nil
}

type fixture struct {
	clock  clockwork.FakeClock
	engine *runtimetest.Engine
	queue  *fakeQueue
	gc     *fakeGC
	hook   *countingHook
	caches *volume.Cache
	deps   Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	engine := runtimetest.New()
	engine.Images["busybox"] = true

	hook := &countingHook{}
	registry, err := features.NewRegistry(features.Deps{}, features.Feature{
		Name:    "counting",
		Default: true,
		New:     func(features.Deps) (features.Hook, error) { return hook, nil },
	})
	require.NoError(t, err)

	validator, err := schema.NewValidator()
	require.NoError(t, err)

	caches, err := volume.NewCache(t.TempDir(), clock)
	require.NoError(t, err)

	f := &fixture{
		clock:  clock,
		engine: engine,
		queue:  &fakeQueue{clock: clock, lease: 100 * time.Second},
		gc:     &fakeGC{},
		hook:   hook,
		caches: caches,
	}
	f.deps = Deps{
		Queue:          f.queue,
		Engine:         engine,
		Features:       registry,
		Validator:      validator,
		Caches:         caches,
		GC:             f.gc,
		Clock:          clock,
		WorkerID:       "worker-1",
		ReclaimDivisor: 2,
		PullAttempts:   3,
	}
	return f
}

func (f *fixture) newTask(payload string, scopes ...string) *Task {
	return New(&types.TaskClaim{
		TaskID: "task-1",
		RunID:  0,
		Definition: &types.TaskDefinition{
			ProvisionerID: "prov",
			WorkerType:    "wt",
			Scopes:        scopes,
			Payload:       []byte(payload),
		},
		TakenUntil: f.clock.Now().Add(20 * time.Minute),
	}, f.deps)
}

type runResult struct {
	res *Result
	err error
}

func runAsync(task *Task) <-chan runResult {
	done := make(chan runResult, 1)
	go func() {
		res, err := task.Run(context.Background())
		done <- runResult{res: res, err: err}
	}()
	return done
}

func wait(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("task run did not finish")
		return runResult{}
	}
}

func TestRun_HappyPath(t *testing.T) {
	f := newFixture(t)
	f.engine.Run = func(cfg *types.ContainerConfig) runtimetest.Result {
		return runtimetest.Result{Output: "hello\n", ExitCode: 0}
	}
	task := f.newTask(`{"image":"busybox","command":["true"],"maxRunTime":60,"env":{"FOO":"bar"}}`)

	res, err := task.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, types.TaskStateCompleted, res.State)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, types.TaskStateCompleted, task.State())
	assert.Equal(t, []report{{state: types.TaskStateCompleted}}, f.queue.allReports())

	for _, phase := range []string{"link", "created", "stopped", "killed"} {
		assert.Equal(t, 1, f.hook.count(phase), phase)
	}

	created := f.engine.Created()
	require.Len(t, created, 1)
	c, _ := f.engine.Get(created[0])
	assert.Equal(t, []string{"true"}, c.Config.Command)
	assert.Equal(t, []string{"FOO=bar", "TASK_ID=task-1", "RUN_ID=0"}, c.Config.Env)
	assert.Equal(t, "task-1", c.Config.Labels["burrow.task-id"])

	_, handed := f.gc.keys(created[0])
	assert.True(t, handed, "container handed to the garbage collector")

	out := task.Output()
	assert.Contains(t, out, "[burrow] taskId: task-1, runId: 0, workerId: worker-1")
	assert.Contains(t, out, "hello\n")
	assert.Contains(t, out, "Successful task run with exit code: 0")
}

func TestRun_NonZeroExitFails(t *testing.T) {
	f := newFixture(t)
	f.engine.Run = func(cfg *types.ContainerConfig) runtimetest.Result {
		return runtimetest.Result{ExitCode: 3}
	}
	task := f.newTask(`{"image":"busybox","command":["false"],"maxRunTime":60}`)

	res, err := task.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateFailed, res.State)
	assert.Empty(t, res.Reason)
	assert.Equal(t, []report{{state: types.TaskStateFailed, details: types.ResolutionDetails{ExitCode: 3}}}, f.queue.allReports())
	assert.Contains(t, task.Output(), "Unsuccessful task run with exit code: 3")
}

func TestRun_SchemaRejection(t *testing.T) {
	f := newFixture(t)
	task := f.newTask(`{"image":"busybox","command":[],"maxRunTime":60}`)

	res, err := task.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, types.TaskStateFailed, res.State)
	assert.Equal(t, types.ReasonMalformedPayload, res.Reason)
	assert.Equal(t, -1, res.ExitCode)
	assert.Zero(t, f.engine.CreatedCount())
	assert.Equal(t, 1, f.hook.count("killed"))
	assert.Zero(t, f.hook.count("stopped"))

	reports := f.queue.allReports()
	require.Len(t, reports, 1)
	assert.Equal(t, types.TaskStateFailed, reports[0].state)
	assert.Equal(t, types.ReasonMalformedPayload, reports[0].details.Reason)
	assert.Contains(t, task.Output(), "task payload is invalid")
}

func TestRun_Timeout(t *testing.T) {
	f := newFixture(t)
	f.engine.Run = func(cfg *types.ContainerConfig) runtimetest.Result {
		return runtimetest.Result{Hang: true}
	}
	task := f.newTask(`{"image":"busybox","command":["sleep","600"],"maxRunTime":1}`)

	done := runAsync(task)
	// lease timer and run deadline
	f.clock.BlockUntil(2)
	f.clock.Advance(time.Second)
	r := wait(t, done)
	require.NoError(t, r.err)

	assert.Equal(t, types.TaskStateFailed, r.res.State)
	assert.Equal(t, types.ReasonMaxRunTimeExceeded, r.res.Reason)
	assert.Equal(t, runtimetest.KilledExitCode, r.res.ExitCode)
	assert.True(t, f.engine.WasKilled(f.engine.Created()[0]))
	assert.Contains(t, task.Output(), "task timeout after 1 seconds")

	reports := f.queue.allReports()
	require.Len(t, reports, 1)
	assert.Equal(t, types.TaskStateFailed, reports[0].state)
}

func TestRun_CancellationRace(t *testing.T) {
	f := newFixture(t)
	f.engine.Run = func(cfg *types.ContainerConfig) runtimetest.Result {
		return runtimetest.Result{Hang: true}
	}
	task := f.newTask(`{"image":"busybox","command":["sleep","600"],"maxRunTime":600}`)

	done := runAsync(task)
	f.clock.BlockUntil(2)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if task.Cancel("canceled") {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, 1, accepted)
	assert.Equal(t, types.TaskStateCanceled, r.res.State)
	assert.Equal(t, types.ReasonCanceled, r.res.Reason)
	assert.True(t, task.Canceled())
	assert.Empty(t, f.queue.allReports(), "canceled runs are not reported")
	assert.Equal(t, 1, f.hook.count("killed"))
	assert.False(t, task.Cancel("again"))
}

func TestRun_WorkerShutdownKillsContainer(t *testing.T) {
	f := newFixture(t)
	f.engine.Run = func(cfg *types.ContainerConfig) runtimetest.Result {
		return runtimetest.Result{Hang: true}
	}
	task := f.newTask(`{"image":"busybox","command":["sleep","600"],"maxRunTime":600}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan runResult, 1)
	go func() {
		res, err := task.Run(ctx)
		done <- runResult{res: res, err: err}
	}()
	f.clock.BlockUntil(2)
	cancel()

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, types.TaskStateException, r.res.State)
	assert.Equal(t, types.ReasonWorkerShutdown, r.res.Reason)
	require.Len(t, f.engine.Created(), 1)
	id := f.engine.Created()[0]
	assert.True(t, f.engine.WasKilled(id))
	_, handed := f.gc.keys(id)
	assert.True(t, handed, "container is handed to the garbage collector")
	assert.Contains(t, task.Output(), "worker is shutting down")

	reports := f.queue.allReports()
	require.Len(t, reports, 1)
	assert.Equal(t, types.TaskStateException, reports[0].state)
	assert.Equal(t, types.ReasonWorkerShutdown, reports[0].details.Reason)
	assert.Equal(t, 1, f.hook.count("killed"))
}

func TestRun_WorkerShutdownDuringPull(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.engine.PullErr = func(ref string, attempt int) error {
		cancel()
		return context.Canceled
	}
	task := f.newTask(`{"image":"alpine:3","command":["true"],"maxRunTime":60}`)

	res, err := task.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateException, res.State)
	assert.Equal(t, types.ReasonWorkerShutdown, res.Reason)
	assert.Equal(t, 1, f.engine.Pulls["alpine:3"])
	assert.Zero(t, f.engine.CreatedCount())
	assert.NotContains(t, task.Output(), "failed to pull image")

	reports := f.queue.allReports()
	require.Len(t, reports, 1)
	assert.Equal(t, types.ReasonWorkerShutdown, reports[0].details.Reason)
}

func TestRun_IsNoOpTheSecondTime(t *testing.T) {
	f := newFixture(t)
	task := f.newTask(`{"image":"busybox","command":["true"],"maxRunTime":60}`)

	_, err := task.Run(context.Background())
	require.NoError(t, err)

	res, err := task.Run(context.Background())
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, ErrNotPending))
	assert.Equal(t, 1, f.engine.CreatedCount())
	assert.Len(t, f.queue.allReports(), 1)
}

func TestRun_CanceledBeforeStart(t *testing.T) {
	f := newFixture(t)
	task := f.newTask(`{"image":"busybox","command":["true"],"maxRunTime":60}`)

	require.True(t, task.Cancel(""))
	_, err := task.Run(context.Background())
	assert.True(t, errors.Is(err, ErrNotPending))
	assert.Zero(t, f.engine.CreatedCount())
}

func TestRun_LeaseRenewalTiming(t *testing.T) {
	f := newFixture(t)
	f.engine.Run = func(cfg *types.ContainerConfig) runtimetest.Result {
		return runtimetest.Result{Hang: true}
	}
	task := New(&types.TaskClaim{
		TaskID:     "task-1",
		Definition: &types.TaskDefinition{Payload: []byte(`{"image":"busybox","command":["true"],"maxRunTime":3600}`)},
		TakenUntil: f.clock.Now().Add(100 * time.Second),
	}, f.deps)

	done := runAsync(task)
	f.clock.BlockUntil(2)

	f.clock.Advance(49 * time.Second)
	assert.Zero(t, f.queue.reclaimCount())
	f.clock.Advance(time.Second)
	assert.Eventually(t, func() bool { return f.queue.reclaimCount() == 1 }, time.Second, 5*time.Millisecond)

	// the next reclaim is scheduled half way through the renewed lease
	f.clock.BlockUntil(2)
	assert.Equal(t, f.clock.Now().Add(100*time.Second), task.TakenUntil())
	f.clock.Advance(49 * time.Second)
	assert.Equal(t, 1, f.queue.reclaimCount())
	f.clock.Advance(time.Second)
	assert.Eventually(t, func() bool { return f.queue.reclaimCount() == 2 }, time.Second, 5*time.Millisecond)

	task.Cancel("done")
	wait(t, done)

	// no reclaims once the run is over
	f.clock.Advance(time.Hour)
	assert.Equal(t, 2, f.queue.reclaimCount())
}

func TestRun_LeaseLost(t *testing.T) {
	f := newFixture(t)
	f.engine.Run = func(cfg *types.ContainerConfig) runtimetest.Result {
		return runtimetest.Result{Hang: true}
	}
	f.queue.reclaimErr = zerr.Wrap(queue.ErrClaimConflict, "claim lost")
	task := New(&types.TaskClaim{
		TaskID:     "task-1",
		Definition: &types.TaskDefinition{Payload: []byte(`{"image":"busybox","command":["true"],"maxRunTime":3600}`)},
		TakenUntil: f.clock.Now().Add(100 * time.Second),
	}, f.deps)

	done := runAsync(task)
	f.clock.BlockUntil(2)
	f.clock.Advance(50 * time.Second)

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, types.TaskStateException, r.res.State)
	assert.Equal(t, types.ReasonClaimExpired, r.res.Reason)
	assert.True(t, f.engine.WasKilled(f.engine.Created()[0]))
	assert.Empty(t, f.queue.allReports())
}

func TestRun_PullRetries(t *testing.T) {
	tests := []struct {
		name       string
		failFirst  int
		wantState  types.TaskState
		wantReason string
		wantPulls  int
	}{
		{name: "succeeds on third attempt", failFirst: 2, wantState: types.TaskStateCompleted, wantPulls: 3},
		{name: "gives up after all attempts", failFirst: 10, wantState: types.TaskStateFailed, wantReason: types.ReasonImagePullFailed, wantPulls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.engine.PullErr = func(ref string, attempt int) error {
				if attempt <= tt.failFirst {
					return fmt.Errorf("registry unavailable")
				}
				return nil
			}
			task := f.newTask(`{"image":"alpine:3","command":["true"],"maxRunTime":60}`)

			res, err := task.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, res.State)
			assert.Equal(t, tt.wantReason, res.Reason)
			assert.Equal(t, tt.wantPulls, f.engine.Pulls["alpine:3"])
			if tt.wantState == types.TaskStateFailed {
				assert.Zero(t, f.engine.CreatedCount())
				assert.Contains(t, task.Output(), "failed to pull image alpine:3")
			}
		})
	}
}

func TestRun_CacheScopes(t *testing.T) {
	payload := `{"image":"busybox","command":["true"],"maxRunTime":60,"cache":{"npm":"/root/.npm"}}`

	t.Run("missing scope", func(t *testing.T) {
		f := newFixture(t)
		task := f.newTask(payload, "burrow:cache:other")

		res, err := task.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, types.TaskStateFailed, res.State)
		assert.Equal(t, types.ReasonEnvironmentSetup, res.Reason)
		assert.Zero(t, f.engine.CreatedCount())
		assert.Contains(t, task.Output(), "insufficient scopes")
	})

	t.Run("wildcard scope", func(t *testing.T) {
		f := newFixture(t)
		task := f.newTask(payload, "burrow:cache:*")

		res, err := task.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, types.TaskStateCompleted, res.State)

		id := f.engine.Created()[0]
		c, _ := f.engine.Get(id)
		require.Len(t, c.Config.Mounts, 1)
		assert.Equal(t, "/root/.npm", c.Config.Mounts[0].Destination)
		assert.True(t, strings.HasPrefix(c.Config.Mounts[0].Source, f.caches.Root()))

		keys, ok := f.gc.keys(id)
		require.True(t, ok)
		assert.Len(t, keys, 1, "cache key travels with the container")
		assert.Contains(t, task.Output(), `using cache "npm" -> /root/.npm`)
	})
}

func TestRun_HookFailureIsException(t *testing.T) {
	f := newFixture(t)
	f.hook.createdErr = errors.New("log sink unavailable")
	task := f.newTask(`{"image":"busybox","command":["true"],"maxRunTime":60}`)

	res, err := task.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateException, res.State)
	assert.Equal(t, types.ReasonInternalError, res.Reason)
	assert.Zero(t, f.engine.CreatedCount())
	assert.Equal(t, 1, f.hook.count("killed"))
	assert.Equal(t, []report{{
		state:   types.TaskStateException,
		details: types.ResolutionDetails{Reason: types.ReasonInternalError, ExitCode: -1},
	}}, f.queue.allReports())
}

func TestRun_FeatureFlagsFromPayload(t *testing.T) {
	f := newFixture(t)
	task := f.newTask(`{"image":"busybox","command":["true"],"maxRunTime":60,"features":{"counting":false}}`)

	res, err := task.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateCompleted, res.State)
	assert.Zero(t, f.hook.count("link"))
	assert.Zero(t, f.hook.count("killed"))
}
