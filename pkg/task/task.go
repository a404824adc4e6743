package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/features"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/schema"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/volume"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.trai.ch/zerr"
)

var (
	// ErrNotPending is returned by Run for a task that already ran or was canceled
	ErrNotPending = zerr.New("task run is not pending")
	// ErrMalformedPayload marks payloads rejected by validation
	ErrMalformedPayload = zerr.New("malformed task payload")
	// ErrImagePull is returned once every pull attempt failed
	ErrImagePull = zerr.New("failed to pull image")
	// ErrEnvironment marks failures building the container environment
	ErrEnvironment = zerr.New("failed to prepare task environment")

	errAborted = errors.New("task run aborted")
)

// teardownTimeout bounds kill calls made outside the run context
const teardownTimeout = 30 * time.Second

// Queue is the part of the task queue a running task talks to
type Queue interface {
	ReclaimTask(ctx context.Context, taskID string, runID int) (types.ClaimResult, error)
	ReportCompleted(ctx context.Context, taskID string, runID int, details types.ResolutionDetails) error
	ReportFailed(ctx context.Context, taskID string, runID int, details types.ResolutionDetails) error
	ReportException(ctx context.Context, taskID string, runID int, details types.ResolutionDetails) error
}

// Caches hands out cache volumes
type Caches interface {
	Get(name string) (volume.Instance, error)
	Release(key string) error
}

// Validator checks and decodes a raw payload
type Validator interface {
	Validate(raw json.RawMessage) (*types.Payload, error)
}

// Deps are the worker services shared by every task
type Deps struct {
	Queue     Queue
	Engine    runtime.Engine
	Features  *features.Registry
	Validator Validator
	Caches    Caches
	GC        features.ContainerRemover
	Clock     clockwork.Clock

	WorkerID       string
	ReclaimDivisor int
	PullAttempts   int
	PullDelay      time.Duration
}

// Result is the outcome of one task run
type Result struct {
	State    types.TaskState
	Reason   string
	ExitCode int
	Started  time.Time
	Finished time.Time
}

// Record converts the result for the run history
func (r *Result) Record(taskID string, runID int) *types.RunRecord {
	return &types.RunRecord{
		TaskID:     taskID,
		RunID:      runID,
		State:      r.State,
		Reason:     r.Reason,
		ExitCode:   r.ExitCode,
		StartedAt:  r.Started,
		FinishedAt: r.Finished,
	}
}

type outcome struct {
	state    types.TaskState
	reason   string
	exitCode int
}

// Task runs one claimed task run in a container. It moves from pending to
// running to a terminal state exactly once.
type Task struct {
	claim  *types.TaskClaim
	deps   Deps
	logger zerolog.Logger
	stream *Stream

	mu           sync.Mutex
	state        types.TaskState
	payload      *types.Payload
	containerID  string
	cacheKeys    []string
	reclaimTimer clockwork.Timer
	leaseStopped bool
	timedOut     bool
	abortReason  string
	abortCh      chan struct{}
}

// New creates a pending task for claim
func New(claim *types.TaskClaim, deps Deps) *Task {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	return &Task{
		claim:   claim,
		deps:    deps,
		logger:  log.WithTask(claim.TaskID, claim.RunID),
		stream:  NewStream(),
		state:   types.TaskStatePending,
		abortCh: make(chan struct{}),
	}
}

// TaskID returns the id of the claimed task
func (t *Task) TaskID() string { return t.claim.TaskID }

// RunID returns the run number within the task
func (t *Task) RunID() int { return t.claim.RunID }

// Definition returns the task definition loaded at claim time
func (t *Task) Definition() *types.TaskDefinition { return t.claim.Definition }

// Key returns the "taskId/runId" identity of the run
func (t *Task) Key() string { return t.claim.Key() }

// Payload returns the validated payload, or nil before validation ran
// or when the payload was rejected
func (t *Task) Payload() *types.Payload {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.payload
}

// ContainerID returns the id of the task container, empty until it is created
func (t *Task) ContainerID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.containerID
}

// Canceled reports whether the queue canceled the run
func (t *Task) Canceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.abortReason == types.ReasonCanceled
}

// State returns the current lifecycle state
func (t *Task) State() types.TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// TakenUntil returns the current lease expiry
func (t *Task) TakenUntil() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.claim.TakenUntil
}

// AttachLog replays the log written so far to w and then streams new
// output to it until DetachLog. It fails once the log is closed.
func (t *Task) AttachLog(w io.Writer) error { return t.stream.Attach(w) }

// DetachLog stops streaming to w
func (t *Task) DetachLog(w io.Writer) { t.stream.Detach(w) }

// Logf writes a line to the task log
func (t *Task) Logf(format string, args ...interface{}) {
	t.stream.Logf(format, args...)
}

// Output returns the task log written so far
func (t *Task) Output() string { return t.stream.String() }

// Cancel kills the run at the request of the queue. The run finishes as
// canceled and is not reported. It returns false if the run already
// finished or was aborted.
func (t *Task) Cancel(reason string) bool {
	if reason == "" {
		reason = types.ReasonCanceled
	}
	return t.abort(types.ReasonCanceled, fmt.Sprintf("task was canceled (%s), killing container", reason))
}

func (t *Task) abort(reason, message string) bool {
	t.mu.Lock()
	if t.state.IsTerminal() || t.abortReason != "" {
		t.mu.Unlock()
		return false
	}
	t.abortReason = reason
	close(t.abortCh)
	if t.state == types.TaskStatePending {
		t.state = types.TaskStateCanceled
	}
	id := t.containerID
	t.mu.Unlock()

	if reason == types.ReasonCanceled {
		metrics.TasksCanceled.Inc()
	}
	t.logger.Info().Str("reason", reason).Msg("Aborting task run")
	t.stream.Logf("%s", message)

	if id != "" {
		t.kill(id)
	}
	return true
}

func (t *Task) aborted() bool {
	select {
	case <-t.abortCh:
		return true
	default:
		return false
	}
}

func (t *Task) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := t.deps.Engine.KillContainer(ctx, id); err != nil {
		t.logger.Warn().Err(err).Str("container_id", id).Msg("Failed to kill container")
	}
}

// Run executes the task run and reports its outcome. Only the first call
// on a pending task does anything; later calls return ErrNotPending.
func (t *Task) Run(ctx context.Context) (*Result, error) {
	t.mu.Lock()
	if t.state != types.TaskStatePending {
		state := t.state
		t.mu.Unlock()
		return nil, zerr.With(zerr.Wrap(ErrNotPending, "refusing to run task"), "state", string(state))
	}
	t.state = types.TaskStateRunning
	t.mu.Unlock()

	started := t.deps.Clock.Now()
	metrics.TasksRunning.Inc()
	defer metrics.TasksRunning.Dec()

	t.logger.Info().Time("taken_until", t.TakenUntil()).Msg("Running task")
	t.scheduleReclaim(t.TakenUntil())

	raw := peekPayload(t.claim.Definition)
	t.writeHeader(raw)

	states := features.NewStates()
	var out outcome
	if t.deps.Features != nil {
		var err error
		states, err = t.deps.Features.Resolve(raw.Features)
		if err != nil {
			out = t.internalError("failed to initialize features: %v", err)
		}
	}
	if out.state == "" {
		out = t.execute(ctx, states)
	}

	out = t.finish(out)
	t.stopReclaim()
	finished := t.deps.Clock.Now()
	t.writeFooter(out, started, finished)

	// teardown runs even when the worker is shutting down
	teardownCtx := context.WithoutCancel(ctx)
	reportErr := t.report(teardownCtx, out)

	if err := t.phase("killed", func() error { return states.Killed(teardownCtx, t) }); err != nil {
		t.logger.Error().Err(err).Msg("Feature teardown failed")
	}
	t.stream.Close()
	t.release()

	metrics.TaskOutcomes.WithLabelValues(string(out.state), out.reason).Inc()
	metrics.TaskDuration.Observe(finished.Sub(started).Seconds())
	t.logger.Info().
		Str("state", string(out.state)).
		Str("reason", out.reason).
		Int("exit_code", out.exitCode).
		Dur("duration", finished.Sub(started)).
		Msg("Task run finished")

	return &Result{
		State:    out.state,
		Reason:   out.reason,
		ExitCode: out.exitCode,
		Started:  started,
		Finished: finished,
	}, reportErr
}

func (t *Task) execute(ctx context.Context, states *features.States) outcome {
	var links []types.Link
	err := t.phase("link", func() error {
		var err error
		links, err = states.Link(ctx, t)
		return err
	})
	if err != nil {
		return t.internalError("%v", err)
	}
	if err := t.phase("created", func() error { return states.Created(ctx, t) }); err != nil {
		return t.internalError("%v", err)
	}

	payload, err := t.deps.Validator.Validate(t.claim.Definition.Payload)
	if err != nil {
		return t.malformed(err)
	}
	t.mu.Lock()
	t.payload = payload
	t.mu.Unlock()

	if t.aborted() {
		return outcome{exitCode: -1}
	}

	if err := t.phase("pull", func() error { return t.ensureImage(ctx, payload.Image) }); err != nil {
		if errors.Is(err, errAborted) {
			return outcome{exitCode: -1}
		}
		if ctx.Err() != nil {
			return t.shutdown()
		}
		t.logger.Error().Err(err).Str("image", payload.Image).Msg("Image pull failed")
		return t.failure(types.ReasonImagePullFailed, "failed to pull image %s: %v", payload.Image, err)
	}

	cfg, err := t.containerConfig(payload, links)
	if err != nil {
		return t.failure(types.ReasonEnvironmentSetup, "container configuration could not be created: %v", err)
	}

	id, err := t.deps.Engine.CreateContainer(ctx, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return t.shutdown()
		}
		return t.failure(types.ReasonEnvironmentSetup, "failed to create container: %v", fmt.Errorf("%w: %w", ErrEnvironment, err))
	}
	t.mu.Lock()
	t.containerID = id
	t.mu.Unlock()
	if t.aborted() {
		return outcome{exitCode: -1}
	}

	if err := t.deps.Engine.StartContainer(ctx, id, t.stream); err != nil {
		if ctx.Err() != nil {
			t.kill(id)
			return t.shutdown()
		}
		return t.failure(types.ReasonEnvironmentSetup, "failed to start container: %v", fmt.Errorf("%w: %w", ErrEnvironment, err))
	}
	// an abort racing with start may have found nothing to kill
	if t.aborted() {
		t.kill(id)
	}

	runTimer := metrics.NewTimer()
	deadline := t.deps.Clock.AfterFunc(payload.MaxRunDuration(), func() { t.timeout(id, payload.MaxRunTime) })
	exitCode, err := t.deps.Engine.WaitContainer(ctx, id)
	deadline.Stop()
	runTimer.ObserveDurationVec(metrics.TaskPhaseDuration, "run")
	if err != nil {
		if ctx.Err() != nil {
			t.kill(id)
			return t.shutdown()
		}
		return t.internalError("failed waiting for container: %v", err)
	}

	if err := t.phase("stopped", func() error { return states.Stopped(ctx, t) }); err != nil {
		return t.internalError("%v", err)
	}

	if exitCode != 0 {
		return outcome{state: types.TaskStateFailed, exitCode: exitCode}
	}
	return outcome{state: types.TaskStateCompleted, exitCode: exitCode}
}

func (t *Task) timeout(id string, maxRunTime int) {
	t.mu.Lock()
	if t.state.IsTerminal() || t.abortReason != "" {
		t.mu.Unlock()
		return
	}
	t.timedOut = true
	t.mu.Unlock()

	metrics.TasksTimedOut.Inc()
	t.logger.Warn().Int("max_run_time", maxRunTime).Msg("Task exceeded max run time")
	t.stream.Logf("task timeout after %d seconds, force killing container", maxRunTime)
	t.kill(id)
}

// finish applies aborts and timeouts to the raw outcome and moves the task
// to its terminal state
func (t *Task) finish(out outcome) outcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.abortReason == types.ReasonCanceled:
		out.state, out.reason = types.TaskStateCanceled, types.ReasonCanceled
	case t.abortReason != "":
		out.state, out.reason = types.TaskStateException, t.abortReason
	case t.timedOut:
		out.state, out.reason = types.TaskStateFailed, types.ReasonMaxRunTimeExceeded
	}
	t.state = out.state
	return out
}

func (t *Task) report(ctx context.Context, out outcome) error {
	details := types.ResolutionDetails{Reason: out.reason, ExitCode: out.exitCode}
	taskID, runID := t.claim.TaskID, t.claim.RunID

	var err error
	switch {
	case out.state == types.TaskStateCanceled, out.reason == types.ReasonClaimExpired:
		t.logger.Debug().Str("reason", out.reason).Msg("Not reporting aborted run")
		return nil
	case out.state == types.TaskStateCompleted:
		err = t.deps.Queue.ReportCompleted(ctx, taskID, runID, details)
	case out.state == types.TaskStateFailed:
		err = t.deps.Queue.ReportFailed(ctx, taskID, runID, details)
	default:
		err = t.deps.Queue.ReportException(ctx, taskID, runID, details)
	}
	if err != nil {
		t.logger.Error().Err(err).Str("state", string(out.state)).Msg("Failed to report task run")
		return fmt.Errorf("failed to report %s: %w", out.state, err)
	}
	return nil
}

// release hands the container and its caches to the garbage collector, or
// returns the caches directly when no container was created
func (t *Task) release() {
	t.mu.Lock()
	id := t.containerID
	keys := t.cacheKeys
	t.cacheKeys = nil
	t.mu.Unlock()

	if id != "" {
		t.deps.GC.RemoveContainer(id, keys...)
		return
	}
	for _, key := range keys {
		if err := t.deps.Caches.Release(key); err != nil {
			t.logger.Error().Err(err).Str("cache_key", key).Msg("Failed to release cache")
		}
	}
}

func (t *Task) containerConfig(p *types.Payload, links []types.Link) (*types.ContainerConfig, error) {
	env := make([]string, 0, len(p.Env)+2)
	for _, k := range sortedKeys(p.Env) {
		env = append(env, k+"="+p.Env[k])
	}
	env = append(env, "TASK_ID="+t.claim.TaskID, "RUN_ID="+strconv.Itoa(t.claim.RunID))

	cfg := &types.ContainerConfig{
		Name:    "burrow-" + uuid.NewString(),
		Image:   p.Image,
		Command: p.Command,
		Env:     env,
		Links:   links,
		Labels: map[string]string{
			runtime.LabelTaskID: t.claim.TaskID,
			runtime.LabelRunID:  strconv.Itoa(t.claim.RunID),
		},
	}

	names := sortedKeys(p.Cache)
	for _, name := range names {
		if scope := CacheScopePrefix + name; !ScopeMatch(t.claim.Definition.Scopes, scope) {
			return nil, zerr.With(zerr.Wrap(ErrEnvironment, "insufficient scopes to mount cache"), "scope", scope)
		}
	}
	if len(names) > 0 && t.deps.Caches == nil {
		return nil, zerr.Wrap(ErrEnvironment, "caches are not available on this worker")
	}
	for _, name := range names {
		inst, err := t.deps.Caches.Get(name)
		if err != nil {
			return nil, fmt.Errorf("%w: cache %s: %w", ErrEnvironment, name, err)
		}
		t.mu.Lock()
		t.cacheKeys = append(t.cacheKeys, inst.Key)
		t.mu.Unlock()
		cfg.Mounts = append(cfg.Mounts, types.Mount{Source: inst.Path, Destination: p.Cache[name]})
	}
	return cfg, nil
}

func (t *Task) phase(name string, fn func() error) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TaskPhaseDuration, name)
	return fn()
}

func (t *Task) malformed(err error) outcome {
	var ve *schema.ValidationError
	if errors.As(err, &ve) {
		t.stream.Logf("task payload is invalid:")
		for _, p := range ve.Problems {
			t.stream.Logf("  %s", p)
		}
	} else {
		t.stream.Logf("task payload is invalid: %v", err)
	}
	t.logger.Warn().Err(fmt.Errorf("%w: %w", ErrMalformedPayload, err)).Msg("Rejected task payload")
	return outcome{state: types.TaskStateFailed, reason: types.ReasonMalformedPayload, exitCode: -1}
}

func (t *Task) failure(reason, format string, args ...interface{}) outcome {
	t.stream.Logf(format, args...)
	return outcome{state: types.TaskStateFailed, reason: reason, exitCode: -1}
}

// shutdown is the outcome of a run cut short because the worker is stopping
func (t *Task) shutdown() outcome {
	t.logger.Warn().Msg("Worker shutting down, abandoning task run")
	t.stream.Logf("worker is shutting down, task run aborted")
	return outcome{state: types.TaskStateException, reason: types.ReasonWorkerShutdown, exitCode: -1}
}

func (t *Task) internalError(format string, args ...interface{}) outcome {
	msg := fmt.Sprintf(format, args...)
	t.logger.Error().Msg(msg)
	t.stream.Logf("worker error: %s", msg)
	return outcome{state: types.TaskStateException, reason: types.ReasonInternalError, exitCode: -1}
}

func (t *Task) writeHeader(raw rawPayload) {
	t.stream.Logf("taskId: %s, runId: %d, workerId: %s", t.claim.TaskID, t.claim.RunID, t.deps.WorkerID)
	for _, name := range sortedKeys(raw.Cache) {
		t.stream.Logf("using cache %q -> %s", name, raw.Cache[name])
	}
}

func (t *Task) writeFooter(out outcome, started, finished time.Time) {
	verdict := "Unsuccessful"
	if out.state == types.TaskStateCompleted {
		verdict = "Successful"
	}
	t.stream.Logf("%s task run with exit code: %d completed in %.3f seconds",
		verdict, out.exitCode, finished.Sub(started).Seconds())
}

// rawPayload is what the header and feature resolution read before the
// payload is validated
type rawPayload struct {
	Features map[string]bool   `json:"features"`
	Cache    map[string]string `json:"cache"`
}

func peekPayload(def *types.TaskDefinition) rawPayload {
	var p rawPayload
	if def != nil {
		_ = json.Unmarshal(def.Payload, &p)
	}
	return p
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
