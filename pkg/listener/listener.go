package listener

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/queue"
	"github.com/cuemby/burrow/pkg/task"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultPollInterval is the delay between the end of one poll and the next
const DefaultPollInterval = 5 * time.Second

// RunStore records finished runs
type RunStore interface {
	SaveRun(run *types.RunRecord) error
}

// Config configures a Listener
type Config struct {
	ProvisionerID string
	WorkerType    string
	WorkerGroup   string
	WorkerID      string
	Capacity      int
	PollInterval  time.Duration
	// Clock schedules polls. It defaults to the clock in the task deps.
	Clock clockwork.Clock
}

// Listener polls the queue for work up to the worker capacity, claims task
// runs and runs each one as a Task
type Listener struct {
	cfg     Config
	service *queue.Service
	deps    task.Deps
	store   RunStore
	broker  *events.Broker
	clock   clockwork.Clock
	logger  zerolog.Logger

	mu        sync.Mutex
	running   map[string]*task.Task
	pending   int
	paused    bool
	started   bool
	stopped   bool
	pollTimer clockwork.Timer

	// pollMu serializes poll cycles so capacity is computed by one writer
	pollMu sync.Mutex

	ctx        context.Context
	cancel     context.CancelFunc
	taskCtx    context.Context
	taskCancel context.CancelFunc
	tasks      sync.WaitGroup
	cancelDone chan struct{}
}

// New creates a listener. deps is handed to every task it starts; store
// and broker may be nil.
func New(cfg Config, service *queue.Service, deps task.Deps, store RunStore, broker *events.Broker) *Listener {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	clock := cfg.Clock
	if clock == nil {
		clock = deps.Clock
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	taskCtx, taskCancel := context.WithCancel(context.Background())
	return &Listener{
		cfg:        cfg,
		service:    service,
		deps:       deps,
		store:      store,
		broker:     broker,
		clock:      clock,
		logger:     log.WithComponent("listener"),
		running:    make(map[string]*task.Task),
		ctx:        ctx,
		cancel:     cancel,
		taskCtx:    taskCtx,
		taskCancel: taskCancel,
	}
}

// Start subscribes to cancellations and begins polling
func (l *Listener) Start() error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return fmt.Errorf("listener already started")
	}
	l.started = true
	l.mu.Unlock()

	cancellations, err := l.service.Queue().SubscribeCancellations(l.ctx, types.CancelFilter{
		ProvisionerID: l.cfg.ProvisionerID,
		WorkerType:    l.cfg.WorkerType,
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to cancellations: %w", err)
	}

	l.cancelDone = make(chan struct{})
	go l.deliverCancellations(cancellations)

	metrics.WorkerCapacity.Set(float64(l.cfg.Capacity))
	l.logger.Info().
		Int("capacity", l.cfg.Capacity).
		Dur("poll_interval", l.cfg.PollInterval).
		Msg("Listening for tasks")

	l.scheduleTaskPoll(0)
	return nil
}

// Stop stops polling and waits for running tasks until ctx is done. Tasks
// still running then are aborted through their context.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	l.stopped = true
	if l.pollTimer != nil {
		l.pollTimer.Stop()
		l.pollTimer = nil
	}
	l.mu.Unlock()

	l.cancel()
	// wait for a poll in progress
	l.pollMu.Lock()
	l.pollMu.Unlock()
	if l.cancelDone != nil {
		<-l.cancelDone
	}

	done := make(chan struct{})
	go func() {
		l.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.taskCancel()
		return nil
	case <-ctx.Done():
		l.logger.Warn().Int("pending", l.Pending()).Msg("Aborting running tasks")
		l.taskCancel()
		<-done
		return ctx.Err()
	}
}

// Pause stops scheduling polls. Running tasks are not affected.
func (l *Listener) Pause() {
	l.mu.Lock()
	if l.paused {
		l.mu.Unlock()
		return
	}
	l.paused = true
	if l.pollTimer != nil {
		l.pollTimer.Stop()
		l.pollTimer = nil
	}
	l.mu.Unlock()

	l.logger.Info().Msg("Paused polling")
	l.publish(events.EventPaused, "polling paused", nil)
}

// Resume restarts polling after Pause
func (l *Listener) Resume() {
	l.mu.Lock()
	if !l.paused {
		l.mu.Unlock()
		return
	}
	l.paused = false
	l.mu.Unlock()

	l.logger.Info().Msg("Resumed polling")
	l.publish(events.EventResumed, "polling resumed", nil)
	l.scheduleTaskPoll(0)
}

// Paused reports whether polling is paused
func (l *Listener) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

// Capacity returns the configured number of concurrent task runs
func (l *Listener) Capacity() int {
	return l.cfg.Capacity
}

// Pending returns the number of task runs in flight
func (l *Listener) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

// Running returns the keys of the task runs in flight
func (l *Listener) Running() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make([]string, 0, len(l.running))
	for k := range l.running {
		keys = append(keys, k)
	}
	return keys
}

// scheduleTaskPoll replaces any pending poll with one after delay
func (l *Listener) scheduleTaskPoll(delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.paused || l.stopped {
		return
	}
	if l.pollTimer != nil {
		l.pollTimer.Stop()
	}
	l.pollTimer = l.clock.AfterFunc(delay, l.poll)
}

func (l *Listener) poll() {
	l.pollMu.Lock()
	err := l.getTasks(l.ctx)
	l.pollMu.Unlock()

	if err != nil && l.ctx.Err() == nil {
		metrics.PollErrors.Inc()
		l.logger.Error().Err(err).Msg("Poll for tasks failed")
	}
	l.scheduleTaskPoll(l.cfg.PollInterval)
}

// getTasks claims up to the free capacity from the queues, highest priority
// first. A claim conflict drops the candidate; any other queue error aborts
// the cycle.
func (l *Listener) getTasks(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	needed := l.available()
	if needed <= 0 {
		return nil
	}

	descriptors, err := l.service.Queues(ctx)
	if err != nil {
		return err
	}

	for _, desc := range descriptors {
		for needed > 0 {
			candidates, err := l.service.Candidates(ctx, desc, needed)
			if err != nil {
				return err
			}
			if len(candidates) == 0 {
				break
			}
			if err := l.claimAll(ctx, candidates); err != nil {
				return err
			}
			needed = l.available()
		}
		if needed <= 0 {
			break
		}
	}
	return nil
}

func (l *Listener) available() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.Capacity - l.pending
}

func (l *Listener) claimAll(ctx context.Context, candidates []types.Candidate) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range candidates {
		g.Go(func() error {
			return l.claim(gctx, c)
		})
	}
	return g.Wait()
}

func (l *Listener) claim(ctx context.Context, c types.Candidate) error {
	q := l.service.Queue()
	logger := l.logger.With().Str("task_id", c.TaskID).Int("run_id", c.RunID).Logger()

	res, err := q.ClaimTask(ctx, c.TaskID, c.RunID, types.ClaimRequest{
		WorkerID:    l.cfg.WorkerID,
		WorkerGroup: l.cfg.WorkerGroup,
	})
	if errors.Is(err, queue.ErrClaimConflict) {
		metrics.ClaimsTotal.WithLabelValues("conflict").Inc()
		logger.Debug().Err(err).Msg("Task run already claimed")
		l.deleteCandidate(ctx, c, logger)
		return nil
	}
	if err != nil {
		metrics.ClaimsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to claim task %s: %w", types.RunKey(c.TaskID, c.RunID), err)
	}
	metrics.ClaimsTotal.WithLabelValues("claimed").Inc()

	// the run is ours now and is handed over even if a sibling claim fails
	ctx = context.WithoutCancel(ctx)

	def, err := q.TaskDefinition(ctx, c.TaskID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load definition of claimed task run")
		details := types.ResolutionDetails{Reason: types.ReasonInternalError, ExitCode: -1}
		if rerr := q.ReportException(ctx, c.TaskID, c.RunID, details); rerr != nil {
			logger.Error().Err(rerr).Msg("Failed to report unloadable task run")
		}
		l.deleteCandidate(ctx, c, logger)
		return nil
	}
	l.deleteCandidate(ctx, c, logger)

	l.runTask(&types.TaskClaim{
		TaskID:     c.TaskID,
		RunID:      c.RunID,
		Definition: def,
		TakenUntil: res.TakenUntil,
	})
	return nil
}

func (l *Listener) deleteCandidate(ctx context.Context, c types.Candidate, logger zerolog.Logger) {
	if err := l.service.Delete(ctx, c); err != nil {
		logger.Warn().Err(err).Msg("Failed to delete queue message")
	}
}

// runTask starts a task for claim and tracks it until it finishes
func (l *Listener) runTask(claim *types.TaskClaim) {
	t := task.New(claim, l.deps)
	key := claim.Key()

	l.mu.Lock()
	l.running[key] = t
	l.mu.Unlock()
	l.incrementPending()
	l.publish(events.EventClaimed, "claimed task run", runMetadata(claim.TaskID, claim.RunID))

	l.tasks.Add(1)
	go func() {
		defer l.tasks.Done()

		res, err := t.Run(l.taskCtx)
		if err != nil {
			l.logger.Error().Err(err).Str("task_id", claim.TaskID).Int("run_id", claim.RunID).Msg("Task run ended with an error")
		}
		if res != nil {
			l.record(res.Record(claim.TaskID, claim.RunID))
		}

		meta := runMetadata(claim.TaskID, claim.RunID)
		if res != nil {
			meta["state"] = string(res.State)
			meta["reason"] = res.Reason
		}
		l.publish(events.EventFinished, "task run finished", meta)

		l.mu.Lock()
		delete(l.running, key)
		l.mu.Unlock()
		l.decrementPending()
	}()
}

func (l *Listener) record(run *types.RunRecord) {
	if l.store == nil {
		return
	}
	if err := l.store.SaveRun(run); err != nil {
		l.logger.Warn().Err(err).Str("task_id", run.TaskID).Msg("Failed to record task run")
	}
}

func (l *Listener) incrementPending() {
	l.mu.Lock()
	l.pending++
	working := l.pending == 1
	l.mu.Unlock()

	if working {
		l.publish(events.EventWorking, "worker is working", nil)
	}
}

func (l *Listener) decrementPending() {
	l.mu.Lock()
	l.pending--
	idle := l.pending == 0
	l.mu.Unlock()

	if idle {
		l.publish(events.EventIdle, "worker is idle", nil)
	}
}

func (l *Listener) deliverCancellations(ch <-chan types.CancelEvent) {
	defer close(l.cancelDone)
	for ev := range ch {
		l.cancelTask(ev)
	}
}

// cancelTask cancels the matching running task. Events for runs that are
// not running here are ignored.
func (l *Listener) cancelTask(ev types.CancelEvent) bool {
	l.mu.Lock()
	t, ok := l.running[types.RunKey(ev.TaskID, ev.RunID)]
	l.mu.Unlock()

	if !ok {
		l.logger.Debug().Str("task_id", ev.TaskID).Int("run_id", ev.RunID).Msg("Ignoring cancellation for unknown task run")
		return false
	}
	if !t.Cancel(ev.Reason) {
		return false
	}
	meta := runMetadata(ev.TaskID, ev.RunID)
	meta["reason"] = ev.Reason
	l.publish(events.EventCanceled, "task run canceled", meta)
	return true
}

func (l *Listener) publish(typ events.EventType, msg string, meta map[string]string) {
	if l.broker == nil {
		return
	}
	l.broker.Publish(&events.Event{Type: typ, Timestamp: l.clock.Now(), Message: msg, Metadata: meta})
}

func runMetadata(taskID string, runID int) map[string]string {
	return map[string]string{"task_id": taskID, "run_id": strconv.Itoa(runID)}
}
