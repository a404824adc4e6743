package worker

import (
	"context"
	"fmt"
	"os"

	"github.com/cuemby/burrow/pkg/api"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/features"
	"github.com/cuemby/burrow/pkg/gc"
	"github.com/cuemby/burrow/pkg/listener"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/queue"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/schema"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/task"
	"github.com/cuemby/burrow/pkg/volume"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Worker wires the listener to its collaborators and owns their lifecycle
type Worker struct {
	cfg *config.Config

	runtime   *runtime.ContainerdRuntime
	redis     *redis.Client
	queue     *queue.RedisQueue
	store     *storage.BoltStore
	caches    *volume.Cache
	gc        *gc.GarbageCollector
	broker    *events.Broker
	listener  *listener.Listener
	collector *metrics.Collector
	status    *api.Server
	monitor   *HealthMonitor

	logger zerolog.Logger
}

// NewWorker connects to containerd and Redis, opens local state and builds
// the listener. Nothing is started until Start.
func NewWorker(cfg *config.Config) (*Worker, error) {
	for _, dir := range []string{cfg.DataDir, cfg.Cache.Root, cfg.Artifacts.Root, cfg.Logs.Dir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	clock := clockwork.NewRealClock()
	w := &Worker{
		cfg:    cfg,
		broker: events.NewBroker(),
		logger: log.WithWorkerID(cfg.WorkerID),
	}

	rt, err := runtime.NewContainerdRuntime(cfg.Containerd.Socket, cfg.Containerd.Namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize containerd runtime: %w", err)
	}
	w.runtime = rt

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		w.close()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	w.store = store

	caches, err := volume.NewCache(cfg.Cache.Root, clock)
	if err != nil {
		w.close()
		return nil, fmt.Errorf("failed to initialize volume cache: %w", err)
	}
	if err := caches.Load(); err != nil {
		w.close()
		return nil, fmt.Errorf("failed to load volume cache: %w", err)
	}
	w.caches = caches

	collector, err := gc.New(gc.Config{
		Engine:             rt,
		Caches:             caches,
		Store:              store,
		Clock:              clock,
		Interval:           cfg.GC.Interval,
		Retries:            cfg.GC.Retries,
		DiskPath:           cfg.Cache.Root,
		DiskSpaceThreshold: cfg.GC.DiskSpaceThreshold,
	})
	if err != nil {
		w.close()
		return nil, fmt.Errorf("failed to initialize garbage collector: %w", err)
	}
	w.gc = collector

	artifacts, err := features.NewLocalArtifactStore(cfg.Artifacts.Root)
	if err != nil {
		w.close()
		return nil, fmt.Errorf("failed to initialize artifact store: %w", err)
	}

	registry, err := features.NewRegistry(features.Deps{
		Engine:              rt,
		GC:                  collector,
		Artifacts:           artifacts,
		ProxyImage:          cfg.Features.Proxy.Image,
		ProxyPort:           cfg.Features.Proxy.Port,
		LogsDir:             cfg.Logs.Dir,
		ArtifactConcurrency: cfg.Artifacts.Concurrency,
	}, features.Builtin()...)
	if err != nil {
		w.close()
		return nil, fmt.Errorf("failed to register features: %w", err)
	}

	validator, err := schema.NewValidator()
	if err != nil {
		w.close()
		return nil, fmt.Errorf("failed to compile payload schema: %w", err)
	}

	w.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	w.queue = queue.NewRedisQueue(w.redis, queue.RedisOptions{
		WorkerID: cfg.WorkerID,
		Clock:    clock,
	})
	service := queue.NewService(w.queue, cfg.ProvisionerID, cfg.WorkerType, cfg.QueueFreshness, clock)

	w.listener = listener.New(listener.Config{
		ProvisionerID: cfg.ProvisionerID,
		WorkerType:    cfg.WorkerType,
		WorkerGroup:   cfg.WorkerGroup,
		WorkerID:      cfg.WorkerID,
		Capacity:      cfg.Capacity,
		PollInterval:  cfg.PollInterval,
	}, service, task.Deps{
		Queue:          w.queue,
		Engine:         rt,
		Features:       registry,
		Validator:      validator,
		Caches:         caches,
		GC:             collector,
		Clock:          clock,
		WorkerID:       cfg.WorkerID,
		ReclaimDivisor: cfg.ReclaimDivisor,
		PullAttempts:   cfg.Image.PullAttempts,
		PullDelay:      cfg.Image.PullDelay,
	}, store, w.broker)
	collector.SetWorkload(w.listener)

	w.collector = metrics.NewCollector(w, 0)
	w.status = api.NewServer(cfg.Status.HTTPAddr, cfg.Status.GRPCAddr)
	w.monitor = NewHealthMonitor(map[string]metrics.Probe{
		"containerd": rt.Ping,
		"queue":      w.queue.Ping,
	}, 0, clock)

	return w, nil
}

// Start brings up the status server, background loops and the listener
func (w *Worker) Start() error {
	w.broker.Start()
	w.status.Follow(w.broker)
	if err := w.status.Start(); err != nil {
		return fmt.Errorf("failed to start status server: %w", err)
	}

	w.monitor.Start()
	w.gc.Start()
	w.collector.Start()

	if err := w.listener.Start(); err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	w.status.SetServing(true)

	w.logger.Info().
		Str("provisioner_id", w.cfg.ProvisionerID).
		Str("worker_type", w.cfg.WorkerType).
		Str("worker_group", w.cfg.WorkerGroup).
		Int("capacity", w.cfg.Capacity).
		Msg("Worker started")
	return nil
}

// Pause stops claiming new work. Running tasks continue.
func (w *Worker) Pause() { w.listener.Pause() }

// Resume starts claiming work again
func (w *Worker) Resume() { w.listener.Resume() }

// Stop stops polling and waits for running tasks until ctx ends, at which
// point they are aborted. Background loops and connections are closed last.
func (w *Worker) Stop(ctx context.Context) error {
	w.status.SetServing(false)
	err := w.listener.Stop(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Tasks aborted during shutdown")
	}

	w.collector.Stop()
	w.gc.Stop()
	w.monitor.Stop()

	if serr := w.status.Stop(context.WithoutCancel(ctx)); serr != nil {
		w.logger.Warn().Err(serr).Msg("Failed to stop status server")
	}
	w.broker.Stop()
	w.close()

	w.logger.Info().Msg("Worker stopped")
	return err
}

func (w *Worker) close() {
	if w.redis != nil {
		_ = w.redis.Close()
	}
	if w.store != nil {
		_ = w.store.Close()
	}
	if w.runtime != nil {
		_ = w.runtime.Close()
	}
}

// Pending implements metrics.Source
func (w *Worker) Pending() int { return w.listener.Pending() }

// Capacity implements metrics.Source
func (w *Worker) Capacity() int { return w.listener.Capacity() }

// CacheInstances implements metrics.Source
func (w *Worker) CacheInstances() (total, mounted int) { return w.caches.Stats() }

// GCState implements metrics.Source
func (w *Worker) GCState() (marked, ignored int) { return w.gc.State() }
