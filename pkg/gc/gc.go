package gc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	// DefaultInterval is the delay between the end of one sweep and the start of the next
	DefaultInterval = 60 * time.Second
	// DefaultRetries is how many failed removals a container gets before it is ignored
	DefaultRetries = 5
)

// Engine is the part of the container engine the collector needs
type Engine interface {
	ListContainers(ctx context.Context, includeStopped bool) ([]types.ContainerSummary, error)
	ForceRemoveContainer(ctx context.Context, id string) error
}

// Caches receives cache instances freed by removed containers
type Caches interface {
	Release(key string) error
	Clear(diskPressure bool) error
}

// IgnoreStore persists containers the collector gave up on
type IgnoreStore interface {
	AddIgnoredContainer(c *types.IgnoredContainer) error
	ListIgnoredContainers() ([]*types.IgnoredContainer, error)
}

// Workload reports how many task slots are configured and in use
type Workload interface {
	Capacity() int
	Pending() int
}

// DiskFree returns the bytes available to unprivileged users on the
// filesystem holding path
type DiskFree func(path string) (uint64, error)

// Config configures a GarbageCollector
type Config struct {
	Engine   Engine
	Caches   Caches
	Store    IgnoreStore
	Clock    clockwork.Clock
	Interval time.Duration
	Retries  int

	// DiskPath is checked for free space after every sweep. Empty disables
	// the check.
	DiskPath string
	// DiskSpaceThreshold is the free space in bytes required per idle slot
	DiskSpaceThreshold int64
	DiskFree           DiskFree
}

type marked struct {
	retries int
	caches  []string
}

// GarbageCollector removes dead task containers with a bounded number of
// attempts and frees the cache instances they held
type GarbageCollector struct {
	engine   Engine
	caches   Caches
	store    IgnoreStore
	clock    clockwork.Clock
	interval time.Duration
	retries  int

	diskPath      string
	diskThreshold int64
	diskFree      DiskFree

	mu       sync.Mutex
	marked   map[string]*marked
	ignored  map[string]struct{}
	workload Workload

	logger zerolog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a garbage collector and loads the persisted ignore set
func New(cfg Config) (*GarbageCollector, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("garbage collector requires an engine")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.DiskFree == nil {
		cfg.DiskFree = diskFree
	}

	g := &GarbageCollector{
		engine:        cfg.Engine,
		caches:        cfg.Caches,
		store:         cfg.Store,
		clock:         cfg.Clock,
		interval:      cfg.Interval,
		retries:       cfg.Retries,
		diskPath:      cfg.DiskPath,
		diskThreshold: cfg.DiskSpaceThreshold,
		diskFree:      cfg.DiskFree,
		marked:        make(map[string]*marked),
		ignored:       make(map[string]struct{}),
		logger:        log.WithComponent("gc"),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}

	if g.store != nil {
		ignored, err := g.store.ListIgnoredContainers()
		if err != nil {
			return nil, fmt.Errorf("failed to load ignored containers: %w", err)
		}
		for _, c := range ignored {
			g.ignored[c.ID] = struct{}{}
		}
	}

	return g, nil
}

// SetWorkload attaches the source of capacity figures for the disk check
func (g *GarbageCollector) SetWorkload(w Workload) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.workload = w
}

// RemoveContainer marks a container for removal at the full retry count.
// cacheKeys are released once the container is gone. Marking an ignored
// container is a no-op.
func (g *GarbageCollector) RemoveContainer(id string, cacheKeys ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.ignored[id]; ok {
		return
	}

	m, ok := g.marked[id]
	if !ok {
		m = &marked{}
		g.marked[id] = m
	}
	m.retries = g.retries
	if len(cacheKeys) > 0 {
		m.caches = append([]string(nil), cacheKeys...)
	}
}

// State returns the number of marked and ignored containers
func (g *GarbageCollector) State() (markedCount, ignoredCount int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.marked), len(g.ignored)
}

// IsMarked reports whether id is waiting for removal
func (g *GarbageCollector) IsMarked(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.marked[id]
	return ok
}

// IsIgnored reports whether the collector gave up on id
func (g *GarbageCollector) IsIgnored(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.ignored[id]
	return ok
}

// Start runs sweeps in the background. The next sweep is scheduled only
// after the previous one has finished.
func (g *GarbageCollector) Start() {
	g.logger.Info().Dur("interval", g.interval).Int("retries", g.retries).Msg("Starting garbage collector")

	go func() {
		defer close(g.doneCh)

		timer := g.clock.NewTimer(g.interval)
		defer timer.Stop()

		for {
			select {
			case <-timer.Chan():
				g.Sweep(context.Background())
				timer.Reset(g.interval)
			case <-g.stopCh:
				return
			}
		}
	}()
}

// Stop stops the sweep loop and waits for a running sweep to finish
func (g *GarbageCollector) Stop() {
	close(g.stopCh)
	<-g.doneCh
}

// Sweep marks stale containers, attempts to remove every marked container,
// then purges unmounted caches if disk space is low. A failure to list
// containers or read disk usage ends only this sweep.
func (g *GarbageCollector) Sweep(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.GCSweepDuration)

	g.logger.Debug().Msg("Garbage collection started")

	if err := g.markStaleContainers(ctx); err != nil {
		g.logger.Error().Err(err).Msg("Failed to list containers, skipping sweep")
		return
	}

	g.removeMarkedContainers(ctx)

	if err := g.checkDiskSpace(); err != nil {
		g.logger.Error().Err(err).Msg("Failed to check disk space")
		return
	}

	g.logger.Debug().Msg("Garbage collection finished")
}

func (g *GarbageCollector) markStaleContainers(ctx context.Context) error {
	containers, err := g.engine.ListContainers(ctx, true)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, c := range containers {
		if !isStale(c) {
			continue
		}
		if _, ok := g.ignored[c.ID]; ok {
			continue
		}
		if _, ok := g.marked[c.ID]; ok {
			continue
		}
		g.marked[c.ID] = &marked{retries: g.retries}
		g.logger.Debug().Str("container_id", c.ID).Str("status", string(c.Status)).Msg("Marked stale container")
	}
	return nil
}

func (g *GarbageCollector) removeMarkedContainers(ctx context.Context) {
	g.mu.Lock()
	ids := make([]string, 0, len(g.marked))
	for id := range g.marked {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, id := range ids {
		err := g.engine.ForceRemoveContainer(ctx, id)
		if err == nil {
			g.removed(id)
			continue
		}
		g.failed(id, err)
	}
}

func (g *GarbageCollector) removed(id string) {
	g.mu.Lock()
	m, ok := g.marked[id]
	delete(g.marked, id)
	g.mu.Unlock()

	metrics.GCRemovals.WithLabelValues("success").Inc()
	g.logger.Info().Str("container_id", id).Msg("Container removed")

	if !ok || g.caches == nil {
		return
	}
	for _, key := range m.caches {
		if err := g.caches.Release(key); err != nil {
			g.logger.Error().Err(err).Str("container_id", id).Str("cache_key", key).Msg("Failed to release cache instance")
		}
	}
}

func (g *GarbageCollector) failed(id string, removeErr error) {
	metrics.GCRemovals.WithLabelValues("failure").Inc()

	g.mu.Lock()
	m, ok := g.marked[id]
	if !ok {
		g.mu.Unlock()
		return
	}
	m.retries--
	if m.retries > 0 {
		retries := m.retries
		g.mu.Unlock()
		g.logger.Warn().Err(removeErr).Str("container_id", id).Int("retries_left", retries).Msg("Container removal failed")
		return
	}

	delete(g.marked, id)
	g.ignored[id] = struct{}{}
	g.mu.Unlock()

	if g.store != nil {
		err := g.store.AddIgnoredContainer(&types.IgnoredContainer{
			ID:     id,
			Reason: removeErr.Error(),
			Since:  g.clock.Now(),
		})
		if err != nil {
			g.logger.Error().Err(err).Str("container_id", id).Msg("Failed to persist ignored container")
		}
	}

	log.Alert(g.logger).
		Err(removeErr).
		Str("container_id", id).
		Strs("cache_keys", m.caches).
		Msg("Container could not be removed and will be ignored, manual cleanup required")
}

func (g *GarbageCollector) checkDiskSpace() error {
	g.mu.Lock()
	w := g.workload
	g.mu.Unlock()

	if g.diskPath == "" || g.caches == nil || w == nil {
		return nil
	}

	free, err := g.diskFree(g.diskPath)
	if err != nil {
		return fmt.Errorf("failed to read free space of %s: %w", g.diskPath, err)
	}

	idle := w.Capacity() - w.Pending()
	if idle <= 0 {
		return nil
	}

	required := uint64(g.diskThreshold) * uint64(idle)
	if free >= required {
		return nil
	}

	g.logger.Warn().
		Uint64("free_bytes", free).
		Uint64("required_bytes", required).
		Msg("Disk space below threshold, clearing unmounted caches")

	return g.caches.Clear(true)
}

func isStale(c types.ContainerSummary) bool {
	return c.Status == types.ContainerStatusExited || c.Status == types.ContainerStatusUnknown
}
