package worker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	defaultMonitorInterval = 10 * time.Second
	probeTimeout           = 5 * time.Second
)

// HealthMonitor keeps the component health registry current by probing the
// worker's dependencies on an interval
type HealthMonitor struct {
	probes   map[string]metrics.Probe
	interval time.Duration
	clock    clockwork.Clock
	logger   zerolog.Logger

	mu      sync.Mutex
	healthy map[string]bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHealthMonitor creates a monitor for the named probes
func NewHealthMonitor(probes map[string]metrics.Probe, interval time.Duration, clock clockwork.Clock) *HealthMonitor {
	if interval <= 0 {
		interval = defaultMonitorInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &HealthMonitor{
		probes:   probes,
		interval: interval,
		clock:    clock,
		logger:   log.WithComponent("health"),
		healthy:  make(map[string]bool),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start registers the probes and begins checking them
func (hm *HealthMonitor) Start() {
	for name, probe := range hm.probes {
		metrics.RegisterComponent(name, false, "not checked yet")
		metrics.RegisterProbe(name, probe)
	}
	go hm.monitorLoop()
}

// Stop ends the monitor loop
func (hm *HealthMonitor) Stop() {
	close(hm.stopCh)
	<-hm.doneCh
}

func (hm *HealthMonitor) monitorLoop() {
	defer close(hm.doneCh)

	ticker := hm.clock.NewTicker(hm.interval)
	defer ticker.Stop()

	hm.checkAll()
	for {
		select {
		case <-ticker.Chan():
			hm.checkAll()
		case <-hm.stopCh:
			return
		}
	}
}

// checkAll runs every probe in name order and records the result
func (hm *HealthMonitor) checkAll() {
	names := make([]string, 0, len(hm.probes))
	for name := range hm.probes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		err := hm.probes[name](ctx)
		cancel()

		healthy := err == nil
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		metrics.UpdateComponent(name, healthy, msg)

		hm.mu.Lock()
		prev, seen := hm.healthy[name]
		hm.healthy[name] = healthy
		hm.mu.Unlock()

		switch {
		case !healthy && (!seen || prev):
			hm.logger.Warn().Str("component", name).Err(err).Msg("Component unhealthy")
		case healthy && seen && !prev:
			hm.logger.Info().Str("component", name).Msg("Component recovered")
		}
	}
}

// Healthy reports the last result for a component
func (hm *HealthMonitor) Healthy(name string) bool {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	return hm.healthy[name]
}
