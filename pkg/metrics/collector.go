package metrics

import (
	"time"
)

// Source exposes the worker state sampled by the collector
type Source interface {
	Pending() int
	Capacity() int
	CacheInstances() (total, mounted int)
	GCState() (marked, ignored int)
}

// Collector periodically samples worker gauges
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	TasksRunning.Set(float64(c.source.Pending()))
	WorkerCapacity.Set(float64(c.source.Capacity()))

	total, mounted := c.source.CacheInstances()
	CacheInstances.WithLabelValues("mounted").Set(float64(mounted))
	CacheInstances.WithLabelValues("unmounted").Set(float64(total - mounted))

	marked, ignored := c.source.GCState()
	GCMarked.Set(float64(marked))
	GCIgnored.Set(float64(ignored))
}
