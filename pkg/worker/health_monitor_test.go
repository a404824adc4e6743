package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestHealthMonitor_TracksProbeResults(t *testing.T) {
	clock := clockwork.NewFakeClock()

	var queueDown atomic.Bool
	hm := NewHealthMonitor(map[string]metrics.Probe{
		"containerd": func(context.Context) error { return nil },
		"queue": func(context.Context) error {
			if queueDown.Load() {
				return errors.New("connection refused")
			}
			return nil
		},
	}, time.Second, clock)

	hm.Start()
	defer hm.Stop()

	assert.Eventually(t, func() bool {
		return hm.Healthy("containerd") && hm.Healthy("queue")
	}, 2*time.Second, 10*time.Millisecond)

	queueDown.Store(true)
	clock.BlockUntil(1)
	clock.Advance(time.Second)

	assert.Eventually(t, func() bool { return !hm.Healthy("queue") }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, hm.Healthy("containerd"))
	assert.Equal(t, "unhealthy: connection refused", metrics.GetHealth().Components["queue"])

	queueDown.Store(false)
	clock.BlockUntil(1)
	clock.Advance(time.Second)

	assert.Eventually(t, func() bool { return hm.Healthy("queue") }, 2*time.Second, 10*time.Millisecond)
}

func TestNewHealthMonitor_Defaults(t *testing.T) {
	hm := NewHealthMonitor(nil, 0, nil)

	assert.Equal(t, defaultMonitorInterval, hm.interval)
	assert.NotNil(t, hm.clock)
}
