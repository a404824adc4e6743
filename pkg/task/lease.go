package task

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/queue"
	"github.com/cuemby/burrow/pkg/types"
)

const (
	// DefaultReclaimDivisor sets how early a lease is renewed: after
	// (takenUntil - now) / divisor
	DefaultReclaimDivisor = 2
	reclaimTimeout        = 30 * time.Second
	// minReclaimRetry spaces out retries after a failed reclaim
	minReclaimRetry = time.Second
)

// reclaimDelay returns when the next reclaim should fire for a lease
// held until takenUntil
func reclaimDelay(now, takenUntil time.Time, divisor int) time.Duration {
	if divisor <= 1 {
		divisor = DefaultReclaimDivisor
	}
	return takenUntil.Sub(now) / time.Duration(divisor)
}

// scheduleReclaim arms the lease timer for takenUntil, replacing any
// pending one. It does nothing once the run is over.
func (t *Task) scheduleReclaim(takenUntil time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.leaseStopped {
		return
	}
	t.claim.TakenUntil = takenUntil
	if t.reclaimTimer != nil {
		t.reclaimTimer.Stop()
	}

	delay := reclaimDelay(t.deps.Clock.Now(), takenUntil, t.deps.ReclaimDivisor)
	t.logger.Debug().Dur("delay", delay).Time("taken_until", takenUntil).Msg("Scheduled reclaim")
	t.reclaimTimer = t.deps.Clock.AfterFunc(delay, t.reclaim)
}

// stopReclaim cancels the lease timer for good
func (t *Task) stopReclaim() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.leaseStopped = true
	if t.reclaimTimer != nil {
		t.reclaimTimer.Stop()
		t.reclaimTimer = nil
	}
}

func (t *Task) reclaim() {
	t.mu.Lock()
	stopped := t.leaseStopped
	takenUntil := t.claim.TakenUntil
	t.mu.Unlock()
	if stopped {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), reclaimTimeout)
	defer cancel()

	res, err := t.deps.Queue.ReclaimTask(ctx, t.claim.TaskID, t.claim.RunID)
	switch {
	case err == nil:
		metrics.ReclaimsTotal.WithLabelValues("ok").Inc()
		t.logger.Debug().Time("taken_until", res.TakenUntil).Msg("Reclaimed task")
		t.scheduleReclaim(res.TakenUntil)

	case errors.Is(err, queue.ErrClaimConflict):
		metrics.ReclaimsTotal.WithLabelValues("lost").Inc()
		t.logger.Warn().Err(err).Msg("Lost claim on task, aborting run")
		t.abort(types.ReasonClaimExpired, "claim on this task run was lost, aborting")

	default:
		metrics.ReclaimsTotal.WithLabelValues("error").Inc()
		now := t.deps.Clock.Now()
		if !now.Before(takenUntil) {
			t.logger.Error().Err(err).Msg("Reclaim failed and lease expired, aborting run")
			t.abort(types.ReasonClaimExpired, "could not renew the claim before it expired, aborting")
			return
		}
		t.logger.Warn().Err(err).Msg("Reclaim failed, retrying")
		t.retryReclaim(now, takenUntil)
	}
}

// retryReclaim re-arms the timer against the unchanged lease, which
// halves the remaining time on every failure
func (t *Task) retryReclaim(now, takenUntil time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.leaseStopped {
		return
	}
	delay := reclaimDelay(now, takenUntil, t.deps.ReclaimDivisor)
	if delay < minReclaimRetry {
		delay = minReclaimRetry
	}
	t.reclaimTimer = t.deps.Clock.AfterFunc(delay, t.reclaim)
}
