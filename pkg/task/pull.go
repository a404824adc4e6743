package task

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/cuemby/burrow/pkg/metrics"
)

const (
	// DefaultPullAttempts is how many times an image pull is tried
	DefaultPullAttempts = 5
	// DefaultPullDelay is the backoff before the second pull attempt
	DefaultPullDelay = 15 * time.Second
)

// pullBackoff returns the delay after the given failed attempt:
// 2^(attempt-1) * base, randomized by up to 25% either way. r is in [0, 1).
func pullBackoff(attempt int, base time.Duration, r float64) time.Duration {
	d := base << (attempt - 1)
	jitter := (r*2 - 1) * 0.25
	return d + time.Duration(float64(d)*jitter)
}

// ensureImage pulls the task image unless it is already present
func (t *Task) ensureImage(ctx context.Context, image string) error {
	present, err := t.deps.Engine.HasImage(ctx, image)
	if err != nil {
		t.logger.Warn().Err(err).Str("image", image).Msg("Failed to inspect local image, pulling")
	}
	if present {
		t.stream.Logf("using image %s", image)
		return nil
	}

	attempts := t.deps.PullAttempts
	if attempts <= 0 {
		attempts = DefaultPullAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		t.stream.Logf("pulling image %s (attempt %d of %d)", image, attempt, attempts)

		lastErr = t.deps.Engine.PullImage(ctx, image)
		if lastErr == nil {
			metrics.ImagePullAttempts.WithLabelValues("success").Inc()
			t.stream.Logf("pulled image %s", image)
			return nil
		}
		metrics.ImagePullAttempts.WithLabelValues("failure").Inc()
		t.logger.Warn().Err(lastErr).Int("attempt", attempt).Str("image", image).Msg("Image pull failed")

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == attempts {
			break
		}

		delay := pullBackoff(attempt, t.deps.PullDelay, rand.Float64())
		t.stream.Logf("pull failed: %v, retrying in %s", lastErr, delay.Round(time.Millisecond))

		timer := t.deps.Clock.NewTimer(delay)
		select {
		case <-timer.Chan():
		case <-t.abortCh:
			timer.Stop()
			return errAborted
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w %s after %d attempts: %w", ErrImagePull, image, attempts, lastErr)
}
