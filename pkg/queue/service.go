package queue

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
	// DefaultFreshness is how long before expiry queue descriptors are refreshed
	DefaultFreshness = 5 * time.Minute
	// MaxDequeueCount is the number of deliveries after which a candidate is
	// considered poisoned and deleted instead of claimed
	MaxDequeueCount = 15
)

// Service caches queue descriptors and screens candidates before they are
// claimed
type Service struct {
	queue         Queue
	provisionerID string
	workerType    string
	freshness     time.Duration
	clock         clockwork.Clock

	mu          sync.Mutex
	descriptors []types.QueueDescriptor

	logger zerolog.Logger
}

// NewService wraps q for one worker type
func NewService(q Queue, provisionerID, workerType string, freshness time.Duration, clock clockwork.Clock) *Service {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		queue:         q,
		provisionerID: provisionerID,
		workerType:    workerType,
		freshness:     freshness,
		clock:         clock,
		logger:        log.WithComponent("queue"),
	}
}

// Queues returns the queue descriptors in priority order, refreshing them
// when any expires within the freshness window
func (s *Service) Queues(ctx context.Context) ([]types.QueueDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.stale() {
		return s.descriptors, nil
	}

	descriptors, err := s.queue.PollTaskURLs(ctx, s.provisionerID, s.workerType)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh queue descriptors: %w", err)
	}
	s.descriptors = descriptors
	s.logger.Debug().Int("queues", len(descriptors)).Msg("Refreshed queue descriptors")
	return descriptors, nil
}

func (s *Service) stale() bool {
	if len(s.descriptors) == 0 {
		return true
	}
	deadline := s.clock.Now().Add(s.freshness)
	for _, d := range s.descriptors {
		if d.Expires.Before(deadline) {
			return true
		}
	}
	return false
}

// Candidates fetches up to n candidates from desc. Candidates delivered too
// many times are deleted and reported to the operator instead of returned.
// A batch made up only of such candidates is followed by another fetch, so
// an empty result means the queue had nothing to hand out.
func (s *Service) Candidates(ctx context.Context, desc types.QueueDescriptor, n int) ([]types.Candidate, error) {
	if n <= 0 {
		return nil, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		fetched, err := s.queue.FetchCandidates(ctx, desc, n)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch candidates: %w", err)
		}
		if len(fetched) == 0 {
			return nil, nil
		}

		if candidates := s.discardPoisoned(ctx, fetched); len(candidates) > 0 {
			return candidates, nil
		}
	}
}

func (s *Service) discardPoisoned(ctx context.Context, fetched []types.Candidate) []types.Candidate {
	candidates := fetched[:0]
	for _, c := range fetched {
		if c.DequeueCount < MaxDequeueCount {
			candidates = append(candidates, c)
			continue
		}

		metrics.CandidatesDiscarded.Inc()
		log.Alert(s.logger).
			Str("task_id", c.TaskID).
			Int("run_id", c.RunID).
			Int("dequeue_count", c.DequeueCount).
			Msg("Candidate delivered too many times, deleting it")

		if err := s.queue.DeleteCandidate(ctx, c); err != nil {
			s.logger.Error().Err(err).Str("task_id", c.TaskID).Msg("Failed to delete poisoned candidate")
		}
	}
	return candidates
}

// Delete removes a candidate from its queue
func (s *Service) Delete(ctx context.Context, c types.Candidate) error {
	return s.queue.DeleteCandidate(ctx, c)
}

// Queue returns the wrapped queue
func (s *Service) Queue() Queue {
	return s.queue
}
