package queue

import (
	"context"

	"github.com/cuemby/burrow/pkg/types"
	"go.trai.ch/zerr"
)

var (
	// ErrClaimConflict is returned when another worker holds, or has
	// resolved, the task run
	ErrClaimConflict = zerr.New("task run already claimed")
	// ErrTaskNotFound is returned for unknown task ids
	ErrTaskNotFound = zerr.New("task not found")
)

// Queue is the remote work queue the worker pulls tasks from
type Queue interface {
	// PollTaskURLs returns the pending-task queues for a worker type,
	// highest priority first
	PollTaskURLs(ctx context.Context, provisionerID, workerType string) ([]types.QueueDescriptor, error)
	// FetchCandidates returns up to n pending task runs from one queue
	FetchCandidates(ctx context.Context, desc types.QueueDescriptor, n int) ([]types.Candidate, error)
	DeleteCandidate(ctx context.Context, c types.Candidate) error

	ClaimTask(ctx context.Context, taskID string, runID int, req types.ClaimRequest) (types.ClaimResult, error)
	ReclaimTask(ctx context.Context, taskID string, runID int) (types.ClaimResult, error)
	TaskDefinition(ctx context.Context, taskID string) (*types.TaskDefinition, error)

	ReportCompleted(ctx context.Context, taskID string, runID int, details types.ResolutionDetails) error
	ReportFailed(ctx context.Context, taskID string, runID int, details types.ResolutionDetails) error
	ReportException(ctx context.Context, taskID string, runID int, details types.ResolutionDetails) error

	// SubscribeCancellations delivers cancellation events matching filter
	// until ctx is done, then closes the channel
	SubscribeCancellations(ctx context.Context, filter types.CancelFilter) (<-chan types.CancelEvent, error)
}
