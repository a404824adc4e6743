package storage

import (
	"github.com/cuemby/burrow/pkg/types"
)

// Store defines the interface for the worker's local state
type Store interface {
	// Ignored containers
	AddIgnoredContainer(c *types.IgnoredContainer) error
	IsIgnoredContainer(id string) (bool, error)
	ListIgnoredContainers() ([]*types.IgnoredContainer, error)
	DeleteIgnoredContainer(id string) error

	// Run history
	SaveRun(run *types.RunRecord) error
	GetRun(taskID string, runID int) (*types.RunRecord, error)
	ListRuns() ([]*types.RunRecord, error)

	// Utility
	Close() error
}
