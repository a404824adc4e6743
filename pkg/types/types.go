package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskState is the lifecycle state of a single task run on this worker
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateException TaskState = "exception"
	TaskStateCanceled  TaskState = "canceled"
)

// IsTerminal reports whether no further transition is possible from s
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateException, TaskStateCanceled:
		return true
	default:
		return false
	}
}

// Reason codes attached to unsuccessful runs
const (
	ReasonMalformedPayload   = "malformed-payload"
	ReasonImagePullFailed    = "image-pull-failed"
	ReasonEnvironmentSetup   = "environment-setup-failed"
	ReasonMaxRunTimeExceeded = "max-run-time-exceeded"
	ReasonInternalError      = "internal-error"
	ReasonCanceled           = "canceled"
	ReasonClaimExpired       = "claim-expired"
	ReasonWorkerShutdown     = "worker-shutdown"
)

// TaskDefinition is the full definition of a task as stored by the queue
type TaskDefinition struct {
	ProvisionerID string          `json:"provisionerId"`
	WorkerType    string          `json:"workerType"`
	Scopes        []string        `json:"scopes,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Created       time.Time       `json:"created,omitempty"`
	Deadline      time.Time       `json:"deadline,omitempty"`
}

// Payload is the worker-specific part of a task definition
type Payload struct {
	Image      string              `json:"image"`
	Command    []string            `json:"command"`
	Env        map[string]string   `json:"env,omitempty"`
	MaxRunTime int                 `json:"maxRunTime"`
	Cache      map[string]string   `json:"cache,omitempty"`
	Artifacts  map[string]Artifact `json:"artifacts,omitempty"`
	Features   map[string]bool     `json:"features,omitempty"`
}

// MaxRunDuration returns MaxRunTime as a duration
func (p *Payload) MaxRunDuration() time.Duration {
	return time.Duration(p.MaxRunTime) * time.Second
}

// ArtifactType distinguishes single files from directory trees
type ArtifactType string

const (
	ArtifactTypeFile      ArtifactType = "file"
	ArtifactTypeDirectory ArtifactType = "directory"
)

// Artifact describes a path inside the container to extract after the run
type Artifact struct {
	Type    ArtifactType `json:"type"`
	Path    string       `json:"path"`
	Expires time.Time    `json:"expires,omitempty"`
}

// TaskClaim identifies one attempt to run one task. Only TakenUntil changes
// over its life, refreshed by reclaiming.
type TaskClaim struct {
	TaskID     string
	RunID      int
	Definition *TaskDefinition
	TakenUntil time.Time
}

// Key returns the "taskId/runId" identity of the claim
func (c *TaskClaim) Key() string {
	return RunKey(c.TaskID, c.RunID)
}

// RunKey formats the identity of a task run
func RunKey(taskID string, runID int) string {
	return fmt.Sprintf("%s/%d", taskID, runID)
}

// ClaimRequest carries the worker identity presented when claiming
type ClaimRequest struct {
	WorkerID    string
	WorkerGroup string
}

// ClaimResult is the queue's answer to a claim or reclaim
type ClaimResult struct {
	TakenUntil time.Time
}

// QueueDescriptor addresses one pending-task queue. Descriptors expire and
// must be refreshed before use.
type QueueDescriptor struct {
	SignedPollURL   string    `json:"signedPollUrl"`
	SignedDeleteURL string    `json:"signedDeleteUrl"`
	Expires         time.Time `json:"expires"`
}

// Candidate is a task run advertised as pending on a queue
type Candidate struct {
	TaskID       string
	RunID        int
	MessageID    string
	DequeueCount int
	// Raw is the message as stored by the queue, used to delete it
	Raw string
	// DeleteURL is the descriptor's delete address for this message
	DeleteURL string
}

// ResolutionDetails is sent with a run report
type ResolutionDetails struct {
	Reason   string
	ExitCode int
}

// CancelEvent notifies that a task run was canceled or resolved elsewhere
type CancelEvent struct {
	TaskID string `json:"taskId"`
	RunID  int    `json:"runId"`
	Reason string `json:"reason"`
}

// CancelFilter selects which cancellation events a worker receives
type CancelFilter struct {
	ProvisionerID string
	WorkerType    string
}

// Link exposes an auxiliary container to the task container under an alias
type Link struct {
	Name  string
	Alias string
}

// Mount binds a host path into a container
type Mount struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// ContainerConfig is everything needed to build a task container
type ContainerConfig struct {
	Name    string
	Image   string
	Command []string
	Env     []string
	Mounts  []Mount
	Links   []Link
	Labels  map[string]string
	// HostNetwork joins the host network namespace. Implied when Links is set.
	HostNetwork bool
}

// ContainerStatus is the coarse state reported by the container engine
type ContainerStatus string

const (
	ContainerStatusCreated ContainerStatus = "created"
	ContainerStatusRunning ContainerStatus = "running"
	ContainerStatusExited  ContainerStatus = "exited"
	ContainerStatusUnknown ContainerStatus = "unknown"
)

// ContainerSummary is one entry of a container listing
type ContainerSummary struct {
	ID     string
	Status ContainerStatus
	Labels map[string]string
}

// RunRecord is the persisted outcome of one task run on this worker
type RunRecord struct {
	TaskID     string    `json:"taskId"`
	RunID      int       `json:"runId"`
	State      TaskState `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	ExitCode   int       `json:"exitCode"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// IgnoredContainer is a container the garbage collector gave up removing.
// It is kept so the container is never reconsidered, even across restarts.
type IgnoredContainer struct {
	ID     string    `json:"id"`
	Reason string    `json:"reason"`
	Since  time.Time `json:"since"`
}
