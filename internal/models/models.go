// Package models defines the core domain types for the hub.
package models

import "time"

// TaskStatus represents the coarse state of a task. Values other than the
// constants below are stored as-is.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in-progress"
	TaskStatusDone       TaskStatus = "done"
)

// Task represents a unit of requested work.
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// PipelineStatus represents the lifecycle state of a pipeline.
type PipelineStatus string

const (
	PipelineStatusStarting  PipelineStatus = "starting"
	PipelineStatusRunning   PipelineStatus = "running"
	PipelineStatusStopped   PipelineStatus = "stopped"
	PipelineStatusFailed    PipelineStatus = "failed"
	PipelineStatusCompleted PipelineStatus = "completed"
)

// transitions lists the legal next states for every non-terminal state.
var transitions = map[PipelineStatus][]PipelineStatus{
	PipelineStatusStarting: {PipelineStatusRunning, PipelineStatusFailed, PipelineStatusStopped},
	PipelineStatusRunning:  {PipelineStatusStopped, PipelineStatusFailed, PipelineStatusCompleted},
}

// IsActive reports whether the pipeline still holds its task's active slot.
func (s PipelineStatus) IsActive() bool {
	return s == PipelineStatusStarting || s == PipelineStatusRunning
}

// IsTerminal reports whether no further transition is possible.
func (s PipelineStatus) IsTerminal() bool {
	return s == PipelineStatusStopped || s == PipelineStatusFailed || s == PipelineStatusCompleted
}

// CanTransition reports whether moving from s to next is a legal step.
func (s PipelineStatus) CanTransition(next PipelineStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RedactedToken replaces a git token wherever it would otherwise be stored.
const RedactedToken = "[REDACTED]"

// Pipeline is one execution attempt of a task's work.
type Pipeline struct {
	ID            string         `json:"id"`
	TaskID        string         `json:"taskId"`
	Description   string         `json:"description"`
	Status        PipelineStatus `json:"status"`
	CreatedAt     time.Time      `json:"createdAt"`
	StartedAt     *time.Time     `json:"startedAt,omitempty"`
	StoppedAt     *time.Time     `json:"stoppedAt,omitempty"`
	ContainerName string         `json:"containerName"`
	VolumeName    string         `json:"volumeName"`
	GitURL        string         `json:"gitUrl,omitempty"`
	GitUsername   string         `json:"gitUsername,omitempty"`
	GitToken      string         `json:"gitToken,omitempty"` // only ever RedactedToken
	Error         string         `json:"error,omitempty"`
}

// GitParams carries source-control parameters for a pipeline start. The
// token is transient: it is handed to the engine and never persisted.
type GitParams struct {
	URL      string `json:"gitUrl,omitempty"`
	Username string `json:"gitUsername,omitempty"`
	Token    string `json:"-"`
}

// LivePipeline is one entry of the execution engine's own pipeline listing.
type LivePipeline struct {
	ID            string    `json:"id"`
	TaskID        string    `json:"taskId"`
	Status        string    `json:"status"`
	ContainerName string    `json:"containerName"`
	CreatedAt     time.Time `json:"createdAt"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	TaskID     string    `json:"task_id,omitempty"`
	PipelineID string    `json:"pipeline_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// TaskStartedEvent is published when a task moves into in-progress. Git
// carries the transient parameters of the triggering update.
type TaskStartedEvent struct {
	TaskID      string
	Description string
	Git         GitParams
}
