// Package models defines the core data types shared across Aspen components.
package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not been dispatched yet.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusLaunched indicates the task was accepted by an executor
	// but has not reported real work yet.
	TaskStatusLaunched TaskStatus = "launched"
	// TaskStatusInProgress indicates the execution session is doing real work.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task failed.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusKilled indicates the task was terminated by an operator.
	TaskStatusKilled TaskStatus = "killed"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusLaunched, TaskStatusInProgress,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusKilled:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are allowed from this status.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusKilled:
		return true
	default:
		return false
	}
}

// Active returns true if the task is in a state that can still be killed.
func (s TaskStatus) Active() bool {
	switch s {
	case TaskStatusPending, TaskStatusLaunched, TaskStatusInProgress:
		return true
	default:
		return false
	}
}

// rank orders statuses along the lifecycle. Terminal statuses share the
// highest rank so no terminal state can transition to another.
func (s TaskStatus) rank() int {
	switch s {
	case TaskStatusPending:
		return 0
	case TaskStatusLaunched:
		return 1
	case TaskStatusInProgress:
		return 2
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusKilled:
		return 3
	default:
		return -1
	}
}

// CanTransition returns true if moving from s to next is forward-monotonic.
// Forward jumps are allowed (a pending task may fail on dispatch), but a
// task never re-enters an earlier state and never leaves a terminal one.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// TaskMetadata holds typed optional configuration attached to a task.
// Unrecognized keys are preserved in Extra for forward compatibility.
type TaskMetadata struct {
	// MaxDepth is an advisory delegation depth limit for the tree rooted
	// at this task. Zero means no limit.
	MaxDepth int `json:"max_depth,omitempty"`
	// Extra preserves unrecognized metadata keys.
	Extra map[string]string `json:"extra,omitempty"`
}

// Empty returns true if the metadata carries no information.
func (m *TaskMetadata) Empty() bool {
	return m == nil || (m.MaxDepth == 0 && len(m.Extra) == 0)
}

// Task represents a unit of delegated work.
type Task struct {
	// ID is the unique identifier for this task.
	ID int64 `json:"id"`
	// Creator is the name of the participant that created the task.
	Creator string `json:"creator"`
	// Assignee is the name of the participant the task is routed to.
	Assignee string `json:"assignee"`
	// Subject is the short label for the task.
	Subject string `json:"subject"`
	// Prompt contains the full work instructions.
	Prompt string `json:"prompt"`
	// WorkingDir is the directory the execution session should run in.
	WorkingDir string `json:"working_dir,omitempty"`
	// HostHint suggests a specific worker host for dispatch.
	HostHint string `json:"host_hint,omitempty"`
	// Status is the current lifecycle state.
	Status TaskStatus `json:"status"`
	// BlockedByTaskID references a task that must complete before this
	// one is dispatched. Zero means not blocked.
	BlockedByTaskID int64 `json:"blocked_by_task_id,omitempty"`
	// ParentTaskID is the ID of the parent task. Zero for roots.
	ParentTaskID int64 `json:"parent_task_id,omitempty"`
	// RootTaskID is the ID of the tree root. Equals ID for roots.
	RootTaskID int64 `json:"root_task_id"`
	// Depth is the distance from the tree root. Zero for roots.
	Depth int `json:"depth"`
	// OnComplete is a free-text follow-up directive consumed by the conductor.
	OnComplete string `json:"on_complete,omitempty"`
	// Metadata holds typed optional configuration.
	Metadata *TaskMetadata `json:"metadata,omitempty"`
	// CardRef is an opaque external board-card reference, bookkeeping only.
	CardRef string `json:"card_ref,omitempty"`
	// RetryCount is the number of retries in this task's lineage.
	RetryCount int `json:"retry_count,omitempty"`
	// Output contains the free-text result or failure reason.
	Output string `json:"output,omitempty"`
	// FailedByTaskID references the failed blocker whose cascade failed
	// this task. Zero for tasks that failed on their own.
	FailedByTaskID int64 `json:"failed_by_task_id,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the task was launched, if it has been.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Root returns true if the task is a tree root.
func (t *Task) Root() bool {
	return t.Depth == 0
}

// Blocked returns true if the task is waiting on another task.
func (t *Task) Blocked() bool {
	return t.Status == TaskStatusPending && t.BlockedByTaskID != 0
}

// CascadeFailed returns true if the task was failed by a blocker's
// failure rather than by its own run.
func (t *Task) CascadeFailed() bool {
	return t.Status == TaskStatusFailed && t.FailedByTaskID != 0
}
