package types

import "time"

// TaskState is the lifecycle state of a task.
type TaskState string

// Task states. SUBMITTED is the only initial state. COMPLETED, FAILED,
// CANCELED, REJECTED, and TIMEOUT are terminal.
const (
	TaskSubmitted     TaskState = "SUBMITTED"
	TaskWorking       TaskState = "WORKING"
	TaskInputRequired TaskState = "INPUT_REQUIRED"
	TaskCompleted     TaskState = "COMPLETED"
	TaskFailed        TaskState = "FAILED"
	TaskCanceled      TaskState = "CANCELED"
	TaskRejected      TaskState = "REJECTED"
	TaskTimeout       TaskState = "TIMEOUT"
)

// ValidTaskState reports whether s is a member of the closed state set.
// List filters are checked against this before touching any query.
func ValidTaskState(s TaskState) bool {
	switch s {
	case TaskSubmitted, TaskWorking, TaskInputRequired,
		TaskCompleted, TaskFailed, TaskCanceled, TaskRejected, TaskTimeout:
		return true
	}
	return false
}

// IsTerminal reports whether s accepts no further transitions.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCanceled, TaskRejected, TaskTimeout:
		return true
	}
	return false
}

// CanTransition reports whether the protocol permits from -> to.
// Cancellation is allowed from any non-terminal state; canceling an
// already-terminal task is handled as an idempotent no-op one layer up,
// not here.
func CanTransition(from, to TaskState) bool {
	if from.IsTerminal() {
		return false
	}
	if to == TaskCanceled {
		return true
	}
	switch from {
	case TaskSubmitted:
		// TIMEOUT is reachable from SUBMITTED: queued work can expire
		// before any agent picks it up.
		return to == TaskWorking || to == TaskRejected || to == TaskTimeout
	case TaskWorking:
		return to == TaskInputRequired || to == TaskCompleted ||
			to == TaskFailed || to == TaskTimeout
	case TaskInputRequired:
		return to == TaskWorking || to == TaskTimeout
	}
	return false
}

// TaskPriority orders delegated work.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityNormal TaskPriority = "normal"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// ValidTaskPriority reports whether p is a member of the closed priority set.
func ValidTaskPriority(p TaskPriority) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Task is the persistent unit of delegated work. Identity never changes
// after creation; messages are append-only.
type Task struct {
	ID        string            `json:"id"`
	Name      string            `json:"name,omitempty"`
	Priority  TaskPriority      `json:"priority"`
	State     TaskState         `json:"state"`
	Messages  []Message         `json:"messages,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}
