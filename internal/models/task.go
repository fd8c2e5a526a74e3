package models

import "time"

// TaskStatus is the durable state of a detached run. Transitions are
// monotonic: pending -> processing -> {completed | failed | cancelled}.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// rank orders statuses along the allowed transition path.
func (s TaskStatus) rank() int {
	switch s {
	case TaskStatusPending:
		return 0
	case TaskStatusProcessing:
		return 1
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return 2
	}
	return -1
}

// CanTransition reports whether moving from s to next respects monotonicity.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// TaskResult is the payload stored on a completed task record.
type TaskResult struct {
	Report      string     `json:"report"`
	Citations   []Citation `json:"citations"`
	Iterations  int        `json:"iterations"`
	SearchCount int        `json:"search_count"`
}

// TaskRecord is the durable, connection-independent handle to a detached run.
// It is mutated only by the background runner driving the task and read by
// polling clients.
type TaskRecord struct {
	TaskID      string      `json:"task_id"`
	SessionID   string      `json:"session_id"`
	Query       string      `json:"query"`
	Status      TaskStatus  `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Result      *TaskResult `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
}
