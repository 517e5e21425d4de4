package taskqueue

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	// TaskStatusPending indicates the task is queued and waiting for dispatch
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRunning indicates the task has been handed to a worker
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusPaused is part of the status vocabulary but the coordinator
	// never transitions a task into or out of it
	TaskStatusPaused TaskStatus = "paused"
	// TaskStatusCompleted indicates the handler returned successfully
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the handler returned an error or panicked
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was cancelled before or during execution
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsValid returns true if the status is a known task status
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusPaused,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if no further transitions can occur from this status
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// CanTransitionTo checks whether a transition from s to target is allowed.
// The only legal edges are PENDING->RUNNING, PENDING->CANCELLED and
// RUNNING->{COMPLETED,FAILED,CANCELLED}; terminal states have no outgoing
// edges and nothing ever enters PAUSED.
func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return target == TaskStatusRunning || target == TaskStatusCancelled
	case TaskStatusRunning:
		return target == TaskStatusCompleted || target == TaskStatusFailed || target == TaskStatusCancelled
	default:
		return false
	}
}

// TaskPriority orders tasks within the scheduling queue. Smaller values
// dequeue first, so PriorityUrgent beats PriorityHigh and so on down to
// PriorityLow.
type TaskPriority int

const (
	// PriorityUrgent is dispatched before all other priorities
	PriorityUrgent TaskPriority = iota
	// PriorityHigh is dispatched before normal and low priority work
	PriorityHigh
	// PriorityNormal is the default priority for submitted tasks
	PriorityNormal
	// PriorityLow is dispatched only when nothing more urgent is eligible
	PriorityLow
)

// String returns the lowercase name of the priority
func (p TaskPriority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// IsValid returns true if the priority is one of the defined levels
func (p TaskPriority) IsValid() bool {
	return p >= PriorityUrgent && p <= PriorityLow
}

// ParsePriority converts a priority name to a TaskPriority. Unknown or empty
// names resolve to PriorityNormal with ok=false so callers can fall back
// without guessing.
func ParsePriority(name string) (TaskPriority, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "urgent":
		return PriorityUrgent, true
	case "high":
		return PriorityHigh, true
	case "normal":
		return PriorityNormal, true
	case "low":
		return PriorityLow, true
	default:
		return PriorityNormal, false
	}
}

// MarshalJSON encodes the priority as its string name
func (p TaskPriority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts either a priority name or a bare integer level
func (p *TaskPriority) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, ok := ParsePriority(name)
		if !ok && name != "" && name != "normal" {
			return fmt.Errorf("unknown task priority %q", name)
		}
		*p = parsed
		return nil
	}

	var level int
	if err := json.Unmarshal(data, &level); err != nil {
		return fmt.Errorf("task priority must be a name or integer: %w", err)
	}
	candidate := TaskPriority(level)
	if !candidate.IsValid() {
		return fmt.Errorf("task priority level %d out of range", level)
	}
	*p = candidate
	return nil
}
