package taskqueue

import (
	"sync"
	"time"
)

// TaskInfo is the mutable record of one submitted task. All mutable fields
// are guarded by a per-instance lock; the identity fields (ID, Type, Name,
// Priority, CreatedAt) are set once at submission and never change.
type TaskInfo struct {
	ID        string       `json:"id"`
	Type      string       `json:"type"`
	Name      string       `json:"name"`
	Priority  TaskPriority `json:"priority"`
	CreatedAt time.Time    `json:"created_at"`

	mu           sync.RWMutex
	status       TaskStatus
	progress     float64
	metadata     map[string]interface{}
	startedAt    time.Time
	completedAt  time.Time
	errMsg       string
	resultValue  interface{}
	dependencies []string
	tags         []string
}

// NewTaskInfo creates a pending TaskInfo for a submitted task
func NewTaskInfo(id, taskType, name string, priority TaskPriority) *TaskInfo {
	return &TaskInfo{
		ID:        id,
		Type:      taskType,
		Name:      name,
		Priority:  priority,
		CreatedAt: time.Now(),
		status:    TaskStatusPending,
		metadata:  make(map[string]interface{}),
	}
}

// SetStatus transitions the task to a new status. The transition must be a
// legal edge of the state machine; illegal transitions are rejected and the
// current status is kept. started_at is stamped only on the first entry into
// RUNNING, completed_at on entry into any terminal status.
func (ti *TaskInfo) SetStatus(status TaskStatus, errMsg string) bool {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	if !ti.status.CanTransitionTo(status) {
		return false
	}

	ti.status = status
	if errMsg != "" {
		ti.errMsg = errMsg
	}

	now := time.Now()
	if status == TaskStatusRunning && ti.startedAt.IsZero() {
		ti.startedAt = now
	}
	if status.IsTerminal() {
		ti.completedAt = now
	}

	return true
}

// Status returns the current status
func (ti *TaskInfo) Status() TaskStatus {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	return ti.status
}

// SetProgress updates the progress percentage, clamped to [0,100]
func (ti *TaskInfo) SetProgress(progress float64) {
	if progress < 0 {
		progress = 0
	} else if progress > 100 {
		progress = 100
	}

	ti.mu.Lock()
	ti.progress = progress
	ti.mu.Unlock()
}

// Progress returns the last reported progress percentage
func (ti *TaskInfo) Progress() float64 {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	return ti.progress
}

// AddMetadata stores an opaque key/value pair on the task
func (ti *TaskInfo) AddMetadata(key string, value interface{}) {
	ti.mu.Lock()
	ti.metadata[key] = value
	ti.mu.Unlock()
}

// GetMetadata returns the value stored under key, if any
func (ti *TaskInfo) GetMetadata(key string) (interface{}, bool) {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	value, ok := ti.metadata[key]
	return value, ok
}

// Metadata returns a copy of the metadata map
func (ti *TaskInfo) Metadata() map[string]interface{} {
	ti.mu.RLock()
	defer ti.mu.RUnlock()

	snapshot := make(map[string]interface{}, len(ti.metadata))
	for k, v := range ti.metadata {
		snapshot[k] = v
	}
	return snapshot
}

// AddDependency records a task id this task depends on
func (ti *TaskInfo) AddDependency(taskID string) {
	ti.mu.Lock()
	ti.dependencies = append(ti.dependencies, taskID)
	ti.mu.Unlock()
}

// Dependencies returns a copy of the dependency id list
func (ti *TaskInfo) Dependencies() []string {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	return append([]string(nil), ti.dependencies...)
}

// AddTag attaches a tag to the task
func (ti *TaskInfo) AddTag(tag string) {
	ti.mu.Lock()
	ti.tags = append(ti.tags, tag)
	ti.mu.Unlock()
}

// Tags returns a copy of the tag list
func (ti *TaskInfo) Tags() []string {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	return append([]string(nil), ti.tags...)
}

// SetResultValue stores the handler's return value
func (ti *TaskInfo) SetResultValue(value interface{}) {
	ti.mu.Lock()
	ti.resultValue = value
	ti.mu.Unlock()
}

// ResultValue returns the handler's return value, if the task completed
func (ti *TaskInfo) ResultValue() interface{} {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	return ti.resultValue
}

// Error returns the recorded error message, if any
func (ti *TaskInfo) Error() string {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	return ti.errMsg
}

// StartedAt returns the time the task first entered RUNNING
func (ti *TaskInfo) StartedAt() time.Time {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	return ti.startedAt
}

// CompletedAt returns the time the task entered a terminal status
func (ti *TaskInfo) CompletedAt() time.Time {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	return ti.completedAt
}

// Duration returns the elapsed execution time: start to completion for a
// finished task, start to now for a running one. ok is false if the task
// never started.
func (ti *TaskInfo) Duration() (time.Duration, bool) {
	ti.mu.RLock()
	defer ti.mu.RUnlock()

	if ti.startedAt.IsZero() {
		return 0, false
	}
	if ti.completedAt.IsZero() {
		return time.Since(ti.startedAt), true
	}
	return ti.completedAt.Sub(ti.startedAt), true
}

// IsFinished reports whether the task reached a terminal status
func (ti *TaskInfo) IsFinished() bool {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	return ti.status.IsTerminal()
}

// Snapshot returns a serializable point-in-time view of the task
func (ti *TaskInfo) Snapshot() TaskSnapshot {
	ti.mu.RLock()
	defer ti.mu.RUnlock()

	snap := TaskSnapshot{
		ID:           ti.ID,
		Type:         ti.Type,
		Name:         ti.Name,
		Priority:     ti.Priority,
		Status:       ti.status,
		Progress:     ti.progress,
		Error:        ti.errMsg,
		CreatedAt:    ti.CreatedAt,
		Dependencies: append([]string(nil), ti.dependencies...),
		Tags:         append([]string(nil), ti.tags...),
	}
	if !ti.startedAt.IsZero() {
		t := ti.startedAt
		snap.StartedAt = &t
	}
	if !ti.completedAt.IsZero() {
		t := ti.completedAt
		snap.CompletedAt = &t
	}
	return snap
}

// TaskSnapshot is the wire representation of a TaskInfo at a point in time
type TaskSnapshot struct {
	ID           string       `json:"id"`
	Type         string       `json:"type"`
	Name         string       `json:"name"`
	Priority     TaskPriority `json:"priority"`
	Status       TaskStatus   `json:"status"`
	Progress     float64      `json:"progress"`
	Error        string       `json:"error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	Dependencies []string     `json:"dependencies,omitempty"`
	Tags         []string     `json:"tags,omitempty"`
}
