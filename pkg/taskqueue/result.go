package taskqueue

import "time"

// TaskResult is the outcome snapshot of a task execution. A result is
// created when the task is dispatched and updated once when it reaches a
// terminal status.
type TaskResult struct {
	TaskID    string      `json:"task_id"`
	Status    TaskStatus  `json:"status"`
	Value     interface{} `json:"value,omitempty"`
	Error     string      `json:"error,omitempty"`
	StartTime time.Time   `json:"start_time"`
	EndTime   time.Time   `json:"end_time"`
}

// Duration returns the elapsed time between start and end. For a result
// that has not ended yet it returns the time since start.
func (r *TaskResult) Duration() time.Duration {
	if r.StartTime.IsZero() {
		return 0
	}
	if r.EndTime.IsZero() {
		return time.Since(r.StartTime)
	}
	return r.EndTime.Sub(r.StartTime)
}

// QueueStatus holds the coordinator's aggregate counters. The five state
// counts are mutually exclusive and always sum to Total.
type QueueStatus struct {
	Pending       int            `json:"pending"`
	Running       int            `json:"running"`
	Completed     int            `json:"completed"`
	Failed        int            `json:"failed"`
	Cancelled     int            `json:"cancelled"`
	Total         int            `json:"total"`
	RunningByType map[string]int `json:"running_by_type,omitempty"`
}
