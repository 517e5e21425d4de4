package api

import (
	"time"

	"github.com/taskrunner/taskd/pkg/taskqueue"
)

// SubmitTaskRequest is the POST /api/v1/tasks payload.
type SubmitTaskRequest struct {
	Type     string                 `json:"type"`
	Name     string                 `json:"name"`
	Priority string                 `json:"priority,omitempty"`
	Config   map[string]interface{} `json:"config,omitempty"`
}

// SubmitTaskResponse carries the id of an accepted task.
type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
}

// LimitRequest is the PUT /api/v1/queue/limits/{type} payload. A value
// of zero or less clears the cap.
type LimitRequest struct {
	MaxConcurrent int `json:"max_concurrent"`
}

// HandlerInfo describes one registered handler.
type HandlerInfo struct {
	Name      string   `json:"name"`
	TaskTypes []string `json:"task_types"`
}

// TaskResultResponse is the JSON shape of a task result.
type TaskResultResponse struct {
	TaskID    string      `json:"task_id"`
	Status    string      `json:"status"`
	Value     interface{} `json:"value,omitempty"`
	Error     string      `json:"error,omitempty"`
	StartTime time.Time   `json:"start_time"`
	EndTime   *time.Time  `json:"end_time,omitempty"`
	Duration  string      `json:"duration,omitempty"`
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status    string                `json:"status"`
	Queue     taskqueue.QueueStatus `json:"queue"`
	Timestamp time.Time             `json:"timestamp"`
}

// ListTasksResponse wraps a task listing.
type ListTasksResponse struct {
	Tasks []taskqueue.TaskSnapshot `json:"tasks"`
	Total int                      `json:"total"`
}

// ErrorResponse is the envelope for every API error.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the error code, message and optional details.
type ErrorBody struct {
	Code      int       `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventFrame is one WebSocket message on /api/v1/events.
type EventFrame struct {
	Event     string                 `json:"event"`
	Task      taskqueue.TaskSnapshot `json:"task"`
	Progress  *float64               `json:"progress,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func newTaskResultResponse(result *taskqueue.TaskResult) TaskResultResponse {
	resp := TaskResultResponse{
		TaskID:    result.TaskID,
		Status:    string(result.Status),
		Value:     result.Value,
		Error:     result.Error,
		StartTime: result.StartTime,
	}
	if !result.EndTime.IsZero() {
		end := result.EndTime
		resp.EndTime = &end
		resp.Duration = result.Duration().String()
	}
	return resp
}
