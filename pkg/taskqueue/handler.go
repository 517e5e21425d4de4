package taskqueue

import (
	"context"
	"fmt"
	"sync"
)

// ProgressFunc reports execution progress as a percentage in [0,100]
type ProgressFunc func(progress float64)

// TaskHandler is the pluggable strategy that performs the actual work for
// one or more task types. Implementations are registered with the
// coordinator, which routes submissions by task type.
//
// Cancellation is cooperative: Execute receives a context that the
// coordinator cancels on CancelTask, and handler code must poll ctx.Done()
// between steps of its own work for cancellation to take effect. The
// coordinator never preempts a handler that ignores its context.
type TaskHandler interface {
	// Name returns the unique handler name
	Name() string

	// SupportedTaskTypes returns the task type strings this handler claims
	SupportedTaskTypes() []string

	// Initialize prepares the handler with its configuration. A non-nil
	// error aborts registration.
	Initialize(config map[string]interface{}) error

	// Cleanup releases handler resources. Called on unregistration and on
	// coordinator shutdown.
	Cleanup() error

	// CanHandle reports whether the handler can execute the given task
	CanHandle(info *TaskInfo) bool

	// Execute performs the work for one task and returns its result value.
	// progress may be nil.
	Execute(ctx context.Context, info *TaskInfo, progress ProgressFunc) (interface{}, error)

	// CancelTask signals cancellation for an active task and reports
	// whether an active entry was found. It does not wait for the work to
	// stop.
	CancelTask(taskID string) bool
}

// RunFunc is the handler-specific execution routine invoked by BaseHandler
// once the preconditions have been checked
type RunFunc func(ctx context.Context, info *TaskInfo, progress ProgressFunc) (interface{}, error)

// BaseHandler is the reusable execution skeleton for TaskHandler
// implementations. It tracks active tasks against per-task cancellation,
// enforces the initialized/supported preconditions, and guarantees the
// tracking entry is removed on every exit path. Concrete handlers embed it
// and supply a RunFunc.
type BaseHandler struct {
	name      string
	taskTypes []string

	mu          sync.Mutex
	initialized bool
	active      map[string]context.CancelFunc

	run RunFunc
}

// NewBaseHandler creates the execution skeleton for a concrete handler
func NewBaseHandler(name string, taskTypes []string, run RunFunc) *BaseHandler {
	return &BaseHandler{
		name:      name,
		taskTypes: taskTypes,
		active:    make(map[string]context.CancelFunc),
		run:       run,
	}
}

// Name returns the handler name
func (h *BaseHandler) Name() string {
	return h.name
}

// SupportedTaskTypes returns a copy of the claimed task types
func (h *BaseHandler) SupportedTaskTypes() []string {
	return append([]string(nil), h.taskTypes...)
}

// Initialize marks the handler ready. Embedders that need configuration
// override this and must call the embedded Initialize on success.
func (h *BaseHandler) Initialize(config map[string]interface{}) error {
	h.mu.Lock()
	h.initialized = true
	h.mu.Unlock()
	return nil
}

// CanHandle reports whether the task's type is in the capability set
func (h *BaseHandler) CanHandle(info *TaskInfo) bool {
	if info == nil {
		return false
	}
	for _, t := range h.taskTypes {
		if t == info.Type {
			return true
		}
	}
	return false
}

// Execute checks the preconditions, records the task as active and
// delegates to the handler-specific run function. The active entry is
// removed on every exit path.
func (h *BaseHandler) Execute(ctx context.Context, info *TaskInfo, progress ProgressFunc) (interface{}, error) {
	if info == nil {
		return nil, fmt.Errorf("task info cannot be nil")
	}

	h.mu.Lock()
	if !h.initialized {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotInitialized, h.name)
	}
	if !h.canHandleLocked(info.Type) {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: handler %s cannot execute %q", ErrUnsupportedTaskType, h.name, info.Type)
	}

	runCtx, cancel := context.WithCancel(ctx)
	h.active[info.ID] = cancel
	h.mu.Unlock()

	if progress == nil {
		progress = func(float64) {}
	}

	defer func() {
		cancel()
		h.mu.Lock()
		delete(h.active, info.ID)
		h.mu.Unlock()
	}()

	return h.run(runCtx, info, progress)
}

// CancelTask fires the stored cancellation for an active task. It returns
// whether an active entry existed; the work itself only stops once it
// observes the cancelled context.
func (h *BaseHandler) CancelTask(taskID string) bool {
	h.mu.Lock()
	cancel, ok := h.active[taskID]
	h.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

// ActiveTaskCount returns the number of currently tracked tasks
func (h *BaseHandler) ActiveTaskCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.active)
}

// Cleanup signals every tracked cancellation and clears tracking. It does
// not wait for in-flight work to observe the signal.
func (h *BaseHandler) Cleanup() error {
	h.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(h.active))
	for _, cancel := range h.active {
		cancels = append(cancels, cancel)
	}
	h.active = make(map[string]context.CancelFunc)
	h.initialized = false
	h.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

func (h *BaseHandler) canHandleLocked(taskType string) bool {
	for _, t := range h.taskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}
