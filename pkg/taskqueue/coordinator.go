package taskqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CoordinatorConfig contains configuration for the task coordinator
type CoordinatorConfig struct {
	// Workers is the width of the bounded worker pool
	Workers int `json:"workers"`
	// PollInterval is the fixed interval of the scheduler loop
	PollInterval time.Duration `json:"poll_interval"`
	// DispatchBuffer is the capacity of the dispatch queue between the
	// scheduler and the workers
	DispatchBuffer int `json:"dispatch_buffer"`
}

// DefaultCoordinatorConfig returns a default coordinator configuration
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Workers:        4,
		PollInterval:   100 * time.Millisecond,
		DispatchBuffer: 16,
	}
}

// queueCounters are the aggregate task counts. The five state counts are
// mutually exclusive and sum to total after every transition.
type queueCounters struct {
	pending   int
	running   int
	completed int
	failed    int
	cancelled int
	total     int
}

// execution tracks one dispatched task: its cancellation context lives from
// dispatch until the task reaches a terminal status
type execution struct {
	task   *task
	ctx    context.Context
	cancel context.CancelFunc
}

// Coordinator owns the pending heap, the handler registry, the dependency
// graph, the per-type concurrency counters and the bounded worker pool. A
// dedicated scheduler goroutine polls the heap at a fixed interval and
// dispatches eligible tasks; workers run handler code and report outcomes
// back.
//
// Lock hierarchy: Coordinator.mu may be held while taking a TaskInfo lock,
// never the other way around. The handler registry and the listener set
// have independent locks that are never held together with Coordinator.mu.
// Handler and listener callbacks are always made with no coordinator lock
// held.
type Coordinator struct {
	config    CoordinatorConfig
	logger    zerolog.Logger
	registry  *handlerRegistry
	listeners *listenerSet

	mu            sync.Mutex
	queue         taskHeap
	tasks         map[string]*TaskInfo
	internal      map[string]*task
	results       map[string]*TaskResult
	dependents    map[string][]string // task id -> ids that depend on it
	prerequisites map[string][]string // task id -> ids it depends on
	limits        map[string]int
	runningByType map[string]int
	executions    map[string]*execution
	counters      queueCounters
	seq           uint64
	closed        bool

	dispatch      chan *execution
	stopScheduler chan struct{}
	schedulerDone chan struct{}
	workersWG     sync.WaitGroup
	shutdownOnce  sync.Once
}

// NewCoordinator creates a coordinator and immediately starts its scheduler
// loop and worker pool
func NewCoordinator(config CoordinatorConfig, logger zerolog.Logger) *Coordinator {
	if config.Workers <= 0 {
		config.Workers = DefaultCoordinatorConfig().Workers
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultCoordinatorConfig().PollInterval
	}
	if config.DispatchBuffer <= 0 {
		config.DispatchBuffer = DefaultCoordinatorConfig().DispatchBuffer
	}

	coordinatorLogger := logger.With().Str("component", "coordinator").Logger()

	c := &Coordinator{
		config:        config,
		logger:        coordinatorLogger,
		registry:      newHandlerRegistry(),
		listeners:     newListenerSet(coordinatorLogger),
		tasks:         make(map[string]*TaskInfo),
		internal:      make(map[string]*task),
		results:       make(map[string]*TaskResult),
		dependents:    make(map[string][]string),
		prerequisites: make(map[string][]string),
		limits:        make(map[string]int),
		runningByType: make(map[string]int),
		executions:    make(map[string]*execution),
		dispatch:      make(chan *execution, config.DispatchBuffer),
		stopScheduler: make(chan struct{}),
		schedulerDone: make(chan struct{}),
	}

	for i := 0; i < config.Workers; i++ {
		c.workersWG.Add(1)
		go c.worker(i)
	}
	go c.schedulerLoop()

	c.logger.Info().
		Int("workers", config.Workers).
		Dur("poll_interval", config.PollInterval).
		Int("dispatch_buffer", config.DispatchBuffer).
		Msg("Task coordinator started")

	return c
}

// RegisterHandler registers a task handler. Duplicate handler names and
// already-claimed task types are rejected; Initialize is called and any
// error or panic fails the registration with no state left behind.
func (c *Coordinator) RegisterHandler(handler TaskHandler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCoordinatorClosed
	}
	c.mu.Unlock()

	if err := c.registry.register(handler); err != nil {
		return err
	}

	if err := c.initializeHandler(handler); err != nil {
		c.registry.unregister(handler.Name())
		return fmt.Errorf("failed to initialize handler %s: %w", handler.Name(), err)
	}

	c.logger.Info().
		Str("handler", handler.Name()).
		Strs("task_types", handler.SupportedTaskTypes()).
		Msg("Handler registered")
	return nil
}

func (c *Coordinator) initializeHandler(handler TaskHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler initialization panicked: %v", r)
		}
	}()
	return handler.Initialize(nil)
}

// UnregisterHandler removes a handler and calls its Cleanup. Cleanup errors
// are logged and swallowed. Returns false if the handler is not registered.
func (c *Coordinator) UnregisterHandler(name string) bool {
	handler, found := c.registry.unregister(name)
	if !found {
		return false
	}

	c.cleanupHandler(handler)
	c.logger.Info().Str("handler", name).Msg("Handler unregistered")
	return true
}

func (c *Coordinator) cleanupHandler(handler TaskHandler) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Interface("panic", r).
				Str("handler", handler.Name()).
				Msg("Handler cleanup panicked")
		}
	}()
	if err := handler.Cleanup(); err != nil {
		c.logger.Warn().Err(err).Str("handler", handler.Name()).Msg("Handler cleanup failed")
	}
}

// GetRegisteredHandlers returns all registered handlers
func (c *Coordinator) GetRegisteredHandlers() []TaskHandler {
	return c.registry.list()
}

// HandlerNames returns the registered handler names, sorted
func (c *Coordinator) HandlerNames() []string {
	return c.registry.names()
}

// AddEventListener registers a lifecycle event listener
func (c *Coordinator) AddEventListener(listener TaskEventListener) {
	c.listeners.add(listener)
}

// RemoveEventListener removes a previously registered listener, compared by
// identity
func (c *Coordinator) RemoveEventListener(listener TaskEventListener) {
	c.listeners.remove(listener)
}

// SubmitTask submits a unit of work routed by task type. Recognized config
// keys: "dependencies" (list of task ids this task must wait for),
// "timeout" (advisory, checked only after the handler returns) and
// "resource_estimate" (opaque pass-through). The whole config map is
// stashed on the TaskInfo as metadata.
//
// An unknown task type returns ErrNoHandlerForType; callers must check the
// error, nothing retries on their behalf.
func (c *Coordinator) SubmitTask(taskType, name string, config map[string]interface{}, priority TaskPriority) (taskID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			taskID = ""
			err = fmt.Errorf("task submission failed: %v", r)
		}
	}()

	// Closed is checked before handler resolution: shutdown empties the
	// registry, and a post-shutdown submit must report the closed
	// coordinator, not a missing handler.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrCoordinatorClosed
	}
	c.mu.Unlock()

	handler, found := c.registry.resolve(taskType)
	if !found {
		return "", fmt.Errorf("%w: %q", ErrNoHandlerForType, taskType)
	}
	if !priority.IsValid() {
		priority = PriorityNormal
	}

	id := uuid.NewString()
	info := NewTaskInfo(id, taskType, name, priority)
	for key, value := range config {
		info.AddMetadata(key, value)
	}

	deps := parseDependencies(config["dependencies"])
	for _, dep := range deps {
		info.AddDependency(dep)
	}

	t := &task{
		id:           id,
		taskType:     taskType,
		priority:     priority,
		handler:      handler,
		info:         info,
		createdAt:    info.CreatedAt,
		timeout:      parseTimeout(config["timeout"]),
		dependencies: deps,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrCoordinatorClosed
	}
	c.seq++
	t.seq = c.seq
	c.tasks[id] = info
	c.internal[id] = t
	c.prerequisites[id] = deps
	for _, dep := range deps {
		c.dependents[dep] = append(c.dependents[dep], id)
	}
	c.queue.push(t)
	c.counters.pending++
	c.counters.total++
	c.mu.Unlock()

	c.logger.Debug().
		Str("task_id", id).
		Str("task_type", taskType).
		Str("priority", priority.String()).
		Int("dependencies", len(deps)).
		Msg("Task submitted")

	c.listeners.notify(id, func(l TaskEventListener) { l.OnTaskSubmitted(info) })
	return id, nil
}

// schedulerLoop polls the pending heap at the configured interval for the
// coordinator's lifetime
func (c *Coordinator) schedulerLoop() {
	defer close(c.schedulerDone)

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopScheduler:
			return
		case <-ticker.C:
			c.dispatchEligible()
		}
	}
}

// dispatchEligible drains the heap, partitions tasks into executable versus
// still blocked, re-inserts the blocked and hands the rest to the workers.
// A task whose dependency is unknown, failed or cancelled stays blocked
// until the caller cancels it; there is no failure propagation.
func (c *Coordinator) dispatchEligible() {
	var started []*TaskInfo

	c.mu.Lock()
	var blocked []*task
	for {
		t := c.queue.pop()
		if t == nil {
			break
		}

		// The scheduler is the only dispatch sender, so a free slot
		// observed here cannot be taken by anyone else.
		if !c.eligibleLocked(t) || len(c.dispatch) == cap(c.dispatch) {
			blocked = append(blocked, t)
			continue
		}

		started = append(started, t.info)
		c.dispatch <- c.beginExecutionLocked(t)
	}
	for _, t := range blocked {
		c.queue.push(t)
	}
	c.mu.Unlock()

	for _, info := range started {
		info := info
		c.logger.Debug().
			Str("task_id", info.ID).
			Str("task_type", info.Type).
			Msg("Task dispatched")
		c.listeners.notify(info.ID, func(l TaskEventListener) { l.OnTaskStarted(info) })
	}
}

// eligibleLocked reports whether every dependency has a COMPLETED result
// and the task's type is under its concurrency cap
func (c *Coordinator) eligibleLocked(t *task) bool {
	for _, dep := range t.dependencies {
		result, ok := c.results[dep]
		if !ok || result.Status != TaskStatusCompleted {
			return false
		}
	}
	if limit, capped := c.limits[t.taskType]; capped && c.runningByType[t.taskType] >= limit {
		return false
	}
	return true
}

// beginExecutionLocked flips a task to RUNNING and records its execution.
// Caller holds c.mu.
func (c *Coordinator) beginExecutionLocked(t *task) *execution {
	ctx, cancel := context.WithCancel(context.Background())
	ex := &execution{task: t, ctx: ctx, cancel: cancel}

	c.executions[t.id] = ex
	c.results[t.id] = &TaskResult{
		TaskID:    t.id,
		Status:    TaskStatusRunning,
		StartTime: time.Now(),
	}
	t.info.SetStatus(TaskStatusRunning, "")
	c.counters.pending--
	c.counters.running++
	c.runningByType[t.taskType]++

	return ex
}

// worker runs handler bodies from the dispatch queue until it is closed
func (c *Coordinator) worker(id int) {
	defer c.workersWG.Done()

	workerLogger := c.logger.With().Int("worker", id).Logger()
	workerLogger.Debug().Msg("Worker started")

	for ex := range c.dispatch {
		if ex.ctx.Err() != nil {
			// Cancelled before pickup; bookkeeping already done by CancelTask.
			workerLogger.Debug().Str("task_id", ex.task.id).Msg("Skipping cancelled task")
			continue
		}
		c.runTask(workerLogger, ex)
	}

	workerLogger.Debug().Msg("Worker stopped")
}

func (c *Coordinator) runTask(logger zerolog.Logger, ex *execution) {
	info := ex.task.info
	progress := func(p float64) {
		info.SetProgress(p)
		reported := info.Progress()
		c.listeners.notify(info.ID, func(l TaskEventListener) { l.OnTaskProgress(info, reported) })
	}

	start := time.Now()
	value, err := c.invokeHandler(ex, progress)
	elapsed := time.Since(start)

	// The timeout is advisory: it is checked only after the handler call
	// returns and cannot abort a handler that ignores its context.
	if err == nil && ex.task.timeout > 0 && elapsed > ex.task.timeout {
		err = fmt.Errorf("task exceeded configured timeout of %v (ran %v)", ex.task.timeout, elapsed)
	}

	logger.Debug().
		Str("task_id", ex.task.id).
		Dur("duration", elapsed).
		Bool("failed", err != nil).
		Msg("Handler returned")

	c.finishTask(ex, value, err)
}

// invokeHandler calls the handler, converting panics inside handler code
// into errors so they never reach the scheduler
func (c *Coordinator) invokeHandler(ex *execution, progress ProgressFunc) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return ex.task.handler.Execute(ex.ctx, ex.task.info, progress)
}

// finishTask records the outcome of a dispatched task. If the task was
// cancelled while running, the late handler outcome is discarded.
func (c *Coordinator) finishTask(ex *execution, value interface{}, err error) {
	id := ex.task.id
	info := ex.task.info

	c.mu.Lock()
	if _, tracked := c.executions[id]; !tracked {
		c.mu.Unlock()
		ex.cancel()
		c.logger.Debug().Str("task_id", id).Msg("Discarding outcome of cancelled task")
		return
	}
	delete(c.executions, id)

	result := c.results[id]
	result.EndTime = time.Now()
	if err != nil {
		result.Status = TaskStatusFailed
		result.Error = err.Error()
		c.counters.failed++
	} else {
		result.Status = TaskStatusCompleted
		result.Value = value
		c.counters.completed++
	}
	c.counters.running--
	c.runningByType[ex.task.taskType]--
	if c.runningByType[ex.task.taskType] <= 0 {
		delete(c.runningByType, ex.task.taskType)
	}
	resultCopy := *result
	c.mu.Unlock()

	ex.cancel()

	if err != nil {
		info.SetStatus(TaskStatusFailed, err.Error())
		c.logger.Debug().Str("task_id", id).Str("error", err.Error()).Msg("Task failed")
		c.listeners.notify(id, func(l TaskEventListener) { l.OnTaskFailed(info, err.Error()) })
	} else {
		info.SetResultValue(value)
		info.SetStatus(TaskStatusCompleted, "")
		c.logger.Debug().Str("task_id", id).Msg("Task completed")
		c.listeners.notify(id, func(l TaskEventListener) { l.OnTaskCompleted(info, &resultCopy) })
	}
}

// CancelTask cancels a task. A pending task is removed from the queue and
// never dispatched; a running task has its execution context cancelled and
// its handler signalled, best-effort. Returns false for unknown ids,
// already-terminal tasks and internal failures.
func (c *Coordinator) CancelTask(taskID string) (cancelled bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("task_id", taskID).Msg("Cancel failed")
			cancelled = false
		}
	}()

	c.mu.Lock()
	info, exists := c.tasks[taskID]
	if !exists || info.IsFinished() {
		c.mu.Unlock()
		return false
	}
	t := c.internal[taskID]

	switch info.Status() {
	case TaskStatusPending:
		c.queue.remove(taskID)
		c.counters.pending--
	case TaskStatusRunning:
		ex, tracked := c.executions[taskID]
		if !tracked {
			// A worker already claimed the outcome under the lock; the
			// terminal status just hasn't landed on the TaskInfo yet.
			// Counters and result are settled, so this cancel is too late.
			c.mu.Unlock()
			return false
		}
		ex.cancel()
		delete(c.executions, taskID)
		c.counters.running--
		c.runningByType[t.taskType]--
		if c.runningByType[t.taskType] <= 0 {
			delete(c.runningByType, t.taskType)
		}
	}
	c.counters.cancelled++

	result, hasResult := c.results[taskID]
	if !hasResult {
		result = &TaskResult{TaskID: taskID}
		c.results[taskID] = result
	}
	result.Status = TaskStatusCancelled
	result.EndTime = time.Now()

	info.SetStatus(TaskStatusCancelled, "")
	c.mu.Unlock()

	t.handler.CancelTask(taskID)

	c.logger.Debug().Str("task_id", taskID).Msg("Task cancelled")
	c.listeners.notify(taskID, func(l TaskEventListener) { l.OnTaskCancelled(info) })
	return true
}

// PauseTask is an extension point only; pausing is not supported and the
// call always reports failure
func (c *Coordinator) PauseTask(taskID string) bool {
	return false
}

// ResumeTask is an extension point only; resuming is not supported and the
// call always reports failure
func (c *Coordinator) ResumeTask(taskID string) bool {
	return false
}

// CleanupFinishedTasks is an extension point only; finished tasks are
// retained indefinitely and the call always reports zero removals
func (c *Coordinator) CleanupFinishedTasks(olderThan time.Duration) int {
	return 0
}

// SetConcurrencyLimit sets or overwrites the concurrency cap for a task
// type. A non-positive max removes the cap (unlimited).
func (c *Coordinator) SetConcurrencyLimit(taskType string, max int) {
	c.mu.Lock()
	if max <= 0 {
		delete(c.limits, taskType)
	} else {
		c.limits[taskType] = max
	}
	c.mu.Unlock()

	c.logger.Debug().Str("task_type", taskType).Int("max_concurrent", max).Msg("Concurrency limit updated")
}

// GetTaskInfo returns the live TaskInfo for a task id
func (c *Coordinator) GetTaskInfo(taskID string) (*TaskInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.tasks[taskID]
	return info, ok
}

// GetTaskResult returns a copy of the stored result for a task id
func (c *Coordinator) GetTaskResult(taskID string) (*TaskResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result, ok := c.results[taskID]
	if !ok {
		return nil, false
	}
	copied := *result
	return &copied, true
}

// ListTasks returns tasks matching the optional filters, ordered by
// creation time. Zero values mean no filter.
func (c *Coordinator) ListTasks(statusFilter TaskStatus, typeFilter string) []*TaskInfo {
	c.mu.Lock()
	infos := make([]*TaskInfo, 0, len(c.tasks))
	for _, info := range c.tasks {
		infos = append(infos, info)
	}
	c.mu.Unlock()

	filtered := infos[:0]
	for _, info := range infos {
		if statusFilter != "" && info.Status() != statusFilter {
			continue
		}
		if typeFilter != "" && info.Type != typeFilter {
			continue
		}
		filtered = append(filtered, info)
	}

	sort.Slice(filtered, func(i, j int) bool {
		if !filtered[i].CreatedAt.Equal(filtered[j].CreatedAt) {
			return filtered[i].CreatedAt.Before(filtered[j].CreatedAt)
		}
		return filtered[i].ID < filtered[j].ID
	})
	return filtered
}

// GetQueueStatus returns a snapshot of the aggregate counters
func (c *Coordinator) GetQueueStatus() QueueStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := QueueStatus{
		Pending:   c.counters.pending,
		Running:   c.counters.running,
		Completed: c.counters.completed,
		Failed:    c.counters.failed,
		Cancelled: c.counters.cancelled,
		Total:     c.counters.total,
	}
	if len(c.runningByType) > 0 {
		status.RunningByType = make(map[string]int, len(c.runningByType))
		for taskType, count := range c.runningByType {
			status.RunningByType[taskType] = count
		}
	}
	return status
}

// Shutdown stops the scheduler, cancels every non-terminal task, drains the
// worker pool bounded by ctx and cleans up every registered handler
// (individual cleanup errors are swallowed). Idempotent; repeat calls
// return nil immediately. After shutdown, SubmitTask and RegisterHandler
// fail with ErrCoordinatorClosed.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	var shutdownErr error

	c.shutdownOnce.Do(func() {
		c.logger.Info().Msg("Shutting down task coordinator")

		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		close(c.stopScheduler)
		<-c.schedulerDone

		c.mu.Lock()
		var open []string
		for id, info := range c.tasks {
			if !info.IsFinished() {
				open = append(open, id)
			}
		}
		c.mu.Unlock()

		for _, id := range open {
			c.CancelTask(id)
		}

		close(c.dispatch)
		drained := make(chan struct{})
		go func() {
			c.workersWG.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			c.logger.Warn().Msg("Worker pool drain timed out")
			shutdownErr = ctx.Err()
		}

		for _, handler := range c.registry.list() {
			c.registry.unregister(handler.Name())
			c.cleanupHandler(handler)
		}

		c.logger.Info().Int("cancelled_tasks", len(open)).Msg("Task coordinator shutdown complete")
	})

	return shutdownErr
}

// parseDependencies extracts a dependency id list from submission config
func parseDependencies(value interface{}) []string {
	switch deps := value.(type) {
	case nil:
		return nil
	case []string:
		return append([]string(nil), deps...)
	case []interface{}:
		out := make([]string, 0, len(deps))
		for _, d := range deps {
			if s, ok := d.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// parseTimeout extracts an advisory timeout from submission config.
// Numeric values are seconds; strings are parsed as durations.
func parseTimeout(value interface{}) time.Duration {
	switch v := value.(type) {
	case nil:
		return 0
	case time.Duration:
		return v
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0
		}
		return d
	default:
		return 0
	}
}
