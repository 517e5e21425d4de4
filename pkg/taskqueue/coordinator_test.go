package taskqueue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T, config CoordinatorConfig) *Coordinator {
	t.Helper()

	if config.PollInterval == 0 {
		config.PollInterval = 10 * time.Millisecond
	}
	c := NewCoordinator(config, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		c.Shutdown(ctx)
	})
	return c
}

func registerRunFunc(t *testing.T, c *Coordinator, name string, taskTypes []string, run RunFunc) *BaseHandler {
	t.Helper()
	h := NewBaseHandler(name, taskTypes, run)
	require.NoError(t, c.RegisterHandler(h))
	return h
}

func waitForStatus(t *testing.T, c *Coordinator, taskID string, status TaskStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		info, ok := c.GetTaskInfo(taskID)
		return ok && info.Status() == status
	}, 3*time.Second, 5*time.Millisecond, "task %s never reached %s", taskID, status)
}

func assertCountersConsistent(t *testing.T, c *Coordinator) {
	t.Helper()
	qs := c.GetQueueStatus()
	assert.Equal(t, qs.Total, qs.Pending+qs.Running+qs.Completed+qs.Failed+qs.Cancelled,
		"counter invariant violated: %+v", qs)
}

func TestSubmitUnknownTaskType(t *testing.T) {
	c := newTestCoordinator(t, CoordinatorConfig{})

	id, err := c.SubmitTask("nonexistent", "job", nil, PriorityNormal)
	assert.Empty(t, id)
	assert.ErrorIs(t, err, ErrNoHandlerForType)
}

func TestSubmittedIDsUniqueAndResolvable(t *testing.T) {
	c := newTestCoordinator(t, CoordinatorConfig{})
	registerRunFunc(t, c, "noop", []string{"noop"}, func(ctx context.Context, info *TaskInfo, progress ProgressFunc) (interface{}, error) {
		return nil, nil
	})

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		id, err := c.SubmitTask("noop", "job", nil, PriorityNormal)
		require.NoError(t, err)
		require.False(t, seen[id], "duplicate task id %s", id)
		seen[id] = true

		info, ok := c.GetTaskInfo(id)
		require.True(t, ok)
		assert.Equal(t, id, info.ID)
	}
	assertCountersConsistent(t, c)
}

func TestTaskLifecycleCompleted(t *testing.T) {
	c := newTestCoordinator(t, CoordinatorConfig{})
	registerRunFunc(t, c, "echo", []string{"echo"}, func(ctx context.Context, info *TaskInfo, progress ProgressFunc) (interface{}, error) {
		return "payload", nil
	})

	listener := &recordingListener{}
	c.AddEventListener(listener)

	id, err := c.SubmitTask("echo", "job", map[string]interface{}{"resource_estimate": "1G"}, PriorityNormal)
	require.NoError(t, err)
	waitForStatus(t, c, id, TaskStatusCompleted)

	info, _ := c.GetTaskInfo(id)
	assert.Equal(t, "payload", info.ResultValue())
	estimate, ok := info.GetMetadata("resource_estimate")
	require.True(t, ok)
	assert.Equal(t, "1G", estimate)

	result, ok := c.GetTaskResult(id)
	require.True(t, ok)
	assert.Equal(t, TaskStatusCompleted, result.Status)
	assert.Equal(t, "payload", result.Value)
	assert.False(t, result.EndTime.IsZero())
	assert.GreaterOrEqual(t, result.Duration(), time.Duration(0))

	require.Eventually(t, func() bool {
		events := listener.snapshot()
		return len(events) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"submitted", "started", "completed"}, listener.snapshot())
	assertCountersConsistent(t, c)
}

func TestTaskLifecycleFailed(t *testing.T) {
	c := newTestCoordinator(t, CoordinatorConfig{})
	registerRunFunc(t, c, "failing", []string{"fail"}, func(ctx context.Context, info *TaskInfo, progress ProgressFunc) (interface{}, error) {
		return nil, assert.AnError
	})

	id, err := c.SubmitTask("fail", "job", nil, PriorityNormal)
	require.NoError(t, err)
	waitForStatus(t, c, id, TaskStatusFailed)

	info, _ := c.GetTaskInfo(id)
	assert.Contains(t, info.Error(), assert.AnError.Error())

	result, ok := c.GetTaskResult(id)
	require.True(t, ok)
	assert.Equal(t, TaskStatusFailed, result.Status)
	assert.NotEmpty(t, result.Error)

	qs := c.GetQueueStatus()
	assert.Equal(t, 1, qs.Failed)
	assertCountersConsistent(t, c)
}

func TestHandlerPanicBecomesFailure(t *testing.T) {
	c := newTestCoordinator(t, CoordinatorConfig{})
	registerRunFunc(t, c, "panicking", []string{"panic"}, func(ctx context.Context, info *TaskInfo, progress ProgressFunc) (interface{}, error) {
		panic("handler bug")
	})

	id, err := c.SubmitTask("panic", "job", nil, PriorityNormal)
	require.NoError(t, err)
	waitForStatus(t, c, id, TaskStatusFailed)

	info, _ := c.GetTaskInfo(id)
	assert.Contains(t, info.Error(), "handler panicked")
	assertCountersConsistent(t, c)
}

func TestProgressReporting(t *testing.T) {
	c := newTestCoordinator(t, CoordinatorConfig{})
	registerRunFunc(t, c, "stepper", []string{"step"}, func(ctx context.Context, info *TaskInfo, progress ProgressFunc) (interface{}, error) {
		progress(25)
		progress(150) // clamps to 100
		return nil, nil
	})

	var mu sync.Mutex
	var reported []float64
	c.AddEventListener(&ListenerFuncs{
		Progress: func(info *TaskInfo, p float64) {
			mu.Lock()
			reported = append(reported, p)
			mu.Unlock()
		},
	})

	id, err := c.SubmitTask("step", "job", nil, PriorityNormal)
	require.NoError(t, err)
	waitForStatus(t, c, id, TaskStatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []float64{25, 100}, reported)
}

// Priority dispatch order with a single worker: urgent before high before
// normal before low, regardless of submission order.
func TestPriorityDispatchOrder(t *testing.T) {
	c := newTestCoordinator(t, CoordinatorConfig{
		Workers:      1,
		PollInterval: 50 * time.Millisecond,
	})

	var mu sync.Mutex
	var order []string
	registerRunFunc(t, c, "recorder", []string{"record"}, func(ctx context.Context, info *TaskInfo, progress ProgressFunc) (interface{}, error) {
		mu.Lock()
		order = append(order, info.Name)
		mu.Unlock()
		return nil, nil
	})

	// Submit lowest priority first so heap order, not submission order, decides
	z, err := c.SubmitTask("record", "Z", nil, PriorityLow)
	require.NoError(t, err)
	y, err := c.SubmitTask("record", "Y", nil, PriorityNormal)
	require.NoError(t, err)
	x, err := c.SubmitTask("record", "X", nil, PriorityHigh)
	require.NoError(t, err)

	waitForStatus(t, c, x, TaskStatusCompleted)
	waitForStatus(t, c, y, TaskStatusCompleted)
	waitForStatus(t, c, z, TaskStatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"X", "Y", "Z"}, order)
}

// A dependent task must not run before its dependency's result is COMPLETED.
func TestDependencyGating(t *testing.T) {
	c := newTestCoordinator(t, CoordinatorConfig{})

	release := make(chan struct{})
	registerRunFunc(t, c, "gated", []string{"gated"}, func(ctx context.Context, info *TaskInfo, progress ProgressFunc) (interface{}, error) {
		if info.Name == "A" {
			<-release
		}
		return info.Name, nil
	})

	a, err := c.SubmitTask("gated", "A", nil, PriorityNormal)
	require.NoError(t, err)
	d, err := c.SubmitTask("gated", "D", map[string]interface{}{
		"dependencies": []string{a},
	}, PriorityNormal)
	require.NoError(t, err)

	waitForStatus(t, c, a, TaskStatusRunning)

	// D stays pending across several poll cycles while A runs
	time.Sleep(60 * time.Millisecond)
	info, _ := c.GetTaskInfo(d)
	assert.Equal(t, TaskStatusPending, info.Status())

	close(release)
	waitForStatus(t, c, a, TaskStatusCompleted)
	waitForStatus(t, c, d, TaskStatusCompleted)
	assertCountersConsistent(t, c)
}

// A dependency that failed blocks its dependents forever; no propagation.
func TestFailedDependencyBlocksDependentForever(t *testing.T) {
	c := newTestCoordinator(t, CoordinatorConfig{})
	registerRunFunc(t, c, "mixed", []string{"mixed"}, func(ctx context.Context, info *TaskInfo, progress ProgressFunc) (interface{}, error) {
		if info.Name == "broken" {
			return nil, assert.AnError
		}
		return nil, nil
	})

	broken, err := c.SubmitTask("mixed", "broken", nil, PriorityNormal)
	require.NoError(t, err)
	dependent, err := c.SubmitTask("mixed", "dependent", map[string]interface{}{
		"dependencies": []string{broken},
	}, PriorityNormal)
	require.NoError(t, err)

	waitForStatus(t, c, broken, TaskStatusFailed)

	time.Sleep(60 * time.Millisecond)
	info, _ := c.GetTaskInfo(dependent)
	assert.Equal(t, TaskStatusPending, info.Status())

	// The only way out is an explicit cancel
	assert.True(t, c.CancelTask(dependent))
	waitForStatus(t, c, dependent, TaskStatusCancelled)
	assertCountersConsistent(t, c)
}

// A concurrency cap of 1 keeps simultaneous running tasks of that type at 1.
func TestConcurrencyLimitEnforced(t *testing.T) {
	c := newTestCoordinator(t, CoordinatorConfig{Workers: 4})
	c.SetConcurrencyLimit("batch", 1)

	var running, peak int64
	registerRunFunc(t, c, "batch", []string{"batch"}, func(ctx context.Context, info *TaskInfo, progress ProgressFunc) (interface{}, error) {
		now := atomic.AddInt64(&running, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if now <= old || atomic.CompareAndSwapInt64(&peak, old, now) {
				break
			}
		}
		time.Sleep(40 * time.Millisecond)
		atomic.AddInt64(&running, -1)
		return nil, nil
	})

	first, err := c.SubmitTask("batch", "first", nil, PriorityNormal)
	require.NoError(t, err)
	second, err := c.SubmitTask("batch", "second", nil, PriorityNormal)
	require.NoError(t, err)

	// Sample the queue status while both are in flight
	require.Eventually(t, func() bool {
		qs := c.GetQueueStatus()
		if count := qs.RunningByType["batch"]; count > 1 {
			t.Errorf("running_by_type for batch exceeded limit: %d", count)
		}
		return qs.Completed == 2
	}, 3*time.Second, 5*time.Millisecond)

	waitForStatus(t, c, first, TaskStatusCompleted)
	waitForStatus(t, c, second, TaskStatusCompleted)
	assert.EqualValues(t, 1, atomic.LoadInt64(&peak))
	assertCountersConsistent(t, c)
}

func TestClearingConcurrencyLimit(t *testing.T) {
	c := newTestCoordinator(t, CoordinatorConfig{Workers: 4})
	c.SetConcurrencyLimit("batch", 1)
	c.SetConcurrencyLimit("batch", 0) // clears the cap

	var running, peak int64
	registerRunFunc(t, c, "batch", []string{"batch"}, func(ctx context.Context, info *TaskInfo, progress ProgressFunc) (interface{}, error) {
		now := atomic.AddInt64(&running, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if now <= old || atomic.CompareAndSwapInt64(&peak, old, now) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt64(&running, -1)
		return nil, nil
	})

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := c.SubmitTask("batch", "job", nil, PriorityNormal)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitForStatus(t, c, id, TaskStatusCompleted)
	}
	assert.Greater(t, atomic.LoadInt64(&peak), int64(1), "cap should have been lifted")
}

// Cancelling a pending task before the scheduler's next poll removes it
// from dispatch entirely.
func TestCancelPendingTask(t *testing.T) {
	c := newTestCoordinator(t, CoordinatorConfig{
		PollInterval: 500 * time.Millisecond,
	})
	registerRunFunc(t, c, "noop", []string{"noop"}, func(ctx context.Context, info *TaskInfo, progress ProgressFunc) (interface{}, error) {
		t.Error("cancelled pending task must never be dispatched")
		return nil, nil
	})

	id, err := c.SubmitTask("noop", "job", nil, PriorityNormal)
	require.NoError(t, err)

	qs := c.GetQueueStatus()
	require.Equal(t, 1, qs.Pending)

	require.True(t, c.CancelTask(id))

	qs = c.GetQueueStatus()
	assert.Equal(t, 0, qs.Pending)
	assert.Equal(t, 1, qs.Cancelled)
	assertCountersConsistent(t, c)

	cancelled := c.ListTasks(TaskStatusCancelled, "")
	require.Len(t, cancelled, 1)
	assert.Equal(t, id, cancelled[0].ID)

	result, ok := c.GetTaskResult(id)
	require.True(t, ok)
	assert.Equal(t, TaskStatusCancelled, result.Status)

	// Give the scheduler a chance to (wrongly) dispatch it
	time.Sleep(600 * time.Millisecond)
}

// Cancelling a running task signals its context; the late handler outcome
// is discarded.
func TestCancelRunningTask(t *testing.T) {
	c := newTestCoordinator(t, CoordinatorConfig{})

	observed := make(chan struct{})
	registerRunFunc(t, c, "slow", []string{"slow"}, func(ctx context.Context, info *TaskInfo, progress ProgressFunc) (interface{}, error) {
		<-ctx.Done()
		close(observed)
		return "late value", nil
	})

	id, err := c.SubmitTask("slow", "job", nil, PriorityNormal)
	require.NoError(t, err)
	waitForStatus(t, c, id, TaskStatusRunning)

	require.True(t, c.CancelTask(id))
	waitForStatus(t, c, id, TaskStatusCancelled)

	select {
	case <-observed:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never observed cancellation")
	}

	// The late return value must not overwrite the cancelled outcome
	time.Sleep(30 * time.Millisecond)
	info, _ := c.GetTaskInfo(id)
	assert.Equal(t, TaskStatusCancelled, info.Status())
	result, _ := c.GetTaskResult(id)
	assert.Equal(t, TaskStatusCancelled, result.Status)
	assert.Nil(t, result.Value)

	qs := c.GetQueueStatus()
	assert.Equal(t, 0, qs.Running)
	assert.Equal(t, 0, qs.Completed)
	assert.Equal(t, 1, qs.Cancelled)
	assertCountersConsistent(t, c)
}

func TestCancelUnknownAndTerminalTasks(t *testing.T) {
	c := newTestCoordinator(t, CoordinatorConfig{})
	registerRunFunc(t, c, "noop", []string{"noop"}, func(ctx context.Context, info *TaskInfo, progress ProgressFunc) (interface{}, error) {
		return nil, nil
	})

	assert.False(t, c.CancelTask("unknown"))

	id, err := c.SubmitTask("noop", "job", nil, PriorityNormal)
	require.NoError(t, err)
	waitForStatus(t, c, id, TaskStatusCompleted)
	assert.False(t, c.CancelTask(id), "terminal tasks cannot be cancelled")
}

func TestCancelAfterOutcomeClaimedReturnsFalse(t *testing.T) {
	c := newTestCoordinator(t, CoordinatorConfig{Workers: 1, PollInterval: time.Hour})
	registerRunFunc(t, c, "settle", []string{"settle"}, func(ctx context.Context, info *TaskInfo, progress ProgressFunc) (interface{}, error) {
		return "done", nil
	})

	id, err := c.SubmitTask("settle", "settling", nil, PriorityNormal)
	require.NoError(t, err)

	// Dispatch by hand and settle the outcome the way a worker does, but
	// stop before the terminal status lands on the TaskInfo. This holds
	// open the window between the locked bookkeeping and the status flip.
	c.mu.Lock()
	popped := c.queue.pop()
	require.NotNil(t, popped)
	c.beginExecutionLocked(popped)
	delete(c.executions, id)
	result := c.results[id]
	result.Status = TaskStatusCompleted
	result.Value = "done"
	result.EndTime = time.Now()
	c.counters.running--
	c.counters.completed++
	c.runningByType[popped.taskType]--
	if c.runningByType[popped.taskType] <= 0 {
		delete(c.runningByType, popped.taskType)
	}
	c.mu.Unlock()

	assert.False(t, c.CancelTask(id), "cancel must lose once a worker claims the outcome")

	stored, ok := c.GetTaskResult(id)
	require.True(t, ok)
	assert.Equal(t, TaskStatusCompleted, stored.Status, "completed result must not be overwritten")

	popped.info.SetStatus(TaskStatusCompleted, "")

	qs := c.GetQueueStatus()
	assert.Equal(t, 1, qs.Completed)
	assert.Zero(t, qs.Cancelled)
	assert.Zero(t, qs.Running)
	assertCountersConsistent(t, c)
}

func TestCancelRacingCompletionCountsOnce(t *testing.T) {
	c := newTestCoordinator(t, CoordinatorConfig{Workers: 4, PollInterval: time.Millisecond})
	registerRunFunc(t, c, "quick", []string{"quick"}, func(ctx context.Context, info *TaskInfo, progress ProgressFunc) (interface{}, error) {
		return nil, nil
	})

	const tasks = 200
	ids := make([]string, 0, tasks)
	for i := 0; i < tasks; i++ {
		id, err := c.SubmitTask("quick", fmt.Sprintf("quick-%d", i), nil, PriorityNormal)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// One canceller per task races the workers; every task must settle
	// exactly once, as either completed or cancelled.
	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if c.CancelTask(id) {
					return
				}
				info, ok := c.GetTaskInfo(id)
				if ok && info.IsFinished() {
					return
				}
				time.Sleep(100 * time.Microsecond)
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		qs := c.GetQueueStatus()
		return qs.Pending == 0 && qs.Running == 0
	}, 5*time.Second, 5*time.Millisecond, "all tasks must settle")

	qs := c.GetQueueStatus()
	assert.Equal(t, tasks, qs.Completed+qs.Cancelled, "double-counted settle: %+v", qs)
	assert.Equal(t, tasks, qs.Total)
	assertCountersConsistent(t, c)
}

func TestRetrospectiveTimeout(t *testing.T) {
	c := newTestCoordinator(t, CoordinatorConfig{})
	registerRunFunc(t, c, "sleepy", []string{"sleepy"}, func(ctx context.Context, info *TaskInfo, progress ProgressFunc) (interface{}, error) {
		// Ignores its context; the coordinator cannot interrupt it
		time.Sleep(60 * time.Millisecond)
		return "done anyway", nil
	})

	id, err := c.SubmitTask("sleepy", "job", map[string]interface{}{
		"timeout": 0.01, // 10ms, in seconds
	}, PriorityNormal)
	require.NoError(t, err)

	waitForStatus(t, c, id, TaskStatusFailed)
	info, _ := c.GetTaskInfo(id)
	assert.Contains(t, info.Error(), "timeout")
}

func TestDuplicateHandlerNameRejected(t *testing.T) {
	c := newTestCoordinator(t, CoordinatorConfig{})
	registerRunFunc(t, c, "H", []string{"t"}, func(ctx context.Context, info *TaskInfo, progress ProgressFunc) (interface{}, error) {
		return "original", nil
	})

	dup := NewBaseHandler("H", []string{"t2"}, func(ctx context.Context, info *TaskInfo, progress ProgressFunc) (interface{}, error) {
		return "impostor", nil
	})
	err := c.RegisterHandler(dup)
	assert.ErrorIs(t, err, ErrHandlerExists)

	// Original registration intact
	assert.Equal(t, []string{"H"}, c.HandlerNames())
	id, err := c.SubmitTask("t", "job", nil, PriorityNormal)
	require.NoError(t, err)
	waitForStatus(t, c, id, TaskStatusCompleted)
	info, _ := c.GetTaskInfo(id)
	assert.Equal(t, "original", info.ResultValue())
}

func TestOverlappingTaskTypeClaimRejected(t *testing.T) {
	c := newTestCoordinator(t, CoordinatorConfig{})
	registerRunFunc(t, c, "first", []string{"shared"}, func(ctx context.Context, info *TaskInfo, progress ProgressFunc) (interface{}, error) {
		return nil, nil
	})

	second := NewBaseHandler("second", []string{"shared"}, func(ctx context.Context, info *TaskInfo, progress ProgressFunc) (interface{}, error) {
		return nil, nil
	})
	err := c.RegisterHandler(second)
	assert.ErrorIs(t, err, ErrTaskTypeClaimed)
	assert.Equal(t, []string{"first"}, c.HandlerNames())
}

func TestRegisterHandlerInitializeFailureLeavesNoState(t *testing.T) {
	c := newTestCoordinator(t, CoordinatorConfig{})

	failing := &initFailingHandler{BaseHandler: NewBaseHandler("broken", []string{"x"}, nil)}
	err := c.RegisterHandler(failing)
	require.Error(t, err)
	assert.Empty(t, c.HandlerNames())

	_, err = c.SubmitTask("x", "job", nil, PriorityNormal)
	assert.ErrorIs(t, err, ErrNoHandlerForType)
}

type initFailingHandler struct {
	*BaseHandler
}

func (h *initFailingHandler) Initialize(config map[string]interface{}) error {
	return assert.AnError
}

func TestUnregisterHandler(t *testing.T) {
	c := newTestCoordinator(t, CoordinatorConfig{})
	registerRunFunc(t, c, "temp", []string{"temp"}, func(ctx context.Context, info *TaskInfo, progress ProgressFunc) (interface{}, error) {
		return nil, nil
	})

	assert.True(t, c.UnregisterHandler("temp"))
	assert.False(t, c.UnregisterHandler("temp"))

	_, err := c.SubmitTask("temp", "job", nil, PriorityNormal)
	assert.ErrorIs(t, err, ErrNoHandlerForType)
}

func TestListTasksFilters(t *testing.T) {
	c := newTestCoordinator(t, CoordinatorConfig{
		PollInterval: time.Hour, // keep everything pending
	})
	registerRunFunc(t, c, "multi", []string{"alpha", "beta"}, func(ctx context.Context, info *TaskInfo, progress ProgressFunc) (interface{}, error) {
		return nil, nil
	})

	a1, err := c.SubmitTask("alpha", "a1", nil, PriorityNormal)
	require.NoError(t, err)
	_, err = c.SubmitTask("beta", "b1", nil, PriorityNormal)
	require.NoError(t, err)
	a2, err := c.SubmitTask("alpha", "a2", nil, PriorityNormal)
	require.NoError(t, err)

	all := c.ListTasks("", "")
	assert.Len(t, all, 3)

	alphas := c.ListTasks("", "alpha")
	require.Len(t, alphas, 2)
	assert.Equal(t, a1, alphas[0].ID, "ordered by creation time")
	assert.Equal(t, a2, alphas[1].ID)

	require.True(t, c.CancelTask(a1))
	cancelled := c.ListTasks(TaskStatusCancelled, "alpha")
	require.Len(t, cancelled, 1)
	assert.Equal(t, a1, cancelled[0].ID)
}

func TestPauseResumeCleanupStubs(t *testing.T) {
	c := newTestCoordinator(t, CoordinatorConfig{})
	registerRunFunc(t, c, "noop", []string{"noop"}, func(ctx context.Context, info *TaskInfo, progress ProgressFunc) (interface{}, error) {
		return nil, nil
	})

	id, err := c.SubmitTask("noop", "job", nil, PriorityNormal)
	require.NoError(t, err)

	assert.False(t, c.PauseTask(id))
	assert.False(t, c.ResumeTask(id))
	assert.Equal(t, 0, c.CleanupFinishedTasks(time.Nanosecond))
}

func TestShutdownLeavesNoOpenTasks(t *testing.T) {
	c := NewCoordinator(CoordinatorConfig{
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
	}, zerolog.Nop())

	registerRunFunc(t, c, "mixed", []string{"mixed"}, func(ctx context.Context, info *TaskInfo, progress ProgressFunc) (interface{}, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return nil, nil
		}
	})

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := c.SubmitTask("mixed", "job", nil, PriorityNormal)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))

	for _, id := range ids {
		info, ok := c.GetTaskInfo(id)
		require.True(t, ok)
		assert.True(t, info.IsFinished(), "task %s left in %s", id, info.Status())
	}
	assertCountersConsistent(t, c)

	// Closed coordinator rejects new work
	_, err := c.SubmitTask("mixed", "job", nil, PriorityNormal)
	assert.ErrorIs(t, err, ErrCoordinatorClosed)
	err = c.RegisterHandler(NewBaseHandler("late", []string{"late"}, nil))
	assert.ErrorIs(t, err, ErrCoordinatorClosed)

	// Idempotent
	assert.NoError(t, c.Shutdown(context.Background()))
}

func TestParseDependencies(t *testing.T) {
	tests := []struct {
		name     string
		input    interface{}
		expected []string
	}{
		{"nil", nil, nil},
		{"string slice", []string{"a", "b"}, []string{"a", "b"}},
		{"interface slice", []interface{}{"a", "b"}, []string{"a", "b"}},
		{"interface slice with junk", []interface{}{"a", 7, ""}, []string{"a"}},
		{"wrong type", 42, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseDependencies(tt.input))
		})
	}
}

func TestParseTimeout(t *testing.T) {
	tests := []struct {
		name     string
		input    interface{}
		expected time.Duration
	}{
		{"nil", nil, 0},
		{"duration", 2 * time.Second, 2 * time.Second},
		{"int seconds", 3, 3 * time.Second},
		{"float seconds", 0.5, 500 * time.Millisecond},
		{"duration string", "1m30s", 90 * time.Second},
		{"bad string", "soon", 0},
		{"wrong type", true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseTimeout(tt.input))
		})
	}
}
