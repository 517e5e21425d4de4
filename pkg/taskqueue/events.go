package taskqueue

import (
	"sync"

	"github.com/rs/zerolog"
)

// TaskEventListener observes task lifecycle events. Callbacks are invoked
// best-effort on coordinator goroutines with no coordinator lock held;
// panics inside a listener are isolated per call and never reach the
// scheduler. Listeners must not block for long and must not mutate
// coordinator internals.
type TaskEventListener interface {
	OnTaskSubmitted(info *TaskInfo)
	OnTaskStarted(info *TaskInfo)
	OnTaskProgress(info *TaskInfo, progress float64)
	OnTaskCompleted(info *TaskInfo, result *TaskResult)
	OnTaskFailed(info *TaskInfo, errMsg string)
	OnTaskCancelled(info *TaskInfo)
}

// ListenerFuncs adapts optional callback functions to TaskEventListener.
// Nil fields are skipped.
type ListenerFuncs struct {
	Submitted func(info *TaskInfo)
	Started   func(info *TaskInfo)
	Progress  func(info *TaskInfo, progress float64)
	Completed func(info *TaskInfo, result *TaskResult)
	Failed    func(info *TaskInfo, errMsg string)
	Cancelled func(info *TaskInfo)
}

func (l *ListenerFuncs) OnTaskSubmitted(info *TaskInfo) {
	if l.Submitted != nil {
		l.Submitted(info)
	}
}

func (l *ListenerFuncs) OnTaskStarted(info *TaskInfo) {
	if l.Started != nil {
		l.Started(info)
	}
}

func (l *ListenerFuncs) OnTaskProgress(info *TaskInfo, progress float64) {
	if l.Progress != nil {
		l.Progress(info, progress)
	}
}

func (l *ListenerFuncs) OnTaskCompleted(info *TaskInfo, result *TaskResult) {
	if l.Completed != nil {
		l.Completed(info, result)
	}
}

func (l *ListenerFuncs) OnTaskFailed(info *TaskInfo, errMsg string) {
	if l.Failed != nil {
		l.Failed(info, errMsg)
	}
}

func (l *ListenerFuncs) OnTaskCancelled(info *TaskInfo) {
	if l.Cancelled != nil {
		l.Cancelled(info)
	}
}

// listenerSet holds registered listeners behind its own lock, never held
// together with the coordinator lock
type listenerSet struct {
	mu        sync.RWMutex
	listeners []TaskEventListener
	logger    zerolog.Logger
}

func newListenerSet(logger zerolog.Logger) *listenerSet {
	return &listenerSet{logger: logger}
}

func (ls *listenerSet) add(listener TaskEventListener) {
	if listener == nil {
		return
	}
	ls.mu.Lock()
	ls.listeners = append(ls.listeners, listener)
	ls.mu.Unlock()
}

// remove drops a listener by identity
func (ls *listenerSet) remove(listener TaskEventListener) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for i, l := range ls.listeners {
		if l == listener {
			ls.listeners = append(ls.listeners[:i], ls.listeners[i+1:]...)
			return
		}
	}
}

// snapshot returns the current listeners without holding the lock during
// callback dispatch
func (ls *listenerSet) snapshot() []TaskEventListener {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return append([]TaskEventListener(nil), ls.listeners...)
}

// notify invokes fn for every registered listener, recovering panics per
// listener so one misbehaving observer cannot affect the others
func (ls *listenerSet) notify(taskID string, fn func(TaskEventListener)) {
	for _, listener := range ls.snapshot() {
		ls.call(taskID, listener, fn)
	}
}

func (ls *listenerSet) call(taskID string, listener TaskEventListener, fn func(TaskEventListener)) {
	defer func() {
		if r := recover(); r != nil {
			ls.logger.Error().
				Interface("panic", r).
				Str("task_id", taskID).
				Msg("Event listener panicked")
		}
	}()
	fn(listener)
}
