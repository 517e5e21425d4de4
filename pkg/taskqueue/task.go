package taskqueue

import (
	"container/heap"
	"time"
)

// task is the internal scheduling unit binding a submission to its handler.
// It is orderable for the pending heap: lower priority value first, ties
// broken by earlier creation time, then submission sequence.
type task struct {
	id           string
	taskType     string
	priority     TaskPriority
	handler      TaskHandler
	info         *TaskInfo
	createdAt    time.Time
	seq          uint64
	timeout      time.Duration
	dependencies []string

	// heap bookkeeping, maintained by taskHeap
	index int
}

// less implements the candidate ordering. Dependency and concurrency state
// are deliberately not part of the ordering; eligibility is filtered on
// every scheduler cycle instead.
func (t *task) less(other *task) bool {
	if t.priority != other.priority {
		return t.priority < other.priority
	}
	if !t.createdAt.Equal(other.createdAt) {
		return t.createdAt.Before(other.createdAt)
	}
	return t.seq < other.seq
}

// taskHeap is a binary heap of pending tasks
type taskHeap []*task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].less(h[j]) }

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// push adds a task maintaining heap order
func (h *taskHeap) push(t *task) {
	heap.Push(h, t)
}

// pop removes and returns the smallest task, or nil when empty
func (h *taskHeap) pop() *task {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*task)
}

// remove removes a task by id and reports whether it was queued
func (h *taskHeap) remove(taskID string) bool {
	for _, t := range *h {
		if t.id == taskID {
			heap.Remove(h, t.index)
			return true
		}
	}
	return false
}
