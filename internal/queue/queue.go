// Package queue provides priority-ordered task scheduling with dependency
// gating. Ordering is a min-heap over (priority number, creation time):
// lower priority numbers dequeue first, ties go to the earliest created task.
package queue

import (
	"container/heap"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/foremanhq/foreman/internal/domain"
	"github.com/foremanhq/foreman/internal/domain/task"
)

// Callback event names fired by Update and Cancel.
const (
	EventTaskEnqueued  = "task_enqueued"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventTaskCancelled = "task_cancelled"
)

// Callback observes task lifecycle events. Callback errors must not exist:
// callbacks are invoked synchronously and panics are contained.
type Callback func(t *task.Task)

type item struct {
	t       *task.Task
	prio    int
	created time.Time
	seq     uint64
	index   int
}

type items []*item

func (h items) Len() int { return len(h) }

func (h items) Less(i, j int) bool {
	if h[i].prio != h[j].prio {
		return h[i].prio < h[j].prio
	}
	if !h[i].created.Equal(h[j].created) {
		return h[i].created.Before(h[j].created)
	}
	return h[i].seq < h[j].seq
}

func (h items) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *items) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *items) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Metrics is a snapshot of queue counters.
type Metrics struct {
	TotalEnqueued  uint64 `json:"total_enqueued"`
	TotalCompleted uint64 `json:"total_completed"`
	TotalFailed    uint64 `json:"total_failed"`
	PendingCount   int    `json:"pending_count"`
	RunningCount   int    `json:"running_count"`
	CompletedCount int    `json:"completed_count"`
	FailedCount    int    `json:"failed_count"`
	HeapSize       int    `json:"heap_size"`
}

// Queue is the in-memory priority task queue. Status buckets (pending,
// running, completed, failed) are mutually exclusive; Update is the single
// place a task moves between them.
type Queue struct {
	mu        sync.Mutex
	heap      items
	seq       uint64
	tasks     map[string]*task.Task
	pending   map[string]*task.Task
	running   map[string]*task.Task
	completed map[string]*task.Task
	failed    map[string]*task.Task
	tracker   *DependencyTracker
	callbacks map[string][]Callback

	totalEnqueued  uint64
	totalCompleted uint64
	totalFailed    uint64
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		tasks:     make(map[string]*task.Task),
		pending:   make(map[string]*task.Task),
		running:   make(map[string]*task.Task),
		completed: make(map[string]*task.Task),
		failed:    make(map[string]*task.Task),
		tracker:   NewDependencyTracker(),
		callbacks: make(map[string][]Callback),
	}
}

// Tracker exposes the dependency tracker for callers that register
// cross-task dependencies after enqueueing.
func (q *Queue) Tracker() *DependencyTracker { return q.tracker }

// Enqueue adds a task to the queue and returns its id.
func (q *Queue) Enqueue(t *task.Task) string {
	q.mu.Lock()
	q.tasks[t.ID] = t
	q.pending[t.ID] = t
	q.seq++
	heap.Push(&q.heap, &item{
		t:       t,
		prio:    int(t.Priority),
		created: t.CreatedAt,
		seq:     q.seq,
	})
	for _, dep := range t.Dependencies {
		q.tracker.Add(t.ID, dep)
	}
	q.totalEnqueued++
	q.mu.Unlock()

	slog.Debug("task enqueued", "task_id", t.ID, "type", t.Type, "priority", t.Priority)
	q.fire(EventTaskEnqueued, t)
	return t.ID
}

// Dequeue returns the highest-priority ready task, or nil when no pending
// task is executable. typeFilter, when non-empty, restricts the result to
// tasks of that type. A task whose dependencies are not completed is never
// returned; it stays pending until its prerequisites complete.
func (q *Queue) Dequeue(typeFilter string) *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var skipped []*item
	var picked *task.Task

	for q.heap.Len() > 0 {
		it := heap.Pop(&q.heap).(*item)
		t := it.t

		// Stale heap entries (cancelled, already re-bucketed) are dropped.
		if _, ok := q.pending[t.ID]; !ok {
			continue
		}
		if typeFilter != "" && t.Type != typeFilter {
			skipped = append(skipped, it)
			continue
		}
		if !q.tracker.CanExecute(t.ID) {
			skipped = append(skipped, it)
			continue
		}

		delete(q.pending, t.ID)
		q.running[t.ID] = t
		picked = t
		break
	}

	for _, it := range skipped {
		heap.Push(&q.heap, it)
	}
	return picked
}

// Requeue returns a dequeued task to pending without counting a new
// enqueue. Used when no agent could take the task.
func (q *Queue) Requeue(t *task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t.Status = task.StatusPending
	delete(q.running, t.ID)
	q.pending[t.ID] = t
	q.seq++
	heap.Push(&q.heap, &item{
		t:       t,
		prio:    int(t.Priority),
		created: t.CreatedAt,
		seq:     q.seq,
	})
}

// Get returns a task by id, or nil when unknown.
func (q *Queue) Get(taskID string) *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks[taskID]
}

// Update re-buckets a task according to its status. Completed and failed
// transitions bump the global counters and fire the matching callbacks.
func (q *Queue) Update(t *task.Task) {
	var event string

	q.mu.Lock()
	q.tasks[t.ID] = t
	delete(q.pending, t.ID)
	delete(q.running, t.ID)
	delete(q.completed, t.ID)
	delete(q.failed, t.ID)

	switch t.Status {
	case task.StatusPending:
		q.pending[t.ID] = t
	case task.StatusRunning:
		q.running[t.ID] = t
	case task.StatusCompleted:
		q.completed[t.ID] = t
		q.tracker.MarkCompleted(t.ID)
		q.totalCompleted++
		event = EventTaskCompleted
	case task.StatusFailed:
		q.failed[t.ID] = t
		q.totalFailed++
		event = EventTaskFailed
	}
	q.mu.Unlock()

	slog.Debug("task updated", "task_id", t.ID, "status", t.Status)
	if event != "" {
		q.fire(event, t)
	}
}

// GetPending returns pending tasks sorted by priority then creation time.
// typeFilter, when non-empty, restricts the result to tasks of that type.
func (q *Queue) GetPending(typeFilter string) []*task.Task {
	q.mu.Lock()
	out := make([]*task.Task, 0, len(q.pending))
	for _, t := range q.pending {
		if typeFilter != "" && t.Type != typeFilter {
			continue
		}
		out = append(out, t)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// GetReady returns pending tasks whose dependencies are all completed,
// in priority order.
func (q *Queue) GetReady() []*task.Task {
	pending := q.GetPending("")
	out := make([]*task.Task, 0, len(pending))
	for _, t := range pending {
		if q.tracker.CanExecute(t.ID) {
			out = append(out, t)
		}
	}
	return out
}

// GetRunning returns the tasks currently in the running bucket.
func (q *Queue) GetRunning() []*task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*task.Task, 0, len(q.running))
	for _, t := range q.running {
		out = append(out, t)
	}
	return out
}

// Retry re-enqueues a failed task after resetting its state. It is only
// valid on failed tasks.
func (q *Queue) Retry(taskID string) error {
	q.mu.Lock()
	t, ok := q.failed[taskID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("retry task %s: not failed: %w", taskID, domain.ErrNotFound)
	}
	delete(q.failed, taskID)
	t.Status = task.StatusPending
	t.Result = nil
	t.StartedAt = nil
	t.CompletedAt = nil
	q.mu.Unlock()

	q.Enqueue(t)
	slog.Info("task retried", "task_id", taskID)
	return nil
}

// Cancel removes a pending task from scheduling. It is only valid on
// pending tasks; running tasks run to completion.
func (q *Queue) Cancel(taskID string) error {
	q.mu.Lock()
	t, ok := q.pending[taskID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("cancel task %s: not pending: %w", taskID, domain.ErrNotFound)
	}
	delete(q.pending, taskID)
	t.Status = task.StatusCancelled
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	t.Metadata["cancelled_at"] = time.Now().UTC().Format(time.RFC3339)
	q.mu.Unlock()

	slog.Info("task cancelled", "task_id", taskID)
	q.fire(EventTaskCancelled, t)
	return nil
}

// RegisterCallback registers a callback for a task lifecycle event.
func (q *Queue) RegisterCallback(event string, cb Callback) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.callbacks[event] = append(q.callbacks[event], cb)
}

// fire invokes callbacks for an event, containing panics so an observer
// can never abort queue operations.
func (q *Queue) fire(event string, t *task.Task) {
	q.mu.Lock()
	cbs := append([]Callback(nil), q.callbacks[event]...)
	q.mu.Unlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("task callback panicked", "event", event, "task_id", t.ID, "panic", r)
				}
			}()
			cb(t)
		}()
	}
}

// Metrics returns a snapshot of queue counters.
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Metrics{
		TotalEnqueued:  q.totalEnqueued,
		TotalCompleted: q.totalCompleted,
		TotalFailed:    q.totalFailed,
		PendingCount:   len(q.pending),
		RunningCount:   len(q.running),
		CompletedCount: len(q.completed),
		FailedCount:    len(q.failed),
		HeapSize:       q.heap.Len(),
	}
}

// Clear drops every task and resets the dependency tracker.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heap = nil
	q.tasks = make(map[string]*task.Task)
	q.pending = make(map[string]*task.Task)
	q.running = make(map[string]*task.Task)
	q.completed = make(map[string]*task.Task)
	q.failed = make(map[string]*task.Task)
	q.tracker.Clear()
}
