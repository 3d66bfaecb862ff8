package task

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrDuplicateTask is returned when enqueueing an id that already exists.
	ErrDuplicateTask = errors.New("task already exists")

	// ErrUnknownTask is returned for operations on ids the queue never saw
	// or already evicted.
	ErrUnknownTask = errors.New("unknown task")
)

// TransitionError reports a status update that would move a task backwards.
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: illegal transition %s -> %s", e.ID, e.From, e.To)
}

// Queue is the in-memory acquisition task table. One mutex guards structural
// mutation; reads are served from snapshots taken under that lock.
type Queue struct {
	mu    sync.Mutex
	tasks map[string]*Task
	seq   uint64
}

func NewQueue() *Queue {
	return &Queue{tasks: make(map[string]*Task)}
}

// Enqueue registers a new task. The id must be unique for the lifetime of
// the entry.
func (q *Queue) Enqueue(t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.tasks[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}

	q.seq++
	t.seq = q.seq
	t.Status = StatusQueued

	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = time.Now()
	}

	q.tasks[t.ID] = t

	return nil
}

// Claim hands out the next runnable task: lowest priority value first, ties
// broken by submission order. At most one worker ever holds a given id; the
// claim is released only by reaching a terminal state.
func (q *Queue) Claim() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var next *Task

	for _, t := range q.tasks {
		if t.Status != StatusQueued || t.claimed {
			continue
		}

		if next == nil || t.Priority < next.Priority ||
			(t.Priority == next.Priority && t.seq < next.seq) {
			next = t
		}
	}

	if next != nil {
		next.claimed = true
	}

	return next
}

// UpdateStatus applies a forward-only transition. Updates to a task already
// in a terminal state are a silent no-op. A terminal update records the
// finish time.
func (q *Queue) UpdateStatus(id string, status Status, message string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}

	if t.Status.Terminal() {
		return nil
	}

	if status != StatusCancelled && statusRank[status] < statusRank[t.Status] {
		return &TransitionError{ID: id, From: t.Status, To: status}
	}

	t.Status = status
	t.StatusMessage = message

	if status.Terminal() {
		t.FinishedAt = time.Now()
	}

	return nil
}

// Cancel raises the cooperative cancellation flag. A task still waiting in
// the queue is cancelled immediately; an in-flight task keeps running until
// its worker reaches the next checkpoint. Cancelling a terminal task is a
// no-op.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}

	if t.Status.Terminal() {
		return nil
	}

	t.cancelled.Store(true)

	if t.Status == StatusQueued && !t.claimed {
		t.Status = StatusCancelled
		t.StatusMessage = "cancelled before start"
		t.FinishedAt = time.Now()
	}

	return nil
}

// Get returns a snapshot of one task.
func (q *Queue) Get(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return Task{}, false
	}

	return t.snapshot(), true
}

// ListByRequester returns the tasks visible to a requester (their own plus
// globally visible ones) partitioned by status, each bucket ordered by
// submission. An empty requester id sees only the globally visible tasks.
func (q *Queue) ListByRequester(requesterID string) map[Status][]Task {
	q.mu.Lock()

	visible := make([]*Task, 0, len(q.tasks))

	for _, t := range q.tasks {
		if t.RequesterID == "" || t.RequesterID == requesterID {
			visible = append(visible, t)
		}
	}

	sort.Slice(visible, func(i, j int) bool { return visible[i].seq < visible[j].seq })

	buckets := make(map[Status][]Task)
	for _, t := range visible {
		buckets[t.Status] = append(buckets[t.Status], t.snapshot())
	}

	q.mu.Unlock()

	return buckets
}

// RepairPath is the single post-hoc write allowed on a terminal task: it
// remaps the recorded original-download path after a remote-path mapping
// change.
func (q *Queue) RepairPath(id, newPath string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}

	if !t.Status.Terminal() {
		return fmt.Errorf("task %s is not terminal", id)
	}

	t.OriginalPath = newPath

	return nil
}

// Clear drops a terminal task from the table. Non-terminal tasks stay.
func (q *Queue) Clear(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}

	if !t.Status.Terminal() {
		return fmt.Errorf("task %s is still active", id)
	}

	delete(q.tasks, id)

	return nil
}

// EvictFinished removes terminal tasks that finished before the retention
// window and reports how many were dropped.
func (q *Queue) EvictFinished(retention time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	evicted := 0

	for id, t := range q.tasks {
		if t.Status.Terminal() && t.FinishedAt.Before(cutoff) {
			delete(q.tasks, id)
			evicted++
		}
	}

	return evicted
}

// Len reports the number of tracked tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.tasks)
}
