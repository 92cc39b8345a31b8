package redisq

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aamlabs/agent-fabric/internal/domain"
)

// MemoryQueue is the in-process fallback used when the Redis store is
// unavailable. Semantics match Queue, but persistence and cross-worker
// visibility are lost; constructing one logs that loss.
type MemoryQueue struct {
	mu         sync.Mutex
	tasks      map[string]domain.Task
	lanes      map[domain.TaskPriority][]string
	delayed    map[string]time.Time
	processing map[string]struct{}
	deadLetter []string
}

// NewMemoryQueue builds an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	slog.Warn("task queue running in-process; persistence and cross-worker visibility are lost")
	return &MemoryQueue{
		tasks:      make(map[string]domain.Task),
		lanes:      make(map[domain.TaskPriority][]string),
		delayed:    make(map[string]time.Time),
		processing: make(map[string]struct{}),
	}
}

// Enqueue stores the task and queues it by priority or delay.
func (q *MemoryQueue) Enqueue(_ domain.Context, t domain.Task) error {
	if t.ID == "" {
		return fmt.Errorf("op=memqueue.Enqueue: %w: task id required", domain.ErrInvalidArgument)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.Status == "" {
		t.Status = domain.TaskPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	q.tasks[t.ID] = t
	if t.ScheduledAt != nil && t.ScheduledAt.After(time.Now()) {
		q.delayed[t.ID] = *t.ScheduledAt
	} else {
		q.lanes[t.Priority] = append(q.lanes[t.Priority], t.ID)
	}
	return nil
}

// promoteDelayedLocked moves due delayed tasks into their lanes. Caller must
// hold the mutex.
func (q *MemoryQueue) promoteDelayedLocked(now time.Time) {
	var due []string
	for id, at := range q.delayed {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	sort.Strings(due)
	for _, id := range due {
		delete(q.delayed, id)
		t, ok := q.tasks[id]
		if !ok || t.Status.IsTerminal() {
			continue
		}
		if t.Status == domain.TaskRetrying {
			t.Status = domain.TaskPending
			q.tasks[id] = t
		}
		q.lanes[t.Priority] = append(q.lanes[t.Priority], id)
	}
}

// Dequeue pops the newest id from the highest-priority non-empty lane.
func (q *MemoryQueue) Dequeue(_ domain.Context, workerID string, allowedTypes []string) (*domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promoteDelayedLocked(time.Now())

	allowed := map[string]bool{}
	for _, at := range allowedTypes {
		allowed[at] = true
	}

	for _, p := range domain.Priorities() {
		lane := q.lanes[p]
		if len(lane) == 0 {
			continue
		}
		id := lane[len(lane)-1]
		t, ok := q.tasks[id]
		if !ok || t.Status.IsTerminal() {
			q.lanes[p] = lane[:len(lane)-1]
			continue
		}
		if len(allowedTypes) > 0 && !allowed[t.Type] {
			continue
		}
		q.lanes[p] = lane[:len(lane)-1]

		now := time.Now().UTC()
		t.Status = domain.TaskAssigned
		t.WorkerID = workerID
		t.AssignedAt = &now
		q.tasks[id] = t
		q.processing[id] = struct{}{}
		return &t, nil
	}
	return nil, nil
}

// Complete marks a task completed; idempotent on completed tasks.
func (q *MemoryQueue) Complete(_ domain.Context, taskID string, result map[string]any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	if t.Status == domain.TaskCompleted {
		return nil
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("op=memqueue.Complete task=%s status=%s: %w", taskID, t.Status, domain.ErrInvariant)
	}
	now := time.Now().UTC()
	t.Status = domain.TaskCompleted
	t.CompletedAt = &now
	t.Result = result
	q.tasks[taskID] = t
	delete(q.processing, taskID)
	return nil
}

// Fail applies the retry-or-deadletter policy.
func (q *MemoryQueue) Fail(_ domain.Context, taskID string, taskErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	if t.Status.IsTerminal() {
		return nil
	}
	t.RetryCount++
	t.LastError = taskErr
	t.WorkerID = ""
	delete(q.processing, taskID)

	if t.RetryCount <= t.MaxRetries {
		retryAt := time.Now().Add(time.Duration(t.RetryDelaySeconds) * time.Second)
		t.Status = domain.TaskRetrying
		t.ScheduledAt = &retryAt
		q.tasks[taskID] = t
		q.delayed[taskID] = retryAt
		return nil
	}
	t.Status = domain.TaskDead
	q.tasks[taskID] = t
	q.deadLetter = append(q.deadLetter, taskID)
	return nil
}

// Cancel removes the task from every structure; no-op on terminal tasks.
func (q *MemoryQueue) Cancel(_ domain.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	if t.Status.IsTerminal() {
		return nil
	}
	t.Status = domain.TaskCancelled
	q.tasks[taskID] = t
	delete(q.delayed, taskID)
	delete(q.processing, taskID)
	lane := q.lanes[t.Priority]
	for i, id := range lane {
		if id == taskID {
			q.lanes[t.Priority] = append(lane[:i], lane[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns the stored task record.
func (q *MemoryQueue) Get(_ domain.Context, taskID string) (domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	return t, nil
}

// PendingDepth counts tasks waiting in the priority lanes.
func (q *MemoryQueue) PendingDepth(_ domain.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var total int64
	for _, lane := range q.lanes {
		total += int64(len(lane))
	}
	return total, nil
}

// DeadLetterIDs lists dead-lettered task ids.
func (q *MemoryQueue) DeadLetterIDs(_ domain.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.deadLetter...), nil
}

// CleanupStale fails processing tasks assigned longer ago than threshold.
func (q *MemoryQueue) CleanupStale(ctx domain.Context, threshold time.Duration) (int, error) {
	q.mu.Lock()
	var stale []string
	now := time.Now()
	for id := range q.processing {
		t, ok := q.tasks[id]
		if !ok {
			delete(q.processing, id)
			continue
		}
		if t.AssignedAt != nil && now.Sub(*t.AssignedAt) > threshold {
			stale = append(stale, id)
		}
	}
	q.mu.Unlock()

	for _, id := range stale {
		if err := q.Fail(ctx, id, "processing timeout - worker likely crashed"); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}
