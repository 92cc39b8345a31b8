// Package redisq implements the task queue on Redis: five priority lanes,
// a delayed ZSET, a processing set and a dead-letter list, with the full
// task record stored as JSON keyed by task id.
//
// All operations are idempotent keyed by task id and terminal tasks are
// never mutated.
package redisq

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/aamlabs/agent-fabric/internal/adapter/observability"
	"github.com/aamlabs/agent-fabric/internal/domain"
)

const (
	taskKeyPrefix = "aam:task:"
	laneKeyPrefix = "aam:queue:priority:"
	delayedKey    = "aam:queue:delayed"
	processingKey = "aam:queue:processing"
	deadLetterKey = "aam:queue:dead"
)

// Queue is the Redis-backed domain.TaskQueue.
type Queue struct {
	rdb *redis.Client
}

// New constructs a Queue over the given Redis client.
func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// NewTaskID returns a lexically sortable unique task id.
func NewTaskID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

func taskKey(id string) string { return taskKeyPrefix + id }

func laneKey(p domain.TaskPriority) string {
	return laneKeyPrefix + strconv.Itoa(int(p))
}

func (q *Queue) saveTask(ctx domain.Context, t domain.Task) error {
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := q.rdb.Set(ctx, taskKey(t.ID), b, 0).Err(); err != nil {
		return fmt.Errorf("persist task: %w", err)
	}
	return nil
}

// Get loads a task record by id.
func (q *Queue) Get(ctx domain.Context, taskID string) (domain.Task, error) {
	b, err := q.rdb.Get(ctx, taskKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Task{}, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("op=queue.Get: %w", err)
	}
	var t domain.Task
	if err := json.Unmarshal(b, &t); err != nil {
		return domain.Task{}, fmt.Errorf("unmarshal task %s: %w", taskID, err)
	}
	return t, nil
}

// Enqueue persists the task and places it either in the delayed set (future
// ScheduledAt) or at the head of its priority lane.
func (q *Queue) Enqueue(ctx domain.Context, t domain.Task) error {
	if t.ID == "" {
		return fmt.Errorf("op=queue.Enqueue: %w: task id required", domain.ErrInvalidArgument)
	}
	if t.Status == "" {
		t.Status = domain.TaskPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if err := q.saveTask(ctx, t); err != nil {
		return fmt.Errorf("op=queue.Enqueue: %w", err)
	}

	if t.ScheduledAt != nil && t.ScheduledAt.After(time.Now()) {
		if err := q.rdb.ZAdd(ctx, delayedKey, redis.Z{
			Score:  float64(t.ScheduledAt.UnixMilli()),
			Member: t.ID,
		}).Err(); err != nil {
			return fmt.Errorf("op=queue.Enqueue delayed: %w", err)
		}
	} else {
		if err := q.rdb.LPush(ctx, laneKey(t.Priority), t.ID).Err(); err != nil {
			return fmt.Errorf("op=queue.Enqueue lane: %w", err)
		}
	}

	observability.TasksEnqueuedTotal.WithLabelValues(t.Type, t.Priority.String()).Inc()
	slog.Debug("task enqueued",
		slog.String("task_id", t.ID),
		slog.String("type", t.Type),
		slog.String("priority", t.Priority.String()),
		slog.String("tenant_id", t.TenantID))
	return nil
}

// promoteDelayed moves every delayed task whose time has come into its
// priority lane.
func (q *Queue) promoteDelayed(ctx domain.Context) error {
	now := float64(time.Now().UnixMilli())
	ids, err := q.rdb.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(now, 'f', -1, 64),
	}).Result()
	if err != nil {
		return fmt.Errorf("delayed sweep: %w", err)
	}
	for _, id := range ids {
		removed, err := q.rdb.ZRem(ctx, delayedKey, id).Result()
		if err != nil || removed == 0 {
			continue // lost the race to another dequeuer
		}
		t, err := q.Get(ctx, id)
		if err != nil {
			slog.Warn("delayed task record missing, dropping", slog.String("task_id", id))
			continue
		}
		if t.Status.IsTerminal() {
			continue
		}
		if t.Status == domain.TaskRetrying {
			t.Status = domain.TaskPending
			if err := q.saveTask(ctx, t); err != nil {
				return err
			}
		}
		if err := q.rdb.LPush(ctx, laneKey(t.Priority), id).Err(); err != nil {
			return fmt.Errorf("promote delayed: %w", err)
		}
	}
	return nil
}

// Dequeue sweeps due delayed tasks, then pops from the highest-priority
// non-empty lane. Tasks excluded by the type filter are pushed back and the
// next lane is tried. Returns nil when nothing is available.
func (q *Queue) Dequeue(ctx domain.Context, workerID string, allowedTypes []string) (*domain.Task, error) {
	if err := q.promoteDelayed(ctx); err != nil {
		return nil, fmt.Errorf("op=queue.Dequeue: %w", err)
	}

	allowed := map[string]bool{}
	for _, at := range allowedTypes {
		allowed[at] = true
	}

	for _, p := range domain.Priorities() {
		id, err := q.rdb.LPop(ctx, laneKey(p)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("op=queue.Dequeue lane %s: %w", p, err)
		}

		t, err := q.Get(ctx, id)
		if err != nil {
			slog.Warn("dequeued id without record, skipping", slog.String("task_id", id))
			continue
		}
		if t.Status.IsTerminal() {
			continue // cancelled while queued
		}
		if len(allowedTypes) > 0 && !allowed[t.Type] {
			if err := q.rdb.LPush(ctx, laneKey(p), id).Err(); err != nil {
				return nil, fmt.Errorf("op=queue.Dequeue pushback: %w", err)
			}
			continue
		}

		now := time.Now().UTC()
		t.Status = domain.TaskAssigned
		t.WorkerID = workerID
		t.AssignedAt = &now
		if err := q.saveTask(ctx, t); err != nil {
			return nil, fmt.Errorf("op=queue.Dequeue assign: %w", err)
		}
		if err := q.rdb.SAdd(ctx, processingKey, id).Err(); err != nil {
			return nil, fmt.Errorf("op=queue.Dequeue processing: %w", err)
		}
		return &t, nil
	}
	return nil, nil
}

// Complete marks a task completed and removes it from processing. Calling it
// again on a completed task is a no-op with the same final state.
func (q *Queue) Complete(ctx domain.Context, taskID string, result map[string]any) error {
	t, err := q.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("op=queue.Complete: %w", err)
	}
	if t.Status == domain.TaskCompleted {
		return nil
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("op=queue.Complete task=%s status=%s: %w", taskID, t.Status, domain.ErrInvariant)
	}

	now := time.Now().UTC()
	t.Status = domain.TaskCompleted
	t.CompletedAt = &now
	t.Result = result
	if err := q.saveTask(ctx, t); err != nil {
		return fmt.Errorf("op=queue.Complete: %w", err)
	}
	if err := q.rdb.SRem(ctx, processingKey, taskID).Err(); err != nil {
		return fmt.Errorf("op=queue.Complete processing: %w", err)
	}
	observability.TasksCompletedTotal.WithLabelValues(t.Type).Inc()
	return nil
}

// Fail records an error. Under the retry budget the task re-enters the
// delayed set at now+retry_delay; past it the task is dead-lettered.
func (q *Queue) Fail(ctx domain.Context, taskID string, taskErr string) error {
	t, err := q.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("op=queue.Fail: %w", err)
	}
	if t.Status.IsTerminal() {
		return nil
	}

	t.RetryCount++
	t.LastError = taskErr
	t.WorkerID = ""
	if err := q.rdb.SRem(ctx, processingKey, taskID).Err(); err != nil {
		return fmt.Errorf("op=queue.Fail processing: %w", err)
	}
	observability.TasksFailedTotal.WithLabelValues(t.Type).Inc()

	if t.RetryCount <= t.MaxRetries {
		retryAt := time.Now().Add(time.Duration(t.RetryDelaySeconds) * time.Second)
		t.Status = domain.TaskRetrying
		t.ScheduledAt = &retryAt
		if err := q.saveTask(ctx, t); err != nil {
			return fmt.Errorf("op=queue.Fail retry: %w", err)
		}
		if err := q.rdb.ZAdd(ctx, delayedKey, redis.Z{
			Score:  float64(retryAt.UnixMilli()),
			Member: taskID,
		}).Err(); err != nil {
			return fmt.Errorf("op=queue.Fail delayed: %w", err)
		}
		slog.Info("task scheduled for retry",
			slog.String("task_id", taskID),
			slog.Int("retry_count", t.RetryCount),
			slog.Int("max_retries", t.MaxRetries),
			slog.Time("retry_at", retryAt))
		return nil
	}

	t.Status = domain.TaskDead
	if err := q.saveTask(ctx, t); err != nil {
		return fmt.Errorf("op=queue.Fail dead: %w", err)
	}
	if err := q.rdb.LPush(ctx, deadLetterKey, taskID).Err(); err != nil {
		return fmt.Errorf("op=queue.Fail dead-letter: %w", err)
	}
	observability.TasksDeadTotal.WithLabelValues(t.Type).Inc()
	slog.Warn("task dead-lettered",
		slog.String("task_id", taskID),
		slog.Int("retry_count", t.RetryCount),
		slog.String("last_error", taskErr))
	return nil
}

// Cancel sets terminal cancelled status and removes the task from every
// queue structure. No-op on terminal tasks.
func (q *Queue) Cancel(ctx domain.Context, taskID string) error {
	t, err := q.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("op=queue.Cancel: %w", err)
	}
	if t.Status.IsTerminal() {
		return nil
	}

	t.Status = domain.TaskCancelled
	if err := q.saveTask(ctx, t); err != nil {
		return fmt.Errorf("op=queue.Cancel: %w", err)
	}
	pipe := q.rdb.Pipeline()
	pipe.LRem(ctx, laneKey(t.Priority), 0, taskID)
	pipe.ZRem(ctx, delayedKey, taskID)
	pipe.SRem(ctx, processingKey, taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=queue.Cancel cleanup: %w", err)
	}
	return nil
}

// PendingDepth counts tasks waiting in the priority lanes.
func (q *Queue) PendingDepth(ctx domain.Context) (int64, error) {
	var total int64
	for _, p := range domain.Priorities() {
		n, err := q.rdb.LLen(ctx, laneKey(p)).Result()
		if err != nil {
			return 0, fmt.Errorf("op=queue.PendingDepth: %w", err)
		}
		observability.QueueDepth.WithLabelValues(p.String()).Set(float64(n))
		total += n
	}
	return total, nil
}

// DeadLetterIDs lists the dead-letter list, newest first.
func (q *Queue) DeadLetterIDs(ctx domain.Context) ([]string, error) {
	ids, err := q.rdb.LRange(ctx, deadLetterKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("op=queue.DeadLetterIDs: %w", err)
	}
	return ids, nil
}

// CleanupStale fails every processing task whose assignment is older than
// threshold, so crashed workers do not strand work. Returns the sweep count.
func (q *Queue) CleanupStale(ctx domain.Context, threshold time.Duration) (int, error) {
	ids, err := q.rdb.SMembers(ctx, processingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("op=queue.CleanupStale: %w", err)
	}
	swept := 0
	now := time.Now()
	for _, id := range ids {
		t, err := q.Get(ctx, id)
		if err != nil {
			_ = q.rdb.SRem(ctx, processingKey, id).Err()
			continue
		}
		if t.AssignedAt == nil || now.Sub(*t.AssignedAt) <= threshold {
			continue
		}
		if err := q.Fail(ctx, id, "processing timeout - worker likely crashed"); err != nil {
			slog.Error("stale reclamation failed", slog.String("task_id", id), slog.Any("error", err))
			continue
		}
		swept++
	}
	if swept > 0 {
		slog.Info("stale tasks reclaimed", slog.Int("count", swept))
	}
	return swept, nil
}
