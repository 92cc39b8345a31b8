// Package domain holds the core entities, ports and error taxonomy of the
// agent execution fabric. Adapters depend on this package, never the reverse.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrTimeout         = errors.New("timeout")
	ErrCircuitOpen     = errors.New("circuit open")
	ErrRetryExhausted  = errors.New("retry exhausted")
	ErrPolicyBlocked   = errors.New("policy blocked")
	ErrInvariant       = errors.New("invariant violated")
	ErrUnavailable     = errors.New("store unavailable")
	ErrInternal        = errors.New("internal error")
)

// Context is an alias so domain signatures stay decoupled from std context
// naming; adapters pass context.Context through unchanged.
type Context = context.Context

// TaskPriority orders queue lanes; lower value is served first.
type TaskPriority int

const (
	PriorityCritical   TaskPriority = 1
	PriorityHigh       TaskPriority = 2
	PriorityNormal     TaskPriority = 5
	PriorityLow        TaskPriority = 8
	PriorityBackground TaskPriority = 10
)

// Priorities lists all lanes from most to least urgent.
func Priorities() []TaskPriority {
	return []TaskPriority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityBackground}
}

func (p TaskPriority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// TaskStatus is the lifecycle state of a queued task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskRetrying  TaskStatus = "retrying"
	TaskDead      TaskStatus = "dead"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskCancelled, TaskDead:
		return true
	}
	return false
}

// Task is one unit of asynchronous work. It is mutated only by the owning
// queue; RetryCount never exceeds MaxRetries and terminal tasks are immutable.
type Task struct {
	ID                string         `json:"id"`
	Type              string         `json:"type"`
	Payload           map[string]any `json:"payload,omitempty"`
	TenantID          string         `json:"tenant_id"`
	AgentID           string         `json:"agent_id,omitempty"`
	Priority          TaskPriority   `json:"priority"`
	ScheduledAt       *time.Time     `json:"scheduled_at,omitempty"`
	Status            TaskStatus     `json:"status"`
	WorkerID          string         `json:"worker_id,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	AssignedAt        *time.Time     `json:"assigned_at,omitempty"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	TimeoutSeconds    int            `json:"timeout_seconds"`
	MaxRetries        int            `json:"max_retries"`
	RetryCount        int            `json:"retry_count"`
	RetryDelaySeconds int            `json:"retry_delay_seconds"`
	LastError         string         `json:"last_error,omitempty"`
	Result            map[string]any `json:"result,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// NewTask builds a pending task with the queue defaults applied.
func NewTask(id, taskType, tenantID string, payload map[string]any) Task {
	return Task{
		ID:                id,
		Type:              taskType,
		Payload:           payload,
		TenantID:          tenantID,
		Priority:          PriorityNormal,
		Status:            TaskPending,
		CreatedAt:         time.Now().UTC(),
		TimeoutSeconds:    300,
		MaxRetries:        3,
		RetryDelaySeconds: 60,
	}
}

// TaskQueue is the port every producer and worker talks to.
//
// Operations are idempotent keyed by task id; implementations own all
// internal queue state and expose it only through these methods.
type TaskQueue interface {
	Enqueue(ctx Context, t Task) error
	Dequeue(ctx Context, workerID string, allowedTypes []string) (*Task, error)
	Complete(ctx Context, taskID string, result map[string]any) error
	Fail(ctx Context, taskID string, taskErr string) error
	Cancel(ctx Context, taskID string) error
	Get(ctx Context, taskID string) (Task, error)
	PendingDepth(ctx Context) (int64, error)
	CleanupStale(ctx Context, threshold time.Duration) (int, error)
}

// TaskHandler processes one task and returns its result payload.
type TaskHandler func(ctx Context, t Task) (map[string]any, error)
