// Package worker implements the task consumers and the autoscaling pool
// that drains the task queue.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/aamlabs/agent-fabric/internal/adapter/observability"
	"github.com/aamlabs/agent-fabric/internal/domain"
)

// Status is the reported state of one worker.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusStopping   Status = "stopping"
	StatusStopped    Status = "stopped"
	StatusError      Status = "error"
)

// HandlerRegistry maps task types to their handlers. Handlers are registered
// at startup; registration after workers start is safe but discouraged.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]domain.TaskHandler
}

// NewHandlerRegistry builds an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]domain.TaskHandler)}
}

// Register binds a handler to a task type, replacing any previous binding.
func (r *HandlerRegistry) Register(taskType string, h domain.TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

// Get returns the handler for a task type.
func (r *HandlerRegistry) Get(taskType string) (domain.TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// Types lists all registered task types.
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// Config tunes one worker.
type Config struct {
	MaxConcurrentTasks int
	PollInterval       time.Duration
	HeartbeatInterval  time.Duration
	ShutdownTimeout    time.Duration
	AcceptedTypes      []string
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}

// Worker is a single consumer loop bounded by an internal slot semaphore.
type Worker struct {
	ID string

	queue    domain.TaskQueue
	registry *HandlerRegistry
	cfg      Config

	slots         *semaphore.Weighted
	status        atomic.Value // Status
	lastHeartbeat atomic.Int64 // unix millis
	tasksDone     atomic.Int64
	tasksFailed   atomic.Int64

	cancel  context.CancelFunc
	done    chan struct{}
	inFlight sync.WaitGroup
}

// New constructs a worker; call Start to begin consuming.
func New(id string, queue domain.TaskQueue, registry *HandlerRegistry, cfg Config) *Worker {
	w := &Worker{
		ID:       id,
		queue:    queue,
		registry: registry,
		cfg:      cfg.withDefaults(),
		done:     make(chan struct{}),
	}
	w.slots = semaphore.NewWeighted(int64(w.cfg.MaxConcurrentTasks))
	w.status.Store(StatusStarting)
	return w
}

// Status returns the worker's current state.
func (w *Worker) Status() Status {
	return w.status.Load().(Status)
}

// LastHeartbeat returns the time of the most recent heartbeat.
func (w *Worker) LastHeartbeat() time.Time {
	return time.UnixMilli(w.lastHeartbeat.Load())
}

// Stats returns processed and failed task counts.
func (w *Worker) Stats() (done, failed int64) {
	return w.tasksDone.Load(), w.tasksFailed.Load()
}

// Start launches the pull loop and heartbeat. It returns immediately.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.beat()
	go w.heartbeatLoop(ctx)
	go w.run(ctx)
}

// Stop halts pulling, waits up to the shutdown timeout for in-flight tasks,
// then returns. A task that outlives the timeout stays in processing for
// stale reclamation.
func (w *Worker) Stop() {
	w.status.Store(StatusStopping)
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done

	waited := make(chan struct{})
	go func() {
		w.inFlight.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(w.cfg.ShutdownTimeout):
		slog.Warn("worker shutdown timeout; leaving task for stale reclamation",
			slog.String("worker_id", w.ID))
	}
	w.status.Store(StatusStopped)
	slog.Info("worker stopped", slog.String("worker_id", w.ID))
}

func (w *Worker) beat() {
	w.lastHeartbeat.Store(time.Now().UnixMilli())
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.beat()
		}
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	w.status.Store(StatusIdle)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := w.slots.Acquire(ctx, 1); err != nil {
			return
		}

		task, err := w.queue.Dequeue(ctx, w.ID, w.cfg.AcceptedTypes)
		if err != nil {
			w.slots.Release(1)
			if ctx.Err() != nil {
				return
			}
			w.status.Store(StatusError)
			slog.Error("dequeue failed",
				slog.String("worker_id", w.ID),
				slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}
		if task == nil {
			w.slots.Release(1)
			w.status.Store(StatusIdle)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}

		w.status.Store(StatusProcessing)
		w.inFlight.Add(1)
		go func(t domain.Task) {
			defer w.inFlight.Done()
			defer w.slots.Release(1)
			w.process(ctx, t)
		}(*task)
	}
}

// process dispatches one task to its handler under the task's deadline.
func (w *Worker) process(ctx context.Context, t domain.Task) {
	start := time.Now()
	handler, ok := w.registry.Get(t.Type)
	if !ok {
		w.tasksFailed.Add(1)
		_ = w.queue.Fail(ctx, t.ID, fmt.Sprintf("no handler registered for type %q", t.Type))
		return
	}

	timeout := time.Duration(t.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := handler(tctx, t)
		done <- outcome{result: result, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-tctx.Done():
		out = outcome{err: fmt.Errorf("task deadline exceeded after %s: %w", timeout, domain.ErrTimeout)}
	}

	observability.TaskDuration.WithLabelValues(t.Type).Observe(time.Since(start).Seconds())
	// Report with a fresh context so shutdown cancellation cannot lose the
	// outcome of a finished task.
	rctx, rcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer rcancel()
	if out.err != nil {
		w.tasksFailed.Add(1)
		if err := w.queue.Fail(rctx, t.ID, out.err.Error()); err != nil {
			slog.Error("fail report failed",
				slog.String("worker_id", w.ID),
				slog.String("task_id", t.ID),
				slog.Any("error", err))
		}
		return
	}
	w.tasksDone.Add(1)
	if err := w.queue.Complete(rctx, t.ID, out.result); err != nil {
		slog.Error("complete report failed",
			slog.String("worker_id", w.ID),
			slog.String("task_id", t.ID),
			slog.Any("error", err))
	}
}
