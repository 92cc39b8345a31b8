package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aamlabs/agent-fabric/internal/adapter/queue/redisq"
	"github.com/aamlabs/agent-fabric/internal/domain"
)

func fastWorkerConfig() Config {
	return Config{
		MaxConcurrentTasks: 1,
		PollInterval:       10 * time.Millisecond,
		HeartbeatInterval:  20 * time.Millisecond,
		ShutdownTimeout:    time.Second,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestWorker_ProcessesTask(t *testing.T) {
	q := redisq.NewMemoryQueue()
	reg := NewHandlerRegistry()
	reg.Register("echo", func(ctx domain.Context, task domain.Task) (map[string]any, error) {
		return map[string]any{"echo": task.Payload["msg"]}, nil
	})

	tk := domain.NewTask("w-1", "echo", "t1", map[string]any{"msg": "hi"})
	require.NoError(t, q.Enqueue(context.Background(), tk))

	w := New("worker-test", q, reg, fastWorkerConfig())
	w.Start(context.Background())
	defer w.Stop()

	waitFor(t, 2*time.Second, func() bool {
		got, err := q.Get(context.Background(), "w-1")
		return err == nil && got.Status == domain.TaskCompleted
	})
	got, err := q.Get(context.Background(), "w-1")
	require.NoError(t, err)
	require.Equal(t, "hi", got.Result["echo"])
}

func TestWorker_HandlerErrorFailsTask(t *testing.T) {
	q := redisq.NewMemoryQueue()
	reg := NewHandlerRegistry()
	reg.Register("boom", func(ctx domain.Context, task domain.Task) (map[string]any, error) {
		return nil, errors.New("handler exploded")
	})

	tk := domain.NewTask("w-2", "boom", "t1", nil)
	tk.MaxRetries = 0
	require.NoError(t, q.Enqueue(context.Background(), tk))

	w := New("worker-test", q, reg, fastWorkerConfig())
	w.Start(context.Background())
	defer w.Stop()

	waitFor(t, 2*time.Second, func() bool {
		got, err := q.Get(context.Background(), "w-2")
		return err == nil && got.Status == domain.TaskDead
	})
	got, _ := q.Get(context.Background(), "w-2")
	require.Contains(t, got.LastError, "handler exploded")
}

func TestWorker_TaskTimeout(t *testing.T) {
	q := redisq.NewMemoryQueue()
	reg := NewHandlerRegistry()
	reg.Register("slow", func(ctx domain.Context, task domain.Task) (map[string]any, error) {
		select {
		case <-time.After(5 * time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	tk := domain.NewTask("w-3", "slow", "t1", nil)
	tk.TimeoutSeconds = 1
	tk.MaxRetries = 0
	require.NoError(t, q.Enqueue(context.Background(), tk))

	w := New("worker-test", q, reg, fastWorkerConfig())
	w.Start(context.Background())
	defer w.Stop()

	waitFor(t, 4*time.Second, func() bool {
		got, err := q.Get(context.Background(), "w-3")
		return err == nil && got.Status == domain.TaskDead
	})
	got, _ := q.Get(context.Background(), "w-3")
	require.Contains(t, got.LastError, "deadline exceeded")
}

func TestWorker_UnknownTypeFails(t *testing.T) {
	q := redisq.NewMemoryQueue()
	reg := NewHandlerRegistry()

	tk := domain.NewTask("w-4", "mystery", "t1", nil)
	tk.MaxRetries = 0
	require.NoError(t, q.Enqueue(context.Background(), tk))

	w := New("worker-test", q, reg, fastWorkerConfig())
	w.Start(context.Background())
	defer w.Stop()

	waitFor(t, 2*time.Second, func() bool {
		got, err := q.Get(context.Background(), "w-4")
		return err == nil && got.Status == domain.TaskDead
	})
	got, _ := q.Get(context.Background(), "w-4")
	require.Contains(t, got.LastError, "no handler registered")
}

func TestPool_FixedSizeAndStop(t *testing.T) {
	q := redisq.NewMemoryQueue()
	reg := NewHandlerRegistry()
	reg.Register("noop", func(ctx domain.Context, task domain.Task) (map[string]any, error) {
		return nil, nil
	})

	p := NewPool(q, reg, PoolConfig{
		Policy:     PolicyFixed,
		MinWorkers: 3,
		Worker:     fastWorkerConfig(),
	})
	p.Start(context.Background())
	require.Equal(t, 3, p.Size())

	for i := 0; i < 5; i++ {
		tk := domain.NewTask(redisq.NewTaskID(), "noop", "t1", nil)
		require.NoError(t, q.Enqueue(context.Background(), tk))
	}
	waitFor(t, 2*time.Second, func() bool {
		depth, _ := q.PendingDepth(context.Background())
		return depth == 0
	})
	p.Stop()
	require.Equal(t, 0, p.Size())
}

func TestPool_ManualAddRemove(t *testing.T) {
	q := redisq.NewMemoryQueue()
	p := NewPool(q, NewHandlerRegistry(), PoolConfig{
		Policy:     PolicyManual,
		MinWorkers: 1,
		Worker:     fastWorkerConfig(),
	})
	p.Start(context.Background())
	defer p.Stop()

	id := p.AddWorker()
	require.Equal(t, 2, p.Size())
	require.True(t, p.RemoveWorker(id))
	require.False(t, p.RemoveWorker(id))
	require.Equal(t, 1, p.Size())
}
