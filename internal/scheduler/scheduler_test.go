package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aamlabs/agent-fabric/internal/adapter/queue/redisq"
	"github.com/aamlabs/agent-fabric/internal/domain"
)

func TestCreateJob_CronNextRun(t *testing.T) {
	s := New(redisq.NewMemoryQueue(), Config{})

	job, err := s.CreateJob(domain.ScheduledJob{
		Name:     "nightly-sync",
		TaskType: "sync",
		TenantID: "t1",
		Schedule: domain.Schedule{Type: domain.ScheduleCron, CronExpr: "30 2 * * *"},
	})
	require.NoError(t, err)
	require.NotNil(t, job.NextRunAt)
	require.True(t, job.NextRunAt.After(time.Now()))
	require.Equal(t, 30, job.NextRunAt.Minute())
	require.Equal(t, 2, job.NextRunAt.Hour())
}

func TestCreateJob_CronDescriptorAndInvalid(t *testing.T) {
	s := New(redisq.NewMemoryQueue(), Config{})

	job, err := s.CreateJob(domain.ScheduledJob{
		Name:     "hourly",
		TaskType: "sync",
		Schedule: domain.Schedule{Type: domain.ScheduleCron, CronExpr: "@hourly"},
	})
	require.NoError(t, err)
	require.NotNil(t, job.NextRunAt)

	_, err = s.CreateJob(domain.ScheduledJob{
		Name:     "bad",
		TaskType: "sync",
		Schedule: domain.Schedule{Type: domain.ScheduleCron, CronExpr: "not a cron"},
	})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestTick_FiresDueIntervalJob(t *testing.T) {
	q := redisq.NewMemoryQueue()
	s := New(q, Config{})

	job, err := s.CreateJob(domain.ScheduledJob{
		Name:      "drain",
		TaskType:  "drain",
		TenantID:  "t1",
		Priority:  domain.PriorityHigh,
		Payload:   map[string]any{"greeting": "run {job_name} at {now}", "n": 3},
		Variables: map[string]string{"region": "eu"},
		Schedule:  domain.Schedule{Type: domain.ScheduleInterval, IntervalSeconds: 3600},
	})
	require.NoError(t, err)

	// Force the job due and tick manually.
	past := time.Now().Add(-time.Second)
	s.mu.Lock()
	s.jobs[job.ID].NextRunAt = &past
	s.mu.Unlock()

	s.tick(context.Background())

	task, err := q.Dequeue(context.Background(), "w1", nil)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, "drain", task.Type)
	require.Equal(t, domain.PriorityHigh, task.Priority)
	require.Contains(t, task.Payload["greeting"], "run drain at ")
	require.Equal(t, job.ID, task.Metadata["job_id"])

	updated, err := s.GetJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobScheduled, updated.Status)
	require.NotNil(t, updated.NextRunAt)
	require.True(t, updated.NextRunAt.After(time.Now()))
	require.Equal(t, task.ID, updated.LastRunResult["task_id"])
}

func TestMaxRuns_AutoDisables(t *testing.T) {
	q := redisq.NewMemoryQueue()
	s := New(q, Config{})

	job, err := s.CreateJob(domain.ScheduledJob{
		Name:     "twice",
		TaskType: "drain",
		Schedule: domain.Schedule{Type: domain.ScheduleInterval, IntervalSeconds: 1, MaxRuns: 1},
	})
	require.NoError(t, err)

	past := time.Now().Add(-time.Second)
	s.mu.Lock()
	s.jobs[job.ID].NextRunAt = &past
	s.mu.Unlock()

	s.tick(context.Background())

	updated, err := s.GetJob(job.ID)
	require.NoError(t, err)
	require.False(t, updated.Enabled)
	require.Equal(t, domain.JobCompleted, updated.Status)
	require.Nil(t, updated.NextRunAt)
}

func TestPauseResumeTriggerCancel(t *testing.T) {
	q := redisq.NewMemoryQueue()
	s := New(q, Config{})

	job, err := s.CreateJob(domain.ScheduledJob{
		Name:     "pausable",
		TaskType: "drain",
		Schedule: domain.Schedule{Type: domain.ScheduleInterval, IntervalSeconds: 3600},
	})
	require.NoError(t, err)

	require.NoError(t, s.Pause(job.ID))
	past := time.Now().Add(-time.Second)
	s.mu.Lock()
	s.jobs[job.ID].NextRunAt = &past
	s.mu.Unlock()

	// Paused jobs never fire.
	s.tick(context.Background())
	task, err := q.Dequeue(context.Background(), "w1", nil)
	require.NoError(t, err)
	require.Nil(t, task)

	require.NoError(t, s.Resume(job.ID))
	got, _ := s.GetJob(job.ID)
	require.Equal(t, domain.JobScheduled, got.Status)
	require.True(t, got.NextRunAt.After(time.Now()))

	// Manual trigger enqueues without advancing the schedule.
	before, _ := s.GetJob(job.ID)
	taskID, err := s.Trigger(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotEmpty(t, taskID)
	after, _ := s.GetJob(job.ID)
	require.Equal(t, before.NextRunAt, after.NextRunAt)

	require.NoError(t, s.Cancel(job.ID))
	got, _ = s.GetJob(job.ID)
	require.Equal(t, domain.JobCancelled, got.Status)
	require.False(t, got.Enabled)
}

func TestOnceSchedule_PastDisables(t *testing.T) {
	s := New(redisq.NewMemoryQueue(), Config{})
	past := time.Now().Add(-time.Hour)

	job, err := s.CreateJob(domain.ScheduledJob{
		Name:     "already-gone",
		TaskType: "drain",
		Schedule: domain.Schedule{Type: domain.ScheduleOnce, RunAt: &past},
	})
	require.NoError(t, err)
	require.False(t, job.Enabled)
	require.Nil(t, job.NextRunAt)
}
