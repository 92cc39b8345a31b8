// Package scheduler turns cron/interval/once schedules into queued tasks.
// Jobs reuse the task queue; the scheduler never executes work itself.
package scheduler

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/aamlabs/agent-fabric/internal/domain"
)

// cronParser accepts the five-field form plus @descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Config tunes the tick loop.
type Config struct {
	TickInterval      time.Duration
	MaxConcurrentJobs int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 10 * time.Second
	}
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 10
	}
	return c
}

// Scheduler owns the job table and the tick loop.
type Scheduler struct {
	queue domain.TaskQueue
	cfg   Config

	mu   sync.Mutex
	jobs map[string]*domain.ScheduledJob

	cancel chan struct{}
	done   chan struct{}
}

// New builds a scheduler over the given queue.
func New(queue domain.TaskQueue, cfg Config) *Scheduler {
	return &Scheduler{
		queue:  queue,
		cfg:    cfg.withDefaults(),
		jobs:   make(map[string]*domain.ScheduledJob),
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// CreateJob validates the schedule, computes the first run and stores the
// job. Webhook/event jobs are stored without a next run time.
func (s *Scheduler) CreateJob(job domain.ScheduledJob) (domain.ScheduledJob, error) {
	if job.ID == "" {
		job.ID = "job-" + uuid.NewString()[:8]
	}
	if job.TaskType == "" {
		return domain.ScheduledJob{}, fmt.Errorf("op=scheduler.CreateJob: %w: task_type required", domain.ErrInvalidArgument)
	}
	if job.Priority == 0 {
		job.Priority = domain.PriorityNormal
	}
	job.CreatedAt = time.Now().UTC()
	job.Enabled = true
	job.Status = domain.JobScheduled

	next, err := s.nextRun(&job, time.Now())
	if err != nil {
		return domain.ScheduledJob{}, fmt.Errorf("op=scheduler.CreateJob: %w", err)
	}
	job.NextRunAt = next
	if next == nil && job.Schedule.Type != domain.ScheduleWebhook && job.Schedule.Type != domain.ScheduleEvent {
		job.Enabled = false
		job.Status = domain.JobCompleted
	}

	s.mu.Lock()
	s.jobs[job.ID] = &job
	s.mu.Unlock()

	slog.Info("job created",
		slog.String("job_id", job.ID),
		slog.String("name", job.Name),
		slog.String("schedule_type", string(job.Schedule.Type)))
	return job, nil
}

// GetJob returns a copy of the stored job.
func (s *Scheduler) GetJob(id string) (domain.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.ScheduledJob{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return *j, nil
}

// Pause stops a job from firing until resumed.
func (s *Scheduler) Pause(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	j.Status = domain.JobPaused
	return nil
}

// Resume recomputes the next run and re-enables a paused job.
func (s *Scheduler) Resume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if j.Status != domain.JobPaused {
		return fmt.Errorf("op=scheduler.Resume job=%s status=%s: %w", id, j.Status, domain.ErrInvariant)
	}
	next, err := s.nextRun(j, time.Now())
	if err != nil {
		return fmt.Errorf("op=scheduler.Resume: %w", err)
	}
	j.NextRunAt = next
	j.Status = domain.JobScheduled
	return nil
}

// Cancel terminally stops a job.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	j.Status = domain.JobCancelled
	j.Enabled = false
	j.NextRunAt = nil
	return nil
}

// Trigger enqueues one run immediately without advancing the schedule. This
// is also the entry point for webhook/event jobs.
func (s *Scheduler) Trigger(ctx domain.Context, id string) (string, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	job := *j
	s.mu.Unlock()

	taskID, err := s.enqueueRun(ctx, &job)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	if cur, ok := s.jobs[id]; ok {
		cur.LastRunAt = job.LastRunAt
		cur.LastRunResult = job.LastRunResult
	}
	s.mu.Unlock()
	return taskID, nil
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx domain.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.cancel:
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop halts the tick loop.
func (s *Scheduler) Stop() {
	close(s.cancel)
	<-s.done
}

// tick fires every enabled, scheduled job that is due, bounded by
// MaxConcurrentJobs per tick.
func (s *Scheduler) tick(ctx domain.Context) {
	now := time.Now()

	s.mu.Lock()
	var due []*domain.ScheduledJob
	for _, j := range s.jobs {
		if !j.Enabled || j.Status != domain.JobScheduled || j.NextRunAt == nil {
			continue
		}
		if !j.NextRunAt.After(now) {
			due = append(due, j)
			if len(due) >= s.cfg.MaxConcurrentJobs {
				break
			}
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		s.fire(ctx, j, now)
	}
}

func (s *Scheduler) fire(ctx domain.Context, j *domain.ScheduledJob, now time.Time) {
	s.mu.Lock()
	j.Status = domain.JobRunning
	job := *j
	s.mu.Unlock()

	_, err := s.enqueueRun(ctx, &job)

	s.mu.Lock()
	defer s.mu.Unlock()
	j.LastRunAt = job.LastRunAt
	j.LastRunResult = job.LastRunResult
	if err != nil {
		slog.Error("job run enqueue failed", slog.String("job_id", j.ID), slog.Any("error", err))
		j.Status = domain.JobFailed
		return
	}
	j.Schedule.RunCount++

	next, nerr := s.nextRun(j, now)
	if nerr != nil || next == nil {
		j.Enabled = false
		j.NextRunAt = nil
		j.Status = domain.JobCompleted
		return
	}
	j.NextRunAt = next
	j.Status = domain.JobScheduled
}

// enqueueRun renders the payload template and enqueues the task, recording
// the run result on the job copy.
func (s *Scheduler) enqueueRun(ctx domain.Context, j *domain.ScheduledJob) (string, error) {
	now := time.Now().UTC()
	task := domain.NewTask("task-"+uuid.NewString()[:12], j.TaskType, j.TenantID, s.renderPayload(j, now))
	task.Priority = j.Priority
	if j.TimeoutSeconds > 0 {
		task.TimeoutSeconds = j.TimeoutSeconds
	}
	task.Metadata = map[string]any{"job_id": j.ID, "job_name": j.Name}
	if j.TargetSystem != "" {
		task.Metadata["target_system"] = string(j.TargetSystem)
		task.Metadata["action_type"] = string(j.ActionType)
	}

	if err := s.queue.Enqueue(ctx, task); err != nil {
		return "", fmt.Errorf("op=scheduler.enqueueRun job=%s: %w", j.ID, err)
	}
	j.LastRunAt = &now
	j.LastRunResult = map[string]any{"task_id": task.ID, "enqueued_at": now.Format(time.RFC3339)}
	return task.ID, nil
}

// renderPayload substitutes {placeholders} in string payload values from the
// job's variables plus the built-ins now/date/time/job_id/job_name.
func (s *Scheduler) renderPayload(j *domain.ScheduledJob, now time.Time) map[string]any {
	vars := map[string]string{
		"now":      now.Format(time.RFC3339),
		"date":     now.Format("2006-01-02"),
		"time":     now.Format("15:04:05"),
		"job_id":   j.ID,
		"job_name": j.Name,
	}
	for k, v := range j.Variables {
		vars[k] = v
	}

	out := make(map[string]any, len(j.Payload))
	for k, v := range j.Payload {
		if sv, ok := v.(string); ok {
			for name, val := range vars {
				sv = strings.ReplaceAll(sv, "{"+name+"}", val)
			}
			out[k] = sv
			continue
		}
		out[k] = v
	}
	return out
}

// nextRun computes the next fire time, or nil when the job should disable.
func (s *Scheduler) nextRun(j *domain.ScheduledJob, from time.Time) (*time.Time, error) {
	sc := j.Schedule
	if sc.MaxRuns > 0 && sc.RunCount >= sc.MaxRuns {
		return nil, nil
	}

	loc := time.Local
	if sc.Timezone != "" {
		l, err := time.LoadLocation(sc.Timezone)
		if err != nil {
			return nil, fmt.Errorf("timezone %q: %w", sc.Timezone, domain.ErrInvalidArgument)
		}
		loc = l
	}
	from = from.In(loc)

	switch sc.Type {
	case domain.ScheduleOnce:
		if sc.RunAt == nil || !sc.RunAt.After(from) {
			return nil, nil
		}
		t := *sc.RunAt
		return &t, nil
	case domain.ScheduleInterval:
		if sc.IntervalSeconds <= 0 {
			return nil, fmt.Errorf("interval_seconds required: %w", domain.ErrInvalidArgument)
		}
		t := from.Add(time.Duration(sc.IntervalSeconds) * time.Second)
		return &t, nil
	case domain.ScheduleHourly:
		t := time.Date(from.Year(), from.Month(), from.Day(), from.Hour(), sc.Minute, 0, 0, loc)
		if !t.After(from) {
			t = t.Add(time.Hour)
		}
		return &t, nil
	case domain.ScheduleDaily:
		t := time.Date(from.Year(), from.Month(), from.Day(), sc.Hour, sc.Minute, 0, 0, loc)
		if !t.After(from) {
			t = t.AddDate(0, 0, 1)
		}
		return &t, nil
	case domain.ScheduleCron:
		spec, err := cronParser.Parse(sc.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("cron expr %q: %w", sc.CronExpr, domain.ErrInvalidArgument)
		}
		t := spec.Next(from)
		if t.IsZero() {
			return nil, nil
		}
		return &t, nil
	case domain.ScheduleWebhook, domain.ScheduleEvent:
		return nil, nil
	default:
		return nil, fmt.Errorf("schedule type %q: %w", sc.Type, domain.ErrInvalidArgument)
	}
}
