package domain

import "time"

// ScheduleType selects how a job's next run is computed.
type ScheduleType string

const (
	ScheduleOnce     ScheduleType = "once"
	ScheduleInterval ScheduleType = "interval"
	ScheduleHourly   ScheduleType = "hourly"
	ScheduleDaily    ScheduleType = "daily"
	ScheduleCron     ScheduleType = "cron"
	ScheduleWebhook  ScheduleType = "webhook"
	ScheduleEvent    ScheduleType = "event"
)

// Schedule describes when a job fires.
type Schedule struct {
	Type            ScheduleType `json:"type"`
	CronExpr        string       `json:"cron_expr,omitempty"`
	IntervalSeconds int          `json:"interval_seconds,omitempty"`
	RunAt           *time.Time   `json:"run_at,omitempty"`
	Hour            int          `json:"hour,omitempty"`
	Minute          int          `json:"minute,omitempty"`
	MaxRuns         int          `json:"max_runs,omitempty"`
	RunCount        int          `json:"run_count"`
	Timezone        string       `json:"timezone,omitempty"`
}

// JobStatus is the lifecycle state of a scheduled job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobScheduled JobStatus = "scheduled"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobPaused    JobStatus = "paused"
)

// ScheduledJob enqueues a task whenever its schedule fires. Paused jobs never
// fire; when MaxRuns is reached the job auto-disables.
type ScheduledJob struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Schedule      Schedule       `json:"schedule"`
	TaskType      string         `json:"task_type"`
	Payload       map[string]any `json:"payload,omitempty"`
	Variables     map[string]string `json:"variables,omitempty"`
	Priority      TaskPriority   `json:"priority"`
	TenantID      string         `json:"tenant_id"`
	TargetSystem  TargetSystem   `json:"target_system,omitempty"`
	ActionType    ActionType     `json:"action_type,omitempty"`
	TimeoutSeconds int           `json:"timeout_seconds,omitempty"`
	Status        JobStatus      `json:"status"`
	Enabled       bool           `json:"enabled"`
	NextRunAt     *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt     *time.Time     `json:"last_run_at,omitempty"`
	LastRunResult map[string]any `json:"last_run_result,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}
