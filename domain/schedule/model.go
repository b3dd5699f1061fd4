// Package schedule defines Schedule and RunRecord, the persisted entries
// the scheduler (component K) evaluates on each tick.
package schedule

import "time"

// RunStatus is the lifecycle state of one scheduled firing.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunSkipped   RunStatus = "skipped"
)

// Schedule is a persisted cron/interval entry bound to a template and a set
// of fixed inputs.
type Schedule struct {
	ScheduleID      string                 `json:"schedule_id"`
	CronExpr        string                 `json:"cron_expr,omitempty"` // mutually exclusive with IntervalSeconds
	IntervalSeconds int                    `json:"interval_seconds,omitempty"`
	TemplateID      string                 `json:"template_id"`
	Inputs          map[string]interface{} `json:"inputs,omitempty"`
	Enabled         bool                   `json:"enabled"`
	Concurrency     int                    `json:"concurrency,omitempty"` // 1, or 0 for unbounded-bounded-by-H
	SkipMissed      bool                   `json:"skip_missed,omitempty"`
	LastTickTS      time.Time              `json:"last_tick_ts,omitempty"`
	NextFireAt      time.Time              `json:"next_fire_at,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// RunRecord is one fired instance of a Schedule.
type RunRecord struct {
	RunID      string    `json:"run_id"`
	ScheduleID string    `json:"schedule_id"`
	FireTS     time.Time `json:"fire_ts"`
	IdemKey    string    `json:"idem_key"`
	Status     RunStatus `json:"status"`
	PromptID   string    `json:"prompt_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
