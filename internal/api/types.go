package api

import (
	"encoding/json"
	"time"
)

type ScanRequest struct {
	ProfileID string            `json:"profile_id"`
	Scope     string            `json:"scope"`
	Tier      string            `json:"tier,omitempty"` // default "normal"
	Platforms []string          `json:"platforms,omitempty"`
	Regions   []string          `json:"regions,omitempty"`
	Keywords  []string          `json:"keywords,omitempty"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type ScanResponse struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

type ScheduleSpec struct {
	Kind            string     `json:"kind"`
	IntervalSeconds int        `json:"interval_seconds,omitempty"`
	CronExpression  string     `json:"cron_expression,omitempty"`
	Timezone        string     `json:"timezone,omitempty"`
	RunAt           *time.Time `json:"run_at,omitempty"`
}

type JobTemplateSpec struct {
	Kind            string          `json:"kind"`
	SubjectID       string          `json:"subject_id,omitempty"`
	Tier            string          `json:"tier,omitempty"`
	MaxAttempts     int             `json:"max_attempts,omitempty"`
	DeadlineSeconds int             `json:"deadline_seconds,omitempty"`
	Parameters      json.RawMessage `json:"parameters,omitempty"`
}

type CreateScheduleRequest struct {
	Name                string          `json:"name"`
	Schedule            ScheduleSpec    `json:"schedule"`
	Job                 JobTemplateSpec `json:"job"`
	MisfireGraceSeconds int             `json:"misfire_grace_seconds,omitempty"`
}

type ScheduleResponse struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	State       string  `json:"state"`
	Kind        string  `json:"schedule_kind"`
	JobKind     string  `json:"job_kind"`
	SubjectID   string  `json:"subject_id"`
	NextFireAt  string  `json:"next_fire_at"`
	LastFiredAt *string `json:"last_fired_at,omitempty"`
	LastJobID   string  `json:"last_job_id,omitempty"`
	FireCount   int     `json:"fire_count"`
	CreatedAt   string  `json:"created_at"`
}

type TakedownResponseRequest struct {
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
