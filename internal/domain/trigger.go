package domain

import (
	"encoding/json"
	"time"
)

type TriggerState string

const (
	TriggerActive    TriggerState = "active"
	TriggerPaused    TriggerState = "paused"
	TriggerCancelled TriggerState = "cancelled"
	// TriggerCompleted is a Once trigger that has fired or misfired.
	TriggerCompleted TriggerState = "completed"
)

// JobTemplate is copied into every job a trigger materializes.
type JobTemplate struct {
	Kind        JobKind         `json:"kind"`
	SubjectID   string          `json:"subject_id"`
	Tier        Tier            `json:"tier"`
	MaxAttempts int             `json:"max_attempts"`
	Deadline    time.Duration   `json:"deadline,omitempty"` // relative to fire time
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Trigger is a declarative schedule owned by the trigger engine.
type Trigger struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Schedule Schedule     `json:"schedule"`
	Template JobTemplate  `json:"template"`
	State    TriggerState `json:"state"`

	// MisfireGrace is how late a fire may be and still run. Later fires are skipped.
	MisfireGrace time.Duration `json:"misfire_grace"`

	NextFireAt  time.Time  `json:"next_fire_at"`
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
	LastJobID   string     `json:"last_job_id,omitempty"`
	FireCount   int        `json:"fire_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FireEvent records that a trigger produced a job for a specific scheduled time.
type FireEvent struct {
	TriggerID      string    `json:"trigger_id"`
	JobID          string    `json:"job_id"`
	ScheduledAt    time.Time `json:"scheduled_at"` // intended fire time (UTC)
	FiredAt        time.Time `json:"fired_at"`     // actual emission time
	IdempotencyKey string    `json:"idempotency_key"`
}
