package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type JobKind string

const (
	JobKindFullScan         JobKind = "full_scan"
	JobKindQuickScan        JobKind = "quick_scan"
	JobKindPlatformScan     JobKind = "platform_scan"
	JobKindMaintenance      JobKind = "maintenance"
	JobKindTakedownSend     JobKind = "takedown_send"
	JobKindTakedownFollowup JobKind = "takedown_followup"
)

// IsScan reports whether jobs of this kind are executed by the scan orchestrator.
func (k JobKind) IsScan() bool {
	switch k {
	case JobKindFullScan, JobKindQuickScan, JobKindPlatformScan:
		return true
	}
	return false
}

func ParseJobKind(s string) (JobKind, error) {
	k := JobKind(s)
	switch k {
	case JobKindFullScan, JobKindQuickScan, JobKindPlatformScan,
		JobKindMaintenance, JobKindTakedownSend, JobKindTakedownFollowup:
		return k, nil
	}
	return "", fmt.Errorf("unknown job kind %q", s)
}

// Tier is the ordered priority class. Higher values are dequeued first.
type Tier int

const (
	TierLow Tier = iota
	TierNormal
	TierHigh
	TierUrgent
	TierImmediate
)

var tierNames = [...]string{"low", "normal", "high", "urgent", "immediate"}

func (t Tier) String() string {
	if t < TierLow || t > TierImmediate {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

func ParseTier(s string) (Tier, error) {
	for i, name := range tierNames {
		if name == s {
			return Tier(i), nil
		}
	}
	return TierNormal, fmt.Errorf("unknown priority tier %q", s)
}

func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateRetry     JobState = "retry"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateCancelled
}

// Job is a unit of schedulable, retryable work.
//
// A Pending job is only present in the ready index once NextRunAt <= now;
// jobs waiting on a retry delay sit in the delayed index instead.
type Job struct {
	ID        string   `json:"id"`
	Kind      JobKind  `json:"kind"`
	SubjectID string   `json:"subject_id"`
	Tier      Tier     `json:"tier"`
	Schedule  Schedule `json:"schedule"`
	TriggerID string   `json:"trigger_id,omitempty"`

	State       JobState `json:"state"`
	Attempt     int      `json:"attempt"`
	MaxAttempts int      `json:"max_attempts"`
	// Score is the priority the job was last queued with.
	Score float64 `json:"score"`
	// Lease identifies the current Running claim. A reclaim issues a new
	// lease so write-backs from the previous holder are rejected.
	Lease string `json:"lease,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	DeadlineAt  *time.Time `json:"deadline_at,omitempty"`
	NextRunAt   time.Time  `json:"next_run_at"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	LastErrKind ErrorKind  `json:"last_error_kind,omitempty"`

	// CancelRequested is the cooperative cancellation flag for Running jobs.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	Parameters json.RawMessage `json:"parameters,omitempty"`
	LastResult json.RawMessage `json:"last_result,omitempty"`
}

// JobSnapshot is the read-only view returned to callers.
type JobSnapshot struct {
	ID          string          `json:"id"`
	Kind        JobKind         `json:"kind"`
	SubjectID   string          `json:"subject_id"`
	Tier        Tier            `json:"tier"`
	State       JobState        `json:"state"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	NextRunAt   time.Time       `json:"next_run_at"`
	LastRunAt   *time.Time      `json:"last_run_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	LastErrKind ErrorKind       `json:"last_error_kind,omitempty"`
	LastResult  json.RawMessage `json:"last_result,omitempty"`
}

func (j Job) Snapshot() JobSnapshot {
	return JobSnapshot{
		ID:          j.ID,
		Kind:        j.Kind,
		SubjectID:   j.SubjectID,
		Tier:        j.Tier,
		State:       j.State,
		Attempt:     j.Attempt,
		MaxAttempts: j.MaxAttempts,
		NextRunAt:   j.NextRunAt,
		LastRunAt:   j.LastRunAt,
		LastError:   j.LastError,
		LastErrKind: j.LastErrKind,
		LastResult:  j.LastResult,
	}
}
