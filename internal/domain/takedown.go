package domain

import (
	"fmt"
	"time"
)

// TakedownStatus is the DMCA notice lifecycle.
//
//	PENDING ──► PROCESSING ──► SENT ──► ACKNOWLEDGED ──► COMPLIED*
//	   ▲            │            │            │      └──► REJECTED*
//	   └── RETRY ◄──┤            ├──► FAILED* ├──► EXPIRED*
//	                └──► FAILED* └──► ...     └──► DELISTED*
//
// Starred states are terminal.
type TakedownStatus string

const (
	TakedownPending      TakedownStatus = "pending"
	TakedownProcessing   TakedownStatus = "processing"
	TakedownSent         TakedownStatus = "sent"
	TakedownAcknowledged TakedownStatus = "acknowledged"
	TakedownComplied     TakedownStatus = "complied"
	TakedownRejected     TakedownStatus = "rejected"
	TakedownRetry        TakedownStatus = "retry"
	TakedownFailed       TakedownStatus = "failed"
	TakedownExpired      TakedownStatus = "expired"
	TakedownDelisted     TakedownStatus = "delisted"
)

var takedownTransitions = map[TakedownStatus][]TakedownStatus{
	TakedownPending:      {TakedownProcessing},
	TakedownProcessing:   {TakedownSent, TakedownRetry, TakedownFailed},
	TakedownRetry:        {TakedownPending},
	TakedownSent:         {TakedownAcknowledged, TakedownComplied, TakedownRejected, TakedownFailed, TakedownExpired, TakedownDelisted},
	TakedownAcknowledged: {TakedownComplied, TakedownRejected, TakedownExpired, TakedownDelisted},
	// complied, rejected, failed, expired and delisted are terminal
}

func ParseTakedownStatus(s string) (TakedownStatus, error) {
	st := TakedownStatus(s)
	if _, ok := takedownTransitions[st]; ok || st.IsTerminal() {
		return st, nil
	}
	return "", fmt.Errorf("unknown takedown status %q", s)
}

func (s TakedownStatus) IsTerminal() bool {
	switch s {
	case TakedownComplied, TakedownRejected, TakedownFailed, TakedownExpired, TakedownDelisted:
		return true
	}
	return false
}

// IsUserVisible reports whether entering this status notifies the creator.
func (s TakedownStatus) IsUserVisible() bool {
	switch s {
	case TakedownSent, TakedownComplied, TakedownRejected, TakedownFailed, TakedownDelisted, TakedownExpired:
		return true
	}
	return false
}

// CanTransition reports whether from → to is permitted.
func CanTransition(from, to TakedownStatus) bool {
	for _, s := range takedownTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Note struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// TakedownRequest is a DMCA notice's lifecycle record.
type TakedownRequest struct {
	ID               string         `json:"id"`
	SubjectProfileID string         `json:"subject_profile_id"`
	ScanJobID        string         `json:"scan_job_id,omitempty"`
	InfringingURL    string         `json:"infringing_url"`
	HostingProvider  string         `json:"hosting_provider"`
	ContactEmail     string         `json:"contact_email,omitempty"`
	ContactFormURL   string         `json:"contact_form_url,omitempty"`
	Status           TakedownStatus `json:"status"`
	Tier             Tier           `json:"tier"`
	Confidence       float64        `json:"confidence"`
	MatchType        string         `json:"match_type,omitempty"`
	Attempt          int            `json:"attempt"`
	MaxAttempts      int            `json:"max_attempts"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	RetryAfter       *time.Time     `json:"retry_after,omitempty"`
	SentAt           *time.Time     `json:"sent_at,omitempty"`
	DeadlineAt       *time.Time     `json:"deadline_at,omitempty"`
	LastError        string         `json:"last_error,omitempty"`
	LastErrKind      ErrorKind      `json:"last_error_kind,omitempty"`
	Notes            []Note         `json:"notes,omitempty"`
}

// AddNote appends a timestamped note.
func (r *TakedownRequest) AddNote(at time.Time, format string, args ...any) {
	r.Notes = append(r.Notes, Note{At: at.UTC(), Text: fmt.Sprintf(format, args...)})
}

// TakedownSnapshot is the read-only view returned to callers.
type TakedownSnapshot struct {
	ID              string         `json:"id"`
	InfringingURL   string         `json:"infringing_url"`
	HostingProvider string         `json:"hosting_provider"`
	Status          TakedownStatus `json:"status"`
	Tier            Tier           `json:"tier"`
	Attempt         int            `json:"attempt"`
	MaxAttempts     int            `json:"max_attempts"`
	SentAt          *time.Time     `json:"sent_at,omitempty"`
	DeadlineAt      *time.Time     `json:"deadline_at,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
	LastErrKind     ErrorKind      `json:"last_error_kind,omitempty"`
	Notes           []Note         `json:"notes,omitempty"`
}

func (r TakedownRequest) Snapshot() TakedownSnapshot {
	return TakedownSnapshot{
		ID:              r.ID,
		InfringingURL:   r.InfringingURL,
		HostingProvider: r.HostingProvider,
		Status:          r.Status,
		Tier:            r.Tier,
		Attempt:         r.Attempt,
		MaxAttempts:     r.MaxAttempts,
		SentAt:          r.SentAt,
		DeadlineAt:      r.DeadlineAt,
		LastError:       r.LastError,
		LastErrKind:     r.LastErrKind,
		Notes:           r.Notes,
	}
}

// Contact is what the contact resolver found for a hosting domain.
type Contact struct {
	Email   string `json:"email,omitempty"`
	FormURL string `json:"form_url,omitempty"`
}

func (c Contact) IsEmpty() bool { return c.Email == "" && c.FormURL == "" }
