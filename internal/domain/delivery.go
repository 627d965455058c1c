package domain

import (
	"encoding/json"
	"time"
)

type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
)

type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Notification is a best-effort outbound message about a state transition.
type Notification struct {
	ID          string          `json:"id"`
	Recipient   string          `json:"recipient"`
	Channel     Channel         `json:"channel"`
	Level       Level           `json:"level"`
	Subject     string          `json:"subject"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	SendAfter   time.Time       `json:"send_after"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	Delivered   bool            `json:"delivered"`
	LastError   string          `json:"last_error,omitempty"`
}

// Deliverable reports whether the notification may be attempted at now.
func (n Notification) Deliverable(now time.Time) bool {
	return !n.Delivered && !now.Before(n.SendAfter) && now.Before(n.ExpiresAt) && n.Attempt < n.MaxAttempts
}
