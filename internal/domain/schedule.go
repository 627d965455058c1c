package domain

import (
	"errors"
	"fmt"
	"time"
)

type ScheduleKind string

const (
	ScheduleOnce     ScheduleKind = "once"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleCron     ScheduleKind = "cron"
)

// Schedule describes when a trigger produces jobs.
type Schedule struct {
	Kind            ScheduleKind `json:"kind"`
	IntervalSeconds int          `json:"interval_seconds,omitempty"`
	CronExpression  string       `json:"cron_expression,omitempty"`
	Timezone        string       `json:"timezone,omitempty"` // IANA timezone, defaults to UTC

	// RunAt is the fire time of a Once schedule. Zero means immediately.
	RunAt *time.Time `json:"run_at,omitempty"`
}

func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleOnce:
		return nil
	case ScheduleInterval:
		if s.IntervalSeconds <= 0 {
			return fmt.Errorf("interval_seconds must be positive, got %d", s.IntervalSeconds)
		}
		return nil
	case ScheduleCron:
		if s.CronExpression == "" {
			return errors.New("cron_expression is required")
		}
		return nil
	case "":
		return errors.New("schedule kind is required")
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

func (s Schedule) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}
