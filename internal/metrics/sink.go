package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
//
// Sink is the union of the per-component MetricsSink interfaces so a single
// value can be attached everywhere.
type Sink interface {
	// Trigger engine
	TickCompleted(duration time.Duration, fired int, err error)
	TriggerMisfired()

	// Scan job queue
	JobTransition(kind string, state string)
	QueueDepth(queue string, depth int)

	// Scan orchestrator
	ScanCompleted(kind string, outcome string, duration time.Duration)
	PlatformCallCompleted(platform string, outcome string, duration time.Duration)
	CandidatesDeduplicated(count int)
	WorkersBusyIncr()
	WorkersBusyDecr()

	// Region pool
	RegionDeactivated(region string)
	RegionReactivated(region string)

	// Watchdog
	JobsReclaimed(queue string, count int)

	// Takedown queue
	TakedownTransition(status string)
	NoticeSendCompleted(outcome string, duration time.Duration)

	// Notification dispatcher
	NotificationOutcome(channel string, outcome string)

	// Remote collaborators
	RemoteCallCompleted(service string, statusClass string, duration time.Duration)

	// Leader election
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Status classes reported by RemoteCallCompleted.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassThrottled       = "throttled"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps the outcome of an outbound call to a status class. A
// non-nil err wins over statusCode. 429 is reported separately from other
// client errors so throttling by a platform or service stands out.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		return classifyError(err)
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return StatusClassThrottled
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}

func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return StatusClassTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return StatusClassConnectionError
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return StatusClassConnectionError
	}

	// Errors that crossed a process boundary arrive as plain strings.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return StatusClassTimeout
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "network is unreachable"):
		return StatusClassConnectionError
	}
	return StatusClassOtherError
}
