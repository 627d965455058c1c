package config

import (
	"fmt"
	"net/url"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	switch cfg.StoreBackend {
	case "memory":
	case "redis":
		if cfg.RedisURL == "" {
			errs.add("REDIS_URL", "required when STORE_BACKEND=redis")
		}
	case "postgres":
		if cfg.DatabaseURL == "" {
			errs.add("DATABASE_URL", "required when STORE_BACKEND=postgres")
		}
	default:
		errs.add("STORE_BACKEND", "must be 'memory', 'redis' or 'postgres', got %q", cfg.StoreBackend)
	}

	if cfg.DBDriver != "postgres" && cfg.DBDriver != "pgx" {
		errs.add("DB_DRIVER", "must be 'postgres' or 'pgx', got %q", cfg.DBDriver)
	}

	if cfg.AnalyticsEnabled && cfg.RedisURL == "" {
		errs.add("REDIS_URL", "required when ANALYTICS_ENABLED=true")
	}

	positive := []struct {
		field string
		raw   string
	}{
		{"DB_OP_TIMEOUT", cfg.DBOpTimeoutStr},
		{"TICK_INTERVAL", cfg.TickIntervalStr},
		{"EMPTY_POLL_INTERVAL", cfg.EmptyPollIntervalStr},
		{"MAX_SCAN_DURATION", cfg.MaxScanDurationStr},
		{"EXTERNAL_CALL_TIMEOUT", cfg.ExternalCallTimeoutStr},
		{"TAKEDOWN_INTERVAL", cfg.TakedownIntervalStr},
		{"TAKEDOWN_BASE_DELAY", cfg.TakedownBaseDelayStr},
		{"TAKEDOWN_MAX_DELAY", cfg.TakedownMaxDelayStr},
		{"TAKEDOWN_RESPONSE_WINDOW", cfg.TakedownResponseWindowStr},
		{"NOTIFY_INTERVAL", cfg.NotifyIntervalStr},
		{"NOTIFY_TTL", cfg.NotifyTTLStr},
		{"MAINTENANCE_INTERVAL", cfg.MaintenanceIntervalStr},
		{"RECORD_RETENTION", cfg.RecordRetentionStr},
		{"WATCHDOG_INTERVAL", cfg.WatchdogIntervalStr},
		{"SHUTDOWN_GRACE", cfg.ShutdownGraceStr},
		{"ANALYTICS_RETENTION", cfg.AnalyticsRetentionStr},
		{"LEADER_RETRY_INTERVAL", cfg.LeaderRetryIntervalStr},
		{"LEADER_HEARTBEAT_INTERVAL", cfg.LeaderHeartbeatIntervalStr},
		{"CIRCUIT_BREAKER_COOLDOWN", cfg.CircuitBreakerCooldownStr},
	}
	for _, p := range positive {
		if p.raw == "" {
			continue
		}
		d, err := time.ParseDuration(p.raw)
		if err != nil {
			errs.add(p.field, "invalid duration: %v", err)
		} else if d <= 0 {
			errs.add(p.field, "must be positive")
		}
	}

	if cfg.TakedownBaseDelay > 0 && cfg.TakedownMaxDelay > 0 && cfg.TakedownBaseDelay > cfg.TakedownMaxDelay {
		errs.add("TAKEDOWN_BASE_DELAY", "must not exceed TAKEDOWN_MAX_DELAY")
	}

	// The heartbeat must notice connection loss before a follower could
	// take over.
	if cfg.LeaderHeartbeatInterval > 0 && cfg.LeaderRetryInterval > 0 && cfg.LeaderHeartbeatInterval >= cfg.LeaderRetryInterval {
		errs.add("LEADER_HEARTBEAT_INTERVAL", "must be less than LEADER_RETRY_INTERVAL")
	}

	if cfg.HighConfidence <= 0 || cfg.HighConfidence > 1 {
		errs.add("HIGH_CONFIDENCE", "must be in (0, 1], got %g", cfg.HighConfidence)
	}
	if cfg.UrgentConfidence < cfg.HighConfidence || cfg.UrgentConfidence > 1 {
		errs.add("URGENT_CONFIDENCE", "must be in [HIGH_CONFIDENCE, 1], got %g", cfg.UrgentConfidence)
	}

	switch cfg.NotifyChannel {
	case "webhook":
		if cfg.NotifyWebhookURL != "" {
			validateURL(&errs, "NOTIFY_WEBHOOK_URL", cfg.NotifyWebhookURL)
		}
	case "email":
		if cfg.SMTPAddr == "" {
			errs.add("SMTP_ADDR", "required when NOTIFY_CHANNEL=email")
		}
	default:
		errs.add("NOTIFY_CHANNEL", "must be 'webhook' or 'email', got %q", cfg.NotifyChannel)
	}

	if cfg.SMTPAddr != "" && cfg.SMTPFrom == "" {
		errs.add("SMTP_FROM", "required when SMTP_ADDR is set")
	}

	for _, e := range []struct{ field, raw string }{
		{"SCANNER_ENDPOINT", cfg.ScannerEndpoint},
		{"MATCHER_ENDPOINT", cfg.MatcherEndpoint},
		{"RESOLVER_ENDPOINT", cfg.ResolverEndpoint},
		{"DELIST_ENDPOINT", cfg.DelistEndpoint},
	} {
		if e.raw != "" {
			validateURL(&errs, e.field, e.raw)
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateURL(errs *ValidationErrors, field, raw string) {
	u, err := url.Parse(raw)
	if err != nil {
		errs.add(field, "invalid URL: %v", err)
		return
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		errs.add(field, "must be an http or https URL")
		return
	}
	if u.Host == "" {
		errs.add(field, "missing host")
	}
}
