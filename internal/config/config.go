package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the contentguard application.
// Values are loaded from environment variables; see `contentguard --help`
// for the full list. Durations keep their raw string so MaskedJSON and
// Validate can report exactly what was set.
type Config struct {
	// StoreBackend: "memory", "redis" or "postgres".
	StoreBackend   string `json:"store_backend"`
	DatabaseURL    string `json:"database_url"`
	DBDriver       string `json:"db_driver"`
	RedisURL       string `json:"redis_url"`
	RedisKeyPrefix string `json:"redis_key_prefix"`
	HTTPAddr       string `json:"http_addr"`
	CatalogPath    string `json:"catalog_path"`

	DBOpTimeout    time.Duration `json:"-"`
	DBOpTimeoutStr string        `json:"db_op_timeout"`
	DBMaxOpenConns int           `json:"db_max_open_conns"`
	DBMaxIdleConns int           `json:"db_max_idle_conns"`

	TickInterval    time.Duration `json:"-"`
	TickIntervalStr string        `json:"tick_interval"`

	ScanWorkers          int           `json:"scan_workers"`
	EmptyPollInterval    time.Duration `json:"-"`
	EmptyPollIntervalStr string        `json:"empty_poll_interval"`
	// MaxScanDuration is how long a job may stay Running before the
	// watchdog reclaims it.
	MaxScanDuration        time.Duration `json:"-"`
	MaxScanDurationStr     string        `json:"max_scan_duration"`
	MaxRegionsPerScan      int           `json:"max_regions_per_scan"`
	ExternalCallTimeout    time.Duration `json:"-"`
	ExternalCallTimeoutStr string        `json:"external_call_timeout"`
	HighConfidence         float64       `json:"high_confidence"`
	UrgentConfidence       float64       `json:"urgent_confidence"`

	TakedownBatchSize         int           `json:"takedown_batch_size"`
	TakedownInterval          time.Duration `json:"-"`
	TakedownIntervalStr       string        `json:"takedown_interval"`
	TakedownMaxAttempts       int           `json:"takedown_max_attempts"`
	TakedownBaseDelay         time.Duration `json:"-"`
	TakedownBaseDelayStr      string        `json:"takedown_base_delay"`
	TakedownMaxDelay          time.Duration `json:"-"`
	TakedownMaxDelayStr       string        `json:"takedown_max_delay"`
	TakedownResponseWindow    time.Duration `json:"-"`
	TakedownResponseWindowStr string        `json:"takedown_response_window"`

	NotifyBatchSize   int           `json:"notify_batch_size"`
	NotifyInterval    time.Duration `json:"-"`
	NotifyIntervalStr string        `json:"notify_interval"`
	NotifyMaxAttempts int           `json:"notify_max_attempts"`
	NotifyTTL         time.Duration `json:"-"`
	NotifyTTLStr      string        `json:"notify_ttl"`
	// NotifyChannel: "webhook" or "email".
	NotifyChannel    string `json:"notify_channel"`
	NotifyWebhookURL string `json:"notify_webhook_url"`
	// NotifyEmailTo receives email notifications whose recipient is a
	// profile id rather than an address.
	NotifyEmailTo string `json:"notify_email_to"`

	MaintenanceInterval    time.Duration `json:"-"`
	MaintenanceIntervalStr string        `json:"maintenance_interval"`
	RecordRetention        time.Duration `json:"-"`
	RecordRetentionStr     string        `json:"record_retention"`
	WatchdogInterval       time.Duration `json:"-"`
	WatchdogIntervalStr    string        `json:"watchdog_interval"`
	ShutdownGrace          time.Duration `json:"-"`
	ShutdownGraceStr       string        `json:"shutdown_grace"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	MetricsPort    string `json:"metrics_port"`

	AnalyticsEnabled      bool          `json:"analytics_enabled"`
	AnalyticsRetention    time.Duration `json:"-"`
	AnalyticsRetentionStr string        `json:"analytics_retention"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey int64 `json:"leader_lock_key"`
	// LeaderRetryInterval determines the maximum failover gap.
	LeaderRetryInterval    time.Duration `json:"-"`
	LeaderRetryIntervalStr string        `json:"leader_retry_interval"`
	// LeaderHeartbeatInterval: pings the dedicated connection to detect local
	// connection death. Does NOT renew the advisory lock.
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`

	SMTPAddr     string `json:"smtp_addr"`
	SMTPFrom     string `json:"smtp_from"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"smtp_password"`

	NoticeSenderName    string `json:"notice_sender_name"`
	NoticeSenderEmail   string `json:"notice_sender_email"`
	NoticeSenderAddress string `json:"notice_sender_address"`

	WebhookSecret string `json:"webhook_secret"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	ScannerEndpoint  string `json:"scanner_endpoint"`
	MatcherEndpoint  string `json:"matcher_endpoint"`
	ResolverEndpoint string `json:"resolver_endpoint"`
	DelistEndpoint   string `json:"delist_endpoint"`
}

// LoadEnvFile loads variables from the given .env files into the process
// environment. Missing files are ignored; existing variables win.
func LoadEnvFile(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		StoreBackend:     envString("STORE_BACKEND", "memory"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		DBDriver:         envString("DB_DRIVER", "postgres"),
		RedisURL:         os.Getenv("REDIS_URL"),
		RedisKeyPrefix:   envString("REDIS_KEY_PREFIX", "contentguard:"),
		HTTPAddr:         os.Getenv("HTTP_ADDR"),
		CatalogPath:      os.Getenv("CATALOG_PATH"),
		MetricsEnabled:   os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:      envString("METRICS_PATH", "/metrics"),
		MetricsPort:      envString("METRICS_PORT", "9090"),
		AnalyticsEnabled: os.Getenv("ANALYTICS_ENABLED") == "true",
		NotifyChannel:    envString("NOTIFY_CHANNEL", "webhook"),
		NotifyWebhookURL: os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyEmailTo:    os.Getenv("NOTIFY_EMAIL_TO"),
		SMTPAddr:         os.Getenv("SMTP_ADDR"),
		SMTPFrom:         os.Getenv("SMTP_FROM"),
		SMTPUsername:     os.Getenv("SMTP_USERNAME"),
		SMTPPassword:     os.Getenv("SMTP_PASSWORD"),
		WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),
		ScannerEndpoint:  os.Getenv("SCANNER_ENDPOINT"),
		MatcherEndpoint:  os.Getenv("MATCHER_ENDPOINT"),
		ResolverEndpoint: os.Getenv("RESOLVER_ENDPOINT"),
		DelistEndpoint:   os.Getenv("DELIST_ENDPOINT"),

		NoticeSenderName:    os.Getenv("NOTICE_SENDER_NAME"),
		NoticeSenderEmail:   os.Getenv("NOTICE_SENDER_EMAIL"),
		NoticeSenderAddress: os.Getenv("NOTICE_SENDER_ADDRESS"),
	}

	// Support the platform PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	if cfg.NoticeSenderEmail == "" {
		cfg.NoticeSenderEmail = cfg.SMTPFrom
	}

	cfg.DBMaxOpenConns = envInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = envInt("DB_MAX_IDLE_CONNS", 5)
	cfg.ScanWorkers = envInt("SCAN_WORKERS", 10)
	cfg.MaxRegionsPerScan = envInt("MAX_REGIONS_PER_SCAN", 3)
	cfg.TakedownBatchSize = envInt("TAKEDOWN_BATCH_SIZE", 50)
	cfg.TakedownMaxAttempts = envInt("TAKEDOWN_MAX_ATTEMPTS", 3)
	cfg.NotifyBatchSize = envInt("NOTIFY_BATCH_SIZE", 100)
	cfg.NotifyMaxAttempts = envInt("NOTIFY_MAX_ATTEMPTS", 5)
	cfg.LeaderLockKey = int64(envInt("LEADER_LOCK_KEY", 482911))

	cfg.HighConfidence = envFloat("HIGH_CONFIDENCE", 0.85)
	cfg.UrgentConfidence = envFloat("URGENT_CONFIDENCE", 0.95)

	// CIRCUIT_BREAKER_THRESHOLD=0 is a valid setting (disabled).
	cfg.CircuitBreakerThreshold = 5
	if raw := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			cfg.CircuitBreakerThreshold = n
		} else {
			log.Printf("config: invalid CIRCUIT_BREAKER_THRESHOLD %q, using default 5", raw)
		}
	}

	cfg.DBOpTimeoutStr, cfg.DBOpTimeout = envDuration("DB_OP_TIMEOUT", "5s")
	cfg.TickIntervalStr, cfg.TickInterval = envDuration("TICK_INTERVAL", "5s")
	cfg.EmptyPollIntervalStr, cfg.EmptyPollInterval = envDuration("EMPTY_POLL_INTERVAL", "2s")
	cfg.MaxScanDurationStr, cfg.MaxScanDuration = envDuration("MAX_SCAN_DURATION", "2h")
	cfg.ExternalCallTimeoutStr, cfg.ExternalCallTimeout = envDuration("EXTERNAL_CALL_TIMEOUT", "30s")
	cfg.TakedownIntervalStr, cfg.TakedownInterval = envDuration("TAKEDOWN_INTERVAL", "30s")
	cfg.TakedownBaseDelayStr, cfg.TakedownBaseDelay = envDuration("TAKEDOWN_BASE_DELAY", "1m")
	cfg.TakedownMaxDelayStr, cfg.TakedownMaxDelay = envDuration("TAKEDOWN_MAX_DELAY", "6h")
	cfg.TakedownResponseWindowStr, cfg.TakedownResponseWindow = envDuration("TAKEDOWN_RESPONSE_WINDOW", "336h")
	cfg.NotifyIntervalStr, cfg.NotifyInterval = envDuration("NOTIFY_INTERVAL", "10s")
	cfg.NotifyTTLStr, cfg.NotifyTTL = envDuration("NOTIFY_TTL", "24h")
	cfg.MaintenanceIntervalStr, cfg.MaintenanceInterval = envDuration("MAINTENANCE_INTERVAL", "1h")
	cfg.RecordRetentionStr, cfg.RecordRetention = envDuration("RECORD_RETENTION", "2160h")
	cfg.WatchdogIntervalStr, cfg.WatchdogInterval = envDuration("WATCHDOG_INTERVAL", "1m")
	cfg.ShutdownGraceStr, cfg.ShutdownGrace = envDuration("SHUTDOWN_GRACE", "30s")
	cfg.AnalyticsRetentionStr, cfg.AnalyticsRetention = envDuration("ANALYTICS_RETENTION", "720h")
	cfg.LeaderRetryIntervalStr, cfg.LeaderRetryInterval = envDuration("LEADER_RETRY_INTERVAL", "5s")
	cfg.LeaderHeartbeatIntervalStr, cfg.LeaderHeartbeatInterval = envDuration("LEADER_HEARTBEAT_INTERVAL", "2s")
	cfg.CircuitBreakerCooldownStr, cfg.CircuitBreakerCooldown = envDuration("CIRCUIT_BREAKER_COOLDOWN", "2m")

	return cfg
}

func envString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// envInt returns def for unset or invalid values. Invalid values are logged.
func envInt(name string, def int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		log.Printf("config: invalid %s %q (must be a positive integer), using default %d", name, raw, def)
		return def
	}
	return n
}

func envFloat(name string, def float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("config: invalid %s %q, using default %g", name, raw, def)
		return def
	}
	return f
}

// envDuration returns the raw value (or def) and its parsed duration.
// Parse errors leave the duration zero; Validate reports them.
func envDuration(name, def string) (string, time.Duration) {
	raw := envString(name, def)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return raw, 0
	}
	return raw, d
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	c.DatabaseURL = maskSecret(c.DatabaseURL)
	c.RedisURL = maskSecret(c.RedisURL)
	c.SMTPPassword = maskSecret(c.SMTPPassword)
	c.WebhookSecret = maskSecret(c.WebhookSecret)
	return json.MarshalIndent(c, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://", "redis://", "rediss://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}
