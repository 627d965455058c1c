package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/contentguard/internal/api"
	"github.com/djlord-it/contentguard/internal/backoff"
	"github.com/djlord-it/contentguard/internal/circuitbreaker"
	"github.com/djlord-it/contentguard/internal/config"
	"github.com/djlord-it/contentguard/internal/domain"
	"github.com/djlord-it/contentguard/internal/engine"
	"github.com/djlord-it/contentguard/internal/metrics"
	"github.com/djlord-it/contentguard/internal/notify"
	"github.com/djlord-it/contentguard/internal/platform"
	"github.com/djlord-it/contentguard/internal/remote"
	"github.com/djlord-it/contentguard/internal/store"
	"github.com/djlord-it/contentguard/internal/store/postgres"
	"github.com/djlord-it/contentguard/internal/store/redisstore"
	"github.com/djlord-it/contentguard/internal/takedown"
)

// checkServeConfig runs config.Validate and additionally requires the
// external services serve cannot run without.
func checkServeConfig(cfg config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	var missing []string
	for _, e := range []struct{ name, value string }{
		{"SCANNER_ENDPOINT", cfg.ScannerEndpoint},
		{"MATCHER_ENDPOINT", cfg.MatcherEndpoint},
		{"RESOLVER_ENDPOINT", cfg.ResolverEndpoint},
	} {
		if e.value == "" {
			missing = append(missing, e.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s: required", strings.Join(missing, ", "))
	}
	return nil
}

// engineConfig maps environment configuration and the catalog onto the
// engine's component configs. Unmapped fields keep their defaults.
func engineConfig(cfg config.Config, catalog config.Catalog) engine.Config {
	ec := engine.DefaultConfig()

	ec.Jobs.RunTimeout = cfg.MaxScanDuration
	ec.Jobs.ThrottleDelay = cfg.EmptyPollInterval
	ec.Scheduler.TickInterval = cfg.TickInterval

	ec.Orchestrator.Workers = cfg.ScanWorkers
	ec.Orchestrator.EmptyPollInterval = cfg.EmptyPollInterval
	ec.Orchestrator.CallTimeout = cfg.ExternalCallTimeout
	ec.Orchestrator.MaxRegionsPerScan = cfg.MaxRegionsPerScan
	ec.Orchestrator.HighConfidence = cfg.HighConfidence
	ec.Orchestrator.UrgentConfidence = cfg.UrgentConfidence
	ec.Orchestrator.ShutdownGrace = cfg.ShutdownGrace

	ec.Takedown.MaxAttempts = cfg.TakedownMaxAttempts
	ec.Takedown.Backoff = backoff.Exponential{Base: cfg.TakedownBaseDelay, Max: cfg.TakedownMaxDelay}
	ec.Takedown.ThrottleDelay = cfg.TakedownBaseDelay
	ec.Takedown.ResponseWindow = cfg.TakedownResponseWindow
	ec.Takedown.CallTimeout = cfg.ExternalCallTimeout
	ec.Takedown.Retention = cfg.RecordRetention
	ec.Takedown.NotifyChannel = domain.Channel(cfg.NotifyChannel)
	if len(catalog.HighValueHosts) > 0 {
		ec.Takedown.HighValueHosts = make(map[string]bool, len(catalog.HighValueHosts))
		for _, h := range catalog.HighValueHosts {
			ec.Takedown.HighValueHosts[strings.ToLower(h)] = true
		}
	}

	ec.Notify.MaxAttempts = cfg.NotifyMaxAttempts
	ec.Notify.TTL = cfg.NotifyTTL
	ec.Notify.CallTimeout = cfg.ExternalCallTimeout

	ec.Watchdog.Interval = cfg.WatchdogInterval

	ec.Identity = takedownIdentity(cfg)

	ec.TakedownBatchSize = cfg.TakedownBatchSize
	ec.TakedownInterval = cfg.TakedownInterval
	ec.NotifyBatchSize = cfg.NotifyBatchSize
	ec.NotifyInterval = cfg.NotifyInterval
	ec.MaintenanceInterval = cfg.MaintenanceInterval
	return ec
}

// backend is the opened store plus the handles that need health checks and
// closing.
type backend struct {
	store  store.Store
	db     *sql.DB
	redis  *redis.Client
	health map[string]api.HealthChecker
}

func (b *backend) Close() {
	if b.db != nil {
		if err := b.db.Close(); err != nil {
			log.Printf("contentguard: database close error: %v", err)
		}
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			log.Printf("contentguard: redis close error: %v", err)
		}
	}
}

// redisPinger adapts a redis client to api.HealthChecker.
type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) PingContext(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func openBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	b := &backend{health: make(map[string]api.HealthChecker)}

	switch cfg.StoreBackend {
	case "memory":
		log.Println("contentguard: using in-memory store; state is lost on restart")
		b.store = store.NewMemoryStore()

	case "redis":
		s, client, err := redisstore.Connect(ctx, cfg.RedisURL, cfg.RedisKeyPrefix)
		if err != nil {
			return nil, err
		}
		b.store, b.redis = s, client
		b.health["redis"] = redisPinger{client: client}
		log.Printf("contentguard: using redis store (prefix=%s)", cfg.RedisKeyPrefix)

	case "postgres":
		db, err := sql.Open(cfg.DBDriver, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		log.Printf("contentguard: db pool configured (driver=%s, max_open=%d, max_idle=%d)",
			cfg.DBDriver, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns)

		pingCtx, cancel := context.WithTimeout(ctx, cfg.DBOpTimeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return nil, fmt.Errorf("connect to database: %w", err)
		}

		s := postgres.New(db).WithOpTimeout(cfg.DBOpTimeout)
		if err := s.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
		b.store, b.db = s, db
		b.health["database"] = db

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	return b, nil
}

// analyticsClient returns the redis client analytics should write to,
// reusing the store's client when the store is redis.
func analyticsClient(b *backend, cfg config.Config) (*redis.Client, error) {
	if b.redis != nil {
		return b.redis, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	b.redis = client
	b.health["redis"] = redisPinger{client: client}
	return client, nil
}

func newBreaker(cfg config.Config) *circuitbreaker.CircuitBreaker {
	if cfg.CircuitBreakerThreshold <= 0 {
		return nil
	}
	return circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
}

func smtpAuth(cfg config.Config) smtp.Auth {
	if cfg.SMTPUsername == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(cfg.SMTPAddr)
	if err != nil {
		host = cfg.SMTPAddr
	}
	return smtp.PlainAuth("", cfg.SMTPUsername, cfg.SMTPPassword, host)
}

func takedownIdentity(cfg config.Config) takedown.Identity {
	return takedown.Identity{
		Name:    cfg.NoticeSenderName,
		Email:   cfg.NoticeSenderEmail,
		Address: cfg.NoticeSenderAddress,
	}
}

// remoteDeps holds the clients for the external scan, match, contact and
// delisting services and the notice sender.
type remoteDeps struct {
	scanners  *platform.Registry
	matcher   *remote.Matcher
	resolver  *remote.ContactResolver
	delisting *remote.DelistingChecker // nil when DELIST_ENDPOINT is unset
	sender    *remote.NoticeSender
}

func buildRemote(cfg config.Config, breaker *circuitbreaker.CircuitBreaker, sink metrics.Sink) remoteDeps {
	httpClient := &http.Client{Timeout: cfg.ExternalCallTimeout}

	client := func(service, endpoint string) *remote.Client {
		c := remote.NewClient(service, endpoint).WithHTTPClient(httpClient).WithBreaker(breaker)
		if sink != nil {
			c = c.WithMetrics(sink)
		}
		return c
	}

	scanners := platform.NewRegistry()
	scanners.SetFallback(remote.NewScanner(client("scanner", cfg.ScannerEndpoint)))

	deps := remoteDeps{
		scanners: scanners,
		matcher:  remote.NewMatcher(client("matcher", cfg.MatcherEndpoint)),
		resolver: remote.NewContactResolver(client("resolver", cfg.ResolverEndpoint)),
		sender:   remote.NewNoticeSender(cfg.SMTPAddr, cfg.SMTPFrom, smtpAuth(cfg)).WithHTTPClient(httpClient),
	}
	if cfg.DelistEndpoint != "" {
		deps.delisting = remote.NewDelistingChecker(client("delisting", cfg.DelistEndpoint))
	}
	return deps
}

// buildTransports registers a transport for every channel that is
// configured. Notifications on other channels are dropped by the dispatcher.
func buildTransports(cfg config.Config, breaker *circuitbreaker.CircuitBreaker) map[domain.Channel]notify.Transport {
	transports := make(map[domain.Channel]notify.Transport)
	if cfg.NotifyWebhookURL != "" {
		transports[domain.ChannelWebhook] = notify.NewWebhookTransport(cfg.NotifyWebhookURL, cfg.WebhookSecret).
			WithClient(&http.Client{Timeout: cfg.ExternalCallTimeout}).
			WithBreaker(breaker)
	}
	if cfg.SMTPAddr != "" {
		transports[domain.ChannelEmail] = notify.NewEmailTransport(cfg.SMTPAddr, cfg.SMTPFrom, cfg.NotifyEmailTo, smtpAuth(cfg))
	}
	return transports
}

// durationOr returns d, or def when d is not positive.
func durationOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
