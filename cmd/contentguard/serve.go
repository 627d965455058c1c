package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/djlord-it/contentguard/internal/analytics"
	"github.com/djlord-it/contentguard/internal/api"
	"github.com/djlord-it/contentguard/internal/config"
	"github.com/djlord-it/contentguard/internal/domain"
	"github.com/djlord-it/contentguard/internal/engine"
	"github.com/djlord-it/contentguard/internal/leaderelection"
	"github.com/djlord-it/contentguard/internal/metrics"
)

func runServe(ctx context.Context) error {
	cfg := config.Load()
	if err := checkServeConfig(cfg); err != nil {
		return invalidConfig(err)
	}
	catalog, err := config.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return invalidConfig(err)
	}
	logConfigWarnings(&cfg)

	// Initialize metrics sink (optional)
	var metricsSink metrics.Sink
	var metricsServer *http.Server

	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("contentguard: metrics enabled (port=%s, path=%s)", cfg.MetricsPort, cfg.MetricsPath)

		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              ":" + cfg.MetricsPort,
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("contentguard: metrics server listening on :%s", cfg.MetricsPort)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("contentguard: metrics server error: %v", err)
			}
		}()
	}

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.Close()

	breaker := newBreaker(cfg)
	rd := buildRemote(cfg, breaker, metricsSink)

	deps := engine.Deps{
		Store:      be.store,
		Regions:    catalog.Regions,
		Platforms:  catalog.Platforms,
		Scanners:   rd.scanners,
		Matcher:    rd.matcher,
		Resolver:   rd.resolver,
		Sender:     rd.sender,
		Transports: buildTransports(cfg, breaker),
		Metrics:    metricsSink,
	}
	if rd.delisting != nil {
		deps.Delisting = rd.delisting
	}

	if cfg.AnalyticsEnabled {
		client, err := analyticsClient(be, cfg)
		if err != nil {
			return invalidConfig(err)
		}
		deps.Analytics = analytics.NewRedisSink(client, cfg.RedisKeyPrefix+"analytics:", domain.AnalyticsConfig{
			Enabled:   true,
			Window:    time.Hour,
			Retention: cfg.AnalyticsRetention,
		})
		log.Printf("contentguard: analytics enabled (retention=%s)", cfg.AnalyticsRetention)
	}

	// Leader election needs a shared lock; only postgres provides one.
	var elector *leaderelection.Elector
	if be.db != nil {
		elector = leaderelection.New(
			leaderelection.NewPostgresLocker(be.db, cfg.LeaderLockKey),
			leaderelection.Config{
				RetryInterval:     cfg.LeaderRetryInterval,
				HeartbeatInterval: cfg.LeaderHeartbeatInterval,
			},
		)
		if metricsSink != nil {
			elector = elector.WithMetrics(metricsSink)
		}
		deps.Leader = elector
	} else {
		deps.Leader = leaderelection.Static(true)
	}

	eng, err := engine.New(engineConfig(cfg, catalog), deps)
	if err != nil {
		return err
	}

	apiHandler := api.NewHandler(eng)
	for name, hc := range be.health {
		apiHandler = apiHandler.WithHealthChecker(name, hc)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("contentguard: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("contentguard: http server error: %v", err)
		}
	}()

	// Separate contexts so the engine stops before leadership is released.
	electionCtx, cancelElection := context.WithCancel(context.Background())
	engineCtx, cancelEngine := context.WithCancel(context.Background())

	var electionWg sync.WaitGroup
	var engineWg sync.WaitGroup

	if elector != nil {
		electionWg.Add(1)
		go func() {
			defer electionWg.Done()
			elector.Run(electionCtx)
		}()
	}

	engineWg.Add(1)
	go func() {
		defer engineWg.Done()
		if err := eng.Run(engineCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("contentguard: engine error: %v", err)
		}
	}()

	log.Printf("contentguard: started (store=%s, workers=%d, http=%s)", cfg.StoreBackend, cfg.ScanWorkers, cfg.HTTPAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case received := <-sig:
		log.Printf("contentguard: received signal %v, shutting down", received)
	case <-ctx.Done():
		log.Println("contentguard: context cancelled, shutting down")
	}

	// Phase 1: Stop the HTTP server so no new scans are accepted.
	log.Println("contentguard: stopping http server...")
	shutdownTimeout := durationOr(cfg.ShutdownGrace, 30*time.Second)
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("contentguard: http server shutdown error: %v", err)
	}
	log.Println("contentguard: http server stopped")

	// Phase 2: Stop the engine (in-flight scans get ShutdownGrace, then
	// pending notifications are drained).
	log.Println("contentguard: stopping engine...")
	cancelEngine()
	engineWg.Wait()
	log.Println("contentguard: engine stopped")

	// Phase 3: Release leadership.
	if elector != nil {
		log.Println("contentguard: stopping leader election...")
		cancelElection()
		electionWg.Wait()
		log.Println("contentguard: leader election stopped")
	} else {
		cancelElection()
	}

	// Phase 4: Stop metrics server if running.
	if metricsServer != nil {
		log.Println("contentguard: stopping metrics server...")
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			log.Printf("contentguard: metrics server shutdown error: %v", err)
		}
		log.Println("contentguard: metrics server stopped")
	}

	log.Println("contentguard: stopped")
	return nil
}

// logConfigWarnings logs settings that are valid but risky in production.
func logConfigWarnings(cfg *config.Config) {
	if cfg.StoreBackend == "memory" {
		log.Println("contentguard: WARNING [P0]: STORE_BACKEND=memory; jobs, triggers and takedowns are lost on restart")
	}
	if cfg.StoreBackend != "postgres" {
		log.Printf("contentguard: WARNING [P1]: STORE_BACKEND=%s has no leader election; run a single replica", cfg.StoreBackend)
	}
	if !cfg.MetricsEnabled {
		log.Println("contentguard: WARNING [P1]: METRICS_ENABLED=false; queue depth and scan outcomes are not exported")
	}
	if cfg.NotifyChannel == string(domain.ChannelWebhook) && cfg.NotifyWebhookURL == "" {
		log.Println("contentguard: WARNING [P1]: NOTIFY_CHANNEL=webhook without NOTIFY_WEBHOOK_URL; owner notifications will be dropped")
	}
	if cfg.NotifyChannel == string(domain.ChannelEmail) && cfg.NotifyEmailTo == "" {
		log.Println("contentguard: INFO: NOTIFY_EMAIL_TO not set; email notifications need an address as recipient")
	}
	if cfg.DelistEndpoint == "" {
		log.Println("contentguard: INFO: DELIST_ENDPOINT not set; sent takedowns are only closed by responses or deadlines")
	}
	if cfg.CircuitBreakerThreshold == 0 {
		log.Println("contentguard: INFO: CIRCUIT_BREAKER_THRESHOLD=0; circuit breaker disabled")
	}
	if cfg.SMTPAddr == "" {
		log.Println("contentguard: INFO: SMTP_ADDR not set; takedown notices can only be sent through web forms")
	}
}
