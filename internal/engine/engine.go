// Package engine wires the scan job queue, trigger engine, scan
// orchestrator, takedown queue and notification dispatcher into one facade
// and drives their periodic loops.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/djlord-it/contentguard/internal/domain"
	"github.com/djlord-it/contentguard/internal/jobs"
	"github.com/djlord-it/contentguard/internal/metrics"
	"github.com/djlord-it/contentguard/internal/notify"
	"github.com/djlord-it/contentguard/internal/orchestrator"
	"github.com/djlord-it/contentguard/internal/platform"
	"github.com/djlord-it/contentguard/internal/region"
	"github.com/djlord-it/contentguard/internal/scheduler"
	"github.com/djlord-it/contentguard/internal/store"
	"github.com/djlord-it/contentguard/internal/takedown"
	"github.com/djlord-it/contentguard/internal/watchdog"
)

// LeaderChecker gates the work that must run on a single replica.
type LeaderChecker interface {
	IsLeader() bool
}

type alwaysLeader struct{}

func (alwaysLeader) IsLeader() bool { return true }

type Config struct {
	Jobs         jobs.Config
	Scheduler    scheduler.Config
	Orchestrator orchestrator.Config
	Takedown     takedown.Config
	Notify       notify.Config
	Region       region.HealthConfig
	Watchdog     watchdog.Config
	Identity     takedown.Identity

	TakedownBatchSize   int
	TakedownInterval    time.Duration
	NotifyBatchSize     int
	NotifyInterval      time.Duration
	MaintenanceInterval time.Duration
	// MaintenanceBatch caps how many records each prune step deletes per run.
	MaintenanceBatch int
	// DrainTimeout bounds the final notification pass after the workers stop.
	DrainTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Jobs:                jobs.DefaultConfig(),
		Scheduler:           scheduler.DefaultConfig(),
		Orchestrator:        orchestrator.DefaultConfig(),
		Takedown:            takedown.DefaultConfig(),
		Notify:              notify.DefaultConfig(),
		Region:              region.DefaultHealthConfig(),
		Watchdog:            watchdog.DefaultConfig(),
		TakedownBatchSize:   50,
		TakedownInterval:    30 * time.Second,
		NotifyBatchSize:     100,
		NotifyInterval:      10 * time.Second,
		MaintenanceInterval: time.Hour,
		MaintenanceBatch:    1000,
		DrainTimeout:        10 * time.Second,
	}
}

// Deps are the collaborators the engine does not own.
type Deps struct {
	Store     store.Store
	Regions   []domain.Region
	Platforms []domain.PlatformConfig
	Scanners  *platform.Registry
	Matcher   orchestrator.Matcher
	Resolver  takedown.ContactResolver
	Sender    takedown.Sender

	Delisting  takedown.DelistingChecker           // optional
	Transports map[domain.Channel]notify.Transport // optional
	Analytics  orchestrator.AnalyticsSink          // optional
	Metrics    metrics.Sink                        // optional
	Leader     LeaderChecker                       // optional, nil = always leader
}

type Engine struct {
	config Config
	store  store.Store
	leader LeaderChecker

	jobs          *jobs.Queue
	scheduler     *scheduler.Scheduler
	orchestrator  *orchestrator.Orchestrator
	takedowns     *takedown.Queue
	notifications *notify.Dispatcher
	regions       *region.Pool
	watchdog      *watchdog.Watchdog
	delisting     takedown.DelistingChecker
	metrics       metrics.Sink
}

// New builds every component on deps.Store and wires them together.
func New(config Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if deps.Scanners == nil || deps.Matcher == nil || deps.Resolver == nil || deps.Sender == nil {
		return nil, errors.New("engine: scanners, matcher, resolver and sender are required")
	}
	leader := deps.Leader
	if leader == nil {
		leader = alwaysLeader{}
	}

	catalog, err := platform.NewCatalog(deps.Platforms)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	pool, err := region.NewPool(config.Region, deps.Regions)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	renderer, err := takedown.NewRenderer(config.Identity, "", "")
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	scorer := store.DefaultScorer()

	jobQueue := jobs.New(config.Jobs, deps.Store, scorer)

	dispatcher := notify.New(config.Notify, deps.Store)
	for ch, t := range deps.Transports {
		dispatcher = dispatcher.WithTransport(ch, t)
	}

	takedowns := takedown.New(config.Takedown, deps.Store, scorer, renderer, deps.Resolver, deps.Sender).
		WithNotifier(dispatcher).
		WithFollowups(jobQueue)
	if deps.Delisting != nil {
		takedowns = takedowns.WithDelistingChecker(deps.Delisting)
	}

	sched := scheduler.New(config.Scheduler, deps.Store, jobQueue, NewCronParser()).WithLeader(leader)

	orch := orchestrator.New(config.Orchestrator, jobQueue, catalog, deps.Scanners, platform.NewLimiters(), pool, deps.Matcher, takedowns)
	if deps.Analytics != nil {
		orch = orch.WithAnalytics(deps.Analytics)
	}

	wd := watchdog.New(config.Watchdog, jobQueue, takedowns).WithLeader(leader)

	if m := deps.Metrics; m != nil {
		jobQueue = jobQueue.WithMetrics(m)
		dispatcher = dispatcher.WithMetrics(m)
		takedowns = takedowns.WithMetrics(m)
		sched = sched.WithMetrics(m)
		orch = orch.WithMetrics(m)
		pool = pool.WithMetrics(m)
		wd = wd.WithMetrics(m)
	}

	e := &Engine{
		config:        config,
		store:         deps.Store,
		leader:        leader,
		jobs:          jobQueue,
		scheduler:     sched,
		orchestrator:  orch,
		takedowns:     takedowns,
		notifications: dispatcher,
		regions:       pool,
		watchdog:      wd,
		delisting:     deps.Delisting,
		metrics:       deps.Metrics,
	}

	orch.Handle(domain.JobKindMaintenance, orchestrator.HandlerFunc(e.handleMaintenance)).
		Handle(domain.JobKindTakedownSend, orchestrator.HandlerFunc(e.handleTakedownSend)).
		Handle(domain.JobKindTakedownFollowup, orchestrator.HandlerFunc(e.handleFollowup))

	return e, nil
}

// WithClock sets the clock on every time-dependent component.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.jobs.WithClock(clock)
	e.scheduler.WithClock(clock)
	e.orchestrator.WithClock(clock)
	e.takedowns.WithClock(clock)
	e.notifications.WithClock(clock)
	e.regions.WithClock(clock)
	return e
}

// Run starts the trigger engine, the scan workers, the watchdog and the
// takedown, notification and maintenance loops, and blocks until ctx is
// cancelled and all of them have stopped. A final notification pass drains
// what the stopping components queued.
func (e *Engine) Run(ctx context.Context) error {
	log.Printf("engine: started takedown_interval=%s notify_interval=%s maintenance_interval=%s",
		e.config.TakedownInterval, e.config.NotifyInterval, e.config.MaintenanceInterval)

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	spawn(func() { _ = e.scheduler.Run(ctx) })
	spawn(func() { _ = e.orchestrator.Run(ctx) })
	spawn(func() { e.watchdog.Run(ctx) })
	spawn(func() { e.every(ctx, "takedown", e.config.TakedownInterval, e.takedownPass) })
	spawn(func() { e.every(ctx, "notify", e.config.NotifyInterval, e.notifyPass) })
	spawn(func() { e.every(ctx, "maintenance", e.config.MaintenanceInterval, e.maintenancePass) })

	<-ctx.Done()
	wg.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), e.config.DrainTimeout)
	defer cancel()
	if res, err := e.notifications.ProcessBatch(drainCtx, e.config.NotifyBatchSize); err != nil {
		log.Printf("engine: drain notifications error: %v", err)
	} else if res.Delivered+res.Failed+res.Dropped > 0 {
		log.Printf("engine: drained notifications delivered=%d failed=%d dropped=%d", res.Delivered, res.Failed, res.Dropped)
	}

	log.Println("engine: stopped")
	return ctx.Err()
}

// every runs fn on a ticker until ctx is cancelled. A non-positive interval
// disables the loop.
func (e *Engine) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		log.Printf("engine: %s loop disabled", name)
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (e *Engine) takedownPass(ctx context.Context) {
	if _, err := e.ProcessTakedownBatch(ctx, e.config.TakedownBatchSize); err != nil {
		log.Printf("engine: takedown batch error: %v", err)
	}
	if !e.leader.IsLeader() {
		return
	}
	if _, err := e.takedowns.SweepDeadlines(ctx, e.config.TakedownBatchSize); err != nil {
		log.Printf("engine: deadline sweep error: %v", err)
	}
	if _, err := e.takedowns.CheckDelisting(ctx, e.config.TakedownBatchSize); err != nil {
		log.Printf("engine: delisting check error: %v", err)
	}
}

func (e *Engine) notifyPass(ctx context.Context) {
	if _, err := e.ProcessNotificationBatch(ctx, e.config.NotifyBatchSize); err != nil {
		log.Printf("engine: notification batch error: %v", err)
	}
}

func (e *Engine) maintenancePass(ctx context.Context) {
	if !e.leader.IsLeader() {
		return
	}
	if _, err := e.RunMaintenance(ctx); err != nil {
		log.Printf("engine: maintenance error: %v", err)
	}
}
