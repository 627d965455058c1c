// Package orchestrator runs the scan worker pool. Each worker claims the
// highest-priority ready job, fans out to platform scanners across regions,
// deduplicates candidates, asks the content matcher for verdicts and hands
// high-confidence matches to the takedown queue.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/contentguard/internal/domain"
	"github.com/djlord-it/contentguard/internal/jobs"
	"github.com/djlord-it/contentguard/internal/platform"
	"github.com/djlord-it/contentguard/internal/region"
)

// errCancelled is returned by execute when the job's cancellation flag was
// observed at a safe point.
var errCancelled = errors.New("scan cancelled")

// JobQueue is the subset of the job queue the workers drive.
type JobQueue interface {
	Submit(ctx context.Context, sub jobs.Submission) (domain.Job, error)
	PromoteDue(ctx context.Context, limit int) (int, error)
	Claim(ctx context.Context) (domain.Job, bool, error)
	Complete(ctx context.Context, held domain.Job, result any) error
	Fail(ctx context.Context, held domain.Job, cause error) (domain.Job, error)
	Requeue(ctx context.Context, held domain.Job) error
	MarkCancelled(ctx context.Context, held domain.Job, partial any) error
	CancelRequested(ctx context.Context, id string) (bool, error)
}

// Matcher scores a candidate against a subject profile.
type Matcher interface {
	Match(ctx context.Context, candidate domain.Candidate, profileID string) ([]domain.MatchResult, error)
}

// TakedownSink accepts new takedown requests. ID, status and timestamps are
// filled in by the sink.
type TakedownSink interface {
	Enqueue(ctx context.Context, req domain.TakedownRequest) (domain.TakedownRequest, error)
}

// Handler executes a non-scan job kind. The returned value is stored as the
// job's LastResult.
type Handler interface {
	Handle(ctx context.Context, job domain.Job) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job domain.Job) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, job domain.Job) (any, error) {
	return f(ctx, job)
}

type AnalyticsSink interface {
	RecordScan(ctx context.Context, profileID string, platform domain.PlatformID, urls, matches int)
}

// MetricsSink defines the interface for recording orchestrator metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	ScanCompleted(kind string, outcome string, duration time.Duration)
	PlatformCallCompleted(platform string, outcome string, duration time.Duration)
	CandidatesDeduplicated(count int)
	WorkersBusyIncr()
	WorkersBusyDecr()
}

type Config struct {
	Workers           int
	EmptyPollInterval time.Duration
	PromoteBatch      int
	// CallTimeout bounds every scanner and matcher call.
	CallTimeout       time.Duration
	MaxRegionsPerScan int
	// Immediate-tier scans are capped smaller so they finish before their
	// short deadline.
	ImmediatePlatformCap int
	ImmediateRegionCap   int
	ImmediateDeadline    time.Duration
	HighConfidence       float64
	UrgentConfidence     float64
	// ShutdownGrace is how long in-flight jobs may run after Run's context is
	// cancelled before they are force-requeued.
	ShutdownGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:              10,
		EmptyPollInterval:    2 * time.Second,
		PromoteBatch:         100,
		CallTimeout:          30 * time.Second,
		MaxRegionsPerScan:    3,
		ImmediatePlatformCap: 2,
		ImmediateRegionCap:   1,
		ImmediateDeadline:    15 * time.Minute,
		HighConfidence:       0.85,
		UrgentConfidence:     0.95,
		ShutdownGrace:        30 * time.Second,
	}
}

type Orchestrator struct {
	config    Config
	queue     JobQueue
	catalog   *platform.Catalog
	scanners  *platform.Registry
	limiters  *platform.Limiters
	regions   *region.Pool
	matcher   Matcher
	takedowns TakedownSink
	handlers  map[domain.JobKind]Handler
	analytics AnalyticsSink // optional, nil = disabled
	metrics   MetricsSink   // optional, nil = disabled
	clock     func() time.Time

	mu       sync.Mutex
	inflight map[string]domain.Job
}

func New(
	config Config,
	queue JobQueue,
	catalog *platform.Catalog,
	scanners *platform.Registry,
	limiters *platform.Limiters,
	regions *region.Pool,
	matcher Matcher,
	takedowns TakedownSink,
) *Orchestrator {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.PromoteBatch <= 0 {
		config.PromoteBatch = 100
	}
	if config.EmptyPollInterval <= 0 {
		config.EmptyPollInterval = time.Second
	}
	return &Orchestrator{
		config:    config,
		queue:     queue,
		catalog:   catalog,
		scanners:  scanners,
		limiters:  limiters,
		regions:   regions,
		matcher:   matcher,
		takedowns: takedowns,
		handlers:  make(map[domain.JobKind]Handler),
		clock:     time.Now,
		inflight:  make(map[string]domain.Job),
	}
}

func (o *Orchestrator) WithAnalytics(sink AnalyticsSink) *Orchestrator {
	o.analytics = sink
	return o
}

// WithMetrics attaches a metrics sink to the orchestrator.
func (o *Orchestrator) WithMetrics(sink MetricsSink) *Orchestrator {
	o.metrics = sink
	return o
}

func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// Handle registers the handler for a non-scan job kind.
func (o *Orchestrator) Handle(kind domain.JobKind, h Handler) *Orchestrator {
	o.handlers[kind] = h
	return o
}

// ScheduleScan submits a scan job for req. Immediate-tier scans get a short
// deadline so the urgency bonus lifts them to the front of the queue.
func (o *Orchestrator) ScheduleScan(ctx context.Context, req domain.ScanRequest, tier domain.Tier) (domain.Job, error) {
	now := o.clock().UTC()
	if req.ScanID == "" {
		req.ScanID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	if err := req.Validate(); err != nil {
		return domain.Job{}, err
	}

	kind := domain.JobKindFullScan
	switch req.Scope {
	case domain.ScopeQuick:
		kind = domain.JobKindQuickScan
	case domain.ScopeTargeted:
		kind = domain.JobKindPlatformScan
	}

	sub := jobs.Submission{
		Kind:       kind,
		SubjectID:  req.ProfileID,
		Tier:       tier,
		Parameters: req,
	}
	if tier == domain.TierImmediate && o.config.ImmediateDeadline > 0 {
		deadline := now.Add(o.config.ImmediateDeadline)
		sub.DeadlineAt = &deadline
	}
	return o.queue.Submit(ctx, sub)
}

// Run starts the worker pool and blocks until ctx is cancelled and every
// worker has stopped. In-flight jobs get ShutdownGrace to finish; after that
// their context is cancelled and they are returned to the ready index.
func (o *Orchestrator) Run(ctx context.Context) error {
	log.Printf("orchestrator: started workers=%d", o.config.Workers)

	execCtx, cancelExec := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelExec()

	var wg sync.WaitGroup
	for i := 0; i < o.config.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			o.worker(ctx, execCtx, worker)
		}(i)
	}

	<-ctx.Done()
	log.Printf("orchestrator: stopping, in_flight=%d grace=%s", o.inflightCount(), o.config.ShutdownGrace)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("orchestrator: stopped")
		return ctx.Err()
	case <-time.After(o.config.ShutdownGrace):
	}

	cancelExec()
	o.requeueInflight()
	<-done
	log.Println("orchestrator: stopped after grace period")
	return ctx.Err()
}

func (o *Orchestrator) worker(ctx, execCtx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}

		// Promote on every pass so due retries compete on score under load.
		if _, err := o.queue.PromoteDue(ctx, o.config.PromoteBatch); err != nil {
			log.Printf("orchestrator: worker=%d promote error: %v", worker, err)
		}

		job, ok, err := o.queue.Claim(ctx)
		if err != nil {
			log.Printf("orchestrator: worker=%d claim error: %v", worker, err)
			if !o.sleep(ctx) {
				return
			}
			continue
		}
		if !ok {
			if !o.sleep(ctx) {
				return
			}
			continue
		}

		o.Process(execCtx, job)
	}
}

func (o *Orchestrator) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(o.config.EmptyPollInterval):
		return true
	}
}

// Process executes a claimed job and writes its outcome back to the queue.
// It never panics and never returns an error: every failure is classified
// and recorded on the job.
func (o *Orchestrator) Process(ctx context.Context, job domain.Job) {
	if o.metrics != nil {
		o.metrics.WorkersBusyIncr()
		defer o.metrics.WorkersBusyDecr()
	}
	o.track(job)
	defer o.untrack(job.ID)

	start := o.clock()
	result, err := o.safeExecute(ctx, job)

	// Storage write-backs must outlive a cancelled execution context.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	outcome := "completed"
	switch {
	case err != nil && ctx.Err() != nil && !errors.Is(err, errCancelled):
		outcome = "requeued"
		if rerr := o.queue.Requeue(wctx, job); rerr != nil && !isLost(rerr) {
			log.Printf("orchestrator: job=%s requeue on shutdown error: %v", job.ID, rerr)
		}
		log.Printf("orchestrator: job=%s interrupted by shutdown, requeued", job.ID)

	case errors.Is(err, errCancelled):
		outcome = "cancelled"
		if werr := o.queue.MarkCancelled(wctx, job, result); werr != nil {
			log.Printf("orchestrator: job=%s mark cancelled error: %v", job.ID, werr)
		}
		log.Printf("orchestrator: job=%s cancelled", job.ID)

	case err != nil:
		updated, ferr := o.queue.Fail(wctx, job, err)
		if ferr != nil {
			log.Printf("orchestrator: job=%s fail write-back error: %v", job.ID, ferr)
			outcome = "lost"
			break
		}
		outcome = string(updated.State)
		log.Printf("orchestrator: job=%s kind=%s state=%s err_kind=%s err=%v",
			job.ID, job.Kind, updated.State, updated.LastErrKind, err)

	default:
		if cerr := o.queue.Complete(wctx, job, result); cerr != nil {
			log.Printf("orchestrator: job=%s complete write-back error: %v", job.ID, cerr)
			outcome = "lost"
			break
		}
		log.Printf("orchestrator: job=%s kind=%s completed duration=%s", job.ID, job.Kind, o.clock().Sub(start))
	}

	if o.metrics != nil {
		o.metrics.ScanCompleted(string(job.Kind), outcome, o.clock().Sub(start))
	}
}

// safeExecute converts a panic into a transient failure for this job only.
func (o *Orchestrator) safeExecute(ctx context.Context, job domain.Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("orchestrator: job=%s panic: %v\n%s", job.ID, r, debug.Stack())
			result = nil
			err = domain.NewError(domain.KindTransient, "execute", fmt.Errorf("panic: %v", r))
		}
	}()

	if job.Kind.IsScan() {
		res, err := o.executeScan(ctx, job)
		if res == nil {
			return nil, err
		}
		return res, err
	}

	h, ok := o.handlers[job.Kind]
	if !ok {
		return nil, domain.NewError(domain.KindValidation, "execute", fmt.Errorf("no handler for job kind %q", job.Kind))
	}
	return h.Handle(ctx, job)
}

func (o *Orchestrator) track(job domain.Job) {
	o.mu.Lock()
	o.inflight[job.ID] = job
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(id string) {
	o.mu.Lock()
	delete(o.inflight, id)
	o.mu.Unlock()
}

func (o *Orchestrator) inflightCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

// requeueInflight returns every job still held by a worker to the ready
// index. A worker that finishes afterwards gets ErrNotRunning on write-back.
func (o *Orchestrator) requeueInflight() {
	o.mu.Lock()
	held := make([]domain.Job, 0, len(o.inflight))
	for _, job := range o.inflight {
		held = append(held, job)
	}
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, job := range held {
		if err := o.queue.Requeue(ctx, job); err != nil && !isLost(err) {
			log.Printf("orchestrator: job=%s force requeue error: %v", job.ID, err)
			continue
		}
		log.Printf("orchestrator: job=%s force requeued after grace period", job.ID)
	}
}

func isLost(err error) bool {
	return errors.Is(err, jobs.ErrNotRunning) || errors.Is(err, jobs.ErrLeaseLost)
}
