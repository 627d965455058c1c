package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/djlord-it/contentguard/internal/backoff"
	"github.com/djlord-it/contentguard/internal/domain"
	"github.com/djlord-it/contentguard/internal/jobs"
	"github.com/djlord-it/contentguard/internal/platform"
	"github.com/djlord-it/contentguard/internal/region"
	"github.com/djlord-it/contentguard/internal/store"
	"github.com/djlord-it/contentguard/internal/testutil"
)

type fakeMatcher struct {
	mu         sync.Mutex
	calls      map[string]int
	confidence float64
}

func (m *fakeMatcher) Match(ctx context.Context, c domain.Candidate, profileID string) ([]domain.MatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[c.URL]++
	if m.confidence == 0 {
		return nil, nil
	}
	return []domain.MatchResult{
		{Confidence: m.confidence / 2, MatchType: "text"},
		{Confidence: m.confidence, MatchType: "image"},
	}, nil
}

func (m *fakeMatcher) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

type fakeTakedowns struct {
	mu   sync.Mutex
	reqs []domain.TakedownRequest
}

func (f *fakeTakedowns) Enqueue(ctx context.Context, req domain.TakedownRequest) (domain.TakedownRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req.ID = fmt.Sprintf("td-%d", len(f.reqs)+1)
	req.Status = domain.TakedownPending
	f.reqs = append(f.reqs, req)
	return req, nil
}

func (f *fakeTakedowns) all() []domain.TakedownRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.TakedownRequest(nil), f.reqs...)
}

type mockMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
	calls    map[string]int
	deduped  int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{outcomes: make(map[string]int), calls: make(map[string]int)}
}

func (m *mockMetrics) ScanCompleted(kind, outcome string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcome]++
}

func (m *mockMetrics) PlatformCallCompleted(p, outcome string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[p+"/"+outcome]++
}

func (m *mockMetrics) CandidatesDeduplicated(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deduped += n
}

func (m *mockMetrics) WorkersBusyIncr() {}
func (m *mockMetrics) WorkersBusyDecr() {}

type fixture struct {
	queue     *jobs.Queue
	orch      *Orchestrator
	scanners  *platform.Registry
	limiters  *platform.Limiters
	matcher   *fakeMatcher
	takedowns *fakeTakedowns
	metrics   *mockMetrics
}

func newFixture(t *testing.T, platforms []domain.PlatformConfig, cfg Config) *fixture {
	t.Helper()
	return newFixtureWithJobs(t, platforms, cfg, jobs.DefaultConfig())
}

func newFixtureWithJobs(t *testing.T, platforms []domain.PlatformConfig, cfg Config, jobsCfg jobs.Config) *fixture {
	t.Helper()
	catalog, err := platform.NewCatalog(platforms)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	pool, err := region.NewPool(region.DefaultHealthConfig(), []domain.Region{
		{ID: "us", CountryCode: "US", Active: true},
		{ID: "eu", CountryCode: "DE", Active: true},
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	f := &fixture{
		queue:     jobs.New(jobsCfg, store.NewMemoryStore(), store.DefaultScorer()),
		scanners:  platform.NewRegistry(),
		limiters:  platform.NewLimiters(),
		matcher:   &fakeMatcher{},
		takedowns: &fakeTakedowns{},
		metrics:   newMockMetrics(),
	}
	f.orch = New(cfg, f.queue, catalog, f.scanners, f.limiters, pool, f.matcher, f.takedowns).
		WithMetrics(f.metrics)
	return f
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.EmptyPollInterval = 10 * time.Millisecond
	cfg.CallTimeout = 50 * time.Millisecond
	cfg.MaxRegionsPerScan = 2
	cfg.ShutdownGrace = 50 * time.Millisecond
	return cfg
}

func twoRegionPlatform(name string, weight int) domain.PlatformConfig {
	return domain.PlatformConfig{
		Name:             domain.PlatformID(name),
		PriorityWeight:   weight,
		PreferredRegions: []domain.RegionID{"us", "eu"},
	}
}

func staticScanner(urls ...string) platform.Scanner {
	return platform.ScannerFunc(func(ctx context.Context, query string, p domain.PlatformID, r domain.Region, limit int) ([]domain.Candidate, error) {
		out := make([]domain.Candidate, 0, len(urls))
		for _, u := range urls {
			out = append(out, domain.Candidate{URL: u})
		}
		return out, nil
	})
}

func blockingScanner(started *atomic.Int32) platform.Scanner {
	return platform.ScannerFunc(func(ctx context.Context, query string, p domain.PlatformID, r domain.Region, limit int) ([]domain.Candidate, error) {
		if started != nil {
			started.Add(1)
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

// runOnce schedules a scan, claims it and processes it synchronously.
func (f *fixture) runOnce(t *testing.T, req domain.ScanRequest, tier domain.Tier) (domain.Job, domain.ScanResult) {
	t.Helper()
	ctx := context.Background()
	submitted, err := f.orch.ScheduleScan(ctx, req, tier)
	if err != nil {
		t.Fatalf("ScheduleScan: %v", err)
	}
	claimed, ok, err := f.queue.Claim(ctx)
	if err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	if claimed.ID != submitted.ID {
		t.Fatalf("claimed %s, want %s", claimed.ID, submitted.ID)
	}
	f.orch.Process(ctx, claimed)
	return f.result(t, claimed.ID)
}

func (f *fixture) result(t *testing.T, id string) (domain.Job, domain.ScanResult) {
	t.Helper()
	job, err := f.queue.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var res domain.ScanResult
	if len(job.LastResult) > 0 {
		if err := json.Unmarshal(job.LastResult, &res); err != nil {
			t.Fatalf("unmarshal result: %v", err)
		}
	}
	return job, res
}

// TestExecute_PlatformTimeoutIsolated: platform b times out in both regions;
// the job still completes with a and c's results and b's failures recorded.
func TestExecute_PlatformTimeoutIsolated(t *testing.T) {
	f := newFixture(t, []domain.PlatformConfig{
		twoRegionPlatform("a", 30),
		twoRegionPlatform("b", 20),
		twoRegionPlatform("c", 10),
	}, testConfig())
	f.scanners.Register("a", staticScanner("https://a.example/1"))
	f.scanners.Register("b", blockingScanner(nil))
	f.scanners.Register("c", staticScanner("https://c.example/1"))

	job, res := f.runOnce(t, domain.ScanRequest{ProfileID: "p1", Scope: domain.ScopeQuick}, domain.TierNormal)

	if job.State != domain.JobStateCompleted {
		t.Fatalf("state = %s (%s), want completed", job.State, job.LastError)
	}
	if len(res.Errors) != 2 {
		t.Fatalf("errors = %+v, want 2 entries for platform b", res.Errors)
	}
	for _, e := range res.Errors {
		if e.Platform != "b" || e.Kind != domain.KindTransient {
			t.Errorf("unexpected call error %+v", e)
		}
	}
	if len(res.PlatformsScanned) != 3 {
		t.Errorf("platforms scanned = %v, want 3", res.PlatformsScanned)
	}
	if res.URLsScanned != 4 || res.DuplicatesDrop != 2 {
		t.Errorf("urls=%d dropped=%d, want 4 and 2", res.URLsScanned, res.DuplicatesDrop)
	}
	if f.metrics.calls["b/transient"] != 2 {
		t.Errorf("metrics b/transient = %d, want 2", f.metrics.calls["b/transient"])
	}
	if f.metrics.outcomes["completed"] != 1 {
		t.Errorf("completed outcomes = %d, want 1", f.metrics.outcomes["completed"])
	}
}

func TestExecute_DuplicateURLsMatchedOnce(t *testing.T) {
	f := newFixture(t, []domain.PlatformConfig{{Name: "a", PreferredRegions: []domain.RegionID{"us"}}}, testConfig())
	f.scanners.Register("a", staticScanner(
		"https://Example.com/Video?utm_source=feed",
		"https://example.com/video/",
		"https://example.com/other",
	))

	_, res := f.runOnce(t, domain.ScanRequest{ProfileID: "p1", Scope: domain.ScopeQuick}, domain.TierNormal)

	if got := f.matcher.total(); got != 2 {
		t.Errorf("matcher calls = %d, want 2", got)
	}
	if res.DuplicatesDrop != 1 {
		t.Errorf("duplicates dropped = %d, want 1", res.DuplicatesDrop)
	}
}

func TestExecute_TakedownThresholds(t *testing.T) {
	tests := []struct {
		name       string
		confidence float64
		wantCount  int
		wantTier   domain.Tier
	}{
		{"below high", 0.5, 0, 0},
		{"high", 0.92, 1, domain.TierHigh},
		{"urgent", 0.97, 1, domain.TierUrgent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, []domain.PlatformConfig{{Name: "a", PreferredRegions: []domain.RegionID{"us"}}}, testConfig())
			f.scanners.Register("a", staticScanner("https://host.example/leak"))
			f.matcher.confidence = tt.confidence

			job, res := f.runOnce(t, domain.ScanRequest{ProfileID: "p1", Scope: domain.ScopeQuick}, domain.TierNormal)

			if res.MatchesFound != 1 {
				t.Errorf("matches = %d, want 1", res.MatchesFound)
			}
			got := f.takedowns.all()
			if len(got) != tt.wantCount || res.TakedownsCreated != tt.wantCount {
				t.Fatalf("takedowns = %d (result %d), want %d", len(got), res.TakedownsCreated, tt.wantCount)
			}
			if tt.wantCount == 0 {
				return
			}
			td := got[0]
			if td.Tier != tt.wantTier || td.Confidence != tt.confidence || td.MatchType != "image" {
				t.Errorf("takedown = %+v", td)
			}
			if td.ScanJobID != job.ID || td.SubjectProfileID != "p1" || td.InfringingURL != "https://host.example/leak" {
				t.Errorf("takedown linkage = %+v", td)
			}
		})
	}
}

func TestExecute_CooperativeCancel(t *testing.T) {
	f := newFixture(t, []domain.PlatformConfig{twoRegionPlatform("a", 0)}, testConfig())
	ctx := context.Background()

	var jobID string
	var calls atomic.Int32
	f.scanners.Register("a", platform.ScannerFunc(func(ctx context.Context, q string, p domain.PlatformID, r domain.Region, limit int) ([]domain.Candidate, error) {
		calls.Add(1)
		if _, err := f.queue.Cancel(ctx, jobID); err != nil {
			t.Errorf("Cancel: %v", err)
		}
		return []domain.Candidate{{URL: "https://x.example/1"}}, nil
	}))

	submitted, err := f.orch.ScheduleScan(ctx, domain.ScanRequest{ProfileID: "p1", Scope: domain.ScopeQuick}, domain.TierNormal)
	if err != nil {
		t.Fatalf("ScheduleScan: %v", err)
	}
	jobID = submitted.ID
	claimed, _, _ := f.queue.Claim(ctx)
	f.orch.Process(ctx, claimed)

	job, res := f.result(t, jobID)
	if job.State != domain.JobStateCancelled {
		t.Fatalf("state = %s, want cancelled", job.State)
	}
	if !res.Cancelled || res.URLsScanned != 1 {
		t.Errorf("partial result = %+v", res)
	}
	if calls.Load() != 1 {
		t.Errorf("scanner calls = %d, want 1 (stop at next safe point)", calls.Load())
	}
	if f.matcher.total() != 0 {
		t.Error("matcher must not run after cancellation")
	}
}

func TestExecute_TerminalFailures(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	tests := []struct {
		name string
		req  domain.ScanRequest
		want domain.ErrorKind
	}{
		{
			name: "unknown platform",
			req:  domain.ScanRequest{ProfileID: "p1", Scope: domain.ScopeTargeted, Platforms: []domain.PlatformID{"nope"}},
			want: domain.KindValidation,
		},
		{
			name: "expired",
			req:  domain.ScanRequest{ProfileID: "p1", Scope: domain.ScopeQuick, ExpiresAt: &past},
			want: domain.KindExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, []domain.PlatformConfig{{Name: "a"}}, testConfig())
			f.scanners.Register("a", staticScanner())

			job, _ := f.runOnce(t, tt.req, domain.TierNormal)
			if job.State != domain.JobStateFailed {
				t.Fatalf("state = %s, want failed", job.State)
			}
			if job.LastErrKind != tt.want {
				t.Errorf("error kind = %s, want %s", job.LastErrKind, tt.want)
			}
		})
	}
}

func TestExecute_AllCallsThrottledRequeues(t *testing.T) {
	a := domain.PlatformConfig{Name: "a", RateLimitPerMinute: 1, PreferredRegions: []domain.RegionID{"us"}}
	f := newFixture(t, []domain.PlatformConfig{a}, testConfig())
	f.scanners.Register("a", staticScanner("https://x.example/1"))

	if !f.limiters.Allow(a) {
		t.Fatal("first token should be available")
	}

	job, _ := f.runOnce(t, domain.ScanRequest{ProfileID: "p1", Scope: domain.ScopeQuick}, domain.TierNormal)

	if job.State != domain.JobStatePending {
		t.Fatalf("state = %s, want pending (requeued)", job.State)
	}
	if job.Attempt != 0 {
		t.Errorf("attempt = %d, want 0 (throttling does not consume attempts)", job.Attempt)
	}
	if job.LastErrKind != domain.KindResourceExhausted {
		t.Errorf("error kind = %s, want resource_exhausted", job.LastErrKind)
	}
}

func TestExecute_ImmediateTierCapped(t *testing.T) {
	f := newFixture(t, []domain.PlatformConfig{
		twoRegionPlatform("a", 40),
		twoRegionPlatform("b", 30),
		twoRegionPlatform("c", 20),
		twoRegionPlatform("d", 10),
	}, testConfig())
	f.scanners.SetFallback(staticScanner())

	job, res := f.runOnce(t, domain.ScanRequest{ProfileID: "new-user", Scope: domain.ScopeComprehensive}, domain.TierImmediate)

	if job.State != domain.JobStateCompleted {
		t.Fatalf("state = %s (%s)", job.State, job.LastError)
	}
	if len(res.PlatformsScanned) != 2 {
		t.Errorf("platforms = %v, want the 2 highest-priority", res.PlatformsScanned)
	}
	if len(res.RegionsUsed) > 1 {
		t.Errorf("regions = %v, want at most 1", res.RegionsUsed)
	}
	if job.DeadlineAt == nil {
		t.Error("immediate scans should carry a deadline")
	}
}

func TestScheduleScan_ImmediateClaimedBeforeUrgent(t *testing.T) {
	f := newFixture(t, []domain.PlatformConfig{{Name: "a"}}, testConfig())
	ctx := context.Background()

	if _, err := f.orch.ScheduleScan(ctx, domain.ScanRequest{ProfileID: "old", Scope: domain.ScopeQuick}, domain.TierUrgent); err != nil {
		t.Fatalf("ScheduleScan: %v", err)
	}
	signup, err := f.orch.ScheduleScan(ctx, domain.ScanRequest{ProfileID: "new", Scope: domain.ScopeQuick}, domain.TierImmediate)
	if err != nil {
		t.Fatalf("ScheduleScan: %v", err)
	}
	if signup.Kind != domain.JobKindQuickScan {
		t.Errorf("kind = %s, want quick_scan", signup.Kind)
	}

	claimed, _, _ := f.queue.Claim(ctx)
	if claimed.ID != signup.ID {
		t.Errorf("claimed %s, want the immediate signup scan", claimed.SubjectID)
	}
}

func TestScheduleScan_RejectsInvalidRequest(t *testing.T) {
	f := newFixture(t, []domain.PlatformConfig{{Name: "a"}}, testConfig())
	_, err := f.orch.ScheduleScan(context.Background(), domain.ScanRequest{Scope: domain.ScopeQuick}, domain.TierNormal)
	if domain.Classify(err) != domain.KindValidation {
		t.Errorf("err = %v, want validation failure", err)
	}
}

func TestProcess_HandlerPanicIsTransient(t *testing.T) {
	f := newFixture(t, []domain.PlatformConfig{{Name: "a"}}, testConfig())
	f.orch.Handle(domain.JobKindMaintenance, HandlerFunc(func(ctx context.Context, job domain.Job) (any, error) {
		panic("boom")
	}))
	ctx := context.Background()

	submitted, _ := f.queue.Submit(ctx, jobs.Submission{Kind: domain.JobKindMaintenance, SubjectID: "system"})
	claimed, _, _ := f.queue.Claim(ctx)
	f.orch.Process(ctx, claimed)

	job, _ := f.queue.Get(ctx, submitted.ID)
	if job.State != domain.JobStateRetry || job.LastErrKind != domain.KindTransient {
		t.Errorf("state=%s kind=%s, want retry/transient", job.State, job.LastErrKind)
	}
}

func TestProcess_MissingHandlerIsValidationFailure(t *testing.T) {
	f := newFixture(t, []domain.PlatformConfig{{Name: "a"}}, testConfig())
	ctx := context.Background()

	submitted, _ := f.queue.Submit(ctx, jobs.Submission{Kind: domain.JobKindTakedownSend, SubjectID: "td-1"})
	claimed, _, _ := f.queue.Claim(ctx)
	f.orch.Process(ctx, claimed)

	job, _ := f.queue.Get(ctx, submitted.ID)
	if job.State != domain.JobStateFailed || job.LastErrKind != domain.KindValidation {
		t.Errorf("state=%s kind=%s, want failed/validation", job.State, job.LastErrKind)
	}
}

func TestRun_ProcessesQueuedJobs(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 3
	f := newFixture(t, []domain.PlatformConfig{{Name: "a"}}, cfg)
	f.scanners.Register("a", staticScanner("https://x.example/1"))

	var ids []string
	for i := 0; i < 5; i++ {
		job, err := f.orch.ScheduleScan(context.Background(), domain.ScanRequest{ProfileID: fmt.Sprintf("p%d", i), Scope: domain.ScopeQuick}, domain.TierNormal)
		if err != nil {
			t.Fatalf("ScheduleScan: %v", err)
		}
		ids = append(ids, job.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.orch.Run(ctx)
		close(done)
	}()

	testutil.WaitFor(t, 2*time.Second, func() bool {
		for _, id := range ids {
			job, _ := f.queue.Get(context.Background(), id)
			if job.State != domain.JobStateCompleted {
				return false
			}
		}
		return true
	})

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

// runUntil starts Run in the background and returns a stop func that cancels
// it and waits for it to exit.
func (f *fixture) runUntil(t *testing.T) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.orch.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not stop after cancel")
		}
	}
}

// TestRun_ThrottledJobWaitsBeforeRetry: a scan whose only platform keeps
// reporting rate limits is parked between attempts instead of being claimed
// again in a tight loop.
func TestRun_ThrottledJobWaitsBeforeRetry(t *testing.T) {
	cfg := testConfig()
	cfg.EmptyPollInterval = time.Second
	jobsCfg := jobs.DefaultConfig()
	jobsCfg.ThrottleDelay = time.Second
	f := newFixtureWithJobs(t, []domain.PlatformConfig{{Name: "a", PreferredRegions: []domain.RegionID{"us"}}}, cfg, jobsCfg)

	var calls atomic.Int32
	f.scanners.Register("a", platform.ScannerFunc(func(ctx context.Context, query string, p domain.PlatformID, r domain.Region, limit int) ([]domain.Candidate, error) {
		calls.Add(1)
		return nil, domain.NewError(domain.KindResourceExhausted, "scanner", fmt.Errorf("429 too many requests"))
	}))

	job, err := f.orch.ScheduleScan(context.Background(), domain.ScanRequest{ProfileID: "p1", Scope: domain.ScopeQuick}, domain.TierNormal)
	if err != nil {
		t.Fatalf("ScheduleScan: %v", err)
	}

	stop := f.runUntil(t)
	testutil.WaitFor(t, time.Second, func() bool { return calls.Load() > 0 })
	time.Sleep(200 * time.Millisecond)
	stop()

	if n := calls.Load(); n > 2 {
		t.Errorf("scanner calls = %d in 200ms, want at most 2", n)
	}
	got, _ := f.queue.Get(context.Background(), job.ID)
	if got.State != domain.JobStatePending {
		t.Errorf("state = %s, want pending", got.State)
	}
	if got.Attempt != 0 {
		t.Errorf("attempt = %d, want 0", got.Attempt)
	}
}

// TestRun_RetriedImmediateJobBeatsLowBacklog: an immediate scan that failed
// once is claimed again as soon as its backoff elapses, ahead of a backlog of
// low-tier scans.
func TestRun_RetriedImmediateJobBeatsLowBacklog(t *testing.T) {
	jobsCfg := jobs.DefaultConfig()
	jobsCfg.Backoff = backoff.Exponential{Base: time.Millisecond, Max: time.Millisecond}
	f := newFixtureWithJobs(t, []domain.PlatformConfig{{Name: "a", PreferredRegions: []domain.RegionID{"us"}}}, testConfig(), jobsCfg)

	var signupCalls, lowCalls atomic.Int32
	f.scanners.Register("a", platform.ScannerFunc(func(ctx context.Context, query string, p domain.PlatformID, r domain.Region, limit int) ([]domain.Candidate, error) {
		if query != "signup" {
			lowCalls.Add(1)
			time.Sleep(2 * time.Millisecond)
			return nil, nil
		}
		if signupCalls.Add(1) == 1 {
			return nil, domain.NewError(domain.KindTransient, "scanner", fmt.Errorf("connection reset"))
		}
		return nil, nil
	}))

	ctx := context.Background()
	signup, err := f.orch.ScheduleScan(ctx, domain.ScanRequest{ProfileID: "signup", Scope: domain.ScopeQuick}, domain.TierImmediate)
	if err != nil {
		t.Fatalf("ScheduleScan: %v", err)
	}
	const backlog = 300
	for i := 0; i < backlog; i++ {
		if _, err := f.orch.ScheduleScan(ctx, domain.ScanRequest{ProfileID: fmt.Sprintf("low-%d", i), Scope: domain.ScopeQuick}, domain.TierLow); err != nil {
			t.Fatalf("ScheduleScan: %v", err)
		}
	}

	stop := f.runUntil(t)
	var lowAtCompletion int32
	testutil.WaitFor(t, 2*time.Second, func() bool {
		job, _ := f.queue.Get(ctx, signup.ID)
		if job.State != domain.JobStateCompleted {
			return false
		}
		lowAtCompletion = lowCalls.Load()
		return true
	})
	stop()

	if signupCalls.Load() != 2 {
		t.Errorf("signup scanner calls = %d, want 2", signupCalls.Load())
	}
	if lowAtCompletion > 20 {
		t.Errorf("low scans before the retry = %d of %d, want the retry claimed within a few passes", lowAtCompletion, backlog)
	}
}

// TestRun_ForceRequeueAfterGrace: a job stuck in an external call when the
// grace period ends is returned to the ready index without losing an attempt.
func TestRun_ForceRequeueAfterGrace(t *testing.T) {
	cfg := testConfig()
	cfg.CallTimeout = 0
	f := newFixture(t, []domain.PlatformConfig{{Name: "a", PreferredRegions: []domain.RegionID{"us"}}}, cfg)
	var started atomic.Int32
	f.scanners.Register("a", blockingScanner(&started))

	job, err := f.orch.ScheduleScan(context.Background(), domain.ScanRequest{ProfileID: "p1", Scope: domain.ScopeQuick}, domain.TierNormal)
	if err != nil {
		t.Fatalf("ScheduleScan: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.orch.Run(ctx)
		close(done)
	}()

	testutil.WaitFor(t, 2*time.Second, func() bool { return started.Load() > 0 })
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after grace period")
	}

	got, _ := f.queue.Get(context.Background(), job.ID)
	if got.State != domain.JobStatePending {
		t.Errorf("state = %s, want pending", got.State)
	}
	if got.Attempt != 0 {
		t.Errorf("attempt = %d, want 0", got.Attempt)
	}
	if _, ok, _ := f.queue.Claim(context.Background()); !ok {
		t.Error("requeued job should be claimable again")
	}
}
