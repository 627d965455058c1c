package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/djlord-it/contentguard/internal/backoff"
	"github.com/djlord-it/contentguard/internal/domain"
	"github.com/djlord-it/contentguard/internal/store"
	"github.com/djlord-it/contentguard/internal/testutil"
)

func newTestQueue(t *testing.T) (*Queue, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	cfg := DefaultConfig()
	cfg.Backoff = backoff.Exponential{Base: time.Second, Max: time.Minute}
	q := New(cfg, store.NewMemoryStore(), store.DefaultScorer()).WithClock(clock.Now)
	return q, clock
}

func mustSubmit(t *testing.T, q *Queue, sub Submission) domain.Job {
	t.Helper()
	job, err := q.Submit(context.Background(), sub)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return job
}

func mustClaim(t *testing.T, q *Queue) domain.Job {
	t.Helper()
	job, ok, err := q.Claim(context.Background())
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !ok {
		t.Fatal("Claim: nothing ready")
	}
	return job
}

func TestQueue_UrgentClaimedBeforeQueuedNormals(t *testing.T) {
	q, clock := newTestQueue(t)

	mustSubmit(t, q, Submission{Kind: domain.JobKindFullScan, SubjectID: "p1", Tier: domain.TierNormal})
	clock.Advance(time.Second)
	mustSubmit(t, q, Submission{Kind: domain.JobKindFullScan, SubjectID: "p2", Tier: domain.TierNormal})
	clock.Advance(time.Second)
	urgent := mustSubmit(t, q, Submission{Kind: domain.JobKindQuickScan, SubjectID: "p3", Tier: domain.TierUrgent})

	got := mustClaim(t, q)
	if got.ID != urgent.ID {
		t.Errorf("claimed %s (%s), want urgent job %s", got.ID, got.Tier, urgent.ID)
	}
	if got.State != domain.JobStateRunning || got.Attempt != 1 || got.Lease == "" {
		t.Errorf("claimed job = state %s attempt %d lease %q", got.State, got.Attempt, got.Lease)
	}
}

func TestQueue_RetryExhaustion(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	job := mustSubmit(t, q, Submission{Kind: domain.JobKindFullScan, SubjectID: "p1", MaxAttempts: 3})

	var lastDelay time.Duration
	for attempt := 1; attempt <= 3; attempt++ {
		if _, err := q.PromoteDue(ctx, 10); err != nil {
			t.Fatalf("PromoteDue: %v", err)
		}
		claimed := mustClaim(t, q)
		if claimed.ID != job.ID || claimed.Attempt != attempt {
			t.Fatalf("attempt %d: claimed %s attempt %d", attempt, claimed.ID, claimed.Attempt)
		}

		after, err := q.Fail(ctx, claimed, errors.New("scanner 503"))
		if err != nil {
			t.Fatalf("Fail: %v", err)
		}

		if attempt < 3 {
			if after.State != domain.JobStateRetry {
				t.Fatalf("attempt %d: state = %s, want retry", attempt, after.State)
			}
			delay := after.NextRunAt.Sub(clock.Now())
			if delay < lastDelay {
				t.Errorf("backoff decreased: %s after %s", delay, lastDelay)
			}
			lastDelay = delay

			// Not claimable before the backoff elapses.
			if _, ok, _ := q.Claim(ctx); ok {
				t.Fatal("retrying job claimed before its backoff elapsed")
			}
			clock.Advance(delay)
		}
	}

	final, err := q.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.State != domain.JobStateFailed || final.Attempt != 3 {
		t.Errorf("final = state %s attempt %d, want failed/3", final.State, final.Attempt)
	}
	if final.LastErrKind != domain.KindTransient {
		t.Errorf("LastErrKind = %s, want transient", final.LastErrKind)
	}

	clock.Advance(time.Hour)
	_, _ = q.PromoteDue(ctx, 10)
	if _, ok, _ := q.Claim(ctx); ok {
		t.Error("failed job must never become claimable again")
	}
}

func TestQueue_ValidationFailureIsTerminal(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	mustSubmit(t, q, Submission{Kind: domain.JobKindFullScan, SubjectID: "p1", MaxAttempts: 5})
	claimed := mustClaim(t, q)

	after, err := q.Fail(ctx, claimed, domain.NewError(domain.KindValidation, "parse", errors.New("unknown platform")))
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if after.State != domain.JobStateFailed || after.Attempt != 1 {
		t.Errorf("state = %s attempt = %d, want failed/1", after.State, after.Attempt)
	}
}

func TestQueue_ExpiredIsDistinguishable(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	mustSubmit(t, q, Submission{Kind: domain.JobKindQuickScan, SubjectID: "p1"})
	claimed := mustClaim(t, q)

	after, _ := q.Fail(ctx, claimed, domain.ErrExpired)
	if after.State != domain.JobStateFailed || after.LastErrKind != domain.KindExpired {
		t.Errorf("state = %s kind = %s, want failed/expired", after.State, after.LastErrKind)
	}
}

func TestQueue_ResourceExhaustionRequeuesUnchanged(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	job := mustSubmit(t, q, Submission{Kind: domain.JobKindFullScan, SubjectID: "p1"})
	claimed := mustClaim(t, q)
	clock.Advance(time.Minute)

	after, err := q.Fail(ctx, claimed, fmt.Errorf("limiter: %w", domain.ErrResourceExhausted))
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if after.State != domain.JobStatePending || after.Attempt != 0 {
		t.Errorf("state = %s attempt = %d, want pending/0", after.State, after.Attempt)
	}
	if after.Score != job.Score {
		t.Errorf("score changed: %v -> %v", job.Score, after.Score)
	}
	if want := clock.Now().Add(q.config.ThrottleDelay); !after.NextRunAt.Equal(want) {
		t.Errorf("next run = %v, want %v", after.NextRunAt, want)
	}

	clock.Advance(time.Second)
	if n, _ := q.PromoteDue(ctx, 10); n != 0 {
		t.Errorf("promoted %d before the throttle delay elapsed", n)
	}
	if _, ok, _ := q.Claim(ctx); ok {
		t.Fatal("throttled job must not be claimable before the throttle delay")
	}

	clock.Advance(q.config.ThrottleDelay)
	if n, err := q.PromoteDue(ctx, 10); err != nil || n != 1 {
		t.Fatalf("PromoteDue = %d, %v; want 1", n, err)
	}
	again := mustClaim(t, q)
	if again.ID != job.ID || again.Attempt != 1 {
		t.Errorf("reclaimed %s attempt %d", again.ID, again.Attempt)
	}
	if again.Score != job.Score {
		t.Errorf("score after throttle = %v, want %v", again.Score, job.Score)
	}
}

func TestQueue_RequeueIsImmediatelyClaimable(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job := mustSubmit(t, q, Submission{Kind: domain.JobKindFullScan, SubjectID: "p1"})
	claimed := mustClaim(t, q)
	if err := q.Requeue(ctx, claimed); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	again := mustClaim(t, q)
	if again.ID != job.ID || again.Attempt != 1 {
		t.Errorf("reclaimed %s attempt %d, want %s attempt 1", again.ID, again.Attempt, job.ID)
	}
}

func TestQueue_CancelPendingRemovesFromIndex(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job := mustSubmit(t, q, Submission{Kind: domain.JobKindFullScan, SubjectID: "p1"})
	ok, err := q.Cancel(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("Cancel = %v, %v", ok, err)
	}
	if _, ok, _ := q.Claim(ctx); ok {
		t.Error("cancelled job must not be claimable")
	}
	got, _ := q.Get(ctx, job.ID)
	if got.State != domain.JobStateCancelled {
		t.Errorf("state = %s, want cancelled", got.State)
	}

	ok, _ = q.Cancel(ctx, job.ID)
	if ok {
		t.Error("cancelling a terminal job should return false")
	}
}

func TestQueue_CancelRunningIsCooperative(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	mustSubmit(t, q, Submission{Kind: domain.JobKindFullScan, SubjectID: "p1"})
	claimed := mustClaim(t, q)

	ok, err := q.Cancel(ctx, claimed.ID)
	if err != nil || !ok {
		t.Fatalf("Cancel = %v, %v", ok, err)
	}
	requested, _ := q.CancelRequested(ctx, claimed.ID)
	if !requested {
		t.Fatal("CancelRequested should be true")
	}
	got, _ := q.Get(ctx, claimed.ID)
	if got.State != domain.JobStateRunning {
		t.Errorf("running job state changed to %s before worker observed cancellation", got.State)
	}

	if err := q.MarkCancelled(ctx, claimed, map[string]int{"urls_scanned": 3}); err != nil {
		t.Fatalf("MarkCancelled: %v", err)
	}
	got, _ = q.Get(ctx, claimed.ID)
	if got.State != domain.JobStateCancelled || len(got.LastResult) == 0 {
		t.Errorf("state = %s result = %s", got.State, got.LastResult)
	}
}

func TestQueue_ReclaimInvalidatesStaleLease(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	mustSubmit(t, q, Submission{Kind: domain.JobKindFullScan, SubjectID: "p1", MaxAttempts: 3})
	stale := mustClaim(t, q)

	if n, _ := q.ReclaimStale(ctx, 10); n != 0 {
		t.Fatalf("reclaimed %d before timeout", n)
	}

	clock.Advance(q.config.RunTimeout + time.Second)
	n, err := q.ReclaimStale(ctx, 10)
	if err != nil || n != 1 {
		t.Fatalf("ReclaimStale = %d, %v", n, err)
	}

	got, _ := q.Get(ctx, stale.ID)
	if got.State != domain.JobStateRetry {
		t.Errorf("reclaimed state = %s, want retry", got.State)
	}

	if err := q.Complete(ctx, stale, nil); !errors.Is(err, ErrNotRunning) && !errors.Is(err, ErrLeaseLost) {
		t.Errorf("stale Complete error = %v, want ErrNotRunning or ErrLeaseLost", err)
	}

	clock.Advance(time.Hour)
	_, _ = q.PromoteDue(ctx, 10)
	fresh := mustClaim(t, q)
	if err := q.Complete(ctx, stale, nil); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("stale Complete after re-claim error = %v, want ErrLeaseLost", err)
	}
	if err := q.Complete(ctx, fresh, map[string]int{"ok": 1}); err != nil {
		t.Errorf("fresh Complete: %v", err)
	}
}

func TestQueue_DelayedSubmitNotClaimableUntilDue(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	job := mustSubmit(t, q, Submission{
		Kind:      domain.JobKindFullScan,
		SubjectID: "p1",
		RunAt:     clock.Now().Add(10 * time.Minute),
	})

	_, _ = q.PromoteDue(ctx, 10)
	if _, ok, _ := q.Claim(ctx); ok {
		t.Fatal("future job claimed early")
	}

	clock.Advance(10 * time.Minute)
	n, _ := q.PromoteDue(ctx, 10)
	if n != 1 {
		t.Fatalf("promoted %d, want 1", n)
	}
	if got := mustClaim(t, q); got.ID != job.ID {
		t.Errorf("claimed %s, want %s", got.ID, job.ID)
	}
}

func TestQueue_PruneOldTerminalJobs(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	mustSubmit(t, q, Submission{Kind: domain.JobKindFullScan, SubjectID: "p1"})
	claimed := mustClaim(t, q)
	if err := q.Complete(ctx, claimed, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if n, _ := q.Prune(ctx, 10); n != 0 {
		t.Fatalf("pruned %d before retention elapsed", n)
	}
	clock.Advance(q.config.Retention + time.Minute)
	if n, _ := q.Prune(ctx, 10); n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if _, err := q.Get(ctx, claimed.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("pruned job still readable: %v", err)
	}
}

func TestQueue_SubmitRejectsUnknownKind(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.Submit(context.Background(), Submission{Kind: "bogus"})
	if domain.Classify(err) != domain.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestQueue_ConcurrentClaimAtMostOnce(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	const total = 200
	for i := 0; i < total; i++ {
		mustSubmit(t, q, Submission{Kind: domain.JobKindFullScan, SubjectID: fmt.Sprintf("p%d", i)})
	}

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, ok, err := q.Claim(ctx)
				if err != nil || !ok {
					return
				}
				mu.Lock()
				if seen[job.ID] {
					t.Errorf("job %s claimed twice", job.ID)
				}
				seen[job.ID] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Errorf("claimed %d jobs, want %d", len(seen), total)
	}
}
