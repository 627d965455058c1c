package takedown

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/djlord-it/contentguard/internal/backoff"
	"github.com/djlord-it/contentguard/internal/domain"
	"github.com/djlord-it/contentguard/internal/jobs"
	"github.com/djlord-it/contentguard/internal/store"
	"github.com/djlord-it/contentguard/internal/testutil"
)

type fakeResolver struct {
	mu       sync.Mutex
	contacts map[string]domain.Contact
	calls    int
}

func (r *fakeResolver) Resolve(ctx context.Context, host string) (domain.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.contacts[host], nil
}

func (r *fakeResolver) set(host string, c domain.Contact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contacts[host] = c
}

type fakeSender struct {
	mu       sync.Mutex
	failures int
	err      error
	sent     []Notice
}

func (s *fakeSender) Send(ctx context.Context, n Notice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return s.err
	}
	s.sent = append(s.sent, n)
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []domain.Notification
}

func (n *fakeNotifier) Queue(ctx context.Context, note domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return nil
}

func (n *fakeNotifier) subjects() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, s := range n.sent {
		out = append(out, s.Subject)
	}
	return out
}

type fakeChecker struct {
	delisted map[string]bool
}

func (c *fakeChecker) Delisted(ctx context.Context, u string) (bool, error) {
	return c.delisted[u], nil
}

type fixture struct {
	q        *Queue
	clock    *testutil.FakeClock
	resolver *fakeResolver
	sender   *fakeSender
	notifier *fakeNotifier
	jobs     *jobs.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	renderer, err := NewRenderer(Identity{Name: "Rights Desk", Email: "dmca@contentguard.test"}, "", "")
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	s := store.NewMemoryStore()
	f := &fixture{
		clock: clock,
		resolver: &fakeResolver{contacts: map[string]domain.Contact{
			"host.example": {Email: "abuse@host.example"},
		}},
		sender:   &fakeSender{err: domain.NewError(domain.KindTransient, "smtp", errors.New("connection refused"))},
		notifier: &fakeNotifier{},
		jobs:     jobs.New(jobs.DefaultConfig(), s, store.DefaultScorer()).WithClock(clock.Now),
	}

	cfg := DefaultConfig()
	cfg.Backoff = backoff.Exponential{Base: time.Minute, Max: time.Hour}
	cfg.HighValueHosts = map[string]bool{"bigtube.example": true}
	f.q = New(cfg, s, store.DefaultScorer(), renderer, f.resolver, f.sender).
		WithClock(clock.Now).
		WithNotifier(f.notifier).
		WithFollowups(f.jobs)
	return f
}

func (f *fixture) enqueue(t *testing.T, url string, confidence float64) domain.TakedownRequest {
	t.Helper()
	req, err := f.q.Enqueue(context.Background(), domain.TakedownRequest{
		SubjectProfileID: "profile-1",
		ScanJobID:        "job-1",
		InfringingURL:    url,
		Confidence:       confidence,
		MatchType:        "image",
		Tier:             domain.TierHigh,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return req
}

func (f *fixture) get(t *testing.T, id string) domain.TakedownRequest {
	t.Helper()
	req, err := f.q.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return req
}

// TestTakedown_HighConfidenceMatchIsSent: a 0.92 match becomes one Pending
// request; processing it with a reachable contact sends it with a deadline
// 14 days out.
func TestTakedown_HighConfidenceMatchIsSent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.enqueue(t, "https://www.Host.example/watch/123", 0.92)
	if req.Status != domain.TakedownPending {
		t.Fatalf("status = %s, want pending", req.Status)
	}
	if req.HostingProvider != "host.example" || req.ContactEmail != "abuse@host.example" {
		t.Errorf("host=%q contact=%q", req.HostingProvider, req.ContactEmail)
	}

	res, err := f.q.ProcessBatch(ctx, 10)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if res.Processed != 1 || res.Sent != 1 {
		t.Errorf("batch = %+v, want 1 processed and sent", res)
	}

	got := f.get(t, req.ID)
	if got.Status != domain.TakedownSent {
		t.Fatalf("status = %s, want sent", got.Status)
	}
	wantDeadline := f.clock.Now().Add(14 * 24 * time.Hour)
	if got.DeadlineAt == nil || !got.DeadlineAt.Equal(wantDeadline) {
		t.Errorf("deadline = %v, want %v", got.DeadlineAt, wantDeadline)
	}
	if got.SentAt == nil {
		t.Error("sentAt not recorded")
	}
	if len(got.Notes) < 3 {
		t.Errorf("notes = %+v, want a note per transition", got.Notes)
	}

	if len(f.sender.sent) != 1 {
		t.Fatalf("notices sent = %d, want 1", len(f.sender.sent))
	}
	notice := f.sender.sent[0]
	if notice.To != "abuse@host.example" || !strings.Contains(notice.Body, "https://www.Host.example/watch/123") {
		t.Errorf("notice = %+v", notice)
	}

	subjects := f.notifier.subjects()
	if len(subjects) != 1 || !strings.Contains(subjects[0], "sent") {
		t.Errorf("notifications = %v, want one for sent", subjects)
	}
}

// TestTakedown_RetryExhaustion: three failed sends with maxAttempts=3 end in
// Failed with attempt=3.
func TestTakedown_RetryExhaustion(t *testing.T) {
	f := newFixture(t)
	f.sender.failures = 100
	ctx := context.Background()

	req := f.enqueue(t, "https://host.example/v/1", 0.9)

	var lastDelay time.Duration
	for attempt := 1; attempt <= 3; attempt++ {
		if _, err := f.q.ProcessBatch(ctx, 10); err != nil {
			t.Fatalf("ProcessBatch: %v", err)
		}
		got := f.get(t, req.ID)
		if got.Attempt != attempt {
			t.Fatalf("attempt = %d, want %d", got.Attempt, attempt)
		}
		if attempt < 3 {
			if got.Status != domain.TakedownRetry || got.RetryAfter == nil {
				t.Fatalf("attempt %d: status = %s, want retry", attempt, got.Status)
			}
			delay := got.RetryAfter.Sub(f.clock.Now())
			if delay < lastDelay {
				t.Errorf("backoff decreased: %s after %s", delay, lastDelay)
			}
			lastDelay = delay

			// Not due yet: nothing is processed.
			if res, _ := f.q.ProcessBatch(ctx, 10); res.Processed != 0 {
				t.Errorf("retry processed before RetryAfter")
			}
			f.clock.Set(*got.RetryAfter)
		}
	}

	got := f.get(t, req.ID)
	if got.Status != domain.TakedownFailed || got.Attempt != 3 {
		t.Fatalf("final = %s attempt %d, want failed attempt 3", got.Status, got.Attempt)
	}
	if got.LastErrKind != domain.KindTransient || got.LastError == "" {
		t.Errorf("last error = %q (%s)", got.LastError, got.LastErrKind)
	}

	if res, _ := f.q.ProcessBatch(ctx, 10); res.Processed != 0 {
		t.Error("failed request must never be processed again")
	}
	subjects := f.notifier.subjects()
	if len(subjects) != 1 || !strings.Contains(subjects[0], "failed") {
		t.Errorf("notifications = %v, want one for failed", subjects)
	}
}

func TestTakedown_ValidationFailureIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.sender.failures = 1
	f.sender.err = domain.NewError(domain.KindValidation, "form", errors.New("form rejected notice"))

	req := f.enqueue(t, "https://host.example/v/1", 0.9)
	res, _ := f.q.ProcessBatch(context.Background(), 10)
	if res.Failed != 1 {
		t.Errorf("batch = %+v, want 1 failed", res)
	}
	got := f.get(t, req.ID)
	if got.Status != domain.TakedownFailed || got.Attempt != 1 {
		t.Errorf("status = %s attempt %d, want failed attempt 1", got.Status, got.Attempt)
	}
}

func TestTakedown_MissingContactRetriesAndResolvesLater(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.enqueue(t, "https://unknown.example/v/1", 0.9)
	if req.ContactEmail != "" || req.ContactFormURL != "" {
		t.Fatalf("unexpected contact %+v", req)
	}

	_, _ = f.q.ProcessBatch(ctx, 10)
	got := f.get(t, req.ID)
	if got.Status != domain.TakedownRetry {
		t.Fatalf("status = %s, want retry", got.Status)
	}

	f.resolver.set("unknown.example", domain.Contact{FormURL: "https://unknown.example/dmca"})
	f.clock.Set(*got.RetryAfter)
	_, _ = f.q.ProcessBatch(ctx, 10)

	got = f.get(t, req.ID)
	if got.Status != domain.TakedownSent || got.ContactFormURL != "https://unknown.example/dmca" {
		t.Errorf("status = %s form = %q, want sent via form", got.Status, got.ContactFormURL)
	}
}

func TestTakedown_PriorityOrder(t *testing.T) {
	f := newFixture(t)
	f.resolver.set("bigtube.example", domain.Contact{Email: "legal@bigtube.example"})
	ctx := context.Background()

	f.enqueue(t, "https://host.example/a", 0.86)
	f.clock.Advance(time.Second)
	f.enqueue(t, "https://bigtube.example/b", 0.86)
	f.clock.Advance(time.Second)
	urgent, _ := f.q.Enqueue(ctx, domain.TakedownRequest{
		SubjectProfileID: "profile-1",
		InfringingURL:    "https://host.example/c",
		Confidence:       0.99,
		Tier:             domain.TierUrgent,
	})

	if _, err := f.q.ProcessBatch(ctx, 1); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if len(f.sender.sent) != 1 || f.sender.sent[0].RequestID != urgent.ID {
		t.Fatalf("first notice should be the urgent request")
	}

	_, _ = f.q.ProcessBatch(ctx, 1)
	if !strings.Contains(f.sender.sent[1].Body, "bigtube.example/b") {
		t.Error("high-value host should be sent before an older ordinary host")
	}
}

// TestTakedown_DeadlineExpiresOnce: a Sent request past its deadline is
// expired by exactly one sweep and gets one follow-up job.
func TestTakedown_DeadlineExpiresOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.enqueue(t, "https://host.example/v/1", 0.9)
	_, _ = f.q.ProcessBatch(ctx, 10)

	f.clock.Advance(13 * 24 * time.Hour)
	if n, _ := f.q.SweepDeadlines(ctx, 100); n != 0 {
		t.Fatalf("expired %d before deadline", n)
	}

	f.clock.Advance(2 * 24 * time.Hour)
	n, err := f.q.SweepDeadlines(ctx, 100)
	if err != nil {
		t.Fatalf("SweepDeadlines: %v", err)
	}
	if n != 1 {
		t.Fatalf("first sweep expired %d, want 1", n)
	}
	if n, _ := f.q.SweepDeadlines(ctx, 100); n != 0 {
		t.Errorf("second sweep expired %d, want 0", n)
	}

	got := f.get(t, req.ID)
	if got.Status != domain.TakedownExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}

	depths, _ := f.jobs.Depths(ctx)
	if depths["ready"] != 1 {
		t.Errorf("follow-up jobs ready = %d, want 1", depths["ready"])
	}
	job, ok, _ := f.jobs.Claim(ctx)
	if !ok || job.Kind != domain.JobKindTakedownFollowup || job.SubjectID != req.ID {
		t.Errorf("follow-up job = %+v", job)
	}
}

func TestTakedown_RecordResponse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.enqueue(t, "https://host.example/v/1", 0.9)

	if _, err := f.q.RecordResponse(ctx, req.ID, domain.TakedownComplied, ""); !errors.Is(err, ErrTransitionDenied) {
		t.Errorf("response on pending request: err = %v, want ErrTransitionDenied", err)
	}
	if _, err := f.q.RecordResponse(ctx, req.ID, domain.TakedownSent, ""); domain.Classify(err) != domain.KindValidation {
		t.Errorf("non-response status: err = %v, want validation", err)
	}

	_, _ = f.q.ProcessBatch(ctx, 10)
	if _, err := f.q.RecordResponse(ctx, req.ID, domain.TakedownAcknowledged, "ticket #55"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	got, err := f.q.RecordResponse(ctx, req.ID, domain.TakedownComplied, "removed")
	if err != nil {
		t.Fatalf("comply: %v", err)
	}
	if got.Status != domain.TakedownComplied {
		t.Errorf("status = %s, want complied", got.Status)
	}
	last := got.Notes[len(got.Notes)-1]
	if !strings.Contains(last.Text, "removed") {
		t.Errorf("last note = %q", last.Text)
	}

	f.clock.Advance(30 * 24 * time.Hour)
	if n, _ := f.q.SweepDeadlines(ctx, 100); n != 0 {
		t.Error("complied request must not expire")
	}
	if _, err := f.q.RecordResponse(ctx, req.ID, domain.TakedownRejected, ""); !errors.Is(err, ErrTransitionDenied) {
		t.Errorf("response after terminal: err = %v", err)
	}
}

func TestTakedown_CheckDelisting(t *testing.T) {
	f := newFixture(t)
	checker := &fakeChecker{delisted: map[string]bool{}}
	f.q.WithDelistingChecker(checker)
	ctx := context.Background()

	req := f.enqueue(t, "https://host.example/v/1", 0.9)
	_, _ = f.q.ProcessBatch(ctx, 10)

	f.clock.Advance(25 * time.Hour)
	if n, _ := f.q.CheckDelisting(ctx, 10); n != 0 {
		t.Fatalf("delisted %d while still indexed", n)
	}

	checker.delisted["https://host.example/v/1"] = true
	f.clock.Advance(25 * time.Hour)
	if n, _ := f.q.CheckDelisting(ctx, 10); n != 1 {
		t.Fatalf("delisted %d, want 1", n)
	}
	if got := f.get(t, req.ID); got.Status != domain.TakedownDelisted {
		t.Errorf("status = %s, want delisted", got.Status)
	}
	if n, _ := f.q.SweepDeadlines(ctx, 100); n != 0 {
		t.Error("delisted request must not expire")
	}
}

func TestTakedown_ReclaimStaleProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.enqueue(t, "https://host.example/v/1", 0.9)
	if _, _, ok, _ := f.q.ready.Pop(ctx); !ok {
		t.Fatal("expected ready entry")
	}
	req.Status = domain.TakedownProcessing
	if err := f.q.records.Put(ctx, req.ID, req); err != nil {
		t.Fatalf("Put: %v", err)
	}
	_ = f.q.processing.Schedule(ctx, req.ID, f.clock.Now().Add(10*time.Minute))

	if n, _ := f.q.ReclaimStale(ctx, 10); n != 0 {
		t.Fatalf("reclaimed %d before timeout", n)
	}
	f.clock.Advance(11 * time.Minute)
	if n, _ := f.q.ReclaimStale(ctx, 10); n != 1 {
		t.Fatalf("reclaimed %d, want 1", n)
	}
	got := f.get(t, req.ID)
	if got.Status != domain.TakedownRetry || got.Attempt != 1 {
		t.Errorf("status = %s attempt %d, want retry attempt 1", got.Status, got.Attempt)
	}
}

func TestTakedown_EnqueueValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		req  domain.TakedownRequest
	}{
		{"no host", domain.TakedownRequest{SubjectProfileID: "p", InfringingURL: "not a url"}},
		{"no profile", domain.TakedownRequest{InfringingURL: "https://host.example/x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.q.Enqueue(context.Background(), tt.req)
			if domain.Classify(err) != domain.KindValidation {
				t.Errorf("err = %v, want validation", err)
			}
		})
	}
}

func TestTakedown_PruneRemovesOldTerminal(t *testing.T) {
	f := newFixture(t)
	f.sender.failures = 1
	f.sender.err = domain.NewError(domain.KindValidation, "send", errors.New("bad"))
	ctx := context.Background()

	req := f.enqueue(t, "https://host.example/v/1", 0.9)
	_, _ = f.q.ProcessBatch(ctx, 10)

	if n, _ := f.q.Prune(ctx, 10); n != 0 {
		t.Fatalf("pruned %d inside retention", n)
	}
	f.clock.Advance(91 * 24 * time.Hour)
	if n, _ := f.q.Prune(ctx, 10); n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if _, err := f.q.Get(ctx, req.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get after prune: %v", err)
	}
}

// TestTakedown_ThrottledSendKeepsAttempts: a provider that keeps rate
// limiting delays the notice but never exhausts its attempts.
func TestTakedown_ThrottledSendKeepsAttempts(t *testing.T) {
	f := newFixture(t)
	f.sender.failures = 100
	f.sender.err = domain.NewError(domain.KindResourceExhausted, "smtp", errors.New("421 too many messages"))
	ctx := context.Background()

	req := f.enqueue(t, "https://host.example/v/1", 0.9)

	for pass := 0; pass < 10; pass++ {
		res, err := f.q.ProcessBatch(ctx, 10)
		if err != nil {
			t.Fatalf("ProcessBatch: %v", err)
		}
		if res.Retried != 1 || res.Failed != 0 {
			t.Fatalf("pass %d: batch = %+v, want 1 retried", pass, res)
		}
		got := f.get(t, req.ID)
		if got.Status != domain.TakedownRetry || got.Attempt != 0 {
			t.Fatalf("pass %d: status = %s attempt %d, want retry attempt 0", pass, got.Status, got.Attempt)
		}
		if got.LastErrKind != domain.KindResourceExhausted {
			t.Errorf("pass %d: error kind = %s", pass, got.LastErrKind)
		}
		if want := f.clock.Now().Add(time.Minute); got.RetryAfter == nil || !got.RetryAfter.Equal(want) {
			t.Fatalf("pass %d: retry after = %v, want %v", pass, got.RetryAfter, want)
		}
		f.clock.Set(*got.RetryAfter)
	}

	if subjects := f.notifier.subjects(); len(subjects) != 0 {
		t.Errorf("notifications = %v, want none while throttled", subjects)
	}

	f.sender.failures = 0
	if _, err := f.q.ProcessBatch(ctx, 10); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	got := f.get(t, req.ID)
	if got.Status != domain.TakedownSent || got.Attempt != 0 {
		t.Errorf("status = %s attempt %d, want sent attempt 0", got.Status, got.Attempt)
	}
}

// TestTakedown_EnqueueSameURLReturnsOpenRequest: the same infringing URL
// found by a later scan does not produce a second notice.
func TestTakedown_EnqueueSameURLReturnsOpenRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.enqueue(t, "https://host.example/v/1", 0.9)
	if _, err := f.q.ProcessBatch(ctx, 10); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	f.clock.Advance(24 * time.Hour)
	again := f.enqueue(t, "https://HOST.example/v/1/?utm_source=feed", 0.95)
	if again.ID != first.ID {
		t.Fatalf("second enqueue id = %s, want the open request %s", again.ID, first.ID)
	}
	if again.Status != domain.TakedownSent {
		t.Errorf("returned status = %s, want sent", again.Status)
	}
	if _, err := f.q.ProcessBatch(ctx, 10); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if len(f.sender.sent) != 1 {
		t.Errorf("notices sent = %d, want 1", len(f.sender.sent))
	}
	if depths, _ := f.q.Depths(ctx); depths["ready"] != 0 {
		t.Errorf("ready depth = %d, want 0", depths["ready"])
	}

	other, err := f.q.Enqueue(ctx, domain.TakedownRequest{
		SubjectProfileID: "profile-2",
		InfringingURL:    "https://host.example/v/1",
		Confidence:       0.9,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if other.ID == first.ID {
		t.Error("another profile's match must get its own request")
	}
}

func TestTakedown_EnqueueAfterTerminalCreatesNewRequest(t *testing.T) {
	f := newFixture(t)
	f.sender.failures = 1
	f.sender.err = domain.NewError(domain.KindValidation, "form", errors.New("form rejected notice"))
	ctx := context.Background()

	first := f.enqueue(t, "https://host.example/v/1", 0.9)
	_, _ = f.q.ProcessBatch(ctx, 10)
	if got := f.get(t, first.ID); got.Status != domain.TakedownFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}

	second := f.enqueue(t, "https://host.example/v/1", 0.9)
	if second.ID == first.ID || second.Status != domain.TakedownPending {
		t.Fatalf("second = %s (%s), want a new pending request", second.ID, second.Status)
	}
	third := f.enqueue(t, "https://host.example/v/1", 0.9)
	if third.ID != second.ID {
		t.Errorf("third enqueue id = %s, want the new open request %s", third.ID, second.ID)
	}
}

type blockingSender struct {
	started chan string
	release chan struct{}
}

func (s *blockingSender) Send(ctx context.Context, n Notice) error {
	s.started <- n.RequestID
	<-s.release
	return nil
}

// TestTakedown_SendDoesNotHoldRequestLock: while a notice is in flight the
// request stays reachable for the watchdog, and a send that finishes after
// the request was reclaimed does not overwrite the newer state.
func TestTakedown_SendDoesNotHoldRequestLock(t *testing.T) {
	f := newFixture(t)
	sender := &blockingSender{started: make(chan string, 1), release: make(chan struct{})}
	f.q.sender = sender
	ctx := context.Background()

	req := f.enqueue(t, "https://host.example/v/1", 0.9)

	batch := make(chan BatchResult, 1)
	go func() {
		res, _ := f.q.ProcessBatch(ctx, 10)
		batch <- res
	}()

	select {
	case <-sender.started:
	case <-time.After(2 * time.Second):
		t.Fatal("send never started")
	}
	if got := f.get(t, req.ID); got.Status != domain.TakedownProcessing {
		t.Fatalf("status during send = %s, want processing", got.Status)
	}

	f.clock.Advance(11 * time.Minute)
	reclaimed := make(chan int, 1)
	go func() {
		n, _ := f.q.ReclaimStale(ctx, 10)
		reclaimed <- n
	}()
	select {
	case n := <-reclaimed:
		if n != 1 {
			t.Fatalf("reclaimed %d, want 1", n)
		}
	case <-time.After(2 * time.Second):
		close(sender.release)
		t.Fatal("reclaim blocked behind an in-flight send")
	}

	close(sender.release)
	select {
	case res := <-batch:
		if res.Sent != 0 {
			t.Errorf("batch = %+v, want the late outcome dropped", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ProcessBatch did not return")
	}

	got := f.get(t, req.ID)
	if got.Status != domain.TakedownRetry || got.Attempt != 1 {
		t.Errorf("status = %s attempt %d, want retry attempt 1 from the reclaim", got.Status, got.Attempt)
	}
}
