// Package takedown manages DMCA takedown requests from discovery to a final
// outcome: contact resolution, prioritised notice delivery with retry,
// response tracking, the response-deadline sweep and delisting checks.
//
// Indexes kept under the "takedown" prefix:
//
//	takedown:ready       priority index of Pending requests
//	takedown:retry       time index of Retry requests keyed by RetryAfter
//	takedown:processing  time index of Processing requests keyed by claim expiry
//	takedown:deadline    time index of Sent/Acknowledged requests keyed by DeadlineAt
//	takedown:delist      time index of Sent/Acknowledged requests keyed by next delisting check
//	takedown:archive     time index of terminal requests keyed by completion time
//	takedown:url:<profile>:<url>  id of the open request for a normalized URL
package takedown

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/contentguard/internal/backoff"
	"github.com/djlord-it/contentguard/internal/domain"
	"github.com/djlord-it/contentguard/internal/jobs"
	"github.com/djlord-it/contentguard/internal/store"
)

// ErrTransitionDenied is returned when a status change is not permitted from
// the request's current status.
var ErrTransitionDenied = errors.New("takedown status transition denied")

type ContactResolver interface {
	Resolve(ctx context.Context, host string) (domain.Contact, error)
}

// Sender delivers a rendered notice through the contact channel it names.
type Sender interface {
	Send(ctx context.Context, notice Notice) error
}

type DelistingChecker interface {
	Delisted(ctx context.Context, infringingURL string) (bool, error)
}

// Notifier queues a user-facing notification. It must not block.
type Notifier interface {
	Queue(ctx context.Context, n domain.Notification) error
}

type JobSubmitter interface {
	Submit(ctx context.Context, sub jobs.Submission) (domain.Job, error)
}

// MetricsSink defines the interface for recording takedown metrics.
type MetricsSink interface {
	TakedownTransition(status string)
	NoticeSendCompleted(outcome string, duration time.Duration)
}

type Config struct {
	MaxAttempts int
	Backoff     backoff.Exponential
	// ResponseWindow is how long a hosting provider has to respond after a
	// notice is sent.
	ResponseWindow time.Duration
	// ProcessingTimeout bounds how long a request may stay Processing before
	// it is reclaimed.
	ProcessingTimeout time.Duration
	CallTimeout       time.Duration
	// ThrottleDelay is how long a notice that hit a rate limit waits before
	// it is sent again. Throttled sends do not consume an attempt.
	ThrottleDelay  time.Duration
	DelistInterval time.Duration
	Retention      time.Duration
	// HighValueHosts get HighValueBonus added to their score.
	HighValueHosts map[string]bool
	HighValueBonus float64
	NotifyChannel  domain.Channel
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		Backoff:           backoff.Exponential{Base: time.Minute, Max: 6 * time.Hour},
		ResponseWindow:    14 * 24 * time.Hour,
		ProcessingTimeout: 10 * time.Minute,
		CallTimeout:       30 * time.Second,
		ThrottleDelay:     time.Minute,
		DelistInterval:    24 * time.Hour,
		Retention:         90 * 24 * time.Hour,
		HighValueBonus:    300,
		NotifyChannel:     domain.ChannelWebhook,
	}
}

// BatchResult summarises one ProcessBatch pass.
type BatchResult struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}

type Queue struct {
	config     Config
	store      store.Store
	records    *store.Records[domain.TakedownRequest]
	ready      *store.Queue
	retry      *store.Timeline
	processing *store.Timeline
	deadline   *store.Timeline
	delist     *store.Timeline
	archive    *store.Timeline
	scorer     store.Scorer
	renderer   *Renderer
	resolver   ContactResolver
	sender     Sender
	checker    DelistingChecker // optional, nil = delisting checks disabled
	notifier   Notifier         // optional, nil = no notifications
	followups  JobSubmitter     // optional, nil = no follow-up jobs
	metrics    MetricsSink      // optional, nil = disabled
	clock      func() time.Time

	locks [64]sync.Mutex
}

func New(config Config, s store.Store, scorer store.Scorer, renderer *Renderer, resolver ContactResolver, sender Sender) *Queue {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.ResponseWindow <= 0 {
		config.ResponseWindow = 14 * 24 * time.Hour
	}
	if config.ThrottleDelay <= 0 {
		config.ThrottleDelay = time.Minute
	}
	return &Queue{
		config:     config,
		store:      s,
		records:    store.NewRecords[domain.TakedownRequest](s, "takedown"),
		ready:      store.NewQueue(s, "takedown:ready"),
		retry:      store.NewTimeline(s, "takedown:retry"),
		processing: store.NewTimeline(s, "takedown:processing"),
		deadline:   store.NewTimeline(s, "takedown:deadline"),
		delist:     store.NewTimeline(s, "takedown:delist"),
		archive:    store.NewTimeline(s, "takedown:archive"),
		scorer:     scorer,
		renderer:   renderer,
		resolver:   resolver,
		sender:     sender,
		clock:      time.Now,
	}
}

func (q *Queue) WithDelistingChecker(c DelistingChecker) *Queue {
	q.checker = c
	return q
}

func (q *Queue) WithNotifier(n Notifier) *Queue {
	q.notifier = n
	return q
}

// WithFollowups sets where follow-up jobs for expired requests are submitted.
func (q *Queue) WithFollowups(s JobSubmitter) *Queue {
	q.followups = s
	return q
}

// WithMetrics attaches a metrics sink to the queue.
func (q *Queue) WithMetrics(sink MetricsSink) *Queue {
	q.metrics = sink
	return q
}

func (q *Queue) WithClock(clock func() time.Time) *Queue {
	q.clock = clock
	return q
}

// Name identifies the queue to the watchdog.
func (q *Queue) Name() string { return "takedown" }

func (q *Queue) lock(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	m := &q.locks[h.Sum32()%uint32(len(q.locks))]
	m.Lock()
	return m.Unlock
}

// Enqueue creates a Pending request from a high-confidence match. The hosting
// provider is derived from the URL and the contact resolver is consulted; a
// resolver failure is not fatal, the contact is resolved again at send time.
//
// A profile has at most one open request per normalized URL: while one
// exists, Enqueue returns it instead of creating another.
func (q *Queue) Enqueue(ctx context.Context, req domain.TakedownRequest) (domain.TakedownRequest, error) {
	host, err := hostOf(req.InfringingURL)
	if err != nil {
		return domain.TakedownRequest{}, domain.NewError(domain.KindValidation, "enqueue takedown", err)
	}
	if req.SubjectProfileID == "" {
		return domain.TakedownRequest{}, domain.NewError(domain.KindValidation, "enqueue takedown", fmt.Errorf("subject_profile_id is required"))
	}

	now := q.clock().UTC()
	req.ID = uuid.NewString()
	req.HostingProvider = host
	req.Status = domain.TakedownPending
	req.Attempt = 0
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = q.config.MaxAttempts
	}
	if req.Tier < domain.TierHigh {
		req.Tier = domain.TierHigh
	}
	req.CreatedAt = now
	req.UpdatedAt = now
	req.Notes = nil

	if req.ContactEmail == "" && req.ContactFormURL == "" {
		q.resolveContact(ctx, &req)
	}
	req.AddNote(now, "created from scan job %s with %s match confidence %.2f", req.ScanJobID, req.MatchType, req.Confidence)

	if err := q.records.Put(ctx, req.ID, req); err != nil {
		return domain.TakedownRequest{}, err
	}
	open, found, err := q.claimURL(ctx, req)
	if err != nil {
		if derr := q.records.Delete(ctx, req.ID); derr != nil {
			log.Printf("takedown: delete unclaimed id=%s error: %v", req.ID, derr)
		}
		return domain.TakedownRequest{}, err
	}
	if found {
		if err := q.records.Delete(ctx, req.ID); err != nil {
			log.Printf("takedown: delete duplicate id=%s error: %v", req.ID, err)
		}
		log.Printf("takedown: url=%s already has open request id=%s status=%s", req.InfringingURL, open.ID, open.Status)
		return open, nil
	}
	if err := q.ready.Push(ctx, req.ID, q.score(req, now)); err != nil {
		return domain.TakedownRequest{}, err
	}
	log.Printf("takedown: enqueued id=%s host=%s tier=%s confidence=%.2f", req.ID, host, req.Tier, req.Confidence)
	q.transitioned(req)
	return req, nil
}

func urlKey(profileID, infringingURL string) string {
	return "takedown:url:" + profileID + ":" + domain.NormalizeURL(infringingURL)
}

// claimURL points the URL key at req unless another open request holds it,
// in which case that request is returned with found set. Keys left behind by
// terminal or pruned requests are taken over.
func (q *Queue) claimURL(ctx context.Context, req domain.TakedownRequest) (open domain.TakedownRequest, found bool, err error) {
	key := urlKey(req.SubjectProfileID, req.InfringingURL)
	created, err := q.store.PutIfAbsent(ctx, key, []byte(req.ID), 0)
	if err != nil {
		return open, false, fmt.Errorf("claim url: %w", err)
	}
	if created {
		return open, false, nil
	}

	holder, err := q.store.Get(ctx, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return open, false, fmt.Errorf("read url key: %w", err)
	}
	if err == nil {
		open, err = q.records.Get(ctx, string(holder))
		if err == nil && !open.Status.IsTerminal() {
			return open, true, nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return open, false, err
		}
	}
	if err := q.store.Put(ctx, key, []byte(req.ID), 0); err != nil {
		return domain.TakedownRequest{}, false, fmt.Errorf("claim url: %w", err)
	}
	return domain.TakedownRequest{}, false, nil
}

// releaseURL drops the URL key if req still holds it.
func (q *Queue) releaseURL(ctx context.Context, req domain.TakedownRequest) {
	key := urlKey(req.SubjectProfileID, req.InfringingURL)
	holder, err := q.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		log.Printf("takedown: id=%s read url key error: %v", req.ID, err)
		return
	}
	if string(holder) != req.ID {
		return
	}
	if err := q.store.Delete(ctx, key); err != nil {
		log.Printf("takedown: id=%s release url key error: %v", req.ID, err)
	}
}

func (q *Queue) score(req domain.TakedownRequest, now time.Time) float64 {
	s := q.scorer.Score(store.ScoreInput{
		Tier:      req.Tier,
		CreatedAt: req.CreatedAt,
		Signal:    req.Confidence,
	}, now)
	if q.config.HighValueHosts[req.HostingProvider] {
		s += q.config.HighValueBonus
	}
	return s
}

func (q *Queue) resolveContact(ctx context.Context, req *domain.TakedownRequest) {
	if q.resolver == nil {
		return
	}
	callCtx, cancel := q.callContext(ctx)
	defer cancel()

	contact, err := q.resolver.Resolve(callCtx, req.HostingProvider)
	if err != nil {
		log.Printf("takedown: id=%s resolve contact host=%s error: %v", req.ID, req.HostingProvider, err)
		return
	}
	req.ContactEmail = contact.Email
	req.ContactFormURL = contact.FormURL
}

// ProcessBatch promotes due retries and then sends up to n of the
// highest-priority Pending requests.
func (q *Queue) ProcessBatch(ctx context.Context, n int) (BatchResult, error) {
	var res BatchResult
	if _, err := q.promoteRetries(ctx); err != nil {
		return res, err
	}

	for res.Processed < n {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		id, _, ok, err := q.ready.Pop(ctx)
		if err != nil {
			return res, fmt.Errorf("pop ready: %w", err)
		}
		if !ok {
			break
		}
		status, err := q.process(ctx, id)
		if err != nil {
			log.Printf("takedown: process id=%s error: %v", id, err)
			continue
		}
		switch status {
		case "":
			continue
		case domain.TakedownSent:
			res.Sent++
		case domain.TakedownRetry:
			res.Retried++
		case domain.TakedownFailed:
			res.Failed++
		}
		res.Processed++
	}

	if res.Processed > 0 {
		log.Printf("takedown: batch processed=%d sent=%d retried=%d failed=%d", res.Processed, res.Sent, res.Retried, res.Failed)
	}
	return res, nil
}

func (q *Queue) promoteRetries(ctx context.Context) (int, error) {
	now := q.clock().UTC()
	promoted := 0
	for {
		id, _, ok, err := q.retry.PopDue(ctx, now)
		if err != nil {
			return promoted, fmt.Errorf("pop retry: %w", err)
		}
		if !ok {
			return promoted, nil
		}
		if err := q.promote(ctx, id, now); err != nil {
			log.Printf("takedown: promote id=%s error: %v", id, err)
			continue
		}
		promoted++
	}
}

func (q *Queue) promote(ctx context.Context, id string, now time.Time) error {
	unlock := q.lock(id)
	defer unlock()

	req, err := q.records.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if req.Status != domain.TakedownRetry {
		return nil
	}
	if err := q.transition(&req, domain.TakedownPending, now, "retry %d/%d due", req.Attempt+1, req.MaxAttempts); err != nil {
		return err
	}
	req.RetryAfter = nil
	if err := q.records.Put(ctx, req.ID, req); err != nil {
		return err
	}
	return q.ready.Push(ctx, req.ID, q.score(req, now))
}

// process sends one popped request. The returned status is empty when the
// index entry was stale or the request moved on while the notice was in
// flight.
func (q *Queue) process(ctx context.Context, id string) (domain.TakedownStatus, error) {
	req, ok, err := q.startProcessing(ctx, id)
	if err != nil || !ok {
		return "", err
	}

	// The lock is not held during delivery.
	sendErr := q.send(ctx, &req)

	unlock := q.lock(id)
	defer unlock()

	current, err := q.records.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if current.Status != domain.TakedownProcessing || !current.UpdatedAt.Equal(req.UpdatedAt) {
		log.Printf("takedown: id=%s status=%s changed during send, outcome dropped (send err=%v)", id, current.Status, sendErr)
		return "", nil
	}

	now := q.clock().UTC()
	if _, err := q.processing.Remove(ctx, req.ID); err != nil {
		log.Printf("takedown: processing index remove id=%s error: %v", req.ID, err)
	}
	if sendErr != nil {
		return q.fail(ctx, &req, sendErr, now)
	}
	return domain.TakedownSent, q.markSent(ctx, &req, now)
}

// startProcessing moves a Pending request to Processing and registers it with
// the stale-processing index.
func (q *Queue) startProcessing(ctx context.Context, id string) (domain.TakedownRequest, bool, error) {
	unlock := q.lock(id)
	defer unlock()

	req, err := q.records.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return req, false, nil
	}
	if err != nil {
		return req, false, err
	}
	if req.Status != domain.TakedownPending {
		return req, false, nil
	}

	now := q.clock().UTC()
	if err := q.transition(&req, domain.TakedownProcessing, now, "processing attempt %d/%d", req.Attempt+1, req.MaxAttempts); err != nil {
		return req, false, err
	}
	if err := q.records.Put(ctx, req.ID, req); err != nil {
		if perr := q.ready.Push(ctx, req.ID, q.score(req, now)); perr != nil {
			log.Printf("takedown: requeue id=%s error: %v", req.ID, perr)
		}
		return req, false, err
	}
	if err := q.processing.Schedule(ctx, req.ID, now.Add(q.config.ProcessingTimeout)); err != nil {
		log.Printf("takedown: processing index id=%s error: %v", req.ID, err)
	}
	return req, true, nil
}

func (q *Queue) send(ctx context.Context, req *domain.TakedownRequest) error {
	if req.ContactEmail == "" && req.ContactFormURL == "" {
		q.resolveContact(ctx, req)
	}
	if req.ContactEmail == "" && req.ContactFormURL == "" {
		return domain.NewError(domain.KindTransient, "send notice", fmt.Errorf("no contact found for %s", req.HostingProvider))
	}

	notice, err := q.renderer.Render(*req)
	if err != nil {
		return domain.NewError(domain.KindValidation, "render notice", err)
	}

	callCtx, cancel := q.callContext(ctx)
	defer cancel()

	start := q.clock()
	err = q.sender.Send(callCtx, notice)
	if q.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = string(domain.Classify(err))
		}
		q.metrics.NoticeSendCompleted(outcome, q.clock().Sub(start))
	}
	return err
}

func (q *Queue) markSent(ctx context.Context, req *domain.TakedownRequest, now time.Time) error {
	deadline := now.Add(q.config.ResponseWindow)
	channel := "email " + req.ContactEmail
	if req.ContactEmail == "" {
		channel = "form " + req.ContactFormURL
	}
	if err := q.transition(req, domain.TakedownSent, now, "notice sent via %s, response due %s", channel, deadline.Format(time.RFC3339)); err != nil {
		return err
	}
	req.SentAt = &now
	req.DeadlineAt = &deadline
	req.LastError = ""
	req.LastErrKind = ""
	if err := q.records.Put(ctx, req.ID, *req); err != nil {
		return err
	}
	if err := q.deadline.Schedule(ctx, req.ID, deadline); err != nil {
		return err
	}
	if q.checker != nil {
		if err := q.delist.Schedule(ctx, req.ID, now.Add(q.config.DelistInterval)); err != nil {
			log.Printf("takedown: delist index id=%s error: %v", req.ID, err)
		}
	}
	log.Printf("takedown: id=%s sent host=%s deadline=%s", req.ID, req.HostingProvider, deadline.Format(time.RFC3339))
	q.notify(ctx, *req)
	return nil
}

// fail applies the retry policy to a Processing request. A throttled send
// is retried after ThrottleDelay without consuming an attempt.
func (q *Queue) fail(ctx context.Context, req *domain.TakedownRequest, cause error, now time.Time) (domain.TakedownStatus, error) {
	kind := domain.Classify(cause)
	req.LastError = cause.Error()
	req.LastErrKind = kind

	if kind == domain.KindResourceExhausted {
		return q.scheduleRetry(ctx, req, q.config.ThrottleDelay, now,
			"send throttled, attempt %d/%d kept, retry after %s: %v", req.Attempt, req.MaxAttempts, q.config.ThrottleDelay, cause)
	}

	req.Attempt++
	if kind == domain.KindValidation || kind == domain.KindExpired || req.Attempt >= req.MaxAttempts {
		if err := q.transition(req, domain.TakedownFailed, now, "send failed (%s) attempt %d/%d: %v", kind, req.Attempt, req.MaxAttempts, cause); err != nil {
			return "", err
		}
		log.Printf("takedown: id=%s failed attempts=%d/%d err=%v", req.ID, req.Attempt, req.MaxAttempts, cause)
		return domain.TakedownFailed, q.finish(ctx, req, now)
	}

	delay := q.config.Backoff.Delay(req.Attempt)
	return q.scheduleRetry(ctx, req, delay, now,
		"send failed (%s) attempt %d/%d, retry after %s: %v", kind, req.Attempt, req.MaxAttempts, delay, cause)
}

func (q *Queue) scheduleRetry(ctx context.Context, req *domain.TakedownRequest, delay time.Duration, now time.Time, format string, args ...any) (domain.TakedownStatus, error) {
	retryAt := now.Add(delay)
	if err := q.transition(req, domain.TakedownRetry, now, format, args...); err != nil {
		return "", err
	}
	req.RetryAfter = &retryAt
	if err := q.records.Put(ctx, req.ID, *req); err != nil {
		return "", err
	}
	if err := q.retry.Schedule(ctx, req.ID, retryAt); err != nil {
		return "", err
	}
	log.Printf("takedown: id=%s retry attempt=%d/%d kind=%s after=%s err=%s", req.ID, req.Attempt, req.MaxAttempts, req.LastErrKind, delay, req.LastError)
	return domain.TakedownRetry, nil
}

// SweepDeadlines expires up to limit Sent/Acknowledged requests whose
// response deadline has passed. Each expiry happens exactly once because the
// deadline entry is removed atomically before the status changes.
func (q *Queue) SweepDeadlines(ctx context.Context, limit int) (int, error) {
	now := q.clock().UTC()
	expired := 0
	for expired < limit {
		id, _, ok, err := q.deadline.PopDue(ctx, now)
		if err != nil {
			return expired, fmt.Errorf("pop deadline: %w", err)
		}
		if !ok {
			break
		}
		done, err := q.expire(ctx, id, now)
		if err != nil {
			log.Printf("takedown: expire id=%s error: %v", id, err)
			continue
		}
		if done {
			expired++
		}
	}
	if expired > 0 {
		log.Printf("takedown: deadline sweep expired=%d", expired)
	}
	return expired, nil
}

func (q *Queue) expire(ctx context.Context, id string, now time.Time) (bool, error) {
	unlock := q.lock(id)
	defer unlock()

	req, err := q.records.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if req.Status != domain.TakedownSent && req.Status != domain.TakedownAcknowledged {
		return false, nil
	}
	if req.DeadlineAt != nil && req.DeadlineAt.After(now) {
		return false, q.deadline.Schedule(ctx, req.ID, *req.DeadlineAt)
	}

	if err := q.transition(&req, domain.TakedownExpired, now, "no compliance before deadline %s", formatTime(req.DeadlineAt)); err != nil {
		return false, err
	}
	if err := q.finish(ctx, &req, now); err != nil {
		return false, err
	}
	q.submitFollowup(ctx, req)
	return true, nil
}

func (q *Queue) submitFollowup(ctx context.Context, req domain.TakedownRequest) {
	if q.followups == nil {
		return
	}
	job, err := q.followups.Submit(ctx, jobs.Submission{
		Kind:      domain.JobKindTakedownFollowup,
		SubjectID: req.ID,
		Tier:      domain.TierNormal,
		Parameters: map[string]string{
			"takedown_id":    req.ID,
			"profile_id":     req.SubjectProfileID,
			"infringing_url": req.InfringingURL,
		},
	})
	if err != nil {
		log.Printf("takedown: id=%s follow-up job error: %v", req.ID, err)
		return
	}
	log.Printf("takedown: id=%s follow-up job=%s", req.ID, job.ID)
}

// RecordResponse applies a hosting provider's reply: Acknowledged, Complied
// or Rejected.
func (q *Queue) RecordResponse(ctx context.Context, id string, status domain.TakedownStatus, note string) (domain.TakedownRequest, error) {
	switch status {
	case domain.TakedownAcknowledged, domain.TakedownComplied, domain.TakedownRejected:
	default:
		return domain.TakedownRequest{}, domain.NewError(domain.KindValidation, "record response", fmt.Errorf("status %q is not a provider response", status))
	}

	unlock := q.lock(id)
	defer unlock()

	req, err := q.records.Get(ctx, id)
	if err != nil {
		return domain.TakedownRequest{}, err
	}
	now := q.clock().UTC()
	text := "provider response: " + string(status)
	if note != "" {
		text += ": " + note
	}
	if err := q.transition(&req, status, now, "%s", text); err != nil {
		return req, err
	}

	if status.IsTerminal() {
		return req, q.finish(ctx, &req, now)
	}
	if err := q.records.Put(ctx, req.ID, req); err != nil {
		return req, err
	}
	q.notify(ctx, req)
	return req, nil
}

// CheckDelisting asks the delisting checker about up to limit Sent or
// Acknowledged requests whose next check is due. Confirmed removals become
// Delisted; the rest are checked again after DelistInterval.
func (q *Queue) CheckDelisting(ctx context.Context, limit int) (int, error) {
	if q.checker == nil {
		return 0, nil
	}
	now := q.clock().UTC()
	delisted := 0
	for checked := 0; checked < limit; checked++ {
		id, _, ok, err := q.delist.PopDue(ctx, now)
		if err != nil {
			return delisted, fmt.Errorf("pop delist: %w", err)
		}
		if !ok {
			break
		}
		done, err := q.checkOne(ctx, id, now)
		if err != nil {
			log.Printf("takedown: delisting check id=%s error: %v", id, err)
			if serr := q.delist.Schedule(ctx, id, now.Add(q.config.DelistInterval)); serr != nil {
				log.Printf("takedown: delist index id=%s error: %v", id, serr)
			}
			continue
		}
		if done {
			delisted++
		}
	}
	return delisted, nil
}

func (q *Queue) checkOne(ctx context.Context, id string, now time.Time) (bool, error) {
	unlock := q.lock(id)
	defer unlock()

	req, err := q.records.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if req.Status != domain.TakedownSent && req.Status != domain.TakedownAcknowledged {
		return false, nil
	}

	callCtx, cancel := q.callContext(ctx)
	gone, err := q.checker.Delisted(callCtx, req.InfringingURL)
	cancel()
	if err != nil {
		return false, err
	}
	if !gone {
		return false, q.delist.Schedule(ctx, req.ID, now.Add(q.config.DelistInterval))
	}

	if err := q.transition(&req, domain.TakedownDelisted, now, "removal from search indexes confirmed"); err != nil {
		return false, err
	}
	return true, q.finish(ctx, &req, now)
}

// ReclaimStale returns requests stuck in Processing past ProcessingTimeout
// to the retry policy as a transient failure.
func (q *Queue) ReclaimStale(ctx context.Context, limit int) (int, error) {
	now := q.clock().UTC()
	reclaimed := 0
	for reclaimed < limit {
		id, _, ok, err := q.processing.PopDue(ctx, now)
		if err != nil {
			return reclaimed, fmt.Errorf("pop processing: %w", err)
		}
		if !ok {
			break
		}
		done, err := q.reclaim(ctx, id, now)
		if err != nil {
			log.Printf("takedown: reclaim id=%s error: %v", id, err)
			continue
		}
		if done {
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (q *Queue) reclaim(ctx context.Context, id string, now time.Time) (bool, error) {
	unlock := q.lock(id)
	defer unlock()

	req, err := q.records.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if req.Status != domain.TakedownProcessing {
		return false, nil
	}
	log.Printf("takedown: reclaiming stale id=%s updated_at=%s", req.ID, req.UpdatedAt.Format(time.RFC3339))
	cause := domain.NewError(domain.KindTransient, "watchdog",
		fmt.Errorf("processing exceeded %s", q.config.ProcessingTimeout))
	_, err = q.fail(ctx, &req, cause, now)
	return true, err
}

func (q *Queue) Get(ctx context.Context, id string) (domain.TakedownRequest, error) {
	return q.records.Get(ctx, id)
}

// Prune deletes up to limit terminal requests older than Retention.
func (q *Queue) Prune(ctx context.Context, limit int) (int, error) {
	cutoff := q.clock().UTC().Add(-q.config.Retention)
	pruned := 0
	for pruned < limit {
		id, _, ok, err := q.archive.PopDue(ctx, cutoff)
		if err != nil {
			return pruned, fmt.Errorf("pop archive: %w", err)
		}
		if !ok {
			break
		}
		if err := q.records.Delete(ctx, id); err != nil {
			log.Printf("takedown: prune id=%s error: %v", id, err)
			continue
		}
		pruned++
	}
	return pruned, nil
}

// Depths reports the size of each index.
func (q *Queue) Depths(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int, 6)
	for name, lenFn := range map[string]func(context.Context) (int, error){
		"ready":      q.ready.Len,
		"retry":      q.retry.Len,
		"processing": q.processing.Len,
		"deadline":   q.deadline.Len,
		"delist":     q.delist.Len,
		"archive":    q.archive.Len,
	} {
		n, err := lenFn(ctx)
		if err != nil {
			return nil, err
		}
		out[name] = n
	}
	return out, nil
}

// finish persists a terminal request, drops it from the live indexes and
// archives it.
func (q *Queue) finish(ctx context.Context, req *domain.TakedownRequest, now time.Time) error {
	if err := q.records.Put(ctx, req.ID, *req); err != nil {
		return err
	}
	for _, tl := range []*store.Timeline{q.deadline, q.delist, q.processing, q.retry} {
		if _, err := tl.Remove(ctx, req.ID); err != nil {
			log.Printf("takedown: index %s remove id=%s error: %v", tl.Name(), req.ID, err)
		}
	}
	if err := q.archive.Schedule(ctx, req.ID, now); err != nil {
		log.Printf("takedown: archive index id=%s error: %v", req.ID, err)
	}
	q.releaseURL(ctx, *req)
	log.Printf("takedown: id=%s status=%s attempt=%d", req.ID, req.Status, req.Attempt)
	q.notify(ctx, *req)
	return nil
}

// transition validates and applies a status change with a timestamped note.
func (q *Queue) transition(req *domain.TakedownRequest, to domain.TakedownStatus, now time.Time, format string, args ...any) error {
	if !domain.CanTransition(req.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionDenied, req.Status, to)
	}
	from := req.Status
	req.Status = to
	req.UpdatedAt = now
	req.AddNote(now, "%s -> %s: "+format, append([]any{from, to}, args...)...)
	q.transitioned(*req)
	return nil
}

func (q *Queue) transitioned(req domain.TakedownRequest) {
	if q.metrics != nil {
		q.metrics.TakedownTransition(string(req.Status))
	}
}

// notify queues a notification for user-visible statuses.
func (q *Queue) notify(ctx context.Context, req domain.TakedownRequest) {
	if q.notifier == nil || !req.Status.IsUserVisible() {
		return
	}
	payload, err := json.Marshal(req.Snapshot())
	if err != nil {
		log.Printf("takedown: id=%s marshal notification error: %v", req.ID, err)
		return
	}
	n := domain.Notification{
		Recipient: req.SubjectProfileID,
		Channel:   q.config.NotifyChannel,
		Level:     levelFor(req.Status),
		Subject:   fmt.Sprintf("Takedown %s: %s", req.Status, req.HostingProvider),
		Payload:   payload,
	}
	if err := q.notifier.Queue(ctx, n); err != nil {
		log.Printf("takedown: id=%s queue notification error: %v", req.ID, err)
	}
}

func levelFor(s domain.TakedownStatus) domain.Level {
	switch s {
	case domain.TakedownFailed:
		return domain.LevelError
	case domain.TakedownRejected, domain.TakedownExpired:
		return domain.LevelWarning
	}
	return domain.LevelInfo
}

func (q *Queue) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if q.config.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, q.config.CallTimeout)
}

// hostOf extracts the hosting provider's domain from an infringing URL.
func hostOf(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse infringing url: %w", err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("infringing url %q has no host", raw)
	}
	return strings.TrimPrefix(host, "www."), nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "unset"
	}
	return t.Format(time.RFC3339)
}
