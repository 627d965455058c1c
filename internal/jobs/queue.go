// Package jobs owns the lifecycle of generic jobs in the store: submission,
// claiming by workers, completion, retry with backoff, cancellation, watchdog
// reclaim and pruning of terminal records.
//
// Indexes kept per queue name:
//
//	<name>:ready    priority index of Pending jobs that are due
//	<name>:delayed  time index of Pending/Retry jobs waiting on NextRunAt
//	<name>:running  time index of Running jobs keyed by lease expiry
//	<name>:archive  time index of terminal jobs keyed by FinishedAt
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/contentguard/internal/backoff"
	"github.com/djlord-it/contentguard/internal/domain"
	"github.com/djlord-it/contentguard/internal/store"
)

var (
	// ErrLeaseLost is returned when a write-back comes from a worker whose
	// claim was reclaimed by the watchdog.
	ErrLeaseLost = errors.New("job lease lost")
	// ErrNotRunning is returned when a worker operation targets a job that is
	// not in the Running state.
	ErrNotRunning = errors.New("job is not running")
)

// MetricsSink defines the interface for recording job queue metrics.
type MetricsSink interface {
	JobTransition(kind string, state string)
	QueueDepth(queue string, depth int)
}

type Config struct {
	Name               string
	DefaultMaxAttempts int
	// RunTimeout bounds how long a job may stay Running before the watchdog
	// reclaims it.
	RunTimeout time.Duration
	Backoff    backoff.Exponential
	// ThrottleDelay is how long a job that hit a rate limit or an open
	// breaker waits before it is ready again. The attempt and score are kept.
	ThrottleDelay time.Duration
	Retention     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Name:               "jobs",
		DefaultMaxAttempts: 3,
		RunTimeout:         2 * time.Hour,
		Backoff:            backoff.Exponential{Base: 30 * time.Second, Max: 30 * time.Minute},
		ThrottleDelay:      5 * time.Second,
		Retention:          7 * 24 * time.Hour,
	}
}

// Queue is the scan job queue.
type Queue struct {
	config  Config
	records *store.Records[domain.Job]
	ready   *store.Queue
	delayed *store.Timeline
	running *store.Timeline
	archive *store.Timeline
	scorer  store.Scorer
	clock   func() time.Time
	metrics MetricsSink

	// Serializes read-modify-write of a single job within this process.
	locks [64]sync.Mutex
}

func New(config Config, s store.Store, scorer store.Scorer) *Queue {
	if config.Name == "" {
		config.Name = "jobs"
	}
	if config.DefaultMaxAttempts <= 0 {
		config.DefaultMaxAttempts = 3
	}
	if config.ThrottleDelay <= 0 {
		config.ThrottleDelay = 5 * time.Second
	}
	return &Queue{
		config:  config,
		records: store.NewRecords[domain.Job](s, config.Name),
		ready:   store.NewQueue(s, config.Name+":ready"),
		delayed: store.NewTimeline(s, config.Name+":delayed"),
		running: store.NewTimeline(s, config.Name+":running"),
		archive: store.NewTimeline(s, config.Name+":archive"),
		scorer:  scorer,
		clock:   time.Now,
	}
}

// WithMetrics attaches a metrics sink to the queue.
func (q *Queue) WithMetrics(sink MetricsSink) *Queue {
	q.metrics = sink
	return q
}

// WithClock overrides the time source.
func (q *Queue) WithClock(clock func() time.Time) *Queue {
	q.clock = clock
	return q
}

func (q *Queue) Name() string { return q.config.Name }

func (q *Queue) lock(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	m := &q.locks[h.Sum32()%uint32(len(q.locks))]
	m.Lock()
	return m.Unlock
}

// Submission describes a job to create.
type Submission struct {
	Kind        domain.JobKind
	SubjectID   string
	Tier        domain.Tier
	Schedule    domain.Schedule
	TriggerID   string
	MaxAttempts int
	DeadlineAt  *time.Time
	// RunAt delays the first run. Zero means immediately.
	RunAt      time.Time
	Parameters any
	// Signal feeds the signal term of the score, in [0,1].
	Signal float64
}

// Submit persists a new Pending job and indexes it.
func (q *Queue) Submit(ctx context.Context, sub Submission) (domain.Job, error) {
	if _, err := domain.ParseJobKind(string(sub.Kind)); err != nil {
		return domain.Job{}, domain.NewError(domain.KindValidation, "submit", err)
	}

	var params json.RawMessage
	if sub.Parameters != nil {
		switch p := sub.Parameters.(type) {
		case json.RawMessage:
			params = p
		default:
			data, err := json.Marshal(p)
			if err != nil {
				return domain.Job{}, domain.NewError(domain.KindValidation, "submit", fmt.Errorf("marshal parameters: %w", err))
			}
			params = data
		}
	}

	now := q.clock().UTC()
	runAt := sub.RunAt
	if runAt.IsZero() || runAt.Before(now) {
		runAt = now
	}
	maxAttempts := sub.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.config.DefaultMaxAttempts
	}
	sched := sub.Schedule
	if sched.Kind == "" {
		sched.Kind = domain.ScheduleOnce
	}

	job := domain.Job{
		ID:          uuid.NewString(),
		Kind:        sub.Kind,
		SubjectID:   sub.SubjectID,
		Tier:        sub.Tier,
		Schedule:    sched,
		TriggerID:   sub.TriggerID,
		State:       domain.JobStatePending,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		DeadlineAt:  sub.DeadlineAt,
		NextRunAt:   runAt,
		Parameters:  params,
	}
	job.Score = q.scorer.Score(store.ScoreInput{
		Tier:      job.Tier,
		CreatedAt: job.CreatedAt,
		Deadline:  job.DeadlineAt,
		Signal:    sub.Signal,
	}, now)

	if err := q.records.Put(ctx, job.ID, job); err != nil {
		return domain.Job{}, err
	}
	if err := q.index(ctx, job, now); err != nil {
		return domain.Job{}, err
	}

	log.Printf("jobs: submitted job=%s kind=%s tier=%s subject=%s run_at=%s",
		job.ID, job.Kind, job.Tier, job.SubjectID, job.NextRunAt.Format(time.RFC3339))
	q.transition(job)
	return job, nil
}

// index places a Pending/Retry job in the ready or delayed index.
func (q *Queue) index(ctx context.Context, job domain.Job, now time.Time) error {
	if job.State == domain.JobStatePending && !job.NextRunAt.After(now) {
		return q.ready.Push(ctx, job.ID, job.Score)
	}
	return q.delayed.Schedule(ctx, job.ID, job.NextRunAt)
}

// PromoteDue moves up to limit delayed jobs whose NextRunAt has passed into
// the ready index. Retry jobs transition back to Pending here.
func (q *Queue) PromoteDue(ctx context.Context, limit int) (int, error) {
	now := q.clock().UTC()
	promoted := 0
	for promoted < limit {
		id, _, ok, err := q.delayed.PopDue(ctx, now)
		if err != nil {
			return promoted, fmt.Errorf("pop delayed: %w", err)
		}
		if !ok {
			break
		}
		if err := q.promote(ctx, id, now); err != nil {
			log.Printf("jobs: promote job=%s error: %v", id, err)
			continue
		}
		promoted++
	}
	return promoted, nil
}

func (q *Queue) promote(ctx context.Context, id string, now time.Time) error {
	unlock := q.lock(id)
	defer unlock()

	job, err := q.records.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if job.State != domain.JobStatePending && job.State != domain.JobStateRetry {
		return nil
	}
	if job.State == domain.JobStateRetry {
		job.State = domain.JobStatePending
		job.Score = q.scorer.Score(store.ScoreInput{
			Tier:      job.Tier,
			CreatedAt: job.CreatedAt,
			Deadline:  job.DeadlineAt,
		}, now)
		if err := q.records.Put(ctx, job.ID, job); err != nil {
			return err
		}
		q.transition(job)
	}
	return q.ready.Push(ctx, job.ID, job.Score)
}

// Claim pops the highest-scored ready job and marks it Running under a new
// lease. ok is false when nothing is ready.
func (q *Queue) Claim(ctx context.Context) (domain.Job, bool, error) {
	// Stale index entries (deleted or already-terminal jobs) are skipped.
	for i := 0; i < 16; i++ {
		id, _, ok, err := q.ready.Pop(ctx)
		if err != nil {
			return domain.Job{}, false, fmt.Errorf("pop ready: %w", err)
		}
		if !ok {
			return domain.Job{}, false, nil
		}

		job, claimed, err := q.claim(ctx, id)
		if err != nil {
			return domain.Job{}, false, err
		}
		if claimed {
			return job, true, nil
		}
	}
	return domain.Job{}, false, nil
}

func (q *Queue) claim(ctx context.Context, id string) (domain.Job, bool, error) {
	unlock := q.lock(id)
	defer unlock()

	job, err := q.records.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, err
	}
	if job.State != domain.JobStatePending {
		return domain.Job{}, false, nil
	}

	now := q.clock().UTC()
	if job.CancelRequested {
		return domain.Job{}, false, q.finish(ctx, &job, domain.JobStateCancelled, now)
	}

	job.State = domain.JobStateRunning
	job.Attempt++
	job.Lease = uuid.NewString()
	job.LastRunAt = &now
	if err := q.records.Put(ctx, job.ID, job); err != nil {
		// Put it back so the job is not lost.
		_ = q.ready.Push(ctx, job.ID, job.Score)
		return domain.Job{}, false, err
	}
	if err := q.running.Schedule(ctx, job.ID, now.Add(q.config.RunTimeout)); err != nil {
		log.Printf("jobs: running index job=%s error: %v", job.ID, err)
	}
	q.transition(job)
	return job, true, nil
}

// owned loads the current record and checks the caller still holds the lease.
func (q *Queue) owned(ctx context.Context, held domain.Job) (domain.Job, error) {
	job, err := q.records.Get(ctx, held.ID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.State != domain.JobStateRunning {
		return domain.Job{}, ErrNotRunning
	}
	if job.Lease != held.Lease {
		return domain.Job{}, ErrLeaseLost
	}
	return job, nil
}

// Complete records the result and transitions the job to Completed.
func (q *Queue) Complete(ctx context.Context, held domain.Job, result any) error {
	unlock := q.lock(held.ID)
	defer unlock()

	job, err := q.owned(ctx, held)
	if err != nil {
		return err
	}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		job.LastResult = data
	}
	job.LastError = ""
	job.LastErrKind = ""
	return q.finish(ctx, &job, domain.JobStateCompleted, q.clock().UTC())
}

// Fail classifies err and applies the retry policy:
// resource exhaustion requeues without consuming the attempt, validation and
// expiry are terminal, transient failures retry with backoff until
// MaxAttempts.
func (q *Queue) Fail(ctx context.Context, held domain.Job, cause error) (domain.Job, error) {
	unlock := q.lock(held.ID)
	defer unlock()

	job, err := q.owned(ctx, held)
	if err != nil {
		return domain.Job{}, err
	}
	return q.fail(ctx, job, cause, q.clock().UTC())
}

func (q *Queue) fail(ctx context.Context, job domain.Job, cause error, now time.Time) (domain.Job, error) {
	kind := domain.Classify(cause)
	job.LastError = cause.Error()
	job.LastErrKind = kind

	switch kind {
	case domain.KindResourceExhausted:
		job.Attempt--
		if job.Attempt < 0 {
			job.Attempt = 0
		}
		return job, q.requeue(ctx, &job, now.Add(q.config.ThrottleDelay))

	case domain.KindValidation, domain.KindExpired:
		return job, q.finish(ctx, &job, domain.JobStateFailed, now)
	}

	if job.Attempt >= job.MaxAttempts {
		log.Printf("jobs: job=%s exhausted attempts=%d/%d err=%v", job.ID, job.Attempt, job.MaxAttempts, cause)
		return job, q.finish(ctx, &job, domain.JobStateFailed, now)
	}

	delay := q.config.Backoff.Delay(job.Attempt - 1)
	job.State = domain.JobStateRetry
	job.Lease = ""
	job.NextRunAt = now.Add(delay)
	if err := q.records.Put(ctx, job.ID, job); err != nil {
		return job, err
	}
	if _, err := q.running.Remove(ctx, job.ID); err != nil {
		log.Printf("jobs: running index remove job=%s error: %v", job.ID, err)
	}
	if err := q.delayed.Schedule(ctx, job.ID, job.NextRunAt); err != nil {
		return job, err
	}
	log.Printf("jobs: job=%s retry attempt=%d/%d backoff=%s err=%v", job.ID, job.Attempt, job.MaxAttempts, delay, cause)
	q.transition(job)
	return job, nil
}

// Requeue returns a Running job to the ready index with its score unchanged
// and without consuming the attempt. Used by graceful shutdown.
func (q *Queue) Requeue(ctx context.Context, held domain.Job) error {
	unlock := q.lock(held.ID)
	defer unlock()

	job, err := q.owned(ctx, held)
	if err != nil {
		return err
	}
	job.Attempt--
	if job.Attempt < 0 {
		job.Attempt = 0
	}
	return q.requeue(ctx, &job, q.clock().UTC())
}

// requeue puts a Running job back to Pending with its score unchanged. A
// runAt in the future parks it on the delayed index until then.
func (q *Queue) requeue(ctx context.Context, job *domain.Job, runAt time.Time) error {
	now := q.clock().UTC()
	job.State = domain.JobStatePending
	job.Lease = ""
	job.NextRunAt = runAt
	if err := q.records.Put(ctx, job.ID, *job); err != nil {
		return err
	}
	if _, err := q.running.Remove(ctx, job.ID); err != nil {
		log.Printf("jobs: running index remove job=%s error: %v", job.ID, err)
	}
	if err := q.index(ctx, *job, now); err != nil {
		return err
	}
	log.Printf("jobs: job=%s requeued score=%.2f run_at=%s", job.ID, job.Score, runAt.Format(time.RFC3339))
	q.transition(*job)
	return nil
}

// MarkCancelled is called by the worker when it aborts on a cancellation request.
func (q *Queue) MarkCancelled(ctx context.Context, held domain.Job, partial any) error {
	unlock := q.lock(held.ID)
	defer unlock()

	job, err := q.owned(ctx, held)
	if err != nil {
		return err
	}
	if partial != nil {
		if data, err := json.Marshal(partial); err == nil {
			job.LastResult = data
		}
	}
	return q.finish(ctx, &job, domain.JobStateCancelled, q.clock().UTC())
}

// Cancel removes a Pending/Retry job from its index and marks it Cancelled.
// A Running job gets its cancellation flag set and is stopped cooperatively.
// Returns false when the job is already terminal.
func (q *Queue) Cancel(ctx context.Context, id string) (bool, error) {
	unlock := q.lock(id)
	defer unlock()

	job, err := q.records.Get(ctx, id)
	if err != nil {
		return false, err
	}

	switch job.State {
	case domain.JobStatePending, domain.JobStateRetry:
		if _, err := q.ready.Remove(ctx, id); err != nil {
			return false, err
		}
		if _, err := q.delayed.Remove(ctx, id); err != nil {
			return false, err
		}
		return true, q.finish(ctx, &job, domain.JobStateCancelled, q.clock().UTC())

	case domain.JobStateRunning:
		if job.CancelRequested {
			return true, nil
		}
		job.CancelRequested = true
		if err := q.records.Put(ctx, job.ID, job); err != nil {
			return false, err
		}
		log.Printf("jobs: job=%s cancellation requested", job.ID)
		return true, nil
	}
	return false, nil
}

// CancelRequested reports whether cancellation was requested for a job.
func (q *Queue) CancelRequested(ctx context.Context, id string) (bool, error) {
	job, err := q.records.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return job.CancelRequested || job.State == domain.JobStateCancelled, nil
}

func (q *Queue) Get(ctx context.Context, id string) (domain.Job, error) {
	return q.records.Get(ctx, id)
}

// ReclaimStale fails Running jobs whose lease expired. The failure is
// transient so the normal retry policy applies. A fresh record lease means
// the previous holder's write-back is rejected with ErrLeaseLost.
func (q *Queue) ReclaimStale(ctx context.Context, limit int) (int, error) {
	now := q.clock().UTC()
	reclaimed := 0
	for reclaimed < limit {
		id, _, ok, err := q.running.PopDue(ctx, now)
		if err != nil {
			return reclaimed, fmt.Errorf("pop running: %w", err)
		}
		if !ok {
			break
		}
		did, err := q.reclaim(ctx, id, now)
		if err != nil {
			log.Printf("jobs: reclaim job=%s error: %v", id, err)
			continue
		}
		if did {
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (q *Queue) reclaim(ctx context.Context, id string, now time.Time) (bool, error) {
	unlock := q.lock(id)
	defer unlock()

	job, err := q.records.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if job.State != domain.JobStateRunning {
		return false, nil
	}
	if job.LastRunAt != nil && job.LastRunAt.Add(q.config.RunTimeout).After(now) {
		// Claimed again since the index entry was written.
		return false, q.running.Schedule(ctx, job.ID, job.LastRunAt.Add(q.config.RunTimeout))
	}

	log.Printf("jobs: reclaiming stale job=%s last_run_at=%v timeout=%s", job.ID, job.LastRunAt, q.config.RunTimeout)
	if job.CancelRequested {
		return true, q.finish(ctx, &job, domain.JobStateCancelled, now)
	}
	cause := domain.NewError(domain.KindTransient, "watchdog",
		fmt.Errorf("job exceeded max run duration %s", q.config.RunTimeout))
	_, err = q.fail(ctx, job, cause, now)
	return true, err
}

// finish moves a job to a terminal state and into the archive index.
func (q *Queue) finish(ctx context.Context, job *domain.Job, state domain.JobState, now time.Time) error {
	job.State = state
	job.Lease = ""
	job.FinishedAt = &now
	if err := q.records.Put(ctx, job.ID, *job); err != nil {
		return err
	}
	if _, err := q.running.Remove(ctx, job.ID); err != nil {
		log.Printf("jobs: running index remove job=%s error: %v", job.ID, err)
	}
	if err := q.archive.Schedule(ctx, job.ID, now); err != nil {
		log.Printf("jobs: archive index job=%s error: %v", job.ID, err)
	}
	log.Printf("jobs: job=%s state=%s attempt=%d", job.ID, state, job.Attempt)
	q.transition(*job)
	return nil
}

// Prune deletes up to limit terminal jobs that finished more than the
// configured retention ago.
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
			log.Printf("jobs: prune job=%s error: %v", id, err)
			continue
		}
		pruned++
	}
	return pruned, nil
}

// Depths reports the size of each index.
func (q *Queue) Depths(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int, 4)
	for name, lenFn := range map[string]func(context.Context) (int, error){
		"ready":   q.ready.Len,
		"delayed": q.delayed.Len,
		"running": q.running.Len,
		"archive": q.archive.Len,
	} {
		n, err := lenFn(ctx)
		if err != nil {
			return nil, err
		}
		out[name] = n
		if q.metrics != nil {
			q.metrics.QueueDepth(q.config.Name+":"+name, n)
		}
	}
	return out, nil
}

func (q *Queue) transition(job domain.Job) {
	if q.metrics != nil {
		q.metrics.JobTransition(string(job.Kind), string(job.State))
	}
}
