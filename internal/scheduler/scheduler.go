// Package scheduler is the trigger engine: it turns declarative schedules
// into job submissions at the right time, at most once per scheduled instant.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/contentguard/internal/domain"
	"github.com/djlord-it/contentguard/internal/jobs"
	"github.com/djlord-it/contentguard/internal/store"
)

var (
	ErrDuplicateFire  = errors.New("trigger already fired for scheduled time")
	ErrInvalidTrigger = errors.New("invalid trigger")
	ErrTriggerState   = errors.New("trigger state does not allow this operation")
)

type JobSubmitter interface {
	Submit(ctx context.Context, sub jobs.Submission) (domain.Job, error)
	Get(ctx context.Context, id string) (domain.Job, error)
	Cancel(ctx context.Context, id string) (bool, error)
}

type CronParser interface {
	Parse(expression string, timezone string) (CronSchedule, error)
}

type CronSchedule interface {
	Next(after time.Time) time.Time
}

// LeaderChecker gates ticks so only one replica fires triggers.
type LeaderChecker interface {
	IsLeader() bool
}

// MetricsSink defines the interface for recording scheduler metrics.
type MetricsSink interface {
	TickCompleted(duration time.Duration, fired int, err error)
	TriggerMisfired()
}

type Config struct {
	TickInterval        time.Duration
	DefaultMisfireGrace time.Duration
	// FireKeyTTL is how long idempotency keys for fires are retained.
	FireKeyTTL      time.Duration
	MaxFiresPerTick int
	// ClaimTimeout is how long a popped trigger is hidden before another
	// tick may pick it up again if this one crashes mid-fire.
	ClaimTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		TickInterval:        5 * time.Second,
		DefaultMisfireGrace: 5 * time.Minute,
		FireKeyTTL:          72 * time.Hour,
		MaxFiresPerTick:     500,
		ClaimTimeout:        time.Minute,
	}
}

type Scheduler struct {
	config    Config
	store     store.Store
	triggers  *store.Records[domain.Trigger]
	due       *store.Timeline
	submitter JobSubmitter
	parser    CronParser
	clock     func() time.Time
	metrics   MetricsSink
	leader    LeaderChecker

	// Serializes trigger mutations against ticks within this process.
	mu sync.Mutex
}

func New(config Config, s store.Store, submitter JobSubmitter, parser CronParser) *Scheduler {
	if config.MaxFiresPerTick <= 0 {
		config.MaxFiresPerTick = 500
	}
	if config.ClaimTimeout <= 0 {
		config.ClaimTimeout = time.Minute
	}
	return &Scheduler{
		config:    config,
		store:     s,
		triggers:  store.NewRecords[domain.Trigger](s, "trigger"),
		due:       store.NewTimeline(s, "trigger:due"),
		submitter: submitter,
		parser:    parser,
		clock:     time.Now,
	}
}

// WithMetrics attaches a metrics sink to the scheduler.
func (s *Scheduler) WithMetrics(sink MetricsSink) *Scheduler {
	s.metrics = sink
	return s
}

// WithLeader makes ticks a no-op unless the checker reports leadership.
func (s *Scheduler) WithLeader(l LeaderChecker) *Scheduler {
	s.leader = l
	return s
}

func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	log.Printf("scheduler: started, tick=%s", s.config.TickInterval)
	s.runTick(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("scheduler: stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
		log.Printf("scheduler: tick error: %v", err)
	}
}

// Create validates and stores a new Active trigger and schedules its first fire.
func (s *Scheduler) Create(ctx context.Context, t domain.Trigger) (domain.Trigger, error) {
	if err := t.Schedule.Validate(); err != nil {
		return domain.Trigger{}, fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}
	if _, err := domain.ParseJobKind(string(t.Template.Kind)); err != nil {
		return domain.Trigger{}, fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}

	now := s.clock().UTC()
	next, err := s.firstFire(t.Schedule, now)
	if err != nil {
		return domain.Trigger{}, fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.MisfireGrace <= 0 {
		t.MisfireGrace = s.config.DefaultMisfireGrace
	}
	t.State = domain.TriggerActive
	t.NextFireAt = next
	t.CreatedAt = now
	t.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.triggers.Put(ctx, t.ID, t); err != nil {
		return domain.Trigger{}, err
	}
	if err := s.due.Schedule(ctx, t.ID, t.NextFireAt); err != nil {
		return domain.Trigger{}, err
	}
	log.Printf("scheduler: created trigger=%s kind=%s schedule=%s next_fire=%s",
		t.ID, t.Template.Kind, t.Schedule.Kind, t.NextFireAt.Format(time.RFC3339))
	return t, nil
}

func (s *Scheduler) Get(ctx context.Context, id string) (domain.Trigger, error) {
	return s.triggers.Get(ctx, id)
}

// Pause stops an Active trigger from producing jobs without deleting it.
func (s *Scheduler) Pause(ctx context.Context, id string) (domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.triggers.Get(ctx, id)
	if err != nil {
		return domain.Trigger{}, err
	}
	if t.State == domain.TriggerPaused {
		return t, nil
	}
	if t.State != domain.TriggerActive {
		return domain.Trigger{}, fmt.Errorf("%w: pause %s trigger", ErrTriggerState, t.State)
	}
	if _, err := s.due.Remove(ctx, id); err != nil {
		return domain.Trigger{}, err
	}
	t.State = domain.TriggerPaused
	t.UpdatedAt = s.clock().UTC()
	if err := s.triggers.Put(ctx, id, t); err != nil {
		return domain.Trigger{}, err
	}
	log.Printf("scheduler: paused trigger=%s", id)
	return t, nil
}

// Resume reactivates a Paused trigger. Fires that fell due while paused are
// not replayed.
func (s *Scheduler) Resume(ctx context.Context, id string) (domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.triggers.Get(ctx, id)
	if err != nil {
		return domain.Trigger{}, err
	}
	if t.State == domain.TriggerActive {
		return t, nil
	}
	if t.State != domain.TriggerPaused {
		return domain.Trigger{}, fmt.Errorf("%w: resume %s trigger", ErrTriggerState, t.State)
	}

	now := s.clock().UTC()
	next, err := s.resumeFire(t, now)
	if err != nil {
		return domain.Trigger{}, err
	}
	t.State = domain.TriggerActive
	t.NextFireAt = next
	t.UpdatedAt = now
	if err := s.triggers.Put(ctx, id, t); err != nil {
		return domain.Trigger{}, err
	}
	if err := s.due.Schedule(ctx, id, next); err != nil {
		return domain.Trigger{}, err
	}
	log.Printf("scheduler: resumed trigger=%s next_fire=%s", id, next.Format(time.RFC3339))
	return t, nil
}

// Cancel stops a trigger permanently and cancels its most recent job if that
// job has not started yet.
func (s *Scheduler) Cancel(ctx context.Context, id string) (domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.triggers.Get(ctx, id)
	if err != nil {
		return domain.Trigger{}, err
	}
	if t.State == domain.TriggerCancelled {
		return t, nil
	}
	if _, err := s.due.Remove(ctx, id); err != nil {
		return domain.Trigger{}, err
	}
	t.State = domain.TriggerCancelled
	t.UpdatedAt = s.clock().UTC()
	if err := s.triggers.Put(ctx, id, t); err != nil {
		return domain.Trigger{}, err
	}

	if t.LastJobID != "" {
		job, err := s.submitter.Get(ctx, t.LastJobID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			log.Printf("scheduler: trigger=%s lookup job=%s error: %v", id, t.LastJobID, err)
		case job.State == domain.JobStatePending || job.State == domain.JobStateRetry:
			if _, err := s.submitter.Cancel(ctx, job.ID); err != nil {
				log.Printf("scheduler: trigger=%s cancel job=%s error: %v", id, job.ID, err)
			}
		}
	}

	log.Printf("scheduler: cancelled trigger=%s", id)
	return t, nil
}

// Tick fires every Active trigger whose NextFireAt has passed.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	if s.leader != nil && !s.leader.IsLeader() {
		return 0, nil
	}

	start := s.clock()
	fired := 0
	var tickErr error

	for i := 0; i < s.config.MaxFiresPerTick; i++ {
		now := s.clock().UTC()
		id, _, ok, err := s.due.PopDue(ctx, now)
		if err != nil {
			tickErr = fmt.Errorf("pop due triggers: %w", err)
			break
		}
		if !ok {
			break
		}
		// Hide the entry briefly; a crash before the real reschedule retries
		// the fire, which the idempotency key absorbs.
		if err := s.due.Schedule(ctx, id, now.Add(s.config.ClaimTimeout)); err != nil {
			log.Printf("scheduler: trigger=%s claim error: %v", id, err)
		}

		did, err := s.fire(ctx, id, now)
		if err != nil {
			log.Printf("scheduler: trigger=%s error: %v", id, err)
			continue
		}
		if did {
			fired++
		}
	}

	if s.metrics != nil {
		s.metrics.TickCompleted(s.clock().Sub(start), fired, tickErr)
	}
	return fired, tickErr
}

func (s *Scheduler) fire(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.triggers.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		_, _ = s.due.Remove(ctx, id)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if t.State != domain.TriggerActive {
		_, err := s.due.Remove(ctx, id)
		return false, err
	}
	if t.NextFireAt.After(now) {
		return false, s.due.Schedule(ctx, id, t.NextFireAt)
	}

	scheduledAt := t.NextFireAt
	fired := false

	if late := now.Sub(scheduledAt); late > t.MisfireGrace {
		log.Printf("scheduler: misfire trigger=%s scheduled_at=%s late=%s grace=%s; skipped",
			t.ID, scheduledAt.Format(time.RFC3339), late.Truncate(time.Second), t.MisfireGrace)
		if s.metrics != nil {
			s.metrics.TriggerMisfired()
		}
	} else {
		jobID, err := s.emit(ctx, t, scheduledAt, now)
		switch {
		case errors.Is(err, ErrDuplicateFire):
			log.Printf("scheduler: trigger=%s scheduled_at=%s already fired", t.ID, scheduledAt.Format(time.RFC3339))
		case err != nil:
			// Leave the short claim in place so the fire is retried.
			return false, err
		default:
			fired = true
			t.LastFiredAt = &now
			t.LastJobID = jobID
			t.FireCount++
		}
	}

	if err := s.advance(&t, now); err != nil {
		return fired, err
	}
	t.UpdatedAt = now
	if err := s.triggers.Put(ctx, t.ID, t); err != nil {
		return fired, err
	}
	if t.State == domain.TriggerActive {
		return fired, s.due.Schedule(ctx, t.ID, t.NextFireAt)
	}
	_, err = s.due.Remove(ctx, t.ID)
	return fired, err
}

// emit submits one job for (trigger, scheduledAt) unless that pair has
// already been fired.
func (s *Scheduler) emit(ctx context.Context, t domain.Trigger, scheduledAt, now time.Time) (string, error) {
	key := generateIdempotencyKey(t.ID, scheduledAt)
	event := domain.FireEvent{
		TriggerID:      t.ID,
		ScheduledAt:    scheduledAt,
		FiredAt:        now,
		IdempotencyKey: key,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return "", err
	}
	fireKey := "fire:" + key
	created, err := s.store.PutIfAbsent(ctx, fireKey, data, s.config.FireKeyTTL)
	if err != nil {
		return "", fmt.Errorf("record fire: %w", err)
	}
	if !created {
		return "", ErrDuplicateFire
	}

	var deadline *time.Time
	if t.Template.Deadline > 0 {
		d := scheduledAt.Add(t.Template.Deadline)
		deadline = &d
	}
	job, err := s.submitter.Submit(ctx, jobs.Submission{
		Kind:        t.Template.Kind,
		SubjectID:   t.Template.SubjectID,
		Tier:        t.Template.Tier,
		Schedule:    t.Schedule,
		TriggerID:   t.ID,
		MaxAttempts: t.Template.MaxAttempts,
		DeadlineAt:  deadline,
		Parameters:  t.Template.Parameters,
	})
	if err != nil {
		err = fmt.Errorf("submit job: %w", err)
		// Release the key so the retry can submit. If that fails too the fire
		// stays blocked until the key expires.
		if derr := s.store.Delete(ctx, fireKey); derr != nil {
			log.Printf("scheduler: trigger=%s release fire key=%s error: %v", t.ID, fireKey, derr)
			err = errors.Join(err, fmt.Errorf("release fire key: %w", derr))
		}
		return "", err
	}

	event.JobID = job.ID
	if data, err := json.Marshal(event); err != nil {
		log.Printf("scheduler: trigger=%s marshal fire event error: %v", t.ID, err)
	} else if err := s.store.Put(ctx, fireKey, data, s.config.FireKeyTTL); err != nil {
		log.Printf("scheduler: trigger=%s job=%s record fire job id error: %v", t.ID, job.ID, err)
	}

	log.Printf("scheduler: fired trigger=%s job=%s scheduled_at=%s", t.ID, job.ID, scheduledAt.Format(time.RFC3339))
	return job.ID, nil
}

// advance computes the next fire. Missed interval fires are coalesced into
// one; cron picks the first matching time after now.
func (s *Scheduler) advance(t *domain.Trigger, now time.Time) error {
	switch t.Schedule.Kind {
	case domain.ScheduleOnce:
		t.State = domain.TriggerCompleted
		return nil
	case domain.ScheduleInterval:
		t.NextFireAt = now.Add(t.Schedule.Interval())
		return nil
	case domain.ScheduleCron:
		next, err := s.nextCron(t.Schedule, now)
		if err != nil {
			return err
		}
		t.NextFireAt = next
		return nil
	}
	return fmt.Errorf("unknown schedule kind %q", t.Schedule.Kind)
}

func (s *Scheduler) firstFire(sched domain.Schedule, now time.Time) (time.Time, error) {
	switch sched.Kind {
	case domain.ScheduleOnce, domain.ScheduleInterval:
		if sched.RunAt != nil && sched.RunAt.After(now) {
			return sched.RunAt.UTC(), nil
		}
		return now, nil
	case domain.ScheduleCron:
		return s.nextCron(sched, now)
	}
	return time.Time{}, fmt.Errorf("unknown schedule kind %q", sched.Kind)
}

func (s *Scheduler) resumeFire(t domain.Trigger, now time.Time) (time.Time, error) {
	switch t.Schedule.Kind {
	case domain.ScheduleOnce:
		return s.firstFire(t.Schedule, now)
	case domain.ScheduleInterval:
		if t.FireCount == 0 {
			return s.firstFire(t.Schedule, now)
		}
		return now.Add(t.Schedule.Interval()), nil
	case domain.ScheduleCron:
		return s.nextCron(t.Schedule, now)
	}
	return time.Time{}, fmt.Errorf("unknown schedule kind %q", t.Schedule.Kind)
}

func (s *Scheduler) nextCron(sched domain.Schedule, after time.Time) (time.Time, error) {
	cs, err := s.parser.Parse(sched.CronExpression, sched.Timezone)
	if err != nil {
		return time.Time{}, err
	}
	next := cs.Next(after)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron %q never fires", sched.CronExpression)
	}
	return next.UTC(), nil
}

func generateIdempotencyKey(triggerID string, scheduledAt time.Time) string {
	data := fmt.Sprintf("%s:%d", triggerID, scheduledAt.Unix())
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
