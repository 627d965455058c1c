// Package notify delivers best-effort notifications about takedown progress.
// Notifications are queued without blocking, delivered in batches by channel,
// retried on the next pass and dropped once expired or out of attempts.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/contentguard/internal/domain"
	"github.com/djlord-it/contentguard/internal/store"
)

// Transport delivers a notification over one channel.
type Transport interface {
	Send(ctx context.Context, n domain.Notification) error
}

// MetricsSink defines the interface for recording notification metrics.
type MetricsSink interface {
	NotificationOutcome(channel string, outcome string)
}

type Config struct {
	MaxAttempts int
	// TTL is how long an undelivered notification stays deliverable.
	TTL         time.Duration
	CallTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		TTL:         24 * time.Hour,
		CallTimeout: 10 * time.Second,
	}
}

// BatchResult summarises one ProcessBatch pass.
type BatchResult struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Dropped   int `json:"dropped"`
}

type Dispatcher struct {
	config     Config
	records    *store.Records[domain.Notification]
	pending    *store.Timeline
	transports map[domain.Channel]Transport
	metrics    MetricsSink // optional, nil = disabled
	clock      func() time.Time
}

func New(config Config, s store.Store) *Dispatcher {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.TTL <= 0 {
		config.TTL = 24 * time.Hour
	}
	return &Dispatcher{
		config:     config,
		records:    store.NewRecords[domain.Notification](s, "notification"),
		pending:    store.NewTimeline(s, "notification:pending"),
		transports: make(map[domain.Channel]Transport),
		clock:      time.Now,
	}
}

// WithTransport registers the transport for a channel.
func (d *Dispatcher) WithTransport(ch domain.Channel, t Transport) *Dispatcher {
	d.transports[ch] = t
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// Queue stores n for delivery. Zero-valued ID, timestamps and MaxAttempts
// are filled from the dispatcher's defaults.
func (d *Dispatcher) Queue(ctx context.Context, n domain.Notification) error {
	now := d.clock().UTC()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.SendAfter.IsZero() {
		n.SendAfter = now
	}
	if n.ExpiresAt.IsZero() {
		n.ExpiresAt = n.SendAfter.Add(d.config.TTL)
	}
	if n.MaxAttempts <= 0 {
		n.MaxAttempts = d.config.MaxAttempts
	}
	if n.Channel == "" {
		return domain.NewError(domain.KindValidation, "queue notification", fmt.Errorf("channel is required"))
	}

	if err := d.records.PutWithTTL(ctx, n.ID, n, d.retention(n, now)); err != nil {
		return fmt.Errorf("store notification: %w", err)
	}
	if err := d.pending.Schedule(ctx, n.ID, n.SendAfter); err != nil {
		return fmt.Errorf("index notification: %w", err)
	}
	return nil
}

// retention keeps the record a little past expiry so the drop is logged.
func (d *Dispatcher) retention(n domain.Notification, now time.Time) time.Duration {
	return n.ExpiresAt.Sub(now) + time.Hour
}

// ProcessBatch delivers up to n due notifications. Failed deliveries are
// retried on the next pass.
func (d *Dispatcher) ProcessBatch(ctx context.Context, n int) (BatchResult, error) {
	var res BatchResult
	now := d.clock().UTC()
	var retry []string

	defer func() {
		for _, id := range retry {
			if err := d.pending.Schedule(ctx, id, now); err != nil {
				log.Printf("notify: reschedule id=%s error: %v", id, err)
			}
		}
	}()

	for handled := 0; handled < n; handled++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		id, _, ok, err := d.pending.PopDue(ctx, now)
		if err != nil {
			return res, fmt.Errorf("pop pending: %w", err)
		}
		if !ok {
			break
		}

		note, err := d.records.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			res.Dropped++
			continue
		}
		if err != nil {
			log.Printf("notify: load id=%s error: %v", id, err)
			retry = append(retry, id)
			continue
		}
		if note.Delivered {
			continue
		}
		if !note.Deliverable(now) {
			d.drop(ctx, note, "expired or out of attempts")
			res.Dropped++
			continue
		}

		switch d.deliver(ctx, &note) {
		case nil:
			res.Delivered++
		default:
			res.Failed++
			if note.Deliverable(now) {
				retry = append(retry, note.ID)
			} else {
				d.drop(ctx, note, "last attempt failed")
				res.Dropped++
			}
		}
	}

	if res.Delivered+res.Failed+res.Dropped > 0 {
		log.Printf("notify: batch delivered=%d failed=%d dropped=%d", res.Delivered, res.Failed, res.Dropped)
	}
	return res, nil
}

func (d *Dispatcher) deliver(ctx context.Context, n *domain.Notification) error {
	t, ok := d.transports[n.Channel]
	if !ok {
		err := fmt.Errorf("no transport for channel %q", n.Channel)
		n.Attempt = n.MaxAttempts
		n.LastError = err.Error()
		d.outcome(n.Channel, "no_transport")
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, d.config.CallTimeout)
	err := t.Send(callCtx, *n)
	cancel()

	now := d.clock().UTC()
	n.Attempt++
	if err != nil {
		n.LastError = err.Error()
		log.Printf("notify: id=%s channel=%s attempt=%d/%d error: %v", n.ID, n.Channel, n.Attempt, n.MaxAttempts, err)
		d.outcome(n.Channel, "failed")
	} else {
		n.Delivered = true
		n.LastError = ""
		d.outcome(n.Channel, "delivered")
	}
	if perr := d.records.PutWithTTL(ctx, n.ID, *n, d.retention(*n, now)); perr != nil {
		log.Printf("notify: save id=%s error: %v", n.ID, perr)
	}
	return err
}

func (d *Dispatcher) drop(ctx context.Context, n domain.Notification, reason string) {
	log.Printf("notify: dropping id=%s channel=%s recipient=%s attempts=%d/%d reason=%s last_error=%q",
		n.ID, n.Channel, n.Recipient, n.Attempt, n.MaxAttempts, reason, n.LastError)
	d.outcome(n.Channel, "dropped")
	if err := d.records.Delete(ctx, n.ID); err != nil {
		log.Printf("notify: delete id=%s error: %v", n.ID, err)
	}
}

func (d *Dispatcher) outcome(ch domain.Channel, outcome string) {
	if d.metrics != nil {
		d.metrics.NotificationOutcome(string(ch), outcome)
	}
}

// Get returns a queued notification.
func (d *Dispatcher) Get(ctx context.Context, id string) (domain.Notification, error) {
	return d.records.Get(ctx, id)
}

// Pending reports how many notifications are waiting for delivery.
func (d *Dispatcher) Pending(ctx context.Context) (int, error) {
	return d.pending.Len(ctx)
}
