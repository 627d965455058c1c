package store

import (
	"context"
	"time"
)

// Queue is a named priority index.
type Queue struct {
	store Store
	name  string
}

func NewQueue(s Store, name string) *Queue {
	return &Queue{store: s, name: name}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) Push(ctx context.Context, id string, score float64) error {
	return q.store.Enqueue(ctx, q.name, id, score)
}

func (q *Queue) Pop(ctx context.Context) (string, float64, bool, error) {
	return q.store.PopMax(ctx, q.name)
}

func (q *Queue) Remove(ctx context.Context, id string) (bool, error) {
	return q.store.RemoveFromQueue(ctx, q.name, id)
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.store.Size(ctx, q.name)
}

// Timeline is an index ordered by time, earliest first. It is built on the
// same PopMax primitive by negating the timestamp.
type Timeline struct {
	store Store
	name  string
}

func NewTimeline(s Store, name string) *Timeline {
	return &Timeline{store: s, name: name}
}

func (t *Timeline) Name() string { return t.name }

func (t *Timeline) Schedule(ctx context.Context, id string, at time.Time) error {
	return t.store.Enqueue(ctx, t.name, id, -float64(at.UnixMilli()))
}

// PopDue removes and returns the earliest id whose time is <= now. When the
// earliest entry is not yet due it is put back and ok is false.
func (t *Timeline) PopDue(ctx context.Context, now time.Time) (string, time.Time, bool, error) {
	id, score, ok, err := t.store.PopMax(ctx, t.name)
	if err != nil || !ok {
		return "", time.Time{}, false, err
	}
	at := time.UnixMilli(int64(-score)).UTC()
	if at.After(now) {
		if err := t.store.Enqueue(ctx, t.name, id, score); err != nil {
			return "", time.Time{}, false, err
		}
		return "", time.Time{}, false, nil
	}
	return id, at, true, nil
}

func (t *Timeline) Remove(ctx context.Context, id string) (bool, error) {
	return t.store.RemoveFromQueue(ctx, t.name, id)
}

func (t *Timeline) Len(ctx context.Context) (int, error) {
	return t.store.Size(ctx, t.name)
}
