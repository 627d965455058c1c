// Package store defines the keyed record store and priority index contract
// shared by every queue in the system, plus an in-process implementation.
//
// Records are opaque byte slices addressed by key. Queues are named sorted
// indexes of ids; PopMax atomically removes the highest-scored id and is the
// only admission primitive, so an id popped by one caller is never returned
// to another until it is enqueued again.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("record not found")

// Store is implemented by the memory, redis and postgres backends.
type Store interface {
	// Put stores value under key. ttl <= 0 means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// PutIfAbsent stores value only if key is missing or expired.
	// Returns true if the value was written.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error

	// Enqueue adds id to queue or updates its score. Higher scores pop first.
	Enqueue(ctx context.Context, queue, id string, score float64) error
	// PopMax atomically removes and returns the highest-scored id.
	// ok is false when the queue is empty.
	PopMax(ctx context.Context, queue string) (id string, score float64, ok bool, err error)
	// RemoveFromQueue reports whether id was present.
	RemoveFromQueue(ctx context.Context, queue, id string) (bool, error)
	Size(ctx context.Context, queue string) (int, error)
}

// Purger is implemented by backends that need an explicit pass to drop
// expired records.
type Purger interface {
	PurgeExpired(ctx context.Context) (int, error)
}
