package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Records is a typed JSON view over a key prefix of a Store.
type Records[T any] struct {
	store  Store
	prefix string
}

func NewRecords[T any](s Store, prefix string) *Records[T] {
	return &Records[T]{store: s, prefix: prefix}
}

func (r *Records[T]) key(id string) string { return r.prefix + ":" + id }

func (r *Records[T]) Put(ctx context.Context, id string, v T) error {
	return r.PutWithTTL(ctx, id, v, 0)
}

func (r *Records[T]) PutWithTTL(ctx context.Context, id string, v T, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", r.key(id), err)
	}
	if err := r.store.Put(ctx, r.key(id), data, ttl); err != nil {
		return fmt.Errorf("put %s: %w", r.key(id), err)
	}
	return nil
}

// Get returns ErrNotFound (unwrapped) when the record is missing.
func (r *Records[T]) Get(ctx context.Context, id string) (T, error) {
	var v T
	data, err := r.store.Get(ctx, r.key(id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return v, ErrNotFound
		}
		return v, fmt.Errorf("get %s: %w", r.key(id), err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("unmarshal %s: %w", r.key(id), err)
	}
	return v, nil
}

func (r *Records[T]) Delete(ctx context.Context, id string) error {
	return r.store.Delete(ctx, r.key(id))
}
