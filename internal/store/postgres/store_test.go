package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/djlord-it/contentguard/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s := New(db)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return s
}

func TestPostgresStore_RecordsAndTTL(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := "test:" + uuid.NewString()

	if _, err := s.Get(ctx, key); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Put(ctx, key, []byte("v"), time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err := s.PutIfAbsent(ctx, key, []byte("w"), time.Hour)
	if err != nil || ok {
		t.Fatalf("PutIfAbsent on live key = %v, %v", ok, err)
	}

	// Move the store clock past expiry: the row is invisible and replaceable.
	s.clock = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := s.Get(ctx, key); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expired Get: expected ErrNotFound, got %v", err)
	}
	ok, err = s.PutIfAbsent(ctx, key, []byte("x"), time.Hour)
	if err != nil || !ok {
		t.Errorf("PutIfAbsent on expired key = %v, %v", ok, err)
	}
	_ = s.Delete(ctx, key)
}

func TestPostgresStore_PopMaxOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	q := "test:" + uuid.NewString()

	_ = s.Enqueue(ctx, q, "low", 1)
	_ = s.Enqueue(ctx, q, "tie-a", 5)
	_ = s.Enqueue(ctx, q, "tie-b", 5)

	for _, want := range []string{"tie-a", "tie-b", "low"} {
		id, _, ok, err := s.PopMax(ctx, q)
		if err != nil || !ok {
			t.Fatalf("PopMax: ok=%v err=%v", ok, err)
		}
		if id != want {
			t.Errorf("PopMax = %s, want %s", id, want)
		}
	}
	if n, _ := s.Size(ctx, q); n != 0 {
		t.Errorf("Size = %d, want 0", n)
	}
}
