// Package postgres implements store.Store on PostgreSQL. It works with any
// database/sql driver registered as "postgres" (lib/pq) or "pgx" (pgx stdlib).
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/djlord-it/contentguard/internal/store"
)

const defaultOpTimeout = 5 * time.Second

// Store persists records in kv_records and queue indexes in queue_entries.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
	clock     func() time.Time
}

// New creates a new PostgreSQL store with the given database connection.
func New(db *sql.DB) *Store {
	return &Store{
		db:        db,
		opTimeout: defaultOpTimeout,
		clock:     time.Now,
	}
}

// WithOpTimeout bounds every individual store call.
func (s *Store) WithOpTimeout(d time.Duration) *Store {
	if d > 0 {
		s.opTimeout = d
	}
	return s
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, querySchema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *Store) op(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *Store) expiry(ttl time.Duration) sql.NullTime {
	if ttl <= 0 {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: s.clock().Add(ttl), Valid: true}
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, queryPut, key, value, s.expiry(ttl)); err != nil {
		return wrap("put", err)
	}
	return nil
}

func (s *Store) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryPutIfAbsent, key, value, s.expiry(ttl), s.clock())
	if err != nil {
		if isDuplicateKeyError(err) {
			return false, nil
		}
		return false, wrap("put if absent", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, wrap("put if absent", err)
	}
	return n > 0, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var value []byte
	err := s.db.QueryRowContext(ctx, queryGet, key, s.clock()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, wrap("get", err)
	}
	return value, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, queryDelete, key); err != nil {
		return wrap("delete", err)
	}
	return nil
}

func (s *Store) Enqueue(ctx context.Context, queue, id string, score float64) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, queryEnqueue, queue, id, score); err != nil {
		return wrap("enqueue", err)
	}
	return nil
}

// PopMax deletes and returns the highest-scored entry. SKIP LOCKED lets
// concurrent callers each take a different row.
func (s *Store) PopMax(ctx context.Context, queue string) (string, float64, bool, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var (
		id    string
		score float64
	)
	err := s.db.QueryRowContext(ctx, queryPopMax, queue).Scan(&id, &score)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, wrap("pop max", err)
	}
	return id, score, true, nil
}

func (s *Store) RemoveFromQueue(ctx context.Context, queue, id string) (bool, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryRemoveFromQueue, queue, id)
	if err != nil {
		return false, wrap("remove from queue", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, wrap("remove from queue", err)
	}
	return n > 0, nil
}

func (s *Store) Size(ctx context.Context, queue string) (int, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var n int
	if err := s.db.QueryRowContext(ctx, querySize, queue).Scan(&n); err != nil {
		return 0, wrap("size", err)
	}
	return n, nil
}

func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryPurgeExpired, s.clock())
	if err != nil {
		return 0, wrap("purge expired", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, wrap("purge expired", err)
	}
	return int(n), nil
}

func wrap(op string, err error) error {
	return fmt.Errorf("postgres %s: %w", op, err)
}

// isDuplicateKeyError checks for a PostgreSQL unique violation (23505) from
// either driver.
func isDuplicateKeyError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var (
	_ store.Store  = (*Store)(nil)
	_ store.Purger = (*Store)(nil)
)
