// Package leaderelection provides Postgres advisory lock-based leader election.
//
// A single Postgres session-scoped advisory lock determines the leader.
// The lock is held for the lifetime of the dedicated database connection;
// there is no renewal or TTL. If the connection dies, Postgres automatically
// releases the lock server-side (timing depends on TCP keepalive settings).
//
// The heartbeat ping exists solely to detect local connection death so the
// leader can stop its duties promptly. It does NOT renew the lock.
//
// Periodic duties (trigger ticks, deadline sweeps, watchdog, maintenance)
// consult IsLeader before each cycle; followers keep serving scans and the API.
package leaderelection

import (
	"context"
	"database/sql"
	"log"
	"sync/atomic"
	"time"
)

// MetricsSink defines the interface for recording leader election metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string) // reason: "shutdown", "conn_lost"
}

// Session is a dedicated connection that may hold the lock.
type Session interface {
	TryLock(ctx context.Context) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// Locker opens sessions.
type Locker interface {
	Open(ctx context.Context) (Session, error)
}

type Config struct {
	// RetryInterval is how often a follower attempts lock acquisition.
	RetryInterval time.Duration
	// HeartbeatInterval is how often the leader pings its dedicated connection.
	HeartbeatInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		RetryInterval:     5 * time.Second,
		HeartbeatInterval: 2 * time.Second,
	}
}

// Elector manages leader election over a Locker.
type Elector struct {
	locker    Locker
	config    Config
	leader    atomic.Bool
	onElected func(ctx context.Context)
	onDemoted func()
	metrics   MetricsSink // optional, nil = disabled
}

func New(locker Locker, config Config) *Elector {
	if config.RetryInterval <= 0 {
		config.RetryInterval = 5 * time.Second
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 2 * time.Second
	}
	return &Elector{locker: locker, config: config}
}

// WithCallbacks sets hooks run on leadership changes.
//
// onElected is called in a new goroutine when this instance acquires the lock.
// The provided context is cancelled when leadership is lost.
//
// onDemoted is called synchronously when leadership is lost.
// It must be idempotent.
func (e *Elector) WithCallbacks(onElected func(ctx context.Context), onDemoted func()) *Elector {
	e.onElected = onElected
	e.onDemoted = onDemoted
	return e
}

// WithMetrics attaches a metrics sink to the elector.
func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// IsLeader reports whether this instance currently holds the lock.
func (e *Elector) IsLeader() bool {
	return e.leader.Load()
}

// Run starts the leader election loop. It blocks until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	log.Printf("leader: starting election loop (retry=%s, heartbeat=%s)",
		e.config.RetryInterval, e.config.HeartbeatInterval)

	for {
		if ctx.Err() != nil {
			log.Println("leader: election loop stopped")
			return
		}

		reason := e.runOnce(ctx)

		if ctx.Err() != nil {
			log.Println("leader: election loop stopped")
			return
		}

		if reason != "" {
			log.Printf("leader: lost leadership (reason=%s), will retry in %s", reason, e.config.RetryInterval)
		}

		select {
		case <-ctx.Done():
			log.Println("leader: election loop stopped")
			return
		case <-time.After(e.config.RetryInterval):
		}
	}
}

// runOnce attempts to acquire the lock and hold it.
// Returns the reason leadership was lost ("" if lock was not acquired).
func (e *Elector) runOnce(ctx context.Context) string {
	sess, err := e.locker.Open(ctx)
	if err != nil {
		log.Printf("leader: failed to open session: %v", err)
		return ""
	}
	defer sess.Close()

	acquired, err := sess.TryLock(ctx)
	if err != nil {
		log.Printf("leader: lock attempt failed: %v", err)
		return ""
	}
	if !acquired {
		return ""
	}

	log.Println("leader: acquired lock")
	e.leader.Store(true)
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}

	leaderCtx, cancelLeader := context.WithCancel(ctx)
	if e.onElected != nil {
		go e.onElected(leaderCtx)
	}

	reason := e.holdLock(ctx, sess)

	cancelLeader()
	e.leader.Store(false)
	if e.onDemoted != nil {
		e.onDemoted()
	}

	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}

	log.Println("leader: released lock")
	return reason
}

// holdLock blocks while pinging the session.
// Returns the reason the lock was lost.
func (e *Elector) holdLock(ctx context.Context, sess Session) string {
	ticker := time.NewTicker(e.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "shutdown"
		case <-ticker.C:
			if err := sess.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return "shutdown"
				}
				log.Printf("leader: session ping failed: %v", err)
				return "conn_lost"
			}
		}
	}
}

// PostgresLocker takes pg_try_advisory_lock on a dedicated connection.
type PostgresLocker struct {
	db      *sql.DB
	lockKey int64
}

func NewPostgresLocker(db *sql.DB, lockKey int64) *PostgresLocker {
	return &PostgresLocker{db: db, lockKey: lockKey}
}

func (l *PostgresLocker) Open(ctx context.Context) (Session, error) {
	// Advisory lock is session-scoped: must use a dedicated connection.
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &pgSession{conn: conn, lockKey: l.lockKey}, nil
}

type pgSession struct {
	conn    *sql.Conn
	lockKey int64
}

func (s *pgSession) TryLock(ctx context.Context) (bool, error) {
	var acquired bool
	err := s.conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", s.lockKey).Scan(&acquired)
	return acquired, err
}

func (s *pgSession) Ping(ctx context.Context) error { return s.conn.PingContext(ctx) }

// Close unlocks before returning the connection to the pool, otherwise a
// pooled connection would keep the lock.
func (s *pgSession) Close() error {
	_, _ = s.conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock_all()")
	return s.conn.Close()
}

// Static reports a fixed leadership state. Single-process deployments
// without Postgres use Static(true).
type Static bool

func (s Static) IsLeader() bool { return bool(s) }
