// Package watchdog reclaims work stuck in a running state.
//
// A job is stuck when its worker claimed it and never wrote back, for
// example because the process crashed or an external call hung past every
// timeout. The watchdog periodically asks each queue to fail such work
// through its normal retry policy, so nothing stays Running forever.
package watchdog

import (
	"context"
	"log"
	"time"
)

// Reclaimer is a queue that can reclaim its own stale claims.
type Reclaimer interface {
	Name() string
	ReclaimStale(ctx context.Context, limit int) (int, error)
}

// LeaderChecker gates cycles so only one replica reclaims.
type LeaderChecker interface {
	IsLeader() bool
}

// MetricsSink defines the interface for recording watchdog metrics.
type MetricsSink interface {
	JobsReclaimed(queue string, count int)
}

// Config holds watchdog configuration.
type Config struct {
	// Interval is how often the watchdog runs.
	// Default: 1 minute.
	Interval time.Duration

	// BatchSize is the maximum number of claims reclaimed per queue per cycle.
	// Default: 100.
	BatchSize int
}

// DefaultConfig returns the default watchdog configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  time.Minute,
		BatchSize: 100,
	}
}

type Watchdog struct {
	config  Config
	queues  []Reclaimer
	leader  LeaderChecker
	metrics MetricsSink
}

func New(config Config, queues ...Reclaimer) *Watchdog {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	return &Watchdog{config: config, queues: queues}
}

// WithMetrics attaches a metrics sink to the watchdog.
func (w *Watchdog) WithMetrics(sink MetricsSink) *Watchdog {
	w.metrics = sink
	return w
}

func (w *Watchdog) WithLeader(l LeaderChecker) *Watchdog {
	w.leader = l
	return w
}

// Run starts the watchdog loop. It blocks until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	log.Printf("watchdog: started (interval=%s, batch=%d, queues=%d)",
		w.config.Interval, w.config.BatchSize, len(w.queues))

	w.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("watchdog: stopped")
			return
		case <-ticker.C:
			w.RunCycle(ctx)
		}
	}
}

// RunCycle executes one reclaim pass over every queue and returns the total
// number of reclaimed claims.
func (w *Watchdog) RunCycle(ctx context.Context) int {
	if w.leader != nil && !w.leader.IsLeader() {
		return 0
	}

	total := 0
	for _, q := range w.queues {
		if ctx.Err() != nil {
			log.Printf("watchdog: cycle interrupted, reclaimed=%d", total)
			return total
		}

		n, err := q.ReclaimStale(ctx, w.config.BatchSize)
		if err != nil {
			// Store error: log and move on. Will retry next interval.
			log.Printf("watchdog: queue=%s reclaim failed after %d: %v", q.Name(), n, err)
		}
		if n > 0 {
			log.Printf("watchdog: queue=%s reclaimed=%d", q.Name(), n)
			if w.metrics != nil {
				w.metrics.JobsReclaimed(q.Name(), n)
			}
		}
		total += n
	}
	return total
}
