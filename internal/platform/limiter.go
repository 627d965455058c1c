package platform

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/djlord-it/contentguard/internal/domain"
)

// Limiters holds one token bucket per platform, shared by all workers.
// Each bucket holds RateLimitPerMinute tokens and refills at
// RateLimitPerMinute/60 tokens per second. A non-positive rate is unlimited.
type Limiters struct {
	mu       sync.Mutex
	limiters map[domain.PlatformID]*rate.Limiter
}

func NewLimiters() *Limiters {
	return &Limiters{limiters: make(map[domain.PlatformID]*rate.Limiter)}
}

func (l *Limiters) get(cfg domain.PlatformConfig) *rate.Limiter {
	id := domain.PlatformID(cfg.Name)

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[id]; ok {
		return lim
	}
	var lim *rate.Limiter
	if cfg.RateLimitPerMinute <= 0 {
		lim = rate.NewLimiter(rate.Inf, 0)
	} else {
		lim = rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60.0), cfg.RateLimitPerMinute)
	}
	l.limiters[id] = lim
	return lim
}

// Wait blocks until a token is available or ctx ends. If the wait cannot
// finish before ctx's deadline the call fails as resource exhaustion.
func (l *Limiters) Wait(ctx context.Context, cfg domain.PlatformConfig) error {
	if err := l.get(cfg).Wait(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return err
		}
		return domain.NewError(domain.KindResourceExhausted, "rate limit "+string(cfg.Name),
			fmt.Errorf("%w: %v", domain.ErrResourceExhausted, err))
	}
	return nil
}

// Allow takes a token without waiting.
func (l *Limiters) Allow(cfg domain.PlatformConfig) bool {
	return l.get(cfg).Allow()
}
