// Package platform holds the typed scanner registry, the platform catalog
// and per-platform rate limiters.
package platform

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/djlord-it/contentguard/internal/domain"
)

var ErrUnknownPlatform = errors.New("unknown platform")

// Scanner searches one platform through one egress region. Implementations
// must be safe for concurrent use and do not rate-limit themselves.
type Scanner interface {
	Search(ctx context.Context, query string, platform domain.PlatformID, region domain.Region, limit int) ([]domain.Candidate, error)
}

// ScannerFunc adapts a function to Scanner.
type ScannerFunc func(ctx context.Context, query string, platform domain.PlatformID, region domain.Region, limit int) ([]domain.Candidate, error)

func (f ScannerFunc) Search(ctx context.Context, query string, platform domain.PlatformID, region domain.Region, limit int) ([]domain.Candidate, error) {
	return f(ctx, query, platform, region, limit)
}

// Registry maps platform ids to scanners. A fallback scanner, when set,
// serves every platform without a dedicated registration.
type Registry struct {
	mu       sync.RWMutex
	scanners map[domain.PlatformID]Scanner
	fallback Scanner
}

func NewRegistry() *Registry {
	return &Registry{scanners: make(map[domain.PlatformID]Scanner)}
}

func (r *Registry) Register(id domain.PlatformID, s Scanner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanners[id] = s
}

func (r *Registry) SetFallback(s Scanner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = s
}

func (r *Registry) Lookup(id domain.PlatformID) (Scanner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.scanners[id]; ok {
		return s, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, domain.NewError(domain.KindValidation, "lookup scanner", fmt.Errorf("%w: %s", ErrUnknownPlatform, id))
}
