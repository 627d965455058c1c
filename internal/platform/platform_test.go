package platform

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/djlord-it/contentguard/internal/domain"
)

func testConfigs() []domain.PlatformConfig {
	return []domain.PlatformConfig{
		{Name: "tube", RateLimitPerMinute: 60, PriorityWeight: 5},
		{Name: "forum", RateLimitPerMinute: 30, PriorityWeight: 1},
		{Name: "social", RateLimitPerMinute: 120, PriorityWeight: 9},
		{Name: "blog", RateLimitPerMinute: 10, PriorityWeight: 5},
	}
}

func TestCatalog_PriorityOrder(t *testing.T) {
	c, err := NewCatalog(testConfigs())
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	want := []string{"social", "blog", "tube", "forum"}
	for i, cfg := range c.All() {
		if string(cfg.Name) != want[i] {
			t.Errorf("All()[%d] = %s, want %s", i, cfg.Name, want[i])
		}
	}
}

func TestCatalog_Select(t *testing.T) {
	c, _ := NewCatalog(testConfigs())

	tests := []struct {
		name      string
		requested []domain.PlatformID
		limit     int
		want      []string
	}{
		{"all unlimited", nil, 0, []string{"social", "blog", "tube", "forum"}},
		{"all capped", nil, 2, []string{"social", "blog"}},
		{"requested keeps priority order", []domain.PlatformID{"forum", "tube"}, 0, []string{"tube", "forum"}},
		{"requested capped", []domain.PlatformID{"forum", "tube", "social"}, 1, []string{"social"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Select(tt.requested, tt.limit)
			if err != nil {
				t.Fatalf("Select: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Select returned %d platforms, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if string(got[i].Name) != tt.want[i] {
					t.Errorf("[%d] = %s, want %s", i, got[i].Name, tt.want[i])
				}
			}
		})
	}
}

func TestCatalog_SelectUnknownIsValidationFailure(t *testing.T) {
	c, _ := NewCatalog(testConfigs())
	_, err := c.Select([]domain.PlatformID{"nope"}, 0)
	if !errors.Is(err, ErrUnknownPlatform) {
		t.Fatalf("expected ErrUnknownPlatform, got %v", err)
	}
	if domain.Classify(err) != domain.KindValidation {
		t.Errorf("kind = %s, want validation", domain.Classify(err))
	}
}

func TestCatalog_RejectsDuplicates(t *testing.T) {
	_, err := NewCatalog([]domain.PlatformConfig{{Name: "a"}, {Name: "a"}})
	if err == nil {
		t.Error("expected duplicate platform error")
	}
}

func TestRegistry_LookupAndFallback(t *testing.T) {
	r := NewRegistry()
	dedicated := ScannerFunc(func(ctx context.Context, q string, p domain.PlatformID, reg domain.Region, limit int) ([]domain.Candidate, error) {
		return []domain.Candidate{{URL: "dedicated"}}, nil
	})
	r.Register("tube", dedicated)

	if _, err := r.Lookup("forum"); !errors.Is(err, ErrUnknownPlatform) {
		t.Errorf("expected ErrUnknownPlatform without fallback, got %v", err)
	}

	r.SetFallback(ScannerFunc(func(ctx context.Context, q string, p domain.PlatformID, reg domain.Region, limit int) ([]domain.Candidate, error) {
		return []domain.Candidate{{URL: "fallback"}}, nil
	}))

	for id, want := range map[domain.PlatformID]string{"tube": "dedicated", "forum": "fallback"} {
		s, err := r.Lookup(id)
		if err != nil {
			t.Fatalf("Lookup(%s): %v", id, err)
		}
		got, _ := s.Search(context.Background(), "q", id, domain.Region{}, 1)
		if got[0].URL != want {
			t.Errorf("Lookup(%s) served by %s, want %s", id, got[0].URL, want)
		}
	}
}

func TestLimiters_BucketExhaustion(t *testing.T) {
	l := NewLimiters()
	cfg := domain.PlatformConfig{Name: "blog", RateLimitPerMinute: 2}

	if !l.Allow(cfg) || !l.Allow(cfg) {
		t.Fatal("bucket should start full")
	}
	if l.Allow(cfg) {
		t.Fatal("third token should not be available immediately")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, cfg)
	if domain.Classify(err) != domain.KindResourceExhausted {
		t.Errorf("Wait on empty bucket: kind %s err %v, want resource_exhausted", domain.Classify(err), err)
	}
}

func TestLimiters_UnlimitedRate(t *testing.T) {
	l := NewLimiters()
	cfg := domain.PlatformConfig{Name: "free"}
	for i := 0; i < 1000; i++ {
		if !l.Allow(cfg) {
			t.Fatalf("unlimited limiter refused token %d", i)
		}
	}
}
