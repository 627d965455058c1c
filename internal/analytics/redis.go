// Package analytics keeps per-profile, per-platform counters of URLs scanned
// and matches found, bucketed by time window in Redis.
package analytics

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/contentguard/internal/domain"
)

type RedisSink struct {
	client redis.UniversalClient
	prefix string
	config domain.AnalyticsConfig
	clock  func() time.Time
}

func NewRedisSink(client redis.UniversalClient, prefix string, config domain.AnalyticsConfig) *RedisSink {
	if config.Window <= 0 {
		config.Window = time.Hour
	}
	if config.Retention < config.Window {
		config.Retention = config.Window
	}
	return &RedisSink{client: client, prefix: prefix, config: config, clock: time.Now}
}

func (s *RedisSink) WithClock(clock func() time.Time) *RedisSink {
	s.clock = clock
	return s
}

// RecordScan adds one scan's counts to the current bucket. Failures are
// logged and swallowed.
func (s *RedisSink) RecordScan(ctx context.Context, profileID string, platform domain.PlatformID, urls, matches int) {
	if !s.config.Enabled {
		return
	}
	if err := s.Write(ctx, profileID, platform, urls, matches); err != nil {
		log.Printf("analytics: profile=%s platform=%s error: %v", profileID, platform, err)
	}
}

func (s *RedisSink) Write(ctx context.Context, profileID string, platform domain.PlatformID, urls, matches int) error {
	now := s.clock()
	pipe := s.client.Pipeline()
	for typ, n := range map[domain.AnalyticsType]int{
		domain.AnalyticsTypeURLs:    urls,
		domain.AnalyticsTypeMatches: matches,
	} {
		if n <= 0 {
			continue
		}
		key := s.prefix + buildKey(profileID, string(platform), typ, now, s.config.Window)
		pipe.IncrBy(ctx, key, int64(n))
		pipe.Expire(ctx, key, s.config.Retention)
	}
	if pipe.Len() == 0 {
		return nil
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// Count reads one bucket. A missing bucket is zero.
func (s *RedisSink) Count(ctx context.Context, profileID string, platform domain.PlatformID, typ domain.AnalyticsType, at time.Time) (int64, error) {
	key := s.prefix + buildKey(profileID, string(platform), typ, at, s.config.Window)
	n, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return n, nil
}

func buildKey(profileID, platform string, typ domain.AnalyticsType, t time.Time, window time.Duration) string {
	bucket := truncateToBucket(t, window)
	return fmt.Sprintf("p:%s:pl:%s:%s:%s", profileID, platform, typ, bucket)
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case 24 * time.Hour:
		return t.Format("20060102")
	default:
		return t.Format("2006010215")
	}
}
