// Package redisstore implements store.Store on Redis. Records are plain
// string keys with native TTL; queues are sorted sets with a companion hash
// of insertion sequence numbers so equal scores pop in FIFO order.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/contentguard/internal/store"
)

// KEYS: zset, seq hash, counter. ARGV: id, score.
var enqueueScript = redis.NewScript(`
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 0 then
  local seq = redis.call('INCR', KEYS[3])
  redis.call('HSET', KEYS[2], ARGV[1], seq)
end
return 1
`)

// KEYS: zset, seq hash. Returns {id, score} or nil.
var popMaxScript = redis.NewScript(`
local top = redis.call('ZREVRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if #top == 0 then
  return false
end
local score = top[2]
local ties = redis.call('ZRANGEBYSCORE', KEYS[1], score, score)
local best = ties[1]
local bestSeq = tonumber(redis.call('HGET', KEYS[2], best) or '0')
for i = 2, #ties do
  local s = tonumber(redis.call('HGET', KEYS[2], ties[i]) or '0')
  if s < bestSeq then
    best = ties[i]
    bestSeq = s
  end
end
redis.call('ZREM', KEYS[1], best)
redis.call('HDEL', KEYS[2], best)
return {best, score}
`)

// KEYS: zset, seq hash. ARGV: id.
var removeScript = redis.NewScript(`
local n = redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return n
`)

type Store struct {
	client redis.UniversalClient
	prefix string
}

// New wraps an existing client. All keys are namespaced under prefix.
func New(client redis.UniversalClient, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

// Connect parses a redis:// URL, pings the server, and returns a Store.
func Connect(ctx context.Context, url, prefix string) (*Store, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, prefix), client, nil
}

func (s *Store) recordKey(key string) string { return s.prefix + "rec:" + key }
func (s *Store) queueKey(name string) string { return s.prefix + "q:" + name }
func (s *Store) seqKey(name string) string   { return s.prefix + "qseq:" + name }
func (s *Store) counterKey(name string) string {
	return s.prefix + "qctr:" + name
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.recordKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

func (s *Store) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.recordKey(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis put if absent: %w", err)
	}
	return ok, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.recordKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return value, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.recordKey(key)).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

func (s *Store) Enqueue(ctx context.Context, queue, id string, score float64) error {
	keys := []string{s.queueKey(queue), s.seqKey(queue), s.counterKey(queue)}
	if err := enqueueScript.Run(ctx, s.client, keys, id, score).Err(); err != nil {
		return fmt.Errorf("redis enqueue: %w", err)
	}
	return nil
}

func (s *Store) PopMax(ctx context.Context, queue string) (string, float64, bool, error) {
	keys := []string{s.queueKey(queue), s.seqKey(queue)}
	res, err := popMaxScript.Run(ctx, s.client, keys).Slice()
	if errors.Is(err, redis.Nil) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("redis pop max: %w", err)
	}
	if len(res) != 2 {
		return "", 0, false, fmt.Errorf("redis pop max: unexpected reply length %d", len(res))
	}
	id, _ := res[0].(string)
	raw, _ := res[1].(string)
	score, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return "", 0, false, fmt.Errorf("redis pop max: parse score %q: %w", raw, err)
	}
	return id, score, true, nil
}

func (s *Store) RemoveFromQueue(ctx context.Context, queue, id string) (bool, error) {
	keys := []string{s.queueKey(queue), s.seqKey(queue)}
	n, err := removeScript.Run(ctx, s.client, keys, id).Int()
	if err != nil {
		return false, fmt.Errorf("redis remove from queue: %w", err)
	}
	return n > 0, nil
}

func (s *Store) Size(ctx context.Context, queue string) (int, error) {
	n, err := s.client.ZCard(ctx, s.queueKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis size: %w", err)
	}
	return int(n), nil
}

var _ store.Store = (*Store)(nil)
