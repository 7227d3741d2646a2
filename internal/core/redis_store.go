package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the counter and starts its window on the
// first hit. It returns the count and the remaining window in ms.
var fixedWindowScript = goredis.NewScript(`
local n = redis.call('incr', KEYS[1])
if n == 1 then
  redis.call('pexpire', KEYS[1], ARGV[1])
end
return {n, redis.call('pttl', KEYS[1])}
`)

// RedisRateLimitStore keeps fixed-window counters in Redis.
type RedisRateLimitStore struct {
	client goredis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisRateLimitStore stores counters under "<prefix>:ratelimit:".
func NewRedisRateLimitStore(client goredis.UniversalClient, prefix string) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client, prefix: strings.TrimSuffix(prefix, ":"), now: time.Now}
}

var _ RateLimitStore = (*RedisRateLimitStore)(nil)

func (s *RedisRateLimitStore) IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error) {
	vals, err := fixedWindowScript.Run(ctx, s.client, []string{s.prefix + ":ratelimit:" + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(vals) != 2 {
		return RateLimitResult{}, fmt.Errorf("rate limit %s: unexpected reply %v", key, vals)
	}
	count, ttl := int(vals[0]), time.Duration(vals[1])*time.Millisecond
	if ttl < 0 {
		ttl = window
	}
	return RateLimitResult{
		Allowed:   count <= limit,
		Remaining: max(limit-count, 0),
		ResetAt:   s.now().Add(ttl),
	}, nil
}

// RedisIdempotencyStore keeps idempotency records as JSON values that expire
// after ttl.
type RedisIdempotencyStore struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisIdempotencyStore stores records under "<prefix>:idem:". A zero
// ttl defaults to 24h.
func NewRedisIdempotencyStore(client goredis.UniversalClient, prefix string, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisIdempotencyStore{client: client, prefix: strings.TrimSuffix(prefix, ":"), ttl: ttl}
}

var _ IdempotencyStore = (*RedisIdempotencyStore)(nil)

func (s *RedisIdempotencyStore) key(key, scope string) string {
	return s.prefix + ":idem:" + scope + ":" + key
}

func (s *RedisIdempotencyStore) Get(ctx context.Context, key, scope string) (*IdempotencyRecord, error) {
	raw, err := s.client.Get(ctx, s.key(key, scope)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	var rec IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, nil
}

func (s *RedisIdempotencyStore) Create(ctx context.Context, key, scope, path string) error {
	raw, err := json.Marshal(IdempotencyRecord{Status: IdempotencyStatusProcessing, Path: path})
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.key(key, scope), raw, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("create idempotency key: %w", err)
	}
	if !ok {
		return ErrIdempotencyKeyTaken
	}
	return nil
}

func (s *RedisIdempotencyStore) Complete(ctx context.Context, key, scope string, code int, body []byte) error {
	rec, err := s.Get(ctx, key, scope)
	if err != nil {
		return err
	}
	path := ""
	if rec != nil {
		path = rec.Path
	}
	raw, err := json.Marshal(IdempotencyRecord{
		Status:       IdempotencyStatusCompleted,
		Path:         path,
		ResponseCode: code,
		ResponseBody: body,
	})
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(key, scope), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// Fail releases the key so the request can be retried.
func (s *RedisIdempotencyStore) Fail(ctx context.Context, key, scope string) error {
	if err := s.client.Del(ctx, s.key(key, scope)).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}
