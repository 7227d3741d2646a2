package lease

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"panelhub/internal/types"
)

var releaseScript = goredis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('del', KEYS[1])
else
  return 0
end
`)

// RedisLocker stores leases as SET NX PX keys under a prefix.
type RedisLocker struct {
	client goredis.UniversalClient
	prefix string
}

// NewRedisLocker creates a RedisLocker. Keys are "<prefix>:<name>".
func NewRedisLocker(client goredis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: strings.TrimSuffix(prefix, ":")}
}

var _ Locker = (*RedisLocker)(nil)

func (l *RedisLocker) key(name string) string {
	if l.prefix == "" {
		return name
	}
	return l.prefix + ":" + name
}

// Acquire sets the key only when it is absent.
func (l *RedisLocker) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(name), owner, ttl).Result()
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to acquire lease "+name, err)
	}
	return ok, nil
}

// Release deletes the key with a compare-and-delete script so an expired
// holder cannot free its successor's lease.
func (l *RedisLocker) Release(ctx context.Context, name, owner string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key(name)}, owner).Int64()
	if err != nil {
		return false, fmt.Errorf("release lease %s: %w", name, err)
	}
	return n == 1, nil
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return goredis.NewClient(opts), nil
}
