package lock

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisStore keeps leases as plain keys holding the owner token with a
// PX expiry.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore returns a RedisStore writing keys under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	k := s.prefix + key
	ok, err := s.client.SetNX(ctx, k, owner, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	// Re-entrant for the same owner.
	n, err := extendScript.Run(ctx, s.client, []string{k}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) Renew(ctx context.Context, key, owner string, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, s.client, []string{s.prefix + key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key, owner string) error {
	return releaseScript.Run(ctx, s.client, []string{s.prefix + key}, owner).Err()
}

func (s *RedisStore) Owner(ctx context.Context, key string) (string, bool, error) {
	owner, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return owner, true, nil
}
