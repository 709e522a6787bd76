package idempotency

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on top of Redis's native key TTL, the same
// "SET ... EX" shape internal/common/leader/redis_election.go uses for its
// lock key — here there is no CAS requirement, so a plain SET with
// expiration is sufficient per spec §4.9.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore builds a RedisStore. prefix namespaces the keys, e.g.
// "catga:idempotency:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(fingerprint string) string {
	return s.prefix + fingerprint
}

func (s *RedisStore) HasBeenProcessed(ctx context.Context, fingerprint string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(fingerprint)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) MarkProcessed(ctx context.Context, fingerprint string, result []byte, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(fingerprint), result, ttl).Err()
}

func (s *RedisStore) GetCachedResult(ctx context.Context, fingerprint string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.key(fingerprint)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

var _ Store = (*RedisStore)(nil)
