package inbox

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store against Redis hashes, one per message id,
// using the same Lua-scripted CAS discipline as the teacher's
// internal/common/leader/redis_election.go: a single script reads and
// writes the lease fields atomically so that no two callers can both
// observe "unlocked" and both proceed.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore builds a RedisStore. prefix namespaces the hash keys, e.g.
// "catga:inbox:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(messageId uint64) string {
	return s.prefix + strconv.FormatUint(messageId, 10)
}

// tryLockScript returns 1 if the lease was acquired, 0 otherwise. It is the
// inbox analogue of redis_election.go's acquire script: check processed
// first (terminal, never re-lockable), then check the existing lease
// against "now", and only then write the new lease.
var tryLockScript = redis.NewScript(`
local processed = redis.call('HGET', KEYS[1], 'processed')
if processed == '1' then
    return 0
end
local expiresAt = redis.call('HGET', KEYS[1], 'leaseExpiresAt')
if expiresAt and tonumber(expiresAt) > tonumber(ARGV[1]) then
    return 0
end
redis.call('HSET', KEYS[1], 'leaseExpiresAt', ARGV[2])
return 1
`)

// releaseLockScript clears the lease field unconditionally; it's safe to
// call even if no lease exists.
var releaseLockScript = redis.NewScript(`
redis.call('HDEL', KEYS[1], 'leaseExpiresAt')
return 1
`)

func (s *RedisStore) TryLock(ctx context.Context, messageId uint64, leaseDuration time.Duration) (bool, error) {
	now := time.Now()
	res, err := tryLockScript.Run(ctx, s.client, []string{s.key(messageId)},
		now.UnixMilli(), now.Add(leaseDuration).UnixMilli()).Int()
	if err != nil {
		return false, wrapf("try lock", err)
	}
	return res == 1, nil
}

func (s *RedisStore) MarkProcessed(ctx context.Context, record Record) error {
	processedAt := record.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now()
	}
	err := s.client.HSet(ctx, s.key(record.MessageId),
		"processed", "1",
		"result", record.Result,
		"processedAt", strconv.FormatInt(processedAt.UnixNano(), 10),
	).Err()
	if err != nil {
		return wrapf("mark processed", err)
	}
	return wrapf("mark processed clear lease", s.client.HDel(ctx, s.key(record.MessageId), "leaseExpiresAt").Err())
}

func (s *RedisStore) HasBeenProcessed(ctx context.Context, messageId uint64) (bool, error) {
	v, err := s.client.HGet(ctx, s.key(messageId), "processed").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, wrapf("has been processed", err)
	}
	return v == "1", nil
}

func (s *RedisStore) GetProcessedResult(ctx context.Context, messageId uint64) ([]byte, error) {
	vals, err := s.client.HMGet(ctx, s.key(messageId), "processed", "result").Result()
	if err != nil {
		return nil, wrapf("get processed result", err)
	}
	processed, _ := vals[0].(string)
	if processed != "1" {
		return nil, nil
	}
	result, _ := vals[1].(string)
	return []byte(result), nil
}

func (s *RedisStore) ReleaseLock(ctx context.Context, messageId uint64) error {
	_, err := releaseLockScript.Run(ctx, s.client, []string{s.key(messageId)}).Result()
	return wrapf("release lock", err)
}

// DeleteProcessed scans the keyspace under prefix and deletes Processed
// records older than olderThan. Redis has no secondary index on
// processedAt, so this walks keys via SCAN rather than a range query —
// acceptable for a background pruning pass, not for the hot path.
func (s *RedisStore) DeleteProcessed(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixNano()
	removed := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		vals, err := s.client.HMGet(ctx, key, "processed", "processedAt").Result()
		if err != nil {
			return removed, wrapf("delete processed scan", err)
		}
		processed, _ := vals[0].(string)
		if processed != "1" {
			continue
		}
		processedAtStr, _ := vals[1].(string)
		processedAt, err := strconv.ParseInt(processedAtStr, 10, 64)
		if err != nil || processedAt >= cutoff {
			continue
		}
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return removed, wrapf("delete processed", err)
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, wrapf("delete processed iterate", err)
	}
	return removed, nil
}

var _ Store = (*RedisStore)(nil)
