package repositories

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/BradenHooton/warden/internal/models"
	"github.com/redis/go-redis/v9"
)

const redisRateLimitPrefix = "warden:ratelimit:"

// hitScript applies RateLimitBucket.Hit server side so concurrent attempts on
// one bucket never lose a count. Times are unix milliseconds; 0 means unset.
var hitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local lockout = tonumber(ARGV[4])

local attempts = tonumber(redis.call('HGET', key, 'attempts') or '0')
local started = tonumber(redis.call('HGET', key, 'window_started_at') or tostring(now))
local locked = tonumber(redis.call('HGET', key, 'locked_until') or '0')

local decayed
if locked > 0 then
  decayed = now >= locked
else
  decayed = attempts == 0 or now >= started + window
end
if decayed then
  attempts = 0
  started = now
  locked = 0
end

attempts = attempts + 1

local transitioned = 0
if locked == 0 and max > 0 and attempts >= max then
  locked = now + lockout
  transitioned = 1
end

redis.call('HSET', key, 'attempts', attempts, 'window_started_at', started, 'locked_until', locked)

local ttl = started + window - now
if locked > 0 then
  ttl = locked - now
end
if ttl < 1 then
  ttl = 1
end
redis.call('PEXPIRE', key, ttl)

return {transitioned, attempts, started, locked}
`)

// releaseScript applies RateLimitBucket.Release server side
var releaseScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local unlock = ARGV[3] == '1'

local attempts = tonumber(redis.call('HGET', key, 'attempts') or '0')
local started = tonumber(redis.call('HGET', key, 'window_started_at') or '0')
local locked = tonumber(redis.call('HGET', key, 'locked_until') or '0')

if attempts == 0 then
  return 0
end
if locked > 0 then
  if not unlock or now >= locked then
    return 0
  end
elseif now >= started + window then
  return 0
end

redis.call('HSET', key, 'attempts', attempts - 1, 'locked_until', 0)
local ttl = started + window - now
if ttl < 1 then
  ttl = 1
end
redis.call('PEXPIRE', key, ttl)
return 1
`)

// RedisRateLimitStore keeps rate limit buckets in Redis hashes that expire
// once they no longer carry state
type RedisRateLimitStore struct {
	client redis.UniversalClient
}

func NewRedisRateLimitStore(client redis.UniversalClient) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client}
}

func redisBucketKey(action, key string) string {
	return redisRateLimitPrefix + action + ":" + key
}

func bucketFromMillis(action, key string, attempts, started, locked int64) *models.RateLimitBucket {
	bucket := &models.RateLimitBucket{
		Action:          action,
		Key:             key,
		Attempts:        int(attempts),
		WindowStartedAt: time.UnixMilli(started).UTC(),
	}
	if locked > 0 {
		lockedUntil := time.UnixMilli(locked).UTC()
		bucket.LockedUntil = &lockedUntil
	}
	return bucket
}

func (s *RedisRateLimitStore) GetBucket(ctx context.Context, action, key string) (*models.RateLimitBucket, error) {
	fields, err := s.client.HGetAll(ctx, redisBucketKey(action, key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read rate limit bucket: %w", err)
	}
	if len(fields) == 0 {
		return nil, models.ErrNotFound
	}

	var values [3]int64
	for i, name := range []string{"attempts", "window_started_at", "locked_until"} {
		values[i], err = strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed rate limit bucket field %s: %w", name, err)
		}
	}
	return bucketFromMillis(action, key, values[0], values[1], values[2]), nil
}

func (s *RedisRateLimitStore) HitBucket(ctx context.Context, action, key string, rule models.RateLimitRule, now time.Time) (bool, *models.RateLimitBucket, error) {
	res, err := hitScript.Run(ctx, s.client, []string{redisBucketKey(action, key)},
		now.UnixMilli(), rule.MaxAttempts, rule.Window.Milliseconds(), rule.Lockout.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return false, nil, fmt.Errorf("failed to record rate limit attempt: %w", err)
	}
	if len(res) != 4 {
		return false, nil, fmt.Errorf("unexpected rate limit script result: %v", res)
	}

	return res[0] == 1, bucketFromMillis(action, key, res[1], res[2], res[3]), nil
}

func (s *RedisRateLimitStore) ReleaseBucket(ctx context.Context, action, key string, rule models.RateLimitRule, now time.Time, startedLockout bool) error {
	unlock := 0
	if startedLockout {
		unlock = 1
	}
	err := releaseScript.Run(ctx, s.client, []string{redisBucketKey(action, key)},
		now.UnixMilli(), rule.Window.Milliseconds(), unlock,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to release rate limit attempt: %w", err)
	}
	return nil
}

func (s *RedisRateLimitStore) ResetBucket(ctx context.Context, action, key string) error {
	if err := s.client.Del(ctx, redisBucketKey(action, key)).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit bucket: %w", err)
	}
	return nil
}
