package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript mirrors MemoryStore.ConsumeTokens on a hash {tokens, refilled}.
// ARGV: capacity, refillRate, intervalMs, tokens, nowMs. Returns {remaining, resetAtMs}.
var consumeScript = redis.NewScript(`
local capacity, rate = tonumber(ARGV[1]), tonumber(ARGV[2])
local interval, want, now = tonumber(ARGV[3]), tonumber(ARGV[4]), tonumber(ARGV[5])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'refilled')
local tokens, refilled = tonumber(state[1]), tonumber(state[2])
if not tokens then
  tokens, refilled = capacity, now
end

local cap = math.floor(capacity / rate) + 1
local intervals = math.min(math.floor((now - refilled) / interval), cap)
if intervals > 0 then
  tokens = math.min(tokens + intervals * rate, capacity)
  refilled = now
end

local remaining = tokens - want
if remaining >= 0 then
  tokens = remaining
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'refilled', refilled)
redis.call('PEXPIRE', KEYS[1], interval * (cap + 1))
return {remaining, refilled + interval}
`)

// RedisStore keeps buckets in Redis so every process shares the same limit.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisStore creates a Redis backed store; keys are "<prefix>:<key>"
func NewRedisStore(rdb redis.UniversalClient, prefix string) (*RedisStore, error) {
	if rdb == nil {
		return nil, ErrStoreUnavailable
	}
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}, nil
}

// ConsumeTokens implements Store.
func (s *RedisStore) ConsumeTokens(ctx context.Context, key string, tokens int, config Config) (int, time.Time, error) {
	res, err := consumeScript.Run(ctx, s.rdb, []string{s.key(key)},
		config.Capacity,
		config.RefillRate,
		max(config.RefillInterval.Milliseconds(), 1),
		tokens,
		time.Now().UnixMilli(),
	).Int64Slice()
	if err != nil {
		return 0, time.Time{}, errors.Join(ErrStoreUnavailable, err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("%w: unexpected reply length %d", ErrStoreUnavailable, len(res))
	}
	return int(res[0]), time.UnixMilli(res[1]), nil
}

// Reset implements Store.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) key(key string) string {
	return s.prefix + ":" + key
}
