package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrBackendUnavailable wraps Redis failures. Callers decide whether to
// fail open or closed; the Submitter propagates it.
var ErrBackendUnavailable = errors.New("ratelimit: backend unavailable")

// tokenBucketScript refills and consumes atomically server-side. Bucket
// state lives in a hash {tokens, ts}; keys expire after two full refill
// windows so idle tenants cost nothing.
//
// KEYS[1] bucket key
// ARGV[1] capacity, ARGV[2] refill per second, ARGV[3] now (unix micro)
// Returns {allowed, retry_after_micros}.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil then
  tokens = capacity
  ts = now
end

local elapsed = math.max(0, now - ts) / 1000000
tokens = math.min(capacity, tokens + elapsed * refill)

local allowed = 0
local retry_after = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  retry_after = math.ceil((1 - tokens) / refill * 1000000)
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'ts', now)
redis.call('PEXPIRE', KEYS[1], math.ceil(capacity / refill * 2000))
return {allowed, retry_after}
`)

// Redis is a distributed token-bucket limiter. All submitter instances
// sharing the same Redis observe one budget per key.
type Redis struct {
	client redis.UniversalClient
	cfg    Config
	prefix string
}

// NewRedis creates a Redis-backed limiter.
func NewRedis(client redis.UniversalClient, cfg Config) *Redis {
	return &Redis{client: client, cfg: cfg, prefix: "ratelimit:"}
}

// Allow consumes one token for key via a server-side script.
func (r *Redis) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	res, err := tokenBucketScript.Run(ctx, r.client,
		[]string{r.prefix + key},
		r.cfg.capacity(), r.cfg.refillPerSecond(), time.Now().UnixMicro(),
	).Int64Slice()
	if err != nil {
		return false, 0, errors.Join(ErrBackendUnavailable, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("%w: unexpected script result", ErrBackendUnavailable)
	}
	if res[0] == 1 {
		return true, 0, nil
	}
	return false, time.Duration(res[1]) * time.Microsecond, nil
}
