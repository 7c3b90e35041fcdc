// Package ratelimit throttles how fast a single user can grow the worker fleet.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"thread-orchestrator/internal/errs"
	"thread-orchestrator/internal/telemetry"
)

// TokenBucket implements a distributed token bucket rate limiter using Redis.
type TokenBucket struct {
	client   redis.Scripter
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client redis.Scripter, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow consumes a single token for the given key if available.
// Returns allowed flag and current token count.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	now := b.now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected bucket reply %T", res)
	}
	flag, ok := arr[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected bucket allowed flag %T", arr[0])
	}
	allowed := flag == 1
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed, tokens, nil
}

// DeployThrottle limits new worker deployments per user. Scale-ups of existing
// deployments are never throttled.
type DeployThrottle struct {
	bucket *TokenBucket
	logger logrus.FieldLogger
}

func NewDeployThrottle(bucket *TokenBucket, logger logrus.FieldLogger) *DeployThrottle {
	return &DeployThrottle{bucket: bucket, logger: logger.WithField("component", "deploy-throttle")}
}

// AllowNewDeployment returns a retryable RATE_LIMITED error when userID has
// exhausted its budget. Redis being unavailable lets the request through.
func (t *DeployThrottle) AllowNewDeployment(ctx context.Context, userID string) error {
	allowed, tokens, err := t.bucket.Allow(ctx, "deploy:"+userID)
	if err != nil {
		t.logger.WithError(err).WithField("user_id", userID).Warn("rate limiter unavailable, allowing deployment")
		return nil
	}
	if !allowed {
		telemetry.DeployRateLimitHits.Inc()
		return errs.New(errs.KindRateLimited, "create deployment", fmt.Sprintf("user %s exceeded new deployment budget (%.2f tokens left)", userID, tokens))
	}
	return nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
