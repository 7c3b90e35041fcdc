package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thread-orchestrator/internal/errs"
	"thread-orchestrator/internal/logging"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	allowed, _, err := bucket.Allow(ctx, "tenant")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "tenant")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "tenant")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}
}

func TestTokenBucketRefillsWithClock(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	bucket := NewTokenBucket(client, 1, 0.5, time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bucket.now = func() time.Time { return now }

	allowed, _, err := bucket.Allow(ctx, "u1")
	require.NoError(t, err)
	require.True(t, allowed)
	allowed, _, _ = bucket.Allow(ctx, "u1")
	assert.False(t, allowed)

	now = now.Add(2 * time.Second)
	allowed, _, err = bucket.Allow(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, allowed, "one token refills after two seconds at 0.5/s")
}

func TestDeployThrottleIsPerUser(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	throttle := NewDeployThrottle(NewTokenBucket(client, 1, 0.001, time.Hour), logging.Discard())

	require.NoError(t, throttle.AllowNewDeployment(ctx, "alice"))
	err := throttle.AllowNewDeployment(ctx, "alice")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindRateLimited))
	assert.True(t, errs.IsRetryable(err))

	assert.NoError(t, throttle.AllowNewDeployment(ctx, "bob"))
}

func TestDeployThrottleFailsOpen(t *testing.T) {
	mr, client := newRedis(t)
	throttle := NewDeployThrottle(NewTokenBucket(client, 1, 1, time.Minute), logging.Discard())
	mr.Close()

	assert.NoError(t, throttle.AllowNewDeployment(context.Background(), "alice"))
}

// replyScripter answers every script call with a fixed reply.
type replyScripter struct {
	redis.Scripter
	reply interface{}
}

func (s replyScripter) EvalSha(ctx context.Context, _ string, _ []string, _ ...interface{}) *redis.Cmd {
	return redis.NewCmdResult(s.reply, nil)
}

func TestTokenBucketRejectsMalformedReply(t *testing.T) {
	ctx := context.Background()
	for _, reply := range []interface{}{"OK", []interface{}{int64(1)}, []interface{}{"1", int64(2)}} {
		bucket := NewTokenBucket(replyScripter{reply: reply}, 2, 1, time.Minute)
		var err error
		require.NotPanics(t, func() { _, _, err = bucket.Allow(ctx, "k") })
		assert.Error(t, err, "%v", reply)
	}
}

func TestDeployThrottleFailsOpenOnMalformedReply(t *testing.T) {
	bucket := NewTokenBucket(replyScripter{reply: []interface{}{"1", int64(2)}}, 1, 1, time.Minute)
	throttle := NewDeployThrottle(bucket, logging.Discard())
	assert.NoError(t, throttle.AllowNewDeployment(context.Background(), "u1"))
}
