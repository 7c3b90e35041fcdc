package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thread-orchestrator/internal/errs"
	"thread-orchestrator/internal/logging"
	"thread-orchestrator/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T, defaults Defaults) (*MemoryQueue, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := NewMemoryQueue(defaults, logging.Discard())
	q.SetClock(clock.Now)
	return q, clock
}

func TestThreadQueueIsFIFO(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Defaults{RetryLimit: 3})
	name := models.ThreadQueueName(models.DeploymentName("t1"))
	require.NoError(t, q.CreateQueue(ctx, name))

	for _, text := range []string{"J1", "J2", "J3"} {
		id, err := q.Send(ctx, name, map[string]any{"messageText": text}, SendOptions{Priority: 10})
		require.NoError(t, err)
		require.NotEmpty(t, id)
	}

	var got []string
	for {
		job, err := q.Fetch(ctx, name)
		require.NoError(t, err)
		if job == nil {
			break
		}
		got = append(got, job.Data["messageText"].(string))
		require.NoError(t, q.Complete(ctx, *job))
	}
	assert.Equal(t, []string{"J1", "J2", "J3"}, got)
}

func TestHigherPriorityIsDeliveredFirst(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Defaults{})

	_, err := q.Send(ctx, "mixed", map[string]any{"n": "low"}, SendOptions{})
	require.NoError(t, err)
	_, err = q.Send(ctx, "mixed", map[string]any{"n": "high"}, SendOptions{Priority: 10})
	require.NoError(t, err)

	job, err := q.Fetch(ctx, "mixed")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "high", job.Data["n"])
	assert.Equal(t, models.StateActive, job.State)
}

func TestFailedJobIsRetriedThenDeadLettered(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t, Defaults{RetryLimit: 2, RetryDelay: 5 * time.Second})
	_, err := q.Send(ctx, "messages", map[string]any{"threadId": "t1"}, SendOptions{})
	require.NoError(t, err)

	boom := errors.New("cluster unavailable")
	for attempt := 0; attempt < 3; attempt++ {
		job, err := q.Fetch(ctx, "messages")
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d", attempt)
		assert.Equal(t, attempt, job.RetryCount)

		next := planRetry(*job, boom, clock.Now())
		require.NoError(t, q.fail(ctx, *job, next))

		// Not visible again until the retry delay passes.
		again, err := q.Fetch(ctx, "messages")
		require.NoError(t, err)
		assert.Nil(t, again)
		clock.Advance(5 * time.Second)
	}

	jobs := q.Jobs("messages")
	require.Len(t, jobs, 1)
	assert.Equal(t, models.StateFailed, jobs[0].State)
	assert.Equal(t, 2, jobs[0].RetryCount)
	require.NotNil(t, jobs[0].Output)
	assert.Equal(t, "cluster unavailable", *jobs[0].Output)
}

func TestNonRetryableErrorFailsImmediately(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t, Defaults{RetryLimit: 5})
	_, err := q.Send(ctx, "messages", map[string]any{}, SendOptions{})
	require.NoError(t, err)

	job, err := q.Fetch(ctx, "messages")
	require.NoError(t, err)
	permanent := errs.New(errs.KindInvalidConfiguration, "handle", "bad payload")
	require.NoError(t, q.fail(ctx, *job, planRetry(*job, permanent, clock.Now())))

	assert.Equal(t, models.StateFailed, q.Jobs("messages")[0].State)
}

func TestMaintainExpiresAndPurges(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t, Defaults{
		RetryLimit:  1,
		ExpireIn:    time.Minute,
		Retention:   time.Hour,
		DeleteAfter: 2 * time.Hour,
	})

	_, err := q.Send(ctx, "stuck", map[string]any{}, SendOptions{})
	require.NoError(t, err)
	_, err = q.Send(ctx, "done", map[string]any{}, SendOptions{})
	require.NoError(t, err)
	_, err = q.Send(ctx, "ignored", map[string]any{}, SendOptions{})
	require.NoError(t, err)

	stuck, err := q.Fetch(ctx, "stuck")
	require.NoError(t, err)
	require.NotNil(t, stuck)
	done, err := q.Fetch(ctx, "done")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, *done))

	clock.Advance(2 * time.Minute)
	res, err := q.Maintain(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Expired)
	assert.Equal(t, models.StateRetry, q.Jobs("stuck")[0].State)

	clock.Advance(3 * time.Hour)
	res, err = q.Maintain(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Deleted, "unprocessed past retention and finished past delete-after are purged")
	assert.Empty(t, q.Jobs("done"))
	assert.Empty(t, q.Jobs("ignored"))
}

func TestThreadActivityAggregatesHistory(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t, Defaults{})

	_, err := q.Send(ctx, models.ThreadQueueName("worker-t1"), map[string]any{}, SendOptions{})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	last := clock.Now()
	_, err = q.Send(ctx, models.ThreadResponseQueue, map[string]any{
		"routingMetadata": map[string]any{"deploymentName": "worker-t1"},
	}, SendOptions{})
	require.NoError(t, err)
	_, err = q.Send(ctx, models.ThreadQueueName("worker-t2"), map[string]any{}, SendOptions{})
	require.NoError(t, err)
	_, err = q.Send(ctx, "messages", map[string]any{}, SendOptions{})
	require.NoError(t, err)

	records, err := q.ThreadActivity(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, models.ActivityRecord{DeploymentName: "worker-t1", LastActivity: last, MessageCount: 2}, records[0])
	assert.Equal(t, "worker-t2", records[1].DeploymentName)
}

func TestDepthCountsQueuedAndActive(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Defaults{})
	for i := 0; i < 3; i++ {
		_, err := q.Send(ctx, "messages", map[string]any{"i": i}, SendOptions{})
		require.NoError(t, err)
	}
	_, err := q.Fetch(ctx, "messages")
	require.NoError(t, err)

	d, err := q.Depth(ctx, "messages")
	require.NoError(t, err)
	assert.Equal(t, Depth{Queue: "messages", Queued: 2, Active: 1}, d)
}

func TestSendAfterCloseFails(t *testing.T) {
	q, _ := newTestQueue(t, Defaults{})
	q.Close()
	_, err := q.Send(context.Background(), "messages", nil, SendOptions{})
	assert.Error(t, err)
}
