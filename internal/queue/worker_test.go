package queue

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thread-orchestrator/internal/models"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b10 := backoffWithJitter(base, max, 10)
	if b10 > max {
		t.Fatalf("backoff exceeded cap: %s", b10)
	}
}

func TestPlanRetryHonoursBackoffFlag(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := models.Job{RetryLimit: 3, RetryCount: 2, RetryDelay: 10 * time.Second}

	fixed := planRetry(job, errors.New("x"), now)
	assert.Equal(t, models.StateRetry, fixed.State)
	assert.Equal(t, 3, fixed.RetryCount)
	assert.Equal(t, now.Add(10*time.Second), fixed.StartAfter)

	job.RetryBackoff = true
	backedOff := planRetry(job, errors.New("x"), now)
	assert.True(t, !backedOff.StartAfter.Before(now.Add(20*time.Second)), "third attempt waits at least half of 4x the base delay")
}

func TestWorkDeliversUntilCancelled(t *testing.T) {
	q, _ := newTestQueue(t, Defaults{RetryLimit: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 5; i++ {
		_, err := q.Send(ctx, "messages", map[string]any{"i": i}, SendOptions{})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := 0
	done := make(chan error, 1)
	go func() {
		done <- q.Work(ctx, "messages", WorkOptions{Concurrency: 3, PollInterval: 5 * time.Millisecond}, func(_ context.Context, _ models.Job) error {
			mu.Lock()
			defer mu.Unlock()
			seen++
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen == 5
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	for _, j := range q.Jobs("messages") {
		assert.Equal(t, models.StateCompleted, j.State)
	}
}

func TestWorkRecoversHandlerPanic(t *testing.T) {
	q, _ := newTestQueue(t, Defaults{RetryLimit: 0})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := q.Send(ctx, "messages", map[string]any{}, SendOptions{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- q.Work(ctx, "messages", WorkOptions{PollInterval: 5 * time.Millisecond}, func(context.Context, models.Job) error {
			panic("nil map")
		})
	}()

	require.Eventually(t, func() bool {
		jobs := q.Jobs("messages")
		return len(jobs) == 1 && jobs[0].State == models.StateFailed
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	out := q.Jobs("messages")[0].Output
	require.NotNil(t, out)
	assert.Contains(t, *out, "handler panic: nil map")
}

func TestWorkRejectsNilHandler(t *testing.T) {
	q, _ := newTestQueue(t, Defaults{})
	assert.Error(t, q.Work(context.Background(), "messages", WorkOptions{}, nil))
}
