package queue

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"thread-orchestrator/internal/errs"
	"thread-orchestrator/internal/models"
	"thread-orchestrator/internal/telemetry"
)

const maxRetryBackoff = time.Hour

// backend is the storage half of a driver; the delivery loop is shared.
type backend interface {
	fetch(ctx context.Context, name string) (*models.Job, error)
	complete(ctx context.Context, job models.Job) error
	fail(ctx context.Context, job models.Job, next attempt) error
}

// attempt is the outcome of a failed delivery.
type attempt struct {
	State      models.JobState
	RetryCount int
	StartAfter time.Time
	Output     string
}

// processor drives the delivery loop for one queue subscription.
type processor struct {
	backend backend
	name    string
	opts    WorkOptions
	handler Handler
	logger  logrus.FieldLogger
}

func work(ctx context.Context, b backend, logger logrus.FieldLogger, name string, opts WorkOptions, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("work %s: nil handler", name)
	}
	p := &processor{
		backend: b,
		name:    name,
		opts:    opts.normalized(),
		handler: handler,
		logger:  logger.WithFields(logrus.Fields{"component": "queue", "queue": name}),
	}
	var wg sync.WaitGroup
	for i := 0; i < p.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.run(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// run fetches and handles jobs until ctx is cancelled. A job already fetched is
// always finished, even during shutdown, so it is not left active until expiry.
func (p *processor) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.backend.fetch(ctx, p.name)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.WithError(err).Warn("fetch failed")
			}
			sleep(ctx, p.opts.PollInterval)
			continue
		}
		if job == nil {
			sleep(ctx, p.opts.PollInterval)
			continue
		}
		p.process(context.WithoutCancel(ctx), *job)
	}
}

func (p *processor) process(ctx context.Context, job models.Job) {
	log := p.logger.WithField("job_id", job.ID)
	err := p.invoke(ctx, job)
	if err == nil {
		if cerr := p.backend.complete(ctx, job); cerr != nil {
			log.WithError(cerr).Error("complete failed; job will be redelivered after expiry")
			return
		}
		telemetry.JobsCompleted.WithLabelValues(p.name).Inc()
		return
	}

	next := planRetry(job, err, time.Now())
	if ferr := p.backend.fail(ctx, job, next); ferr != nil {
		log.WithError(ferr).Error("recording failure failed; job will be redelivered after expiry")
		return
	}
	if next.State == models.StateFailed {
		telemetry.JobsDeadLettered.WithLabelValues(p.name).Inc()
		log.WithError(err).WithField("retry_count", job.RetryCount).Error("job failed permanently")
		return
	}
	telemetry.JobsRetried.WithLabelValues(p.name).Inc()
	log.WithError(err).WithFields(logrus.Fields{
		"retry_count": next.RetryCount,
		"next_run":    next.StartAfter.UTC().Format(time.RFC3339),
	}).Warn("job failed; retry scheduled")
}

func (p *processor) invoke(ctx context.Context, job models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler(ctx, job)
}

// planRetry decides whether a failed job is retried and when.
func planRetry(job models.Job, cause error, now time.Time) attempt {
	out := cause.Error()
	if !errs.IsRetryable(cause) || job.RetryCount >= job.RetryLimit {
		return attempt{State: models.StateFailed, RetryCount: job.RetryCount, StartAfter: job.StartAfter, Output: out}
	}
	delay := job.RetryDelay
	if job.RetryBackoff {
		base := delay
		if base <= 0 {
			base = time.Second
		}
		delay = backoffWithJitter(base, maxRetryBackoff, job.RetryCount+1)
	}
	return attempt{State: models.StateRetry, RetryCount: job.RetryCount + 1, StartAfter: now.Add(delay), Output: out}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// RunMaintenance performs store housekeeping every interval until ctx is done.
func RunMaintenance(ctx context.Context, store JobStore, interval time.Duration, logger logrus.FieldLogger) {
	if interval <= 0 {
		interval = time.Minute
	}
	log := logger.WithField("component", "queue-maintenance")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		res, err := store.Maintain(ctx)
		if err != nil {
			log.WithError(err).Warn("maintenance failed")
			continue
		}
		if res.Expired > 0 || res.Deleted > 0 {
			log.WithFields(logrus.Fields{"expired": res.Expired, "deleted": res.Deleted}).Info("maintenance complete")
		}
	}
}
