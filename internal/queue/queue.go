// Package queue is the durable job store. It delivers jobs at least once,
// FIFO within a queue name at equal priority, retrying failed handlers up to a
// per-job limit before marking the job failed.
package queue

import (
	"context"
	"errors"
	"time"

	"thread-orchestrator/internal/models"
)

var errExpired = errors.New("job expired before it was completed")

// Handler processes one delivered job. Returning nil completes the job; an error
// schedules a retry unless the error is classified as not retryable or the retry
// limit is exhausted. Handlers must be idempotent.
type Handler func(ctx context.Context, job models.Job) error

// SendOptions control delivery of a single job. Zero values take the store defaults.
type SendOptions struct {
	Priority     int
	RetryLimit   int
	RetryDelay   time.Duration
	RetryBackoff bool
	ExpireIn     time.Duration
	StartAfter   time.Time
	// Owner is the database role allowed to see the row; empty means the sender.
	Owner string
}

// Defaults are applied to every send and drive housekeeping.
type Defaults struct {
	RetryLimit   int
	RetryDelay   time.Duration
	RetryBackoff bool
	ExpireIn     time.Duration
	Retention    time.Duration
	DeleteAfter  time.Duration
}

// WorkOptions control a Work subscription.
type WorkOptions struct {
	Concurrency  int
	PollInterval time.Duration
}

// Depth is a snapshot of one queue.
type Depth struct {
	Queue  string `json:"queue"`
	Queued int64  `json:"queued"`
	Active int64  `json:"active"`
}

// MaintenanceResult reports what a housekeeping run changed.
type MaintenanceResult struct {
	Expired int64
	Deleted int64
}

// JobStore is implemented by the Postgres and in-memory drivers.
type JobStore interface {
	CreateQueue(ctx context.Context, name string) error
	Send(ctx context.Context, name string, data map[string]any, opts SendOptions) (string, error)
	// Work delivers jobs from name to handler until ctx is cancelled, then waits
	// for in-flight handlers to return.
	Work(ctx context.Context, name string, opts WorkOptions, handler Handler) error
	Maintain(ctx context.Context) (MaintenanceResult, error)
	Depth(ctx context.Context, name string) (Depth, error)
	ThreadActivity(ctx context.Context) ([]models.ActivityRecord, error)
	Close()
}

func (d Defaults) apply(opts SendOptions) SendOptions {
	if opts.RetryLimit == 0 {
		opts.RetryLimit = d.RetryLimit
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = d.RetryDelay
		opts.RetryBackoff = opts.RetryBackoff || d.RetryBackoff
	}
	if opts.ExpireIn == 0 {
		opts.ExpireIn = d.ExpireIn
	}
	if opts.ExpireIn == 0 {
		opts.ExpireIn = 15 * time.Minute
	}
	return opts
}

func (o WorkOptions) normalized() WorkOptions {
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	return o
}
