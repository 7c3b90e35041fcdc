package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"thread-orchestrator/internal/models"
)

// MemoryQueue keeps jobs in process. It has the same delivery semantics as the
// Postgres driver and backs local development and tests; nothing survives a restart.
type MemoryQueue struct {
	mu       sync.Mutex
	defaults Defaults
	logger   logrus.FieldLogger
	now      func() time.Time
	queues   map[string]time.Time
	jobs     map[string]*memJob
	seq      int64
	closed   bool
}

type memJob struct {
	job models.Job
	seq int64
}

// NewMemoryQueue creates an empty in-process store.
func NewMemoryQueue(defaults Defaults, logger logrus.FieldLogger) *MemoryQueue {
	return &MemoryQueue{
		defaults: defaults,
		logger:   logger,
		now:      time.Now,
		queues:   make(map[string]time.Time),
		jobs:     make(map[string]*memJob),
	}
}

// SetClock replaces the time source used for scheduling and expiry.
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

func (q *MemoryQueue) CreateQueue(_ context.Context, name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queues[name]; !ok {
		q.queues[name] = q.now()
	}
	return nil
}

// HasQueue reports whether CreateQueue was called for name.
func (q *MemoryQueue) HasQueue(name string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.queues[name]
	return ok
}

func (q *MemoryQueue) Send(_ context.Context, name string, data map[string]any, opts SendOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", fmt.Errorf("send %s: queue closed", name)
	}
	opts = q.defaults.apply(opts)
	now := q.now()
	startAfter := opts.StartAfter
	if startAfter.IsZero() {
		startAfter = now
	}
	q.seq++
	id := uuid.New().String()
	q.jobs[id] = &memJob{
		seq: q.seq,
		job: models.Job{
			ID:           id,
			Name:         name,
			Data:         cloneData(data),
			State:        models.StateCreated,
			Priority:     opts.Priority,
			RetryLimit:   opts.RetryLimit,
			RetryDelay:   opts.RetryDelay,
			RetryBackoff: opts.RetryBackoff,
			ExpireIn:     opts.ExpireIn,
			Owner:        opts.Owner,
			StartAfter:   startAfter,
			CreatedOn:    now,
		},
	}
	return id, nil
}

func (q *MemoryQueue) Work(ctx context.Context, name string, opts WorkOptions, handler Handler) error {
	return work(ctx, q, q.logger, name, opts, handler)
}

// Fetch claims the next deliverable job on name, or returns nil.
func (q *MemoryQueue) Fetch(ctx context.Context, name string) (*models.Job, error) {
	return q.fetch(ctx, name)
}

func (q *MemoryQueue) fetch(_ context.Context, name string) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, fmt.Errorf("fetch %s: queue closed", name)
	}
	now := q.now()
	var next *memJob
	for _, mj := range q.jobs {
		j := mj.job
		if j.Name != name || !j.State.Fetchable() || j.StartAfter.After(now) {
			continue
		}
		if next == nil || before(mj, next) {
			next = mj
		}
	}
	if next == nil {
		return nil, nil
	}
	next.job.State = models.StateActive
	started := now
	next.job.StartedOn = &started
	out := next.job
	out.Data = cloneData(next.job.Data)
	return &out, nil
}

func before(a, b *memJob) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	return a.seq < b.seq
}

// Complete acknowledges an active job.
func (q *MemoryQueue) Complete(ctx context.Context, job models.Job) error {
	return q.complete(ctx, job)
}

func (q *MemoryQueue) complete(_ context.Context, job models.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	mj, ok := q.jobs[job.ID]
	if !ok || mj.job.State != models.StateActive {
		return fmt.Errorf("complete %s: job is not active", job.ID)
	}
	done := q.now()
	mj.job.State = models.StateCompleted
	mj.job.CompletedOn = &done
	return nil
}

func (q *MemoryQueue) fail(_ context.Context, job models.Job, next attempt) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	mj, ok := q.jobs[job.ID]
	if !ok || mj.job.State != models.StateActive {
		return fmt.Errorf("fail %s: job is not active", job.ID)
	}
	q.applyAttempt(mj, next)
	return nil
}

func (q *MemoryQueue) applyAttempt(mj *memJob, next attempt) {
	mj.job.State = next.State
	mj.job.RetryCount = next.RetryCount
	mj.job.StartAfter = next.StartAfter
	mj.job.StartedOn = nil
	out := next.Output
	mj.job.Output = &out
	if next.State == models.StateFailed {
		done := q.now()
		mj.job.CompletedOn = &done
	}
}

func (q *MemoryQueue) Maintain(_ context.Context) (MaintenanceResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var res MaintenanceResult
	for id, mj := range q.jobs {
		j := mj.job
		switch {
		case j.State == models.StateActive && j.StartedOn != nil && now.Sub(*j.StartedOn) > j.ExpireIn:
			q.applyAttempt(mj, planRetry(j, errExpired, now))
			res.Expired++
		case j.State.Fetchable() && q.defaults.Retention > 0 && now.Sub(j.CreatedOn) > q.defaults.Retention:
			delete(q.jobs, id)
			res.Deleted++
		case j.State.Finished() && j.CompletedOn != nil && q.defaults.DeleteAfter > 0 && now.Sub(*j.CompletedOn) > q.defaults.DeleteAfter:
			delete(q.jobs, id)
			res.Deleted++
		}
	}
	return res, nil
}

func (q *MemoryQueue) Depth(_ context.Context, name string) (Depth, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	d := Depth{Queue: name}
	for _, mj := range q.jobs {
		if mj.job.Name != name {
			continue
		}
		switch {
		case mj.job.State.Fetchable():
			d.Queued++
		case mj.job.State == models.StateActive:
			d.Active++
		}
	}
	return d, nil
}

func (q *MemoryQueue) ThreadActivity(_ context.Context) ([]models.ActivityRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	byName := make(map[string]*models.ActivityRecord)
	for _, mj := range q.jobs {
		name, ok := historyDeployment(mj.job)
		if !ok {
			continue
		}
		rec, ok := byName[name]
		if !ok {
			rec = &models.ActivityRecord{DeploymentName: name}
			byName[name] = rec
		}
		rec.MessageCount++
		if mj.job.CreatedOn.After(rec.LastActivity) {
			rec.LastActivity = mj.job.CreatedOn
		}
	}
	out := make([]models.ActivityRecord, 0, len(byName))
	for _, rec := range byName {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeploymentName < out[j].DeploymentName })
	return out, nil
}

// Jobs returns a snapshot of every job sent to name in send order.
func (q *MemoryQueue) Jobs(name string) []models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var matched []*memJob
	for _, mj := range q.jobs {
		if mj.job.Name == name {
			matched = append(matched, mj)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	out := make([]models.Job, 0, len(matched))
	for _, mj := range matched {
		j := mj.job
		j.Data = cloneData(mj.job.Data)
		out = append(out, j)
	}
	return out
}

func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// historyDeployment maps a job to the deployment whose activity it records.
func historyDeployment(j models.Job) (string, bool) {
	if name, ok := models.DeploymentFromQueue(j.Name); ok {
		return name, true
	}
	if j.Name != models.ThreadResponseQueue {
		return "", false
	}
	meta, _ := j.Data["routingMetadata"].(map[string]any)
	name, _ := meta["deploymentName"].(string)
	return name, name != ""
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if nested, ok := v.(map[string]any); ok {
			v = cloneData(nested)
		}
		out[k] = v
	}
	return out
}
