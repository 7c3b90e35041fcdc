// Package reconciler drives periodic and on-demand reconciliation passes over
// the worker fleet.
package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"

	"thread-orchestrator/internal/deploy"
	"thread-orchestrator/internal/logging"
	"thread-orchestrator/internal/telemetry"
)

// LockKey serialises passes across orchestrator replicas.
const LockKey = "lock:orchestrator:reconcile"

// Fleet is the part of the deployment manager a pass needs.
type Fleet interface {
	ReconcileDeployments(ctx context.Context) (deploy.ReconcileResult, error)
	CleanupOrphans(ctx context.Context) (int, error)
	ListWorkers(ctx context.Context) ([]deploy.Worker, error)
}

// Options configures a Reconciler.
type Options struct {
	Interval      time.Duration
	OrphanCleanup bool
	// Locker is optional. Without it every replica runs its own passes.
	Locker  *redislock.Client
	LockTTL time.Duration
}

// Reconciler runs passes on a timer and whenever Trigger is called. Passes
// never overlap; triggers that arrive during a pass collapse into one more.
type Reconciler struct {
	fleet   Fleet
	opts    Options
	trigger chan struct{}
	logger  *logrus.Entry
}

func New(fleet Fleet, opts Options, logger logrus.FieldLogger) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Minute
	}
	return &Reconciler{
		fleet:   fleet,
		opts:    opts,
		trigger: make(chan struct{}, 1),
		logger:  logging.Component(logger, "reconciler"),
	}
}

// Trigger requests a pass without waiting for it.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run performs an eager pass, then one per interval and per trigger, until ctx
// is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.RunOnce(ctx)

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.RunOnce(ctx)
		case <-r.trigger:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single pass. Failures are logged, never returned.
func (r *Reconciler) RunOnce(ctx context.Context) {
	release, ok := r.acquire(ctx)
	if !ok {
		return
	}
	defer release()

	start := time.Now()
	res, err := r.fleet.ReconcileDeployments(ctx)
	if err != nil {
		telemetry.ReconcileErrors.Inc()
		r.logger.WithError(err).Error("reconciliation pass failed")
	}

	if r.opts.OrphanCleanup {
		n, err := r.fleet.CleanupOrphans(ctx)
		if err != nil {
			r.logger.WithError(err).Warn("orphan cleanup failed")
		} else if n > 0 {
			r.logger.WithField("deleted", n).Info("removed orphaned deployments")
		}
	}

	// ListWorkers refreshes the fleet gauge.
	if _, err := r.fleet.ListWorkers(ctx); err != nil {
		r.logger.WithError(err).Warn("failed to refresh fleet size")
	}
	r.logger.WithFields(logrus.Fields{
		"duration_ms": time.Since(start).Milliseconds(),
		"scaled_down": res.ScaledDown,
		"deleted":     res.Expired + res.Evicted,
	}).Debug("reconcile finished")
}

// acquire takes the cluster-wide lock when one is configured. A pass held by
// another replica skips this one; an unreachable Redis does not.
func (r *Reconciler) acquire(ctx context.Context) (func(), bool) {
	if r.opts.Locker == nil {
		return func() {}, true
	}
	lock, err := r.opts.Locker.Obtain(ctx, LockKey, r.opts.LockTTL, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		r.logger.Debug("another replica holds the reconcile lock, skipping pass")
		return nil, false
	}
	if err != nil {
		r.logger.WithError(err).Warn("error obtaining reconcile lock; proceeding without it")
		return func() {}, true
	}
	return func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.logger.WithError(err).Warn("failed to release reconcile lock")
		}
	}, true
}
