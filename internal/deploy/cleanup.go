package deploy

import (
	"context"
	"errors"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"thread-orchestrator/internal/errs"
	"thread-orchestrator/internal/models"
	"thread-orchestrator/internal/telemetry"
)

// Worker is a read-only view of one worker deployment.
type Worker struct {
	Name         string    `json:"name"`
	ThreadID     string    `json:"threadId,omitempty"`
	UserID       string    `json:"userId,omitempty"`
	Tenant       string    `json:"tenant,omitempty"`
	Replicas     int32     `json:"replicas"`
	Created      time.Time `json:"created"`
	LastActivity time.Time `json:"lastActivity"`
	ThreadURL    string    `json:"threadUrl,omitempty"`
}

var errNoActivitySource = errors.New("no activity source configured")

func (m *Manager) listDeployments(ctx context.Context) ([]appsv1.Deployment, error) {
	list, err := m.client.AppsV1().Deployments(m.cfg.Namespace).List(ctx, metav1.ListOptions{LabelSelector: WorkerSelector})
	if err != nil {
		return nil, errs.Kubernetes("list deployments", m.cfg.Namespace, err)
	}
	return list.Items, nil
}

// ListWorkers returns every managed worker and refreshes the fleet gauge.
func (m *Manager) ListWorkers(ctx context.Context) ([]Worker, error) {
	deps, err := m.listDeployments(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Worker, 0, len(deps))
	for i := range deps {
		out = append(out, toWorker(&deps[i]))
	}
	telemetry.FleetSizeGauge.Set(float64(len(out)))
	return out, nil
}

// FindOrphanedDeployments returns workers with no job history whose age has
// passed the idle threshold.
func (m *Manager) FindOrphanedDeployments(ctx context.Context) ([]Worker, error) {
	deps, history, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()
	var orphans []Worker
	for i := range deps {
		dep := &deps[i]
		if _, ok := history[dep.Name]; ok {
			continue
		}
		if now.Sub(createdAt(dep)) >= m.cfg.IdleThreshold {
			orphans = append(orphans, toWorker(dep))
		}
	}
	return orphans, nil
}

// FindIdleDeployments returns running workers whose most recent activity, from
// the annotation or the job history whichever is later, is past the idle
// threshold.
func (m *Manager) FindIdleDeployments(ctx context.Context) ([]Worker, error) {
	deps, history, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()
	var idle []Worker
	for i := range deps {
		dep := &deps[i]
		if currentReplicas(dep) == 0 {
			continue
		}
		w := toWorker(dep)
		if rec, ok := history[dep.Name]; ok && rec.LastActivity.After(w.LastActivity) {
			w.LastActivity = rec.LastActivity
		}
		if now.Sub(w.LastActivity) >= m.cfg.IdleThreshold {
			idle = append(idle, w)
		}
	}
	return idle, nil
}

// CleanupOrphans deletes every orphaned worker and returns how many were
// removed. Individual failures are logged and skipped.
func (m *Manager) CleanupOrphans(ctx context.Context) (int, error) {
	orphans, err := m.FindOrphanedDeployments(ctx)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, w := range orphans {
		dep, err := m.client.AppsV1().Deployments(m.cfg.Namespace).Get(ctx, w.Name, metav1.GetOptions{})
		if err != nil {
			if !IsNotFound(err) {
				m.logger.WithError(err).WithField("deployment", w.Name).Warn("failed to read orphaned deployment")
			}
			continue
		}
		if err := m.teardown(ctx, w.Name, dep, "orphan"); err != nil {
			telemetry.ReconcileErrors.Inc()
			m.logger.WithError(err).WithField("deployment", w.Name).Warn("failed to delete orphaned deployment")
			continue
		}
		deleted++
	}
	return deleted, nil
}

func (m *Manager) snapshot(ctx context.Context) ([]appsv1.Deployment, map[string]models.ActivityRecord, error) {
	if m.activity == nil {
		return nil, nil, errNoActivitySource
	}
	deps, err := m.listDeployments(ctx)
	if err != nil {
		return nil, nil, err
	}
	records, err := m.activity.ThreadActivity(ctx)
	if err != nil {
		return nil, nil, err
	}
	history := make(map[string]models.ActivityRecord, len(records))
	for _, r := range records {
		history[r.DeploymentName] = r
	}
	return deps, history, nil
}

func toWorker(dep *appsv1.Deployment) Worker {
	return Worker{
		Name:         dep.Name,
		ThreadID:     dep.Annotations[AnnotationThreadID],
		UserID:       dep.Annotations[AnnotationUserID],
		Tenant:       dep.Annotations[AnnotationTenant],
		Replicas:     currentReplicas(dep),
		Created:      createdAt(dep),
		LastActivity: lastActivity(dep),
		ThreadURL:    dep.Annotations[AnnotationThreadURL],
	}
}
