package deploy

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	appsv1 "k8s.io/api/apps/v1"

	"thread-orchestrator/internal/telemetry"
)

// ReconcileResult summarises one reconciliation pass.
type ReconcileResult struct {
	Examined   int `json:"examined"`
	Expired    int `json:"expired"`
	ScaledDown int `json:"scaledDown"`
	Evicted    int `json:"evicted"`
	Errors     int `json:"errors"`
}

type candidate struct {
	dep          *appsv1.Deployment
	lastActivity time.Time
	age          time.Duration
}

// ReconcileDeployments runs one pass over all workers. Deployments past the
// maximum age are deleted, idle ones are scaled to zero, and if the remaining
// fleet still exceeds the cap the least recently active are deleted. A
// failure on one deployment is logged and the pass continues.
func (m *Manager) ReconcileDeployments(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	workers, err := m.listDeployments(ctx)
	if err != nil {
		return res, err
	}
	telemetry.ReconcilePasses.Inc()

	now := m.now()
	candidates := make([]candidate, 0, len(workers))
	for i := range workers {
		dep := &workers[i]
		candidates = append(candidates, candidate{
			dep:          dep,
			lastActivity: lastActivity(dep),
			age:          now.Sub(createdAt(dep)),
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].lastActivity.Equal(candidates[j].lastActivity) {
			return candidates[i].dep.Name < candidates[j].dep.Name
		}
		return candidates[i].lastActivity.Before(candidates[j].lastActivity)
	})
	res.Examined = len(candidates)

	survivors := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		log := m.logger.WithFields(logrus.Fields{"deployment": c.dep.Name, "last_activity": c.lastActivity})
		if c.age >= m.cfg.MaxAge {
			if err := m.teardown(ctx, c.dep.Name, c.dep, "expired"); err != nil {
				res.Errors++
				log.WithError(err).Error("failed to delete expired deployment")
				continue
			}
			res.Expired++
			continue
		}
		survivors = append(survivors, c)

		if now.Sub(c.lastActivity) >= m.cfg.IdleThreshold && currentReplicas(c.dep) > 0 {
			if err := m.ScaleDeployment(ctx, c.dep.Name, 0); err != nil {
				res.Errors++
				log.WithError(err).Error("failed to scale down idle deployment")
				continue
			}
			res.ScaledDown++
		}
	}

	if m.cfg.MaxDeployments > 0 {
		for i := 0; i < len(survivors)-m.cfg.MaxDeployments; i++ {
			c := survivors[i]
			if err := m.teardown(ctx, c.dep.Name, c.dep, "fleet_cap"); err != nil {
				res.Errors++
				m.logger.WithError(err).WithField("deployment", c.dep.Name).Error("failed to evict deployment over fleet cap")
				continue
			}
			res.Evicted++
		}
	}

	telemetry.ReconcileErrors.Add(float64(res.Errors))
	m.logger.WithFields(logrus.Fields{
		"examined":    res.Examined,
		"expired":     res.Expired,
		"scaled_down": res.ScaledDown,
		"evicted":     res.Evicted,
		"errors":      res.Errors,
	}).Info("reconciliation pass complete")
	return res, nil
}

// lastActivity prefers the activity annotation, then the created annotation,
// then the object's creation timestamp.
func lastActivity(dep *appsv1.Deployment) time.Time {
	if t, ok := annotationTime(dep, AnnotationLastActivity); ok {
		return t
	}
	return createdAt(dep)
}

func createdAt(dep *appsv1.Deployment) time.Time {
	if t, ok := annotationTime(dep, AnnotationCreated); ok {
		return t
	}
	return dep.CreationTimestamp.Time
}

func annotationTime(dep *appsv1.Deployment, key string) (time.Time, bool) {
	v, ok := dep.Annotations[key]
	if !ok || v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
