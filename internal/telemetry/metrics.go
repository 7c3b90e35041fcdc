package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsRouted          = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_jobs_routed_total", Help: "Inbound jobs routed to a thread queue"})
	JobFailures         = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_job_failures_total", Help: "Inbound jobs whose handling failed"})
	JobsCompleted       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_queue_jobs_completed_total", Help: "Jobs acknowledged by a handler"}, []string{"queue"})
	JobsRetried         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_queue_jobs_retried_total", Help: "Jobs scheduled for another attempt"}, []string{"queue"})
	JobsDeadLettered    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_queue_jobs_failed_total", Help: "Jobs that exhausted their retries"}, []string{"queue"})
	DeploymentsCreated  = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_deployments_created_total", Help: "Worker deployments created"})
	DeploymentsScaled   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_deployments_scaled_total", Help: "Worker deployment replica changes"}, []string{"direction"})
	DeploymentsDeleted  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_deployments_deleted_total", Help: "Worker deployments deleted"}, []string{"reason"})
	ReconcilePasses     = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_reconcile_passes_total", Help: "Reconciliation passes run"})
	ReconcileErrors     = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_reconcile_errors_total", Help: "Per-deployment failures during reconciliation"})
	FleetSizeGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_fleet_size", Help: "Worker deployments currently present"})
	InboundDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_inbound_queue_depth", Help: "Jobs waiting on the shared inbound queue"})
	DeployRateLimitHits = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_deploy_rate_limited_total", Help: "New deployments deferred by the per-user limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsRouted,
			JobFailures,
			JobsCompleted,
			JobsRetried,
			JobsDeadLettered,
			DeploymentsCreated,
			DeploymentsScaled,
			DeploymentsDeleted,
			ReconcilePasses,
			ReconcileErrors,
			FleetSizeGauge,
			InboundDepthGauge,
			DeployRateLimitHits,
		)
	})
	return promhttp.Handler()
}
