// Package deploy owns the Kubernetes lifecycle of per-thread worker
// deployments: creation, scaling, activity tracking, teardown and the
// reconciliation pass that reclaims idle or surplus workers.
package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"

	"thread-orchestrator/internal/config"
	"thread-orchestrator/internal/errs"
	"thread-orchestrator/internal/logging"
	"thread-orchestrator/internal/models"
	"thread-orchestrator/internal/telemetry"
)

// Labels and annotations written on every worker deployment.
const (
	LabelComponent = "app.kubernetes.io/component"
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelThread    = "orchestrator/thread"
	LabelUser      = "orchestrator/user"

	ComponentWorker = "worker"
	ManagerName     = "thread-orchestrator"

	AnnotationLastActivity      = "orchestrator/last-activity"
	AnnotationCreated           = "orchestrator/created"
	AnnotationThreadID          = "orchestrator/thread-id"
	AnnotationUserID            = "orchestrator/user-id"
	AnnotationTenant            = "orchestrator/tenant"
	AnnotationThreadURL         = "orchestrator/thread-url"
	AnnotationCredentialsSecret = "orchestrator/credentials-secret"
)

// WorkerSelector matches every deployment this orchestrator manages.
var WorkerSelector = LabelComponent + "=" + ComponentWorker + "," + LabelManagedBy + "=" + ManagerName

// CredentialProvider issues and removes tenant credentials.
type CredentialProvider interface {
	EnsureUser(ctx context.Context, userID string) (models.TenantCredential, error)
	DeleteUserSecret(ctx context.Context, username string) error
}

// ActivitySource reports per-deployment history from the job store.
type ActivitySource interface {
	ThreadActivity(ctx context.Context) ([]models.ActivityRecord, error)
}

// Config shapes worker pods and fleet limits.
type Config struct {
	Namespace         string
	Image             string
	PullPolicy        string
	CPURequest        string
	CPULimit          string
	MemoryRequest     string
	MemoryLimit       string
	WorkspaceSize     string
	ServiceAccount    string
	SharedSecret      string
	AllowedTools      string
	DisallowedTools   string
	IdleThreshold     time.Duration
	MaxDeployments    int
	MaxAge            time.Duration
	ThreadLinkBaseURL string
}

// ConfigFrom projects the process configuration onto the manager's settings.
func ConfigFrom(c config.Config) Config {
	return Config{
		Namespace:         c.Namespace,
		Image:             c.WorkerImage(),
		PullPolicy:        c.WorkerImagePullPolicy,
		CPURequest:        c.WorkerCPURequest,
		CPULimit:          c.WorkerCPULimit,
		MemoryRequest:     c.WorkerMemoryRequest,
		MemoryLimit:       c.WorkerMemoryLimit,
		WorkspaceSize:     c.WorkerWorkspaceSize,
		ServiceAccount:    c.WorkerServiceAccount,
		SharedSecret:      c.WorkerSharedSecret,
		AllowedTools:      c.WorkerAllowedTools,
		DisallowedTools:   c.WorkerDisallowedTools,
		IdleThreshold:     c.IdleThreshold(),
		MaxDeployments:    c.MaxDeployments,
		MaxAge:            c.MaxDeploymentAge,
		ThreadLinkBaseURL: c.ThreadLinkBaseURL,
	}
}

// WorkerRequest describes the conversation a worker is created for.
type WorkerRequest struct {
	UserID           string
	ThreadID         string
	TeamID           string
	Platform         string
	ChannelID        string
	RepositoryURL    string
	MessageTimestamp string
	Payload          map[string]any
}

// Manager drives worker deployments through the Kubernetes API.
type Manager struct {
	client   kubernetes.Interface
	creds    CredentialProvider
	activity ActivitySource
	cfg      Config
	logger   *logrus.Entry
	now      func() time.Time
}

// NewManager builds a Manager. activity may be nil, in which case orphan and
// idle queries rely on annotations alone.
func NewManager(client kubernetes.Interface, creds CredentialProvider, activity ActivitySource, cfg Config, logger logrus.FieldLogger) *Manager {
	return &Manager{
		client:   client,
		creds:    creds,
		activity: activity,
		cfg:      cfg,
		logger:   logging.Component(logger, "deployment-manager"),
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// IsNotFound reports whether err means the deployment does not exist.
func IsNotFound(err error) bool {
	return apierrors.IsNotFound(err)
}

// CreateWorkerDeployment ensures a running worker exists for the thread. An
// existing deployment, including one created concurrently, is scaled to one
// replica instead.
func (m *Manager) CreateWorkerDeployment(ctx context.Context, req WorkerRequest) error {
	name := models.DeploymentName(req.ThreadID)
	log := m.logger.WithFields(logrus.Fields{"deployment": name, "thread_id": req.ThreadID, "user_id": req.UserID})

	cred, err := m.creds.EnsureUser(ctx, req.UserID)
	if err != nil {
		return errs.Wrap(errs.KindDeploymentCreateFailed, "ensure credentials", name, err)
	}

	deployments := m.client.AppsV1().Deployments(m.cfg.Namespace)
	if _, err := deployments.Get(ctx, name, metav1.GetOptions{}); err == nil {
		log.Debug("deployment exists, scaling up")
		return m.ScaleDeployment(ctx, name, 1)
	} else if !apierrors.IsNotFound(err) {
		return errs.Wrap(errs.KindDeploymentCreateFailed, "get deployment", name, errs.Kubernetes("get deployment", name, err))
	}

	dep, err := m.buildDeployment(name, req, cred)
	if err != nil {
		return errs.Wrap(errs.KindDeploymentCreateFailed, "build deployment", name, err)
	}
	if _, err := deployments.Create(ctx, dep, metav1.CreateOptions{}); err != nil {
		if apierrors.IsAlreadyExists(err) {
			log.Info("deployment created concurrently, scaling up")
			return m.ScaleDeployment(ctx, name, 1)
		}
		return errs.Wrap(errs.KindDeploymentCreateFailed, "create deployment", name, errs.Kubernetes("create deployment", name, err))
	}

	telemetry.DeploymentsCreated.Inc()
	log.Info("created worker deployment")
	return nil
}

// ScaleDeployment sets the replica count, writing only when it differs. The
// read and write are retried on resourceVersion conflicts.
func (m *Manager) ScaleDeployment(ctx context.Context, name string, replicas int32) error {
	deployments := m.client.AppsV1().Deployments(m.cfg.Namespace)
	var changed bool
	var from int32

	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		dep, err := deployments.Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		current := currentReplicas(dep)
		if current == replicas {
			changed = false
			return nil
		}
		dep.Spec.Replicas = &replicas
		if _, err := deployments.Update(ctx, dep, metav1.UpdateOptions{}); err != nil {
			return err
		}
		changed, from = true, current
		return nil
	})
	if err != nil {
		return errs.Wrap(errs.KindDeploymentScaleFailed, "scale deployment", name, errs.Kubernetes("scale deployment", name, err))
	}

	if changed {
		direction := "up"
		if replicas < from {
			direction = "down"
		}
		telemetry.DeploymentsScaled.WithLabelValues(direction).Inc()
		m.logger.WithFields(logrus.Fields{"deployment": name, "from": from, "to": replicas}).Info("scaled deployment")
	}
	return nil
}

// UpdateDeploymentActivity stamps the last-activity annotation. Failures are
// logged and swallowed.
func (m *Manager) UpdateDeploymentActivity(ctx context.Context, name string) {
	patch, err := json.Marshal(map[string]any{
		"metadata": map[string]any{
			"annotations": map[string]string{AnnotationLastActivity: formatTime(m.now())},
		},
	})
	if err != nil {
		m.logger.WithError(err).Warn("encode activity patch")
		return
	}
	_, err = m.client.AppsV1().Deployments(m.cfg.Namespace).Patch(ctx, name, types.MergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		m.logger.WithError(err).WithField("deployment", name).Warn("failed to update deployment activity")
	}
}

// DeleteWorkerDeployment tears down the thread's deployment, its workspace
// claim and, when no other worker still uses it, the tenant Secret. Objects
// that are already gone count as deleted.
func (m *Manager) DeleteWorkerDeployment(ctx context.Context, threadID string) error {
	name := models.DeploymentName(threadID)
	dep, err := m.client.AppsV1().Deployments(m.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if !apierrors.IsNotFound(err) {
			return errs.Wrap(errs.KindDeploymentDeleteFailed, "get deployment", name, errs.Kubernetes("get deployment", name, err))
		}
		dep = nil
	}
	return m.teardown(ctx, name, dep, "manual")
}

// teardown removes the tenant Secret before the Deployment. If the Secret step
// fails the Deployment is left in place, so its tenant annotation is still
// there for the next attempt.
func (m *Manager) teardown(ctx context.Context, name string, dep *appsv1.Deployment, reason string) error {
	log := m.logger.WithFields(logrus.Fields{"deployment": name, "reason": reason})
	var failures []error

	secretErr := m.releaseCredentials(ctx, name, dep, log)
	if secretErr != nil {
		failures = append(failures, secretErr)
	}

	claim := WorkspaceClaimName(name)
	err := m.client.CoreV1().PersistentVolumeClaims(m.cfg.Namespace).Delete(ctx, claim, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		failures = append(failures, errs.Kubernetes("delete workspace claim", claim, err))
	}

	if secretErr == nil {
		background := metav1.DeletePropagationBackground
		err = m.client.AppsV1().Deployments(m.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &background})
		switch {
		case err == nil:
			telemetry.DeploymentsDeleted.WithLabelValues(reason).Inc()
		case apierrors.IsNotFound(err):
			log.Debug("deployment already absent")
		default:
			failures = append(failures, errs.Kubernetes("delete deployment", name, err))
		}
	}

	if len(failures) > 0 {
		return errs.Wrap(errs.KindDeploymentDeleteFailed, "delete worker", name, errors.Join(failures...))
	}
	log.Info("deleted worker deployment")
	return nil
}

// releaseCredentials deletes the tenant Secret unless another worker runs as
// the same tenant.
func (m *Manager) releaseCredentials(ctx context.Context, name string, dep *appsv1.Deployment, log logrus.FieldLogger) error {
	tenant := tenantOf(dep)
	if tenant == "" {
		return nil
	}
	shared, err := m.tenantInUse(ctx, tenant, name)
	if err != nil {
		return err
	}
	if shared {
		log.WithField("tenant", tenant).Debug("credentials still used by another worker, keeping secret")
		return nil
	}
	return m.creds.DeleteUserSecret(ctx, tenant)
}

// tenantInUse reports whether any worker other than exclude runs as tenant.
func (m *Manager) tenantInUse(ctx context.Context, tenant, exclude string) (bool, error) {
	list, err := m.client.AppsV1().Deployments(m.cfg.Namespace).List(ctx, metav1.ListOptions{LabelSelector: WorkerSelector})
	if err != nil {
		return false, errs.Kubernetes("list deployments", "", err)
	}
	for i := range list.Items {
		dep := &list.Items[i]
		if dep.Name != exclude && dep.DeletionTimestamp == nil && tenantOf(dep) == tenant {
			return true, nil
		}
	}
	return false, nil
}

func tenantOf(dep *appsv1.Deployment) string {
	if dep == nil {
		return ""
	}
	return dep.Annotations[AnnotationTenant]
}

func currentReplicas(dep *appsv1.Deployment) int32 {
	if dep.Spec.Replicas == nil {
		return 1
	}
	return *dep.Spec.Replicas
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
