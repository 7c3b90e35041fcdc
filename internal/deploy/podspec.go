package deploy

import (
	"fmt"
	"net/url"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"thread-orchestrator/internal/credentials"
	"thread-orchestrator/internal/models"
)

const (
	workerContainer = "worker"
	workspaceVolume = "workspace"
	workspacePath   = "/workspace"
)

// Keys read from the shared worker Secret.
const (
	sharedKeyGitHubToken = "github-token"
	sharedKeyAgentAPIKey = "agent-api-key"
)

// WorkspaceClaimName is the PVC a worker would mount if persistent workspaces
// are enabled. Teardown removes it either way.
func WorkspaceClaimName(deploymentName string) string {
	return "workspace-" + deploymentName
}

func (m *Manager) buildDeployment(name string, req WorkerRequest, cred models.TenantCredential) (*appsv1.Deployment, error) {
	resources, err := m.resources()
	if err != nil {
		return nil, err
	}
	workspace, err := resource.ParseQuantity(m.cfg.WorkspaceSize)
	if err != nil {
		return nil, fmt.Errorf("workspace size %q: %w", m.cfg.WorkspaceSize, err)
	}

	now := formatTime(m.now())
	secretName := models.SecretName(cred.Username)
	selector := map[string]string{
		LabelComponent: ComponentWorker,
		LabelThread:    strings.TrimPrefix(name, models.DeploymentPrefix),
	}
	labels := map[string]string{
		LabelComponent: ComponentWorker,
		LabelManagedBy: ManagerName,
		LabelThread:    selector[LabelThread],
		LabelUser:      labelValue(cred.Username),
	}
	annotations := map[string]string{
		AnnotationCreated:           now,
		AnnotationLastActivity:      now,
		AnnotationThreadID:          req.ThreadID,
		AnnotationUserID:            req.UserID,
		AnnotationTenant:            cred.Username,
		AnnotationCredentialsSecret: secretName,
	}
	if link := m.threadURL(req); link != "" {
		annotations[AnnotationThreadURL] = link
	}

	replicas := int32(1)
	runAsNonRoot := true
	allowEscalation := false

	pod := corev1.PodSpec{
		ServiceAccountName: m.cfg.ServiceAccount,
		RestartPolicy:      corev1.RestartPolicyAlways,
		SecurityContext:    &corev1.PodSecurityContext{RunAsNonRoot: &runAsNonRoot},
		Containers: []corev1.Container{{
			Name:            workerContainer,
			Image:           m.cfg.Image,
			ImagePullPolicy: corev1.PullPolicy(m.cfg.PullPolicy),
			Env:             m.workerEnv(name, req, secretName),
			Resources:       resources,
			VolumeMounts:    []corev1.VolumeMount{{Name: workspaceVolume, MountPath: workspacePath}},
			SecurityContext: &corev1.SecurityContext{AllowPrivilegeEscalation: &allowEscalation},
		}},
		Volumes: []corev1.Volume{{
			Name: workspaceVolume,
			VolumeSource: corev1.VolumeSource{
				EmptyDir: &corev1.EmptyDirVolumeSource{SizeLimit: &workspace},
			},
		}},
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   m.cfg.Namespace,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: selector},
			Strategy: appsv1.DeploymentStrategy{Type: appsv1.RecreateDeploymentStrategyType},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       pod,
			},
		},
	}, nil
}

func (m *Manager) workerEnv(name string, req WorkerRequest, secretName string) []corev1.EnvVar {
	env := []corev1.EnvVar{
		secretEnv("DATABASE_URL", secretName, credentials.KeyDatabaseURL, false),
		{Name: "WORKER_MODE", Value: "thread"},
		{Name: "WORKSPACE_DIR", Value: workspacePath},
		{Name: "DEPLOYMENT_NAME", Value: name},
		{Name: "THREAD_QUEUE", Value: models.ThreadQueueName(name)},
		{Name: "RESPONSE_QUEUE", Value: models.ThreadResponseQueue},
	}

	routing := []struct{ key, value string }{
		{"USER_ID", req.UserID},
		{"THREAD_ID", req.ThreadID},
		{"CHANNEL_ID", req.ChannelID},
		{"TEAM_ID", req.TeamID},
		{"PLATFORM", req.Platform},
		{"REPOSITORY_URL", req.RepositoryURL},
		{"ORIGINAL_MESSAGE_TS", req.MessageTimestamp},
	}
	for _, r := range routing {
		if r.value != "" {
			env = append(env, corev1.EnvVar{Name: r.key, Value: r.value})
		}
	}

	if m.cfg.SharedSecret != "" {
		env = append(env,
			secretEnv("GITHUB_TOKEN", m.cfg.SharedSecret, sharedKeyGitHubToken, true),
			secretEnv("AGENT_API_KEY", m.cfg.SharedSecret, sharedKeyAgentAPIKey, true),
		)
	}
	if m.cfg.AllowedTools != "" {
		env = append(env, corev1.EnvVar{Name: "ALLOWED_TOOLS", Value: m.cfg.AllowedTools})
	}
	if m.cfg.DisallowedTools != "" {
		env = append(env, corev1.EnvVar{Name: "DISALLOWED_TOOLS", Value: m.cfg.DisallowedTools})
	}
	return env
}

func (m *Manager) resources() (corev1.ResourceRequirements, error) {
	parse := func(field, v string) (resource.Quantity, error) {
		q, err := resource.ParseQuantity(v)
		if err != nil {
			return q, fmt.Errorf("%s %q: %w", field, v, err)
		}
		return q, nil
	}
	cpuReq, err := parse("cpu request", m.cfg.CPURequest)
	if err != nil {
		return corev1.ResourceRequirements{}, err
	}
	cpuLim, err := parse("cpu limit", m.cfg.CPULimit)
	if err != nil {
		return corev1.ResourceRequirements{}, err
	}
	memReq, err := parse("memory request", m.cfg.MemoryRequest)
	if err != nil {
		return corev1.ResourceRequirements{}, err
	}
	memLim, err := parse("memory limit", m.cfg.MemoryLimit)
	if err != nil {
		return corev1.ResourceRequirements{}, err
	}
	return corev1.ResourceRequirements{
		Requests: corev1.ResourceList{corev1.ResourceCPU: cpuReq, corev1.ResourceMemory: memReq},
		Limits:   corev1.ResourceList{corev1.ResourceCPU: cpuLim, corev1.ResourceMemory: memLim},
	}, nil
}

// threadURL links operators back to the originating conversation.
func (m *Manager) threadURL(req WorkerRequest) string {
	if m.cfg.ThreadLinkBaseURL == "" || req.ChannelID == "" {
		return ""
	}
	parts := []string{}
	if req.TeamID != "" {
		parts = append(parts, req.TeamID)
	}
	parts = append(parts, req.ChannelID)
	if ts := req.MessageTimestamp; ts != "" {
		parts = append(parts, "thread", req.ChannelID+"-"+ts)
	}
	link, err := url.JoinPath(m.cfg.ThreadLinkBaseURL, parts...)
	if err != nil {
		return ""
	}
	return link
}

func secretEnv(name, secret, key string, optional bool) corev1.EnvVar {
	ref := &corev1.SecretKeySelector{
		LocalObjectReference: corev1.LocalObjectReference{Name: secret},
		Key:                  key,
	}
	if optional {
		ref.Optional = &optional
	}
	return corev1.EnvVar{Name: name, ValueFrom: &corev1.EnvVarSource{SecretKeyRef: ref}}
}

// labelValue trims characters a label value may not start or end with.
func labelValue(s string) string {
	if len(s) > 63 {
		s = s[:63]
	}
	return strings.Trim(s, "-_.")
}
