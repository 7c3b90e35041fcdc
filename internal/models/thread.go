package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// DeploymentPrefix starts every worker deployment name.
	DeploymentPrefix = "worker-"
	// ThreadQueuePrefix starts every thread-scoped queue name.
	ThreadQueuePrefix = "thread_message_"
	// ThreadResponseQueue is where worker pods publish progress and results.
	ThreadResponseQueue = "thread_response"
	// TenantSchema holds the job tables tenant roles are granted access to.
	TenantSchema = "jobqueue"

	maxNameLength = 63
	// nameHashLength is the hex digest suffix added to altered names.
	nameHashLength = 8
)

// ThreadContext identifies the conversation a job belongs to.
type ThreadContext struct {
	UserID    string `json:"userId"`
	ThreadID  string `json:"threadId"`
	Platform  string `json:"platform"`
	ChannelID string `json:"channelId"`
	TeamID    string `json:"teamId,omitempty"`
}

// DeploymentName is the worker deployment for the thread. It is a pure function
// of threadID so every orchestrator replica routes a thread to the same place.
func (t ThreadContext) DeploymentName() string {
	return DeploymentName(t.ThreadID)
}

// DeploymentName returns "worker-<threadID>" reduced to a valid DNS-1123 label.
// When the reduction changes the thread id, a short digest of the raw id is
// appended so ids such as "T1" and "t1" stay on separate workers.
func DeploymentName(threadID string) string {
	body := dnsLabel(threadID)
	if body == threadID && len(DeploymentPrefix)+len(body) <= maxNameLength {
		return DeploymentPrefix + body
	}
	sum := sha256.Sum256([]byte(threadID))
	suffix := hex.EncodeToString(sum[:])[:nameHashLength]
	if limit := maxNameLength - len(DeploymentPrefix) - len(suffix) - 1; len(body) > limit {
		body = strings.TrimRight(body[:limit], "-")
	}
	if body == "" {
		return DeploymentPrefix + suffix
	}
	return DeploymentPrefix + body + "-" + suffix
}

// ThreadQueueName is the queue the thread's worker pod drains.
func ThreadQueueName(deploymentName string) string {
	return ThreadQueuePrefix + deploymentName
}

// DeploymentFromQueue inverts ThreadQueueName.
func DeploymentFromQueue(queueName string) (string, bool) {
	if !strings.HasPrefix(queueName, ThreadQueuePrefix) {
		return "", false
	}
	name := strings.TrimPrefix(queueName, ThreadQueuePrefix)
	return name, name != ""
}

// TenantCredential is the database identity issued to one end user.
type TenantCredential struct {
	Username   string `json:"username"`
	Password   string `json:"-"`
	SchemaName string `json:"schemaName"`
}

// TenantUsername derives the database role name for a user.
func TenantUsername(userID string) string {
	var b strings.Builder
	b.WriteString("user_")
	for _, r := range strings.ToLower(userID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	if len(name) > maxNameLength {
		name = name[:maxNameLength]
	}
	return name
}

// SecretName is the cluster Secret mirroring a tenant's credentials.
func SecretName(username string) string {
	name := "worker-creds-" + dnsLabel(username)
	if len(name) > maxNameLength {
		name = name[:maxNameLength]
	}
	return strings.TrimRight(name, "-")
}

func dnsLabel(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
