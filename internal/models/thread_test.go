package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeploymentNameIsDeterministic(t *testing.T) {
	cases := map[string]string{
		"t1":                "worker-t1",
		"1712345678.123456": "worker-1712345678-123456-6624c107",
		"Thread_ABC":        "worker-thread-abc-76f00b65",
		"--x--":             "worker-x-cf0e7da1",
	}
	for in, want := range cases {
		assert.Equal(t, want, DeploymentName(in), in)
		assert.Equal(t, DeploymentName(in), ThreadContext{ThreadID: in, UserID: "other"}.DeploymentName())
	}
}

func TestDeploymentNameFitsLabel(t *testing.T) {
	name := DeploymentName(strings.Repeat("a", 40) + "." + strings.Repeat("b", 40))
	assert.LessOrEqual(t, len(name), 63)
	assert.True(t, strings.HasPrefix(name, DeploymentPrefix))
	assert.False(t, strings.HasSuffix(name, "-"))
}

func TestDeploymentNameKeepsDistinctThreadsApart(t *testing.T) {
	pairs := [][2]string{
		{"T1", "t1"},
		{"a.b", "a-b"},
		{strings.Repeat("c", 60) + "1", strings.Repeat("c", 60) + "2"},
	}
	for _, p := range pairs {
		a, b := DeploymentName(p[0]), DeploymentName(p[1])
		assert.NotEqual(t, a, b, "%q and %q", p[0], p[1])
		assert.LessOrEqual(t, len(a), 63)
		assert.LessOrEqual(t, len(b), 63)
	}
	assert.Equal(t, "worker-t1", DeploymentName("t1"))
	assert.Equal(t, "worker-t1-1f93603d", DeploymentName("T1"))
}

func TestThreadQueueRoundTrip(t *testing.T) {
	q := ThreadQueueName(DeploymentName("t1"))
	assert.Equal(t, "thread_message_worker-t1", q)

	name, ok := DeploymentFromQueue(q)
	assert.True(t, ok)
	assert.Equal(t, "worker-t1", name)

	_, ok = DeploymentFromQueue("messages")
	assert.False(t, ok)
}

func TestTenantNames(t *testing.T) {
	assert.Equal(t, "user_alice", TenantUsername("alice"))
	assert.Equal(t, "user_u0123_abc", TenantUsername("U0123.ABC"))
	assert.Equal(t, "worker-creds-user-alice", SecretName(TenantUsername("alice")))
	assert.LessOrEqual(t, len(TenantUsername(strings.Repeat("z", 100))), 63)
}

func TestJobStatePredicates(t *testing.T) {
	assert.True(t, StateCreated.Fetchable())
	assert.True(t, StateRetry.Fetchable())
	assert.False(t, StateActive.Fetchable())
	assert.True(t, StateFailed.Finished())
	assert.False(t, StateRetry.Finished())
}
