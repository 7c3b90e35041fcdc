package deploy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	k8stesting "k8s.io/client-go/testing"

	"thread-orchestrator/internal/models"
)

func TestReconcileScalesIdleWithoutDeleting(t *testing.T) {
	dep := seedWorker("worker-t1", testNow.Add(-48*time.Hour), testNow.Add(-61*time.Minute), 1, "user_u1")
	m, client, _ := newTestManager(t, testConfig(), dep)

	res, err := m.ReconcileDeployments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Examined: 1, ScaledDown: 1}, res)
	assert.Equal(t, int32(0), *getDeployment(t, client, "worker-t1").Spec.Replicas)
	assert.Equal(t, 0, countActions(client, "delete", "deployments"))
}

func TestReconcileLeavesRecentAndAlreadyIdleAlone(t *testing.T) {
	recent := seedWorker("worker-recent", testNow.Add(-time.Hour), testNow.Add(-5*time.Minute), 1, "user_u1")
	parked := seedWorker("worker-parked", testNow.Add(-time.Hour*30), testNow.Add(-3*time.Hour), 0, "user_u1")
	m, client, _ := newTestManager(t, testConfig(), recent, parked)

	res, err := m.ReconcileDeployments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Examined: 2}, res)
	assert.Equal(t, 0, countActions(client, "update", "deployments"))
}

func TestReconcileDeletesExpiredDespiteActivity(t *testing.T) {
	old := seedWorker("worker-old", testNow.Add(-8*24*time.Hour), testNow.Add(-time.Minute), 1, "user_u1")
	m, client, creds := newTestManager(t, testConfig(), old)

	res, err := m.ReconcileDeployments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	_, err = client.AppsV1().Deployments(testNamespace).Get(context.Background(), "worker-old", metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))
	assert.Equal(t, []string{"user_u1"}, creds.deleted)
}

func TestReconcileEnforcesFleetCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDeployments = 3
	var objs []runtime.Object
	for i, name := range []string{"worker-a", "worker-b", "worker-c", "worker-d", "worker-e"} {
		// worker-a is the least recently active.
		active := testNow.Add(-time.Duration(50-10*i) * time.Minute)
		objs = append(objs, seedWorker(name, testNow.Add(-24*time.Hour), active, 1, "user_"+name))
	}
	m, client, _ := newTestManager(t, cfg, objs...)

	res, err := m.ReconcileDeployments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Evicted)
	assert.Zero(t, res.ScaledDown)

	list, err := client.AppsV1().Deployments(testNamespace).List(context.Background(), metav1.ListOptions{LabelSelector: WorkerSelector})
	require.NoError(t, err)
	var left []string
	for _, d := range list.Items {
		left = append(left, d.Name)
	}
	assert.ElementsMatch(t, []string{"worker-c", "worker-d", "worker-e"}, left)
}

func TestReconcileContinuesPastFailures(t *testing.T) {
	a := seedWorker("worker-a", testNow.Add(-24*time.Hour), testNow.Add(-3*time.Hour), 1, "user_u1")
	b := seedWorker("worker-b", testNow.Add(-24*time.Hour), testNow.Add(-2*time.Hour), 1, "user_u1")
	m, client, _ := newTestManager(t, testConfig(), a, b)
	client.PrependReactor("update", "deployments", func(action k8stesting.Action) (bool, runtime.Object, error) {
		dep := action.(k8stesting.UpdateAction).GetObject().(*appsv1.Deployment)
		if dep.Name == "worker-a" {
			return true, nil, apierrors.NewForbidden(appsv1.Resource("deployments"), dep.Name, errors.New("denied"))
		}
		return false, nil, nil
	})

	res, err := m.ReconcileDeployments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 1, res.ScaledDown)
	assert.Equal(t, int32(1), *getDeployment(t, client, "worker-a").Spec.Replicas)
	assert.Equal(t, int32(0), *getDeployment(t, client, "worker-b").Spec.Replicas)
}

func TestLastActivityFallsBack(t *testing.T) {
	created := testNow.Add(-time.Hour)
	dep := &appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{
		Annotations:       map[string]string{AnnotationCreated: formatTime(created)},
		CreationTimestamp: metav1.NewTime(testNow.Add(-2 * time.Hour)),
	}}
	assert.True(t, lastActivity(dep).Equal(created))

	delete(dep.Annotations, AnnotationCreated)
	assert.True(t, lastActivity(dep).Equal(testNow.Add(-2*time.Hour)))

	dep.Annotations[AnnotationLastActivity] = "not a time"
	assert.True(t, lastActivity(dep).Equal(testNow.Add(-2*time.Hour)))
}

func TestFindOrphanedDeployments(t *testing.T) {
	tracked := seedWorker("worker-tracked", testNow.Add(-3*time.Hour), testNow.Add(-3*time.Hour), 1, "user_u1")
	stale := seedWorker("worker-stale", testNow.Add(-2*time.Hour), testNow.Add(-2*time.Hour), 1, "user_u2")
	fresh := seedWorker("worker-fresh", testNow.Add(-10*time.Minute), testNow.Add(-10*time.Minute), 1, "user_u3")
	m, _, _ := newTestManager(t, testConfig(), tracked, stale, fresh)
	m.activity = &fakeActivity{records: []models.ActivityRecord{
		{DeploymentName: "worker-tracked", LastActivity: testNow.Add(-3 * time.Hour), MessageCount: 4},
	}}

	orphans, err := m.FindOrphanedDeployments(context.Background())
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "worker-stale", orphans[0].Name)
}

func TestFindIdleDeploymentsUsesLatestSignal(t *testing.T) {
	// Annotation is stale but history shows a recent message.
	a := seedWorker("worker-a", testNow.Add(-5*time.Hour), testNow.Add(-4*time.Hour), 1, "user_u1")
	b := seedWorker("worker-b", testNow.Add(-5*time.Hour), testNow.Add(-4*time.Hour), 1, "user_u1")
	parked := seedWorker("worker-parked", testNow.Add(-5*time.Hour), testNow.Add(-4*time.Hour), 0, "user_u1")
	m, _, _ := newTestManager(t, testConfig(), a, b, parked)
	m.activity = &fakeActivity{records: []models.ActivityRecord{
		{DeploymentName: "worker-a", LastActivity: testNow.Add(-5 * time.Minute), MessageCount: 1},
	}}

	idle, err := m.FindIdleDeployments(context.Background())
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, "worker-b", idle[0].Name)
}

func TestCleanupOrphans(t *testing.T) {
	stale := seedWorker("worker-stale", testNow.Add(-2*time.Hour), testNow.Add(-2*time.Hour), 1, "user_u2")
	m, client, creds := newTestManager(t, testConfig(), stale)
	m.activity = &fakeActivity{}

	n, err := m.CleanupOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = client.AppsV1().Deployments(testNamespace).Get(context.Background(), "worker-stale", metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))
	assert.Equal(t, []string{"user_u2"}, creds.deleted)
}

func TestOrphanQueriesNeedHistory(t *testing.T) {
	m, _, _ := newTestManager(t, testConfig())
	_, err := m.FindOrphanedDeployments(context.Background())
	assert.ErrorIs(t, err, errNoActivitySource)
}

func TestListWorkers(t *testing.T) {
	dep := seedWorker("worker-t1", testNow.Add(-time.Hour), testNow.Add(-time.Minute), 0, "user_u1")
	dep.Annotations[AnnotationThreadID] = "t1"
	m, _, _ := newTestManager(t, testConfig(), dep)

	workers, err := m.ListWorkers(context.Background())
	require.NoError(t, err)
	require.Len(t, workers, 1)
	w := workers[0]
	assert.Equal(t, "worker-t1", w.Name)
	assert.Equal(t, "t1", w.ThreadID)
	assert.Equal(t, "user_u1", w.Tenant)
	assert.Equal(t, int32(0), w.Replicas)
	assert.True(t, w.Created.Equal(testNow.Add(-time.Hour)))
	assert.True(t, w.LastActivity.Equal(testNow.Add(-time.Minute)))
}
