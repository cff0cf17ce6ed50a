package k8s

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/thorium-go/thorium/internal/domain"
	"github.com/thorium-go/thorium/internal/scheduler"
)

func newTestBackend(t *testing.T, objs ...runtime.Object) *Backend {
	t.Helper()
	scheme := runtime.NewScheme()
	if err := corev1.AddToScheme(scheme); err != nil {
		t.Fatalf("add corev1 to scheme: %v", err)
	}
	if err := networkingv1.AddToScheme(scheme); err != nil {
		t.Fatalf("add networkingv1 to scheme: %v", err)
	}
	c := fake.NewClientBuilder().WithScheme(scheme).WithRuntimeObjects(objs...).Build()
	return New(c, logr.Discard())
}

func objMeta(namespace, name string) metav1.ObjectMeta {
	return metav1.ObjectMeta{
		Namespace: namespace,
		Name:      name,
		Labels: map[string]string{
			labelManagedBy: managedByValue,
			labelWorker:    name,
			labelJob:       name,
			labelGroup:     namespace,
		},
	}
}

func key(namespace, name string) types.NamespacedName {
	return types.NamespacedName{Namespace: namespace, Name: name}
}

func TestSpawnCreatesPodPerRequest(t *testing.T) {
	b := newTestBackend(t)
	req := scheduler.SpawnRequest{
		Job:   domain.Job{ID: "job-1", Group: "groupA"},
		Image: domain.Image{Name: "scan-image", Entrypoint: []string{"/bin/scan"}},
	}
	errs, err := b.Spawn(context.Background(), scheduler.NewCache(), map[string]scheduler.SpawnRequest{"w1": req})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if errs["w1"] != nil {
		t.Fatalf("expected no spawn error, got %v", errs["w1"])
	}

	var pod corev1.Pod
	if err := b.client.Get(context.Background(), key("groupA", "w1"), &pod); err != nil {
		t.Fatalf("expected pod w1 to exist: %v", err)
	}
	if pod.Labels[labelJob] != "job-1" {
		t.Fatalf("expected pod to carry job label, got %q", pod.Labels[labelJob])
	}
}

func TestResourcesAvailableCountsOnlyActivePods(t *testing.T) {
	running := &corev1.Pod{ObjectMeta: objMeta("groupA", "w1"), Status: corev1.PodStatus{Phase: corev1.PodRunning}}
	done := &corev1.Pod{ObjectMeta: objMeta("groupA", "w2"), Status: corev1.PodStatus{Phase: corev1.PodSucceeded}}
	b := newTestBackend(t, running, done)
	b.capacity = 5

	update, err := b.ResourcesAvailable(context.Background(), scheduler.Settings{})
	if err != nil {
		t.Fatalf("ResourcesAvailable: %v", err)
	}
	if update.Slots != 4 {
		t.Fatalf("expected 4 free slots (5 capacity - 1 active pod), got %d", update.Slots)
	}
}

func TestDeleteRemovesFinishedPodsEvenWithoutScaledown(t *testing.T) {
	done := &corev1.Pod{ObjectMeta: objMeta("groupA", "w1"), Status: corev1.PodStatus{Phase: corev1.PodFailed}}
	b := newTestBackend(t, done)

	deletions, err := b.Delete(context.Background(), scheduler.NewCache(), nil)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(deletions) != 1 || deletions[0].Worker != "w1" {
		t.Fatalf("expected w1 reported as deleted, got %+v", deletions)
	}
}

func TestSyncToNewCacheCreatesMissingNetworkPolicy(t *testing.T) {
	b := newTestBackend(t)
	cache := scheduler.NewCache()
	cache.Set("network_policies", NetworkPolicyCache{
		"groupA": {K8sName: "triage-policy", Namespace: "groupA", IngressIsSet: true},
	})

	if err := b.SyncToNewCache(context.Background(), cache, scheduler.NewBanSets()); err != nil {
		t.Fatalf("SyncToNewCache: %v", err)
	}
	var np networkingv1.NetworkPolicy
	if err := b.client.Get(context.Background(), key("groupA", "triage-policy"), &np); err != nil {
		t.Fatalf("expected network policy to be created: %v", err)
	}
}
