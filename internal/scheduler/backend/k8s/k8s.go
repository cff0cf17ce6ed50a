// Package k8s implements scheduler.Backend over a Kubernetes cluster:
// one Pod per spawned job, one Namespace per group, and NetworkPolicy
// objects reconciled from the images/groups network policy catalog
// (§4.7). Grounded on the teacher's internal/scheduler.Scheduler, which
// wraps a sigs.k8s.io/controller-runtime client.Client behind a
// go-logr/logr logger; this backend keeps that same client/logger
// shape instead of the teacher's CR-watching Runnable, since jobs here
// come from C7's queues rather than a CRD list.
package k8s

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/thorium-go/thorium/internal/domain"
	"github.com/thorium-go/thorium/internal/scheduler"
)

const (
	labelManagedBy = "thorium.io/managed-by"
	labelWorker    = "thorium.io/worker"
	labelJob       = "thorium.io/job"
	labelGroup     = "thorium.io/group"
	managedByValue = "thorium-scheduler"

	// terminalGrace is how long a Failed pod lingers before
	// ClearTerminal reports it for an error-out reset rather than a
	// plain one (§4.7 "clear_terminal").
	terminalGrace = 5 * time.Minute
)

// NetworkPolicyCache is the cache.Get("network_policies") shape
// SyncToNewCache expects: one desired PolicySpec per group namespace,
// keyed by group name.
type NetworkPolicyCache map[string]scheduler.PolicySpec

// GroupsCache is the cache.Get("groups") shape Setup expects: every
// group that currently has at least one image or pipeline registered,
// each of which gets its own namespace.
type GroupsCache []string

// Backend is the k8s scheduler.Backend implementation.
type Backend struct {
	client    client.Client
	log       logr.Logger
	capacity  int // total worker pod slots this cluster offers this scaler
	namespace func(group string) string
}

// Option customises a Backend at construction.
type Option func(*Backend)

// WithCapacity overrides the default worker-slot capacity ResourcesAvailable reports.
func WithCapacity(n int) Option {
	return func(b *Backend) { b.capacity = n }
}

// WithNamespaceFunc overrides the group->namespace mapping (default: the group name itself).
func WithNamespaceFunc(f func(group string) string) Option {
	return func(b *Backend) { b.namespace = f }
}

// New builds a k8s backend over an already-configured controller-runtime client.
func New(c client.Client, log logr.Logger, opts ...Option) *Backend {
	b := &Backend{
		client:    c,
		log:       log.WithName("scheduler-k8s"),
		capacity:  100,
		namespace: func(group string) string { return group },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ scheduler.Backend = (*Backend)(nil)

// TaskDelay mirrors the teacher's DefaultConfig: short intervals for
// work that must feel live (resource checks, cache reload), long ones
// for sweeps that are expensive or rare (§4.7 per-task delay).
func (b *Backend) TaskDelay(task scheduler.Task) time.Duration {
	switch task {
	case scheduler.TaskResources:
		return 10 * time.Second
	case scheduler.TaskCacheReload:
		return 30 * time.Second
	case scheduler.TaskZombieJobs:
		return time.Minute
	case scheduler.TaskCleanup:
		return time.Minute
	case scheduler.TaskLdapSync:
		return 5 * time.Minute
	case scheduler.TaskUpdateRuntimes:
		return time.Hour
	case scheduler.TaskDecreaseFairShare:
		return time.Hour
	default:
		return time.Minute
	}
}

// ResourcesAvailable reports spare worker slots: configured capacity
// minus pods this backend currently manages that have not finished.
func (b *Backend) ResourcesAvailable(ctx context.Context, _ scheduler.Settings) (scheduler.AllocatableUpdate, error) {
	var pods corev1.PodList
	if err := b.client.List(ctx, &pods, client.MatchingLabels{labelManagedBy: managedByValue}); err != nil {
		return scheduler.AllocatableUpdate{}, fmt.Errorf("k8s: list managed pods: %w", err)
	}
	active := 0
	for _, p := range pods.Items {
		if p.Status.Phase != corev1.PodSucceeded && p.Status.Phase != corev1.PodFailed {
			active++
		}
	}
	slots := b.capacity - active
	if slots < 0 {
		slots = 0
	}
	return scheduler.AllocatableUpdate{Slots: slots}, nil
}

// Setup ensures every group in the cache's "groups" entry has a
// namespace to run workers in, recording a group ban instead of
// failing the whole tick when one group's namespace can't be created.
func (b *Backend) Setup(ctx context.Context, cache *scheduler.Cache, bans *scheduler.BanSets) error {
	raw, ok := cache.Get("groups")
	if !ok {
		return nil
	}
	groups, ok := raw.(GroupsCache)
	if !ok {
		return nil
	}
	for _, group := range groups {
		ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: b.namespace(group)}}
		if err := b.client.Create(ctx, ns); err != nil && !apierrors.IsAlreadyExists(err) {
			b.log.Error(err, "failed to ensure namespace", "group", group)
			bans.Groups[group] = err.Error()
		}
	}
	return nil
}

// SyncToNewCache reconciles every NetworkPolicy the cache's
// "network_policies" entry describes against the cluster, creating or
// updating only those NeedsK8sUpdate reports as drifted (§4.7).
func (b *Backend) SyncToNewCache(ctx context.Context, cache *scheduler.Cache, bans *scheduler.BanSets) error {
	raw, ok := cache.Get("network_policies")
	if !ok {
		return nil
	}
	desired, ok := raw.(NetworkPolicyCache)
	if !ok {
		return nil
	}
	for group, spec := range desiredByGroup(desired, b.namespace) {
		want := scheduler.BuildNetworkPolicy(spec)
		var have networkingv1.NetworkPolicy
		err := b.client.Get(ctx, types.NamespacedName{Namespace: want.Namespace, Name: want.Name}, &have)
		switch {
		case apierrors.IsNotFound(err):
			b.log.V(1).Info("creating network policy", "group", group, "spec", policyYAML(want))
			if err := b.client.Create(ctx, want); err != nil {
				b.log.Error(err, "failed to create network policy", "group", group, "policy", want.Name)
				bans.Groups[group] = err.Error()
			}
		case err != nil:
			return fmt.Errorf("k8s: get network policy %s/%s: %w", want.Namespace, want.Name, err)
		case scheduler.NeedsK8sUpdate(&have, want):
			b.log.V(1).Info("updating network policy", "group", group, "spec", policyYAML(want))
			have.Spec = want.Spec
			if err := b.client.Update(ctx, &have); err != nil {
				b.log.Error(err, "failed to update network policy", "group", group, "policy", want.Name)
				bans.Groups[group] = err.Error()
			}
		}
	}
	return nil
}

func desiredByGroup(cache NetworkPolicyCache, ns func(string) string) map[string]scheduler.PolicySpec {
	out := make(map[string]scheduler.PolicySpec, len(cache))
	for group, spec := range cache {
		if spec.Namespace == "" {
			spec.Namespace = ns(group)
		}
		out[group] = spec
	}
	return out
}

// Spawn creates one Pod per spawn request, keyed by worker name.
// Errors the API server reports as Invalid or Forbidden are terminal
// (the image definition itself is broken) and surface per-name so the
// reconciler can ban the image; anything else is returned as a hard
// tick error.
func (b *Backend) Spawn(ctx context.Context, _ *scheduler.Cache, spawnMap map[string]scheduler.SpawnRequest) (map[string]error, error) {
	errs := make(map[string]error, len(spawnMap))
	for worker, req := range spawnMap {
		pod, err := buildPod(worker, req, b.namespace(req.Job.Group))
		if err != nil {
			errs[worker] = err
			continue
		}
		if err := b.client.Create(ctx, pod); err != nil {
			if apierrors.IsAlreadyExists(err) {
				continue
			}
			if apierrors.IsInvalid(err) || apierrors.IsForbidden(err) {
				errs[worker] = err
				continue
			}
			return nil, fmt.Errorf("k8s: create pod %s: %w", worker, err)
		}
	}
	return errs, nil
}

// Delete removes the named worker pods plus any managed pod this
// backend independently finds has already finished (Succeeded or
// Failed), reporting every removal so the job store can reset or fail
// the job that pod was running.
func (b *Backend) Delete(ctx context.Context, _ *scheduler.Cache, scaledowns []string) ([]scheduler.WorkerDeletion, error) {
	var pods corev1.PodList
	if err := b.client.List(ctx, &pods, client.MatchingLabels{labelManagedBy: managedByValue}); err != nil {
		return nil, fmt.Errorf("k8s: list managed pods: %w", err)
	}
	wanted := make(map[string]bool, len(scaledowns))
	for _, w := range scaledowns {
		wanted[w] = true
	}

	var deletions []scheduler.WorkerDeletion
	for i := range pods.Items {
		pod := &pods.Items[i]
		worker := pod.Labels[labelWorker]
		finished := pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed
		if !wanted[worker] && !finished {
			continue
		}
		reason := "scaled down"
		if finished {
			reason = string(pod.Status.Phase)
		}
		if err := b.client.Delete(ctx, pod); err != nil && !apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("k8s: delete pod %s: %w", pod.Name, err)
		}
		deletions = append(deletions, scheduler.WorkerDeletion{
			Worker: worker, Job: pod.Labels[labelJob], Reason: reason,
		})
	}
	return deletions, nil
}

// ClearTerminal reports workers in the given groups whose pods have
// sat Failed longer than terminalGrace, which the reconciler should
// error out rather than silently reset (§4.7 "clear_terminal").
func (b *Backend) ClearTerminal(ctx context.Context, _ *scheduler.Cache, groups []string, errorOut bool) ([]scheduler.ErrorOutKind, error) {
	if !errorOut {
		return nil, nil
	}
	wanted := make(map[string]bool, len(groups))
	for _, g := range groups {
		wanted[g] = true
	}
	var pods corev1.PodList
	if err := b.client.List(ctx, &pods, client.MatchingLabels{labelManagedBy: managedByValue}); err != nil {
		return nil, fmt.Errorf("k8s: list managed pods: %w", err)
	}
	var out []scheduler.ErrorOutKind
	now := time.Now()
	for _, pod := range pods.Items {
		if pod.Status.Phase != corev1.PodFailed || !wanted[pod.Labels[labelGroup]] {
			continue
		}
		since := pod.CreationTimestamp.Time
		if len(pod.Status.Conditions) > 0 {
			since = pod.Status.Conditions[len(pod.Status.Conditions)-1].LastTransitionTime.Time
		}
		if now.Sub(since) < terminalGrace {
			continue
		}
		out = append(out, scheduler.ErrorOutKind{
			Worker: pod.Labels[labelWorker], Job: pod.Labels[labelJob], Reason: "terminal past grace period",
		})
	}
	return out, nil
}

// buildPod renders one job's container spec from its image definition
// (§3 Image entrypoint/cmd/args/env/resources).
func buildPod(worker string, req scheduler.SpawnRequest, namespace string) (*corev1.Pod, error) {
	img := req.Image
	resources, err := podResources(img.Resources)
	if err != nil {
		return nil, fmt.Errorf("k8s: resources for image %s: %w", img.Name, err)
	}

	args := append([]string{}, img.Cmd...)
	args = append(args, req.Job.Args.Positionals...)
	args = append(args, req.Job.Args.Switches...)

	env := make([]corev1.EnvVar, 0, len(img.Env))
	for k, v := range img.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      worker,
			Namespace: namespace,
			Labels: map[string]string{
				labelManagedBy: managedByValue,
				labelWorker:    worker,
				labelJob:       req.Job.ID,
				labelGroup:     req.Job.Group,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:       "worker",
					Image:      img.Name,
					Command:    img.Entrypoint,
					Args:       args,
					Env:        env,
					Resources:  resources,
					WorkingDir: "/",
				},
			},
		},
	}, nil
}

// podResources translates an image's §3 Resources block into a pod's
// resource requirements, treating cpu/memory/ephemeral as both
// request and limit (thorium workers don't burst).
func podResources(r domain.Resources) (corev1.ResourceRequirements, error) {
	list := corev1.ResourceList{}
	if r.CPU != "" {
		q, err := resource.ParseQuantity(r.CPU)
		if err != nil {
			return corev1.ResourceRequirements{}, fmt.Errorf("parse cpu %q: %w", r.CPU, err)
		}
		list[corev1.ResourceCPU] = q
	}
	if r.Memory != "" {
		q, err := resource.ParseQuantity(r.Memory)
		if err != nil {
			return corev1.ResourceRequirements{}, fmt.Errorf("parse memory %q: %w", r.Memory, err)
		}
		list[corev1.ResourceMemory] = q
	}
	if r.Ephemeral != "" {
		q, err := resource.ParseQuantity(r.Ephemeral)
		if err != nil {
			return corev1.ResourceRequirements{}, fmt.Errorf("parse ephemeral storage %q: %w", r.Ephemeral, err)
		}
		list[corev1.ResourceEphemeralStorage] = q
	}
	if r.NvidiaGPU > 0 {
		list[corev1.ResourceName("nvidia.com/gpu")] = *resource.NewQuantity(int64(r.NvidiaGPU), resource.DecimalSI)
	}
	if r.AmdGPU > 0 {
		list[corev1.ResourceName("amd.com/gpu")] = *resource.NewQuantity(int64(r.AmdGPU), resource.DecimalSI)
	}
	if len(list) == 0 {
		return corev1.ResourceRequirements{}, nil
	}
	return corev1.ResourceRequirements{Requests: list, Limits: list}, nil
}

// policyYAML renders a NetworkPolicy as YAML for structured debug
// logs, using sigs.k8s.io/yaml's JSON-tag-respecting conversion since
// gopkg.in/yaml.v3 would otherwise ignore the object's json tags and
// emit empty output. Marshal failures degrade to the error string
// rather than failing the reconcile over a logging concern.
func policyYAML(np *networkingv1.NetworkPolicy) string {
	data, err := sigsyaml.Marshal(np)
	if err != nil {
		return fmt.Sprintf("<marshal error: %v>", err)
	}
	return string(data)
}
