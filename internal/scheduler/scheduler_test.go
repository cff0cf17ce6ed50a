package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/thorium-go/thorium/internal/domain"
	"github.com/thorium-go/thorium/internal/reactions"
)

// fakeCandidateSource hands out a fixed job list per (group,pipeline,creator)
// partition key (stage is not part of the key), one job per Claim call,
// then nil once exhausted.
type fakeCandidateSource struct {
	queues map[string][]domain.Job
	claims int
}

func partitionKey(group, pipeline string, stage int, creator string) string {
	return group + "/" + pipeline + "/" + creator
}

func (f *fakeCandidateSource) Claim(_ context.Context, group, pipeline string, stage int, creator, _ string) (*domain.Job, error) {
	f.claims++
	key := partitionKey(group, pipeline, stage, creator)
	q := f.queues[key]
	if len(q) == 0 {
		return nil, nil
	}
	job := q[0]
	f.queues[key] = q[1:]
	return &job, nil
}

type fakeImages struct{ images map[string]domain.Image }

func (f *fakeImages) Image(_ context.Context, group, name string) (*domain.Image, error) {
	img, ok := f.images[group+"/"+name]
	if !ok {
		return nil, errors.New("image not found")
	}
	return &img, nil
}

type fakeResetter struct{ resets []reactions.JobResets }

func (f *fakeResetter) BulkReset(_ context.Context, req reactions.JobResets) error {
	f.resets = append(f.resets, req)
	return nil
}

// fakeBackend is a scriptable Backend: tests set spawnErrors/deletions ahead
// of calling Reconcile and inspect spawned/cleared afterward.
type fakeBackend struct {
	slots       int
	spawnErrors map[string]error
	deletions   []WorkerDeletion
	spawned     map[string]SpawnRequest
	clearedFor  []string
}

func (b *fakeBackend) TaskDelay(Task) time.Duration { return time.Minute }
func (b *fakeBackend) ResourcesAvailable(context.Context, Settings) (AllocatableUpdate, error) {
	return AllocatableUpdate{Slots: b.slots}, nil
}
func (b *fakeBackend) Setup(context.Context, *Cache, *BanSets) error          { return nil }
func (b *fakeBackend) SyncToNewCache(context.Context, *Cache, *BanSets) error { return nil }
func (b *fakeBackend) Spawn(_ context.Context, _ *Cache, spawnMap map[string]SpawnRequest) (map[string]error, error) {
	b.spawned = spawnMap
	errs := make(map[string]error, len(spawnMap))
	for name := range spawnMap {
		errs[name] = b.spawnErrors[name]
	}
	return errs, nil
}
func (b *fakeBackend) Delete(context.Context, *Cache, []string) ([]WorkerDeletion, error) {
	return b.deletions, nil
}
func (b *fakeBackend) ClearTerminal(_ context.Context, _ *Cache, groups []string, _ bool) ([]ErrorOutKind, error) {
	b.clearedFor = groups
	return nil, nil
}

func testJob(group, pipeline, creator, image string, deadline time.Time) domain.Job {
	return domain.Job{
		ID: image + "-" + creator, Group: group, Pipeline: pipeline,
		Creator: creator, Image: image, Status: "Created", Deadline: deadline,
	}
}

func TestReconcileSpawnsClaimedCandidates(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	job := testJob("groupA", "triage", "user1", "scan-image", now.Add(time.Hour))

	src := &fakeCandidateSource{queues: map[string][]domain.Job{
		partitionKey("groupA", "triage", 0, "user1"): {job},
	}}
	images := &fakeImages{images: map[string]domain.Image{
		"groupA/scan-image": {Group: "groupA", Name: "scan-image", Runtime: time.Minute},
	}}
	backend := &fakeBackend{slots: 5}
	resetter := &fakeResetter{}

	sched := New(domain.Scaler("k8s"), backend, src, resetter, images, Settings{MaxConcurrent: 5}, nil)
	sched.WithPartitions([]Partition{{Group: "groupA", Pipeline: "triage", Stage: 0, Creator: "user1"}})

	if err := sched.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(backend.spawned) != 1 {
		t.Fatalf("expected exactly one spawned worker, got %d", len(backend.spawned))
	}
	if sched.fairShare.weight("groupA", "user1") != time.Minute.Seconds() {
		t.Fatalf("expected fair-share usage to record the spawned image's runtime cost")
	}
	if len(backend.clearedFor) != 1 || backend.clearedFor[0] != "groupA" {
		t.Fatalf("expected ClearTerminal to be called for groupA, got %+v", backend.clearedFor)
	}
}

func TestReconcileRecordsNoFairShareOnTerminalSpawnError(t *testing.T) {
	now := time.Now()
	job := testJob("groupA", "triage", "user1", "bad-image", now.Add(time.Hour))

	src := &fakeCandidateSource{queues: map[string][]domain.Job{
		partitionKey("groupA", "triage", 0, "user1"): {job},
	}}
	images := &fakeImages{images: map[string]domain.Image{
		"groupA/bad-image": {Group: "groupA", Name: "bad-image", UsedBy: []string{"triage"}},
	}}
	backend := &fakeBackend{slots: 5}
	worker := "triage-bad-image-user1"
	backend.spawnErrors = map[string]error{worker: errors.New("image pull backoff")}

	sched := New(domain.Scaler("k8s"), backend, src, &fakeResetter{}, images, Settings{MaxConcurrent: 5}, nil)
	sched.WithPartitions([]Partition{{Group: "groupA", Pipeline: "triage", Stage: 0, Creator: "user1"}})

	if err := sched.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if sched.fairShare.weight("groupA", "user1") != 0 {
		t.Fatal("expected no fair-share cost recorded for a failed spawn")
	}
}

func TestReconcileResetsJobsForDeletedWorkers(t *testing.T) {
	backend := &fakeBackend{slots: 1, deletions: []WorkerDeletion{{Worker: "w1", Job: "job-1", Reason: "evicted"}}}
	src := &fakeCandidateSource{queues: map[string][]domain.Job{}}
	images := &fakeImages{images: map[string]domain.Image{}}
	resetter := &fakeResetter{}

	sched := New(domain.Scaler("k8s"), backend, src, resetter, images, Settings{MaxConcurrent: 1}, nil)
	if err := sched.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(resetter.resets) != 1 || len(resetter.resets[0].Jobs) != 1 || resetter.resets[0].Jobs[0] != "job-1" {
		t.Fatalf("expected BulkReset called for job-1, got %+v", resetter.resets)
	}
	if resetter.resets[0].Requestor != reactions.ComponentScheduler {
		t.Fatalf("expected reset requestor to be the scheduler component, got %q", resetter.resets[0].Requestor)
	}
}

func TestPullCandidatesRespectsMaxConcurrent(t *testing.T) {
	now := time.Now()
	jobs := []domain.Job{
		testJob("groupA", "triage", "user1", "scan-image", now.Add(time.Hour)),
		testJob("groupA", "triage", "user1", "scan-image2", now.Add(2*time.Hour)),
		testJob("groupA", "triage", "user1", "scan-image3", now.Add(3*time.Hour)),
	}
	src := &fakeCandidateSource{queues: map[string][]domain.Job{
		partitionKey("groupA", "triage", 0, "user1"): jobs,
	}}
	sched := New(domain.Scaler("k8s"), &fakeBackend{}, src, &fakeResetter{}, &fakeImages{}, Settings{MaxConcurrent: 2}, nil)
	sched.WithPartitions([]Partition{{Group: "groupA", Pipeline: "triage", Stage: 0, Creator: "user1"}})

	out, err := sched.pullCandidates(context.Background(), AllocatableUpdate{})
	if err != nil {
		t.Fatalf("pullCandidates: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected MaxConcurrent to cap candidates at 2, got %d", len(out))
	}
}

func TestFairShareSortOrdersByWeightThenDeadline(t *testing.T) {
	f := newFairShare()
	f.record("groupA", "heavy-user", 100)

	now := time.Now()
	jobs := []domain.Job{
		{ID: "j1", Group: "groupA", Creator: "heavy-user", Deadline: now},
		{ID: "j2", Group: "groupA", Creator: "light-user", Deadline: now.Add(time.Hour)},
	}
	f.sortCandidates(jobs)
	if jobs[0].ID != "j2" {
		t.Fatalf("expected the lighter-weight user's job first, got %s", jobs[0].ID)
	}
}

func TestFairShareDecayClampsAtZero(t *testing.T) {
	f := newFairShare()
	f.record("groupA", "user1", 10)
	f.decay(1.5) // factor > 1 would otherwise go negative
	if f.weight("groupA", "user1") != 0 {
		t.Fatalf("expected decay to clamp usage at zero, got %f", f.weight("groupA", "user1"))
	}
}
