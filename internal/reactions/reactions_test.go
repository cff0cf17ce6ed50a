package reactions

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/thorium-go/thorium/internal/domain"
	"github.com/thorium-go/thorium/internal/kvstore"
)

// fakeLookup satisfies PipelineLookup over an in-memory map, keyed by
// group/name.
type fakeLookup struct {
	pipelines map[string]*domain.Pipeline
	images    map[string]*domain.Image
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{pipelines: map[string]*domain.Pipeline{}, images: map[string]*domain.Image{}}
}

func (f *fakeLookup) key(group, name string) string { return group + "/" + name }

func (f *fakeLookup) addPipeline(p *domain.Pipeline) {
	f.pipelines[f.key(p.Group, p.Name)] = p
}

func (f *fakeLookup) addImage(img *domain.Image) {
	f.images[f.key(img.Group, img.Name)] = img
}

func (f *fakeLookup) Pipeline(_ context.Context, group, name string) (*domain.Pipeline, error) {
	p, ok := f.pipelines[f.key(group, name)]
	if !ok {
		return nil, fmt.Errorf("no such pipeline %s/%s", group, name)
	}
	return p, nil
}

func (f *fakeLookup) Image(_ context.Context, group, name string) (*domain.Image, error) {
	img, ok := f.images[f.key(group, name)]
	if !ok {
		return nil, fmt.Errorf("no such image %s/%s", group, name)
	}
	return img, nil
}

// fakeEnqueuer records every job handed to it and mirrors the scaler
// field into kvstore the way jobqueue's real store would, since
// resetGenerators reads it back via JobDataKey.
type fakeEnqueuer struct {
	kv   *kvstore.Store
	jobs []domain.Job
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, job domain.Job) error {
	f.jobs = append(f.jobs, job)
	return f.kv.Client().HSet(ctx, kvstore.JobDataKey(job.ID), "scaler", string(job.Scaler)).Err()
}

func (f *fakeEnqueuer) byReaction(reaction string) []domain.Job {
	var out []domain.Job
	for _, j := range f.jobs {
		if j.Reaction == reaction {
			out = append(out, j)
		}
	}
	return out
}

type fakeResetter struct {
	calls []JobResets
}

func (f *fakeResetter) BulkReset(_ context.Context, req JobResets) error {
	f.calls = append(f.calls, req)
	return nil
}

type fakeEphemeralCleaner struct {
	deleted []string
}

func (f *fakeEphemeralCleaner) DeleteEphemeral(_ context.Context, reaction string) error {
	f.deleted = append(f.deleted, reaction)
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeLookup, *fakeEnqueuer, *fakeResetter, *fakeEphemeralCleaner) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	kv := kvstore.New(rdb)
	lookup := newFakeLookup()
	jobs := &fakeEnqueuer{kv: kv}
	resets := &fakeResetter{}
	blobs := &fakeEphemeralCleaner{}
	engine := New(kv, lookup, jobs, resets, blobs, 10, nil)
	return engine, lookup, jobs, resets, blobs
}

func singleStagePipeline(group, name string, imageNames ...string) *domain.Pipeline {
	return &domain.Pipeline{Group: group, Name: name, Order: []domain.Stage{imageNames}, SLA: time.Hour}
}

func TestCreateWritesIndexesAndTagMemberships(t *testing.T) {
	engine, lookup, jobs, _, _ := newTestEngine(t)
	ctx := context.Background()

	lookup.addImage(&domain.Image{Group: "groupA", Name: "strings", Scaler: domain.ScalerK8s, Runtime: time.Minute})
	lookup.addPipeline(singleStagePipeline("groupA", "basic", "strings"))

	id, err := engine.Create(ctx, CreateRequest{
		Group: "groupA", Pipeline: "basic", Creator: "alice",
		SLA:  time.Hour,
		Tags: map[string][]string{"family": {"evil-corn"}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	reaction, err := engine.GetReaction(ctx, "groupA", "basic", id)
	if err != nil {
		t.Fatalf("GetReaction: %v", err)
	}
	if reaction.Status != domain.StatusStarted {
		t.Fatalf("expected Started status after create, got %s", reaction.Status)
	}

	members, err := engine.kv.Client().SMembers(ctx, kvstore.GroupPipelineStatusKey("groupA", "basic", string(domain.StatusStarted))).Result()
	if err != nil || len(members) != 1 || members[0] != id {
		t.Fatalf("expected (group,pipeline,status) set to contain %s, got %v err=%v", id, members, err)
	}
	gp, err := engine.kv.Client().SMembers(ctx, kvstore.GroupPipelineKey("groupA", "basic")).Result()
	if err != nil || len(gp) != 1 || gp[0] != id {
		t.Fatalf("expected (group,pipeline) set to contain %s, got %v err=%v", id, gp, err)
	}
	tagMembers, err := engine.kv.Client().SMembers(ctx, kvstore.TagSetKey("groupA", "family:evil-corn")).Result()
	if err != nil || len(tagMembers) != 1 || tagMembers[0] != id {
		t.Fatalf("expected tag set to contain %s, got %v err=%v", id, tagMembers, err)
	}

	if len(jobs.byReaction(id)) != 1 {
		t.Fatalf("expected create to react and enqueue stage 0's single job, got %d", len(jobs.byReaction(id)))
	}
}

func TestReactComputesDeadlinesFromRemainingStageCost(t *testing.T) {
	engine, lookup, jobs, _, _ := newTestEngine(t)
	ctx := context.Background()

	lookup.addImage(&domain.Image{Group: "groupA", Name: "stageA-img", Scaler: domain.ScalerK8s, Runtime: 10 * time.Minute})
	lookup.addImage(&domain.Image{Group: "groupA", Name: "stageB-img", Scaler: domain.ScalerK8s, Runtime: 5 * time.Minute})
	lookup.addPipeline(&domain.Pipeline{
		Group: "groupA", Name: "chained",
		Order: []domain.Stage{{"stageA-img"}, {"stageB-img"}},
		SLA:   time.Hour,
	})

	sla := 30 * time.Minute
	id, err := engine.Create(ctx, CreateRequest{Group: "groupA", Pipeline: "chained", Creator: "bob", SLA: sla})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	reaction, err := engine.GetReaction(ctx, "groupA", "chained", id)
	if err != nil {
		t.Fatalf("GetReaction: %v", err)
	}

	stageAJobs := jobs.byReaction(id)
	if len(stageAJobs) != 1 {
		t.Fatalf("expected a single stage-0 job, got %d", len(stageAJobs))
	}
	// rest = max-cost of every later stage = stageB's 5m; stage-0's own
	// image runtime is 10m, so deadline = sla - (rest + 10m).
	wantDeadline := reaction.SLA.Add(-(5*time.Minute + 10*time.Minute))
	if !stageAJobs[0].Deadline.Equal(wantDeadline) {
		t.Fatalf("expected stage-0 deadline %v, got %v", wantDeadline, stageAJobs[0].Deadline)
	}
}

func TestJobFinishedAdvancesStageThenCompletesReaction(t *testing.T) {
	engine, lookup, jobs, _, blobs := newTestEngine(t)
	ctx := context.Background()

	lookup.addImage(&domain.Image{Group: "groupA", Name: "only-img", Scaler: domain.ScalerK8s, Runtime: time.Minute})
	lookup.addPipeline(singleStagePipeline("groupA", "single", "only-img"))

	id, err := engine.Create(ctx, CreateRequest{Group: "groupA", Pipeline: "single", Creator: "carol", SLA: time.Hour})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	stageJobs := jobs.byReaction(id)
	if len(stageJobs) != 1 {
		t.Fatalf("expected one job for the single-image stage, got %d", len(stageJobs))
	}

	outcome, err := engine.JobFinished(ctx, "groupA", "single", id, false, false)
	if err != nil {
		t.Fatalf("JobFinished: %v", err)
	}
	if outcome != OutcomeCompleted {
		t.Fatalf("expected completing the only stage to complete the reaction, got %s", outcome)
	}

	reaction, err := engine.GetReaction(ctx, "groupA", "single", id)
	if err != nil {
		t.Fatalf("GetReaction: %v", err)
	}
	if reaction.Status != domain.StatusCompleted {
		t.Fatalf("expected Completed status, got %s", reaction.Status)
	}
	if len(blobs.deleted) != 1 || blobs.deleted[0] != id {
		t.Fatalf("expected ephemeral cleanup for %s, got %v", id, blobs.deleted)
	}

	startedMembers, err := engine.kv.Client().SMembers(ctx, kvstore.GroupPipelineStatusKey("groupA", "single", string(domain.StatusStarted))).Result()
	if err != nil || len(startedMembers) != 0 {
		t.Fatalf("expected reaction removed from the Started set, got %v err=%v", startedMembers, err)
	}
}

func TestJobFinishedFailFastCascadesToFail(t *testing.T) {
	engine, lookup, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	lookup.addImage(&domain.Image{Group: "groupA", Name: "only-img", Scaler: domain.ScalerK8s, Runtime: time.Minute})
	lookup.addPipeline(singleStagePipeline("groupA", "single", "only-img"))

	id, err := engine.Create(ctx, CreateRequest{Group: "groupA", Pipeline: "single", Creator: "dave", SLA: time.Hour})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	outcome, err := engine.JobFinished(ctx, "groupA", "single", id, true, true)
	if err != nil {
		t.Fatalf("JobFinished: %v", err)
	}
	if outcome != OutcomeCompleted {
		t.Fatalf("expected fail-fast to report Completed (terminal), got %s", outcome)
	}
	reaction, err := engine.GetReaction(ctx, "groupA", "single", id)
	if err != nil {
		t.Fatalf("GetReaction: %v", err)
	}
	if reaction.Status != domain.StatusFailed {
		t.Fatalf("expected Failed status, got %s", reaction.Status)
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	engine, lookup, _, _, blobs := newTestEngine(t)
	ctx := context.Background()

	lookup.addImage(&domain.Image{Group: "groupA", Name: "only-img", Scaler: domain.ScalerK8s, Runtime: time.Minute})
	lookup.addPipeline(singleStagePipeline("groupA", "single", "only-img"))

	id, err := engine.Create(ctx, CreateRequest{Group: "groupA", Pipeline: "single", Creator: "erin", SLA: time.Hour})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := engine.Complete(ctx, "groupA", "single", id); err != nil {
		t.Fatalf("first Complete: %v", err)
	}
	if _, err := engine.Complete(ctx, "groupA", "single", id); err != nil {
		t.Fatalf("second Complete: %v", err)
	}
	if len(blobs.deleted) != 1 {
		// finish() short-circuits once the reaction is already terminal,
		// before the atomic batch or the ephemeral cleanup runs, so a
		// second Complete call is a pure no-op.
		t.Fatalf("expected exactly one ephemeral cleanup across both Complete calls, got %d", len(blobs.deleted))
	}
}

// TestProceedWaitsOnGeneratorsThenAdvances exercises spec scenario S4:
// a generator-only stage 0 followed by a plain stage 1. While the
// generator job is still tracked, Proceed must reset it and report
// Waiting without advancing current_stage; once the generator set is
// drained and pending sub-reactions are all complete, Proceed advances
// to stage 1 and materialises its job with a deadline based only on
// the remaining pipeline cost.
func TestProceedWaitsOnGeneratorsThenAdvances(t *testing.T) {
	engine, lookup, jobs, resets, _ := newTestEngine(t)
	ctx := context.Background()

	lookup.addImage(&domain.Image{Group: "groupA", Name: "gen-img", Scaler: domain.ScalerK8s, Generator: true, Runtime: time.Minute})
	lookup.addImage(&domain.Image{Group: "groupA", Name: "stageB-img", Scaler: domain.ScalerBareMetal, Runtime: 2 * time.Minute})
	lookup.addPipeline(&domain.Pipeline{
		Group: "groupA", Name: "generated",
		Order: []domain.Stage{{"gen-img"}, {"stageB-img"}},
		SLA:   time.Hour,
	})

	id, err := engine.Create(ctx, CreateRequest{Group: "groupA", Pipeline: "generated", Creator: "frank", SLA: time.Hour})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	generatorJobs, err := engine.kv.Client().SMembers(ctx, kvstore.ReactionSetKey("groupA", "generated", id, "generators")).Result()
	if err != nil || len(generatorJobs) != 1 {
		t.Fatalf("expected one tracked generator job, got %v err=%v", generatorJobs, err)
	}

	// current_stage_progress reaches current_stage_length (1) once the
	// generator job itself finishes, but the generator set is still
	// populated (nothing has cleared it yet), so proceed must wait.
	outcome, err := engine.JobFinished(ctx, "groupA", "generated", id, false, false)
	if err != nil {
		t.Fatalf("JobFinished (generator): %v", err)
	}
	if outcome != OutcomeWaiting {
		t.Fatalf("expected Waiting while the generator set is non-empty, got %s", outcome)
	}
	if len(resets.calls) != 1 || len(resets.calls[0].Jobs) != 1 {
		t.Fatalf("expected one bulk reset call covering the generator job, got %+v", resets.calls)
	}

	reaction, err := engine.GetReaction(ctx, "groupA", "generated", id)
	if err != nil {
		t.Fatalf("GetReaction: %v", err)
	}
	if reaction.CurrentStage != 0 {
		t.Fatalf("expected current_stage to remain 0 while waiting on the generator, got %d", reaction.CurrentStage)
	}

	// Simulate two sub-reactions spawned by the generator, both now
	// complete, and the generator job itself no longer tracked.
	if err := engine.kv.Client().SRem(ctx, kvstore.ReactionSetKey("groupA", "generated", id, "generators"), generatorJobs[0]).Err(); err != nil {
		t.Fatalf("SRem generators: %v", err)
	}
	if err := engine.kv.Client().HSet(ctx, kvstore.ReactionDataKey("groupA", "generated", id), "sub_reactions", 2, "completed_sub_reactions", 2).Err(); err != nil {
		t.Fatalf("HSet sub counters: %v", err)
	}

	outcome, err = engine.Proceed(ctx, "groupA", "generated", id)
	if err != nil {
		t.Fatalf("Proceed (advance): %v", err)
	}
	if outcome != OutcomeProceeding {
		t.Fatalf("expected the stage to advance once generators drain and subs complete, got %s", outcome)
	}

	reaction, err = engine.GetReaction(ctx, "groupA", "generated", id)
	if err != nil {
		t.Fatalf("GetReaction: %v", err)
	}
	if reaction.CurrentStage != 1 {
		t.Fatalf("expected current_stage advanced to 1, got %d", reaction.CurrentStage)
	}

	stageBJobs := jobs.byReaction(id)
	var found bool
	for _, j := range stageBJobs {
		if j.Image == "stageB-img" {
			found = true
			if !j.Deadline.Equal(reaction.SLA.Add(-2 * time.Minute)) {
				t.Fatalf("expected stage-1 deadline sla-2m, got %v (sla=%v)", j.Deadline, reaction.SLA)
			}
		}
	}
	if !found {
		t.Fatalf("expected stage-1's job to be enqueued, got %+v", stageBJobs)
	}
}

func TestProceedWaitsWhileSubReactionsOutstanding(t *testing.T) {
	engine, lookup, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	lookup.addImage(&domain.Image{Group: "groupA", Name: "only-img", Scaler: domain.ScalerK8s, Runtime: time.Minute})
	lookup.addPipeline(singleStagePipeline("groupA", "single", "only-img"))

	id, err := engine.Create(ctx, CreateRequest{Group: "groupA", Pipeline: "single", Creator: "gina", SLA: time.Hour})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := engine.kv.Client().HSet(ctx, kvstore.ReactionDataKey("groupA", "single", id), "sub_reactions", 1, "completed_sub_reactions", 0).Err(); err != nil {
		t.Fatalf("HSet sub counters: %v", err)
	}

	outcome, err := engine.Proceed(ctx, "groupA", "single", id)
	if err != nil {
		t.Fatalf("Proceed: %v", err)
	}
	if outcome != OutcomeWaiting {
		t.Fatalf("expected Waiting with an outstanding sub-reaction, got %s", outcome)
	}
}

func TestParentProceedGatesOnChildCompletionAndParentProgress(t *testing.T) {
	engine, lookup, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	lookup.addImage(&domain.Image{Group: "groupA", Name: "only-img", Scaler: domain.ScalerK8s, Runtime: time.Minute})
	lookup.addPipeline(singleStagePipeline("groupA", "single", "only-img"))

	parentID, err := engine.Create(ctx, CreateRequest{Group: "groupA", Pipeline: "single", Creator: "harry", SLA: time.Hour})
	if err != nil {
		t.Fatalf("Create parent: %v", err)
	}
	// Parent has already progressed its own (only) stage; Create below
	// is what brings its sub_reactions counter to 1, so once the child
	// finishes it should be free to proceed straight to completion.
	if err := engine.kv.Client().HSet(ctx, kvstore.ReactionDataKey("groupA", "single", parentID),
		"current_stage_progress", 1, "current_stage_length", 1).Err(); err != nil {
		t.Fatalf("HSet parent counters: %v", err)
	}

	childID, err := engine.Create(ctx, CreateRequest{
		Group: "groupA", Pipeline: "single", Creator: "harry", SLA: time.Hour, Parent: parentID,
	})
	if err != nil {
		t.Fatalf("Create child: %v", err)
	}

	if _, err := engine.Complete(ctx, "groupA", "single", childID); err != nil {
		t.Fatalf("Complete child: %v", err)
	}

	parent, err := engine.GetReaction(ctx, "groupA", "single", parentID)
	if err != nil {
		t.Fatalf("GetReaction parent: %v", err)
	}
	if parent.CompletedSubReactions != 1 {
		t.Fatalf("expected parent's completed_sub_reactions incremented to 1, got %d", parent.CompletedSubReactions)
	}
	if parent.Status != domain.StatusCompleted {
		t.Fatalf("expected parent_proceed to complete the parent once its only child finished, got %s", parent.Status)
	}
}
