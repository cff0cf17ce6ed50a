package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/thorium-go/thorium/internal/catalog"
	"github.com/thorium-go/thorium/internal/domain"
	"github.com/thorium-go/thorium/internal/kvstore"
	"github.com/thorium-go/thorium/internal/reactions"
)

type fakeJobs struct{ jobs []domain.Job }

func (f *fakeJobs) Enqueue(_ context.Context, job domain.Job) error {
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeResetter struct{}

func (fakeResetter) BulkReset(context.Context, reactions.JobResets) error { return nil }

func newTestBus(t *testing.T, maxDepth int) (*Bus, *catalog.Store, *fakeJobs) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	kv := kvstore.New(rdb)
	cat := catalog.New(kv)
	jobs := &fakeJobs{}
	engine := reactions.New(kv, cat, jobs, fakeResetter{}, nil, maxDepth, nil)
	return New(cat, engine, nil, maxDepth, nil), cat, jobs
}

func seedTriagePipeline(t *testing.T, cat *catalog.Store, group string, triggers []domain.Trigger) {
	t.Helper()
	ctx := context.Background()
	if err := cat.PutImage(ctx, domain.Image{Group: group, Name: "scan-image", Runtime: time.Minute}); err != nil {
		t.Fatalf("PutImage: %v", err)
	}
	if err := cat.PutPipeline(ctx, domain.Pipeline{
		Group:    group,
		Name:     "triage",
		Order:    []domain.Stage{{"scan-image"}},
		SLA:      time.Hour,
		Triggers: triggers,
	}); err != nil {
		t.Fatalf("PutPipeline: %v", err)
	}
}

func TestPublishCreatesReactionOnMatchingTrigger(t *testing.T) {
	bus, cat, jobs := newTestBus(t, 10)
	seedTriagePipeline(t, cat, "groupA", []domain.Trigger{{EventKind: string(domain.EventNewSample)}})

	err := bus.Publish(context.Background(), domain.Event{
		Kind:         domain.EventNewSample,
		Target:       "sha256:abc",
		Groups:       []string{"groupA"},
		TriggerDepth: 0,
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(jobs.jobs) != 1 {
		t.Fatalf("expected one stage-0 job enqueued for the triggered reaction, got %d", len(jobs.jobs))
	}
	if jobs.jobs[0].TriggerDepth != 1 {
		t.Fatalf("expected triggered reaction's trigger_depth to be event.trigger_depth+1, got %d", jobs.jobs[0].TriggerDepth)
	}
}

func TestPublishIgnoresNonMatchingEventKind(t *testing.T) {
	bus, cat, jobs := newTestBus(t, 10)
	seedTriagePipeline(t, cat, "groupA", []domain.Trigger{{EventKind: string(domain.EventNewResult)}})

	err := bus.Publish(context.Background(), domain.Event{
		Kind:   domain.EventNewSample,
		Target: "sha256:abc",
		Groups: []string{"groupA"},
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(jobs.jobs) != 0 {
		t.Fatalf("expected no reaction triggered for a non-matching event kind, got %d jobs", len(jobs.jobs))
	}
}

func TestPublishSuppressesAtTriggerDepthCeiling(t *testing.T) {
	bus, cat, jobs := newTestBus(t, 2)
	seedTriagePipeline(t, cat, "groupA", []domain.Trigger{{EventKind: string(domain.EventNewSample)}})

	err := bus.Publish(context.Background(), domain.Event{
		Kind:         domain.EventNewSample,
		Target:       "sha256:abc",
		Groups:       []string{"groupA"},
		TriggerDepth: 2,
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(jobs.jobs) != 0 {
		t.Fatalf("expected no reaction triggered once trigger_depth reaches configured_max, got %d jobs", len(jobs.jobs))
	}
}
