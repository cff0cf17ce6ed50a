package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/thorium-go/thorium/internal/domain"
	"github.com/thorium-go/thorium/internal/kvstore"
)

func newTestCatalog(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(kvstore.New(rdb))
}

func TestPutAndGetPipeline(t *testing.T) {
	store := newTestCatalog(t)
	ctx := context.Background()

	pl := domain.Pipeline{
		Group: "groupA",
		Name:  "triage",
		Order: []domain.Stage{{"scan-image"}},
		SLA:   time.Hour,
		Triggers: []domain.Trigger{
			{EventKind: "NewSample"},
		},
	}
	if err := store.PutPipeline(ctx, pl); err != nil {
		t.Fatalf("PutPipeline: %v", err)
	}

	got, err := store.Pipeline(ctx, "groupA", "triage")
	if err != nil {
		t.Fatalf("Pipeline: %v", err)
	}
	if got.Name != "triage" || len(got.Order) != 1 || got.Order[0][0] != "scan-image" {
		t.Fatalf("unexpected pipeline: %+v", got)
	}
}

func TestPipelinesForGroupListsAllRegistered(t *testing.T) {
	store := newTestCatalog(t)
	ctx := context.Background()

	for _, name := range []string{"triage", "deep-scan"} {
		if err := store.PutPipeline(ctx, domain.Pipeline{Group: "groupA", Name: name}); err != nil {
			t.Fatalf("PutPipeline %s: %v", name, err)
		}
	}

	pipelines, err := store.PipelinesForGroup(ctx, "groupA")
	if err != nil {
		t.Fatalf("PipelinesForGroup: %v", err)
	}
	if len(pipelines) != 2 {
		t.Fatalf("expected 2 pipelines, got %d", len(pipelines))
	}
}

func TestImageNotFound(t *testing.T) {
	store := newTestCatalog(t)
	if _, err := store.Image(context.Background(), "groupA", "missing"); err == nil {
		t.Fatal("expected not-found error for missing image")
	}
}
