package results

import (
	"context"
	"testing"

	"github.com/thorium-go/thorium/internal/domain"
	"github.com/thorium-go/thorium/internal/rowstore/rowstoretest"
	"github.com/thorium-go/thorium/internal/store/tags"
)

type recordingEvents struct {
	events []domain.Event
}

func (r *recordingEvents) Publish(_ context.Context, event domain.Event) error {
	r.events = append(r.events, event)
	return nil
}

func newTestStore() (*Store, *recordingEvents) {
	fake := rowstoretest.New()
	events := &recordingEvents{}
	return New(fake, tags.New(fake), events), events
}

func TestCreateAndListFiltersHidden(t *testing.T) {
	ctx := context.Background()
	store, events := newTestStore()

	if _, err := store.Create(ctx, CreateRequest{
		Target: "sha256:abc", Tool: "strings", Groups: []string{"groupA"},
		DisplayType: domain.DisplayJson, Payload: []byte(`{"ok":true}`),
	}); err != nil {
		t.Fatalf("Create visible: %v", err)
	}
	if _, err := store.Create(ctx, CreateRequest{
		Target: "sha256:abc", Tool: "strings", Groups: []string{"groupA"},
		DisplayType: domain.DisplayHidden, Payload: []byte("internal"),
	}); err != nil {
		t.Fatalf("Create hidden: %v", err)
	}

	visible, err := store.List(ctx, "sha256:abc", "strings", false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(visible) != 1 || visible[0].DisplayType != domain.DisplayJson {
		t.Fatalf("expected only the non-hidden result, got %+v", visible)
	}

	all, err := store.List(ctx, "sha256:abc", "strings", true)
	if err != nil {
		t.Fatalf("List includeHidden: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected both results with includeHidden, got %d", len(all))
	}

	if len(events.events) != 2 {
		t.Fatalf("expected one NewResult event per create, got %d", len(events.events))
	}
}

func TestChildrenGraphFlattensAcrossResults(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	if _, err := store.Create(ctx, CreateRequest{
		Target: "sha256:abc", Tool: "unpack", Groups: []string{"groupA"},
		DisplayType: domain.DisplayJson,
		Children:    map[string]string{"payload.bin": "child-1"},
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Create(ctx, CreateRequest{
		Target: "sha256:abc", Tool: "unpack", Groups: []string{"groupA"},
		DisplayType: domain.DisplayJson,
		Children:    map[string]string{"config.json": "child-2"},
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	graph, err := store.ChildrenGraph(ctx, "sha256:abc", "unpack")
	if err != nil {
		t.Fatalf("ChildrenGraph: %v", err)
	}
	if graph["payload.bin"] != "child-1" || graph["config.json"] != "child-2" {
		t.Fatalf("expected merged children graph, got %+v", graph)
	}
}

func TestDeleteByTargetRemovesResultsAndTags(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	if _, err := store.Create(ctx, CreateRequest{
		Target: "sha256:abc", Tool: "strings", Groups: []string{"groupA"},
		DisplayType: domain.DisplayJson,
		AutoTags:    map[string][]string{"family": {"evil-corn"}},
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.DeleteByTarget(ctx, "sha256:abc", "strings", []string{"groupA"}); err != nil {
		t.Fatalf("DeleteByTarget: %v", err)
	}

	rows, err := store.List(ctx, "sha256:abc", "strings", true)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no results after delete, got %+v", rows)
	}

	tagRows, err := store.tags.List(ctx, domain.TargetResult, []string{"groupA"}, map[string][]string{"family": {"evil-corn"}}, 0)
	if err != nil {
		t.Fatalf("List tags: %v", err)
	}
	if len(tagRows) != 0 {
		t.Fatalf("expected no auto tags after delete, got %+v", tagRows)
	}
}
