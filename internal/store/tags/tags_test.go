package tags

import (
	"context"
	"testing"
	"time"

	"github.com/thorium-go/thorium/internal/domain"
	"github.com/thorium-go/thorium/internal/rowstore/rowstoretest"
)

func TestCreateAndList(t *testing.T) {
	ctx := context.Background()
	fake := rowstoretest.New()
	store := New(fake)

	earliest := map[string]time.Time{"groupA": time.Now().UTC()}
	byGroup := map[string]map[string][]string{
		"groupA": {"submitter": {"alice"}},
	}
	if err := store.Create(ctx, domain.TargetSample, "sha256:abc", byGroup, earliest); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rows, err := store.List(ctx, domain.TargetSample, []string{"groupA"}, map[string][]string{"submitter": {"alice"}}, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 1 || rows[0].Target != "sha256:abc" {
		t.Fatalf("expected one row for sha256:abc, got %+v", rows)
	}
}

func TestDeleteForValueLeavesOtherSubmitters(t *testing.T) {
	ctx := context.Background()
	fake := rowstoretest.New()
	store := New(fake)

	now := time.Now().UTC()
	if err := store.Create(ctx, domain.TargetSample, "sha256:x", map[string]map[string][]string{
		"groupA": {"submitter": {"u", "v"}},
	}, map[string]time.Time{"groupA": now}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.DeleteForValue(ctx, domain.TargetSample, "groupA", "submitter", "u", "sha256:x"); err != nil {
		t.Fatalf("DeleteForValue: %v", err)
	}

	rows, err := store.List(ctx, domain.TargetSample, []string{"groupA"}, map[string][]string{"submitter": {"u", "v"}}, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 1 || rows[0].Value != "v" {
		t.Fatalf("expected only submitter=v to remain, got %+v", rows)
	}
}

func TestDeleteAllRemovesEveryTagForTarget(t *testing.T) {
	ctx := context.Background()
	fake := rowstoretest.New()
	store := New(fake)

	now := time.Now().UTC()
	if err := store.Create(ctx, domain.TargetSample, "sha256:x", map[string]map[string][]string{
		"groupA": {"submitter": {"u"}, "origin-url": {"http://example"}},
	}, map[string]time.Time{"groupA": now}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.DeleteAll(ctx, domain.TargetSample, "groupA", "sha256:x"); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}

	rows, err := store.List(ctx, domain.TargetSample, []string{"groupA"}, map[string][]string{"submitter": {"u"}}, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows after DeleteAll, got %+v", rows)
	}
}
