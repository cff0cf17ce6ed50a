package external

import (
	"context"
	"testing"

	"github.com/thorium-go/thorium/internal/scheduler"
)

func TestResourcesAvailableReflectsSetSlots(t *testing.T) {
	b := New()
	b.SetSlots(7)
	update, err := b.ResourcesAvailable(context.Background(), scheduler.Settings{})
	if err != nil {
		t.Fatalf("ResourcesAvailable: %v", err)
	}
	if update.Slots != 7 {
		t.Fatalf("expected 7 slots, got %d", update.Slots)
	}
}

func TestSpawnNeverReturnsAnError(t *testing.T) {
	b := New()
	errs, err := b.Spawn(context.Background(), scheduler.NewCache(), map[string]scheduler.SpawnRequest{"w1": {}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if errs["w1"] != nil {
		t.Fatalf("expected no spawn error, got %v", errs["w1"])
	}
}

func TestClearTerminalThenDeletePartitionCompletionsByFailure(t *testing.T) {
	b := New()
	cache := scheduler.NewCache()
	ReportCompletion(cache, Completion{Worker: "w1", Job: "job-1", Reason: "finished"})
	ReportCompletion(cache, Completion{Worker: "w2", Job: "job-2", Reason: "crashed", Failed: true})

	errored, err := b.ClearTerminal(context.Background(), cache, []string{"groupA"}, true)
	if err != nil {
		t.Fatalf("ClearTerminal: %v", err)
	}
	if len(errored) != 1 || errored[0].Job != "job-2" {
		t.Fatalf("expected job-2 reported as errored, got %+v", errored)
	}

	deletions, err := b.Delete(context.Background(), cache, nil)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(deletions) != 1 || deletions[0].Job != "job-1" {
		t.Fatalf("expected job-1 reported as a plain deletion, got %+v", deletions)
	}
}
