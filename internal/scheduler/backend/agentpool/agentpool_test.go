package agentpool

import (
	"context"
	"errors"
	"testing"

	"github.com/thorium-go/thorium/internal/domain"
	"github.com/thorium-go/thorium/internal/scheduler"
)

var errFailed = errors.New("dispatch failed")

type fakeRegistry struct{ agents []Agent }

func (f *fakeRegistry) ListAvailable(context.Context, string) ([]Agent, error) { return f.agents, nil }

type fakeDispatcher struct {
	dispatched map[string]string // worker -> agentID
	killed     []string
	failOn     string
}

func newFakeDispatcher() *fakeDispatcher { return &fakeDispatcher{dispatched: map[string]string{}} }

func (f *fakeDispatcher) Dispatch(_ context.Context, agentID, worker string, _ scheduler.SpawnRequest) error {
	if worker == f.failOn {
		return errFailed
	}
	f.dispatched[worker] = agentID
	return nil
}

func (f *fakeDispatcher) Kill(_ context.Context, _ string, worker string) error {
	f.killed = append(f.killed, worker)
	return nil
}

func TestSpawnAssignsToLeastLoadedAgent(t *testing.T) {
	registry := &fakeRegistry{agents: []Agent{{ID: "host-1", OS: "linux", Capacity: 1}, {ID: "host-2", OS: "linux", Capacity: 2}}}
	dispatcher := newFakeDispatcher()
	b := New(registry, dispatcher, "linux", nil)

	spawnMap := map[string]scheduler.SpawnRequest{
		"w1": {Job: domain.Job{ID: "job-1", Group: "groupA"}},
	}
	errs, err := b.Spawn(context.Background(), scheduler.NewCache(), spawnMap)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if errs["w1"] != nil {
		t.Fatalf("expected no error, got %v", errs["w1"])
	}
	if dispatcher.dispatched["w1"] != "host-2" {
		t.Fatalf("expected w1 dispatched to the higher-capacity host-2, got %q", dispatcher.dispatched["w1"])
	}
}

func TestSpawnWithNoAgentsIsTerminalPerWorker(t *testing.T) {
	b := New(&fakeRegistry{}, newFakeDispatcher(), "windows", nil)
	errs, err := b.Spawn(context.Background(), scheduler.NewCache(), map[string]scheduler.SpawnRequest{
		"w1": {Job: domain.Job{ID: "job-1"}},
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if errs["w1"] == nil {
		t.Fatal("expected a terminal error when no agents are registered for the pool's OS")
	}
}

func TestSpawnOutOfCapacityLeavesWorkerUnassignedWithoutError(t *testing.T) {
	registry := &fakeRegistry{agents: []Agent{{ID: "host-1", OS: "linux", Capacity: 1}}}
	dispatcher := newFakeDispatcher()
	b := New(registry, dispatcher, "linux", nil)

	// Saturate the only agent first.
	first := map[string]scheduler.SpawnRequest{"w1": {Job: domain.Job{ID: "job-1"}}}
	if _, err := b.Spawn(context.Background(), scheduler.NewCache(), first); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	second := map[string]scheduler.SpawnRequest{"w2": {Job: domain.Job{ID: "job-2"}}}
	errs, err := b.Spawn(context.Background(), scheduler.NewCache(), second)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if errs["w2"] != nil {
		t.Fatalf("expected no error for a capacity-exhausted worker, got %v", errs["w2"])
	}
	if _, ok := dispatcher.dispatched["w2"]; ok {
		t.Fatal("expected w2 to remain unassigned")
	}
}

func TestDeleteKillsAssignedWorker(t *testing.T) {
	registry := &fakeRegistry{agents: []Agent{{ID: "host-1", OS: "linux", Capacity: 2}}}
	dispatcher := newFakeDispatcher()
	b := New(registry, dispatcher, "linux", nil)

	if _, err := b.Spawn(context.Background(), scheduler.NewCache(), map[string]scheduler.SpawnRequest{
		"w1": {Job: domain.Job{ID: "job-1", Group: "groupA"}},
	}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	deletions, err := b.Delete(context.Background(), scheduler.NewCache(), []string{"w1"})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(deletions) != 1 || deletions[0].Job != "job-1" {
		t.Fatalf("expected job-1's deletion to be reported, got %+v", deletions)
	}
	if len(dispatcher.killed) != 1 || dispatcher.killed[0] != "w1" {
		t.Fatalf("expected w1 to be killed, got %+v", dispatcher.killed)
	}
}
