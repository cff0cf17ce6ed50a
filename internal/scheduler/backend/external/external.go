// Package external implements scheduler.Backend for the "external"
// scaler (§4.7): a pass-through backend for work that is actually
// executed by a scheduling system Thorium does not control (e.g. a
// customer's existing batch system). Spawn only records that a worker
// was handed off; completion and failure are reported back by
// whatever polls that external system, via SetSlots/ReportCompletion,
// rather than by this backend observing the work directly.
package external

import (
	"context"
	"sync"
	"time"

	"github.com/thorium-go/thorium/internal/scheduler"
)

const completionsKey = "external_completions"

// Completion is one worker's outcome as reported by the external
// system's poller.
type Completion struct {
	Worker string
	Job    string
	Reason string
	Failed bool // true routes through ClearTerminal's error-out path
}

// Backend is the external scaler's scheduler.Backend implementation.
// Everything it reports is fed in from outside by whatever polls the
// external system, since this backend has no way to observe that
// system's state on its own.
type Backend struct {
	mu    sync.Mutex
	slots int
}

// New builds the external backend with zero reported capacity until
// SetSlots is called.
func New() *Backend { return &Backend{} }

var _ scheduler.Backend = (*Backend)(nil)

// SetSlots records the external system's last-observed free capacity,
// called by whatever polls it outside the reconciler tick.
func (b *Backend) SetSlots(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots = n
}

// TaskDelay uses long, uniform delays: this backend has no local
// state worth refreshing quickly, since everything it reports is
// sourced from an external poller.
func (b *Backend) TaskDelay(scheduler.Task) time.Duration { return 5 * time.Minute }

// ResourcesAvailable reports the capacity SetSlots last recorded.
func (b *Backend) ResourcesAvailable(context.Context, scheduler.Settings) (scheduler.AllocatableUpdate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return scheduler.AllocatableUpdate{Slots: b.slots}, nil
}

// Setup and SyncToNewCache are no-ops: the external system owns its
// own namespace/account and network-policy concepts, if any.
func (b *Backend) Setup(context.Context, *scheduler.Cache, *scheduler.BanSets) error { return nil }
func (b *Backend) SyncToNewCache(context.Context, *scheduler.Cache, *scheduler.BanSets) error {
	return nil
}

// Spawn always succeeds from this backend's point of view: handing a
// job to the external system is the entire action, and this backend
// has no way to classify a terminal failure before the external
// system has had a chance to run it.
func (b *Backend) Spawn(_ context.Context, _ *scheduler.Cache, spawnMap map[string]scheduler.SpawnRequest) (map[string]error, error) {
	errs := make(map[string]error, len(spawnMap))
	for worker := range spawnMap {
		errs[worker] = nil
	}
	return errs, nil
}

// ReportCompletion records one worker's outcome, called by whatever
// polls the external system for job status. Delete and ClearTerminal
// drain these on the next tick.
func ReportCompletion(cache *scheduler.Cache, c Completion) {
	existing, _ := cache.Get(completionsKey)
	completions, _ := existing.([]Completion)
	cache.Set(completionsKey, append(completions, c))
}

// Delete drains whatever reported completions remain — the ones
// ClearTerminal did not already pull out as failures — and reports
// them as worker deletions.
func (b *Backend) Delete(_ context.Context, cache *scheduler.Cache, _ []string) ([]scheduler.WorkerDeletion, error) {
	var out []scheduler.WorkerDeletion
	for _, c := range drainMatching(cache, func(Completion) bool { return true }) {
		out = append(out, scheduler.WorkerDeletion{Worker: c.Worker, Job: c.Job, Reason: c.Reason})
	}
	return out, nil
}

// ClearTerminal pulls the failures out of this tick's reported
// completions, routing them to the error-out path instead of a plain
// reset. Reconcile calls ClearTerminal before Delete, so only the
// non-failures remain for Delete to report as plain deletions.
func (b *Backend) ClearTerminal(_ context.Context, cache *scheduler.Cache, groups []string, errorOut bool) ([]scheduler.ErrorOutKind, error) {
	if !errorOut {
		return nil, nil
	}
	wanted := make(map[string]bool, len(groups))
	for _, g := range groups {
		wanted[g] = true
	}
	var out []scheduler.ErrorOutKind
	for _, c := range drainMatching(cache, func(c Completion) bool { return c.Failed }) {
		out = append(out, scheduler.ErrorOutKind{Worker: c.Worker, Job: c.Job, Reason: c.Reason})
	}
	return out, nil
}

// drainMatching removes and returns the completions satisfying match,
// leaving the rest in the cache for a later drain this same tick.
func drainMatching(cache *scheduler.Cache, match func(Completion) bool) []Completion {
	raw, ok := cache.Get(completionsKey)
	if !ok {
		return nil
	}
	all, _ := raw.([]Completion)
	var matched, remaining []Completion
	for _, c := range all {
		if match(c) {
			matched = append(matched, c)
		} else {
			remaining = append(remaining, c)
		}
	}
	cache.Set(completionsKey, remaining)
	return matched
}
