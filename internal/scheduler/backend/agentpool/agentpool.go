// Package agentpool implements scheduler.Backend for the bare-metal
// and Windows agent-pool scalers §4.7 names alongside the container
// orchestrator: a fixed set of registered hosts, each polled or
// heartbeating in, that workers are dispatched to directly rather than
// through a cluster API.
//
// Grounded on the teacher's internal/controlplane/fleet.Fleet (a
// registry of probes keyed by id/hostname/os/arch with
// Register/Heartbeat/MarkOffline) for the agent-registry shape, and
// its sender interface (SendTo(probeID, msgType, payload)) for
// dispatch — both generalised here from "probe running local system
// commands" into "host running one worker process per spawned job".
package agentpool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/thorium-go/thorium/internal/scheduler"
)

// Agent is one registered host this pool can dispatch workers to.
type Agent struct {
	ID       string
	OS       string
	Capacity int
}

// Registry enumerates the agents currently available to run workers,
// the minimal slice of fleet.Fleet this backend needs.
type Registry interface {
	ListAvailable(ctx context.Context, osFilter string) ([]Agent, error)
}

// Dispatcher sends worker lifecycle commands to an agent, the
// generalisation of fleet's sender.SendTo for this backend's two
// verbs.
type Dispatcher interface {
	Dispatch(ctx context.Context, agentID, worker string, req scheduler.SpawnRequest) error
	Kill(ctx context.Context, agentID, worker string) error
}

type assignment struct {
	agentID string
	job     string
	group   string
	started time.Time
}

// Backend is the agent-pool scheduler.Backend implementation.
type Backend struct {
	registry Registry
	dispatch Dispatcher
	osFilter string
	logger   *zap.Logger

	mu          sync.Mutex
	assignments map[string]assignment // worker -> assignment
}

// New builds an agent-pool backend restricted to agents whose OS
// matches osFilter ("linux" for bare metal, "windows" for the Windows
// pool).
func New(registry Registry, dispatch Dispatcher, osFilter string, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		registry:    registry,
		dispatch:    dispatch,
		osFilter:    osFilter,
		logger:      logger,
		assignments: map[string]assignment{},
	}
}

var _ scheduler.Backend = (*Backend)(nil)

// TaskDelay keeps the k8s backend's hourly runtime-update and
// fair-share-decay cadence but runs resources, cache reload, zombie
// jobs, cleanup and LDAP sync less often — agent pools change size far
// less frequently than a cluster's pod count.
func (b *Backend) TaskDelay(task scheduler.Task) time.Duration {
	switch task {
	case scheduler.TaskResources:
		return 30 * time.Second
	case scheduler.TaskCacheReload:
		return time.Minute
	case scheduler.TaskZombieJobs, scheduler.TaskCleanup:
		return 2 * time.Minute
	case scheduler.TaskLdapSync:
		return 10 * time.Minute
	case scheduler.TaskUpdateRuntimes:
		return time.Hour
	case scheduler.TaskDecreaseFairShare:
		return time.Hour
	default:
		return time.Minute
	}
}

// ResourcesAvailable sums free capacity across every matching agent:
// each agent's declared capacity minus the workers this backend has
// currently assigned it.
func (b *Backend) ResourcesAvailable(ctx context.Context, _ scheduler.Settings) (scheduler.AllocatableUpdate, error) {
	agents, err := b.registry.ListAvailable(ctx, b.osFilter)
	if err != nil {
		return scheduler.AllocatableUpdate{}, fmt.Errorf("agentpool: list available agents: %w", err)
	}
	inFlight := map[string]int{}
	b.mu.Lock()
	for _, a := range b.assignments {
		inFlight[a.agentID]++
	}
	b.mu.Unlock()

	var slots int
	for _, a := range agents {
		free := a.Capacity - inFlight[a.ID]
		if free > 0 {
			slots += free
		}
	}
	return scheduler.AllocatableUpdate{Slots: slots}, nil
}

// Setup and SyncToNewCache are no-ops: agent pools have no
// namespace/account or network-policy concept to provision (§4.7
// "setup/sync" is phrased for the container-orchestrator backend
// specifically; the agent-pool variant has nothing analogous).
func (b *Backend) Setup(context.Context, *scheduler.Cache, *scheduler.BanSets) error { return nil }
func (b *Backend) SyncToNewCache(context.Context, *scheduler.Cache, *scheduler.BanSets) error {
	return nil
}

// Spawn assigns each job to the least-loaded matching agent and
// dispatches it. A job whose image declares no agents exist for this
// pool's OS at all is a terminal configuration error; running out of
// spare capacity is not — it is simply left unassigned for a later
// tick to retry, since more agents (or more headroom) may appear.
func (b *Backend) Spawn(ctx context.Context, _ *scheduler.Cache, spawnMap map[string]scheduler.SpawnRequest) (map[string]error, error) {
	agents, err := b.registry.ListAvailable(ctx, b.osFilter)
	if err != nil {
		return nil, fmt.Errorf("agentpool: list available agents: %w", err)
	}
	if len(agents) == 0 {
		errs := make(map[string]error, len(spawnMap))
		for worker := range spawnMap {
			errs[worker] = fmt.Errorf("agentpool: no %s agents registered", b.osFilter)
		}
		return errs, nil
	}

	errs := make(map[string]error, len(spawnMap))
	b.mu.Lock()
	defer b.mu.Unlock()
	inFlight := map[string]int{}
	for _, a := range b.assignments {
		inFlight[a.agentID]++
	}

	for worker, req := range spawnMap {
		agent, ok := leastLoaded(agents, inFlight)
		if !ok {
			continue // out of capacity this tick; retry later, not an error
		}
		if err := b.dispatch.Dispatch(ctx, agent.ID, worker, req); err != nil {
			errs[worker] = err
			continue
		}
		inFlight[agent.ID]++
		b.assignments[worker] = assignment{agentID: agent.ID, job: req.Job.ID, group: req.Job.Group, started: time.Now()}
	}
	return errs, nil
}

func leastLoaded(agents []Agent, inFlight map[string]int) (Agent, bool) {
	sorted := append([]Agent(nil), agents...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	var best Agent
	bestFree := 0
	found := false
	for _, a := range sorted {
		free := a.Capacity - inFlight[a.ID]
		if free > bestFree {
			best, bestFree, found = a, free, true
		}
	}
	return best, found
}

// Delete kills the named workers and drops their assignment.
func (b *Backend) Delete(ctx context.Context, _ *scheduler.Cache, scaledowns []string) ([]scheduler.WorkerDeletion, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var deletions []scheduler.WorkerDeletion
	for _, worker := range scaledowns {
		a, ok := b.assignments[worker]
		if !ok {
			continue
		}
		if err := b.dispatch.Kill(ctx, a.agentID, worker); err != nil {
			b.logger.Warn("agentpool: kill failed", zap.String("worker", worker), zap.Error(err))
			continue
		}
		delete(b.assignments, worker)
		deletions = append(deletions, scheduler.WorkerDeletion{Worker: worker, Job: a.job, Reason: "scaled down"})
	}
	return deletions, nil
}

// ClearTerminal reports assignments for the given groups that have run
// longer than a generous ceiling without being torn down, treating a
// wedged host process as needing a fail-not-reset outcome.
func (b *Backend) ClearTerminal(ctx context.Context, _ *scheduler.Cache, groups []string, errorOut bool) ([]scheduler.ErrorOutKind, error) {
	if !errorOut {
		return nil, nil
	}
	wanted := make(map[string]bool, len(groups))
	for _, g := range groups {
		wanted[g] = true
	}
	const wedgedAfter = 6 * time.Hour
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	var out []scheduler.ErrorOutKind
	for worker, a := range b.assignments {
		if !wanted[a.group] || now.Sub(a.started) < wedgedAfter {
			continue
		}
		out = append(out, scheduler.ErrorOutKind{Worker: worker, Job: a.job, Reason: "agent assignment exceeded maximum runtime"})
	}
	return out, nil
}
