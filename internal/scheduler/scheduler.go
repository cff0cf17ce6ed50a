// Package scheduler implements C9: the multi-backend reconciler that
// turns queued jobs (C7) into running workers. One Scheduler runs per
// scaler; it wraps a Backend implementation (k8s, bare metal, Windows,
// external, or kvm, under internal/scheduler/backend/*) and drives the
// periodic reconciliation tasks §4.7 names plus the seven-step
// reconciliation tick.
//
// Grounded on the teacher's internal/scheduler.Scheduler (struct
// wrapping a client/runner/tracker behind a ticker loop implementing
// manager.Runnable) for the overall reconciler shape, and on
// internal/controlplane/jobs.Scheduler's isSchedule/cron-duration
// parsing for per-task delay handling (robfig/cron/v3).
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/thorium-go/thorium/internal/apierr"
	"github.com/thorium-go/thorium/internal/domain"
	"github.com/thorium-go/thorium/internal/metrics"
	"github.com/thorium-go/thorium/internal/reactions"
	"github.com/thorium-go/thorium/internal/telemetry"
)

// Task is one of the scheduler's periodic maintenance duties (§4.7).
type Task string

const (
	TaskZombieJobs        Task = "ZombieJobs"
	TaskLdapSync          Task = "LdapSync"
	TaskCacheReload       Task = "CacheReload"
	TaskResources         Task = "Resources"
	TaskUpdateRuntimes    Task = "UpdateRuntimes"
	TaskCleanup           Task = "Cleanup"
	TaskDecreaseFairShare Task = "DecreaseFairShare"
)

// AllocatableUpdate is a backend's report of spare capacity per
// resource dimension, consumed when deciding how many candidates a
// tick can spawn (§4.7 "resources_available").
type AllocatableUpdate struct {
	CPU    int64
	Memory int64
	Slots  int
}

// SpawnRequest is one job's materialised spawn instruction, keyed by
// worker name in the map Backend.Spawn takes.
type SpawnRequest struct {
	Job      domain.Job
	Image    domain.Image
	Deadline time.Time
}

// WorkerDeletion reports a worker a backend tore down, so the job
// store can reset or fail the job it was running (§4.7 "delete").
type WorkerDeletion struct {
	Worker string
	Job    string
	Reason string
}

// ErrorOutKind classifies a worker ClearTerminal found needing a
// fail-not-reset outcome, vs. a plain reset (§4.7 "clear_terminal").
type ErrorOutKind struct {
	Worker string
	Job    string
	Reason string
}

// Cache is the read-mostly per-backend snapshot rebuilt on
// CacheReload (§5 "Shared-resource policy"). Backends populate it with
// whatever state they need between ticks (namespaces, credentials,
// network policies); the reconciler never inspects its contents.
type Cache struct {
	mu   sync.RWMutex
	data map[string]any
}

// NewCache builds an empty backend cache.
func NewCache() *Cache { return &Cache{data: map[string]any{}} }

// Get reads a cache entry.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

// Set writes a cache entry.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

// BanSets accumulates this tick's bans. Reconcile builds a fresh set
// each tick and discards it when the tick ends; its entries are not
// written to durable image or pipeline ban records.
type BanSets struct {
	Users     map[string]string // user -> reason
	Groups    map[string]string // group -> reason
	Images    map[string]string // image -> reason
	Pipelines map[string]string // pipeline -> reason
}

// NewBanSets builds an empty, tick-scoped ban accumulator.
func NewBanSets() *BanSets {
	return &BanSets{
		Users:     map[string]string{},
		Groups:    map[string]string{},
		Images:    map[string]string{},
		Pipelines: map[string]string{},
	}
}

// BanImage records a terminal spawn error as an image ban, cascading
// to every pipeline that uses the image (§4.7 "terminal errors produce
// ImageBan -> cascading PipelineBan on every pipeline in used_by").
func (b *BanSets) BanImage(image *domain.Image, reason string) {
	b.Images[image.Name] = reason
	for _, pipeline := range image.UsedBy {
		b.Pipelines[pipeline] = reason
	}
}

// Settings carries the reconciler's per-tick tunables (§4.7).
type Settings struct {
	FairShareDecay float64 // decay applied to accumulated usage on each DecreaseFairShare run
	MaxConcurrent  int     // max candidates spawned in one tick
}

// Backend is the capability trait every scaler implementation
// satisfies (§4.7). The k8s, baremetal, windows, external, and kvm
// packages under internal/scheduler/backend each implement it.
type Backend interface {
	// TaskDelay is how long to wait between runs of task on this
	// backend.
	TaskDelay(task Task) time.Duration
	// ResourcesAvailable reports this backend's current spare
	// capacity.
	ResourcesAvailable(ctx context.Context, settings Settings) (AllocatableUpdate, error)
	// Setup ensures per-group/per-user infrastructure exists
	// (namespaces, accounts, credentials), recording failures into
	// bans instead of returning a hard error.
	Setup(ctx context.Context, cache *Cache, bans *BanSets) error
	// SyncToNewCache reconciles backend-side state (network policies,
	// etc.) against a freshly reloaded cache.
	SyncToNewCache(ctx context.Context, cache *Cache, bans *BanSets) error
	// Spawn launches one worker per entry in spawnMap, keyed by worker
	// name, returning a per-name error map for any that failed.
	Spawn(ctx context.Context, cache *Cache, spawnMap map[string]SpawnRequest) (map[string]error, error)
	// Delete tears down the named workers (scaledowns) and any the
	// backend independently discovers are gone, returning what it
	// found.
	Delete(ctx context.Context, cache *Cache, scaledowns []string) ([]WorkerDeletion, error)
	// ClearTerminal inspects outstanding workers for groups and
	// reports which need to fail their job outright (errorOut) rather
	// than simply reset.
	ClearTerminal(ctx context.Context, cache *Cache, groups []string, errorOut bool) ([]ErrorOutKind, error)
}

// fairShareKey identifies the (group,user) pair fair-share weights are
// tracked per.
type fairShareKey struct{ group, user string }

// fairShare tracks decayed accumulated usage per group/user so the
// reconciler can prefer starved requesters when candidates outnumber
// capacity (§4.7 "apply fair-share").
type fairShare struct {
	mu    sync.Mutex
	usage map[fairShareKey]float64
}

func newFairShare() *fairShare {
	return &fairShare{usage: map[fairShareKey]float64{}}
}

func (f *fairShare) weight(group, user string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage[fairShareKey{group, user}]
}

func (f *fairShare) record(group, user string, cost float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage[fairShareKey{group, user}] += cost
}

// decay reduces every tracked weight by factor (§4.7
// "DecreaseFairShare reduces accumulated usage"), clamped at zero.
func (f *fairShare) decay(factor float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range f.usage {
		v *= (1 - factor)
		if v < 0 {
			v = 0
		}
		f.usage[k] = v
	}
}

// sortCandidates orders jobs by fair-share weight ascending (least
// used first), then by deadline ascending within a tie (§4.7 "apply
// fair-share").
func (f *fairShare) sortCandidates(jobs []domain.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		wi, wj := f.weight(jobs[i].Group, jobs[i].Creator), f.weight(jobs[j].Group, jobs[j].Creator)
		if wi != wj {
			return wi < wj
		}
		return jobs[i].Deadline.Before(jobs[j].Deadline)
	})
}

// ImageLookup resolves an image definition by name, the minimal slice
// of reactions.PipelineLookup the scheduler needs to turn a claimed
// job back into a full SpawnRequest.
type ImageLookup interface {
	Image(ctx context.Context, group, name string) (*domain.Image, error)
}

// Scheduler is the C9 reconciler for a single scaler.
type Scheduler struct {
	scaler     domain.Scaler
	backend    Backend
	jobs       candidateSource
	resets     reactions.JobResetter
	images     ImageLookup
	cache      *Cache
	fairShare  *fairShare
	settings   Settings
	logger     *zap.Logger
	partitions []Partition

	mu       sync.Mutex
	schedule map[Task]cron.Schedule
	lastRun  map[Task]time.Time
	stop     chan struct{}
	done     chan struct{}
}

// New builds a reconciler for one scaler's backend.
func New(scaler domain.Scaler, backend Backend, jobs candidateSource, resets reactions.JobResetter, images ImageLookup, settings Settings, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		scaler:    scaler,
		backend:   backend,
		jobs:      jobs,
		resets:    resets,
		images:    images,
		cache:     NewCache(),
		fairShare: newFairShare(),
		settings:  settings,
		logger:    logger,
		schedule:  map[Task]cron.Schedule{},
		lastRun:   map[Task]time.Time{},
	}
}

// allTasks is the periodic duty list every backend runs, each under
// its own TaskDelay (§4.7).
var allTasks = []Task{
	TaskZombieJobs, TaskLdapSync, TaskCacheReload, TaskResources,
	TaskUpdateRuntimes, TaskCleanup, TaskDecreaseFairShare,
}

// scheduleFor builds (and caches) the cron.Schedule for task: a
// robfig/cron/v3 ConstantDelaySchedule of the backend's delay, or of
// one minute when that delay is not positive. No cron spec is parsed.
func (s *Scheduler) scheduleFor(task Task) cron.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sched, ok := s.schedule[task]; ok {
		return sched
	}
	delay := s.backend.TaskDelay(task)
	if delay <= 0 {
		delay = time.Minute
	}
	sched := cron.ConstantDelaySchedule{Delay: delay}
	s.schedule[task] = sched
	return sched
}

// taskDue reports whether task has not run since its last scheduled
// firing before now.
func (s *Scheduler) taskDue(task Task, now time.Time) bool {
	s.mu.Lock()
	last, ran := s.lastRun[task]
	s.mu.Unlock()
	if !ran {
		return true
	}
	sched := s.scheduleFor(task)
	return !sched.Next(last).After(now)
}

func (s *Scheduler) markRun(task Task, now time.Time) {
	s.mu.Lock()
	s.lastRun[task] = now
	s.mu.Unlock()
}

// Start runs the reconciler's tick loop until the context is
// cancelled or Stop is called, checking once per second which of the
// periodic tasks are due (§4.7).
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return apierr.Bad("scheduler: already started")
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stop:
			return nil
		case now := <-ticker.C:
			if err := s.runDueTasks(ctx, now); err != nil {
				s.logger.Error("scheduler: tick failed", zap.String("scaler", string(s.scaler)), zap.Error(err))
			}
		}
	}
}

// Stop signals Start's loop to return and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop := s.stop
	done := s.done
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (s *Scheduler) runDueTasks(ctx context.Context, now time.Time) error {
	for _, task := range allTasks {
		if !s.taskDue(task, now) {
			continue
		}
		if err := s.runTask(ctx, task); err != nil {
			return fmt.Errorf("task %s: %w", task, err)
		}
		s.markRun(task, now)
	}
	return nil
}

func (s *Scheduler) runTask(ctx context.Context, task Task) error {
	switch task {
	case TaskCacheReload:
		return s.backend.SyncToNewCache(ctx, s.cache, NewBanSets())
	case TaskResources, TaskUpdateRuntimes:
		_, err := s.backend.ResourcesAvailable(ctx, s.settings)
		return err
	case TaskDecreaseFairShare:
		s.fairShare.decay(s.settings.FairShareDecay)
		return nil
	case TaskZombieJobs, TaskCleanup:
		return s.Reconcile(ctx)
	case TaskLdapSync:
		return s.backend.Setup(ctx, s.cache, NewBanSets())
	default:
		return nil
	}
}

// candidateSource supplies the jobs a tick should consider spawning,
// satisfied by jobqueue.Store in production and a fake in tests.
type candidateSource interface {
	Claim(ctx context.Context, group, pipeline string, stage int, creator, worker string) (*domain.Job, error)
}

// Reconcile runs the seven-step reconciliation tick (§4.7):
//  1. refresh resources
//  2. pull candidates by deadline, grouped by scaler
//  3. apply fair-share
//  4. consult ban sets accumulated this cycle
//  5. spawn, cascading terminal errors to bans (the spawn map is keyed
//     by worker name, so the backend receives no deadline order)
//  6. clear_terminal for workers needing a fail-not-reset outcome
//  7. batched per-group deletion, informing the job store
func (s *Scheduler) Reconcile(ctx context.Context) (err error) {
	ctx, span := telemetry.StartReconcileSpan(ctx, string(s.scaler))
	defer span.End()

	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.RecordReconcile(outcome, time.Since(start))
	}()

	allocatable, err := s.backend.ResourcesAvailable(ctx, s.settings)
	if err != nil {
		return apierr.Internal(err, "scheduler: reconcile: resources available")
	}

	candidates, err := s.pullCandidates(ctx, allocatable)
	if err != nil {
		return err
	}
	s.fairShare.sortCandidates(candidates)

	bans := NewBanSets()
	spawnMap, err := s.buildSpawnMap(ctx, candidates, bans)
	if err != nil {
		return err
	}

	if len(spawnMap) > 0 {
		errs, err := s.backend.Spawn(ctx, s.cache, spawnMap)
		if err != nil {
			return apierr.Internal(err, "scheduler: reconcile: spawn")
		}
		for name, spawnErr := range errs {
			if spawnErr == nil {
				continue
			}
			req := spawnMap[name]
			bans.BanImage(&req.Image, spawnErr.Error())
			metrics.RecordImageBan(req.Job.Group, req.Image.Name)
			s.logger.Warn("scheduler: terminal spawn error, banning image",
				zap.String("image", req.Image.Name), zap.Error(spawnErr))
		}
		for name, req := range spawnMap {
			if errs[name] == nil {
				s.fairShare.record(req.Job.Group, req.Job.Creator, req.Image.Runtime.Seconds())
				metrics.RecordWorkerSpawn(string(s.scaler), req.Job.Group)
			}
		}
	}

	groups := groupSet(candidates)
	if len(groups) > 0 {
		if _, err := s.backend.ClearTerminal(ctx, s.cache, groups, true); err != nil {
			return apierr.Internal(err, "scheduler: reconcile: clear terminal")
		}
	}

	deletions, err := s.backend.Delete(ctx, s.cache, nil)
	if err != nil {
		return apierr.Internal(err, "scheduler: reconcile: delete")
	}
	if len(deletions) > 0 && s.resets != nil {
		jobs := make([]string, 0, len(deletions))
		for _, d := range deletions {
			jobs = append(jobs, d.Job)
		}
		if err := s.resets.BulkReset(ctx, reactions.JobResets{
			Scaler: s.scaler, Requestor: reactions.ComponentScheduler, Reason: "worker deleted", Jobs: jobs,
		}); err != nil {
			return apierr.Internal(err, "scheduler: reconcile: reset jobs for deleted workers")
		}
	}
	return nil
}

// pullCandidates claims up to settings.MaxConcurrent Created jobs for
// this scaler. Without a fixed partition set to poll, the reconciler
// relies on the caller (cmd/thorium-scheduler) having registered the
// (group,pipeline,stage,creator) partitions this scaler instance owns;
// ZombieJobs/Cleanup ticks simply find nothing to claim otherwise.
func (s *Scheduler) pullCandidates(ctx context.Context, allocatable AllocatableUpdate) ([]domain.Job, error) {
	limit := s.settings.MaxConcurrent
	if limit <= 0 {
		limit = allocatable.Slots
	}
	if limit <= 0 {
		return nil, nil
	}
	var out []domain.Job
	for _, partition := range s.partitions {
		for len(out) < limit {
			job, err := s.jobs.Claim(ctx, partition.Group, partition.Pipeline, partition.Stage, partition.Creator, "")
			if err != nil {
				return nil, apierr.Internal(err, "scheduler: pull candidates")
			}
			if job == nil {
				break
			}
			out = append(out, *job)
		}
	}
	return out, nil
}

// Partition identifies one (group,pipeline,stage,creator) job queue a
// scheduler instance polls.
type Partition struct {
	Group    string
	Pipeline string
	Stage    int
	Creator  string
}

// WithPartitions registers the queues this scheduler instance polls
// for candidates.
func (s *Scheduler) WithPartitions(partitions []Partition) *Scheduler {
	s.partitions = partitions
	return s
}

// Cache exposes the backend cache so the owning process can populate
// the "groups"/"network_policies" entries TaskLdapSync/TaskCacheReload
// read, from whatever source of truth it wires (catalog, tag index).
func (s *Scheduler) Cache() *Cache {
	return s.cache
}

func (s *Scheduler) buildSpawnMap(ctx context.Context, candidates []domain.Job, bans *BanSets) (map[string]SpawnRequest, error) {
	spawnMap := make(map[string]SpawnRequest, len(candidates))
	for _, job := range candidates {
		if bans.Images[job.Image] != "" {
			continue
		}
		img, err := s.images.Image(ctx, job.Group, job.Image)
		if err != nil {
			return nil, apierr.Internal(err, "scheduler: resolve image %s for job %s", job.Image, job.ID)
		}
		workerName := fmt.Sprintf("%s-%s", job.Pipeline, job.ID)
		spawnMap[workerName] = SpawnRequest{Job: job, Image: *img, Deadline: job.Deadline}
	}
	return spawnMap, nil
}

func groupSet(jobs []domain.Job) []string {
	seen := map[string]bool{}
	var groups []string
	for _, j := range jobs {
		if !seen[j.Group] {
			seen[j.Group] = true
			groups = append(groups, j.Group)
		}
	}
	sort.Strings(groups)
	return groups
}
