// Package reactions implements C6, the reaction engine: pipeline
// stage advancement, sub-reaction accounting, generator reset, and
// SLA-driven per-job deadline distribution (§3 Reaction/Job, §4.3).
//
// Grounded on the teacher's internal/controlplane/jobs.Scheduler for
// the overall shape (a struct wrapping a store plus small collaborator
// interfaces, mutation helpers named after the state transition they
// perform, lifecycle events emitted alongside every transition) and on
// original_source/api/src/models/backends/db/reactions.rs for the
// exact §4.3 contract this package is distilled from. Reaction state
// lives in kvstore as a redis hash per kvstore.ReactionDataKey, the
// same per-field HSet convention kvstore_test.go already establishes.
package reactions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/thorium-go/thorium/internal/apierr"
	"github.com/thorium-go/thorium/internal/domain"
	"github.com/thorium-go/thorium/internal/keymodel"
	"github.com/thorium-go/thorium/internal/kvstore"
	"github.com/thorium-go/thorium/internal/telemetry"
)

// Outcome is the result react/proceed report back to their caller
// (§4.3 "Proceeding", "Waiting", plus completion).
type Outcome string

const (
	OutcomeProceeding Outcome = "Proceeding"
	OutcomeWaiting    Outcome = "Waiting"
	OutcomeCompleted  Outcome = "Completed"
)

// Component identifies the actor submitting a job reset request (§4.3
// "requestor=Component(Api)").
type Component string

const ComponentAPI Component = "Api"
const ComponentScheduler Component = "Scheduler"

// JobEnqueuer is the C7 entrypoint the engine materialises stage jobs
// through. Declared locally so this package never imports jobqueue's
// own collaborators.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job domain.Job) error
}

// JobResets is the §4.4 bulk-reset request shape, grouped by scaler.
type JobResets struct {
	Scaler    domain.Scaler
	Requestor Component
	Reason    string
	Jobs      []string
}

// JobResetter issues a generator reset; satisfied by jobqueue.Store.
type JobResetter interface {
	BulkReset(ctx context.Context, req JobResets) error
}

// EphemeralCleaner deletes the ephemeral blobs scoped to a reaction id
// on completion/failure (§4.3 complete/fail).
type EphemeralCleaner interface {
	DeleteEphemeral(ctx context.Context, reaction string) error
}

// PipelineLookup resolves the pipeline and image definitions the
// engine needs to compute stage costs and materialise jobs.
type PipelineLookup interface {
	Pipeline(ctx context.Context, group, name string) (*domain.Pipeline, error)
	Image(ctx context.Context, group, name string) (*domain.Image, error)
}

// DefaultRetention is how long a finished reaction's kv-side state
// (data hash, job/generator/sub sets, logs, tag memberships) survives
// after completion before its expire order takes effect, giving
// §7 "failed reactions show a structured status log" a window to be
// read back before the keys disappear.
const DefaultRetention = 30 * 24 * time.Hour

// Engine is the C6 reaction engine.
type Engine struct {
	kv              *kvstore.Store
	lookup          PipelineLookup
	jobs            JobEnqueuer
	resets          JobResetter
	blobs           EphemeralCleaner
	maxTriggerDepth int
	retention       time.Duration
	logger          *zap.Logger
}

// New builds a reaction engine over its collaborators. maxTriggerDepth
// is the §4.8 "configured_max" trigger-depth ceiling.
func New(kv *kvstore.Store, lookup PipelineLookup, jobs JobEnqueuer, resets JobResetter, blobs EphemeralCleaner, maxTriggerDepth int, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{kv: kv, lookup: lookup, jobs: jobs, resets: resets, blobs: blobs, maxTriggerDepth: maxTriggerDepth, retention: DefaultRetention, logger: logger}
}

// WithRetention overrides the default post-completion key retention.
func (e *Engine) WithRetention(d time.Duration) *Engine {
	e.retention = d
	return e
}

// CreateRequest is the input to Create (§4.3 create).
type CreateRequest struct {
	Group        string
	Pipeline     string
	Creator      string
	Args         domain.CommandArgs
	SLA          time.Duration // relative, converted to an absolute deadline at create time
	Tags         map[string][]string
	Samples      []string
	Ephemeral    []string
	Repos        []string
	Parent       string
	TriggerDepth int
}

// Create resolves parent_ephemeral, writes the reaction's indexed
// fields atomically, and starts stage 0 via react (§4.3 create).
func (e *Engine) Create(ctx context.Context, req CreateRequest) (string, error) {
	if req.Group == "" || req.Pipeline == "" {
		return "", apierr.Bad("reactions: group and pipeline are required")
	}
	if e.maxTriggerDepth > 0 && req.TriggerDepth >= e.maxTriggerDepth {
		return "", apierr.Bad("reactions: trigger depth %d exceeds configured maximum %d", req.TriggerDepth, e.maxTriggerDepth)
	}

	parentEphemeral, err := e.resolveParentEphemeral(ctx, req.Group, req.Pipeline, req.Parent)
	if err != nil {
		return "", err
	}

	id := keymodel.NewID()
	reaction := domain.Reaction{
		ID:              id,
		Group:           req.Group,
		Pipeline:        req.Pipeline,
		Creator:         req.Creator,
		Status:          domain.StatusStarted,
		Args:            req.Args,
		SLA:             time.Now().UTC().Add(req.SLA),
		Tags:            req.Tags,
		Samples:         req.Samples,
		Ephemeral:       req.Ephemeral,
		ParentEphemeral: parentEphemeral,
		Repos:           req.Repos,
		Parent:          req.Parent,
		TriggerDepth:    req.TriggerDepth,
	}

	if err := e.kv.Atomic(ctx, func(pipe redis.Pipeliner) error {
		fields, ferr := reactionFields(reaction)
		if ferr != nil {
			return ferr
		}
		dataKey := kvstore.ReactionDataKey(req.Group, req.Pipeline, id)
		for field, value := range fields {
			pipe.HSetNX(ctx, dataKey, field, value)
		}
		pipe.SAdd(ctx, kvstore.GroupPipelineStatusKey(req.Group, req.Pipeline, string(reaction.Status)), id)
		pipe.SAdd(ctx, kvstore.GroupPipelineKey(req.Group, req.Pipeline), id)
		pipe.ZAdd(ctx, kvstore.GroupStatusKey(req.Group, string(reaction.Status)), redis.Z{
			Score: kvstore.DeadlineScore(reaction.SLA), Member: id,
		})
		for key, values := range req.Tags {
			for _, v := range values {
				pipe.SAdd(ctx, kvstore.TagSetKey(req.Group, key+":"+v), id)
			}
		}
		if req.Parent != "" {
			if _, perr := e.GetReaction(ctx, req.Group, req.Pipeline, req.Parent); perr != nil {
				return perr
			}
			pipe.SAdd(ctx, kvstore.ReactionSetKey(req.Group, req.Pipeline, req.Parent, "sub"), id)
			pipe.HIncrBy(ctx, kvstore.ReactionDataKey(req.Group, req.Pipeline, req.Parent), "sub_reactions", 1)
		}
		return nil
	}); err != nil {
		return "", apierr.Internal(err, "reactions: create: write indexes")
	}

	if _, err := e.React(ctx, req.Group, req.Pipeline, id); err != nil {
		return "", err
	}
	return id, nil
}

// resolveParentEphemeral recursively walks parent chains, merging each
// parent's ephemeral names keyed by that parent's reaction id (§4.3
// create "resolves parent_ephemeral").
func (e *Engine) resolveParentEphemeral(ctx context.Context, group, pipeline, parent string) (map[string]string, error) {
	merged := map[string]string{}
	for parent != "" {
		r, err := e.GetReaction(ctx, group, pipeline, parent)
		if err != nil {
			return nil, err
		}
		for _, name := range r.Ephemeral {
			merged[name] = r.ID
		}
		for name, owner := range r.ParentEphemeral {
			if _, ok := merged[name]; !ok {
				merged[name] = owner
			}
		}
		parent = r.Parent
	}
	return merged, nil
}

// React implements §4.3 react(pipeline, reaction): advances to
// complete if current_stage is past the pipeline's order, otherwise
// computes stage costs and enqueues one job per image in the current
// stage.
func (e *Engine) React(ctx context.Context, group, pipeline, id string) (Outcome, error) {
	ctx, span := telemetry.StartReactionSpan(ctx, group, pipeline)
	defer span.End()

	reaction, err := e.GetReaction(ctx, group, pipeline, id)
	if err != nil {
		return "", err
	}
	pl, err := e.lookup.Pipeline(ctx, group, pipeline)
	if err != nil {
		return "", apierr.Internal(err, "reactions: react: lookup pipeline")
	}

	if reaction.CurrentStage > len(pl.Order)-1 {
		return e.Complete(ctx, group, pipeline, id)
	}

	stageNames := pl.Order[reaction.CurrentStage]
	stageImages := make([]*domain.Image, 0, len(stageNames))
	for _, name := range stageNames {
		img, ierr := e.lookup.Image(ctx, group, name)
		if ierr != nil {
			return "", apierr.Internal(ierr, "reactions: react: lookup image %s", name)
		}
		stageImages = append(stageImages, img)
	}

	var rest time.Duration
	for _, laterNames := range pl.Order[reaction.CurrentStage+1:] {
		var maxCost time.Duration
		for _, name := range laterNames {
			img, ierr := e.lookup.Image(ctx, group, name)
			if ierr != nil {
				return "", apierr.Internal(ierr, "reactions: react: lookup later image %s", name)
			}
			if img.Runtime > maxCost {
				maxCost = img.Runtime
			}
		}
		rest += maxCost
	}

	if err := e.kv.Atomic(ctx, func(pipe redis.Pipeliner) error {
		dataKey := kvstore.ReactionDataKey(group, pipeline, id)
		pipe.HSet(ctx, dataKey, "current_stage_length", len(stageImages))
		pipe.HSet(ctx, dataKey, "current_stage_progress", 0)

		for i, img := range stageImages {
			jobID := keymodel.NewID()
			deadline := reaction.SLA.Add(-(rest + img.Runtime))
			job := domain.Job{
				ID:              jobID,
				Reaction:        id,
				Group:           group,
				Pipeline:        pipeline,
				Stage:           reaction.CurrentStage,
				Image:           stageNames[i],
				Creator:         reaction.Creator,
				Status:          domain.StatusCreated,
				Deadline:        deadline,
				Scaler:          img.Scaler,
				Generator:       img.Generator,
				Samples:         reaction.Samples,
				Ephemeral:       reaction.Ephemeral,
				ParentEphemeral: reaction.ParentEphemeral,
				Repos:           reaction.Repos,
				Args:            reaction.Args,
				TriggerDepth:    reaction.TriggerDepth,
			}
			if job.Generator {
				if job.Args.Kwargs == nil {
					job.Args.Kwargs = map[string][]string{}
				}
				job.Args.Kwargs["job"] = []string{jobID}
				job.Args.Kwargs["reaction"] = []string{id}
				pipe.SAdd(ctx, kvstore.ReactionSetKey(group, pipeline, id, "generators"), jobID)
			}
			pipe.SAdd(ctx, kvstore.ReactionSetKey(group, pipeline, id, "jobs"), jobID)
			if err := e.jobs.Enqueue(ctx, job); err != nil {
				return fmt.Errorf("enqueue job %s: %w", jobID, err)
			}
		}
		return nil
	}); err != nil {
		return "", apierr.Internal(err, "reactions: react: materialise stage")
	}

	return OutcomeProceeding, nil
}

// Proceed implements §4.3 proceed(reaction): waits on outstanding
// sub-reactions, resets outstanding generators, or advances the stage
// and attempts parent_proceed on completion.
func (e *Engine) Proceed(ctx context.Context, group, pipeline, id string) (Outcome, error) {
	reaction, err := e.GetReaction(ctx, group, pipeline, id)
	if err != nil {
		return "", err
	}
	if reaction.Status.Terminal() {
		return "", apierr.Conflict("reactions: %s is already %s", id, reaction.Status)
	}
	if reaction.SubReactions > reaction.CompletedSubReactions {
		return OutcomeWaiting, nil
	}

	generatorIDs, err := e.kv.Client().SMembers(ctx, kvstore.ReactionSetKey(group, pipeline, id, "generators")).Result()
	if err != nil {
		return "", apierr.Internal(err, "reactions: proceed: read generators")
	}
	if len(generatorIDs) > 0 {
		if err := e.resetGenerators(ctx, group, pipeline, id, generatorIDs); err != nil {
			return "", err
		}
		return OutcomeWaiting, nil
	}

	if err := e.kv.Client().HIncrBy(ctx, kvstore.ReactionDataKey(group, pipeline, id), "current_stage", 1).Err(); err != nil {
		return "", apierr.Internal(err, "reactions: proceed: advance stage")
	}

	outcome, err := e.React(ctx, group, pipeline, id)
	if err != nil {
		return "", err
	}
	if outcome == OutcomeCompleted {
		if err := e.parentProceed(ctx, group, pipeline, id); err != nil {
			return "", err
		}
	}
	return outcome, nil
}

// resetGenerators groups generator job ids by scaler and issues one
// §4.4 bulk-reset request per scaler (§4.3 "Generator handling").
func (e *Engine) resetGenerators(ctx context.Context, group, pipeline, id string, generatorIDs []string) error {
	byScaler := map[domain.Scaler][]string{}
	for _, jobID := range generatorIDs {
		job, err := e.lookupJobScaler(ctx, jobID)
		if err != nil {
			return err
		}
		byScaler[job] = append(byScaler[job], jobID)
	}

	scalers := make([]string, 0, len(byScaler))
	for scaler := range byScaler {
		scalers = append(scalers, string(scaler))
	}
	sort.Strings(scalers)

	for _, s := range scalers {
		scaler := domain.Scaler(s)
		if err := e.resets.BulkReset(ctx, JobResets{
			Scaler:    scaler,
			Requestor: ComponentAPI,
			Reason:    "Generator Reset",
			Jobs:      byScaler[scaler],
		}); err != nil {
			return apierr.Internal(err, "reactions: reset generators for scaler %s", scaler)
		}
	}
	return nil
}

// lookupJobScaler reads a job's scaler field directly from its kv
// record (job:<id>:data), the minimal slice of C7's job record this
// package needs without importing jobqueue.
func (e *Engine) lookupJobScaler(ctx context.Context, jobID string) (domain.Scaler, error) {
	scaler, err := e.kv.Client().HGet(ctx, kvstore.JobDataKey(jobID), "scaler").Result()
	if err != nil {
		return "", apierr.Internal(err, "reactions: read job %s scaler", jobID)
	}
	return domain.Scaler(scaler), nil
}

// parentProceed implements §4.3 parent_proceed: only recurses into the
// parent when it has no outstanding sub-reactions, its current stage
// is fully progressed, and it's still Started.
func (e *Engine) parentProceed(ctx context.Context, group, pipeline, id string) error {
	reaction, err := e.GetReaction(ctx, group, pipeline, id)
	if err != nil {
		return err
	}
	if reaction.Parent == "" {
		return nil
	}
	parent, err := e.GetReaction(ctx, group, pipeline, reaction.Parent)
	if err != nil {
		return err
	}
	if parent.CompletedSubReactions != parent.SubReactions {
		return nil
	}
	if parent.CurrentStageProgress != parent.CurrentStageLength {
		return nil
	}
	if parent.Status != domain.StatusStarted {
		return nil
	}
	_, err = e.Proceed(ctx, group, pipeline, parent.ID)
	return err
}

// JobFinished implements the §4.3 failure-semantics job-completion
// path: advances current_stage_progress, and on fail-fast cascades to
// Fail; otherwise re-evaluates Proceed once the stage is fully
// progressed.
func (e *Engine) JobFinished(ctx context.Context, group, pipeline, id string, failed, failFast bool) (Outcome, error) {
	if failed && failFast {
		if err := e.Fail(ctx, group, pipeline, id, "job failed (fail-fast pipeline)"); err != nil {
			return "", err
		}
		return OutcomeCompleted, nil
	}

	dataKey := kvstore.ReactionDataKey(group, pipeline, id)
	progress, err := e.kv.Client().HIncrBy(ctx, dataKey, "current_stage_progress", 1).Result()
	if err != nil {
		return "", apierr.Internal(err, "reactions: job finished: advance progress")
	}
	reaction, err := e.GetReaction(ctx, group, pipeline, id)
	if err != nil {
		return "", err
	}
	if int(progress) < reaction.CurrentStageLength {
		return OutcomeWaiting, nil
	}
	return e.Proceed(ctx, group, pipeline, id)
}

// Complete implements the success half of §4.3 complete/fail.
func (e *Engine) Complete(ctx context.Context, group, pipeline, id string) (Outcome, error) {
	if err := e.finish(ctx, group, pipeline, id, domain.StatusCompleted, ""); err != nil {
		return "", err
	}
	if err := e.parentProceed(ctx, group, pipeline, id); err != nil {
		return "", err
	}
	return OutcomeCompleted, nil
}

// Fail implements the failure half of §4.3 complete/fail.
func (e *Engine) Fail(ctx context.Context, group, pipeline, id, reason string) error {
	if err := e.finish(ctx, group, pipeline, id, domain.StatusFailed, reason); err != nil {
		return err
	}
	return e.parentProceed(ctx, group, pipeline, id)
}

// finish moves status in the per-status sets and the group sorted
// set, writes a status-log entry, expires every reaction-scoped key
// (the job set is read with a single SMEMBERS, not in pages, and every
// job key is expired in the same batch), runs the parent sub-status
// increment pattern, and deletes ephemeral blobs (§4.3 complete/fail).
func (e *Engine) finish(ctx context.Context, group, pipeline, id string, status domain.ReactionStatus, reason string) error {
	reaction, err := e.GetReaction(ctx, group, pipeline, id)
	if err != nil {
		return err
	}
	if reaction.Status.Terminal() {
		return nil // idempotent: already finished
	}

	jobIDs, err := e.kv.Client().SMembers(ctx, kvstore.ReactionSetKey(group, pipeline, id, "jobs")).Result()
	if err != nil {
		return apierr.Internal(err, "reactions: finish: read job set")
	}

	entry := domain.StatusLogEntry{Timestamp: time.Now().UTC(), Status: status, Actor: "engine", Message: reason}
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return apierr.Internal(err, "reactions: finish: encode status log")
	}

	if err := e.kv.Atomic(ctx, func(pipe redis.Pipeliner) error {
		dataKey := kvstore.ReactionDataKey(group, pipeline, id)
		pipe.HSet(ctx, dataKey, "status", string(status))
		pipe.SRem(ctx, kvstore.GroupPipelineStatusKey(group, pipeline, string(reaction.Status)), id)
		pipe.SAdd(ctx, kvstore.GroupPipelineStatusKey(group, pipeline, string(status)), id)
		pipe.ZRem(ctx, kvstore.GroupStatusKey(group, string(reaction.Status)), id)
		pipe.ZAdd(ctx, kvstore.GroupStatusKey(group, string(status)), redis.Z{
			Score: kvstore.DeadlineScore(reaction.SLA), Member: id,
		})
		pipe.RPush(ctx, kvstore.ReactionSetKey(group, pipeline, id, "logs"), entryJSON)

		// "Reaction-scoped keys" splits into two kinds: structures this
		// reaction exclusively owns get a literal expire order so they
		// survive for e.retention (long enough for the status log and
		// terminal fields to stay readable) and then disappear on
		// their own; structures shared with other reactions/samples
		// (tag membership sets, the group/pipeline status and sorted
		// sets) only have this reaction's membership removed now — the
		// shared key itself is never expired.
		for key, values := range reaction.Tags {
			for _, v := range values {
				pipe.SRem(ctx, kvstore.TagSetKey(group, key+":"+v), id)
			}
		}

		owned := []string{
			dataKey,
			kvstore.ReactionSetKey(group, pipeline, id, "jobs"),
			kvstore.ReactionSetKey(group, pipeline, id, "generators"),
			kvstore.ReactionSetKey(group, pipeline, id, "sub"),
			kvstore.ReactionSetKey(group, pipeline, id, "logs"),
		}
		for _, jobID := range jobIDs {
			owned = append(owned, kvstore.JobDataKey(jobID))
		}
		for _, key := range owned {
			pipe.Expire(ctx, key, e.retention)
		}

		if reaction.Parent != "" {
			pipe.SRem(ctx, kvstore.ReactionSetKey(group, pipeline, reaction.Parent, "sub"), id)
			pipe.HIncrBy(ctx, kvstore.ReactionDataKey(group, pipeline, reaction.Parent), "completed_sub_reactions", 1)
		}
		return nil
	}); err != nil {
		return apierr.Internal(err, "reactions: finish: write transitions")
	}

	if e.blobs != nil {
		if err := e.blobs.DeleteEphemeral(ctx, id); err != nil {
			return apierr.Internal(err, "reactions: finish: delete ephemeral blobs")
		}
	}
	return nil
}

// GetReaction loads a reaction's full record from its kv hash.
func (e *Engine) GetReaction(ctx context.Context, group, pipeline, id string) (domain.Reaction, error) {
	fields, err := e.kv.Client().HGetAll(ctx, kvstore.ReactionDataKey(group, pipeline, id)).Result()
	if err != nil {
		return domain.Reaction{}, apierr.Internal(err, "reactions: get %s", id)
	}
	if len(fields) == 0 {
		return domain.Reaction{}, apierr.NotFound("reactions: %s not found", id)
	}
	return parseReactionFields(fields)
}
