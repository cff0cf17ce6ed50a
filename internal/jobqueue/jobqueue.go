// Package jobqueue implements C7: the per-(group,pipeline,stage,
// creator,status) sorted job queues §4.4 describes, the scaler-scoped
// running/deadline streams schedulers poll, and the bulk-reset
// contract the reaction engine's generator handling depends on.
//
// Grounded on the teacher's internal/controlplane/jobs.Store sorted
// run-queue idiom (a redis-backed store keyed by the same dimensions
// a scheduler partitions work by) and on kvstore's already-implemented
// QueueKey/RunningStreamKey/DeadlineStreamKey/GlobalExpireKey
// builders, which this package is the first to consume.
package jobqueue

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/thorium-go/thorium/internal/apierr"
	"github.com/thorium-go/thorium/internal/domain"
	"github.com/thorium-go/thorium/internal/kvstore"
	"github.com/thorium-go/thorium/internal/reactions"
)

// headOfQueueScore is the sorted-set score a bulk-reset job is
// reinserted at so it is pulled before every job still carrying its
// original deadline — "moves affected jobs ... at the head of their
// queue" (§4.4).
const headOfQueueScore = math.Inf(-1)

// PageSize bounds how many job ids a single reaction cleanup pass
// deletes at once (§4.4 "page job ids by 1000").
const PageSize = 1000

// Store is the C7 job queue, backed by the same kv store the reaction
// engine and the overlay layer share.
type Store struct {
	kv     *kvstore.Store
	logger *zap.Logger
}

// New builds a job queue store over an existing kvstore.Store.
func New(kv *kvstore.Store, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{kv: kv, logger: logger}
}

// Enqueue writes a job's record, its per-status queue membership, and
// its deadline-stream/expire-order entries in one atomic batch. It
// satisfies reactions.JobEnqueuer.
func (s *Store) Enqueue(ctx context.Context, job domain.Job) error {
	fields, err := jobFields(job)
	if err != nil {
		return apierr.Internal(err, "jobqueue: enqueue: encode job %s", job.ID)
	}
	if err := s.kv.Atomic(ctx, func(pipe redis.Pipeliner) error {
		dataKey := kvstore.JobDataKey(job.ID)
		for field, value := range fields {
			pipe.HSet(ctx, dataKey, field, value)
		}
		pipe.ZAdd(ctx, kvstore.QueueKey(job.Group, job.Pipeline, job.Stage, job.Creator, string(domain.StatusCreated)), redis.Z{
			Score: kvstore.DeadlineScore(job.Deadline), Member: job.ID,
		})
		pipe.ZAdd(ctx, kvstore.DeadlineStreamKey(string(job.Scaler)), redis.Z{
			Score: kvstore.DeadlineScore(job.Deadline), Member: job.ID,
		})
		pipe.ZAdd(ctx, kvstore.GlobalExpireKey, redis.Z{
			Score: kvstore.DeadlineScore(job.Deadline), Member: job.ID,
		})
		return nil
	}); err != nil {
		return apierr.Internal(err, "jobqueue: enqueue: write job %s", job.ID)
	}
	return nil
}

// Claim pulls the earliest-deadline Created job for the given
// partition, transitions it Created->Running, moves it into the
// Running queue, and adds the job id to the (scaler,"running") stream
// scored by claim time (§4.4 "worker claim transitions
// Created->Running"). The assigned worker is stored on the job record
// only; the stream entry carries the job id alone. Returns nil, nil
// when no job is available.
func (s *Store) Claim(ctx context.Context, group, pipeline string, stage int, creator string, worker string) (*domain.Job, error) {
	createdKey := kvstore.QueueKey(group, pipeline, stage, creator, string(domain.StatusCreated))
	popped, err := s.kv.Client().ZPopMin(ctx, createdKey, 1).Result()
	if err != nil {
		return nil, apierr.Internal(err, "jobqueue: claim: pop %s", createdKey)
	}
	if len(popped) == 0 {
		return nil, nil
	}
	jobID, _ := popped[0].Member.(string)

	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job.Status = domain.StatusRunning
	job.Worker = worker

	if err := s.kv.Atomic(ctx, func(pipe redis.Pipeliner) error {
		dataKey := kvstore.JobDataKey(jobID)
		pipe.HSet(ctx, dataKey, "status", string(domain.StatusRunning))
		pipe.HSet(ctx, dataKey, "worker", worker)
		pipe.ZAdd(ctx, kvstore.QueueKey(group, pipeline, stage, creator, string(domain.StatusRunning)), redis.Z{
			Score: popped[0].Score, Member: jobID,
		})
		pipe.ZAdd(ctx, kvstore.RunningStreamKey(string(job.Scaler)), redis.Z{
			Score: float64(time.Now().UTC().Unix()), Member: jobID,
		})
		return nil
	}); err != nil {
		return nil, apierr.Internal(err, "jobqueue: claim: transition job %s", jobID)
	}
	return &job, nil
}

// BulkReset implements the §4.4 reset contract: moves every Running
// job in req.Jobs back to Created at the head of its queue, records a
// reset entry, and is idempotent by job id — a job already Created (or
// already gone) is a no-op. It satisfies reactions.JobResetter.
func (s *Store) BulkReset(ctx context.Context, req reactions.JobResets) error {
	for _, jobID := range req.Jobs {
		job, ok, err := s.tryGet(ctx, jobID)
		if err != nil {
			return err
		}
		if !ok || job.Status != domain.StatusRunning {
			continue
		}

		entry := resetRecord{
			Timestamp: time.Now().UTC(),
			Requestor: string(req.Requestor),
			Reason:    req.Reason,
		}
		entryJSON, merr := json.Marshal(entry)
		if merr != nil {
			return apierr.Internal(merr, "jobqueue: bulk reset: encode entry for %s", jobID)
		}

		if err := s.kv.Atomic(ctx, func(pipe redis.Pipeliner) error {
			dataKey := kvstore.JobDataKey(jobID)
			pipe.HSet(ctx, dataKey, "status", string(domain.StatusCreated))
			pipe.HSet(ctx, dataKey, "worker", "")
			pipe.ZRem(ctx, kvstore.QueueKey(job.Group, job.Pipeline, job.Stage, job.Creator, string(domain.StatusRunning)), jobID)
			pipe.ZAdd(ctx, kvstore.QueueKey(job.Group, job.Pipeline, job.Stage, job.Creator, string(domain.StatusCreated)), redis.Z{
				Score: headOfQueueScore, Member: jobID,
			})
			pipe.ZRem(ctx, kvstore.RunningStreamKey(string(job.Scaler)), jobID)
			pipe.RPush(ctx, resetLogKey(jobID), entryJSON)
			return nil
		}); err != nil {
			return apierr.Internal(err, "jobqueue: bulk reset: move job %s", jobID)
		}
	}
	return nil
}

// DeleteReaction removes every job belonging to a reaction's job set,
// paged by PageSize, along with its per-status queue membership,
// deadline/running stream entries, and the reaction's stage log
// (§4.4 "cleanup on reaction delete").
func (s *Store) DeleteReaction(ctx context.Context, group, pipeline, reactionID string, stages int) error {
	jobsKey := kvstore.ReactionSetKey(group, pipeline, reactionID, "jobs")
	for {
		ids, err := s.kv.Client().SPopN(ctx, jobsKey, PageSize).Result()
		if err != nil {
			return apierr.Internal(err, "jobqueue: delete reaction %s: page jobs", reactionID)
		}
		if len(ids) == 0 {
			break
		}
		if err := s.deleteJobPage(ctx, group, pipeline, ids); err != nil {
			return err
		}
		if len(ids) < PageSize {
			break
		}
	}
	for stage := 0; stage < stages; stage++ {
		if err := s.kv.Client().Del(ctx, kvstore.ReactionStageLogKey(group, pipeline, reactionID, stage)).Err(); err != nil {
			return apierr.Internal(err, "jobqueue: delete reaction %s: stage log %d", reactionID, stage)
		}
	}
	return nil
}

func (s *Store) deleteJobPage(ctx context.Context, group, pipeline string, ids []string) error {
	jobs := make([]domain.Job, 0, len(ids))
	for _, id := range ids {
		job, ok, err := s.tryGet(ctx, id)
		if err != nil {
			return err
		}
		if ok {
			jobs = append(jobs, job)
		}
	}
	return s.kv.Atomic(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, kvstore.JobDataKey(id))
			pipe.Del(ctx, resetLogKey(id))
			pipe.ZRem(ctx, kvstore.GlobalExpireKey, id)
		}
		for _, job := range jobs {
			pipe.ZRem(ctx, kvstore.QueueKey(job.Group, job.Pipeline, job.Stage, job.Creator, string(job.Status)), job.ID)
			pipe.ZRem(ctx, kvstore.DeadlineStreamKey(string(job.Scaler)), job.ID)
			if job.Worker != "" {
				pipe.ZRem(ctx, kvstore.RunningStreamKey(string(job.Scaler)), job.ID)
			}
		}
		return nil
	})
}

// Get loads a job record by id.
func (s *Store) Get(ctx context.Context, id string) (domain.Job, error) {
	job, ok, err := s.tryGet(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, apierr.NotFound("jobqueue: job %s not found", id)
	}
	return job, nil
}

func (s *Store) tryGet(ctx context.Context, id string) (domain.Job, bool, error) {
	fields, err := s.kv.Client().HGetAll(ctx, kvstore.JobDataKey(id)).Result()
	if err != nil {
		return domain.Job{}, false, apierr.Internal(err, "jobqueue: read job %s", id)
	}
	if len(fields) == 0 {
		return domain.Job{}, false, nil
	}
	job, err := parseJobFields(fields)
	if err != nil {
		return domain.Job{}, false, apierr.Internal(err, "jobqueue: decode job %s", id)
	}
	return job, true, nil
}

// resetRecord is one §4.4 bulk-reset audit entry, appended to a job's
// reset log.
type resetRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Requestor string    `json:"requestor"`
	Reason    string    `json:"reason"`
}

func resetLogKey(jobID string) string {
	return "job:" + jobID + ":resets"
}

// jobFields renders a domain.Job as the flat string map Enqueue writes
// via HSet, mirroring reactions.reactionFields' scalar/JSON split.
func jobFields(job domain.Job) (map[string]string, error) {
	args, err := json.Marshal(job.Args)
	if err != nil {
		return nil, err
	}
	samples, err := json.Marshal(job.Samples)
	if err != nil {
		return nil, err
	}
	ephemeral, err := json.Marshal(job.Ephemeral)
	if err != nil {
		return nil, err
	}
	parentEphemeral, err := json.Marshal(job.ParentEphemeral)
	if err != nil {
		return nil, err
	}
	repos, err := json.Marshal(job.Repos)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"id":               job.ID,
		"reaction":         job.Reaction,
		"group":            job.Group,
		"pipeline":         job.Pipeline,
		"stage":            strconv.Itoa(job.Stage),
		"image":            job.Image,
		"creator":          job.Creator,
		"status":           string(job.Status),
		"deadline":         job.Deadline.UTC().Format(time.RFC3339Nano),
		"worker":           job.Worker,
		"scaler":           string(job.Scaler),
		"generator":        strconv.FormatBool(job.Generator),
		"samples":          string(samples),
		"ephemeral":        string(ephemeral),
		"parent_ephemeral": string(parentEphemeral),
		"repos":            string(repos),
		"args":             string(args),
		"trigger_depth":    strconv.Itoa(job.TriggerDepth),
	}, nil
}

// parseJobFields is the inverse of jobFields.
func parseJobFields(fields map[string]string) (domain.Job, error) {
	job := domain.Job{
		ID:       fields["id"],
		Reaction: fields["reaction"],
		Group:    fields["group"],
		Pipeline: fields["pipeline"],
		Image:    fields["image"],
		Creator:  fields["creator"],
		Status:   domain.ReactionStatus(fields["status"]),
		Worker:   fields["worker"],
		Scaler:   domain.Scaler(fields["scaler"]),
	}
	job.Stage, _ = strconv.Atoi(fields["stage"])
	job.Generator, _ = strconv.ParseBool(fields["generator"])
	job.TriggerDepth, _ = strconv.Atoi(fields["trigger_depth"])
	if deadline, ok := fields["deadline"]; ok && deadline != "" {
		parsed, err := time.Parse(time.RFC3339Nano, deadline)
		if err != nil {
			return domain.Job{}, err
		}
		job.Deadline = parsed
	}
	if err := unmarshalIfPresent(fields["args"], &job.Args); err != nil {
		return domain.Job{}, err
	}
	if err := unmarshalIfPresent(fields["samples"], &job.Samples); err != nil {
		return domain.Job{}, err
	}
	if err := unmarshalIfPresent(fields["ephemeral"], &job.Ephemeral); err != nil {
		return domain.Job{}, err
	}
	if err := unmarshalIfPresent(fields["parent_ephemeral"], &job.ParentEphemeral); err != nil {
		return domain.Job{}, err
	}
	if err := unmarshalIfPresent(fields["repos"], &job.Repos); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

func unmarshalIfPresent(raw string, out any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}
