// Package kvstore wraps a redis-compatible client with the §6
// persisted-state-layout key builders and an atomic command-batch
// helper, standing in for the in-memory key-value store collaborator
// that spec.md §1 treats as external.
//
// Grounded on jordigilh-kubernaut's redis/go-redis+miniredis pairing,
// the closest analogue in the pack to Thorium's kv-store collaborator.
package kvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a thin façade over a redis client, adding the key-space
// conventions from §6's "Persisted state layout".
type Store struct {
	rdb *redis.Client
}

// New wraps an existing redis client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Client exposes the underlying redis client for commands not wrapped
// below (cursor-adjacent scans, etc.).
func (s *Store) Client() *redis.Client { return s.rdb }

// Atomic runs fn against a redis pipeline and executes it as one
// batch, giving the "atomic command batch" semantics §4.3/§5 require:
// readers never observe a partial update within a batch. Grounded on
// the reaction engine's "command-stream of state mutations that runs
// atomically" language (§4.3 create).
func (s *Store) Atomic(ctx context.Context, fn func(pipe redis.Pipeliner) error) error {
	_, err := s.rdb.TxPipelined(ctx, fn)
	if err != nil {
		return fmt.Errorf("kvstore: atomic batch: %w", err)
	}
	return nil
}

// --- §6 key builders ---

// ReactionDataKey is "<g>:<p>:reaction:<id>:data".
func ReactionDataKey(group, pipeline, id string) string {
	return fmt.Sprintf("%s:%s:reaction:%s:data", group, pipeline, id)
}

// ReactionSetKey is "<g>:<p>:reaction:<id>:<set>" for jobs, generators,
// logs, sub, or a stage_logs:<stage> variant.
func ReactionSetKey(group, pipeline, id, set string) string {
	return fmt.Sprintf("%s:%s:reaction:%s:%s", group, pipeline, id, set)
}

// ReactionStageLogKey is "<g>:<p>:reaction:<id>:stage_logs:<stage>".
func ReactionStageLogKey(group, pipeline, id string, stage int) string {
	return ReactionSetKey(group, pipeline, id, fmt.Sprintf("stage_logs:%d", stage))
}

// GroupPipelineStatusKey is "<g>:<p>:status:<st>".
func GroupPipelineStatusKey(group, pipeline, status string) string {
	return fmt.Sprintf("%s:%s:status:%s", group, pipeline, status)
}

// GroupPipelineKey is "<g>:<p>" (the bare group/pipeline set).
func GroupPipelineKey(group, pipeline string) string {
	return fmt.Sprintf("%s:%s", group, pipeline)
}

// GroupStatusKey is "<g>:status:<st>" — the sorted set keyed by SLA.
func GroupStatusKey(group, status string) string {
	return fmt.Sprintf("%s:status:%s", group, status)
}

// TagSetKey is "<g>:tag:<tag>".
func TagSetKey(group, tag string) string {
	return fmt.Sprintf("%s:tag:%s", group, tag)
}

// JobDataKey is "job:<id>:data".
func JobDataKey(id string) string {
	return fmt.Sprintf("job:%s:data", id)
}

// QueueKey is "<g>:<p>:<stage>:<creator>:<st>:queue" — a sorted set by
// deadline.
func QueueKey(group, pipeline string, stage int, creator, status string) string {
	return fmt.Sprintf("%s:%s:%d:%s:%s:queue", group, pipeline, stage, creator, status)
}

// RunningStreamKey is "system:<scaler>:running".
func RunningStreamKey(scaler string) string {
	return fmt.Sprintf("system:%s:running", scaler)
}

// DeadlineStreamKey is "system:<scaler>:deadlines".
func DeadlineStreamKey(scaler string) string {
	return fmt.Sprintf("system:%s:deadlines", scaler)
}

// GlobalExpireKey is "system:global:expire".
const GlobalExpireKey = "system:global:expire"

// DeadlineScore converts a deadline into the float64 sorted-set score
// redis expects (unix seconds, so ascending order is earliest-first).
func DeadlineScore(deadline time.Time) float64 {
	return float64(deadline.Unix())
}
