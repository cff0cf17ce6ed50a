// Package tags implements C3: the tag index over samples, repos,
// results, and reactions (§4.5).
//
// Grounded on the rowstore collaborator's "tags" table (§6) and on
// the teacher's internal/controlplane/jobs/store.go's query-assembly
// idiom for building predicate lists under a fixed per-query cap.
package tags

import (
	"context"
	"fmt"
	"time"

	"github.com/thorium-go/thorium/internal/domain"
	"github.com/thorium-go/thorium/internal/keymodel"
	"github.com/thorium-go/thorium/internal/rowstore"
)

// Store writes and lists tag rows.
type Store struct {
	rows rowstore.RowStore
}

// New wraps rows as a tag index.
func New(rows rowstore.RowStore) *Store {
	return &Store{rows: rows}
}

// Create inserts one row per (group, key, value) in tagsByGroup for
// target, with timestamp=earliestPerGroup[group] (§4.5 create). Go has
// no owned/borrowed distinction for a map argument the way the
// original did for an owned vs. borrowed HashMap; callers that no
// longer need tagsByGroup afterwards may pass it directly.
func (s *Store) Create(ctx context.Context, typ domain.TargetKind, target string, tagsByGroup map[string]map[string][]string, earliestPerGroup map[string]time.Time) error {
	for group, kv := range tagsByGroup {
		ts, ok := earliestPerGroup[group]
		if !ok {
			ts = time.Now().UTC()
		}
		year, bucket := keymodel.Partition(ts, keymodel.PartitionChunkDays)
		for key, values := range kv {
			for _, value := range values {
				row := rowstore.TagRow{
					Type:      string(typ),
					Group:     group,
					Key:       key,
					Value:     value,
					Year:      year,
					Bucket:    bucket,
					Timestamp: ts,
					Target:    target,
				}
				if err := s.rows.InsertTag(ctx, row); err != nil {
					return fmt.Errorf("tags: create: %w", err)
				}
			}
		}
	}
	return nil
}

// DeleteForValue removes a single (type,group,key,value,target) row,
// used by the submission-delete prune policy (§4.2) to drop exactly
// one submitter's tag without touching others.
func (s *Store) DeleteForValue(ctx context.Context, typ domain.TargetKind, group, key, value, target string) error {
	if err := s.rows.DeleteTagForValue(ctx, string(typ), group, key, value, target); err != nil {
		return fmt.Errorf("tags: delete for value: %w", err)
	}
	return nil
}

// DeleteAll removes every tag row for (type, group, target), used when
// a target becomes entirely unreachable in a group (§4.2 prune
// policy).
func (s *Store) DeleteAll(ctx context.Context, typ domain.TargetKind, group, target string) error {
	if err := s.rows.DeleteTags(ctx, string(typ), group, target); err != nil {
		return fmt.Errorf("tags: delete all: %w", err)
	}
	return nil
}

// List runs the cartesian-product listing of §4.5: iterate
// {key->[values]}, joining at most 98 predicates per query (enforced
// inside the row store), tie-broken by target within each group's
// timestamp ordering.
func (s *Store) List(ctx context.Context, typ domain.TargetKind, groups []string, byKey map[string][]string, limit int) ([]rowstore.TagRow, error) {
	rows, err := s.rows.QueryTags(ctx, rowstore.TagQuery{
		Type:   string(typ),
		Groups: groups,
		Tags:   byKey,
		Limit:  limit,
	})
	if err != nil {
		return nil, fmt.Errorf("tags: list: %w", err)
	}
	return rows, nil
}
