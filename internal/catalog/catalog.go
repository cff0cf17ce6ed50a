// Package catalog is the group-scoped store of pipeline and image
// definitions the reaction engine, scheduler, and event bus all
// resolve against — the concrete collaborator behind
// reactions.PipelineLookup and events.PipelineSource.
//
// Each definition is stored whole as one JSON-encoded string value
// under its own group-prefixed kv key, with a per-group set indexing
// pipeline names; unlike internal/reactions' per-field hash, a record
// is always read and written as a unit.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/thorium-go/thorium/internal/apierr"
	"github.com/thorium-go/thorium/internal/domain"
	"github.com/thorium-go/thorium/internal/kvstore"
)

// Store is the C1-adjacent definition catalog: every pipeline and
// image a group has registered.
type Store struct {
	kv *kvstore.Store
}

// New builds a catalog store over an existing kvstore.Store.
func New(kv *kvstore.Store) *Store {
	return &Store{kv: kv}
}

func pipelineKey(group, name string) string {
	return fmt.Sprintf("%s:pipeline:%s:def", group, name)
}

func pipelineIndexKey(group string) string {
	return fmt.Sprintf("%s:pipeline:index", group)
}

func imageKey(group, name string) string {
	return fmt.Sprintf("%s:image:%s:def", group, name)
}

// PutPipeline registers (or replaces) a pipeline definition.
func (s *Store) PutPipeline(ctx context.Context, pl domain.Pipeline) error {
	encoded, err := json.Marshal(pl)
	if err != nil {
		return apierr.Internal(err, "catalog: encode pipeline %s/%s", pl.Group, pl.Name)
	}
	if err := s.kv.Atomic(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, pipelineKey(pl.Group, pl.Name), encoded, 0)
		pipe.SAdd(ctx, pipelineIndexKey(pl.Group), pl.Name)
		return nil
	}); err != nil {
		return apierr.Internal(err, "catalog: put pipeline %s/%s", pl.Group, pl.Name)
	}
	return nil
}

// PutImage registers (or replaces) an image definition.
func (s *Store) PutImage(ctx context.Context, img domain.Image) error {
	encoded, err := json.Marshal(img)
	if err != nil {
		return apierr.Internal(err, "catalog: encode image %s", img.Name)
	}
	if err := s.kv.Client().Set(ctx, imageKey(img.Group, img.Name), encoded, 0).Err(); err != nil {
		return apierr.Internal(err, "catalog: put image %s", img.Name)
	}
	return nil
}

// Pipeline resolves a single pipeline definition. Satisfies
// reactions.PipelineLookup and events.PipelineSource's per-name half.
func (s *Store) Pipeline(ctx context.Context, group, name string) (*domain.Pipeline, error) {
	raw, err := s.kv.Client().Get(ctx, pipelineKey(group, name)).Result()
	if err == redis.Nil {
		return nil, apierr.NotFound("catalog: pipeline %s/%s not found", group, name)
	}
	if err != nil {
		return nil, apierr.Internal(err, "catalog: get pipeline %s/%s", group, name)
	}
	var pl domain.Pipeline
	if err := json.Unmarshal([]byte(raw), &pl); err != nil {
		return nil, apierr.Internal(err, "catalog: decode pipeline %s/%s", group, name)
	}
	return &pl, nil
}

// Image resolves a single image definition. Satisfies
// reactions.PipelineLookup.
func (s *Store) Image(ctx context.Context, group, name string) (*domain.Image, error) {
	raw, err := s.kv.Client().Get(ctx, imageKey(group, name)).Result()
	if err == redis.Nil {
		return nil, apierr.NotFound("catalog: image %s/%s not found", group, name)
	}
	if err != nil {
		return nil, apierr.Internal(err, "catalog: get image %s/%s", group, name)
	}
	var img domain.Image
	if err := json.Unmarshal([]byte(raw), &img); err != nil {
		return nil, apierr.Internal(err, "catalog: decode image %s/%s", group, name)
	}
	return &img, nil
}

// PipelinesForGroup lists every pipeline registered to a group, the
// enumeration events.Bus needs to test each one's triggers against an
// incoming event.
func (s *Store) PipelinesForGroup(ctx context.Context, group string) ([]*domain.Pipeline, error) {
	names, err := s.kv.Client().SMembers(ctx, pipelineIndexKey(group)).Result()
	if err != nil {
		return nil, apierr.Internal(err, "catalog: list pipelines for %s", group)
	}
	out := make([]*domain.Pipeline, 0, len(names))
	for _, name := range names {
		pl, err := s.Pipeline(ctx, group, name)
		if err != nil {
			if apierr.KindOf(err) == apierr.KindNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, pl)
	}
	return out, nil
}
