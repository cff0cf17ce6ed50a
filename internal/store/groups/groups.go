// Package groups is the §4.1 tenant-boundary store: the Group records
// every authz.Viewable/Editable/Modifiable check resolves against.
//
// Grounded on internal/catalog's kv record convention (kvstore.Atomic
// writing each record as one JSON-encoded string value), since a group definition
// is the same kind of small, name-keyed record a pipeline or image
// definition is.
package groups

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/thorium-go/thorium/internal/apierr"
	"github.com/thorium-go/thorium/internal/domain"
	"github.com/thorium-go/thorium/internal/kvstore"
)

// Store is the group-definition store.
type Store struct {
	kv *kvstore.Store
}

// New builds a group store over an existing kvstore.Store.
func New(kv *kvstore.Store) *Store {
	return &Store{kv: kv}
}

func groupKey(name string) string { return fmt.Sprintf("group:%s:def", name) }

const groupIndexKey = "group:index"

// Put registers (or replaces) a group definition.
func (s *Store) Put(ctx context.Context, g *domain.Group) error {
	encoded, err := json.Marshal(g)
	if err != nil {
		return apierr.Internal(err, "groups: encode %s", g.Name)
	}
	if err := s.kv.Atomic(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, groupKey(g.Name), encoded, 0)
		pipe.SAdd(ctx, groupIndexKey, g.Name)
		return nil
	}); err != nil {
		return apierr.Internal(err, "groups: put %s", g.Name)
	}
	return nil
}

// Get resolves a single group by name, returning nil (not an error)
// when it does not exist — callers route absence through
// authz.RequireViewable, which treats a nil group as not-found.
func (s *Store) Get(ctx context.Context, name string) (*domain.Group, error) {
	raw, err := s.kv.Client().Get(ctx, groupKey(name)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, apierr.Internal(err, "groups: get %s", name)
	}
	var g domain.Group
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return nil, apierr.Internal(err, "groups: decode %s", name)
	}
	return &g, nil
}

// List resolves every registered group name.
func (s *Store) List(ctx context.Context) ([]string, error) {
	names, err := s.kv.Client().SMembers(ctx, groupIndexKey).Result()
	if err != nil {
		return nil, apierr.Internal(err, "groups: list")
	}
	return names, nil
}

// Resolve fetches every named group, erroring not_found on the first
// one that does not exist — used by handlers that need every group in
// a multi-group request to exist before doing anything else.
func (s *Store) Resolve(ctx context.Context, names []string) ([]*domain.Group, error) {
	out := make([]*domain.Group, 0, len(names))
	for _, name := range names {
		g, err := s.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		if g == nil {
			return nil, apierr.NotFound("group %q", name)
		}
		out = append(out, g)
	}
	return out, nil
}
