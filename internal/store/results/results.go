// Package results implements C4: per-(target,tool) result bundles,
// the children submission graph results can spawn, attached files,
// auto-tag extraction, and Hidden-filtering from default listings
// (§3 Result, §4.8 event emission on result writes).
//
// Grounded on the rowstore collaborator's "results" table (§6) and the
// same store-chunking idiom as store/submissions and store/tags.
package results

import (
	"context"
	"sort"
	"time"

	"github.com/thorium-go/thorium/internal/apierr"
	"github.com/thorium-go/thorium/internal/domain"
	"github.com/thorium-go/thorium/internal/keymodel"
	"github.com/thorium-go/thorium/internal/rowstore"
	"github.com/thorium-go/thorium/internal/store/tags"
)

// EventPublisher is the §4.8 sink for result-write events.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// Store is the C4 result store.
type Store struct {
	rows   rowstore.RowStore
	tags   *tags.Store
	events EventPublisher
}

// New builds a result store over its collaborators.
func New(rows rowstore.RowStore, tagIndex *tags.Store, events EventPublisher) *Store {
	return &Store{rows: rows, tags: tagIndex, events: events}
}

// CreateRequest is the input to Create (§3 Result).
type CreateRequest struct {
	Target       string // sha256 or result-key this bundle is attached to
	Tool         string
	ToolVersion  string
	Cmd          string
	Groups       []string
	DisplayType  domain.DisplayType
	Payload      []byte
	Files        []string
	Children     map[string]string // name -> child submission id
	AutoTags     map[string][]string
	TriggerDepth int
}

// Create inserts a result row keyed by keymodel.ResultKey(target,tool)
// and writes any auto-extracted tags, then emits a NewResult event.
func (s *Store) Create(ctx context.Context, req CreateRequest) (id string, err error) {
	if req.Target == "" || req.Tool == "" {
		return "", apierr.Bad("results: target and tool are required")
	}

	id = keymodel.NewID()
	uploaded := time.Now().UTC()
	year, bucket := keymodel.Partition(uploaded, keymodel.PartitionChunkDays)

	row := rowstore.ResultRow{
		Target:      keymodel.ResultKey(req.Target, req.Tool),
		Tool:        req.Tool,
		Year:        year,
		Bucket:      bucket,
		ID:          id,
		ToolVersion: req.ToolVersion,
		Cmd:         req.Cmd,
		Groups:      req.Groups,
		DisplayType: string(req.DisplayType),
		Payload:     req.Payload,
		Files:       req.Files,
		Children:    req.Children,
		Uploaded:    uploaded,
	}
	if err := s.rows.InsertResult(ctx, row); err != nil {
		return "", apierr.Internal(err, "results: create: insert result row")
	}

	if len(req.AutoTags) > 0 {
		byGroup := map[string]map[string][]string{}
		earliest := map[string]time.Time{}
		for _, group := range req.Groups {
			byGroup[group] = req.AutoTags
			earliest[group] = uploaded
		}
		if err := s.tags.Create(ctx, domain.TargetResult, row.Target, byGroup, earliest); err != nil {
			return "", apierr.Internal(err, "results: create: write auto tags")
		}
	}

	if s.events != nil {
		if err := s.events.Publish(ctx, domain.Event{
			Kind:         domain.EventNewResult,
			Target:       req.Target,
			Groups:       req.Groups,
			TriggerDepth: req.TriggerDepth,
		}); err != nil {
			return "", apierr.Internal(err, "results: create: publish event")
		}
	}

	return id, nil
}

// Result is the view List/Get return, carrying domain-level fields
// reconstructed from the row store.
type Result struct {
	ID          string
	Target      string
	Tool        string
	ToolVersion string
	Cmd         string
	Groups      []string
	DisplayType domain.DisplayType
	Payload     []byte
	Files       []string
	Children    map[string]string
	Uploaded    time.Time
}

// List returns every bundle attached to target#tool, Hidden-filtered
// unless includeHidden (§3 "Hidden filtered from default listings").
func (s *Store) List(ctx context.Context, target, tool string, includeHidden bool) ([]Result, error) {
	rows, err := s.rows.ResultsByTarget(ctx, keymodel.ResultKey(target, tool), includeHidden)
	if err != nil {
		return nil, apierr.Internal(err, "results: list")
	}
	out := make([]Result, 0, len(rows))
	for _, r := range rows {
		out = append(out, Result{
			ID:          r.ID,
			Target:      r.Target,
			Tool:        r.Tool,
			ToolVersion: r.ToolVersion,
			Cmd:         r.Cmd,
			Groups:      r.Groups,
			DisplayType: domain.DisplayType(r.DisplayType),
			Payload:     r.Payload,
			Files:       r.Files,
			Children:    r.Children,
			Uploaded:    r.Uploaded,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Uploaded.After(out[j].Uploaded) })
	return out, nil
}

// ChildrenGraph flattens the children maps of every non-hidden result
// under target#tool into one name -> submission-id graph, last write
// wins when two results claim the same child name.
func (s *Store) ChildrenGraph(ctx context.Context, target, tool string) (map[string]string, error) {
	rows, err := s.List(ctx, target, tool, false)
	if err != nil {
		return nil, err
	}
	graph := map[string]string{}
	for i := len(rows) - 1; i >= 0; i-- { // List is newest-first; apply oldest first
		for name, childID := range rows[i].Children {
			graph[name] = childID
		}
	}
	return graph, nil
}

// DeleteByTarget removes every result row and tag row attached to
// target#tool across groups, part of the §4.2 prune policy when a
// sample becomes entirely unreachable.
func (s *Store) DeleteByTarget(ctx context.Context, target, tool string, groups []string) error {
	key := keymodel.ResultKey(target, tool)
	if err := s.rows.DeleteResultsByTarget(ctx, key); err != nil {
		return apierr.Internal(err, "results: delete by target: remove result rows")
	}
	for _, group := range groups {
		if err := s.tags.DeleteAll(ctx, domain.TargetResult, group, key); err != nil {
			return apierr.Internal(err, "results: delete by target: prune tags for %s", group)
		}
	}
	return nil
}
