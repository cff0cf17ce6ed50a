// Package submissions implements C2: the group-scoped, time-bucketed
// submission store for files (and, by the same row shape, repos),
// with idempotent creates and the cross-group reachability deletion
// policy of §4.2.
//
// Grounded on original_source/api/src/models/backends/files.rs for
// the create/get/delete_submission semantics, with the row storage
// itself delegated to rowstore.RowStore and blob content to
// blobstore.Store.
package submissions

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/thorium-go/thorium/internal/apierr"
	"github.com/thorium-go/thorium/internal/blobstore"
	"github.com/thorium-go/thorium/internal/domain"
	"github.com/thorium-go/thorium/internal/keymodel"
	"github.com/thorium-go/thorium/internal/rowstore"
	"github.com/thorium-go/thorium/internal/store/tags"
)

// EventPublisher is the §4.8 sink for write-triggered events; satisfied
// by internal/events.Bus. Kept as a narrow interface here so this
// package never imports the event bus's own dependencies.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// Store is the C2 submission store.
type Store struct {
	rows   rowstore.RowStore
	blobs  *blobstore.Store
	tags   *tags.Store
	events EventPublisher
}

// New builds a submission store over its collaborators.
func New(rows rowstore.RowStore, blobs *blobstore.Store, tagIndex *tags.Store, events EventPublisher) *Store {
	return &Store{rows: rows, blobs: blobs, tags: tagIndex, events: events}
}

// CreateRequest is the input to Create: the already-hashed payload
// plus the metadata fields a submission row carries (§3 Submission).
type CreateRequest struct {
	SHA256      string
	SHA1        string
	MD5         string
	Name        string
	Description string
	Origin      domain.Origin
	Submitter   string
	Groups      []string
	Tags        map[string][]string // user-supplied tags, merged with origin-contributed ones
	TriggerDepth int
}

// Create writes one row per group for a new submission, deriving the
// id from a fresh uuid and the time bucket from partition(uploaded).
// Per §4.2's idempotency contract, a request with the same
// (submitter, origin, description, name, groups-set) under the same
// sha256 from the same user returns conflict after merging any new
// tags into the existing row set.
func (s *Store) Create(ctx context.Context, req CreateRequest) (id string, err error) {
	if !keymodel.ValidSHA256(req.SHA256) {
		return "", apierr.Bad("submissions: invalid sha256 %q", req.SHA256)
	}
	if len(req.Groups) == 0 {
		return "", apierr.Bad("submissions: at least one group is required")
	}

	existing, err := s.rows.SamplesByGroupsAndSHA256(ctx, req.Groups, req.SHA256)
	if err != nil {
		return "", apierr.Internal(err, "submissions: create: lookup existing rows")
	}
	serializedOrigin, err := serializeOrigin(req.Origin)
	if err != nil {
		return "", apierr.Bad("submissions: create: serialize origin: %v", err)
	}

	// A matching submission conflicts only when its rows cover every
	// requested group; rows in groups outside the request are not looked up.
	matchedGroups := map[string]map[string]bool{} // id -> groups holding a matching row
	for _, row := range existing {
		if row.Submitter == req.Submitter && row.Name == req.Name && row.Description == req.Description && row.Origin == serializedOrigin {
			if matchedGroups[row.ID] == nil {
				matchedGroups[row.ID] = map[string]bool{}
			}
			matchedGroups[row.ID][row.Group] = true
		}
	}
	for _, row := range existing {
		sameGroups := matchedGroups[row.ID] != nil
		for _, group := range req.Groups {
			sameGroups = sameGroups && matchedGroups[row.ID][group]
		}
		if sameGroups {
			if err := s.mergeTags(ctx, row.SHA256, row.Group, req.Submitter, req.Origin, req.Tags, row.Uploaded); err != nil {
				return "", err
			}
			return row.ID, apierr.Conflict("submissions: %s already submitted to %s by %s", req.SHA256, row.Group, req.Submitter)
		}
	}

	id = keymodel.NewID()
	uploaded := time.Now().UTC()
	earliestPerGroup := map[string]time.Time{}
	tagsByGroup := map[string]map[string][]string{}

	for _, group := range req.Groups {
		year, bucket := keymodel.Partition(uploaded, keymodel.PartitionChunkDays)
		row := rowstore.SampleRow{
			Group:       group,
			Year:        year,
			Bucket:      bucket,
			SHA256:      req.SHA256,
			SHA1:        req.SHA1,
			MD5:         req.MD5,
			ID:          id,
			Name:        req.Name,
			Description: req.Description,
			Submitter:   req.Submitter,
			Origin:      serializedOrigin,
			Uploaded:    uploaded,
		}
		if err := s.rows.InsertSample(ctx, row); err != nil {
			return "", apierr.Internal(err, "submissions: create: insert sample row for %s", group)
		}
		earliestPerGroup[group] = uploaded
		tagsByGroup[group] = mergedTagMap(req.Submitter, req.Origin, req.Tags)
	}

	if err := s.tags.Create(ctx, domain.TargetSample, req.SHA256, tagsByGroup, earliestPerGroup); err != nil {
		return "", apierr.Internal(err, "submissions: create: write tags")
	}

	if s.events != nil {
		if err := s.events.Publish(ctx, domain.Event{
			Kind:         domain.EventNewSample,
			Target:       req.SHA256,
			Groups:       req.Groups,
			TriggerDepth: req.TriggerDepth,
		}); err != nil {
			return "", apierr.Internal(err, "submissions: create: publish event")
		}
	}

	return id, nil
}

// serializeOrigin renders an Origin as the opaque discriminated-union
// string the sample row's origin column carries (§4.2).
func serializeOrigin(origin domain.Origin) (string, error) {
	data, err := json.Marshal(origin)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func mergedTagMap(submitter string, origin domain.Origin, extra map[string][]string) map[string][]string {
	merged := map[string][]string{"submitter": {submitter}}
	for k, v := range origin.Tags() {
		merged[k] = append(merged[k], v...)
	}
	for k, v := range extra {
		merged[k] = append(merged[k], v...)
	}
	return merged
}

// mergeTags folds any tags from a conflicting re-submission into the
// existing row's group tag set (§4.2 "merging any new tags").
func (s *Store) mergeTags(ctx context.Context, sha256, group, submitter string, origin domain.Origin, extra map[string][]string, uploaded time.Time) error {
	merged := mergedTagMap(submitter, origin, extra)
	return s.tags.Create(ctx, domain.TargetSample, sha256,
		map[string]map[string][]string{group: merged},
		map[string]time.Time{group: uploaded})
}

// Sample is the merged view Get returns: one entry per distinct id,
// with Groups collecting every group that id was seen in (§4.2 get).
type Sample struct {
	ID          string
	SHA256      string
	SHA1        string
	MD5         string
	Name        string
	Description string
	Submitter   string
	Uploaded    time.Time
	Groups      []string
}

// Get loads every row visible across groups for sha256, sorts
// descending by uploaded, then merges rows sharing an id so each
// result's Groups field collects every group that id appeared in
// (§4.2 get). Groups are queried in chunks of 100 inside the row
// store.
func (s *Store) Get(ctx context.Context, groups []string, sha256 string) ([]Sample, error) {
	rows, err := s.rows.SamplesByGroupsAndSHA256(ctx, groups, sha256)
	if err != nil {
		return nil, apierr.Internal(err, "submissions: get")
	}

	byID := map[string]*Sample{}
	var order []string
	for _, row := range rows {
		existing, ok := byID[row.ID]
		if !ok {
			existing = &Sample{
				ID:          row.ID,
				SHA256:      row.SHA256,
				SHA1:        row.SHA1,
				MD5:         row.MD5,
				Name:        row.Name,
				Description: row.Description,
				Submitter:   row.Submitter,
				Uploaded:    row.Uploaded,
			}
			byID[row.ID] = existing
			order = append(order, row.ID)
		}
		existing.Groups = append(existing.Groups, row.Group)
		if row.Uploaded.Before(existing.Uploaded) {
			existing.Uploaded = row.Uploaded
		}
	}

	out := make([]Sample, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Uploaded.After(out[j].Uploaded) })
	return out, nil
}

// SHA256Exists reports whether sha256 has at least one row among
// groups, chunking groups by 50 and returning true on first hit
// (§4.2).
func (s *Store) SHA256Exists(ctx context.Context, groups []string, sha256 string) (bool, error) {
	ok, err := s.rows.SHA256ExistsInGroups(ctx, groups, sha256)
	if err != nil {
		return false, apierr.Internal(err, "submissions: sha256 exists")
	}
	return ok, nil
}

// Authorize requires every sha256 in sha256s to appear in at least one
// row among groups (§4.2 authorize).
func (s *Store) Authorize(ctx context.Context, groups []string, sha256s []string) (bool, error) {
	ok, err := s.rows.AuthorizeSHA256s(ctx, groups, sha256s)
	if err != nil {
		return false, apierr.Internal(err, "submissions: authorize")
	}
	return ok, nil
}

// Delete implements delete_submission(sample, submission, groups):
// removes exactly the rows in groups for id, then applies the §4.2
// prune policy for tags (comments/results pruning is the caller's
// responsibility once it resolves which comments/results are keyed by
// this sha256 — see package results/comments).
func (s *Store) Delete(ctx context.Context, sha256, id, submitter string, groups []string) error {
	if err := s.rows.DeleteSampleRows(ctx, sha256, id, groups); err != nil {
		return apierr.Internal(err, "submissions: delete: remove sample rows")
	}

	groupSubmitterMap, err := s.rows.RemainingSubmitters(ctx, sha256)
	if err != nil {
		return apierr.Internal(err, "submissions: delete: remaining submitters")
	}

	for _, group := range groups {
		if groupSubmitterMap[group][submitter] {
			continue // deleted submitter still has another row in this group
		}
		if err := s.tags.DeleteForValue(ctx, domain.TargetSample, group, "submitter", submitter, sha256); err != nil {
			return apierr.Internal(err, "submissions: delete: prune submitter tag for %s", group)
		}
	}

	if len(groupSubmitterMap) == 0 {
		// Entirely unreachable: prune tags in every group the sample
		// had rows in.
		for _, group := range groups {
			if err := s.tags.DeleteAll(ctx, domain.TargetSample, group, sha256); err != nil {
				return apierr.Internal(err, "submissions: delete: prune all tags for %s", group)
			}
		}
		return nil
	}

	// Prune only groups that dropped out of visibility entirely.
	for _, group := range groups {
		if _, stillVisible := groupSubmitterMap[group]; stillVisible {
			continue
		}
		if err := s.tags.DeleteAll(ctx, domain.TargetSample, group, sha256); err != nil {
			return apierr.Internal(err, "submissions: delete: prune lost-visibility tags for %s", group)
		}
	}
	return nil
}
