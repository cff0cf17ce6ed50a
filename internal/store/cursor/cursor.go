// Package cursor implements C5: a generic cursor over the tag index's
// partitioned rows, with per-group tie-breaking and tag filtering,
// satisfying the §8 property 5 listing contract — a cursor listing
// over N rows at page size k visits each unique (group, target) pair
// exactly once across pages.
//
// Grounded on the same rowstore.QueryTags ordering store/tags already
// relies on (descending timestamp, target tie-break), and on the §9
// design note: carry (year, bucket, ties:{group->last_key}) in the
// cursor so resumption is group-correct at time ties.
package cursor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sort"
	"time"

	"github.com/thorium-go/thorium/internal/apierr"
	"github.com/thorium-go/thorium/internal/domain"
	"github.com/thorium-go/thorium/internal/keymodel"
	"github.com/thorium-go/thorium/internal/rowstore"
)

// DefaultLimit is the page size the §6 List params default to.
const DefaultLimit = 50

// Line is one row of a cursor listing: a (group, target) pair tagged
// at timestamp, flattened from the tag index.
type Line struct {
	Group     string
	Target    string
	Timestamp time.Time
}

// state is the cursor's opaque payload: the time boundary of the last
// emitted row plus the per-group tie record needed to resume without
// re-emitting or skipping a row that shares that exact timestamp.
type state struct {
	Year     int               `json:"year"`
	Bucket   int               `json:"bucket"`
	Boundary *time.Time        `json:"boundary,omitempty"`
	Ties     map[string]string `json:"ties"` // group -> last target emitted at Boundary
}

// encode renders a state as the opaque cursor token callers pass back
// on the next List call.
func encode(s state) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// decode parses a cursor token back into a state. An empty token
// decodes to the zero state, meaning "start from the top".
func decode(token string) (state, error) {
	if token == "" {
		return state{Ties: map[string]string{}}, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return state{}, err
	}
	var s state
	if err := json.Unmarshal(data, &s); err != nil {
		return state{}, err
	}
	if s.Ties == nil {
		s.Ties = map[string]string{}
	}
	return s, nil
}

// ListRequest is the §6 List params: `{groups[], start=now, end?,
// tags:{k→[v]}, cursor?, limit=50}`. Rows are walked backward from
// Start; End, when set, is the lower time bound of the window — rows
// timestamped earlier than End are excluded.
type ListRequest struct {
	Type   domain.TargetKind
	Groups []string
	Tags   map[string][]string
	Start  time.Time
	End    time.Time
	Cursor string
	Limit  int
}

// ListResponse is the §6 List return: `{data:[line], cursor?}`, a
// missing (empty) Cursor means the listing is exhausted.
type ListResponse struct {
	Data   []Line
	Cursor string
}

// List pages through every (group, target) tagged row matching
// req.Tags across req.Groups, ordered by descending timestamp with
// target as the within-timestamp tie-break — the same order
// rowstore.QueryTags already returns. Calling List repeatedly with the
// cursor from the previous response visits each unique (group,
// target) pair exactly once (§8 property 5), regardless of how many
// rows share a timestamp.
func List(ctx context.Context, rows rowstore.RowStore, req ListRequest) (ListResponse, error) {
	if len(req.Groups) == 0 {
		return ListResponse{}, apierr.Bad("cursor: at least one group is required")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	start := req.Start
	if start.IsZero() {
		start = time.Now().UTC()
	}

	cur, err := decode(req.Cursor)
	if err != nil {
		return ListResponse{}, apierr.Bad("cursor: malformed cursor: %v", err)
	}

	rowsOut, err := rows.QueryTags(ctx, rowstore.TagQuery{
		Type:   string(req.Type),
		Groups: req.Groups,
		Tags:   req.Tags,
	})
	if err != nil {
		return ListResponse{}, apierr.Internal(err, "cursor: list: query tags")
	}
	all := dedupeLatest(rowsOut)

	var page []Line
	var lastTimestamp time.Time
	haveLast := false
	ties := map[string]string{}

	for _, row := range all {
		if row.Timestamp.After(start) {
			continue
		}
		if !req.End.IsZero() && row.Timestamp.Before(req.End) {
			continue
		}
		if cur.Boundary != nil {
			if row.Timestamp.After(*cur.Boundary) {
				continue // already emitted on a prior page
			}
			if row.Timestamp.Equal(*cur.Boundary) && row.Target <= cur.Ties[row.Group] {
				continue // already emitted (or tied-away) at the boundary timestamp
			}
		}

		if len(page) >= limit {
			break
		}
		page = append(page, Line{Group: row.Group, Target: row.Target, Timestamp: row.Timestamp})

		if !haveLast || row.Timestamp.Before(lastTimestamp) {
			lastTimestamp = row.Timestamp
			haveLast = true
			ties = map[string]string{}
			if cur.Boundary != nil && row.Timestamp.Equal(*cur.Boundary) {
				// Still at the previous page's boundary: keep its ties so
				// rows emitted on earlier pages are not emitted again.
				for group, target := range cur.Ties {
					ties[group] = target
				}
			}
			ties[row.Group] = row.Target
		} else if row.Timestamp.Equal(lastTimestamp) {
			if row.Target > ties[row.Group] {
				ties[row.Group] = row.Target
			}
		}
	}

	if len(page) < limit || !haveLast {
		return ListResponse{Data: page}, nil // exhausted: no cursor
	}

	year, bucket := keymodel.Partition(lastTimestamp, keymodel.PartitionChunkDays)
	boundary := lastTimestamp
	token, err := encode(state{Year: year, Bucket: bucket, Boundary: &boundary, Ties: ties})
	if err != nil {
		return ListResponse{}, apierr.Internal(err, "cursor: list: encode cursor")
	}
	return ListResponse{Data: page, Cursor: token}, nil
}

// dedupeLatest collapses rows sharing a (group, target) pair down to
// the single row with the most recent timestamp, then sorts the
// result descending by timestamp with target as the tie-break — the
// same order QueryTags already returns, preserved here since multiple
// tag keys/values can each independently match the query and would
// otherwise surface the same target more than once ("per-group
// dedup", C5).
func dedupeLatest(rows []rowstore.TagRow) []rowstore.TagRow {
	type key struct{ group, target string }
	latest := map[key]rowstore.TagRow{}
	for _, r := range rows {
		k := key{r.Group, r.Target}
		if existing, ok := latest[k]; !ok || r.Timestamp.After(existing.Timestamp) {
			latest[k] = r
		}
	}
	out := make([]rowstore.TagRow, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Target < out[j].Target
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}
