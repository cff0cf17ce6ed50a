// Package rowstoretest provides an in-memory rowstore.RowStore for
// unit tests of the packages built on top of it (store/submissions,
// store/tags, store/results, store/cursor), so those tests don't need
// a live Postgres instance.
package rowstoretest

import (
	"context"
	"sort"
	"sync"

	"github.com/thorium-go/thorium/internal/rowstore"
)

// Fake is a thread-safe in-memory RowStore.
type Fake struct {
	mu      sync.Mutex
	samples []rowstore.SampleRow
	tags    []rowstore.TagRow
	results []rowstore.ResultRow
	logs    []rowstore.LogLine
}

// New returns an empty Fake store.
func New() *Fake { return &Fake{} }

func (f *Fake) Close() {}

func (f *Fake) InsertSample(_ context.Context, row rowstore.SampleRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.samples {
		if r.Group == row.Group && r.ID == row.ID && r.SHA256 == row.SHA256 {
			return nil
		}
	}
	f.samples = append(f.samples, row)
	return nil
}

func inSet(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func (f *Fake) SamplesByGroupsAndSHA256(_ context.Context, groups []string, sha256 string) ([]rowstore.SampleRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []rowstore.SampleRow
	for _, r := range f.samples {
		if r.SHA256 == sha256 && inSet(groups, r.Group) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Uploaded.After(out[j].Uploaded) })
	return out, nil
}

func (f *Fake) SHA256ExistsInGroups(_ context.Context, groups []string, sha256 string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.samples {
		if r.SHA256 == sha256 && inSet(groups, r.Group) {
			return true, nil
		}
	}
	return false, nil
}

func (f *Fake) AuthorizeSHA256s(_ context.Context, groups []string, sha256s []string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	remaining := map[string]bool{}
	for _, h := range sha256s {
		remaining[h] = true
	}
	for _, r := range f.samples {
		if inSet(groups, r.Group) {
			delete(remaining, r.SHA256)
		}
	}
	return len(remaining) == 0, nil
}

func (f *Fake) DeleteSampleRows(_ context.Context, sha256, id string, groups []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.samples[:0]
	for _, r := range f.samples {
		if r.SHA256 == sha256 && r.ID == id && inSet(groups, r.Group) {
			continue
		}
		kept = append(kept, r)
	}
	f.samples = kept
	return nil
}

func (f *Fake) RemainingSubmitters(_ context.Context, sha256 string) (map[string]map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]map[string]bool{}
	for _, r := range f.samples {
		if r.SHA256 != sha256 {
			continue
		}
		if out[r.Group] == nil {
			out[r.Group] = map[string]bool{}
		}
		out[r.Group][r.Submitter] = true
	}
	return out, nil
}

func (f *Fake) InsertTag(_ context.Context, row rowstore.TagRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tags {
		if t == row {
			return nil
		}
	}
	f.tags = append(f.tags, row)
	return nil
}

func (f *Fake) DeleteTags(_ context.Context, typ, group, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.tags[:0]
	for _, t := range f.tags {
		if t.Type == typ && t.Group == group && t.Target == target {
			continue
		}
		kept = append(kept, t)
	}
	f.tags = kept
	return nil
}

func (f *Fake) DeleteTagForValue(_ context.Context, typ, group, key, value, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.tags[:0]
	for _, t := range f.tags {
		if t.Type == typ && t.Group == group && t.Key == key && t.Value == value && t.Target == target {
			continue
		}
		kept = append(kept, t)
	}
	f.tags = kept
	return nil
}

func (f *Fake) QueryTags(_ context.Context, query rowstore.TagQuery) ([]rowstore.TagRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []rowstore.TagRow
	for _, t := range f.tags {
		if t.Type != query.Type {
			continue
		}
		if len(query.Groups) > 0 && !inSet(query.Groups, t.Group) {
			continue
		}
		values, ok := query.Tags[t.Key]
		if !ok || !inSet(values, t.Value) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Target < out[j].Target
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

func (f *Fake) InsertResult(_ context.Context, row rowstore.ResultRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, row)
	return nil
}

func (f *Fake) ResultsByTarget(_ context.Context, target string, includeHidden bool) ([]rowstore.ResultRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []rowstore.ResultRow
	for _, r := range f.results {
		if r.Target != target {
			continue
		}
		if !includeHidden && r.DisplayType == "Hidden" {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Uploaded.After(out[j].Uploaded) })
	return out, nil
}

func (f *Fake) DeleteResultsByTarget(_ context.Context, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.results[:0]
	for _, r := range f.results {
		if r.Target == target {
			continue
		}
		kept = append(kept, r)
	}
	f.results = kept
	return nil
}

func (f *Fake) AppendLog(_ context.Context, line rowstore.LogLine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, line)
	return nil
}

func (f *Fake) LogLines(_ context.Context, reaction string, stage int) ([]rowstore.LogLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []rowstore.LogLine
	for _, l := range f.logs {
		if l.Reaction == reaction && l.Stage == stage {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bucket == out[j].Bucket {
			return out[i].Index < out[j].Index
		}
		return out[i].Bucket < out[j].Bucket
	})
	return out, nil
}

var _ rowstore.RowStore = (*Fake)(nil)
