// Package rowstore models the wide-column row-store collaborator that
// spec.md §1 treats as external, behind a RowStore interface covering
// the §6 "Tabular schemas": samples, tags, results, logs. The core
// packages (store/submissions, store/tags, store/results,
// store/cursor) depend only on this interface; postgres.go supplies a
// concrete reference implementation.
package rowstore

import (
	"context"
	"time"
)

// SampleRow is one row of the §6 samples table.
type SampleRow struct {
	Group       string
	Year        int
	Bucket      int
	SHA256      string
	SHA1        string
	MD5         string
	ID          string
	Name        string
	Description string
	Submitter   string
	Origin      string // opaque serialised discriminated union (§4.2)
	Uploaded    time.Time
}

// TagRow is one row of the §6 tags table.
type TagRow struct {
	Type      string
	Group     string
	Key       string
	Value     string
	Year      int
	Bucket    int
	Timestamp time.Time
	Target    string
}

// ResultRow is one row of the §6 results table.
type ResultRow struct {
	Target      string
	Tool        string
	Year        int
	Bucket      int
	ID          string
	ToolVersion string
	Cmd         string
	Groups      []string
	DisplayType string
	Payload     []byte
	Files       []string
	Children    map[string]string
	Uploaded    time.Time
}

// LogLine is one row of the §6 logs table, bucketed by index/2500.
type LogLine struct {
	Reaction string
	Stage    int
	Bucket   int
	Index    int
	Line     string
}

// TagQuery selects rows from the tags table for a listing or join.
type TagQuery struct {
	Type   string
	Groups []string
	Tags   map[string][]string // key -> allowed values
	Limit  int
}

// RowStore is the interface every wide-column row-store backend must
// satisfy. Implementations own chunking any IN (...) predicate lists
// per the call-site limits named in §4.2/§4.5 (the caller passes
// already-chunked group slices; the store further chunks internally
// where a query combines two dimensions, e.g. the 50×50 cartesian
// check in AuthorizeSHA256s).
type RowStore interface {
	InsertSample(ctx context.Context, row SampleRow) error
	SamplesByGroupsAndSHA256(ctx context.Context, groups []string, sha256 string) ([]SampleRow, error)
	SHA256ExistsInGroups(ctx context.Context, groups []string, sha256 string) (bool, error)
	AuthorizeSHA256s(ctx context.Context, groups []string, sha256s []string) (bool, error)
	DeleteSampleRows(ctx context.Context, sha256, id string, groups []string) error
	RemainingSubmitters(ctx context.Context, sha256 string) (map[string]map[string]bool, error) // group -> submitters

	InsertTag(ctx context.Context, row TagRow) error
	DeleteTags(ctx context.Context, typ, group, target string) error
	DeleteTagForValue(ctx context.Context, typ, group, key, value, target string) error
	QueryTags(ctx context.Context, query TagQuery) ([]TagRow, error)

	InsertResult(ctx context.Context, row ResultRow) error
	ResultsByTarget(ctx context.Context, target string, includeHidden bool) ([]ResultRow, error)
	DeleteResultsByTarget(ctx context.Context, target string) error

	AppendLog(ctx context.Context, line LogLine) error
	LogLines(ctx context.Context, reaction string, stage int) ([]LogLine, error)

	Close()
}
