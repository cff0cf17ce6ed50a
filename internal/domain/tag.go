package domain

import "time"

// TargetKind distinguishes what a tag row is attached to.
type TargetKind string

const (
	TargetSample   TargetKind = "sample"
	TargetRepo     TargetKind = "repo"
	TargetResult   TargetKind = "result"
	TargetReaction TargetKind = "reaction"
)

// TagRow is one (type, group, key, value, bucket, timestamp, target)
// row (§3, §4.5). Unique by the full tuple.
type TagRow struct {
	Type      TargetKind `json:"type"`
	Group     string     `json:"group"`
	Key       string     `json:"key"`
	Value     string     `json:"value"`
	Bucket    int        `json:"bucket"`
	Timestamp time.Time  `json:"timestamp"`
	Target    string     `json:"target"`
}
