// Package keymodel implements C1: canonical keys (sha256, repo URL,
// reaction/job IDs) and the time-bucket partitioning helper every
// store package relies on.
package keymodel

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID returns a fresh random identifier for a reaction, job, result,
// comment, or network policy, grounded on the teacher's uuid-keyed
// entity IDs (internal/controlplane/jobs/types.go).
func NewID() string {
	return uuid.NewString()
}

// ValidSHA256 reports whether s is a well-formed lowercase hex sha256
// digest.
func ValidSHA256(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil && strings.ToLower(s) == s
}

// PartitionChunkDays is the day-of-year chunk size every store package
// uses when calling Partition for samples/tags/results rows, keeping
// same-month writes colocated without one bucket per day.
const PartitionChunkDays = 30

// Partition buckets a timestamp into (year, bucket) for the §6
// tabular schema partition keys, per "time bucket derived as
// partition(uploaded, year, chunk)".
//
// chunk is the number of days per bucket (bucket = day-of-year /
// chunk); a day-of-year based bucket keeps same-day rows colocated while bounding partition
// fan-out, matching the 2500-row "logs" bucket divisor style
// described in §6.
func Partition(ts time.Time, chunk int) (year int, bucket int) {
	if chunk <= 0 {
		chunk = 1
	}
	ts = ts.UTC()
	dayOfYear := ts.YearDay()
	return ts.Year(), dayOfYear / chunk
}

// LogBucket buckets a log line index into its storage bucket; §6
// specifies "bucket = index/2500" for the logs table.
func LogBucket(index int) int {
	const bucketSize = 2500
	return index / bucketSize
}

// NormalizeRepoURL strips the scheme and a trailing ".git" suffix and
// collapses empty path segments, per §3 Repo's "URL is normalised"
// invariant (grounded on original_source's git/repos.rs).
func NormalizeRepoURL(raw string) string {
	u := raw
	if idx := strings.Index(u, "://"); idx >= 0 {
		u = u[idx+3:]
	}
	u = strings.TrimSuffix(u, ".git")

	segments := strings.Split(u, "/")
	kept := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		kept = append(kept, seg)
	}
	return strings.Join(kept, "/")
}

// ChunkStrings splits items into slices of at most size elements, used
// throughout §4.2/§4.5 to keep queries under store predicate limits
// (chunks of 50, 98, or 100 depending on the call site).
func ChunkStrings(items []string, size int) [][]string {
	if size <= 0 {
		size = len(items)
		if size == 0 {
			size = 1
		}
	}
	var out [][]string
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}

// GroupKey renders the "<g>:<p>:..." colon-separated prefix used by
// the kv store layout in §6.
func GroupKey(parts ...string) string {
	return strings.Join(parts, ":")
}

// ResultKey renders the result-store target key for a (target, tool)
// pair, e.g. "sha256:abcd...#tool".
func ResultKey(target, tool string) string {
	return fmt.Sprintf("%s#%s", target, tool)
}
