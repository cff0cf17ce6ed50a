package keymodel

import (
	"testing"
	"time"
)

func TestNormalizeRepoURL(t *testing.T) {
	cases := map[string]string{
		"https://github.com/org/repo.git":  "github.com/org/repo",
		"git@github.com:org/repo.git":      "git@github.com:org/repo",
		"https://github.com//org//repo//":  "github.com/org/repo",
		"http://example.com/a/b":           "example.com/a/b",
	}
	for in, want := range cases {
		if got := NormalizeRepoURL(in); got != want {
			t.Errorf("NormalizeRepoURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidSHA256(t *testing.T) {
	valid := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if !ValidSHA256(valid) {
		t.Errorf("expected %q to be valid", valid)
	}
	if ValidSHA256("not-a-hash") {
		t.Error("expected short string to be invalid")
	}
	if ValidSHA256(valid[:63] + "G") {
		t.Error("expected non-hex suffix to be invalid")
	}
}

func TestChunkStrings(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e"}
	chunks := ChunkStrings(items, 2)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 2 || len(chunks[2]) != 1 {
		t.Fatalf("unexpected chunk sizes: %v", chunks)
	}
}

func TestPartitionStableWithinChunk(t *testing.T) {
	base := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	y1, b1 := Partition(base, 10)
	y2, b2 := Partition(base.Add(2*time.Hour), 10)
	if y1 != y2 || b1 != b2 {
		t.Errorf("expected same-day timestamps to share a bucket, got (%d,%d) vs (%d,%d)", y1, b1, y2, b2)
	}
}

func TestLogBucket(t *testing.T) {
	if LogBucket(0) != 0 {
		t.Errorf("LogBucket(0) = %d, want 0", LogBucket(0))
	}
	if LogBucket(2500) != 1 {
		t.Errorf("LogBucket(2500) = %d, want 1", LogBucket(2500))
	}
	if LogBucket(4999) != 1 {
		t.Errorf("LogBucket(4999) = %d, want 1", LogBucket(4999))
	}
}
