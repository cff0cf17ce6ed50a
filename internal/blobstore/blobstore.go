// Package blobstore stands in for the object-store collaborator that
// spec.md §1 treats as external: binaries, result files, and
// attachments are content-addressed by sha256 and reference-counted
// (§3 "blobs are reference-counted via sha256 plus object-id
// indirection").
//
// Grounded on original_source/api/src/models/git/repos.rs's
// server-side CaRT-wrapping/hashing boundary for repo data uploads
// (§6 "the server is trusted to CaRT-wrap and hash the stream").
// Content addressing uses oras-go's digest-keyed content.Storage, a
// direct structural match for sha256-keyed blobs.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/content/memory"
)

// MediaTypeBlob is the media type assigned to every blob pushed
// through this store; content is opaque to ORAS, the core only cares
// about the sha256 digest.
const MediaTypeBlob = "application/vnd.thorium.blob.v1"

// Store is a content-addressed, reference-counted blob store.
type Store struct {
	content content.Storage

	mu        sync.Mutex
	refs      map[string]int      // sha256 hex -> reference count
	ephemeral map[string][]string // reaction id -> blobs it produced
}

// New returns a Store backed by an in-memory ORAS content store. A
// production deployment swaps `content` for an OCI-registry-backed or
// filesystem-backed content.Storage; the reference-counting layer
// above it is unchanged.
func New() *Store {
	return &Store{content: memory.New(), refs: map[string]int{}, ephemeral: map[string][]string{}}
}

// Put streams data into the store, computing its sha256 digest as it
// goes (chunk-by-chunk, per §5's "hashing streams chunk-by-chunk with
// yield points"), and returns the resulting hex digest.
func (s *Store) Put(ctx context.Context, data io.Reader) (string, error) {
	h := sha256.New()
	buf, err := io.ReadAll(io.TeeReader(data, h))
	if err != nil {
		return "", fmt.Errorf("blobstore: read: %w", err)
	}
	sum := hex.EncodeToString(h.Sum(nil))

	desc := ocispec.Descriptor{
		MediaType: MediaTypeBlob,
		Digest:    digest.NewDigestFromEncoded(digest.SHA256, sum),
		Size:      int64(len(buf)),
	}
	if err := s.content.Push(ctx, desc, newReader(buf)); err != nil && !isAlreadyExists(err) {
		return "", fmt.Errorf("blobstore: push: %w", err)
	}

	s.mu.Lock()
	s.refs[sum]++
	s.mu.Unlock()
	return sum, nil
}

// Get fetches a blob by its sha256 hex digest.
func (s *Store) Get(ctx context.Context, sha256hex string) (io.ReadCloser, error) {
	desc := ocispec.Descriptor{
		MediaType: MediaTypeBlob,
		Digest:    digest.NewDigestFromEncoded(digest.SHA256, sha256hex),
	}
	rc, err := s.content.Fetch(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("blobstore: fetch %s: %w", sha256hex, err)
	}
	return rc, nil
}

// Ref increments the reference count of an existing blob, used when a
// second submission/result/comment points at an already-stored blob.
func (s *Store) Ref(sha256hex string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[sha256hex]++
}

// Unref decrements the reference count and reports whether it reached
// zero, dropping the count entry in that case. The stored bytes are
// not removed.
func (s *Store) Unref(sha256hex string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs[sha256hex] <= 1 {
		delete(s.refs, sha256hex)
		return true
	}
	s.refs[sha256hex]--
	return false
}

// RefCount reports the current reference count for a blob (0 if
// untracked).
func (s *Store) RefCount(sha256hex string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[sha256hex]
}

// PutEphemeral stores data like Put, additionally scoping the
// resulting blob to reaction so a later DeleteEphemeral can release
// every blob that reaction produced without the caller tracking ids
// itself.
func (s *Store) PutEphemeral(ctx context.Context, reaction string, data io.Reader) (string, error) {
	sum, err := s.Put(ctx, data)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.ephemeral[reaction] = append(s.ephemeral[reaction], sum)
	s.mu.Unlock()
	return sum, nil
}

// DeleteEphemeral releases every blob PutEphemeral recorded under
// reaction (§4.3 "complete/fail" cleanup), satisfying
// reactions.EphemeralCleaner.
func (s *Store) DeleteEphemeral(ctx context.Context, reaction string) error {
	s.mu.Lock()
	ids := s.ephemeral[reaction]
	delete(s.ephemeral, reaction)
	s.mu.Unlock()
	for _, id := range ids {
		s.Unref(id)
	}
	return nil
}

func isAlreadyExists(err error) bool {
	return err != nil && err.Error() == "content already exists"
}

func newReader(b []byte) io.Reader { return &sliceReader{data: b} }

type sliceReader struct {
	data []byte
	pos  int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
