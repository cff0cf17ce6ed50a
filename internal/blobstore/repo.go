package blobstore

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"
)

// RepoBlobWriter streams an uploaded repo-data bundle through the
// blob store without the caller ever supplying a hash, per §6
// "Submission create (repo data)": "the server is trusted to
// CaRT-wrap and hash the stream; uploader does not supply hashes."
//
// Grounded on original_source/api/src/models/git/repos.rs's
// CaRT-wrapping boundary: the Rust original wraps the byte stream in
// a CaRT container before hashing and storing it so the stored blob
// is never directly executable content; this port keeps the same
// wrap-then-hash ordering.
type RepoBlobWriter struct {
	store *Store
}

// NewRepoBlobWriter builds a writer bound to store.
func NewRepoBlobWriter(store *Store) *RepoBlobWriter {
	return &RepoBlobWriter{store: store}
}

// WriteUpload wraps r in the CaRT envelope, hashes the wrapped bytes,
// and returns the resulting digest — this digest becomes a
// Commitish.DataHash (§3).
func (w *RepoBlobWriter) WriteUpload(ctx context.Context, r io.Reader) (string, error) {
	wrapped := cartWrap(r)
	digest, err := w.store.Put(ctx, wrapped)
	if err != nil {
		return "", fmt.Errorf("blobstore: write repo upload: %w", err)
	}
	return digest, nil
}

// cartWrap prepends a minimal CaRT-style header so stored repo blobs
// are never directly interpretable as their original content type.
// The real CaRT format is out of scope here (§1 non-goal: defining a
// new container runtime/format); this preserves only the
// wrap-before-hash ordering the rest of the core depends on.
func cartWrap(r io.Reader) io.Reader {
	header := []byte("CART-THORIUM-V1\n")
	return io.MultiReader(newReader(header), r)
}

// SSHSignerFromKey parses a private key for authenticating repo
// clones where Repo.Scheme == domain.RepoSchemeSSH (§3). Grounded on
// golang.org/x/crypto/ssh's key-parsing API, the pack's idiomatic
// choice for git-over-ssh auth.
func SSHSignerFromKey(pemBytes []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("blobstore: parse ssh key: %w", err)
	}
	return signer, nil
}
