package api

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/thorium-go/thorium/internal/apierr"
	"github.com/thorium-go/thorium/internal/auth"
	"github.com/thorium-go/thorium/internal/authz"
	"github.com/thorium-go/thorium/internal/domain"
	"github.com/thorium-go/thorium/internal/store/submissions"
)

// submitGroups resolves and authorises every group named by the
// request for the given action, returning not_found/unauthorized
// per §4.1 before any store mutation happens.
func (s *Server) submitGroups(r *http.Request, names []string, action authz.Action) error {
	if len(names) == 0 {
		return apierr.Bad("api: groups[] is required")
	}
	user := auth.FromContext(r.Context())
	resolved, err := s.groups.Resolve(r.Context(), names)
	if err != nil {
		return err
	}
	if !authz.CanCreateAll(resolved, user) {
		return apierr.Unauthorized("user %q cannot submit to one or more of the requested groups", user.Username)
	}
	for _, g := range resolved {
		if err := authz.RequireAllowable(g, action); err != nil {
			return err
		}
	}
	return nil
}

// handleSubmitFile implements "Submission create (file)" (§6):
// multipart groups[], description, origin[*], trigger_depth,
// tags[<k>], data. Response {sha256, sha1, md5, id}.
func (s *Server) handleSubmitFile(w http.ResponseWriter, r *http.Request) {
	form, err := parseMultipart(r)
	if err != nil {
		writeJSONError(w, s.logger, err)
		return
	}

	groupNames := form.Value["groups[]"]
	if err := s.submitGroups(r, groupNames, authz.ActionFiles); err != nil {
		writeJSONError(w, s.logger, err)
		return
	}

	files := form.File["data"]
	if len(files) != 1 {
		writeJSONError(w, s.logger, apierr.Bad("api: exactly one data field is required"))
		return
	}
	if files[0].Header.Get("Content-Type") == "" {
		writeJSONError(w, s.logger, apierr.Bad("api: data field must set a content-type"))
		return
	}

	f, err := files[0].Open()
	if err != nil {
		writeJSONError(w, s.logger, apierr.Bad("api: open data field: %v", err))
		return
	}
	defer f.Close()

	sha1Sum := sha1.New()
	md5Sum := md5.New()
	buf, err := io.ReadAll(io.TeeReader(f, io.MultiWriter(sha1Sum, md5Sum)))
	if err != nil {
		writeJSONError(w, s.logger, apierr.Internal(err, "api: read data field"))
		return
	}

	sha256Hex, err := s.blobs.Put(r.Context(), bytes.NewReader(buf))
	if err != nil {
		writeJSONError(w, s.logger, apierr.Internal(err, "api: store blob"))
		return
	}

	user := auth.FromContext(r.Context())
	origin := domain.Origin{Kind: "upload", Fields: flatOriginFields(form)}

	id, err := s.submissions.Create(r.Context(), submissions.CreateRequest{
		SHA256:       sha256Hex,
		SHA1:         hex.EncodeToString(sha1Sum.Sum(nil)),
		MD5:          hex.EncodeToString(md5Sum.Sum(nil)),
		Name:         files[0].Filename,
		Description:  formValue(form, "description"),
		Origin:       origin,
		Submitter:    user.Username,
		Groups:       groupNames,
		Tags:         bracketedFields(form, "tags"),
		TriggerDepth: triggerDepth(form),
	})
	if err != nil && apierr.KindOf(err) != apierr.KindConflict {
		writeJSONError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"sha256": sha256Hex,
		"sha1":   hex.EncodeToString(sha1Sum.Sum(nil)),
		"md5":    hex.EncodeToString(md5Sum.Sum(nil)),
		"id":     id,
	})
}

// handleSubmitRepo implements "Submission create (repo data)" (§6):
// multipart groups[], data. The server hashes the stream itself; the
// uploader supplies no hashes. Response {sha256}.
func (s *Server) handleSubmitRepo(w http.ResponseWriter, r *http.Request) {
	form, err := parseMultipart(r)
	if err != nil {
		writeJSONError(w, s.logger, err)
		return
	}

	groupNames := form.Value["groups[]"]
	if err := s.submitGroups(r, groupNames, authz.ActionRepos); err != nil {
		writeJSONError(w, s.logger, err)
		return
	}

	files := form.File["data"]
	if len(files) != 1 {
		writeJSONError(w, s.logger, apierr.Bad("api: exactly one data field is required"))
		return
	}
	f, err := files[0].Open()
	if err != nil {
		writeJSONError(w, s.logger, apierr.Bad("api: open data field: %v", err))
		return
	}
	defer f.Close()

	sha256Hex, err := s.blobs.Put(r.Context(), f)
	if err != nil {
		writeJSONError(w, s.logger, apierr.Internal(err, "api: store blob"))
		return
	}

	user := auth.FromContext(r.Context())
	id, err := s.submissions.Create(r.Context(), submissions.CreateRequest{
		SHA256:      sha256Hex,
		Name:        files[0].Filename,
		Origin:      domain.Origin{Kind: "repo"},
		Submitter:   user.Username,
		Groups:      groupNames,
	})
	if err != nil && apierr.KindOf(err) != apierr.KindConflict {
		writeJSONError(w, s.logger, err)
		return
	}
	_ = id

	writeJSON(w, http.StatusCreated, map[string]string{"sha256": sha256Hex})
}
