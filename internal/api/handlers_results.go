package api

import (
	"bytes"
	"io"
	"net/http"

	"github.com/thorium-go/thorium/internal/apierr"
	"github.com/thorium-go/thorium/internal/auth"
	"github.com/thorium-go/thorium/internal/authz"
	"github.com/thorium-go/thorium/internal/domain"
	"github.com/thorium-go/thorium/internal/store/results"
)

// handleCreateResult implements "Result create" (§6): multipart
// groups[], target, tool, tool_version?, cmd?, result, display_type,
// files[] (repeatable, each an attached blob). Response {id}.
func (s *Server) handleCreateResult(w http.ResponseWriter, r *http.Request) {
	form, err := parseMultipart(r)
	if err != nil {
		writeJSONError(w, s.logger, err)
		return
	}

	groupNames := form.Value["groups[]"]
	if err := s.submitGroups(r, groupNames, authz.ActionResults); err != nil {
		writeJSONError(w, s.logger, err)
		return
	}

	target := formValue(form, "target")
	tool := formValue(form, "tool")
	if target == "" || tool == "" {
		writeJSONError(w, s.logger, apierr.Bad("api: target and tool are required"))
		return
	}

	displayType := domain.DisplayType(formValue(form, "display_type"))
	if displayType == "" {
		displayType = domain.DisplayJson
	}

	payload := []byte(formValue(form, "result"))

	fileHeaders := form.File["files[]"]
	fileIDs := make([]string, 0, len(fileHeaders))
	for _, fh := range fileHeaders {
		f, err := fh.Open()
		if err != nil {
			writeJSONError(w, s.logger, apierr.Bad("api: open files[] field: %v", err))
			return
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, f); err != nil {
			f.Close()
			writeJSONError(w, s.logger, apierr.Internal(err, "api: read files[] field"))
			return
		}
		f.Close()
		id, err := s.blobs.Put(r.Context(), bytes.NewReader(buf.Bytes()))
		if err != nil {
			writeJSONError(w, s.logger, apierr.Internal(err, "api: store files[] blob"))
			return
		}
		fileIDs = append(fileIDs, id)
	}

	_ = auth.FromContext(r.Context()) // submitter recorded by the parent submission, not the result

	id, err := s.results.Create(r.Context(), results.CreateRequest{
		Target:      target,
		Tool:        tool,
		ToolVersion: formValue(form, "tool_version"),
		Cmd:         formValue(form, "cmd"),
		Groups:      groupNames,
		DisplayType: displayType,
		Payload:     payload,
		Files:       fileIDs,
	})
	if err != nil {
		writeJSONError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}
