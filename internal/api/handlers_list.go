package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/thorium-go/thorium/internal/apierr"
	"github.com/thorium-go/thorium/internal/auth"
	"github.com/thorium-go/thorium/internal/authz"
	"github.com/thorium-go/thorium/internal/domain"
	"github.com/thorium-go/thorium/internal/store/cursor"
)

// handleList implements the §6 cursor list endpoint: query params
// groups[], start=now, end?, tags[<k>][]=v, cursor?, limit=50.
// Response {data:[line], cursor?}.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	groupNames := query["groups[]"]
	if len(groupNames) == 0 {
		writeJSONError(w, s.logger, apierr.Bad("api: groups[] is required"))
		return
	}

	user := auth.FromContext(r.Context())
	resolved, err := s.groups.Resolve(r.Context(), groupNames)
	if err != nil {
		writeJSONError(w, s.logger, err)
		return
	}
	for _, g := range resolved {
		if err := authz.RequireViewable(g, user); err != nil {
			writeJSONError(w, s.logger, err)
			return
		}
	}

	req := cursor.ListRequest{
		Type:   domain.TargetKind(query.Get("type")),
		Groups: groupNames,
		Tags:   queryTags(query),
		Cursor: query.Get("cursor"),
		Limit:  cursor.DefaultLimit,
	}
	if req.Type == "" {
		req.Type = domain.TargetSample
	}

	if raw := query.Get("start"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSONError(w, s.logger, apierr.Bad("api: invalid start: %v", err))
			return
		}
		req.Start = t
	}
	if raw := query.Get("end"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSONError(w, s.logger, apierr.Bad("api: invalid end: %v", err))
			return
		}
		req.End = t
	}
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONError(w, s.logger, apierr.Bad("api: invalid limit"))
			return
		}
		req.Limit = n
	}

	resp, err := cursor.List(r.Context(), s.rows, req)
	if err != nil {
		writeJSONError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// queryTags collects every "tags[<k>][]" query key into the nested
// map cursor.ListRequest.Tags expects.
func queryTags(query map[string][]string) map[string][]string {
	out := map[string][]string{}
	for key, values := range query {
		if !strings.HasPrefix(key, "tags[") {
			continue
		}
		rest := key[len("tags["):]
		end := strings.Index(rest, "]")
		if end < 0 {
			continue
		}
		name := rest[:end]
		out[name] = append(out[name], values...)
	}
	return out
}
