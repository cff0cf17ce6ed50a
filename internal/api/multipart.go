package api

import (
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/thorium-go/thorium/internal/apierr"
)

// maxMemoryMultipart is how much of a multipart body ParseMultipartForm
// buffers in memory before spilling file parts to temp files.
const maxMemoryMultipart = 32 << 20 // 32 MiB

// parseMultipart parses r's body as multipart/form-data, translating
// the stdlib's generic error into a bad request.
func parseMultipart(r *http.Request) (*multipart.Form, error) {
	if err := r.ParseMultipartForm(maxMemoryMultipart); err != nil {
		return nil, apierr.Bad("api: invalid multipart body: %v", err)
	}
	return r.MultipartForm, nil
}

// bracketedFields collects every value-field key[*] value matching the
// "<prefix>[<name>]" pattern §6 uses for origin[*] and tags[<k>],
// keyed by the bracketed name.
func bracketedFields(form *multipart.Form, prefix string) map[string][]string {
	out := map[string][]string{}
	for key, values := range form.Value {
		if !strings.HasPrefix(key, prefix+"[") || !strings.HasSuffix(key, "]") {
			continue
		}
		name := key[len(prefix)+1 : len(key)-1]
		out[name] = append(out[name], values...)
	}
	return out
}

// flatOriginFields collapses origin[*]'s multi-value map down to a
// single value per key, since domain.Origin.Fields is a flat map.
func flatOriginFields(form *multipart.Form) map[string]string {
	nested := bracketedFields(form, "origin")
	out := make(map[string]string, len(nested))
	for k, v := range nested {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func formValue(form *multipart.Form, key string) string {
	if v, ok := form.Value[key]; ok && len(v) > 0 {
		return v[0]
	}
	return ""
}

func triggerDepth(form *multipart.Form) int {
	raw := formValue(form, "trigger_depth")
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
