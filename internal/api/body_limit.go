package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/thorium-go/thorium/internal/apierr"
)

// maxBodyBytes bounds the largest request this process accepts before
// reading a byte of it. Submission/result creation streams blob
// content through the same request, so the limit is far larger than a
// typical JSON API's — still finite, since an unbounded multipart body
// would let one upload exhaust memory (§4.2 "CaRT-wrap and hash the
// stream").
//
// Grounded on the teacher's internal/controlplane/server
// maxBodySizeMiddleware (same Content-Length pre-check plus
// http.MaxBytesReader wrapping), with the limit raised from the
// teacher's 1 MiB JSON-body ceiling to fit binary uploads.
const maxBodyBytes int64 = 1 << 30 // 1 GiB

func maxBodySizeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			if r.ContentLength > maxBodyBytes {
				writeJSONError(w, zap.NewNop(), apierr.Bad("request body too large (limit %d bytes)", maxBodyBytes))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}
