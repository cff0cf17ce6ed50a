// Package api implements the §6 external HTTP interface: multipart
// submission create (file and repo-data variants), multipart result
// create, and the cursor-based list endpoint.
//
// Grounded on the teacher's internal/controlplane/server package for
// the overall shape (stdlib net/http.ServeMux with Go 1.22+
// "METHOD /path/{param}" registration, a Server struct wrapping its
// collaborators, writeJSONError/APIError for error responses,
// maxBodySizeMiddleware for request-size limits) — narrowed to the
// three endpoint groups §6 names instead of the teacher's much larger
// fleet-management surface.
package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/thorium-go/thorium/internal/auth"
	"github.com/thorium-go/thorium/internal/blobstore"
	"github.com/thorium-go/thorium/internal/metrics"
	"github.com/thorium-go/thorium/internal/rowstore"
	"github.com/thorium-go/thorium/internal/store/groups"
	"github.com/thorium-go/thorium/internal/store/results"
	"github.com/thorium-go/thorium/internal/store/submissions"
	"github.com/thorium-go/thorium/internal/telemetry"
)

// Server wires the §6 HTTP surface to its store/blobstore
// collaborators.
type Server struct {
	submissions *submissions.Store
	results     *results.Store
	blobs       *blobstore.Store
	groups      *groups.Store
	rows        rowstore.RowStore
	logger      *zap.Logger

	http *http.Server
}

// New builds a Server listening on addr, authenticating requests
// against keys.
func New(addr string, keys *auth.Keys, subs *submissions.Store, res *results.Store, blobs *blobstore.Store, grp *groups.Store, rows rowstore.RowStore, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		submissions: subs,
		results:     res,
		blobs:       blobs,
		groups:      grp,
		rows:        rows,
		logger:      logger,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	var handler http.Handler = mux
	handler = auth.Middleware(keys)(handler)
	handler = maxBodySizeMiddleware(handler)
	handler = s.loggingMiddleware(handler)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	s.logger.Info("api: listening", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// loggingMiddleware records per-route request metrics (§7 observability
// surface) and a structured access log line, grounded on the
// teacher's zap.Logger-everywhere idiom.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := telemetry.StartRequestSpan(r)
		r = r.WithContext(ctx)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		telemetry.EndRequestSpan(span, sw.status)

		outcome := "ok"
		if sw.status >= 400 {
			outcome = "error"
		}
		metrics.RecordRequest(r.URL.Path, outcome, time.Since(start))
		s.logger.Info("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
