package api

import "net/http"

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /api/v1/submissions/file", s.handleSubmitFile)
	mux.HandleFunc("POST /api/v1/submissions/repo", s.handleSubmitRepo)
	mux.HandleFunc("POST /api/v1/results", s.handleCreateResult)
	mux.HandleFunc("GET /api/v1/list", s.handleList)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
