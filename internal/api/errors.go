package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/thorium-go/thorium/internal/apierr"
)

// APIError is the standard error response body (§7 "a kind plus a
// short message").
//
// Grounded on the teacher's internal/controlplane/server.APIError.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeJSONError writes a consistent JSON error response, logging the
// wrapped cause (never serialised to the client, per §7 "internal
// causes are logged with spans and not leaked to clients").
func writeJSONError(w http.ResponseWriter, logger *zap.Logger, err error) {
	kind := apierr.KindOf(err)
	status := kind.HTTPStatus()
	message := "internal error"

	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		message = apiErr.Message
		if apiErr.Cause != nil {
			logger.Error("api: request failed", zap.String("kind", string(kind)), zap.Error(apiErr.Cause))
		}
	} else {
		logger.Error("api: request failed", zap.String("kind", string(kind)), zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIError{Error: message, Code: string(kind)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
