// Package auth resolves HTTP requests to an authenticated
// domain.User from the keys.yml credential set (§6 "--auth <path>").
// Thorium treats the actual identity provider as an external
// collaborator (spec Non-goals); this package only implements the
// static bearer-token mapping the scheduler/API processes load from
// that file.
//
// Grounded on the teacher's internal/controlplane/auth middleware
// (Bearer-token extraction, request-context attachment), narrowed from
// its dual API-key/session-cookie paths to keys.yml's single
// token-to-principal table.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/thorium-go/thorium/internal/config"
	"github.com/thorium-go/thorium/internal/domain"
)

type contextKey string

const userContextKey contextKey = "thorium-user"

// FromContext retrieves the authenticated user attached by Middleware.
func FromContext(ctx context.Context) *domain.User {
	u, _ := ctx.Value(userContextKey).(*domain.User)
	return u
}

// Keys is the token -> user lookup table loaded from keys.yml.
type Keys struct {
	byToken map[string]*domain.User
}

// NewKeys indexes the parsed keys.yml document by token.
func NewKeys(keys config.AuthKeys) *Keys {
	byToken := make(map[string]*domain.User, len(keys.Keys))
	for _, k := range keys.Keys {
		role := domain.UserRoleUser
		if k.Role != "" {
			role = domain.UserRole(k.Role)
		}
		byToken[k.Token] = &domain.User{
			Username: k.Username,
			Role:     role,
			Groups:   map[string]bool{},
		}
	}
	return &Keys{byToken: byToken}
}

// Authenticate resolves a bearer token to its user, or nil if unknown.
func (k *Keys) Authenticate(token string) *domain.User {
	return k.byToken[token]
}

// Middleware extracts "Authorization: Bearer <token>", resolves it
// against keys, and attaches the user to the request context.
// Requests with no, malformed, or unrecognised credentials are
// rejected with 401 before reaching next.
func Middleware(keys *Keys) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			token = strings.TrimSpace(token)
			if !ok || token == "" {
				http.Error(w, `{"error":"authentication required","code":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			user := keys.Authenticate(token)
			if user == nil {
				http.Error(w, `{"error":"invalid token","code":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), userContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
