package middleware

import (
	"context"
	"net/http"
	"strings"

	"chatsync/internal/core/domain"
)

type contextKey string

const UserIDKey contextKey = "user_id"

// Authenticator verifies a credential and returns the identity it asserts.
type Authenticator interface {
	Authenticate(token string) (domain.Identity, error)
}

// AuthMiddleware accepts a Bearer header or, for websocket upgrades from
// browsers, a token query parameter.
func AuthMiddleware(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				http.Error(w, "Authorization required", http.StatusUnauthorized)
				return
			}
			identity, err := auth.Authenticate(token)
			if err != nil {
				http.Error(w, "Unauthorized: "+err.Error(), http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), UserIDKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IdentityFromContext returns the identity AuthMiddleware stored.
func IdentityFromContext(ctx context.Context) (domain.Identity, bool) {
	id, ok := ctx.Value(UserIDKey).(domain.Identity)
	return id, ok && id != ""
}

func bearerToken(r *http.Request) (string, bool) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}
	return "", false
}
