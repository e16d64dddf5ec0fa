// Package auth authenticates local users of this instance. Credentials come
// from configuration as a username -> password map; a value starting with a
// bcrypt prefix is treated as a hash, anything else is compared in constant
// time as a literal password.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

type contextKey struct{}

// UserFromContext returns the authenticated local user id.
func UserFromContext(ctx context.Context) (string, bool) {
	user, ok := ctx.Value(contextKey{}).(string)
	return user, ok
}

// WithUser returns a context carrying an authenticated user id. Exposed for
// handler tests.
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

// Middleware guards routes with HTTP Basic auth against the configured
// user map.
func Middleware(users map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username, password, ok := r.BasicAuth()
			if !ok || !verify(users[username], password) {
				w.Header().Set("WWW-Authenticate", `Basic realm="calfed"`)
				http.Error(w, "username or password incorrect", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), username)))
		})
	}
}

func verify(stored, presented string) bool {
	if stored == "" {
		return false
	}
	if isBcryptHash(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}
