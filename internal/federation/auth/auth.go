// Package auth authenticates inbound requests from federated servers
// against the per-share bearer secrets handed out by the sharing service.
//
// A remote server authenticates with HTTP Basic auth: the username is the
// base64-encoded cloud id of the recipient, the password the shared secret
// it received with the share. One authenticated identity is bound to its
// own mount subtree; reaching for another recipient's path fails exactly
// like a bad password so probing reveals nothing.
package auth

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	httperrors "gitea.jw6.us/james/calfed/internal/http/errors"

	"gitea.jw6.us/james/calfed/internal/federation/cloudid"
	"gitea.jw6.us/james/calfed/internal/federation/mount"
	"gitea.jw6.us/james/calfed/internal/store"
)

type contextKey struct{}

// Principal is an authenticated remote identity together with the share
// grants its secret unlocked.
type Principal struct {
	// URI is the remote-user principal, principals/remote-users/<b64>.
	URI string
	// CloudID is the decoded federated identity.
	CloudID cloudid.CloudID
	// Grants are the shares whose token matched the presented password.
	Grants []store.CalendarShare
}

// CanRead reports whether the principal holds read access on a calendar.
func (p Principal) CanRead(calendarID int64) bool {
	return p.permission(calendarID)&store.PermissionRead != 0
}

// CanWrite reports whether the principal holds write access on a calendar.
func (p Principal) CanWrite(calendarID int64) bool {
	return p.permission(calendarID)&store.PermissionWrite != 0
}

func (p Principal) permission(calendarID int64) int {
	for _, g := range p.Grants {
		if g.CalendarID == calendarID {
			return g.Access
		}
	}
	return 0
}

// FromContext returns the principal stored by the middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}

// WithPrincipal attaches a principal to the context the way the middleware
// does. Exposed for handler tests.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// Backend validates federated credentials against stored share grants.
type Backend struct {
	shares store.CalendarShareRepository
	logger *slog.Logger
}

func NewBackend(shares store.CalendarShareRepository, logger *slog.Logger) *Backend {
	return &Backend{shares: shares, logger: logger}
}

// Middleware guards the federated mount. It authenticates the request,
// verifies the path stays inside the caller's own subtree and attaches the
// principal to the request context.
//
// The mountPath is the URL prefix under which the remote-calendars tree is
// served, e.g. "/dav/remote-calendars".
func (b *Backend) Middleware(mountPath string) func(http.Handler) http.Handler {
	prefix := strings.TrimSuffix(mountPath, "/") + "/"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username, password, ok := r.BasicAuth()
			if !ok {
				challenge(w)
				return
			}

			principal, ok := b.authenticate(r.Context(), username, password)
			if !ok {
				// Every failure mode gets the same answer so a
				// caller cannot tell bad user from bad secret.
				httperrors.LogInfo(r, "federated authentication failed")
				challenge(w)
				return
			}

			if !withinOwnSubtree(r.URL.Path, prefix, username) {
				httperrors.LogInfo(r, "federated principal addressed foreign subtree",
					"principal", principal.URI)
				challenge(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

func (b *Backend) authenticate(ctx context.Context, username, password string) (Principal, bool) {
	id, err := cloudid.Decode(username)
	if err != nil {
		return Principal{}, false
	}
	uri := cloudid.RemotePrincipalPrefix + username

	grants, err := b.shares.ListByPrincipal(ctx, uri)
	if err != nil {
		b.logger.Error("loading share grants failed", "principal", uri, "error", err)
		return Principal{}, false
	}

	matched := make([]store.CalendarShare, 0, len(grants))
	for _, g := range grants {
		if subtle.ConstantTimeCompare([]byte(g.Token), []byte(password)) == 1 {
			matched = append(matched, g)
		}
	}
	if len(matched) == 0 {
		return Principal{}, false
	}
	return Principal{URI: uri, CloudID: id, Grants: matched}, true
}

// withinOwnSubtree checks that the request path, below the mount prefix,
// starts with the authenticated recipient's own encoded cloud id. The mount
// root itself is allowed for collection discovery.
func withinOwnSubtree(path, prefix, encodedID string) bool {
	trimmed := strings.TrimSuffix(path, "/")
	if trimmed == strings.TrimSuffix(prefix, "/") {
		return true
	}
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok {
		return false
	}
	segment, _, _ := strings.Cut(rest, "/")
	return segment == encodedID
}

func challenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="`+mount.Prefix+`"`)
	http.Error(w, "username or password incorrect", http.StatusUnauthorized)
}
