package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitea.jw6.us/james/calfed/internal/federation/cloudid"
	"gitea.jw6.us/james/calfed/internal/store"
)

type stubShares struct {
	grants map[string][]store.CalendarShare
}

func (s *stubShares) Replace(context.Context, store.CalendarShare) (*store.CalendarShare, error) {
	panic("not used")
}

func (s *stubShares) ListByPrincipal(_ context.Context, principal string) ([]store.CalendarShare, error) {
	return s.grants[principal], nil
}

func (s *stubShares) ListByCalendar(context.Context, int64) ([]store.CalendarShare, error) {
	panic("not used")
}

func (s *stubShares) Delete(context.Context, int64, string) error { panic("not used") }

var _ store.CalendarShareRepository = (*stubShares)(nil)

func testBackend(grants map[string][]store.CalendarShare) *Backend {
	return NewBackend(&stubShares{grants: grants}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func okHandler(captured *Principal) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := FromContext(r.Context()); ok && captured != nil {
			*captured = p
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareAcceptsValidCredentials(t *testing.T) {
	bob := cloudid.CloudID{User: "bob", Host: "serverB.example"}
	encoded := bob.Encode()
	grants := map[string][]store.CalendarShare{
		bob.RemotePrincipal(): {
			{ID: 1, CalendarID: 10, Principal: bob.RemotePrincipal(), Access: store.PermissionRead, Token: "s3cret"},
			{ID: 2, CalendarID: 11, Principal: bob.RemotePrincipal(), Access: store.PermissionRead | store.PermissionWrite, Token: "other"},
		},
	}

	var principal Principal
	handler := testBackend(grants).Middleware("/dav/remote-calendars")(okHandler(&principal))

	req := httptest.NewRequest("PROPFIND", "/dav/remote-calendars/"+encoded+"/abc_shared_by_alice/", nil)
	req.SetBasicAuth(encoded, "s3cret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, bob.RemotePrincipal(), principal.URI)
	assert.Equal(t, bob, principal.CloudID)
	// Only the grant whose secret matched is attached.
	require.Len(t, principal.Grants, 1)
	assert.Equal(t, int64(10), principal.Grants[0].CalendarID)
	assert.True(t, principal.CanRead(10))
	assert.False(t, principal.CanWrite(10))
	assert.False(t, principal.CanRead(11))
}

func TestMiddlewareAllowsMountRoot(t *testing.T) {
	bob := cloudid.CloudID{User: "bob", Host: "serverB.example"}
	grants := map[string][]store.CalendarShare{
		bob.RemotePrincipal(): {{CalendarID: 10, Token: "s3cret", Access: store.PermissionRead}},
	}
	handler := testBackend(grants).Middleware("/dav/remote-calendars")(okHandler(nil))

	for _, path := range []string{"/dav/remote-calendars", "/dav/remote-calendars/"} {
		req := httptest.NewRequest("PROPFIND", path, nil)
		req.SetBasicAuth(bob.Encode(), "s3cret")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, "path %q", path)
	}
}

func TestMiddlewareFailureModesAreUniform(t *testing.T) {
	bob := cloudid.CloudID{User: "bob", Host: "serverB.example"}
	carol := cloudid.CloudID{User: "carol", Host: "serverC.example"}
	grants := map[string][]store.CalendarShare{
		bob.RemotePrincipal(): {{CalendarID: 10, Token: "s3cret", Access: store.PermissionRead}},
	}
	handler := testBackend(grants).Middleware("/dav/remote-calendars")(okHandler(nil))

	cases := []struct {
		name     string
		path     string
		username string
		password string
		noAuth   bool
	}{
		{name: "no credentials", path: "/dav/remote-calendars/x/", noAuth: true},
		{name: "garbage username", path: "/dav/remote-calendars/x/", username: "!!not-base64!!", password: "s3cret"},
		{name: "unknown identity", path: "/dav/remote-calendars/" + carol.Encode() + "/", username: carol.Encode(), password: "s3cret"},
		{name: "wrong secret", path: "/dav/remote-calendars/" + bob.Encode() + "/", username: bob.Encode(), password: "wrong"},
		{name: "foreign subtree", path: "/dav/remote-calendars/" + carol.Encode() + "/", username: bob.Encode(), password: "s3cret"},
		{name: "outside mount", path: "/dav/calendars/alice/", username: bob.Encode(), password: "s3cret"},
	}

	var bodies []string
	for _, tc := range cases {
		req := httptest.NewRequest("PROPFIND", tc.path, nil)
		if !tc.noAuth {
			req.SetBasicAuth(tc.username, tc.password)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code, tc.name)
		assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"), tc.name)
		bodies = append(bodies, rec.Body.String())
	}

	// Indistinguishable responses: every failure carries the same body.
	for _, body := range bodies[1:] {
		assert.Equal(t, bodies[0], body)
	}
}

func TestFromContextWithoutPrincipal(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)
}

func TestPrincipalPermissions(t *testing.T) {
	p := Principal{Grants: []store.CalendarShare{
		{CalendarID: 1, Access: store.PermissionRead},
		{CalendarID: 2, Access: store.PermissionRead | store.PermissionWrite | store.PermissionDelete},
	}}
	assert.True(t, p.CanRead(1))
	assert.False(t, p.CanWrite(1))
	assert.True(t, p.CanRead(2))
	assert.True(t, p.CanWrite(2))
	assert.False(t, p.CanRead(3))
}

// Grant lookups happen per request; keep the stub honest about the shape of
// the principal key it receives.
func TestAuthenticateUsesRemotePrincipalURI(t *testing.T) {
	bob := cloudid.CloudID{User: "bob", Host: "serverB.example"}
	shares := &stubShares{grants: map[string][]store.CalendarShare{
		cloudid.RemotePrincipalPrefix + bob.Encode(): {{CalendarID: 10, Token: "s3cret", CreatedAt: time.Now()}},
	}}
	backend := NewBackend(shares, slog.New(slog.NewTextHandler(io.Discard, nil)))

	principal, ok := backend.authenticate(context.Background(), bob.Encode(), "s3cret")
	require.True(t, ok)
	assert.Equal(t, cloudid.RemotePrincipalPrefix+bob.Encode(), principal.URI)
}
