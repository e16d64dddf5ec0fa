package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func protectedHandler(users map[string]string) http.Handler {
	return Middleware(users)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _ := UserFromContext(r.Context())
		_, _ = w.Write([]byte(user))
	}))
}

func TestMiddlewarePlaintextPassword(t *testing.T) {
	handler := protectedHandler(map[string]string{"alice": "hunter2"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth("alice", "hunter2")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", rec.Body.String())
}

func TestMiddlewareBcryptPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	handler := protectedHandler(map[string]string{"alice": string(hash)})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth("alice", "hunter2")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth("alice", "wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareRejections(t *testing.T) {
	handler := protectedHandler(map[string]string{"alice": "hunter2"})

	cases := []struct {
		name     string
		username string
		password string
		noAuth   bool
	}{
		{name: "missing credentials", noAuth: true},
		{name: "unknown user", username: "mallory", password: "hunter2"},
		{name: "wrong password", username: "alice", password: "wrong"},
		{name: "empty password", username: "alice", password: ""},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if !tc.noAuth {
			req.SetBasicAuth(tc.username, tc.password)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code, tc.name)
		assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"), tc.name)
	}
}

// A user whose configured value is empty must never authenticate, even with
// an empty password.
func TestVerifyEmptyStoredValue(t *testing.T) {
	assert.False(t, verify("", ""))
	assert.False(t, verify("", "anything"))
}

func TestIsBcryptHash(t *testing.T) {
	assert.True(t, isBcryptHash("$2a$10$abcdefg"))
	assert.True(t, isBcryptHash("$2b$12$abcdefg"))
	assert.True(t, isBcryptHash("$2y$10$abcdefg"))
	assert.False(t, isBcryptHash("hunter2"))
	assert.False(t, isBcryptHash("$1$md5crypt"))
}
