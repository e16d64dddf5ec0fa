package cloudid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	id, err := Parse("alice@serverA.example")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.User)
	assert.Equal(t, "serverA.example", id.Host)
}

func TestParseSplitsOnLastAt(t *testing.T) {
	id, err := Parse("alice@corp@serverA.example")
	require.NoError(t, err)
	assert.Equal(t, "alice@corp", id.User)
	assert.Equal(t, "serverA.example", id.Host)
}

func TestParseInvalid(t *testing.T) {
	for _, raw := range []string{"", "alice", "@serverA.example", "alice@"} {
		_, err := Parse(raw)
		assert.Error(t, err, "raw=%q", raw)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	id := CloudID{User: "alice:with:colons", Host: "serverA.example"}
	encoded := id.Encode()

	// The encoded form must be usable as a path segment and a Basic-Auth
	// username.
	assert.NotContains(t, encoded, ":")
	assert.NotContains(t, encoded, "/")

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, id, decoded)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode("!!!not-base64!!!")
	assert.Error(t, err)
}

func TestRemotePrincipalRoundTrip(t *testing.T) {
	id := CloudID{User: "bob", Host: "serverB.example"}
	principal := id.RemotePrincipal()
	assert.True(t, strings.HasPrefix(principal, RemotePrincipalPrefix))

	back, err := FromRemotePrincipal(principal)
	require.NoError(t, err)
	assert.Equal(t, id, back)
}

func TestFromRemotePrincipalRejectsLocal(t *testing.T) {
	_, err := FromRemotePrincipal("principals/users/alice")
	assert.Error(t, err)

	_, err = FromRemotePrincipal(RemotePrincipalPrefix + "abc/def")
	assert.Error(t, err)
}

func TestLocalPrincipal(t *testing.T) {
	assert.Equal(t, "principals/users/alice", LocalPrincipal("alice"))

	user, err := UserFromLocalPrincipal("principals/users/alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	_, err = UserFromLocalPrincipal("principals/remote-users/abc")
	assert.Error(t, err)
}
