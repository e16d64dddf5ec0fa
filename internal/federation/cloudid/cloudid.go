// Package cloudid handles federated identities of the form user@host and
// their principal/path encodings. A cloud id may contain characters that are
// illegal in URL path segments and Basic-Auth usernames (notably ':'), so it
// travels base64-encoded wherever it has to fit into one path segment.
package cloudid

import (
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	// LocalPrincipalPrefix addresses users of this instance.
	LocalPrincipalPrefix = "principals/users/"
	// RemotePrincipalPrefix addresses users of other instances, with the
	// base64-encoded cloud id as the final segment.
	RemotePrincipalPrefix = "principals/remote-users/"
)

// CloudID identifies a user across federated servers.
type CloudID struct {
	User string
	Host string
}

// Parse splits a raw cloud id on its last '@'. The user part may itself
// contain '@' characters; the host may not.
func Parse(raw string) (CloudID, error) {
	at := strings.LastIndex(raw, "@")
	if at <= 0 || at == len(raw)-1 {
		return CloudID{}, fmt.Errorf("invalid cloud id %q", raw)
	}
	return CloudID{User: raw[:at], Host: raw[at+1:]}, nil
}

func (c CloudID) String() string {
	return c.User + "@" + c.Host
}

// Encode returns the base64 form used in URL path segments and Basic-Auth
// usernames.
func (c CloudID) Encode() string {
	return base64.URLEncoding.EncodeToString([]byte(c.String()))
}

// Decode reverses Encode.
func Decode(encoded string) (CloudID, error) {
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return CloudID{}, fmt.Errorf("decode cloud id: %w", err)
	}
	return Parse(string(raw))
}

// RemotePrincipal returns the principal URI this instance uses for a
// remote user.
func (c CloudID) RemotePrincipal() string {
	return RemotePrincipalPrefix + c.Encode()
}

// FromRemotePrincipal extracts the cloud id from a remote-user principal URI.
func FromRemotePrincipal(principal string) (CloudID, error) {
	encoded, ok := strings.CutPrefix(principal, RemotePrincipalPrefix)
	if !ok || encoded == "" || strings.Contains(encoded, "/") {
		return CloudID{}, fmt.Errorf("not a remote-user principal: %q", principal)
	}
	return Decode(encoded)
}

// LocalPrincipal returns the principal URI for a user of this instance.
func LocalPrincipal(user string) string {
	return LocalPrincipalPrefix + user
}

// UserFromLocalPrincipal extracts the local user id from a principal URI.
func UserFromLocalPrincipal(principal string) (string, error) {
	user, ok := strings.CutPrefix(principal, LocalPrincipalPrefix)
	if !ok || user == "" || strings.Contains(user, "/") {
		return "", fmt.Errorf("not a local principal: %q", principal)
	}
	return user, nil
}
