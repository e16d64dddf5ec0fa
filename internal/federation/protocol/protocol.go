// Package protocol implements the versioned key-value payload embedded in a
// calendar federation share. The codec is a pure value transform: callers
// inspect the version field and pick the matching codec before parsing.
package protocol

import (
	"errors"
	"fmt"
)

// Version is the wire version this codec produces and accepts.
const Version = 1

// Access levels transported in the protocol payload. Only read is accepted
// at share-receipt time until read-write federation lands.
const (
	AccessRead  = "read"
	AccessWrite = "write"
)

// DefaultComponents is used when the sharer does not announce a component set.
const DefaultComponents = "VEVENT,VTODO"

var (
	// ErrIncomplete marks payloads missing a required field.
	ErrIncomplete = errors.New("incomplete protocol data")
	// ErrInvalid marks payloads with fields of the wrong type.
	ErrInvalid = errors.New("invalid protocol data")
)

// V1 is the parsed form of a version-1 protocol payload.
type V1 struct {
	URL         string
	DisplayName string
	Color       string
	Access      string
	Components  string
}

// ParseV1 decodes a raw wire map into a V1 value. URL and display name are
// required; color, access and components are defaulted.
func ParseV1(raw map[string]any) (V1, error) {
	p := V1{
		Access:     AccessRead,
		Components: DefaultComponents,
	}

	var err error
	if p.URL, err = requiredString(raw, "url"); err != nil {
		return V1{}, err
	}
	if p.DisplayName, err = requiredString(raw, "displayName"); err != nil {
		return V1{}, err
	}
	if p.Color, err = optionalString(raw, "color", ""); err != nil {
		return V1{}, err
	}
	if p.Access, err = optionalString(raw, "access", AccessRead); err != nil {
		return V1{}, err
	}
	if p.Components, err = optionalString(raw, "components", DefaultComponents); err != nil {
		return V1{}, err
	}
	return p, nil
}

// WireMap encodes the payload for embedding into a share's protocol field.
func (p V1) WireMap() map[string]any {
	m := map[string]any{
		"version":     Version,
		"url":         p.URL,
		"displayName": p.DisplayName,
		"access":      p.Access,
		"components":  p.Components,
	}
	if p.Color != "" {
		m["color"] = p.Color
	}
	return m
}

// WireVersion extracts the version tag from a raw protocol map. JSON
// transport may deliver it as a float or a string.
func WireVersion(raw map[string]any) (int, bool) {
	switch v := raw["version"].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n, true
		}
	}
	return 0, false
}

func requiredString(raw map[string]any, key string) (string, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: missing %s", ErrIncomplete, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s is not a string", ErrInvalid, key)
	}
	if s == "" {
		return "", fmt.Errorf("%w: missing %s", ErrIncomplete, key)
	}
	return s, nil
}

func optionalString(raw map[string]any, key, def string) (string, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s is not a string", ErrInvalid, key)
	}
	if s == "" {
		return def, nil
	}
	return s, nil
}
