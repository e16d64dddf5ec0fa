// Package ocm defines the wire types and error vocabulary of the federation
// protocol exchanged between servers.
package ocm

import (
	"errors"
	"fmt"
	"net/http"
)

// Share types supported by this provider. Group shares are defined by the
// wider protocol but not implemented here.
const (
	ShareTypeUser  = "user"
	ShareTypeGroup = "group"
)

// ResourceTypeCalendar is the provider id this server registers for.
const ResourceTypeCalendar = "calendar"

// Notification types this provider understands. Anything else is accepted
// and ignored for forward compatibility.
const (
	NotificationSyncCalendar  = "SYNC_CALENDAR"
	NotificationShareAccepted = "SHARE_ACCEPTED"
	NotificationShareDeclined = "SHARE_DECLINED"
	NotificationShareUnshared = "SHARE_UNSHARED"
)

// Share is the payload of POST /ocm/shares. The per-share secret and the
// calendar metadata travel inside the Protocol map; see the protocol package
// for the embedded v1 payload.
type Share struct {
	ShareWith           string         `json:"shareWith"`
	Name                string         `json:"name"`
	ProviderID          string         `json:"providerId,omitempty"`
	Owner               string         `json:"owner"`
	SharedBy            string         `json:"sharedBy"`
	OwnerDisplayName    string         `json:"ownerDisplayName,omitempty"`
	SharedByDisplayName string         `json:"sharedByDisplayName,omitempty"`
	ShareType           string         `json:"shareType"`
	ResourceType        string         `json:"resourceType"`
	Protocol            map[string]any `json:"protocol"`
}

// Notification is the payload of POST /ocm/notifications. SharedSecret,
// ShareWith and CalendarURL are only meaningful for SYNC_CALENDAR.
type Notification struct {
	Type         string `json:"type"`
	ProviderID   string `json:"providerId"`
	SharedSecret string `json:"sharedSecret,omitempty"`
	ShareWith    string `json:"shareWith,omitempty"`
	CalendarURL  string `json:"calendarUrl,omitempty"`
}

// Error carries the protocol's standard error vocabulary: an HTTP-status-like
// code plus a message safe to show to the remote peer.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

func BadRequest(message string) *Error {
	return &Error{Status: http.StatusBadRequest, Message: message}
}

func NotFound(message string) *Error {
	return &Error{Status: http.StatusNotFound, Message: message}
}

func NotImplemented(message string) *Error {
	return &Error{Status: http.StatusNotImplemented, Message: message}
}

func ServiceUnavailable(message string) *Error {
	return &Error{Status: http.StatusServiceUnavailable, Message: message}
}

// StatusOf maps an error to the HTTP status a federation endpoint should
// answer with. Non-protocol errors stay internal.
func StatusOf(err error) int {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Status
	}
	return http.StatusInternalServerError
}
