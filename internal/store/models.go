package store

import "time"

// Permission bits stored on federated calendars and share grants.
const (
	PermissionRead   = 1
	PermissionWrite  = 2
	PermissionDelete = 4
)

// Calendar is a locally owned CalDAV calendar that may be shared with
// remote users via federation.
type Calendar struct {
	ID          int64
	Owner       string // local user id, e.g. "alice"
	URI         string
	DisplayName string
	Color       *string
	Components  string // comma-separated, e.g. "VEVENT,VTODO"
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Event stores raw iCalendar payload and metadata for a local calendar.
type Event struct {
	ID           int64
	CalendarID   int64
	UID          string
	RawICAL      string
	ETag         string
	LastModified time.Time
}

// CalendarChange is one entry in a calendar's change journal. The journal
// backs the sync-collection REPORTs served to federated consumers; Seq is
// the numeric part of the sync token handed out to them.
type CalendarChange struct {
	ID         int64
	CalendarID int64
	UID        string
	Deleted    bool
	Seq        int64
	ChangedAt  time.Time
}

// CalendarShare records one remote recipient of a local calendar. Token is
// the per-share bearer secret: the inbound auth backend compares it against
// presented Basic-Auth passwords, and revocation notifications echo it back
// to the recipient as proof of authority.
type CalendarShare struct {
	ID         int64
	CalendarID int64
	Principal  string // "principals/remote-users/<base64 cloud id>"
	Access     int
	Token      string
	CreatedAt  time.Time
}

// FederatedCalendar is an inbound federated calendar: a read-only replica
// of a calendar another server shared with a local user.
type FederatedCalendar struct {
	ID                  int64
	PrincipalURI        string // "principals/users/<local user>"
	URI                 string // md5 of RemoteURL, unique per principal
	DisplayName         string
	Color               *string
	Permissions         int
	SyncToken           int64 // 0 = never synced
	RemoteURL           string
	Token               string // bearer secret for outbound pulls
	LastSync            *time.Time
	SharedBy            string // cloud id of the sharer
	SharedByDisplayName string
	Components          string
}

// FederatedEvent is a mirrored calendar object belonging to a federated
// calendar. Path is the object path on the remote server.
type FederatedEvent struct {
	ID           int64
	FederatedID  int64
	Path         string
	UID          string
	RawICAL      string
	ETag         string
	LastModified time.Time
}

// Job is a queued background task, deduplicated by (Kind, Args).
type Job struct {
	ID        int64
	Kind      string
	Args      map[string]string
	NotBefore time.Time
	LastRun   *time.Time
	CreatedAt time.Time
}
