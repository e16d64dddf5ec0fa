package store

import (
	"context"
	"time"

	"github.com/samber/mo"
)

// Lookups return mo.Option values when absence is a normal outcome the
// caller branches on; errors are reserved for real persistence failures.

// CalendarRepository handles local calendars.
type CalendarRepository interface {
	Create(ctx context.Context, cal Calendar) (*Calendar, error)
	GetByID(ctx context.Context, id int64) (mo.Option[Calendar], error)
	GetByOwnerAndURI(ctx context.Context, owner, uri string) (mo.Option[Calendar], error)
	ListByOwner(ctx context.Context, owner string) ([]Calendar, error)
	Delete(ctx context.Context, id int64) error
}

// EventRepository handles local calendar objects.
type EventRepository interface {
	Upsert(ctx context.Context, event Event) (*Event, error)
	GetByUID(ctx context.Context, calendarID int64, uid string) (mo.Option[Event], error)
	ListForCalendar(ctx context.Context, calendarID int64) ([]Event, error)
	DeleteByUID(ctx context.Context, calendarID int64, uid string) error
}

// CalendarChangeRepository maintains the per-calendar change journal
// served to federated consumers via sync-collection.
type CalendarChangeRepository interface {
	Record(ctx context.Context, calendarID int64, uid string, deleted bool) (seq int64, err error)
	ListSince(ctx context.Context, calendarID, sinceSeq int64) ([]CalendarChange, error)
	CurrentSeq(ctx context.Context, calendarID int64) (int64, error)
}

// CalendarShareRepository tracks which remote principals a local calendar
// has been shared with, and the per-share secret presented on inbound
// requests.
type CalendarShareRepository interface {
	// Replace removes any existing grant for (calendarID, principal)
	// before inserting, so re-sharing refreshes the secret.
	Replace(ctx context.Context, share CalendarShare) (*CalendarShare, error)
	ListByPrincipal(ctx context.Context, principal string) ([]CalendarShare, error)
	ListByCalendar(ctx context.Context, calendarID int64) ([]CalendarShare, error)
	Delete(ctx context.Context, calendarID int64, principal string) error
}

// FederatedCalendarRepository persists inbound federated calendars.
type FederatedCalendarRepository interface {
	Create(ctx context.Context, fc FederatedCalendar) (*FederatedCalendar, error)
	GetByID(ctx context.Context, id int64) (mo.Option[FederatedCalendar], error)
	GetByPrincipalAndURI(ctx context.Context, principalURI, uri string) (mo.Option[FederatedCalendar], error)
	ListByPrincipal(ctx context.Context, principalURI string) ([]FederatedCalendar, error)
	// FindForNotification matches remote URL, principal and shared secret;
	// all three must agree before a notification may trigger a sync.
	FindForNotification(ctx context.Context, remoteURL, principalURI, token string) ([]FederatedCalendar, error)
	UpdateSyncState(ctx context.Context, id, syncToken int64, lastSync time.Time) error
	TouchLastSync(ctx context.Context, id int64, lastSync time.Time) error
	UpdateDisplayProps(ctx context.Context, id int64, displayName string, color *string) error
	Delete(ctx context.Context, id int64) error
	DeleteByPrincipalAndURI(ctx context.Context, principalURI, uri string) error
}

// FederatedEventRepository stores the mirrored objects of a federated
// calendar, keyed by their remote object path.
type FederatedEventRepository interface {
	Upsert(ctx context.Context, event FederatedEvent) (*FederatedEvent, error)
	GetByPath(ctx context.Context, federatedID int64, path string) (mo.Option[FederatedEvent], error)
	ListForCalendar(ctx context.Context, federatedID int64) ([]FederatedEvent, error)
	DeleteByPath(ctx context.Context, federatedID int64, path string) error
	DeleteForCalendar(ctx context.Context, federatedID int64) error
}

// JobRepository is the enqueue/dequeue contract for background jobs.
// Enqueue is idempotent per (kind, args).
type JobRepository interface {
	Enqueue(ctx context.Context, kind string, args map[string]string) error
	Remove(ctx context.Context, kind string, args map[string]string) error
	Due(ctx context.Context, now time.Time, limit int) ([]Job, error)
	Reschedule(ctx context.Context, id int64, ranAt, notBefore time.Time) error
}
