package dav

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/samber/mo"

	"gitea.jw6.us/james/calfed/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCalendarRepo struct {
	calendars map[int64]*store.Calendar
}

func (f *fakeCalendarRepo) Create(ctx context.Context, cal store.Calendar) (*store.Calendar, error) {
	if f.calendars == nil {
		f.calendars = map[int64]*store.Calendar{}
	}
	cal.ID = int64(len(f.calendars) + 1)
	copy := cal
	f.calendars[cal.ID] = &copy
	return &copy, nil
}

func (f *fakeCalendarRepo) GetByID(ctx context.Context, id int64) (mo.Option[store.Calendar], error) {
	if cal, ok := f.calendars[id]; ok {
		return mo.Some(*cal), nil
	}
	return mo.None[store.Calendar](), nil
}

func (f *fakeCalendarRepo) GetByOwnerAndURI(ctx context.Context, owner, uri string) (mo.Option[store.Calendar], error) {
	for _, cal := range f.calendars {
		if cal.Owner == owner && cal.URI == uri {
			return mo.Some(*cal), nil
		}
	}
	return mo.None[store.Calendar](), nil
}

func (f *fakeCalendarRepo) ListByOwner(ctx context.Context, owner string) ([]store.Calendar, error) {
	var result []store.Calendar
	for _, cal := range f.calendars {
		if cal.Owner == owner {
			result = append(result, *cal)
		}
	}
	return result, nil
}

func (f *fakeCalendarRepo) Delete(ctx context.Context, id int64) error {
	delete(f.calendars, id)
	return nil
}

type fakeEventRepo struct {
	events map[string]*store.Event
}

func (f *fakeEventRepo) key(calendarID int64, uid string) string {
	return fmt.Sprintf("%d:%s", calendarID, uid)
}

func (f *fakeEventRepo) Upsert(ctx context.Context, event store.Event) (*store.Event, error) {
	if f.events == nil {
		f.events = map[string]*store.Event{}
	}
	copy := event
	f.events[f.key(event.CalendarID, event.UID)] = &copy
	return &copy, nil
}

func (f *fakeEventRepo) GetByUID(ctx context.Context, calendarID int64, uid string) (mo.Option[store.Event], error) {
	if event, ok := f.events[f.key(calendarID, uid)]; ok {
		return mo.Some(*event), nil
	}
	return mo.None[store.Event](), nil
}

func (f *fakeEventRepo) ListForCalendar(ctx context.Context, calendarID int64) ([]store.Event, error) {
	var result []store.Event
	for _, event := range f.events {
		if event.CalendarID == calendarID {
			result = append(result, *event)
		}
	}
	return result, nil
}

func (f *fakeEventRepo) DeleteByUID(ctx context.Context, calendarID int64, uid string) error {
	delete(f.events, f.key(calendarID, uid))
	return nil
}

type fakeChangeRepo struct {
	changes map[int64][]store.CalendarChange
	seq     int64
}

func (f *fakeChangeRepo) Record(ctx context.Context, calendarID int64, uid string, deleted bool) (int64, error) {
	if f.changes == nil {
		f.changes = map[int64][]store.CalendarChange{}
	}
	f.seq++
	f.changes[calendarID] = append(f.changes[calendarID], store.CalendarChange{
		CalendarID: calendarID,
		UID:        uid,
		Deleted:    deleted,
		Seq:        f.seq,
		ChangedAt:  time.Now(),
	})
	return f.seq, nil
}

func (f *fakeChangeRepo) ListSince(ctx context.Context, calendarID, sinceSeq int64) ([]store.CalendarChange, error) {
	var result []store.CalendarChange
	for _, change := range f.changes[calendarID] {
		if change.Seq > sinceSeq {
			result = append(result, change)
		}
	}
	return result, nil
}

func (f *fakeChangeRepo) CurrentSeq(ctx context.Context, calendarID int64) (int64, error) {
	var max int64
	for _, change := range f.changes[calendarID] {
		if change.Seq > max {
			max = change.Seq
		}
	}
	return max, nil
}

type fakeShareRepo struct {
	shares []store.CalendarShare
}

func (f *fakeShareRepo) Replace(ctx context.Context, share store.CalendarShare) (*store.CalendarShare, error) {
	f.shares = append(f.shares, share)
	return &share, nil
}

func (f *fakeShareRepo) ListByPrincipal(ctx context.Context, principal string) ([]store.CalendarShare, error) {
	var result []store.CalendarShare
	for _, share := range f.shares {
		if share.Principal == principal {
			result = append(result, share)
		}
	}
	return result, nil
}

func (f *fakeShareRepo) ListByCalendar(ctx context.Context, calendarID int64) ([]store.CalendarShare, error) {
	var result []store.CalendarShare
	for _, share := range f.shares {
		if share.CalendarID == calendarID {
			result = append(result, share)
		}
	}
	return result, nil
}

func (f *fakeShareRepo) Delete(ctx context.Context, calendarID int64, principal string) error {
	kept := f.shares[:0]
	for _, share := range f.shares {
		if share.CalendarID != calendarID || share.Principal != principal {
			kept = append(kept, share)
		}
	}
	f.shares = kept
	return nil
}

type fakeFederatedCalendarRepo struct {
	calendars map[int64]*store.FederatedCalendar
}

func (f *fakeFederatedCalendarRepo) Create(ctx context.Context, fc store.FederatedCalendar) (*store.FederatedCalendar, error) {
	if f.calendars == nil {
		f.calendars = map[int64]*store.FederatedCalendar{}
	}
	fc.ID = int64(len(f.calendars) + 1)
	copy := fc
	f.calendars[fc.ID] = &copy
	return &copy, nil
}

func (f *fakeFederatedCalendarRepo) GetByID(ctx context.Context, id int64) (mo.Option[store.FederatedCalendar], error) {
	if fc, ok := f.calendars[id]; ok {
		return mo.Some(*fc), nil
	}
	return mo.None[store.FederatedCalendar](), nil
}

func (f *fakeFederatedCalendarRepo) GetByPrincipalAndURI(ctx context.Context, principalURI, uri string) (mo.Option[store.FederatedCalendar], error) {
	for _, fc := range f.calendars {
		if fc.PrincipalURI == principalURI && fc.URI == uri {
			return mo.Some(*fc), nil
		}
	}
	return mo.None[store.FederatedCalendar](), nil
}

func (f *fakeFederatedCalendarRepo) ListByPrincipal(ctx context.Context, principalURI string) ([]store.FederatedCalendar, error) {
	var result []store.FederatedCalendar
	for _, fc := range f.calendars {
		if fc.PrincipalURI == principalURI {
			result = append(result, *fc)
		}
	}
	return result, nil
}

func (f *fakeFederatedCalendarRepo) FindForNotification(ctx context.Context, remoteURL, principalURI, token string) ([]store.FederatedCalendar, error) {
	var result []store.FederatedCalendar
	for _, fc := range f.calendars {
		if fc.RemoteURL == remoteURL && fc.PrincipalURI == principalURI && fc.Token == token {
			result = append(result, *fc)
		}
	}
	return result, nil
}

func (f *fakeFederatedCalendarRepo) UpdateSyncState(ctx context.Context, id, syncToken int64, lastSync time.Time) error {
	if fc, ok := f.calendars[id]; ok {
		fc.SyncToken = syncToken
		fc.LastSync = &lastSync
	}
	return nil
}

func (f *fakeFederatedCalendarRepo) TouchLastSync(ctx context.Context, id int64, lastSync time.Time) error {
	if fc, ok := f.calendars[id]; ok {
		fc.LastSync = &lastSync
	}
	return nil
}

func (f *fakeFederatedCalendarRepo) UpdateDisplayProps(ctx context.Context, id int64, displayName string, color *string) error {
	if fc, ok := f.calendars[id]; ok {
		fc.DisplayName = displayName
		fc.Color = color
	}
	return nil
}

func (f *fakeFederatedCalendarRepo) Delete(ctx context.Context, id int64) error {
	delete(f.calendars, id)
	return nil
}

func (f *fakeFederatedCalendarRepo) DeleteByPrincipalAndURI(ctx context.Context, principalURI, uri string) error {
	for id, fc := range f.calendars {
		if fc.PrincipalURI == principalURI && fc.URI == uri {
			delete(f.calendars, id)
		}
	}
	return nil
}

type fakeFederatedEventRepo struct {
	events map[string]*store.FederatedEvent
}

func (f *fakeFederatedEventRepo) key(federatedID int64, path string) string {
	return fmt.Sprintf("%d:%s", federatedID, path)
}

func (f *fakeFederatedEventRepo) Upsert(ctx context.Context, event store.FederatedEvent) (*store.FederatedEvent, error) {
	if f.events == nil {
		f.events = map[string]*store.FederatedEvent{}
	}
	copy := event
	f.events[f.key(event.FederatedID, event.Path)] = &copy
	return &copy, nil
}

func (f *fakeFederatedEventRepo) GetByPath(ctx context.Context, federatedID int64, path string) (mo.Option[store.FederatedEvent], error) {
	if event, ok := f.events[f.key(federatedID, path)]; ok {
		return mo.Some(*event), nil
	}
	return mo.None[store.FederatedEvent](), nil
}

func (f *fakeFederatedEventRepo) ListForCalendar(ctx context.Context, federatedID int64) ([]store.FederatedEvent, error) {
	var result []store.FederatedEvent
	for _, event := range f.events {
		if event.FederatedID == federatedID {
			result = append(result, *event)
		}
	}
	return result, nil
}

func (f *fakeFederatedEventRepo) DeleteByPath(ctx context.Context, federatedID int64, path string) error {
	delete(f.events, f.key(federatedID, path))
	return nil
}

func (f *fakeFederatedEventRepo) DeleteForCalendar(ctx context.Context, federatedID int64) error {
	for key, event := range f.events {
		if event.FederatedID == federatedID {
			delete(f.events, key)
		}
	}
	return nil
}

// fakeObjectWriter records write-through calls and plays back a scripted
// origin response.
type fakeObjectWriter struct {
	etag    string
	putErr  error
	delErr  error
	putURLs []string
	putData [][]byte
	delURLs []string
	users   []string
	tokens  []string
}

func (f *fakeObjectWriter) PutObject(ctx context.Context, objectURL, username, password string, data []byte) (string, error) {
	f.putURLs = append(f.putURLs, objectURL)
	f.putData = append(f.putData, data)
	f.users = append(f.users, username)
	f.tokens = append(f.tokens, password)
	if f.putErr != nil {
		return "", f.putErr
	}
	return f.etag, nil
}

func (f *fakeObjectWriter) DeleteObject(ctx context.Context, objectURL, username, password string) error {
	f.delURLs = append(f.delURLs, objectURL)
	f.users = append(f.users, username)
	f.tokens = append(f.tokens, password)
	return f.delErr
}
