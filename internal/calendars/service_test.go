package calendars

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitea.jw6.us/james/calfed/internal/federation/cloudid"
	"gitea.jw6.us/james/calfed/internal/federation/notifier"
	"gitea.jw6.us/james/calfed/internal/federation/ocm"
	"gitea.jw6.us/james/calfed/internal/store"
)

type fakeCalendars struct {
	calendar *store.Calendar
}

func (f *fakeCalendars) Create(context.Context, store.Calendar) (*store.Calendar, error) {
	panic("not used")
}

func (f *fakeCalendars) GetByID(_ context.Context, id int64) (mo.Option[store.Calendar], error) {
	if f.calendar != nil && f.calendar.ID == id {
		return mo.Some(*f.calendar), nil
	}
	return mo.None[store.Calendar](), nil
}

func (f *fakeCalendars) GetByOwnerAndURI(context.Context, string, string) (mo.Option[store.Calendar], error) {
	panic("not used")
}

func (f *fakeCalendars) ListByOwner(context.Context, string) ([]store.Calendar, error) {
	panic("not used")
}

func (f *fakeCalendars) Delete(context.Context, int64) error { panic("not used") }

type fakeEvents struct {
	upserted []store.Event
	deleted  []string
}

func (f *fakeEvents) Upsert(_ context.Context, event store.Event) (*store.Event, error) {
	f.upserted = append(f.upserted, event)
	return &event, nil
}

func (f *fakeEvents) GetByUID(context.Context, int64, string) (mo.Option[store.Event], error) {
	panic("not used")
}

func (f *fakeEvents) ListForCalendar(context.Context, int64) ([]store.Event, error) {
	panic("not used")
}

func (f *fakeEvents) DeleteByUID(_ context.Context, _ int64, uid string) error {
	f.deleted = append(f.deleted, uid)
	return nil
}

type fakeChanges struct {
	records []store.CalendarChange
	seq     int64
}

func (f *fakeChanges) Record(_ context.Context, calendarID int64, uid string, deleted bool) (int64, error) {
	f.seq++
	f.records = append(f.records, store.CalendarChange{CalendarID: calendarID, UID: uid, Deleted: deleted, Seq: f.seq})
	return f.seq, nil
}

func (f *fakeChanges) ListSince(context.Context, int64, int64) ([]store.CalendarChange, error) {
	panic("not used")
}

func (f *fakeChanges) CurrentSeq(context.Context, int64) (int64, error) { return f.seq, nil }

type fakeShares struct {
	grants []store.CalendarShare
}

func (f *fakeShares) Replace(context.Context, store.CalendarShare) (*store.CalendarShare, error) {
	panic("not used")
}

func (f *fakeShares) ListByPrincipal(context.Context, string) ([]store.CalendarShare, error) {
	panic("not used")
}

func (f *fakeShares) ListByCalendar(_ context.Context, calendarID int64) ([]store.CalendarShare, error) {
	var out []store.CalendarShare
	for _, g := range f.grants {
		if g.CalendarID == calendarID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeShares) Delete(context.Context, int64, string) error { panic("not used") }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const serviceTestICS = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\nBEGIN:VEVENT\r\nUID:evt-1\r\nDTSTAMP:20250101T000000Z\r\nSUMMARY:Standup\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"

// notificationServer fakes a recipient federation endpoint and records the
// sync notifications it receives.
func notificationServer(t *testing.T) (*httptest.Server, *[]ocm.Notification) {
	t.Helper()
	var got []ocm.Notification
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ocm/notifications" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var n ocm.Notification
		require.NoError(t, json.NewDecoder(r.Body).Decode(&n))
		got = append(got, n)
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(server.Close)
	return server, &got
}

func newTestService(cal *store.Calendar, events *fakeEvents, changes *fakeChanges, shares *fakeShares, n *notifier.Notifier) *Service {
	st := &store.Store{
		Calendars:      &fakeCalendars{calendar: cal},
		Events:         events,
		Changes:        changes,
		CalendarShares: shares,
	}
	svc := NewService(st, n, discardLogger())
	svc.clock = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return svc
}

func TestPutEventJournalsAndNotifies(t *testing.T) {
	server, got := notificationServer(t)
	host := strings.TrimPrefix(server.URL, "http://")
	bob := cloudid.CloudID{User: "bob", Host: host}

	cal := &store.Calendar{ID: 1, Owner: "alice", URI: "personal"}
	events := &fakeEvents{}
	changes := &fakeChanges{}
	shares := &fakeShares{grants: []store.CalendarShare{
		{CalendarID: 1, Principal: bob.RemotePrincipal(), Access: store.PermissionRead, Token: "s3cret"},
	}}
	n := notifier.New(ocm.NewClient(http.DefaultClient, "http", discardLogger()), "https://servera.example", discardLogger())

	etag, err := newTestService(cal, events, changes, shares, n).PutEvent(context.Background(), 1, "evt-1", serviceTestICS)
	require.NoError(t, err)
	assert.NotEmpty(t, etag)

	require.Len(t, events.upserted, 1)
	assert.Equal(t, "evt-1", events.upserted[0].UID)
	assert.Equal(t, etag, events.upserted[0].ETag)

	require.Len(t, changes.records, 1)
	assert.False(t, changes.records[0].Deleted)

	require.Len(t, *got, 1)
	notification := (*got)[0]
	assert.Equal(t, ocm.NotificationSyncCalendar, notification.Type)
	assert.Equal(t, ocm.ResourceTypeCalendar, notification.ProviderID)
	assert.Equal(t, "s3cret", notification.SharedSecret)
	assert.Equal(t, "bob@"+host, notification.ShareWith)
	assert.Contains(t, notification.CalendarURL, "personal_shared_by_alice")
}

func TestPutEventETagIsDeterministic(t *testing.T) {
	cal := &store.Calendar{ID: 1, Owner: "alice", URI: "personal"}
	svc := newTestService(cal, &fakeEvents{}, &fakeChanges{}, &fakeShares{}, nil)

	a, err := svc.PutEvent(context.Background(), 1, "evt-1", serviceTestICS)
	require.NoError(t, err)
	b, err := svc.PutEvent(context.Background(), 1, "evt-1", serviceTestICS)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := svc.PutEvent(context.Background(), 1, "evt-1", serviceTestICS+"X-CHANGED:1\r\n")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestDeleteEventJournalsTombstone(t *testing.T) {
	cal := &store.Calendar{ID: 1, Owner: "alice", URI: "personal"}
	events := &fakeEvents{}
	changes := &fakeChanges{}
	svc := newTestService(cal, events, changes, &fakeShares{}, nil)

	err := svc.DeleteEvent(context.Background(), 1, "evt-1")
	require.NoError(t, err)

	assert.Equal(t, []string{"evt-1"}, events.deleted)
	require.Len(t, changes.records, 1)
	assert.True(t, changes.records[0].Deleted)
}

func TestNotificationFailureDoesNotFailWrite(t *testing.T) {
	// Recipient host that refuses connections.
	bob := cloudid.CloudID{User: "bob", Host: "127.0.0.1:1"}
	cal := &store.Calendar{ID: 1, Owner: "alice", URI: "personal"}
	changes := &fakeChanges{}
	shares := &fakeShares{grants: []store.CalendarShare{
		{CalendarID: 1, Principal: bob.RemotePrincipal(), Token: "s3cret"},
	}}
	client := ocm.NewClient(&http.Client{Timeout: time.Second}, "http", discardLogger())
	n := notifier.New(client, "https://servera.example", discardLogger())
	svc := newTestService(cal, &fakeEvents{}, changes, shares, n)

	_, err := svc.PutEvent(context.Background(), 1, "evt-1", serviceTestICS)
	require.NoError(t, err, "notification delivery is best effort")
	assert.Len(t, changes.records, 1)
}

func TestMalformedGrantPrincipalIsSkipped(t *testing.T) {
	cal := &store.Calendar{ID: 1, Owner: "alice", URI: "personal"}
	shares := &fakeShares{grants: []store.CalendarShare{
		{CalendarID: 1, Principal: "principals/users/not-remote", Token: "s3cret"},
	}}
	svc := newTestService(cal, &fakeEvents{}, &fakeChanges{}, shares, nil)

	_, err := svc.PutEvent(context.Background(), 1, "evt-1", serviceTestICS)
	require.NoError(t, err)
}
