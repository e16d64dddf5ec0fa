// Package calendars manages locally owned calendars and their objects.
// Every object write lands in the change journal backing the served
// sync-collection REPORTs, then fans out best-effort sync notifications to
// the remote recipients the calendar is shared with.
package calendars

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gitea.jw6.us/james/calfed/internal/federation/cloudid"
	"gitea.jw6.us/james/calfed/internal/federation/notifier"
	"gitea.jw6.us/james/calfed/internal/store"
)

type Service struct {
	calendars store.CalendarRepository
	events    store.EventRepository
	changes   store.CalendarChangeRepository
	shares    store.CalendarShareRepository
	notifier  *notifier.Notifier
	logger    *slog.Logger
	clock     func() time.Time
}

func NewService(st *store.Store, n *notifier.Notifier, logger *slog.Logger) *Service {
	return &Service{
		calendars: st.Calendars,
		events:    st.Events,
		changes:   st.Changes,
		shares:    st.CalendarShares,
		notifier:  n,
		logger:    logger,
		clock:     time.Now,
	}
}

// PutEvent creates or updates a calendar object and returns its new etag.
func (s *Service) PutEvent(ctx context.Context, calendarID int64, uid, rawICAL string) (string, error) {
	etag := computeETag(rawICAL)
	_, err := s.events.Upsert(ctx, store.Event{
		CalendarID:   calendarID,
		UID:          uid,
		RawICAL:      rawICAL,
		ETag:         etag,
		LastModified: s.clock(),
	})
	if err != nil {
		return "", fmt.Errorf("store event %s: %w", uid, err)
	}
	if _, err := s.changes.Record(ctx, calendarID, uid, false); err != nil {
		return "", fmt.Errorf("journal event %s: %w", uid, err)
	}
	s.notifyRecipients(ctx, calendarID)
	return etag, nil
}

// DeleteEvent removes a calendar object. Deleting an absent object still
// journals a tombstone, which keeps the operation idempotent for clients
// that retry.
func (s *Service) DeleteEvent(ctx context.Context, calendarID int64, uid string) error {
	if err := s.events.DeleteByUID(ctx, calendarID, uid); err != nil {
		return fmt.Errorf("delete event %s: %w", uid, err)
	}
	if _, err := s.changes.Record(ctx, calendarID, uid, true); err != nil {
		return fmt.Errorf("journal deletion of %s: %w", uid, err)
	}
	s.notifyRecipients(ctx, calendarID)
	return nil
}

// notifyRecipients sends a sync hint to every remote recipient of the
// calendar. Failures only get logged; the recipients' periodic sync covers
// missed hints.
func (s *Service) notifyRecipients(ctx context.Context, calendarID int64) {
	calOpt, err := s.calendars.GetByID(ctx, calendarID)
	if err != nil {
		s.logger.Error("loading calendar for notification fan-out failed",
			"calendar_id", calendarID, "error", err)
		return
	}
	cal, ok := calOpt.Get()
	if !ok {
		return
	}

	grants, err := s.shares.ListByCalendar(ctx, calendarID)
	if err != nil {
		s.logger.Error("listing share grants for notification fan-out failed",
			"calendar_id", calendarID, "error", err)
		return
	}

	for _, grant := range grants {
		recipient, err := cloudid.FromRemotePrincipal(grant.Principal)
		if err != nil {
			s.logger.Warn("share grant has malformed principal, skipping",
				"calendar_id", calendarID, "principal", grant.Principal)
			continue
		}
		if err := s.notifier.NotifySyncCalendar(ctx, recipient, cal.Owner, cal.URI, grant.Token); err != nil {
			s.logger.Warn("sync notification failed",
				"calendar_id", calendarID, "recipient", recipient.String(), "error", err)
		}
	}
}

func computeETag(raw string) string {
	sum := md5.Sum([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}
