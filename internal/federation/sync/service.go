// Package sync pulls federated calendars from their origin servers. One
// sync pass is an RFC 6578 sync-collection REPORT: incremental when a
// cursor from a previous pass exists, a full enumeration otherwise.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"gitea.jw6.us/james/calfed/internal/caldav"
	"gitea.jw6.us/james/calfed/internal/federation/cloudid"
	"gitea.jw6.us/james/calfed/internal/metrics"
	"gitea.jw6.us/james/calfed/internal/store"
)

// tokenPrefix is the namespace remote servers wrap around the numeric sync
// cursor. Tokens outside this namespace are treated as "no usable cursor":
// the pass still applies its results but the stored cursor stays put, so
// the next pass re-enumerates instead of silently losing changes.
const tokenPrefix = "http://sabre.io/ns/sync/"

type Service struct {
	calendars  store.FederatedCalendarRepository
	events     store.FederatedEventRepository
	syncer     caldav.Syncer
	serverName string
	logger     *slog.Logger
	clock      func() time.Time
}

func NewService(calendars store.FederatedCalendarRepository, events store.FederatedEventRepository, syncer caldav.Syncer, serverName string, logger *slog.Logger) *Service {
	return &Service{
		calendars:  calendars,
		events:     events,
		syncer:     syncer,
		serverName: serverName,
		logger:     logger,
		clock:      time.Now,
	}
}

// SyncOne runs a single sync pass for one federated calendar. It returns
// how many objects were downloaded, or zero when the remote hands back an
// unusable sync token. That case is not an error: the downloaded data is
// already applied, only the cursor and the reported count stay at zero
// progress.
func (s *Service) SyncOne(ctx context.Context, id int64) (int, error) {
	fcOpt, err := s.calendars.GetByID(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("load federated calendar %d: %w", id, err)
	}
	fc, ok := fcOpt.Get()
	if !ok {
		return 0, store.ErrNotFound
	}

	user, err := cloudid.UserFromLocalPrincipal(fc.PrincipalURI)
	if err != nil {
		return 0, fmt.Errorf("federated calendar %d has invalid principal: %w", id, err)
	}
	username := cloudid.CloudID{User: user, Host: s.serverName}.Encode()

	sinceToken := ""
	if fc.SyncToken > 0 {
		sinceToken = tokenPrefix + strconv.FormatInt(fc.SyncToken, 10)
	}

	sink := &eventSink{events: s.events, federatedID: fc.ID, clock: s.clock}
	newToken, changed, err := s.syncer.SyncCollection(ctx, fc.RemoteURL, username, fc.Token, sinceToken, sink)
	if err != nil {
		metrics.CountSyncRun("error", 0)
		return 0, fmt.Errorf("sync %s: %w", fc.RemoteURL, err)
	}

	now := s.clock()
	cursor, ok := parseToken(newToken)
	if !ok {
		// The applied mirror writes stay; the pass just reports no
		// progress so the next attempt re-enumerates from the last
		// good cursor.
		s.logger.Warn("remote returned unusable sync token, keeping cursor",
			"calendar_id", fc.ID, "remote_url", fc.RemoteURL, "token", newToken)
		metrics.CountSyncRun("token_unusable", changed)
		if err := s.calendars.TouchLastSync(ctx, fc.ID, now); err != nil {
			return 0, fmt.Errorf("record sync time for calendar %d: %w", fc.ID, err)
		}
		return 0, nil
	}

	// The stored cursor only ever advances or holds. A remote handing back
	// an older cursor must not rewind local state.
	if cursor <= fc.SyncToken {
		if cursor < fc.SyncToken {
			s.logger.Warn("remote sync token moved backwards, keeping cursor",
				"calendar_id", fc.ID, "remote_url", fc.RemoteURL, "stored", fc.SyncToken, "returned", cursor)
		}
		metrics.CountSyncRun("success", changed)
		if err := s.calendars.TouchLastSync(ctx, fc.ID, now); err != nil {
			return changed, fmt.Errorf("record sync time for calendar %d: %w", fc.ID, err)
		}
		return changed, nil
	}

	if err := s.calendars.UpdateSyncState(ctx, fc.ID, cursor, now); err != nil {
		metrics.CountSyncRun("error", changed)
		return changed, fmt.Errorf("advance sync cursor for calendar %d: %w", fc.ID, err)
	}

	metrics.CountSyncRun("success", changed)
	s.logger.Info("synced federated calendar",
		"calendar_id", fc.ID, "remote_url", fc.RemoteURL, "downloaded", changed, "cursor", cursor)
	return changed, nil
}

// parseToken extracts the numeric cursor from a namespaced sync token.
func parseToken(token string) (int64, bool) {
	rest, ok := strings.CutPrefix(token, tokenPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// eventSink persists sync results as mirrored events of one federated
// calendar.
type eventSink struct {
	events      store.FederatedEventRepository
	federatedID int64
	clock       func() time.Time
}

func (s *eventSink) Upsert(ctx context.Context, path, etag string, cal *ical.Calendar) error {
	raw, err := encodeICAL(cal)
	if err != nil {
		return fmt.Errorf("re-encode %s: %w", path, err)
	}
	_, err = s.events.Upsert(ctx, store.FederatedEvent{
		FederatedID:  s.federatedID,
		Path:         path,
		UID:          objectUID(cal),
		RawICAL:      raw,
		ETag:         etag,
		LastModified: s.clock(),
	})
	return err
}

func (s *eventSink) Delete(ctx context.Context, path string) error {
	return s.events.DeleteByPath(ctx, s.federatedID, path)
}

func encodeICAL(cal *ical.Calendar) (string, error) {
	var sb strings.Builder
	if err := ical.NewEncoder(&sb).Encode(cal); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// objectUID returns the UID of the first component carrying one. Objects
// without any UID still get mirrored; they just cannot be addressed by UID.
func objectUID(cal *ical.Calendar) string {
	for _, child := range cal.Children {
		if prop := child.Props.Get(ical.PropUID); prop != nil {
			return prop.Value
		}
	}
	return ""
}
