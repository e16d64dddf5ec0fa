package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/mo"
)

// calendarRepo implements CalendarRepository.
type calendarRepo struct {
	pool *pgxpool.Pool
}

func (r *calendarRepo) Create(ctx context.Context, cal Calendar) (*Calendar, error) {
	defer observeDB(ctx, "calendars.create")()
	row := r.pool.QueryRow(ctx, `
		INSERT INTO calendars (owner, uri, display_name, color, components)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`,
		cal.Owner, cal.URI, cal.DisplayName, cal.Color, cal.Components)
	if err := row.Scan(&cal.ID, &cal.CreatedAt, &cal.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert calendar: %w", err)
	}
	return &cal, nil
}

func (r *calendarRepo) GetByID(ctx context.Context, id int64) (mo.Option[Calendar], error) {
	defer observeDB(ctx, "calendars.get_by_id")()
	return scanCalendar(r.pool.QueryRow(ctx, `
		SELECT id, owner, uri, display_name, color, components, created_at, updated_at
		FROM calendars WHERE id = $1`, id))
}

func (r *calendarRepo) GetByOwnerAndURI(ctx context.Context, owner, uri string) (mo.Option[Calendar], error) {
	defer observeDB(ctx, "calendars.get_by_owner_uri")()
	return scanCalendar(r.pool.QueryRow(ctx, `
		SELECT id, owner, uri, display_name, color, components, created_at, updated_at
		FROM calendars WHERE owner = $1 AND uri = $2`, owner, uri))
}

func (r *calendarRepo) ListByOwner(ctx context.Context, owner string) ([]Calendar, error) {
	defer observeDB(ctx, "calendars.list_by_owner")()
	rows, err := r.pool.Query(ctx, `
		SELECT id, owner, uri, display_name, color, components, created_at, updated_at
		FROM calendars WHERE owner = $1 ORDER BY uri`, owner)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}
	defer rows.Close()

	var cals []Calendar
	for rows.Next() {
		var c Calendar
		if err := rows.Scan(&c.ID, &c.Owner, &c.URI, &c.DisplayName, &c.Color, &c.Components, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		cals = append(cals, c)
	}
	return cals, rows.Err()
}

func (r *calendarRepo) Delete(ctx context.Context, id int64) error {
	defer observeDB(ctx, "calendars.delete")()
	_, err := r.pool.Exec(ctx, `DELETE FROM calendars WHERE id = $1`, id)
	return err
}

func scanCalendar(row pgx.Row) (mo.Option[Calendar], error) {
	var c Calendar
	err := row.Scan(&c.ID, &c.Owner, &c.URI, &c.DisplayName, &c.Color, &c.Components, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return mo.None[Calendar](), nil
	}
	if err != nil {
		return mo.None[Calendar](), err
	}
	return mo.Some(c), nil
}

// eventRepo implements EventRepository.
type eventRepo struct {
	pool *pgxpool.Pool
}

func (r *eventRepo) Upsert(ctx context.Context, event Event) (*Event, error) {
	defer observeDB(ctx, "events.upsert")()
	row := r.pool.QueryRow(ctx, `
		INSERT INTO events (calendar_id, uid, raw_ical, etag, last_modified)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (calendar_id, uid) DO UPDATE
		SET raw_ical = EXCLUDED.raw_ical, etag = EXCLUDED.etag, last_modified = EXCLUDED.last_modified
		RETURNING id`,
		event.CalendarID, event.UID, event.RawICAL, event.ETag, event.LastModified)
	if err := row.Scan(&event.ID); err != nil {
		return nil, fmt.Errorf("upsert event: %w", err)
	}
	return &event, nil
}

func (r *eventRepo) GetByUID(ctx context.Context, calendarID int64, uid string) (mo.Option[Event], error) {
	defer observeDB(ctx, "events.get_by_uid")()
	var e Event
	err := r.pool.QueryRow(ctx, `
		SELECT id, calendar_id, uid, raw_ical, etag, last_modified
		FROM events WHERE calendar_id = $1 AND uid = $2`, calendarID, uid).
		Scan(&e.ID, &e.CalendarID, &e.UID, &e.RawICAL, &e.ETag, &e.LastModified)
	if errors.Is(err, pgx.ErrNoRows) {
		return mo.None[Event](), nil
	}
	if err != nil {
		return mo.None[Event](), err
	}
	return mo.Some(e), nil
}

func (r *eventRepo) ListForCalendar(ctx context.Context, calendarID int64) ([]Event, error) {
	defer observeDB(ctx, "events.list_for_calendar")()
	rows, err := r.pool.Query(ctx, `
		SELECT id, calendar_id, uid, raw_ical, etag, last_modified
		FROM events WHERE calendar_id = $1 ORDER BY uid`, calendarID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.CalendarID, &e.UID, &e.RawICAL, &e.ETag, &e.LastModified); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *eventRepo) DeleteByUID(ctx context.Context, calendarID int64, uid string) error {
	defer observeDB(ctx, "events.delete_by_uid")()
	_, err := r.pool.Exec(ctx, `DELETE FROM events WHERE calendar_id = $1 AND uid = $2`, calendarID, uid)
	return err
}

// changeRepo implements CalendarChangeRepository.
type changeRepo struct {
	pool *pgxpool.Pool
}

func (r *changeRepo) Record(ctx context.Context, calendarID int64, uid string, deleted bool) (int64, error) {
	defer observeDB(ctx, "changes.record")()
	var seq int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO calendar_changes (calendar_id, uid, deleted)
		VALUES ($1, $2, $3)
		RETURNING seq`, calendarID, uid, deleted).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("record change: %w", err)
	}
	return seq, nil
}

func (r *changeRepo) ListSince(ctx context.Context, calendarID, sinceSeq int64) ([]CalendarChange, error) {
	defer observeDB(ctx, "changes.list_since")()
	// Only the latest entry per UID matters for a sync response.
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT ON (uid) id, calendar_id, uid, deleted, seq, changed_at
		FROM calendar_changes
		WHERE calendar_id = $1 AND seq > $2
		ORDER BY uid, seq DESC`, calendarID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	var changes []CalendarChange
	for rows.Next() {
		var c CalendarChange
		if err := rows.Scan(&c.ID, &c.CalendarID, &c.UID, &c.Deleted, &c.Seq, &c.ChangedAt); err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

func (r *changeRepo) CurrentSeq(ctx context.Context, calendarID int64) (int64, error) {
	defer observeDB(ctx, "changes.current_seq")()
	var seq int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM calendar_changes WHERE calendar_id = $1`, calendarID).Scan(&seq)
	return seq, err
}

// calendarShareRepo implements CalendarShareRepository.
type calendarShareRepo struct {
	pool *pgxpool.Pool
}

func (r *calendarShareRepo) Replace(ctx context.Context, share CalendarShare) (*CalendarShare, error) {
	defer observeDB(ctx, "calendar_shares.replace")()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin replace share: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM calendar_shares WHERE calendar_id = $1 AND principal = $2`,
		share.CalendarID, share.Principal); err != nil {
		return nil, fmt.Errorf("delete stale share: %w", err)
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO calendar_shares (calendar_id, principal, access, token)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		share.CalendarID, share.Principal, share.Access, share.Token)
	if err := row.Scan(&share.ID, &share.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert share: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &share, nil
}

func (r *calendarShareRepo) ListByPrincipal(ctx context.Context, principal string) ([]CalendarShare, error) {
	defer observeDB(ctx, "calendar_shares.list_by_principal")()
	rows, err := r.pool.Query(ctx, `
		SELECT id, calendar_id, principal, access, token, created_at
		FROM calendar_shares WHERE principal = $1`, principal)
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	defer rows.Close()

	var shares []CalendarShare
	for rows.Next() {
		var s CalendarShare
		if err := rows.Scan(&s.ID, &s.CalendarID, &s.Principal, &s.Access, &s.Token, &s.CreatedAt); err != nil {
			return nil, err
		}
		shares = append(shares, s)
	}
	return shares, rows.Err()
}

func (r *calendarShareRepo) ListByCalendar(ctx context.Context, calendarID int64) ([]CalendarShare, error) {
	defer observeDB(ctx, "calendar_shares.list_by_calendar")()
	rows, err := r.pool.Query(ctx, `
		SELECT id, calendar_id, principal, access, token, created_at
		FROM calendar_shares WHERE calendar_id = $1`, calendarID)
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	defer rows.Close()

	var shares []CalendarShare
	for rows.Next() {
		var s CalendarShare
		if err := rows.Scan(&s.ID, &s.CalendarID, &s.Principal, &s.Access, &s.Token, &s.CreatedAt); err != nil {
			return nil, err
		}
		shares = append(shares, s)
	}
	return shares, rows.Err()
}

func (r *calendarShareRepo) Delete(ctx context.Context, calendarID int64, principal string) error {
	defer observeDB(ctx, "calendar_shares.delete")()
	_, err := r.pool.Exec(ctx, `
		DELETE FROM calendar_shares WHERE calendar_id = $1 AND principal = $2`, calendarID, principal)
	return err
}

// federatedCalendarRepo implements FederatedCalendarRepository.
type federatedCalendarRepo struct {
	pool *pgxpool.Pool
}

const federatedCalendarColumns = `id, principal_uri, uri, display_name, color, permissions,
	sync_token, remote_url, token, last_sync, shared_by, shared_by_display_name, components`

func (r *federatedCalendarRepo) Create(ctx context.Context, fc FederatedCalendar) (*FederatedCalendar, error) {
	defer observeDB(ctx, "federated_calendars.create")()
	row := r.pool.QueryRow(ctx, `
		INSERT INTO federated_calendars
			(principal_uri, uri, display_name, color, permissions, sync_token,
			 remote_url, token, last_sync, shared_by, shared_by_display_name, components)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		fc.PrincipalURI, fc.URI, fc.DisplayName, fc.Color, fc.Permissions, fc.SyncToken,
		fc.RemoteURL, fc.Token, fc.LastSync, fc.SharedBy, fc.SharedByDisplayName, fc.Components)
	if err := row.Scan(&fc.ID); err != nil {
		return nil, fmt.Errorf("insert federated calendar: %w", err)
	}
	return &fc, nil
}

func (r *federatedCalendarRepo) GetByID(ctx context.Context, id int64) (mo.Option[FederatedCalendar], error) {
	defer observeDB(ctx, "federated_calendars.get_by_id")()
	return scanFederatedCalendar(r.pool.QueryRow(ctx,
		`SELECT `+federatedCalendarColumns+` FROM federated_calendars WHERE id = $1`, id))
}

func (r *federatedCalendarRepo) GetByPrincipalAndURI(ctx context.Context, principalURI, uri string) (mo.Option[FederatedCalendar], error) {
	defer observeDB(ctx, "federated_calendars.get_by_principal_uri")()
	return scanFederatedCalendar(r.pool.QueryRow(ctx,
		`SELECT `+federatedCalendarColumns+` FROM federated_calendars WHERE principal_uri = $1 AND uri = $2`,
		principalURI, uri))
}

func (r *federatedCalendarRepo) ListByPrincipal(ctx context.Context, principalURI string) ([]FederatedCalendar, error) {
	defer observeDB(ctx, "federated_calendars.list_by_principal")()
	rows, err := r.pool.Query(ctx,
		`SELECT `+federatedCalendarColumns+` FROM federated_calendars WHERE principal_uri = $1 ORDER BY uri`,
		principalURI)
	if err != nil {
		return nil, fmt.Errorf("list federated calendars: %w", err)
	}
	defer rows.Close()
	return collectFederatedCalendars(rows)
}

func (r *federatedCalendarRepo) FindForNotification(ctx context.Context, remoteURL, principalURI, token string) ([]FederatedCalendar, error) {
	defer observeDB(ctx, "federated_calendars.find_for_notification")()
	rows, err := r.pool.Query(ctx,
		`SELECT `+federatedCalendarColumns+` FROM federated_calendars
		 WHERE remote_url = $1 AND principal_uri = $2 AND token = $3`,
		remoteURL, principalURI, token)
	if err != nil {
		return nil, fmt.Errorf("find federated calendars: %w", err)
	}
	defer rows.Close()
	return collectFederatedCalendars(rows)
}

func (r *federatedCalendarRepo) UpdateSyncState(ctx context.Context, id, syncToken int64, lastSync time.Time) error {
	defer observeDB(ctx, "federated_calendars.update_sync_state")()
	_, err := r.pool.Exec(ctx, `
		UPDATE federated_calendars SET sync_token = $2, last_sync = $3 WHERE id = $1`,
		id, syncToken, lastSync)
	return err
}

func (r *federatedCalendarRepo) TouchLastSync(ctx context.Context, id int64, lastSync time.Time) error {
	defer observeDB(ctx, "federated_calendars.touch_last_sync")()
	_, err := r.pool.Exec(ctx, `
		UPDATE federated_calendars SET last_sync = $2 WHERE id = $1`, id, lastSync)
	return err
}

func (r *federatedCalendarRepo) UpdateDisplayProps(ctx context.Context, id int64, displayName string, color *string) error {
	defer observeDB(ctx, "federated_calendars.update_display_props")()
	_, err := r.pool.Exec(ctx, `
		UPDATE federated_calendars SET display_name = $2, color = $3 WHERE id = $1`,
		id, displayName, color)
	return err
}

func (r *federatedCalendarRepo) Delete(ctx context.Context, id int64) error {
	defer observeDB(ctx, "federated_calendars.delete")()
	_, err := r.pool.Exec(ctx, `DELETE FROM federated_calendars WHERE id = $1`, id)
	return err
}

func (r *federatedCalendarRepo) DeleteByPrincipalAndURI(ctx context.Context, principalURI, uri string) error {
	defer observeDB(ctx, "federated_calendars.delete_by_principal_uri")()
	_, err := r.pool.Exec(ctx, `
		DELETE FROM federated_calendars WHERE principal_uri = $1 AND uri = $2`, principalURI, uri)
	return err
}

func scanFederatedCalendar(row pgx.Row) (mo.Option[FederatedCalendar], error) {
	var fc FederatedCalendar
	err := row.Scan(&fc.ID, &fc.PrincipalURI, &fc.URI, &fc.DisplayName, &fc.Color, &fc.Permissions,
		&fc.SyncToken, &fc.RemoteURL, &fc.Token, &fc.LastSync, &fc.SharedBy, &fc.SharedByDisplayName, &fc.Components)
	if errors.Is(err, pgx.ErrNoRows) {
		return mo.None[FederatedCalendar](), nil
	}
	if err != nil {
		return mo.None[FederatedCalendar](), err
	}
	return mo.Some(fc), nil
}

func collectFederatedCalendars(rows pgx.Rows) ([]FederatedCalendar, error) {
	var cals []FederatedCalendar
	for rows.Next() {
		var fc FederatedCalendar
		if err := rows.Scan(&fc.ID, &fc.PrincipalURI, &fc.URI, &fc.DisplayName, &fc.Color, &fc.Permissions,
			&fc.SyncToken, &fc.RemoteURL, &fc.Token, &fc.LastSync, &fc.SharedBy, &fc.SharedByDisplayName, &fc.Components); err != nil {
			return nil, err
		}
		cals = append(cals, fc)
	}
	return cals, rows.Err()
}

// federatedEventRepo implements FederatedEventRepository.
type federatedEventRepo struct {
	pool *pgxpool.Pool
}

func (r *federatedEventRepo) Upsert(ctx context.Context, event FederatedEvent) (*FederatedEvent, error) {
	defer observeDB(ctx, "federated_events.upsert")()
	row := r.pool.QueryRow(ctx, `
		INSERT INTO federated_events (federated_id, path, uid, raw_ical, etag, last_modified)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (federated_id, path) DO UPDATE
		SET uid = EXCLUDED.uid, raw_ical = EXCLUDED.raw_ical, etag = EXCLUDED.etag, last_modified = EXCLUDED.last_modified
		RETURNING id`,
		event.FederatedID, event.Path, event.UID, event.RawICAL, event.ETag, event.LastModified)
	if err := row.Scan(&event.ID); err != nil {
		return nil, fmt.Errorf("upsert federated event: %w", err)
	}
	return &event, nil
}

func (r *federatedEventRepo) GetByPath(ctx context.Context, federatedID int64, path string) (mo.Option[FederatedEvent], error) {
	defer observeDB(ctx, "federated_events.get_by_path")()
	var e FederatedEvent
	err := r.pool.QueryRow(ctx, `
		SELECT id, federated_id, path, uid, raw_ical, etag, last_modified
		FROM federated_events WHERE federated_id = $1 AND path = $2`, federatedID, path).
		Scan(&e.ID, &e.FederatedID, &e.Path, &e.UID, &e.RawICAL, &e.ETag, &e.LastModified)
	if errors.Is(err, pgx.ErrNoRows) {
		return mo.None[FederatedEvent](), nil
	}
	if err != nil {
		return mo.None[FederatedEvent](), err
	}
	return mo.Some(e), nil
}

func (r *federatedEventRepo) ListForCalendar(ctx context.Context, federatedID int64) ([]FederatedEvent, error) {
	defer observeDB(ctx, "federated_events.list_for_calendar")()
	rows, err := r.pool.Query(ctx, `
		SELECT id, federated_id, path, uid, raw_ical, etag, last_modified
		FROM federated_events WHERE federated_id = $1 ORDER BY path`, federatedID)
	if err != nil {
		return nil, fmt.Errorf("list federated events: %w", err)
	}
	defer rows.Close()

	var events []FederatedEvent
	for rows.Next() {
		var e FederatedEvent
		if err := rows.Scan(&e.ID, &e.FederatedID, &e.Path, &e.UID, &e.RawICAL, &e.ETag, &e.LastModified); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *federatedEventRepo) DeleteByPath(ctx context.Context, federatedID int64, path string) error {
	defer observeDB(ctx, "federated_events.delete_by_path")()
	_, err := r.pool.Exec(ctx, `
		DELETE FROM federated_events WHERE federated_id = $1 AND path = $2`, federatedID, path)
	return err
}

func (r *federatedEventRepo) DeleteForCalendar(ctx context.Context, federatedID int64) error {
	defer observeDB(ctx, "federated_events.delete_for_calendar")()
	_, err := r.pool.Exec(ctx, `DELETE FROM federated_events WHERE federated_id = $1`, federatedID)
	return err
}

// jobRepo implements JobRepository.
type jobRepo struct {
	pool *pgxpool.Pool
}

func (r *jobRepo) Enqueue(ctx context.Context, kind string, args map[string]string) error {
	defer observeDB(ctx, "jobs.enqueue")()
	encoded, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode job args: %w", err)
	}
	// Duplicate (kind, args) pairs collapse into the existing job.
	_, err = r.pool.Exec(ctx, `
		INSERT INTO jobs (kind, args) VALUES ($1, $2)
		ON CONFLICT (kind, args) DO NOTHING`, kind, encoded)
	return err
}

func (r *jobRepo) Remove(ctx context.Context, kind string, args map[string]string) error {
	defer observeDB(ctx, "jobs.remove")()
	encoded, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode job args: %w", err)
	}
	_, err = r.pool.Exec(ctx, `DELETE FROM jobs WHERE kind = $1 AND args = $2`, kind, encoded)
	return err
}

func (r *jobRepo) Due(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	defer observeDB(ctx, "jobs.due")()
	rows, err := r.pool.Query(ctx, `
		SELECT id, kind, args, not_before, last_run, created_at
		FROM jobs WHERE not_before <= $1
		ORDER BY not_before
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var (
			j       Job
			encoded []byte
		)
		if err := rows.Scan(&j.ID, &j.Kind, &encoded, &j.NotBefore, &j.LastRun, &j.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(encoded, &j.Args); err != nil {
			return nil, fmt.Errorf("decode job args: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *jobRepo) Reschedule(ctx context.Context, id int64, ranAt, notBefore time.Time) error {
	defer observeDB(ctx, "jobs.reschedule")()
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs SET last_run = $2, not_before = $3 WHERE id = $1`, id, ranAt, notBefore)
	return err
}
