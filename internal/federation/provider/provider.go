// Package provider handles inbound federation events for the calendar
// resource type: new shares and notifications routed to this server.
package provider

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"gitea.jw6.us/james/calfed/internal/federation/cloudid"
	"gitea.jw6.us/james/calfed/internal/federation/ocm"
	"gitea.jw6.us/james/calfed/internal/federation/protocol"
	"gitea.jw6.us/james/calfed/internal/jobs"
	"gitea.jw6.us/james/calfed/internal/metrics"
	"gitea.jw6.us/james/calfed/internal/store"
)

// Settings is the persisted-config surface the provider consults.
type Settings interface {
	FederationEnabled() bool
}

type Provider struct {
	settings Settings
	fedcals  store.FederatedCalendarRepository
	queue    store.JobRepository
	logger   *slog.Logger
}

func New(settings Settings, fedcals store.FederatedCalendarRepository, queue store.JobRepository, logger *slog.Logger) *Provider {
	return &Provider{settings: settings, fedcals: fedcals, queue: queue, logger: logger}
}

// notificationKind is the closed set of notification types this provider
// dispatches on. Unknown types map to kindUnknown and no-op.
type notificationKind int

const (
	kindSyncCalendar notificationKind = iota
	kindShareAccepted
	kindShareDeclined
	kindShareUnshared
	kindUnknown
)

func kindOf(notificationType string) notificationKind {
	switch notificationType {
	case ocm.NotificationSyncCalendar:
		return kindSyncCalendar
	case ocm.NotificationShareAccepted:
		return kindShareAccepted
	case ocm.NotificationShareDeclined:
		return kindShareDeclined
	case ocm.NotificationShareUnshared:
		return kindShareUnshared
	default:
		return kindUnknown
	}
}

// ShareReceived validates an inbound share, persists the federated calendar
// record and schedules its first sync. It returns the provider-level share
// reference (the new record's id). This is the only write path that creates
// federated calendar records.
func (p *Provider) ShareReceived(ctx context.Context, share ocm.Share) (string, error) {
	ref, err := p.shareReceived(ctx, share)
	if err != nil {
		metrics.CountShareReceived("rejected")
		return "", err
	}
	metrics.CountShareReceived("accepted")
	return ref, nil
}

func (p *Provider) shareReceived(ctx context.Context, share ocm.Share) (string, error) {
	if !p.settings.FederationEnabled() {
		return "", ocm.ServiceUnavailable("federation is disabled on this server")
	}
	if share.ShareType != ocm.ShareTypeUser {
		return "", ocm.NotImplemented(fmt.Sprintf("share type %q is not implemented", share.ShareType))
	}

	version, ok := protocol.WireVersion(share.Protocol)
	if !ok || version != protocol.Version {
		return "", ocm.BadRequest("unknown protocol version")
	}

	proto, err := protocol.ParseV1(share.Protocol)
	if err != nil {
		if errors.Is(err, protocol.ErrIncomplete) {
			return "", ocm.BadRequest("incomplete protocol data")
		}
		return "", ocm.BadRequest("invalid protocol data")
	}

	permissions, err := permissionsForAccess(proto.Access)
	if err != nil {
		return "", err
	}

	recipient, err := cloudid.Parse(share.ShareWith)
	if err != nil {
		return "", ocm.BadRequest("invalid shareWith")
	}
	principal := cloudid.LocalPrincipal(recipient.User)

	secret, _ := share.Protocol["sharedSecret"].(string)
	if secret == "" {
		return "", ocm.BadRequest("incomplete protocol data")
	}

	uri := LocalURIForRemote(proto.URL)

	// Re-sharing the same remote calendar replaces the previous record
	// rather than erroring or duplicating.
	if err := p.fedcals.DeleteByPrincipalAndURI(ctx, principal, uri); err != nil {
		return "", fmt.Errorf("replace federated calendar: %w", err)
	}

	record := store.FederatedCalendar{
		PrincipalURI:        principal,
		URI:                 uri,
		DisplayName:         proto.DisplayName,
		Permissions:         permissions,
		RemoteURL:           proto.URL,
		Token:               secret,
		SharedBy:            share.SharedBy,
		SharedByDisplayName: share.SharedByDisplayName,
		Components:          proto.Components,
	}
	if proto.Color != "" {
		color := proto.Color
		record.Color = &color
	}

	created, err := p.fedcals.Create(ctx, record)
	if err != nil {
		return "", fmt.Errorf("persist federated calendar: %w", err)
	}

	if err := p.enqueueSync(ctx, created.ID); err != nil {
		return "", err
	}

	p.logger.Info("accepted federated calendar share",
		"principal", principal, "remote_url", proto.URL, "shared_by", share.SharedBy)
	return strconv.FormatInt(created.ID, 10), nil
}

// NotificationReceived dispatches an inbound federation notification.
// Unknown types return an empty result rather than an error so future
// notification kinds do not break older servers.
func (p *Provider) NotificationReceived(ctx context.Context, n ocm.Notification) (map[string]any, error) {
	metrics.CountNotification("in", n.Type)

	if n.ProviderID != ocm.ResourceTypeCalendar {
		return nil, ocm.BadRequest(fmt.Sprintf("unknown provider id %q", n.ProviderID))
	}

	switch kindOf(n.Type) {
	case kindSyncCalendar:
		return p.handleSyncCalendar(ctx, n)
	case kindShareUnshared:
		return p.handleUnshared(ctx, n)
	default:
		// Accepted-and-ignored keeps us forward compatible with
		// notification types this server does not understand yet.
		return map[string]any{}, nil
	}
}

func (p *Provider) handleSyncCalendar(ctx context.Context, n ocm.Notification) (map[string]any, error) {
	if n.ShareWith == "" {
		return nil, ocm.BadRequest("missing shareWith")
	}
	if n.CalendarURL == "" {
		return nil, ocm.BadRequest("missing calendarUrl")
	}
	if n.SharedSecret == "" {
		return nil, ocm.BadRequest("missing sharedSecret")
	}

	// A malformed recipient gets the same answer as a non-matching one:
	// the caller is untrusted and learns nothing about why.
	recipient, err := cloudid.Parse(n.ShareWith)
	if err != nil {
		return nil, ocm.NotFound("share not found")
	}
	principal := cloudid.LocalPrincipal(recipient.User)

	records, err := p.fedcals.FindForNotification(ctx, n.CalendarURL, principal, n.SharedSecret)
	if err != nil {
		return nil, fmt.Errorf("match sync notification: %w", err)
	}
	if len(records) == 0 {
		return nil, ocm.NotFound("share not found")
	}

	for _, record := range records {
		if err := p.enqueueSync(ctx, record.ID); err != nil {
			return nil, err
		}
	}
	return map[string]any{}, nil
}

// handleUnshared removes the federated calendar when the sharer revokes it.
// The secret must match, same as for sync notifications.
func (p *Provider) handleUnshared(ctx context.Context, n ocm.Notification) (map[string]any, error) {
	if n.SharedSecret == "" || n.ShareWith == "" || n.CalendarURL == "" {
		return map[string]any{}, nil
	}
	recipient, err := cloudid.Parse(n.ShareWith)
	if err != nil {
		return nil, ocm.NotFound("share not found")
	}
	principal := cloudid.LocalPrincipal(recipient.User)

	records, err := p.fedcals.FindForNotification(ctx, n.CalendarURL, principal, n.SharedSecret)
	if err != nil {
		return nil, fmt.Errorf("match unshare notification: %w", err)
	}
	for _, record := range records {
		if err := p.fedcals.Delete(ctx, record.ID); err != nil {
			return nil, fmt.Errorf("delete federated calendar %d: %w", record.ID, err)
		}
		if err := p.queue.Remove(ctx, jobs.KindFederatedCalendarSync, syncJobArgs(record.ID)); err != nil {
			return nil, fmt.Errorf("remove sync job for %d: %w", record.ID, err)
		}
		p.logger.Info("removed federated calendar after unshare", "id", record.ID, "principal", principal)
	}
	return map[string]any{}, nil
}

func (p *Provider) enqueueSync(ctx context.Context, recordID int64) error {
	if err := p.queue.Enqueue(ctx, jobs.KindFederatedCalendarSync, syncJobArgs(recordID)); err != nil {
		return fmt.Errorf("enqueue sync job for %d: %w", recordID, err)
	}
	return nil
}

func syncJobArgs(recordID int64) map[string]string {
	return map[string]string{"id": strconv.FormatInt(recordID, 10)}
}

func permissionsForAccess(access string) (int, error) {
	switch access {
	case protocol.AccessRead:
		return store.PermissionRead, nil
	default:
		// Read-write federation is not supported yet; reject anything
		// beyond read at receipt time.
		return 0, ocm.BadRequest(fmt.Sprintf("unsupported access value %q", access))
	}
}

// LocalURIForRemote derives the local collection name for a remote calendar
// URL. The hash is stable so re-shares land on the same (principal, uri)
// pair, and hex keeps it path-safe.
func LocalURIForRemote(remoteURL string) string {
	sum := md5.Sum([]byte(remoteURL))
	return hex.EncodeToString(sum[:])
}
