// Package sharing implements the outbound half of calendar federation:
// turning "share this calendar with user@otherserver" into a tokened share
// delivered to the remote provider, plus the local bookkeeping the inbound
// auth backend later consults.
//
// Every operation here is fire-and-forget from the caller's perspective. It
// is invoked from generic sharing code that has no federation-specific error
// branch, so failures are logged and leave local state untouched instead of
// propagating.
package sharing

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"gitea.jw6.us/james/calfed/internal/federation/cloudid"
	"gitea.jw6.us/james/calfed/internal/federation/mount"
	"gitea.jw6.us/james/calfed/internal/federation/ocm"
	"gitea.jw6.us/james/calfed/internal/federation/protocol"
	"gitea.jw6.us/james/calfed/internal/store"
)

// secretLength is the entropy of the per-share bearer secret in bytes.
const secretLength = 32

type Service struct {
	calendars  store.CalendarRepository
	shares     store.CalendarShareRepository
	client     *ocm.Client
	baseURL    string
	serverName string
	random     io.Reader
	logger     *slog.Logger
}

func NewService(calendars store.CalendarRepository, shares store.CalendarShareRepository, client *ocm.Client, baseURL, serverName string, logger *slog.Logger) *Service {
	return &Service{
		calendars:  calendars,
		shares:     shares,
		client:     client,
		baseURL:    baseURL,
		serverName: serverName,
		random:     rand.Reader,
		logger:     logger,
	}
}

// ShareWith shares a local calendar with a remote user addressed by a
// remote-user principal URI. Only after the remote confirms the share is the
// local grant recorded, so a failed delivery leaves no dangling state.
func (s *Service) ShareWith(ctx context.Context, calendarID int64, recipientPrincipal, access string) {
	recipient, err := cloudid.FromRemotePrincipal(recipientPrincipal)
	if err != nil {
		s.logger.Error("cannot share calendar: recipient is not a remote-user principal",
			"principal", recipientPrincipal, "error", err)
		return
	}

	grant, ok := accessPermission(access)
	if !ok {
		s.logger.Error("cannot share calendar: unsupported access level",
			"calendar_id", calendarID, "access", access)
		return
	}

	calOpt, err := s.calendars.GetByID(ctx, calendarID)
	if err != nil {
		s.logger.Error("cannot share calendar: lookup failed", "calendar_id", calendarID, "error", err)
		return
	}
	cal, ok := calOpt.Get()
	if !ok {
		s.logger.Error("cannot share calendar: no such calendar", "calendar_id", calendarID)
		return
	}

	secret, err := s.newSecret()
	if err != nil {
		s.logger.Error("cannot share calendar: secret generation failed", "error", err)
		return
	}

	calendarURL := mount.CalendarURL(s.baseURL, recipient, cal.URI, cal.Owner)
	proto := protocol.V1{
		URL:         calendarURL,
		DisplayName: cal.DisplayName,
		Access:      protocol.AccessRead,
		Components:  cal.Components,
	}
	if cal.Color != nil {
		proto.Color = *cal.Color
	}

	owner := cloudid.CloudID{User: cal.Owner, Host: s.serverName}
	share := ocm.Share{
		ShareWith: recipient.String(),
		Name:      cal.DisplayName,
		// Sender-side share reference; recipients may quote it back in
		// notifications but nothing here depends on that.
		ProviderID: uuid.NewString(),
		// Resharing is unsupported, so owner and sharedBy always coincide.
		Owner:        owner.String(),
		SharedBy:     owner.String(),
		ShareType:    ocm.ShareTypeUser,
		ResourceType: ocm.ResourceTypeCalendar,
		Protocol:     mergeProtocol(map[string]any{"sharedSecret": secret}, proto.WireMap()),
	}

	if err := s.client.CreateShare(ctx, recipient.Host, share); err != nil {
		// The remote never learned of a share it can act on, so nothing
		// local is committed either.
		s.logger.Error("federated share delivery failed",
			"calendar_id", calendarID, "recipient", recipient.String(), "error", err)
		return
	}

	if _, err := s.shares.Replace(ctx, store.CalendarShare{
		CalendarID: calendarID,
		Principal:  recipientPrincipal,
		Access:     grant,
		Token:      secret,
	}); err != nil {
		s.logger.Error("recording federated share grant failed",
			"calendar_id", calendarID, "recipient", recipient.String(), "error", err)
		return
	}

	s.logger.Info("shared calendar with remote user",
		"calendar_id", calendarID, "recipient", recipient.String())
}

// Unshare revokes a previously granted federated share: the remote side is
// told to drop its replica, then the local grant is removed. Like ShareWith
// this never propagates errors.
func (s *Service) Unshare(ctx context.Context, calendarID int64, recipientPrincipal string) {
	recipient, err := cloudid.FromRemotePrincipal(recipientPrincipal)
	if err != nil {
		s.logger.Error("cannot unshare calendar: recipient is not a remote-user principal",
			"principal", recipientPrincipal, "error", err)
		return
	}

	calOpt, err := s.calendars.GetByID(ctx, calendarID)
	if err != nil {
		s.logger.Error("cannot unshare calendar: lookup failed", "calendar_id", calendarID, "error", err)
		return
	}
	if cal, ok := calOpt.Get(); ok {
		notification := ocm.Notification{
			Type:        ocm.NotificationShareUnshared,
			ProviderID:  ocm.ResourceTypeCalendar,
			ShareWith:   recipient.String(),
			CalendarURL: mount.CalendarURL(s.baseURL, recipient, cal.URI, cal.Owner),
		}
		// The recipient only honors a revocation carrying the original
		// share secret, so echo the stored token back to it.
		if grants, err := s.shares.ListByPrincipal(ctx, recipientPrincipal); err == nil {
			for _, g := range grants {
				if g.CalendarID == calendarID {
					notification.SharedSecret = g.Token
					break
				}
			}
		}
		if err := s.client.SendNotification(ctx, recipient.Host, notification); err != nil {
			// Best effort: the grant is removed regardless, which cuts
			// off the remote's access even if it never hears about it.
			s.logger.Warn("unshare notification delivery failed",
				"calendar_id", calendarID, "recipient", recipient.String(), "error", err)
		}
	}

	if err := s.shares.Delete(ctx, calendarID, recipientPrincipal); err != nil {
		s.logger.Error("removing federated share grant failed",
			"calendar_id", calendarID, "recipient", recipient.String(), "error", err)
		return
	}
	s.logger.Info("unshared calendar from remote user",
		"calendar_id", calendarID, "recipient", recipient.String())
}

func (s *Service) newSecret() (string, error) {
	buf := make([]byte, secretLength)
	if _, err := io.ReadFull(s.random, buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// mergeProtocol overlays proto onto base; protocol fields win on collision.
func mergeProtocol(base, proto map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(proto))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range proto {
		merged[k] = v
	}
	return merged
}

func accessPermission(access string) (int, bool) {
	switch access {
	case protocol.AccessRead:
		return store.PermissionRead, true
	default:
		return 0, false
	}
}
