// Package notifier pushes SYNC_CALENDAR hints to remote servers after a
// shared calendar changes. Delivery is best-effort: the recipient's periodic
// background sync is the reliability backstop, so callers treat failures as
// non-fatal.
package notifier

import (
	"context"
	"fmt"
	"log/slog"

	"gitea.jw6.us/james/calfed/internal/federation/cloudid"
	"gitea.jw6.us/james/calfed/internal/federation/mount"
	"gitea.jw6.us/james/calfed/internal/federation/ocm"
	"gitea.jw6.us/james/calfed/internal/metrics"
)

type Notifier struct {
	client  *ocm.Client
	baseURL string
	logger  *slog.Logger
}

func New(client *ocm.Client, baseURL string, logger *slog.Logger) *Notifier {
	return &Notifier{client: client, baseURL: baseURL, logger: logger}
}

// NotifySyncCalendar asks the recipient's server to pull fresh data for the
// calendar identified by (ownerUID, calendarURI). The calendar URL is the
// same one the share originally advertised, so the recipient can match it
// against its stored records.
func (n *Notifier) NotifySyncCalendar(ctx context.Context, recipient cloudid.CloudID, ownerUID, calendarURI, sharedSecret string) error {
	notification := ocm.Notification{
		Type:         ocm.NotificationSyncCalendar,
		ProviderID:   ocm.ResourceTypeCalendar,
		SharedSecret: sharedSecret,
		ShareWith:    recipient.String(),
		CalendarURL:  mount.CalendarURL(n.baseURL, recipient, calendarURI, ownerUID),
	}

	metrics.CountNotification("out", ocm.NotificationSyncCalendar)
	if err := n.client.SendNotification(ctx, recipient.Host, notification); err != nil {
		return fmt.Errorf("notify %s about %s/%s: %w", recipient.Host, ownerUID, calendarURI, err)
	}
	n.logger.Debug("sent sync notification", "recipient", recipient.String(), "calendar", calendarURI)
	return nil
}
