package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"gitea.jw6.us/james/calfed/internal/store"
)

// CalendarSyncer runs one pull pass for a federated calendar.
type CalendarSyncer interface {
	SyncOne(ctx context.Context, id int64) (int, error)
}

// SyncHandler adapts the sync service to the job contract. A job whose
// calendar no longer exists removes itself from the queue.
func SyncHandler(syncer CalendarSyncer, repo store.JobRepository, logger *slog.Logger) Handler {
	return func(ctx context.Context, args map[string]string) error {
		id, err := strconv.ParseInt(args["id"], 10, 64)
		if err != nil {
			return fmt.Errorf("sync job has invalid id %q: %w", args["id"], err)
		}
		if _, err := syncer.SyncOne(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				logger.Info("federated calendar gone, dropping its sync job", "id", id)
				return repo.Remove(ctx, KindFederatedCalendarSync, args)
			}
			return err
		}
		return nil
	}
}
