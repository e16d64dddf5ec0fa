// Package jobs runs queued background work. The queue itself is the store's
// jobs table, deduplicated by (kind, args); the runner polls for due jobs and
// dispatches them to registered handlers. Jobs are at-least-once: a handler
// error reschedules the job instead of dropping it.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"gitea.jw6.us/james/calfed/internal/store"
)

// KindFederatedCalendarSync pulls one federated calendar. Args: "id".
const KindFederatedCalendarSync = "federated_calendar_sync"

// Handler executes one job instance. Returning an error only affects
// logging; the job stays scheduled either way.
type Handler func(ctx context.Context, args map[string]string) error

type Runner struct {
	repo     store.JobRepository
	handlers map[string]Handler
	interval time.Duration
	poll     time.Duration
	logger   *slog.Logger
	clock    func() time.Time
}

// NewRunner creates a runner that executes due jobs every poll interval and
// reschedules each finished job interval into the future.
func NewRunner(repo store.JobRepository, interval, poll time.Duration, logger *slog.Logger) *Runner {
	return &Runner{
		repo:     repo,
		handlers: make(map[string]Handler),
		interval: interval,
		poll:     poll,
		logger:   logger,
		clock:    time.Now,
	}
}

func (r *Runner) Register(kind string, h Handler) {
	r.handlers[kind] = h
}

// Run blocks until ctx is canceled, executing due jobs in poll-interval
// batches. Jobs within a batch run sequentially; there is no cross-batch
// exclusivity, so handlers must tolerate overlapping runs.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runDue(ctx)
		}
	}
}

func (r *Runner) runDue(ctx context.Context) {
	now := r.clock()
	due, err := r.repo.Due(ctx, now, 50)
	if err != nil {
		r.logger.Error("listing due jobs failed", "error", err)
		return
	}

	for _, job := range due {
		handler, ok := r.handlers[job.Kind]
		if !ok {
			r.logger.Warn("no handler for job kind, rescheduling", "kind", job.Kind)
			r.reschedule(ctx, job)
			continue
		}
		if err := handler(ctx, job.Args); err != nil {
			r.logger.Error("job failed", "kind", job.Kind, "args", job.Args, "error", err)
		}
		r.reschedule(ctx, job)
	}
}

func (r *Runner) reschedule(ctx context.Context, job store.Job) {
	ranAt := r.clock()
	if err := r.repo.Reschedule(ctx, job.ID, ranAt, ranAt.Add(r.interval)); err != nil {
		r.logger.Error("rescheduling job failed", "kind", job.Kind, "id", job.ID, "error", err)
	}
}
