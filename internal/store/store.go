package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store aggregates repositories backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool

	Calendars          CalendarRepository
	Events             EventRepository
	Changes            CalendarChangeRepository
	CalendarShares     CalendarShareRepository
	FederatedCalendars FederatedCalendarRepository
	FederatedEvents    FederatedEventRepository
	Jobs               JobRepository
}

// New wires concrete repository implementations with a shared connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:               pool,
		Calendars:          &calendarRepo{pool: pool},
		Events:             &eventRepo{pool: pool},
		Changes:            &changeRepo{pool: pool},
		CalendarShares:     &calendarShareRepo{pool: pool},
		FederatedCalendars: &federatedCalendarRepo{pool: pool},
		FederatedEvents:    &federatedEventRepo{pool: pool},
		Jobs:               &jobRepo{pool: pool},
	}
}

// HealthCheck verifies that the underlying database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	defer observeDB(ctx, "db.healthcheck")()
	return s.pool.Ping(ctx)
}
