package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"gitea.jw6.us/james/calfed/internal/caldav"
	"gitea.jw6.us/james/calfed/internal/calendars"
	"gitea.jw6.us/james/calfed/internal/config"
	"gitea.jw6.us/james/calfed/internal/dav"
	fedauth "gitea.jw6.us/james/calfed/internal/federation/auth"
	"gitea.jw6.us/james/calfed/internal/federation/notifier"
	"gitea.jw6.us/james/calfed/internal/federation/ocm"
	"gitea.jw6.us/james/calfed/internal/federation/provider"
	"gitea.jw6.us/james/calfed/internal/federation/sharing"
	"gitea.jw6.us/james/calfed/internal/federation/sync"
	httpserver "gitea.jw6.us/james/calfed/internal/http"
	"gitea.jw6.us/james/calfed/internal/jobs"
	"gitea.jw6.us/james/calfed/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("failed to create db pool: %v", err)
	}
	defer pool.Close()

	if err := store.ApplyMigrations(ctx, pool); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}

	stor := store.New(pool)

	httpClient := &http.Client{Timeout: cfg.Federation.HTTPTimeout}
	ocmClient := ocm.NewClient(httpClient, cfg.Federation.Scheme, logger)
	caldavClient := caldav.NewClient(httpClient, logger)

	notify := notifier.New(ocmClient, cfg.BaseURL, logger)
	prov := provider.New(cfg, stor.FederatedCalendars, stor.Jobs, logger)
	sharingSvc := sharing.NewService(stor.Calendars, stor.CalendarShares, ocmClient, cfg.BaseURL, cfg.ServerName, logger)
	syncSvc := sync.NewService(stor.FederatedCalendars, stor.FederatedEvents, caldavClient, cfg.ServerName, logger)
	localSvc := calendars.NewService(stor, notify, logger)

	runner := jobs.NewRunner(stor.Jobs, cfg.Federation.SyncInterval, 15*time.Second, logger)
	runner.Register(jobs.KindFederatedCalendarSync, jobs.SyncHandler(syncSvc, stor.Jobs, logger))
	go runner.Run(ctx)

	svc := httpserver.Services{
		Store:      stor,
		Provider:   prov,
		Sharing:    sharingSvc,
		FedAuth:    fedauth.NewBackend(stor.CalendarShares, logger),
		Federation: dav.NewFederationHandler(stor, logger),
		Facade:     dav.NewFacadeHandler(stor, localSvc, caldavClient, cfg.ServerName, logger),
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      httpserver.NewRouter(cfg, svc),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", cfg.ListenAddr, "federation_enabled", cfg.Federation.Enabled)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
