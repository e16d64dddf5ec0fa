package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"gitea.jw6.us/james/calfed/internal/auth"
	"gitea.jw6.us/james/calfed/internal/config"
	"gitea.jw6.us/james/calfed/internal/dav"
	fedauth "gitea.jw6.us/james/calfed/internal/federation/auth"
	"gitea.jw6.us/james/calfed/internal/federation/provider"
	"gitea.jw6.us/james/calfed/internal/federation/sharing"
	"gitea.jw6.us/james/calfed/internal/http/ratelimit"
	"gitea.jw6.us/james/calfed/internal/metrics"
	"gitea.jw6.us/james/calfed/internal/store"
)

func init() {
	for _, method := range []string{
		"PROPFIND",
		"PROPPATCH",
		"REPORT",
	} {
		chi.RegisterMethod(method)
	}
}

// Services collects the handlers and services the router wires together.
type Services struct {
	Store      *store.Store
	Provider   *provider.Provider
	Sharing    *sharing.Service
	FedAuth    *fedauth.Backend
	Federation *dav.FederationHandler
	Facade     *dav.FacadeHandler
}

// NewRouter wires the OCM endpoints, both DAV surfaces and the operational
// endpoints.
func NewRouter(cfg *config.Config, svc Services) http.Handler {
	r := chi.NewRouter()

	// OCM endpoints: 5 requests per second, burst of 10
	ocmRateLimiter := ratelimit.NewPeerLimiter(rate.Limit(5), 10, 5*time.Minute, cfg.TrustedProxies)
	// DAV endpoints: 20 requests per second, burst of 50 (more permissive for sync clients)
	davRateLimiter := ratelimit.NewPeerLimiter(rate.Limit(20), 50, 5*time.Minute, cfg.TrustedProxies)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := svc.Store.HealthCheck(ctx); err != nil {
			http.Error(w, "unready", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.PrometheusEnabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.Handler().ServeHTTP(w, r)
		})
	}

	ocm := &ocmHandlers{provider: svc.Provider}
	r.Route("/ocm", func(r chi.Router) {
		r.Use(ocmRateLimiter.Middleware())
		r.Post("/shares", ocm.CreateShare)
		r.Post("/notifications", ocm.ReceiveNotification)
	})

	shares := &shareHandlers{calendars: svc.Store.Calendars, sharing: svc.Sharing}
	r.Route("/api/shares", func(r chi.Router) {
		r.Use(ocmRateLimiter.Middleware())
		r.Use(auth.Middleware(cfg.LocalUsers))
		r.Post("/", shares.Create)
		r.Delete("/", shares.Delete)
	})

	// Sharer-side mount: remote servers pull shared calendars here with
	// their per-share secrets.
	r.Route("/dav/remote-calendars", func(r chi.Router) {
		r.Use(davRateLimiter.Middleware())
		r.Use(svc.FedAuth.Middleware("/dav/remote-calendars"))
		r.MethodFunc("OPTIONS", "/*", svc.Federation.Options)
		r.MethodFunc("PROPFIND", "/*", svc.Federation.Propfind)
		r.MethodFunc("REPORT", "/*", svc.Federation.Report)
		r.Get("/*", svc.Federation.Get)
		r.Head("/*", svc.Federation.Head)
	})

	// Local mount: a user's own calendars plus the federated facades.
	r.Route("/dav/calendars", func(r chi.Router) {
		r.Use(davRateLimiter.Middleware())
		r.Use(auth.Middleware(cfg.LocalUsers))
		r.MethodFunc("OPTIONS", "/*", svc.Facade.Options)
		r.MethodFunc("PROPFIND", "/*", svc.Facade.Propfind)
		r.MethodFunc("PROPPATCH", "/*", svc.Facade.Proppatch)
		r.Get("/*", svc.Facade.Get)
		r.Head("/*", svc.Facade.Head)
		r.Put("/*", svc.Facade.Put)
		r.Delete("/*", svc.Facade.Delete)
	})

	return r
}
