package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/go-badge-sync/internal/config"
	"github.com/go-badge-sync/internal/transport/http/handler"
	appmiddleware "github.com/go-badge-sync/internal/transport/http/middleware"
)

// NewRouter builds and returns the application router.
func NewRouter(cfg *config.Config, deps *Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	authMw := func(next http.Handler) http.Handler { return next }
	if deps.Verifier != nil {
		verify := appmiddleware.Auth(deps.Verifier)
		owner := appmiddleware.RequireSubject(cfg.UserID)
		authMw = func(next http.Handler) http.Handler { return verify(owner(next)) }
	}

	limit := func(next http.Handler) http.Handler { return next }
	if deps.WriteLimiter != nil {
		limit = deps.WriteLimiter.Limit
	}

	healthH := handler.NewHealthHandler(deps.Badge.State)
	badgeH := handler.NewBadgeHandler(deps.Badge, deps.Resyncer)

	r.Route("/v1", func(r chi.Router) {
		// ── Public routes (no auth) ──────────────────────────────────────────
		r.Get("/health-check/{action}", healthH.Ping)

		// ── Authenticated routes ─────────────────────────────────────────────
		r.Group(func(r chi.Router) {
			r.Use(authMw)

			r.Get("/badge", badgeH.Get)
			r.Get("/badge/stream", badgeH.Stream)
			r.Get("/badge/stats", badgeH.Stats)
			r.Get("/notifications/{id}", badgeH.GetNotification)

			r.Group(func(r chi.Router) {
				r.Use(limit)

				r.Put("/notifications/{id}", badgeH.MarkRead)
				r.Post("/notifications/read-all", badgeH.MarkAllRead)
				r.Post("/sync", badgeH.Sync)
			})
		})
	})

	return r
}
