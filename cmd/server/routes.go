package main

import (
	"fmt"
	"net/http"

	"github.com/dennisdiepolder/officehours/backend/internal/api"
	"github.com/dennisdiepolder/officehours/backend/internal/auth"
	"github.com/dennisdiepolder/officehours/backend/internal/config"
	"github.com/dennisdiepolder/officehours/backend/internal/metrics"
	"github.com/dennisdiepolder/officehours/backend/pkg/middleware"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// routes bundles the handlers mounted by newRouter
type routes struct {
	auth    *auth.Authenticator
	me      *api.MeHandler
	queues  *api.QueueHandler
	ta      *api.TAHandler
	changes *api.ChangesHandler
	stream  http.Handler
	admin   *api.AdminHandler
	history *api.HistoryHandler
	grants  *api.GrantsHandler
}

func newRouter(cfg *config.Config, h routes, logger zerolog.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Public routes
	r.Get("/health", healthHandler)

	// Internal routes (no user auth - reachable only inside the deployment)
	r.Route("/internal", func(r chi.Router) {
		r.Get("/metrics", metrics.Get().Handler())
		if h.grants != nil {
			r.Post("/grants", h.grants.HandleGrants)
		}
	})

	r.Group(func(r chi.Router) {
		r.Use(h.auth.Middleware)

		r.Get("/api/me", h.me.GetMe)

		r.Post("/api/queues", h.queues.Mutate)
		r.Get("/api/queues/{queueID}", h.queues.GetSnapshot)
		r.Get("/api/queues/{queueID}/eta", h.queues.GetETA)

		r.Get("/api/changes", h.changes.Poll)
		r.Get("/api/changes/stream", h.stream.ServeHTTP)

		r.Route("/api/ta", func(r chi.Router) {
			r.Post("/accept", h.ta.Accept)
			r.Post("/stop", h.ta.Stop)
			r.Post("/call-again", h.ta.CallAgain)
			r.Get("/queues/{queueID}/assignment", h.ta.GetAssignment)
		})

		r.Group(func(r chi.Router) {
			r.Use(api.RequireManagerOrAdmin)
			r.Get("/api/queues/{queueID}/sessions", h.history.GetQueueSessions)
			r.Get("/api/staff/{userID}/history", h.history.GetStaffHistory)
			r.Post("/api/admin/cache/flush", h.admin.FlushCache)
		})

		r.With(api.RequireAdmin).Post("/api/admin/archive/wipe", h.admin.WipeArchive)
	})

	return r
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","service":"officehours-backend"}`)
}
