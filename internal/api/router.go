package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/hubfeed-agent/internal/api/handler"
	mw "github.com/kiranshivaraju/hubfeed-agent/internal/api/middleware"
)

// Dependencies holds the handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit
	Handler   *handler.Handler
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()
	h := deps.Handler

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public routes
	r.Get("/api/health", h.Health)
	r.With(deps.RateLimit.Limit).Post("/api/auth/login", h.Login)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Get("/api/status", h.Status)
		r.Post("/api/control/start", h.StartLoop)
		r.Post("/api/control/stop", h.StopLoop)

		r.Get("/api/config", h.GetConfig)
		r.Put("/api/config/token", h.UpdateToken)

		r.Route("/api/avatars", func(r chi.Router) {
			r.Get("/", h.ListAvatars)
			r.Post("/telegram", h.ConnectTelegram)
			r.Route("/{avatarID}", func(r chi.Router) {
				r.Get("/", h.GetAvatar)
				r.Delete("/", h.DeleteAvatar)
				r.Get("/dialogs", h.ListDialogs)
				r.Get("/sources", h.ListSources)
				r.Post("/sources", h.AddSource)
				r.Patch("/sources/{sourceID}", h.UpdateSource)
				r.Delete("/sources/{sourceID}", h.RemoveSource)
			})
		})

		r.Get("/api/browser/platforms", h.BrowserPlatforms)
		r.Post("/api/browser/auth", h.BrowserAuth)
		r.Post("/api/browser/auth/challenge", h.BrowserChallenge)

		r.Get("/api/blacklist", h.GetBlacklist)
		r.Put("/api/blacklist", h.PutBlacklist)

		r.Get("/api/history", h.ListHistory)
		r.Get("/api/history/stats", h.HistoryStats)
		r.Get("/api/history/jobs/{jobID}", h.JobHistory)
	})

	return r
}
