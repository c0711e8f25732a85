package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"

	"github.com/cloudweave/engine/internal/api/handlers"
	mw "github.com/cloudweave/engine/internal/api/middleware"
)

type Dependencies struct {
	HMACSecret         []byte
	DeploymentsHandler *handlers.DeploymentsHandler
	SettingsHandler    *handlers.SettingsHandler
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()

	// Built-in middleware
	r.Use(mw.RequestID)
	r.Use(mw.Recovery)
	r.Use(mw.Logging)
	r.Use(mw.CORS)
	r.Use(mw.RateLimit(10, 20))
	r.Use(chimid.Compress(5))

	// Health endpoints
	hh := handlers.NewHealthHandler()
	r.Get("/healthz", hh.Liveness)
	r.Get("/readyz", hh.Readiness)

	r.Route("/api/v1", func(api chi.Router) {
		api.Group(func(protected chi.Router) {
			protected.Use(mw.Auth(dep.HMACSecret))

			protected.Route("/deployments", func(dr chi.Router) {
				dr.Get("/", dep.DeploymentsHandler.List)
				dr.Post("/", dep.DeploymentsHandler.Create)
				dr.Get("/{id}", dep.DeploymentsHandler.Get)
				dr.Get("/{id}/logs", dep.DeploymentsHandler.GetLogs)
				dr.Put("/{id}", dep.DeploymentsHandler.Update)
				dr.Delete("/{id}", dep.DeploymentsHandler.Delete)
			})

			protected.Route("/settings", func(sr chi.Router) {
				sr.Put("/credentials", dep.SettingsHandler.SetCredentials)
				sr.Get("/credentials/status", dep.SettingsHandler.GetCredentialStatus)
				sr.Get("/subscriptions", dep.SettingsHandler.ListSubscriptions)
			})
		})
	})

	return r
}
