package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all API routes. allowedOrigins feeds CORS for the
// read-only reporting endpoints.
func SetupRoutes(h *Handlers, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Get("/healthz", h.HealthCheck)

	// Tracking links from delivered mail.
	r.Route("/t", func(r chi.Router) {
		r.Get("/open/{drip}/{subscriber}/{token}", h.TrackOpen)
		r.Get("/click/{drip}/{subscriber}/{token}", h.TrackClick)
		r.Get("/unsubscribe/{drip}/{subscriber}/{token}", h.Unsubscribe)
		// RFC 8058 one-click unsubscribe posts to the same URL.
		r.Post("/unsubscribe/{drip}/{subscriber}/{token}", h.Unsubscribe)
	})

	r.Route("/api", func(r chi.Router) {
		if len(allowedOrigins) > 0 {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins: allowedOrigins,
				AllowedMethods: []string{http.MethodGet, http.MethodOptions},
				AllowedHeaders: []string{"Accept", "Content-Type"},
				MaxAge:         300,
			}))
		}
		r.Get("/drips/{id}/stats", h.GetDripStats)
		r.Get("/drips/{id}/subjects", h.GetSubjectStats)
		r.Get("/steps/{id}/subscribers/count", h.GetStepSubscriberCount)
	})

	return r
}
