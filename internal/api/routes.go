package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the HTTP router.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check (no auth required)
	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Route("/populations", func(r chi.Router) {
			r.Get("/", h.ListPopulations)
			r.Post("/upload", h.UploadPopulation)
			r.Get("/{id}", h.GetPopulation)
			r.Delete("/{id}", h.DeletePopulation)
			r.Post("/{id}/segments", h.CreateSegment)
		})
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/{id}", h.GetJob)
			r.Delete("/{id}", h.CancelJob)
		})
	})

	return r
}
