package router

import (
	"net/http"

	"chestrestock-api/internal/handler"
	"chestrestock-api/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// Config holds the configuration for creating a router.
type Config struct {
	Handler          *handler.Handler
	ContainerHandler *handler.ContainerHandler
	AdminHandler     *handler.AdminHandler
	AuthMiddleware   func(http.Handler) http.Handler
}

// New creates and configures the HTTP router.
func New(cfg Config) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recovery)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-API-Key"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if cfg.Handler != nil {
		r.Get("/api/status", cfg.Handler.Status)
	}

	r.Group(func(r chi.Router) {
		if cfg.AuthMiddleware != nil {
			r.Use(cfg.AuthMiddleware)
		}

		r.Route("/api/v1", func(r chi.Router) {
			if cfg.Handler != nil {
				r.Get("/health", cfg.Handler.Health)
				r.Get("/ready", cfg.Handler.Ready)
			}

			if cfg.ContainerHandler != nil {
				h := cfg.ContainerHandler
				r.Route("/containers", func(r chi.Router) {
					r.Get("/", h.List)
					r.Route("/{id}", func(r chi.Router) {
						r.Get("/", h.Get)
						r.Put("/", h.Put)
						r.Delete("/", h.Delete)
						r.Get("/items", h.Items)
						r.Get("/loot/{consumer_id}", h.Loot)
						r.Post("/open", h.Open)
						r.Post("/take", h.Take)
						r.Post("/restock", h.Restock)
						r.Post("/capture", h.Capture)
					})
				})
			}

			if cfg.AdminHandler != nil {
				r.Route("/admin", func(r chi.Router) {
					r.Get("/stats", cfg.AdminHandler.GetStats)
					r.Post("/sweep", cfg.AdminHandler.Sweep)
					r.Post("/grants", cfg.AdminHandler.Grant)
					r.Delete("/grants", cfg.AdminHandler.Revoke)
				})
			}
		})
	})

	return r
}
