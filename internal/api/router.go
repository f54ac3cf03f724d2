package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"mispbridge/internal/api/handlers"
	apimiddleware "mispbridge/internal/api/middleware"
	"mispbridge/internal/config"
	"mispbridge/pkg/logger"
)

// Handlers bundles the API handlers
type Handlers struct {
	Health *handlers.HealthHandler
	MISP   *handlers.MISPHandler
}

// Router holds dependencies for the API router
type Router struct {
	config   config.Config
	handlers *Handlers
	logger   *logger.Logger
}

// NewRouter creates a new Router instance
func NewRouter(cfg config.Config, h *Handlers, log *logger.Logger) *Router {
	return &Router{
		config:   cfg,
		handlers: h,
		logger:   log.WithComponent("router"),
	}
}

// Setup sets up the Chi router with all routes and middleware
func (r *Router) Setup() http.Handler {
	router := chi.NewRouter()

	// Core middleware
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(apimiddleware.Logger(r.logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	// CORS
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   r.config.CORS.AllowedOrigins,
		AllowedMethods:   r.config.CORS.AllowedMethods,
		AllowedHeaders:   r.config.CORS.AllowedHeaders,
		AllowCredentials: r.config.CORS.AllowCredentials,
		MaxAge:           r.config.CORS.MaxAge,
	}))

	// Health checks
	router.Get("/health", r.handlers.Health.Check)
	router.Get("/ready", r.handlers.Health.Ready)

	// Connector control endpoints
	router.Route("/api/v1/misp", func(api chi.Router) {
		api.Get("/status", r.handlers.MISP.Status)
		api.Post("/sync", r.handlers.MISP.Sync)
		api.Post("/export/{instance}/{caseID}", r.handlers.MISP.Export)
		api.Post("/backfill", r.handlers.MISP.Backfill)
	})

	return router
}
