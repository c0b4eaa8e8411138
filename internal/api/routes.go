package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scanwatch/rdio-monitor/internal/audio"
	"github.com/scanwatch/rdio-monitor/internal/config"
	"github.com/scanwatch/rdio-monitor/internal/monitor"
	"github.com/scanwatch/rdio-monitor/internal/scanner"
	"github.com/scanwatch/rdio-monitor/internal/storage/sqlite"
	"github.com/scanwatch/rdio-monitor/pkg/logger"
)

// Router is the API router
type Router struct {
	handler    *Handler
	middleware *Middleware
	config     *config.Config
	logger     *logger.Logger
}

// NewRouter creates a new API router
func NewRouter(
	store *sqlite.CallStore,
	pipeline *audio.Pipeline,
	mon *monitor.Monitor,
	client *scanner.Client,
	config *config.Config,
	logger *logger.Logger,
) *Router {
	return &Router{
		handler:    NewHandler(store, pipeline, mon, client, logger),
		middleware: NewMiddleware(logger),
		config:     config,
		logger:     logger.Named("api-router"),
	}
}

// Routes returns the API routes
func (r *Router) Routes() http.Handler {
	router := chi.NewRouter()

	// Middleware
	router.Use(r.middleware.RequestID)
	router.Use(r.middleware.Logger)
	router.Use(r.middleware.Recoverer)
	router.Use(r.middleware.CORS(r.config.Server.CORSAllowedOrigins))

	// API routes
	router.Route("/api/v1", func(router chi.Router) {
		// Health check and statistics
		router.Get("/health", r.handler.GetHealth)
		router.Get("/stats", r.handler.GetStats)

		// Call records
		router.Get("/calls", r.handler.GetRecentCalls)
		router.Get("/calls/{id}", r.handler.GetCallByID)
	})

	// Prometheus metrics
	router.Handle("/metrics", promhttp.Handler())

	return router
}
