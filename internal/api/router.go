package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentoven/datachat/internal/api/handlers"
	"github.com/agentoven/datachat/internal/api/middleware"
	"github.com/agentoven/datachat/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, am *middleware.AuthMiddleware) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Service-Token", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", h.Health)
	r.Get("/version", versionHandler(cfg))
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(am.Handler)

		// API v1
		r.Route("/api/v1", func(r chi.Router) {
			r.Post("/query", h.RunQuery)
			r.Post("/analytics", h.Analytics)
			r.Post("/ask", h.Ask)

			r.Route("/tools", func(r chi.Router) {
				r.Get("/", h.ListTools)
				r.Post("/{name}/execute", h.ExecuteTool)
			})

			r.Post("/relations/{kind}", h.RunRelation)
			r.Get("/schema", h.Schema)

			r.Route("/custom-tools", func(r chi.Router) {
				r.Get("/", h.ListCustomTools)
				r.Post("/", h.CreateCustomTool)
			})

			r.Get("/models/providers", h.ListProviders)
		})

		// MCP gateway: the same tools over JSON-RPC
		r.Post("/mcp", h.MCPEndpoint)
		r.Get("/mcp/sse", h.MCPSSEEndpoint)
	})

	return r
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "datachat",
		})
	}
}
