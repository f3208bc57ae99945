// Package api exposes the deployment gate and installer over HTTP.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/edvin/deploygate/internal/api/handler"
	mw "github.com/edvin/deploygate/internal/api/middleware"
	"github.com/edvin/deploygate/internal/core"
	"github.com/edvin/deploygate/internal/installer"
)

type Server struct {
	router   chi.Router
	logger   zerolog.Logger
	service  *core.DeploymentService
	progress *installer.ProgressHub
}

func NewServer(logger zerolog.Logger, service *core.DeploymentService, progress *installer.ProgressHub) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		logger:   logger,
		service:  service,
		progress: progress,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.Metrics)
}

func (s *Server) setupRoutes() {
	// Prometheus metrics endpoint
	s.router.Handle("/metrics", promhttp.Handler())

	// Health check endpoints
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	s.router.Route("/api/v1", func(r chi.Router) {
		deployment := handler.NewDeployment(s.service, s.progress)
		r.Get("/deployments", deployment.List)
		r.Post("/deployments/reload", deployment.Reload)
		r.Get("/deployments/{name}", deployment.Get)
		r.Get("/deployments/{name}/verdict", deployment.Evaluate)
		r.Post("/deployments/{name}/deploy", deployment.Deploy)
		r.Post("/deployments/{name}/install", deployment.Install)
		r.Get("/deployments/{name}/public-key", deployment.PublicKey)
		r.Post("/deployments/{name}/deploy-key", deployment.ProvisionKey)
		r.Get("/deployments/{name}/progress", deployment.Status)
		r.Get("/deployments/{name}/progress/ws", deployment.Progress)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"deployments": len(s.service.Names()),
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
