// gpufleet is a control-plane service for rented GPU compute instances.
// Copyright (C) 2025 The gpufleet authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package api is the HTTP surface: instance operations, job and queue
// introspection, cache administration, health, and metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"gpufleet/internal/cache"
	"gpufleet/internal/kv"
	"gpufleet/internal/metrics"
	"gpufleet/internal/migration"
	"gpufleet/internal/orchestrator"
	"gpufleet/internal/queue"
	"gpufleet/pkg/fleet"
)

// Server carries the handler dependencies.
type Server struct {
	orch      *orchestrator.Orchestrator
	queue     *queue.Queue
	caches    *cache.Registry
	metrics   *metrics.Registry
	store     kv.Store
	migration *migration.Scheduler
	upstream  interface{ Healthy() bool }
	logger    *zap.Logger
	validate  *validator.Validate

	startedAt time.Time
}

// New builds the server.
func New(
	orch *orchestrator.Orchestrator,
	q *queue.Queue,
	caches *cache.Registry,
	m *metrics.Registry,
	store kv.Store,
	mig *migration.Scheduler,
	upstream interface{ Healthy() bool },
	logger *zap.Logger,
) *Server {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("instancename", func(fl validator.FieldLevel) bool {
		return fleet.NameRE.MatchString(fl.Field().String())
	})
	return &Server{
		orch:      orch,
		queue:     q,
		caches:    caches,
		metrics:   m,
		store:     store,
		migration: mig,
		upstream:  upstream,
		logger:    logger.With(zap.String("component", "api")),
		validate:  v,
		startedAt: time.Now().UTC(),
	}
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())
	r.Route("/metrics-api", func(r chi.Router) {
		r.Get("/snapshot", s.handleMetricsSnapshot)
		r.Post("/reset", s.handleMetricsReset)
	})

	r.Route("/instances", func(r chi.Router) {
		r.Post("/", s.handleCreateInstance)
		r.Get("/", s.handleListInstances)
		r.Get("/{idOrName}", s.handleGetInstance)
		r.Post("/{idOrName}/start", s.handleStartInstance)
		r.Post("/{idOrName}/stop", s.handleStopInstance)
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/{id}", s.handleGetJob)
	})
	r.Get("/queue/stats", s.handleQueueStats)

	r.Route("/cache", func(r chi.Router) {
		r.Get("/stats", s.handleCacheStats)
		r.Post("/clear", s.handleCacheClear)
		r.Post("/cleanup", s.handleCacheCleanup)
	})

	return r
}

// observe records request metrics and one structured log line per request.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		endpoint := r.Method + " " + routePattern(r)
		s.metrics.ObserveRequest(endpoint, ww.Status(), elapsed)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", elapsed),
			zap.String("requestId", middleware.GetReqID(r.Context())))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// healthResponse is the health detail body.
type healthResponse struct {
	Status    string            `json:"status"`
	UptimeSec int64             `json:"uptimeSec"`
	Checks    map[string]string `json:"checks"`
	Timestamp time.Time         `json:"timestamp"`
}

// handleHealth reports kv reachability and upstream breaker state. The
// endpoint answers 200 only when every dependency is up; any degraded
// dependency flips the status code to 503, with the detail in the body.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"kv": "ok", "upstream": "ok"}
	status := "ok"
	if err := s.store.Ping(ctx); err != nil {
		checks["kv"] = err.Error()
		status = "degraded"
	}
	if s.upstream != nil && !s.upstream.Healthy() {
		checks["upstream"] = "circuit breaker open"
		status = "degraded"
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthResponse{
		Status:    status,
		UptimeSec: int64(time.Since(s.startedAt).Seconds()),
		Checks:    checks,
		Timestamp: time.Now().UTC(),
	})
}
