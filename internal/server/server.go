// Package server exposes the orchestrator's HTTP surface: route translation,
// preflight probing, manual maintenance triggers, and instance force-wake.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/karlorz/cmux/internal/maintenance"
	"github.com/karlorz/cmux/internal/previewurl"
	"github.com/karlorz/cmux/internal/provider"
)

// JobRunner triggers one maintenance job by name, out of band.
type JobRunner interface {
	RunJob(ctx context.Context, name string) error
}

// Activity records lifecycle transitions for the maintenance scheduler.
type Activity interface {
	RecordResume(instanceID, providerName string) error
}

type Server struct {
	Providers *provider.Registry
	Jobs      JobRunner
	Activity  Activity
	// Preflight streams readiness phases for a preview URL.
	Preflight http.Handler
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health endpoint (no auth required, for probes)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Get("/api/routes", s.handleRoutes)
	if s.Preflight != nil {
		r.Get("/api/preflight", s.Preflight.ServeHTTP)
	}
	r.Post("/api/maintenance/{job}", s.handleMaintenance)
	r.Post("/api/instances/{id}/resume", s.handleResume)

	return r
}

// handleRoutes translates a preview URL into its routed form. Unrecognized
// URLs come back as pass-through routes, never as errors.
func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		http.Error(w, "url query parameter required", http.StatusBadRequest)
		return
	}
	route := previewurl.Resolve(raw)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(route)
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	job := chi.URLParam(r, "job")
	if err := s.Jobs.RunJob(r.Context(), job); err != nil {
		log.Error().Err(err).Str("job", job).Msg("manual maintenance run failed")
		status := http.StatusBadGateway
		if errors.Is(err, maintenance.ErrUnknownJob) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "job": job})
}

// handleResume force-wakes an instance, looking it up across all configured
// providers. Provider errors map onto HTTP statuses for the caller.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, inst := s.findInstance(r.Context(), id)
	if p == nil {
		http.Error(w, "instance not found", http.StatusNotFound)
		return
	}
	if err := provider.Authorize(inst, r.Header.Get("X-Team-ID")); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	if inst.Status != provider.StatusRunning {
		resumed, err := p.Resume(r.Context(), id)
		if err != nil {
			log.Error().Err(err).Str("instance_id", id).Str("provider", p.Name()).Msg("resume failed")
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		inst = resumed
		if s.Activity != nil {
			if err := s.Activity.RecordResume(id, p.Name()); err != nil {
				log.Warn().Err(err).Str("instance_id", id).Msg("failed to record resume")
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(inst)
}

func (s *Server) findInstance(ctx context.Context, id string) (provider.Provider, *provider.Instance) {
	for _, p := range s.Providers.All() {
		inst, err := p.Get(ctx, id)
		if err == nil {
			return p, inst
		}
		if !errors.Is(err, provider.ErrNotFound) {
			log.Warn().Err(err).Str("instance_id", id).Str("provider", p.Name()).Msg("instance lookup failed")
		}
	}
	return nil, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, provider.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, provider.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, provider.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, provider.ErrProviderUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
