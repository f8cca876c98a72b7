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

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"gpufleet/pkg/fleet"
)

// handleGetJob returns one job and its event trail.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.queue.GetJob(r.Context(), id)
	if err != nil {
		if fleet.IsNotFound(err) {
			writeError(w, r, fleet.Errorf(fleet.KindNotFound, "job %s not found", id))
			return
		}
		writeError(w, r, err)
		return
	}
	events, err := s.queue.Events(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":    job,
		"events": events,
	})
}

// handleQueueStats returns per-type queue depths.
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	body := map[string]any{"queue": stats}
	if s.migration != nil {
		if tick := s.migration.LastTick(); tick != nil {
			body["lastMigrationTick"] = tick
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"caches": s.caches.StatsAll()})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	s.caches.ClearAll()
	writeJSON(w, http.StatusOK, map[string]any{"cleared": s.caches.Names()})
}

func (s *Server) handleCacheCleanup(w http.ResponseWriter, r *http.Request) {
	removed := s.caches.CleanupAll()
	writeJSON(w, http.StatusOK, map[string]any{"removedExpired": removed})
}

func (s *Server) handleMetricsSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.GetSnapshot())
}

func (s *Server) handleMetricsReset(w http.ResponseWriter, r *http.Request) {
	s.metrics.Reset()
	writeJSON(w, http.StatusOK, map[string]any{"reset": true})
}
