package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/metorial/aegis/internal/store"
)

const defaultOutcomeLimit = 100

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := s.history.Cap()
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= s.history.Cap() {
			limit = l
		}
	}

	points := s.history.Replay(limit)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"points": points,
		"count":  len(points),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := s.snapshots.Latest()
	if snap == nil {
		http.Error(w, "No snapshot yet", http.StatusServiceUnavailable)
		return
	}

	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"version":        s.opts.Version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"hub":            s.hub.Stats(),
		"sampler": map[string]interface{}{
			"interval_ms": s.snapshots.Interval().Milliseconds(),
			"ticks":       s.snapshots.Ticks(),
			"overruns":    s.snapshots.Overruns(),
		},
		"dispatch": s.commands.Stats(),
	}

	if counts, err := s.outcomes.CountOutcomes(r.Context()); err != nil {
		s.logger.Error("Failed to count outcomes", "error", err)
	} else {
		stats["outcomes"] = counts
	}

	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := defaultOutcomeLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= store.MaxOutcomeLimit {
			limit = l
		}
	}

	outcomes, err := s.outcomes.RecentOutcomes(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to read outcomes", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"outcomes": outcomes,
		"count":    len(outcomes),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.outcomes.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"version": s.opts.Version,
		"ticks":   s.snapshots.Ticks(),
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Error encoding JSON response", "error", err)
	}
}
