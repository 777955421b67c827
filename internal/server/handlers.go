package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"sitebox/internal/history"
)

const (
	DefaultRunsLimit = 20  // Runs returned by /runs without ?limit
	MaxRunsLimit     = 200 // Upper bound for ?limit
)

type backupView struct {
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
	Size      int64  `json:"size"`
	SizeHuman string `json:"size_human"`
	Source    string `json:"source,omitempty"`
}

// HandleHealth handles health check requests
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status": "ok",
		"domain": s.Domain,
	}

	if s.History != nil {
		latest, err := s.History.LatestRun(r.Context())
		switch {
		case errors.Is(err, history.ErrRunNotFound):
			response["latest_run"] = nil
		case err != nil:
			s.Logger.Error("Failed to get latest run", "error", err)
			response["status"] = "degraded"
		default:
			latest.Steps = nil
			response["latest_run"] = latest
		}
	}

	if s.Backups != nil {
		snaps, err := s.Backups.List()
		if err != nil {
			s.Logger.Error("Failed to list backups", "error", err)
			response["status"] = "degraded"
		} else {
			response["backup_count"] = len(snaps)
		}
	}

	s.respondJSON(w, http.StatusOK, response)
}

// HandleRuns lists recent runs, newest first.
func (s *Server) HandleRuns(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "History not available"})
		return
	}

	limit := DefaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, MaxRunsLimit)
	}

	runs, err := s.History.ListRuns(r.Context(), limit)
	if err != nil {
		s.Logger.Error("Failed to list runs", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch run history"})
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// HandleRun returns one run with its step results.
func (s *Server) HandleRun(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "History not available"})
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid run id"})
		return
	}

	run, err := s.History.GetRun(r.Context(), id)
	if errors.Is(err, history.ErrRunNotFound) {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown run"})
		return
	}
	if err != nil {
		s.Logger.Error("Failed to get run", "error", err, "id", id)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch run"})
		return
	}

	s.respondJSON(w, http.StatusOK, run)
}

// HandleBackups lists snapshots, newest first.
func (s *Server) HandleBackups(w http.ResponseWriter, r *http.Request) {
	if s.Backups == nil {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Backups not available"})
		return
	}

	snaps, err := s.Backups.List()
	if err != nil {
		s.Logger.Error("Failed to list backups", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to list backups"})
		return
	}

	views := make([]backupView, 0, len(snaps))
	for i := len(snaps) - 1; i >= 0; i-- {
		snap := snaps[i]
		views = append(views, backupView{
			Name:      snap.Name,
			CreatedAt: snap.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
			Size:      snap.Size,
			SizeHuman: humanize.Bytes(uint64(snap.Size)),
			Source:    snap.Source,
		})
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"backups": views,
		"count":   len(views),
	})
}

// respondJSON sends a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.Logger.Error("Failed to encode JSON response", "error", err)
	}
}
