package api

import (
	"net/http"

	"github.com/jihunglin/skalds/internal/skald"
)

// handleSkaldsList serves GET /api/skalds?type&status (spec §6).
func (s *Server) handleSkaldsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed", "")
		return
	}

	kind := skald.Kind(r.URL.Query().Get("type"))
	status := skald.Status(r.URL.Query().Get("status"))

	list := s.skaldStore.Snapshot(func(rec *skald.Skald) bool {
		if kind != "" && rec.Kind != kind {
			return false
		}
		if status != "" && rec.Status != status {
			return false
		}
		return true
	})
	writeJSON(w, http.StatusOK, list)
}

// handleSkaldStatistics serves GET /api/skalds/summary/statistics (spec §6).
func (s *Server) handleSkaldStatistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed", "")
		return
	}

	fleet := s.skaldStore.Snapshot(nil)
	byClass := map[string]int{}
	online, offline := 0, 0
	for _, rec := range fleet {
		if rec.Status == skald.StatusOnline {
			online++
		} else {
			offline++
		}
		for class := range rec.SupportedTaskTypes {
			byClass[class]++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":             len(fleet),
		"online":            online,
		"offline":           offline,
		"skalds_per_class": byClass,
	})
}

// handleSkaldByID serves GET /api/skalds/{id}, /{id}/tasks, /{id}/status.
func (s *Server) handleSkaldByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed", "")
		return
	}

	parts := splitPath(r.URL.Path, "/api/skalds/")
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, CodeNotFound, "skald id required", "")
		return
	}

	id := parts[0]
	rec := s.skaldStore.Get(id)
	if rec == nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "skald not found", id)
		return
	}

	if len(parts) == 1 {
		writeJSON(w, http.StatusOK, rec)
		return
	}

	switch parts[1] {
	case "tasks":
		ids := make([]string, 0, len(rec.CurrentTasks))
		for id := range rec.CurrentTasks {
			ids = append(ids, id)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"task_ids": ids})
	case "status":
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": rec.Status})
	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "not found", parts[1])
	}
}
