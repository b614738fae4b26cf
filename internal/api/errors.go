// Package api exposes the error audit store over HTTP for the inspection
// CLI and reporting tools, and over MCP for LLM-side diagnostics.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/inboxd/internal/failure"
	"github.com/kalambet/inboxd/internal/storage"
)

const maxListLimit = 500

// Deps holds the dependencies for the error API.
type Deps struct {
	Store   *storage.Store
	Manager *failure.Manager
	// Token guards the routes when non-empty.
	Token string
	// SweepDays is the default retention cutoff for POST /errors/sweep.
	SweepDays int
}

// NewHandler builds the error API router. All routes except /health are
// read-only over the store, apart from manual resolution and the retention
// sweep, which the admin CLI drives.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Get("/errors", handleListErrors(deps))
		r.Get("/errors/stats", handleErrorStats(deps))
		r.Get("/errors/{id}", handleGetError(deps))
		r.Post("/errors/{id}/resolve", handleResolveError(deps))
		r.Post("/errors/sweep", handleSweep(deps))
	})

	return r
}

func handleListErrors(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		limit := 50
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
				return
			}
			limit = min(n, maxListLimit)
		}

		var filter storage.Filter
		if v := q.Get("category"); v != "" {
			c := failure.Category(v)
			if !c.Valid() {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown category %q", v)
				return
			}
			filter.Category = c
		}
		if v := q.Get("severity"); v != "" {
			s := failure.Severity(v)
			if !s.Valid() {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown severity %q", v)
				return
			}
			filter.Severity = s
		}
		if v := q.Get("resolved"); v != "" {
			resolved, err := strconv.ParseBool(v)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "resolved must be true or false")
				return
			}
			filter.Resolved = &resolved
		}

		records, err := deps.Store.GetRecentErrors(limit, filter)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "internal_error", "listing errors: %v", err)
			return
		}
		if records == nil {
			records = []*failure.ErrorRecord{}
		}
		writeJSON(w, records)
	}
}

func handleGetError(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		rec, err := deps.Store.GetErrorByPrefix(id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "no error record matches %q", id)
		case errors.Is(err, storage.ErrAmbiguousID):
			httpError(w, http.StatusConflict, "ambiguous_id", "%q matches more than one record", id)
		case err != nil:
			httpError(w, http.StatusInternalServerError, "internal_error", "loading error record: %v", err)
		default:
			writeJSON(w, rec)
		}
	}
}

func handleErrorStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Store.GetErrorStats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "internal_error", "computing stats: %v", err)
			return
		}
		resp := map[string]any{"store": stats}
		if deps.Manager != nil {
			resp["session"] = deps.Manager.GetErrorStats()
		}
		writeJSON(w, resp)
	}
}

func handleResolveError(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		// An empty or malformed body resolves without notes.
		var req struct {
			Notes string `json:"notes"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		rec, err := deps.Store.GetErrorByPrefix(id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "no error record matches %q", id)
			return
		case errors.Is(err, storage.ErrAmbiguousID):
			httpError(w, http.StatusConflict, "ambiguous_id", "%q matches more than one record", id)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "internal_error", "loading error record: %v", err)
			return
		}

		// Re-resolving must not overwrite the original resolution time or notes.
		if rec.Resolved {
			writeJSON(w, map[string]string{"id": rec.ID, "status": "already_resolved"})
			return
		}

		if err := deps.Store.MarkResolved(rec.ID, req.Notes); err != nil {
			httpError(w, http.StatusInternalServerError, "internal_error", "resolving %s: %v", rec.ID, err)
			return
		}
		writeJSON(w, map[string]string{"id": rec.ID, "status": "resolved"})
	}
}

func handleSweep(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days := deps.SweepDays
		var req struct {
			OlderThanDays int `json:"older_than_days"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.OlderThanDays > 0 {
			days = req.OlderThanDays
		}
		if days <= 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "older_than_days must be positive")
			return
		}

		deleted, err := deps.Store.ClearResolvedErrors(days)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "internal_error", "sweeping resolved errors: %v", err)
			return
		}
		writeJSON(w, map[string]int{"deleted": deleted})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
