package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/cvs/internal/model"
	"github.com/seantiz/cvs/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// listExecutionsResponse wraps the paginated list response.
type listExecutionsResponse struct {
	Executions []*model.Execution `json:"executions"`
	Total      int                `json:"total"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	e, err := s.store.GetExecution(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.logger.WithField("error", err).Error("get execution")
		s.writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}

	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	executions, total, err := s.store.ListExecutions(r.Context(), limit, offset)
	if err != nil {
		s.logger.WithField("error", err).Error("list executions")
		s.writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	if executions == nil {
		executions = []*model.Execution{}
	}

	s.writeJSON(w, http.StatusOK, listExecutionsResponse{
		Executions: executions,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithField("error", err).Error("encode response")
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
