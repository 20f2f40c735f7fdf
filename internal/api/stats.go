package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status"`
	ByPool         map[string]int `json:"by_pool"`
	AvgDurationMS  float64        `json:"avg_duration_ms"`
	FailedHostRuns int            `json:"failed_host_runs"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.WithField("error", err).Error("get execution stats")
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:          stats.Total,
		ByStatus:       stats.CountByStatus,
		ByPool:         stats.CountByPool,
		AvgDurationMS:  stats.AvgDurationMS,
		FailedHostRuns: stats.FailedHostRuns,
	})
}
