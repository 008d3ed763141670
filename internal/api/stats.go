package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByIsolation   map[string]int `json:"by_isolation"`
	ByAction      map[string]int `json:"by_action"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	Daemons       int            `json:"daemons"`
	Operations    int            `json:"operations_in_flight"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetWorkStats(r.Context())
	if err != nil {
		s.logger.Error("get work stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByIsolation:   stats.CountByIsolation,
		ByAction:      stats.CountByAction,
		AvgDurationMS: stats.AvgDurationMS,
		Daemons:       len(s.pool.List()),
		Operations:    len(s.tracker.Operations()),
	})
}
