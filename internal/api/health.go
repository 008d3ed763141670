package api

import (
	"net/http"
)

// healthResponse reports whether the session still takes work. A closed
// session answers 503 so load balancers stop routing submissions to it
// while in-flight work drains.
type healthResponse struct {
	Status     string `json:"status"`
	Accepting  bool   `json:"accepting"`
	Daemons    int    `json:"daemons"`
	Operations int    `json:"operations"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:     "ok",
		Accepting:  s.executor.Accepting(),
		Daemons:    len(s.pool.List()),
		Operations: len(s.tracker.Operations()),
	}
	status := http.StatusOK
	if !resp.Accepting {
		resp.Status = "draining"
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}
