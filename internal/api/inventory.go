package api

import "net/http"

func (s *Server) handleListServices(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.services.List())
}

func (s *Server) handleListDaemons(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.pool.List())
}

func (s *Server) handleListRunners(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.runners.List())
}
