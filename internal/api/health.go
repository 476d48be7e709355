package api

import (
	"net/http"
)

type healthResponse struct {
	Status     string `json:"status"`
	ActiveRuns int    `json:"active_runs"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if stats, err := s.engine.Stats(r.Context()); err == nil {
		resp.ActiveRuns = stats.Active
	} else {
		s.logger.Error("get stats for healthz", "error", err)
	}
	s.writeJSON(w, http.StatusOK, resp)
}
