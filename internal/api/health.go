package api

import (
	"net/http"

	"go.uber.org/zap"
)

// HealthHandler reports whether the persistence backend answers.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	t := s.timer("health", "GET")

	if err := s.Attribution.Ping(r.Context()); err != nil {
		s.Logger.Error("health check", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		t.done(http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	t.done(http.StatusOK)
}
