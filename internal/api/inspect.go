package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/patrickwarner/openaem/internal/attribution"
	"github.com/patrickwarner/openaem/internal/middleware"
)

func (s *Server) inspectError(w http.ResponseWriter, r *http.Request, t requestTimer, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, attribution.ErrDisabled) {
		status = http.StatusServiceUnavailable
	} else {
		middleware.LoggerFromRequest(r, s.Logger).Error("inspect", zap.String("endpoint", t.endpoint), zap.Error(err))
	}
	writeError(w, status, err.Error())
	t.done(status)
}

// InvocationsHandler handles GET /invocations.
func (s *Server) InvocationsHandler(w http.ResponseWriter, r *http.Request) {
	t := s.timer("invocations", "GET")
	invs, err := s.Attribution.Invocations()
	if err != nil {
		s.inspectError(w, r, t, err)
		return
	}
	writeJSON(w, http.StatusOK, invs)
	t.done(http.StatusOK)
}

// ConfigurationsHandler handles GET /configurations.
func (s *Server) ConfigurationsHandler(w http.ResponseWriter, r *http.Request) {
	t := s.timer("configurations", "GET")
	cfgs, err := s.Attribution.Configurations()
	if err != nil {
		s.inspectError(w, r, t, err)
		return
	}
	writeJSON(w, http.StatusOK, cfgs)
	t.done(http.StatusOK)
}

// SKANHandler handles GET /skan.
func (s *Server) SKANHandler(w http.ResponseWriter, r *http.Request) {
	t := s.timer("skan", "GET")
	st, err := s.Attribution.SKANState()
	if err != nil {
		s.inspectError(w, r, t, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
	t.done(http.StatusOK)
}

// PostbacksHandler handles GET /postbacks/{campaign} from the audit log.
func (s *Server) PostbacksHandler(w http.ResponseWriter, r *http.Request) {
	t := s.timer("postbacks", "GET")
	campaign := mux.Vars(r)["campaign"]
	rows, err := s.Attribution.PostbacksByCampaign(r.Context(), campaign)
	if err != nil {
		s.inspectError(w, r, t, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
	t.done(http.StatusOK)
}

// FlushHandler handles POST /flush, sending due postbacks now.
func (s *Server) FlushHandler(w http.ResponseWriter, r *http.Request) {
	t := s.timer("flush", "POST")
	s.Attribution.Flush()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	t.done(http.StatusAccepted)
}
