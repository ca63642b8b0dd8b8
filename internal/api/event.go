package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/patrickwarner/openaem/internal/analytics"
	"github.com/patrickwarner/openaem/internal/attribution"
	"github.com/patrickwarner/openaem/internal/middleware"
)

// DeeplinkRequest is the body of POST /deeplink.
type DeeplinkRequest struct {
	URL string `json:"url"`
}

// EventRequest is the body of POST /events. Device overrides what the
// User-Agent and client address resolve to.
type EventRequest struct {
	attribution.Event
	Device *analytics.Device `json:"device,omitempty"`
}

// DeeplinkHandler handles POST /deeplink by tracking the campaign the app
// link carries.
func (s *Server) DeeplinkHandler(w http.ResponseWriter, r *http.Request) {
	t := s.timer("deeplink", "POST")
	logger := middleware.LoggerFromRequest(r, s.Logger)

	var req DeeplinkRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || req.URL == "" {
		logger.Warn("bad deeplink request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "url required")
		t.done(http.StatusBadRequest)
		return
	}

	if err := s.Attribution.HandleURL(r.Context(), req.URL); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, attribution.ErrDisabled) {
			status = http.StatusServiceUnavailable
		}
		logger.Warn("deeplink rejected", zap.String("url", req.URL), zap.Error(err))
		writeError(w, status, err.Error())
		t.done(status)
		return
	}

	if s.DebugTrace {
		logger.Debug("deeplink accepted", zap.String("url", req.URL))
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	t.done(http.StatusAccepted)
}

// EventHandler handles POST /events. The event is queued on both reporters
// and the response does not wait for attribution.
func (s *Server) EventHandler(w http.ResponseWriter, r *http.Request) {
	t := s.timer("events", "POST")
	logger := middleware.LoggerFromRequest(r, s.Logger)

	var req EventRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		logger.Warn("bad event request", zap.Error(err))
		s.Metrics.IncrementEvents("bad_request")
		writeError(w, http.StatusBadRequest, "invalid json")
		t.done(http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		s.Metrics.IncrementEvents("bad_request")
		writeError(w, http.StatusBadRequest, "event required")
		t.done(http.StatusBadRequest)
		return
	}

	device := s.ResolveDevice(r, req.Device)
	s.Attribution.RecordAndUpdateEvent(r.Context(), req.Event, device)

	if s.DebugTrace || s.EventLog.Sample() {
		logger.Info("event queued",
			zap.String("event", req.Name),
			zap.String("currency", req.Currency),
			zap.String("os", device.OS),
			zap.String("country", device.Country))
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	t.done(http.StatusAccepted)
}
