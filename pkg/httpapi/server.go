// Package httpapi exposes the transcription control surface: activation and
// deactivation per call, plus health and metrics. Authentication is the host
// platform's concern and happens in front of this server.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stentorlabs/stentor/pkg/logging"
	"github.com/stentorlabs/stentor/pkg/metrics"
)

// Controller is the session-control surface the API drives.
type Controller interface {
	Start(callID string, useAI bool) error
	Stop(callID string) error
}

type Server struct {
	controller Controller
	mets       *metrics.Metrics
	logger     *slog.Logger
}

func New(controller Controller, mets *metrics.Metrics) *Server {
	return &Server{
		controller: controller,
		mets:       mets,
		logger:     logging.NewComponentLogger(slog.Default(), "httpapi"),
	}
}

type createRequest struct {
	CallID string `json:"call_id"`
	UseAI  bool   `json:"use_ai"`
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/stt", s.handleCreate)
	r.Delete("/stt/{call_id}", s.handleDelete)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.mets != nil {
		r.Method(http.MethodGet, "/metrics", s.mets.Handler())
	}
	return r
}

// handleCreate activates transcription for a call. Internal failure kinds
// collapse onto 503; the caller retries with a fresh activation.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.CallID) == "" {
		http.Error(w, "call_id is required", http.StatusBadRequest)
		return
	}
	if err := s.controller.Start(req.CallID, req.UseAI); err != nil {
		s.logger.Warn("activation_rejected",
			slog.String("call_id", req.CallID),
			slog.String("error", err.Error()))
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// handleDelete deactivates transcription. Unknown calls still return 204 so
// the operation stays idempotent.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "call_id")
	if err := s.controller.Stop(callID); err != nil {
		s.logger.Warn("deactivation_failed",
			slog.String("call_id", callID),
			slog.String("error", err.Error()))
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
