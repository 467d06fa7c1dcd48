package api

import (
	"context"
	"net/http"
)

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Status())
}

func (s *Server) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	// Timers armed here must outlive the request.
	if err := s.ctl.Start(context.WithoutCancel(r.Context())); err != nil {
		s.writeCoreError(w, err, "start scheduler")
		return
	}
	writeJSON(w, http.StatusOK, s.ctl.Status())
}

func (s *Server) handleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	s.ctl.Stop()
	writeJSON(w, http.StatusOK, s.ctl.Status())
}

func (s *Server) handleSchedulerReload(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.Reload(context.WithoutCancel(r.Context())); err != nil {
		s.writeCoreError(w, err, "reload scheduler")
		return
	}
	writeJSON(w, http.StatusOK, s.ctl.Status())
}
