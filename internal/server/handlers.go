package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/ebarer/SmartLock/internal/app"
	"github.com/ebarer/SmartLock/internal/proximity"
)

// HandleHealth handles health check
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.ctrl.Snapshot()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"radio_on":   snap.RadioOn,
		"connection": snap.Connection,
	})
}

// HandleState returns the latest snapshot
func (s *Server) HandleState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// HandleActivity returns the retained activity history
func (s *Server) HandleActivity(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.ctrl.Activity())
}

// HandleDiagnostics returns link statistics
func (s *Server) HandleDiagnostics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.ctrl.Diagnostics())
}

func (s *Server) handleCommand(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.execute(r.Context(), app.Command{Name: name}); err != nil {
			respondCommandError(w, err)
			return
		}
		respondJSON(w, http.StatusAccepted, s.ctrl.Snapshot())
	}
}

// HandleProximity enables or disables proximity mode
func (s *Server) HandleProximity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cmd := app.CmdProximityOff
	if *req.Enabled {
		cmd = app.CmdProximityOn
	}
	if err := s.execute(r.Context(), app.Command{Name: cmd}); err != nil {
		respondCommandError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// HandleThresholds updates either or both proximity thresholds
func (s *Server) HandleThresholds(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Lock   *int `json:"lock"`
		Unlock *int `json:"unlock"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	t := s.ctrl.Snapshot().Proximity.Thresholds
	if req.Lock != nil {
		t.Lock = *req.Lock
	}
	if req.Unlock != nil {
		t.Unlock = *req.Unlock
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.CommandTimeout)
	defer cancel()
	if err := s.ctrl.SetThresholds(ctx, t); err != nil {
		respondCommandError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.ctrl.Snapshot().Proximity)
}

func (s *Server) execute(ctx context.Context, cmd app.Command) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()
	return s.ctrl.Execute(ctx, cmd)
}

func respondCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, proximity.ErrInvalidThresholds), errors.Is(err, app.ErrUnknownCommand):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		respondError(w, http.StatusServiceUnavailable, "controller busy")
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// respondJSON responds with JSON
func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
