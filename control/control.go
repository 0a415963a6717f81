// Package control exposes the operator HTTP surface: pipeline status, an
// immediate batch trigger, and reprocessing of failed scans and documents.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanbit-ops/scanflow/batch"
	"github.com/hanbit-ops/scanflow/store"
)

// Server is the control endpoint.
type Server struct {
	store  *store.Store
	ctrl   *batch.Controller
	logger *slog.Logger
	http   *http.Server
}

// New builds a control server listening on addr.
func New(addr string, st *store.Store, ctrl *batch.Controller, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{store: st, ctrl: ctrl, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/status", s.handleStatus)
	r.Post("/batch/run", s.handleRunBatch)
	r.Post("/reprocess", s.handleReprocess)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()
	s.logger.Info("control: listening", "addr", s.http.Addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

type statusResponse struct {
	Documents map[store.Status]int      `json:"documents"`
	Scans     map[store.RecogStatus]int `json:"scans"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	docs, err := s.store.CountsByStatus(r.Context())
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	scans, err := s.store.ScanCountsByRecog(r.Context())
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, statusResponse{Documents: docs, Scans: scans})
}

func (s *Server) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Force()
	s.respond(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

type reprocessRequest struct {
	ScanID      string `json:"scan_id"`
	TransportNo string `json:"transport_no"`
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	var req reprocessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	if req.ScanID == "" && req.TransportNo == "" {
		s.fail(w, r, http.StatusBadRequest,
			errors.New("control: scan_id or transport_no is required"))
		return
	}
	if req.TransportNo != "" && !store.ValidTransportNo(req.TransportNo) {
		s.fail(w, r, http.StatusBadRequest, store.ErrBadTransportNo)
		return
	}
	err := s.ctrl.Reprocess(r.Context(), req.ScanID, req.TransportNo)
	switch {
	case err == nil:
		s.respond(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case errors.Is(err, store.ErrNotFound):
		s.fail(w, r, http.StatusNotFound, err)
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrBadTransportNo):
		s.fail(w, r, http.StatusConflict, err)
	default:
		s.fail(w, r, http.StatusInternalServerError, err)
	}
}

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("control: response write failed", "error", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	s.logger.Warn("control: request failed",
		"path", r.URL.Path, "status", status, "error", err)
	s.respond(w, status, map[string]string{"error": err.Error()})
}
