// Streamsync - Real-Time Market Data Ingestion and Synchronization
// Copyright 2026 Dmitri K. (dkrotov)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkrotov/streamsync

// Package api exposes the operational HTTP surface: health, Prometheus
// metrics, pipeline statistics, and manual refresh.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dkrotov/streamsync/internal/config"
	"github.com/dkrotov/streamsync/internal/logging"
	"github.com/dkrotov/streamsync/internal/marketdata"
)

// Server is the ops HTTP server. It reads from the marketdata service
// and never blocks the ingestion path.
type Server struct {
	cfg     config.ServerConfig
	svc     *marketdata.Service
	handler http.Handler
}

// New builds the ops server and its routes.
func New(cfg config.ServerConfig, svc *marketdata.Service) *Server {
	s := &Server{cfg: cfg, svc: svc}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Timeout))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/v1/stats", s.handleStats)
	r.Post("/api/v1/refresh", s.handleRefresh)

	s.handler = r
	return s
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Serve runs the server until ctx is canceled, then shuts down
// gracefully. The signature fits a supervised service; a fresh
// http.Server per call keeps the service restartable, since a shut-down
// http.Server refuses to listen again.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", srv.Addr).Msg("ops server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("ops server shutdown: %w", err)
		}
		return nil
	}
}

type healthResponse struct {
	Status          string `json:"status"`
	ConnectionState string `json:"connection_state"`
	TerminalErr     string `json:"terminal_err,omitempty"`
}

// handleHealth reports 200 while the pipeline can make progress and 503
// once it has reached a terminal condition.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.svc.Stats()

	resp := healthResponse{
		Status:          "ok",
		ConnectionState: stats.ConnectionState,
		TerminalErr:     stats.TerminalErr,
	}
	code := http.StatusOK
	if stats.TerminalErr != "" {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats())
}

type refreshRequest struct {
	Symbol  string `json:"symbol"`
	Channel string `json:"channel"`
}

// handleRefresh forces reconciliation: one stream when symbol and
// channel are given, every cached stream otherwise.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}

	if req.Symbol == "" && req.Channel == "" {
		s.svc.ForceRefreshAll()
	} else if req.Symbol == "" || req.Channel == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "symbol and channel must be set together"})
		return
	} else {
		s.svc.ForceRefresh(req.Symbol, req.Channel)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("write response failed")
	}
}
