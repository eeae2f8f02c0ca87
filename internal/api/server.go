// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api is the HTTP ingress: webhook receiver, Prometheus metrics,
// health, and the WebSocket event fan-out. Webhook verification lives in
// the trigger router; this layer only maps errors to status codes.
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/tombee/watchflow/internal/log"
	"github.com/tombee/watchflow/internal/manager"
	"github.com/tombee/watchflow/internal/metrics"
	"github.com/tombee/watchflow/pkg/errors"
	"github.com/tombee/watchflow/pkg/events"
)

// maxWebhookBody bounds inbound webhook payloads.
const maxWebhookBody = 1 << 20

// Server routes the public HTTP surface.
type Server struct {
	manager    *manager.Manager
	hub        *Hub
	logger     *slog.Logger
	mux        *http.ServeMux
	middleware *log.HTTPMiddleware
}

// NewServer wires routes for the manager. The metrics collector and bus are
// optional; absent collaborators leave their endpoints unregistered.
func NewServer(m *manager.Manager, bus *events.Bus, collector *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		manager: m,
		logger:  logger.With(slog.String("component", "api")),
		mux:     http.NewServeMux(),
	}
	s.middleware = log.NewHTTPMiddleware(s.logger)

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /workflows/webhook/{token}", s.handleWebhook)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.HandleFunc("GET /stats/{workflow}", s.handleStats)

	if collector != nil {
		s.mux.Handle("GET /metrics", collector.Handler())
	}
	if bus != nil {
		s.hub = NewHub(bus, logger)
		s.mux.HandleFunc("GET /ws", s.hub.handleConnection)
	}
	return s
}

// Handler returns the http.Handler for the public surface with request
// logging applied.
func (s *Server) Handler() http.Handler {
	return s.middleware.Wrap(s.mux)
}

// Start begins the hub's heartbeat loop.
func (s *Server) Start() {
	if s.hub != nil {
		s.hub.Start()
	}
}

// Stop closes WebSocket clients and the heartbeat loop.
func (s *Server) Stop() {
	if s.hub != nil {
		s.hub.Stop()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleWebhook accepts an inbound webhook. 202 accepted-and-queued, 400
// invalid token or body, 401 signature mismatch, 429 rate limited.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	workflowID, err := s.manager.HandleWebhook(r.Context(), token, r.Header, body)
	if err != nil {
		switch {
		case errors.IsSignature(err):
			writeError(w, http.StatusUnauthorized, err.Error())
		case errors.IsRateLimit(err):
			writeError(w, http.StatusTooManyRequests, err.Error())
		case errors.IsValidation(err), errors.IsNotFound(err):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("webhook handling failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      "accepted",
		"workflow_id": workflowID,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.Stats(r.Context(), r.PathValue("workflow"))
	if err != nil {
		if errors.IsNotFound(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
