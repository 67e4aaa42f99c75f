// Copyright 2025 Kadir Pekel
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

// Package server hosts the observer endpoints: the WebSocket feed plus
// health, stats and metrics readouts. The REST CRUD surface lives
// elsewhere.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kadirpekel/gathering/pkg/config"
	"github.com/kadirpekel/gathering/pkg/ws"
)

// StatsFunc returns a component's stats snapshot for /stats.
type StatsFunc func() any

// Server is the HTTP host.
type Server struct {
	cfg     config.ServerConfig
	wsCfg   config.WSConfig
	hub     *ws.Hub
	stats   map[string]StatsFunc
	httpSrv *http.Server
}

// New creates the server.
func New(cfg config.ServerConfig, wsCfg config.WSConfig, hub *ws.Hub, stats map[string]StatsFunc) *Server {
	return &Server{cfg: cfg, wsCfg: wsCfg, hub: hub, stats: stats}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Observers are same-origin dashboards or CLI tools.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Start begins listening. Non-blocking; errors surface on the returned
// channel.
func (s *Server) Start() (<-chan error, error) {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Get("/healthz", s.handleHealth)
	router.Get("/stats", s.handleStats)
	router.Get("/ws", s.handleWS)
	router.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.httpSrv = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", addr)
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh, nil
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	out := make(map[string]any, len(s.stats))
	for name, fn := range s.stats {
		out[name] = fn()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	writeTimeout := time.Duration(s.wsCfg.WriteTimeoutSeconds) * time.Second
	clientID := r.URL.Query().Get("client_id")
	s.hub.Connect(r.Context(), ws.NewGorillaConn(conn, writeTimeout), clientID)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}
