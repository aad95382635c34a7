// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Control turns tracing on and off at runtime.
type Control interface {
	Enable() error
	Disable() error
}

// Server provides health, readiness, metrics and trace control endpoints.
type Server struct {
	logger   *zap.Logger
	stats    *Stats
	control  Control
	version  string
	addr     string
	registry *prometheus.Registry
	ready    atomic.Bool
	server   *http.Server
	boundTo  atomic.Value // string
}

// NewServer creates a health server. control may be nil, in which case the
// /trace endpoints are not served.
func NewServer(addr, version string, stats *Stats, control Control, logger *zap.Logger) (*Server, error) {
	reg := prometheus.NewRegistry()
	if err := stats.Register(reg); err != nil {
		return nil, err
	}
	return &Server{
		addr:     addr,
		version:  version,
		stats:    stats,
		control:  control,
		registry: reg,
		logger:   logger,
	}, nil
}

// SetReady marks the tracer as ready.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Handler returns the endpoint mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	if s.control != nil {
		mux.HandleFunc("/trace/enable", s.handleTrace(true))
		mux.HandleFunc("/trace/disable", s.handleTrace(false))
	}
	return mux
}

// Start begins serving health endpoints.
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.boundTo.Store(ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server error", zap.Error(err))
		}
	}()

	s.logger.Info("health server started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the listening address once started, e.g. when the
// configured port was ":0".
func (s *Server) Addr() string {
	if v, ok := s.boundTo.Load().(string); ok {
		return v
	}
	return s.addr
}

// Stop gracefully shuts down the health server, waiting at most five
// seconds or until ctx is done for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:  "healthy",
		Version: s.version,
		Uptime:  s.stats.Uptime().Truncate(time.Second).String(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

func (s *Server) handleTrace(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "use POST"})
			return
		}

		var err error
		if enable {
			err = s.control.Enable()
		} else {
			err = s.control.Disable()
		}
		if err != nil {
			s.logger.Warn("trace control request failed", zap.Bool("enable", enable), zap.Error(err))
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}

		state := "disabled"
		if enable {
			state = "enabled"
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": state})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
