// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.


// Package healthcheck serves liveness, readiness and statistics endpoints
// for the variable store process.
package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

type Status int32

const (
	StatusStarting Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Probe reports whether one named condition currently holds.
type Probe func() bool

// Response is the body of every probe endpoint.
type Response struct {
	Healthy bool     `json:"healthy"`
	Status  string   `json:"status"`
	Failing []string `json:"failing,omitempty"`
}

type Config struct {
	Port int
}

func GetConfigFromEnv() Config {
	port := 8090
	if portStr := os.Getenv("HEALTH_CHECK_PORT"); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil && p > 0 && p < 65536 {
			port = p
		}
	}
	return Config{Port: port}
}

type Server struct {
	port   int
	status atomic.Int32
	ll     *slog.Logger

	mu     sync.RWMutex
	ready  map[string]Probe
	health map[string]Probe
	stats  func() any

	server *http.Server
}

func NewServer(config Config, logger *slog.Logger) *Server {
	if config.Port == 0 {
		config.Port = 8090
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		port:   config.Port,
		ll:     logger.With(slog.String("component", "healthcheck")),
		ready:  make(map[string]Probe),
		health: make(map[string]Probe),
	}
}

func (s *Server) SetStatus(status Status) {
	s.status.Store(int32(status))
	s.ll.Debug("Health check status updated", slog.String("status", status.String()))
}

func (s *Server) GetStatus() Status {
	return Status(s.status.Load())
}

// AddReadyProbe gates /readyz on probe. Registering a name again replaces it.
func (s *Server) AddReadyProbe(name string, probe Probe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready[name] = probe
}

// AddHealthProbe gates /healthz and /livez on probe.
func (s *Server) AddHealthProbe(name string, probe Probe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health[name] = probe
}

// SetStatsFunc serves the JSON encoding of fn's result on /statsz.
func (s *Server) SetStatsFunc(fn func() any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = fn
}

func failing(probes map[string]Probe) []string {
	var out []string
	for name, probe := range probes {
		if !probe() {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// IsReady reports whether the process is healthy and every ready probe passes.
func (s *Server) IsReady() bool {
	ok, _ := s.readyState()
	return ok
}

func (s *Server) readyState() (bool, []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bad := append(failing(s.health), failing(s.ready)...)
	return s.GetStatus() == StatusHealthy && len(bad) == 0, bad
}

func (s *Server) healthState() (bool, []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bad := failing(s.health)
	return s.GetStatus() == StatusHealthy && len(bad) == 0, bad
}

func (s *Server) liveState() (bool, []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bad := failing(s.health)
	return s.GetStatus() != StatusUnhealthy && len(bad) == 0, bad
}

// Handler returns the probe mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.probeHandler(s.healthState))
	mux.HandleFunc("/readyz", s.probeHandler(s.readyState))
	mux.HandleFunc("/livez", s.probeHandler(s.liveState))
	mux.HandleFunc("/statsz", s.statsHandler)
	return mux
}

// Start serves until ctx is cancelled. A failure to bind is returned
// immediately.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("health check listen on %d: %w", s.port, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.ll.Info("Starting health check server", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("health check server: %w", err)
		}
		return nil
	}
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	s.ll.Info("Stopping health check server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) probeHandler(check func() (bool, []string)) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		ok, bad := check()
		code := http.StatusOK
		if !ok {
			code = http.StatusServiceUnavailable
		}
		s.writeJSON(w, code, Response{Healthy: ok, Status: s.GetStatus().String(), Failing: bad})
	}
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	fn := s.stats
	s.mu.RUnlock()
	if fn == nil {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, http.StatusOK, fn())
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.ll.Error("Failed to encode health check response", slog.Any("error", err))
	}
}
