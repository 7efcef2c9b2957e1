// Package health exposes /health and /ready HTTP endpoints for the core
// process, following the liveness/readiness split expected by systemd and
// container orchestrators fronting the cabinet controller.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// CheckFunc reports whether a dependency is healthy and a human-readable detail.
type CheckFunc func() (bool, string)

// Check is the serializable result of one registered check.
type Check struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusResponse is the JSON body returned by both /health and /ready.
type StatusResponse struct {
	Status string           `json:"status"`
	Uptime string           `json:"uptime"`
	Checks map[string]Check `json:"checks,omitempty"`
}

// Server is a small HTTP server exposing liveness/readiness for the core.
type Server struct {
	addr      string
	startedAt time.Time

	mu       sync.RWMutex
	ready    bool
	checks   map[string]CheckFunc
	httpSrv  *http.Server
}

// NewServer creates a health server bound to host:port. Port 0 lets the
// kernel pick an ephemeral port (used by tests).
func NewServer(host string, port int) *Server {
	return &Server{
		addr:      net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		startedAt: time.Now(),
		checks:    make(map[string]CheckFunc),
	}
}

// RegisterCheck adds a named readiness check. All registered checks must
// pass, in addition to SetReady(true), for /ready to report healthy.
func (s *Server) RegisterCheck(name string, fn CheckFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = fn
}

// SetReady flips the overall readiness gate, typically set true once the
// core reactor reports ready (first CAN adapter open attempt done and its
// tickers started).
func (s *Server) SetReady(ready bool) {
	s.mu.Lock()
	s.ready = ready
	s.mu.Unlock()
}

// Start begins serving /health and /ready in the background. It returns once
// the listener is bound; Serve errors after that point are not surfaced.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("health: listen %s: %w", s.addr, err)
	}

	s.httpSrv = &http.Server{Handler: mux}
	go s.httpSrv.Serve(ln)
	return nil
}

// Stop gracefully shuts the server down and marks it not-ready.
func (s *Server) Stop(ctx context.Context) error {
	s.SetReady(false)
	s.mu.RLock()
	srv := s.httpSrv
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status: "ok",
		Uptime: time.Since(s.startedAt).String(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	ready := s.ready
	checks := make(map[string]CheckFunc, len(s.checks))
	for name, fn := range s.checks {
		checks[name] = fn
	}
	s.mu.RUnlock()

	results := make(map[string]Check, len(checks))
	allOK := ready
	now := time.Now()
	for name, fn := range checks {
		ok, msg := fn()
		results[name] = Check{
			Name:      name,
			Status:    statusString(ok),
			Message:   msg,
			Timestamp: now,
		}
		if !ok {
			allOK = false
		}
	}

	resp := StatusResponse{
		Uptime: time.Since(s.startedAt).String(),
		Checks: results,
	}
	code := http.StatusOK
	if allOK {
		resp.Status = "ready"
	} else {
		resp.Status = "not ready"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func statusString(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}
