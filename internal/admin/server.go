// Package admin serves the management and reporting HTTP API: the balancer's
// own health signal, Prometheus metrics and backend add/remove/lookup.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Nash0810/tcpbalance/internal/backend"
	"github.com/Nash0810/tcpbalance/internal/balancer"
	"github.com/Nash0810/tcpbalance/internal/logging"
)

// maxBodyBytes caps POST /backends request bodies
const maxBodyBytes = 4 << 10

// StatsProvider exposes the balancer's observability snapshot
type StatsProvider interface {
	Stats() balancer.Stats
}

// BackendView is the JSON form of a backend
type BackendView struct {
	Host              string     `json:"host"`
	Port              int        `json:"port"`
	Address           string     `json:"address"`
	Healthy           bool       `json:"healthy"`
	State             string     `json:"state"`
	ActiveConnections int64      `json:"active_connections"`
	LastHealthCheckAt *time.Time `json:"last_health_check_at,omitempty"`
}

// HealthResponse is the body of GET /lb-health
type HealthResponse struct {
	Status string `json:"status"`
	balancer.Stats
}

type backendRequest struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server is the admin HTTP server
type Server struct {
	registry *backend.Registry
	stats    StatsProvider
	gatherer prometheus.Gatherer
	logger   *logging.Logger
	server   *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates an admin server bound to addr once started
func NewServer(addr string, registry *backend.Registry, stats StatsProvider,
	gatherer prometheus.Gatherer, logger *logging.Logger) *Server {
	s := &Server{
		registry: registry,
		stats:    stats,
		gatherer: gatherer,
		logger:   logger,
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routed API
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)

	router.HandleFunc("/lb-health", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	router.HandleFunc("/backends", s.handleList).Methods("GET")
	router.HandleFunc("/backends", s.handleAdd).Methods("POST")
	router.HandleFunc("/backends/{host}/{port}", s.handleGet).Methods("GET")
	router.HandleFunc("/backends/{host}/{port}", s.handleRemove).Methods("DELETE")

	return router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("admin_request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

// Start binds the admin address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin_server_error", "error", err.Error())
		}
	}()

	s.logger.Info("admin_server_started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.stats.Stats()
	resp := HealthResponse{Status: "UP", Stats: stats}
	code := http.StatusOK
	if !stats.Up {
		resp.Status = "DOWN"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	backends := s.registry.All()
	if healthyOnly, _ := strconv.ParseBool(r.URL.Query().Get("healthy")); healthyOnly {
		backends = s.registry.Healthy()
	}

	views := make([]BackendView, 0, len(backends))
	for _, b := range backends {
		views = append(views, newBackendView(b))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	host, port, ok := pathBackend(w, r)
	if !ok {
		return
	}

	b, found := s.registry.Find(host, port)
	if !found {
		writeError(w, http.StatusNotFound, "backend not found")
		return
	}
	writeJSON(w, http.StatusOK, newBackendView(b))
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req backendRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Host == "" {
		writeError(w, http.StatusBadRequest, "host is required")
		return
	}
	if req.Port <= 0 || req.Port > 65535 {
		writeError(w, http.StatusBadRequest, "port out of range 1-65535")
		return
	}

	b := backend.NewBackend(req.Host, req.Port)
	if !s.registry.Add(b) {
		existing, _ := s.registry.Find(req.Host, req.Port)
		if existing == nil {
			existing = b
		}
		writeJSON(w, http.StatusOK, newBackendView(existing))
		return
	}

	s.logger.Info("backend_added", "backend", b.Address(), "source", "admin")
	writeJSON(w, http.StatusCreated, newBackendView(b))
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	host, port, ok := pathBackend(w, r)
	if !ok {
		return
	}

	if !s.registry.Remove(host, port) {
		writeError(w, http.StatusNotFound, "backend not found")
		return
	}

	s.logger.Info("backend_removed", "host", host, "port", port, "source", "admin")
	w.WriteHeader(http.StatusNoContent)
}

// pathBackend extracts {host}/{port}, answering 400 on a malformed port
func pathBackend(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	vars := mux.Vars(r)
	host := vars["host"]
	port, err := strconv.Atoi(vars["port"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "port must be an integer")
		return "", 0, false
	}
	return host, port, true
}

func newBackendView(b *backend.Backend) BackendView {
	view := BackendView{
		Host:              b.Host,
		Port:              b.Port,
		Address:           b.Address(),
		Healthy:           b.IsHealthy(),
		State:             b.GetState().String(),
		ActiveConnections: b.ActiveConnections(),
	}
	if at := b.LastHealthCheckAt(); !at.IsZero() {
		view.LastHealthCheckAt = &at
	}
	return view
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
