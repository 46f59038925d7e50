package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Config holds the HTTP listener configuration
type Config struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DefaultConfig returns the default listener configuration
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// ReadinessFunc reports why the process cannot serve yet, or nil
type ReadinessFunc func() error

// Server hosts the health endpoints and any routes registered on Router
type Server struct {
	config  Config
	service string
	logger  *zap.Logger
	router  *mux.Router

	mu         sync.Mutex
	readiness  ReadinessFunc
	httpServer *http.Server
	listener   net.Listener
	wg         sync.WaitGroup
}

// New creates a server for the named service
func New(cfg Config, service string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		config:  cfg,
		service: service,
		logger:  logger,
		router:  mux.NewRouter(),
	}
	s.router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.readinessHandler).Methods(http.MethodGet)
	return s
}

// Router returns the router to register additional routes on
func (s *Server) Router() *mux.Router {
	return s.router
}

// SetReadiness installs the readiness check. Without one the server is
// always ready.
func (s *Server) SetReadiness(fn ReadinessFunc) {
	s.mu.Lock()
	s.readiness = fn
	s.mu.Unlock()
}

// Start listens and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.New("server already started")
	}

	lis, err := net.Listen("tcp", net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port)))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = lis
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	srv := s.httpServer
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	s.logger.Info("HTTP server started", zap.String("service", s.service), zap.String("addr", lis.Addr().String()))
	return nil
}

// Addr is the bound listen address, empty before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	s.logger.Info("HTTP server stopped", zap.String("service", s.service))
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeStatus(w, http.StatusOK, "healthy", "")
}

func (s *Server) readinessHandler(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	check := s.readiness
	s.mu.Unlock()

	if check != nil {
		if err := check(); err != nil {
			s.writeStatus(w, http.StatusServiceUnavailable, "not_ready", err.Error())
			return
		}
	}
	s.writeStatus(w, http.StatusOK, "ready", "")
}

func (s *Server) writeStatus(w http.ResponseWriter, code int, status, reason string) {
	body := map[string]string{"status": status, "service": s.service}
	if reason != "" {
		body["reason"] = reason
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("Failed to write status response", zap.Error(err))
	}
}
