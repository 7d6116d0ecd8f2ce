package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/systmms/credsentry/internal/logging"
	"github.com/systmms/credsentry/internal/orchestrator"
)

// StatusSource reports the engine state.
type StatusSource interface {
	Status() orchestrator.Status
}

// ServerConfig holds configuration for the health HTTP server.
type ServerConfig struct {
	// Port is the port to listen on. Zero disables the server.
	Port int

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig(port int) ServerConfig {
	return ServerConfig{
		Port:         port,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server serves /metrics, /health and /status.
type Server struct {
	config   ServerConfig
	source   StatusSource
	gatherer prometheus.Gatherer
	logger   *logging.Logger

	server   *http.Server
	listener net.Listener
}

// NewServer creates a health server. A nil gatherer serves the default
// Prometheus registry.
func NewServer(config ServerConfig, source StatusSource, gatherer prometheus.Gatherer, logger *logging.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{config: config, source: source, gatherer: gatherer, logger: logger}
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !s.source.Status().Running {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("STOPPED"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.source.Status()); err != nil {
			s.logger.Warn("Failed to encode status: %v", err)
		}
	})
	return mux
}

// Start binds the port and serves in the background.
func (s *Server) Start() error {
	if s.config.Port == 0 {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("health server: %w", err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// metrics are non-critical
			s.logger.Error("Health server error: %v", err)
		}
	}()
	s.logger.Info("Health server listening on %s", ln.Addr())
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Addr returns the bound address, or "" when not started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
