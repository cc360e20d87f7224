package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"firestige.xyz/ntpctl/internal/log"
)

// HealthPath answers 200 while the health check passes and 503 otherwise.
const HealthPath = "/healthz"

// Server exposes the default registry over HTTP next to a health endpoint.
type Server struct {
	addr    string
	path    string
	healthy func() bool
	logger  log.Logger

	srv   *http.Server
	bound net.Addr
}

// NewServer returns a server for addr. An empty path means /metrics.
func NewServer(addr, path string) *Server {
	if path == "" {
		path = "/metrics"
	}
	return &Server{
		addr:    addr,
		path:    path,
		healthy: func() bool { return true },
		logger:  log.GetLogger().WithField("module", "metrics"),
	}
}

// SetHealthCheck installs the probe behind HealthPath. Call before Start.
func (s *Server) SetHealthCheck(fn func() bool) {
	if fn != nil {
		s.healthy = fn
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	if !s.healthy() {
		http.Error(w, "stopping", http.StatusServiceUnavailable)
		return
	}
	fmt.Fprintln(w, "ok")
}

// Start binds the listener and serves in the background until Stop.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics listen on %s: %w", s.addr, err)
	}
	s.bound = ln.Addr()

	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Timeout:           5 * time.Second,
	}))
	if s.path != HealthPath {
		mux.HandleFunc(HealthPath, s.health)
	}
	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       time.Minute,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.logger.WithField("addr", s.bound.String()).WithField("path", s.path).Info("serving metrics")
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("metrics server failed")
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() net.Addr { return s.bound }

// Stop shuts the server down, giving open scrapes up to five seconds.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	s.srv = nil
	s.logger.Info("metrics server stopped")
	return nil
}
