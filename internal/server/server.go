package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/promptops/cursord/internal/log"
	"github.com/promptops/cursord/internal/tracing"
)

// Server wraps the Handler with an http.Server for lifecycle management.
type Server struct {
	handler  *Handler
	server   *http.Server
	listener net.Listener
	port     int
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Addr is the address to listen on. Port 0 asks the OS for a free one;
	// use Port() after NewServer to learn which.
	Addr string
	// Handler holds the wired endpoints (required).
	Handler *Handler
	// Tracer enables per-request spans when non-nil.
	Tracer trace.Tracer
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration
}

// NewServer binds the listener and prepares the HTTP server. WriteTimeout
// stays zero: jobs and SSE streams outlive any sane response deadline.
func NewServer(cfg ServerConfig) (*Server, error) {
	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}

	port := 0
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	return &Server{
		handler:  cfg.Handler,
		listener: listener,
		port:     port,
		server: &http.Server{
			Handler:           tracing.Middleware(cfg.Tracer, cfg.Handler.Routes()),
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Start serves HTTP. It blocks until the server is stopped or fails.
func (s *Server) Start() error {
	log.Info(log.CatHTTP, "starting API server", "addr", s.listener.Addr().String())
	err := s.server.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	log.Info(log.CatHTTP, "stopping API server")
	return s.server.Shutdown(ctx)
}

// Port returns the bound port, useful with ":0" listeners in tests.
func (s *Server) Port() int {
	return s.port
}
