package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/songzhibin97/edgegate/internal/config"
	"github.com/songzhibin97/edgegate/pkg/log"
)

// Server represents the proxy server
type Server struct {
	config     config.ServerConfig
	httpServer *http.Server
	logger     log.Logger
}

// ServerOption customizes the inbound listener
type ServerOption func(*http.Server)

// WithTLSConfig serves certificates from tlsConfig instead of the
// configured certificate files.
func WithTLSConfig(tlsConfig *tls.Config) ServerOption {
	return func(s *http.Server) {
		s.TLSConfig = tlsConfig
	}
}

// NewServer creates the inbound listener for handler. HTTP/2 is enabled on
// TLS listeners and, when configured, in cleartext through h2c.
func NewServer(cfg config.ServerConfig, handler http.Handler, opts ...ServerOption) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	logger := log.Component("server")

	h2s := &http2.Server{IdleTimeout: cfg.IdleTimeout}
	if cfg.H2C && !cfg.TLS.Enabled {
		handler = h2c.NewHandler(handler, h2s)
		logger.Info("cleartext HTTP/2 (h2c) enabled")
	}

	httpServer := &http.Server{
		Addr:              cfg.Address,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}
	for _, opt := range opts {
		opt(httpServer)
	}

	if cfg.TLS.Enabled {
		if err := http2.ConfigureServer(httpServer, h2s); err != nil {
			return nil, fmt.Errorf("failed to configure HTTP/2: %w", err)
		}
		logger.Info("HTTP/2 support enabled for TLS connections")
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		logger:     logger,
	}, nil
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on listener. It returns nil after Shutdown.
func (s *Server) Serve(listener net.Listener) error {
	s.logger.Info("proxy server listening",
		log.String("address", listener.Addr().String()),
		log.Bool("tls", s.config.TLS.Enabled))

	var err error
	if s.config.TLS.Enabled {
		certFile, keyFile := s.config.TLS.CertFile, s.config.TLS.KeyFile
		if s.httpServer.TLSConfig != nil && s.httpServer.TLSConfig.GetCertificate != nil {
			certFile, keyFile = "", ""
		}
		err = s.httpServer.ServeTLS(listener, certFile, keyFile)
	} else {
		err = s.httpServer.Serve(listener)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server, waiting for in-flight
// requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down proxy server")
	return s.httpServer.Shutdown(ctx)
}
