package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/songzhibin97/edgegate/internal/config"
	"github.com/songzhibin97/edgegate/internal/health"
	"github.com/songzhibin97/edgegate/internal/loadbalancer"
	"github.com/songzhibin97/edgegate/internal/metrics"
	"github.com/songzhibin97/edgegate/internal/router"
	edgetls "github.com/songzhibin97/edgegate/internal/tls"
	"github.com/songzhibin97/edgegate/internal/upstream"
	"github.com/songzhibin97/edgegate/pkg/log"
)

// Reloader re-reads the routing document from its source
type Reloader interface {
	Reload() error
	Status() router.Status
}

// InUse reports how many pool slots a target holds
type InUse interface {
	InUse(key string) int
}

// CertificateReporter reports managed listener certificates
type CertificateReporter interface {
	Status(ctx context.Context) []edgetls.CertificateStatus
}

// Options configures the admin server
type Options struct {
	Config    config.AdminConfig
	Metrics   config.MetricsConfig
	Registry  *upstream.Registry
	Router    *router.Engine
	Store     Reloader
	Health    *health.Tracker
	Balancer  *loadbalancer.Manager
	Pool      InUse
	Collector *metrics.Collector
	// Certificates is set when listener certificates are managed through ACME
	Certificates CertificateReporter
}

// Server exposes the scrape endpoint, liveness and the operator API
type Server struct {
	opts       Options
	engine     *gin.Engine
	httpServer *http.Server
	logger     log.Logger
}

// NewServer builds the gin engine and registers every route
func NewServer(opts Options) (*Server, error) {
	if opts.Registry == nil || opts.Router == nil || opts.Health == nil || opts.Balancer == nil {
		return nil, fmt.Errorf("registry, router, health tracker and balancer are required")
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		opts:   opts,
		engine: gin.New(),
		logger: log.Component("admin"),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.registerRoutes()

	if exposedWithoutAuth(opts.Config) {
		s.logger.Warn("admin API is reachable beyond loopback without authentication; set admin.jwt_secret",
			log.String("address", opts.Config.Address))
	}

	s.httpServer = &http.Server{
		Addr:              opts.Config.Address,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.healthz)
	if s.opts.Collector != nil && s.opts.Metrics.Enabled {
		s.engine.GET(s.opts.Metrics.Path, gin.WrapH(s.opts.Collector.Handler()))
	}

	api := s.engine.Group("/admin")
	if s.opts.Config.JWTSecret != "" {
		api.Use(JWTAuth(s.opts.Config.JWTSecret, s.opts.Config.JWTIssuer))
	}
	{
		api.GET("/upstreams", s.listUpstreams)
		api.GET("/upstreams/:name", s.getUpstream)
		api.GET("/routes", s.listRoutes)
		api.GET("/health", s.listHealth)
		api.POST("/reload", s.reload)
		if s.opts.Certificates != nil {
			api.GET("/certificates", s.listCertificates)
		}
	}
}

// exposedWithoutAuth reports whether the operator endpoints would accept
// unauthenticated requests from other hosts.
func exposedWithoutAuth(cfg config.AdminConfig) bool {
	if cfg.JWTSecret != "" {
		return false
	}
	host, _, err := net.SplitHostPort(cfg.Address)
	if err != nil {
		return true
	}
	if host == "localhost" {
		return false
	}
	ip := net.ParseIP(host)
	return ip == nil || !ip.IsLoopback()
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.opts.Config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Config.Address, err)
	}
	s.logger.Info("admin server listening", log.String("address", listener.Addr().String()))

	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the admin listener
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("admin request",
			log.String(log.FieldMethod, c.Request.Method),
			log.String(log.FieldPath, c.Request.URL.Path),
			log.Int(log.FieldStatusCode, c.Writer.Status()),
			log.Duration("latency", time.Since(start)))
	}
}
