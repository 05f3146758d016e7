package main

import (
	"context"
	"fmt"

	"github.com/songzhibin97/edgegate/internal/admin"
	"github.com/songzhibin97/edgegate/internal/config"
	"github.com/songzhibin97/edgegate/internal/health"
	"github.com/songzhibin97/edgegate/internal/loadbalancer"
	"github.com/songzhibin97/edgegate/internal/metrics"
	"github.com/songzhibin97/edgegate/internal/proxy"
	"github.com/songzhibin97/edgegate/internal/router"
	edgetls "github.com/songzhibin97/edgegate/internal/tls"
	"github.com/songzhibin97/edgegate/internal/upstream"
	"github.com/songzhibin97/edgegate/pkg/log"
)

// gateway holds every long-lived component of one process
type gateway struct {
	cfg       *config.Config
	registry  *upstream.Registry
	tracker   *health.Tracker
	checker   *health.ActiveChecker
	balancer  *loadbalancer.Manager
	pool      *proxy.Pool
	collector *metrics.Collector
	routes    *router.Engine
	store     *router.Store
	engine    *proxy.Engine
	server    *proxy.Server
	admin     *admin.Server
	acme      *edgetls.ACMEManager
	logger    log.Logger
}

// newGateway wires the components together. Nothing is started and no
// routing document is applied yet.
func newGateway(cfg *config.Config) (*gateway, error) {
	g := &gateway{
		cfg:      cfg,
		registry: upstream.NewRegistry(),
		tracker:  health.NewTracker(cfg.Health),
		routes:   router.NewEngine(),
		pool:     proxy.NewPool(cfg.Proxy.MaxConnsPerTarget, cfg.Proxy.PoolTimeout),
		logger:   log.Component("gateway"),
	}
	g.balancer = loadbalancer.NewManager(g.tracker)
	g.checker = health.NewActiveChecker(cfg.Health.Active, g.tracker)

	if cfg.Metrics.Enabled {
		collector, err := metrics.NewCollector(cfg.Metrics, g.tracker)
		if err != nil {
			return nil, err
		}
		g.collector = collector
	}

	// every accepted snapshot resynchronizes the per-target state
	g.registry.OnReload(func(snapshot *upstream.Snapshot) {
		targets := snapshot.Targets()
		groups := snapshot.Groups()
		g.tracker.Sync(targets)
		g.checker.Sync(targets)
		g.balancer.Prune(groups)
		g.pool.Prune(groups)
		if g.collector != nil {
			g.collector.Prune(groups)
		}
	})

	source, err := config.CreateConfigSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create configuration source: %w", err)
	}
	g.store, err = router.NewStore(source, g.registry, g.routes)
	if err != nil {
		return nil, err
	}

	opts := proxy.Options{
		Config:    cfg.Proxy,
		Router:    g.routes,
		Balancer:  g.balancer,
		Health:    g.tracker,
		Pool:      g.pool,
		AccessLog: cfg.Logging.AccessLog,
	}
	if g.collector != nil {
		opts.Recorder = g.collector
	}
	g.engine, err = proxy.NewEngine(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy engine: %w", err)
	}

	var serverOpts []proxy.ServerOption
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.ACME.Enabled {
		g.acme, err = edgetls.NewACMEManager(cfg.Server.TLS.ACME)
		if err != nil {
			return nil, err
		}
		serverOpts = append(serverOpts, proxy.WithTLSConfig(g.acme.TLSConfig()))
	}
	g.server, err = proxy.NewServer(cfg.Server, g.engine, serverOpts...)
	if err != nil {
		return nil, err
	}

	if cfg.Admin.Enabled {
		adminOpts := admin.Options{
			Config:    cfg.Admin,
			Metrics:   cfg.Metrics,
			Registry:  g.registry,
			Router:    g.routes,
			Store:     g.store,
			Health:    g.tracker,
			Balancer:  g.balancer,
			Pool:      g.pool,
			Collector: g.collector,
		}
		if g.acme != nil {
			adminOpts.Certificates = g.acme
		}
		g.admin, err = admin.NewServer(adminOpts)
		if err != nil {
			return nil, fmt.Errorf("failed to create admin server: %w", err)
		}
	}
	return g, nil
}

// load applies the initial routing document: inline for the static driver,
// otherwise fetched from the source which is then followed for changes.
func (g *gateway) load(ctx context.Context) error {
	if g.cfg.ConfigSource.Source.Driver == config.DriverStatic {
		if err := g.store.ApplyDocument(g.cfg.Routing()); err != nil {
			return fmt.Errorf("failed to apply inline routing configuration: %w", err)
		}
	} else if err := g.store.Start(ctx); err != nil {
		return fmt.Errorf("failed to start configuration store: %w", err)
	}

	if g.cfg.Health.Active.Enabled {
		if err := g.checker.Start(g.registry.Snapshot().Targets()); err != nil {
			return err
		}
	}
	return nil
}

// close releases background resources after the listeners stopped
func (g *gateway) close() {
	if g.store.IsRunning() {
		if err := g.store.Stop(); err != nil {
			g.logger.Error("failed to stop configuration store", log.Error(err))
		}
	}
	if err := g.checker.Stop(); err != nil {
		g.logger.Error("failed to stop active health checks", log.Error(err))
	}
	if err := g.engine.Close(); err != nil {
		g.logger.Error("failed to close proxy engine", log.Error(err))
	}
}
