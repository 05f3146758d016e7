package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/songzhibin97/edgegate/internal/config"
	"github.com/songzhibin97/edgegate/internal/log/driver/stdout"
	"github.com/songzhibin97/edgegate/internal/tracing"
	"github.com/songzhibin97/edgegate/pkg/log"
)

var (
	configFile = flag.String("config", "config.yaml", "Configuration file path")
	version    = flag.Bool("version", false, "Show version information")
)

// Set through -ldflags at build time
var (
	Version   = "v0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("EdgeGate %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("edgegate stopped with error", log.Error(err))
	}
}

func newLogger(cfg config.LoggingConfig) (*stdout.StdoutLogger, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	lc := stdout.DefaultConfig()
	lc.Level = level
	lc.TimeFormat = cfg.TimeFormat
	lc.EnableCaller = cfg.EnableCaller
	return stdout.New(lc)
}

func run(cfg *config.Config, logger log.Logger) error {
	tp, err := tracing.NewProvider(cfg.Tracing, Version)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("failed to shut down tracing", log.Error(err))
		}
	}()

	g, err := newGateway(cfg)
	if err != nil {
		return err
	}
	defer g.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := g.load(ctx); err != nil {
		return err
	}

	logger.Info("starting edgegate",
		log.String("version", Version),
		log.String("address", cfg.Server.Address),
		log.String("config_driver", driverName(cfg.ConfigSource.Source.Driver)),
		log.Bool("tracing", tp.Enabled()))

	errc := make(chan error, 3)
	go func() { errc <- g.server.Start() }()
	if g.admin != nil {
		go func() { errc <- g.admin.Start() }()
	}
	if g.acme != nil {
		go func() { errc <- g.acme.StartChallengeServer() }()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down edgegate")
	case err = <-errc:
		if err != nil {
			logger.Error("listener failed", log.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if shutdownErr := g.server.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("proxy server forced to shut down", log.Error(shutdownErr))
	}
	if g.admin != nil {
		if shutdownErr := g.admin.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error("admin server forced to shut down", log.Error(shutdownErr))
		}
	}
	if g.acme != nil {
		if shutdownErr := g.acme.Stop(shutdownCtx); shutdownErr != nil {
			logger.Error("ACME challenge listener forced to shut down", log.Error(shutdownErr))
		}
	}

	logger.Info("edgegate stopped")
	return err
}

func driverName(driver string) string {
	if driver == config.DriverStatic {
		return "static"
	}
	return driver
}
