package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"duofern-go-home/internal/config"
	"duofern-go-home/internal/coordinator"
	"duofern-go-home/internal/logging"
	"duofern-go-home/internal/metrics"
	"duofern-go-home/internal/stick"
	"duofern-go-home/internal/store"
	"duofern-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()
	if flag.NArg() > 0 {
		*cfgPath = flag.Arg(0)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		bootLogger.Error("load config", "path", *cfgPath, "err", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log, version, os.Stdout)
	slog.SetDefault(logger)
	logger.Info("duofern-go-home starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	m := metrics.New()
	events := coordinator.NewEventBus(logger)
	defer events.Close()

	coord := coordinator.New(
		stick.Opener(cfg.Stick.Port, cfg.Stick.Baud, cfg.Stick.FlushTimeout),
		db, events, cfg.Coordinator(), m, logger,
	)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Stick.StartTimeout)
	err = coord.Start(ctx)
	cancel()
	if err != nil {
		logger.Error("start coordinator", "err", err)
		coord.Stop()
		db.Close()
		os.Exit(1)
	}

	webOpts := []web.ServerOption{web.WithVersion(version), web.WithMetrics(m)}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webServer := web.NewServer(coord, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second, // commands may wait behind the queue
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// No-ops when built with the no_mqtt / no_history tags.
	mqtt := initMQTT(coord, cfg, logger)
	hist := initHistory(coord, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	hist.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	coord.Stop()

	logger.Info("goodbye")
}
