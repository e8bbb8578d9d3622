package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"ingestd/config"
	"ingestd/internal/controlplane"
	"ingestd/internal/engine"
	"ingestd/internal/registry"
	"ingestd/internal/store"
	"ingestd/internal/telemetry"
	"ingestd/logger"
)

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Ingestd.Name,
		"version": cfg.Ingestd.Version,
	}).Info("starting ingestd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	st, err := store.Open(ctx, cfg.Database.URL, cfg.Database.PoolMin, cfg.Database.PoolMax)
	if err != nil {
		log.WithError(err).Error("failed to open store")
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Bootstrap(ctx); err != nil {
		log.WithError(err).Error("failed to bootstrap schema")
		os.Exit(1)
	}

	reg := registry.New(st.Pool())
	if err := reg.WarmUp(ctx); err != nil {
		log.WithError(err).Warn("failed to warm up symbol registry")
	}

	bus := telemetry.New(cfg.Control.MetricsHistory)

	eng := engine.New(cfg, log, bus, st, reg)

	if len(cfg.Symbols) > 0 {
		if err := eng.Start(ctx, controlplane.StartConfig{Symbols: cfg.Symbols}); err != nil {
			log.WithError(err).Warn("autostart failed; awaiting control plane Start")
		}
	}

	cp := controlplane.New(controlplane.Config{
		Address:           cfg.Control.Address,
		TelemetryInterval: cfg.Control.TelemetryInterval,
	}, eng, bus)

	cpDone := make(chan error, 1)
	go func() {
		cpDone <- cp.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	controlPlaneExited := false
	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case err := <-cpDone:
		controlPlaneExited = true
		if err != nil {
			log.WithError(err).Error("control plane exited unexpectedly")
		}
	}

	log.Info("starting graceful shutdown")
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := eng.Stop(stopCtx); err != nil {
		log.WithError(err).Warn("error stopping engine")
	}

	if !controlPlaneExited {
		select {
		case <-cpDone:
		case <-time.After(10 * time.Second):
			log.Warn("control plane shutdown timeout exceeded")
		}
	}

	log.Info("ingestd stopped")
}
