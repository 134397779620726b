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

	"trackerflow/config"
	"trackerflow/internal/metrics"
	"trackerflow/logger"
)

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	metrics.Configure(cfg.Metrics)
	metrics.Init()

	log.WithEnv("APP_ENV", "LOG_LEVEL").WithFields(logger.Fields{
		"service":     cfg.App.Name,
		"version":     cfg.App.Version,
		"environment": config.AppEnvironment(),
		"broker":      cfg.Broker.URL(),
		"topic":       cfg.Broker.Topic,
	}).Info("starting trackerflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(cfg, log)
	if err != nil {
		log.WithError(err).Error("failed to build components")
		os.Exit(1)
	}

	level := cfg.Logging.Level
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	if strings.EqualFold(level, "report") {
		logger.StartReport(ctx, log, 30*time.Second, a.reportFields)
	}

	if err := a.start(ctx); err != nil {
		log.WithError(err).Error("failed to start")
		os.Exit(1)
	}
	if a.dashboard != nil {
		log.WithField("address", a.dashboard.Address()).Info("dashboard enabled")
	}
	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case err := <-a.failed():
		log.WithError(err).Error("dashboard stopped unexpectedly")
		exitCode = 1
	}

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		a.stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("trackerflow stopped")
	os.Exit(exitCode)
}
