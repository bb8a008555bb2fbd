package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/oru-fhir-bridge/internal/api"
	"github.com/oru-fhir-bridge/internal/config"
	"github.com/oru-fhir-bridge/internal/mllp"
	"github.com/oru-fhir-bridge/internal/setup"
)

func main() {
	// Load configuration
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Validate configuration
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	cfg := configManager.GetConfig()
	logger := setup.BuildLogger(&cfg.Logging)

	store, err := setup.BuildStore(&cfg.Database)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open message store")
	}
	defer store.Close()

	pipeline, err := setup.BuildPipeline(cfg, store, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build pipeline")
	}

	server := api.NewServer(cfg, pipeline, store, logger)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	// Optional MLLP ingress alongside the HTTP API
	if cfg.MLLP.Enabled {
		listener := mllp.NewServer(cfg.MLLP.Host, cfg.MLLP.Port, pipeline, logger)
		go func() {
			if err := listener.Start(ctx); err != nil {
				logger.WithError(err).Error("MLLP listener failed")
				cancel()
			}
		}()
	}

	logger.WithFields(logrus.Fields{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Starting ORU-FHIR bridge")

	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}

	logger.Info("Server stopped")
}
