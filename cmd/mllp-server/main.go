// Standalone MLLP ingress: accepts HL7 v2 over TCP, persists processed
// messages, and never exposes HTTP. Deployed next to lab systems that only
// speak MLLP.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/oru-fhir-bridge/internal/config"
	"github.com/oru-fhir-bridge/internal/mllp"
	"github.com/oru-fhir-bridge/internal/setup"
)

func main() {
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	listener := mllp.NewServer(cfg.MLLP.Host, cfg.MLLP.Port, pipeline, logger)
	if err := listener.Start(ctx); err != nil {
		logger.WithError(err).Fatal("MLLP listener failed")
	}

	logger.Info("MLLP server stopped")
}
