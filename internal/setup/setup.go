// Package setup assembles the process dependency graph from configuration.
// Both binaries (the HTTP API server and the standalone MLLP ingress) share
// this wiring so they cannot drift apart.
package setup

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/oru-fhir-bridge/internal/cache"
	"github.com/oru-fhir-bridge/internal/domain"
	"github.com/oru-fhir-bridge/internal/llm"
	"github.com/oru-fhir-bridge/internal/ratelimit"
	"github.com/oru-fhir-bridge/internal/service"
	"github.com/oru-fhir-bridge/internal/store"
)

// BuildLogger constructs the process logger from the logging configuration.
func BuildLogger(cfg *domain.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if strings.EqualFold(cfg.Format, "text") {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	return logger
}

// BuildStore constructs the message store selected by the database driver.
func BuildStore(cfg *domain.DatabaseConfig) (domain.MessageStore, error) {
	switch cfg.Driver {
	case "sqlite":
		return store.NewSQLiteStore(cfg.Path)
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database, cfg.SSLMode)
		return store.NewPostgresStore(dsn, cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// BuildPipeline wires the full transformation pipeline: tokenizer-fed builder,
// bundle mapper, and the summary orchestrator with its LLM client, cooldown
// limiter and two-tier cache.
func BuildPipeline(cfg *domain.Config, messageStore domain.MessageStore, logger *logrus.Logger) (*service.Pipeline, error) {
	generator := llm.NewClient(llm.Config{
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	}, logger)

	limiter := ratelimit.NewCooldownLimiter(cfg.LLM.Cooldown)

	var summaryCache domain.SummaryCache
	if cfg.Cache.MemorySize > 0 {
		c, err := cache.New(cache.Config{
			MemorySize: cfg.Cache.MemorySize,
			RedisURL:   cfg.Cache.RedisURL,
			TTL:        cfg.Cache.TTL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("building summary cache: %w", err)
		}
		summaryCache = c
	}

	summarizer := service.NewSummaryOrchestrator(generator, limiter, summaryCache, cfg.LLM.Timeout, logger)

	return service.NewPipeline(
		service.NewMessageBuilder(logger),
		service.NewBundleMapper(),
		summarizer,
		messageStore,
		logger,
	), nil
}
