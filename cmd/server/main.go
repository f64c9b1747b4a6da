// Package main is the entry point for the liquidity snapshot service. It
// ingests macro-financial series from FRED, the Treasury fiscal data API and
// the OFR, evaluates the indicator registry into regime snapshots, and serves
// the HTTP API including the LLM brief and question-answering endpoints.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aristath/liquidity/internal/config"
	"github.com/aristath/liquidity/internal/database"
	"github.com/aristath/liquidity/internal/modules/agent"
	"github.com/aristath/liquidity/internal/modules/derived"
	"github.com/aristath/liquidity/internal/modules/indicators"
	"github.com/aristath/liquidity/internal/modules/ingest"
	"github.com/aristath/liquidity/internal/modules/registry"
	"github.com/aristath/liquidity/internal/modules/series"
	"github.com/aristath/liquidity/internal/modules/snapshots"
	"github.com/aristath/liquidity/internal/server"
	"github.com/aristath/liquidity/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting liquidity service")

	db, err := database.New(database.Config{
		Path: cfg.DatabasePath(),
		Name: "liquidity",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}

	// Repositories and domain services.
	seriesRepo := series.NewRepository(db.Conn(), log)
	registryRepo := registry.NewRepository(db.Conn(), log)
	evaluator := indicators.NewEvaluator(seriesRepo, registryRepo, log)
	snapRepo := snapshots.NewRepository(db.Conn(), log)
	snapService := snapshots.NewService(snapRepo, seriesRepo, registryRepo, evaluator, log)
	derivedService := derived.NewService(seriesRepo, log)

	// Seed the registry from YAML when a path is configured. The upsert is
	// idempotent, so re-seeding on every start is safe.
	if cfg.RegistryPath != "" {
		n, err := registry.LoadFromFile(registryRepo, cfg.RegistryPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.RegistryPath).Msg("Failed to seed registry")
		}
		log.Info().Int("indicators", n).Str("path", cfg.RegistryPath).Msg("Registry seeded")
	}

	ingestService := ingest.NewService(
		ingest.NewFREDClient(cfg.FredAPIKey, "", log),
		ingest.NewTreasuryClient("", log),
		ingest.NewOFRClient(cfg.OFRFSIURL, log),
		seriesRepo,
		derivedService,
		snapRepo,
		log,
	)

	agentService := agent.NewService(
		snapService,
		snapRepo,
		seriesRepo,
		registryRepo,
		agent.NewDocsLoader(cfg.DocsPath),
		agent.NewProvider(cfg),
		log,
	)

	srv := server.New(server.Config{
		Log:          log,
		DB:           db,
		Config:       cfg,
		SeriesRepo:   seriesRepo,
		RegistryRepo: registryRepo,
		Snapshots:    snapService,
		SnapRepo:     snapRepo,
		Ingest:       ingestService,
		Agent:        agentService,
	})

	// Periodic ingest, when configured. Each run fetches every source and
	// rebuilds the derived series; snapshots stay on demand.
	var scheduler *cron.Cron
	if cfg.IngestCron != "" {
		scheduler = cron.New()
		_, err := scheduler.AddFunc(cfg.IngestCron, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if _, err := ingestService.RunAll(ctx); err != nil {
				log.Error().Err(err).Msg("Scheduled ingest run failed")
			}
		})
		if err != nil {
			log.Fatal().Err(err).Str("cron", cfg.IngestCron).Msg("Invalid ingest cron expression")
		}
		scheduler.Start()
		log.Info().Str("cron", cfg.IngestCron).Msg("Ingest scheduler started")
	}

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	if scheduler != nil {
		cronCtx := scheduler.Stop()
		// Let an in-flight ingest run finish before closing the database.
		select {
		case <-cronCtx.Done():
		case <-time.After(30 * time.Second):
			log.Warn().Msg("Timed out waiting for scheduled jobs to finish")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
