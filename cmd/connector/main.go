package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mispbridge/internal/config"
	"mispbridge/internal/infrastructure/cache"
	"mispbridge/internal/infrastructure/database"
	"mispbridge/internal/infrastructure/database/repository"
	"mispbridge/internal/infrastructure/tempfile"
	"mispbridge/internal/misp"
	"mispbridge/internal/streaming"
	syncpkg "mispbridge/internal/sync"
	"mispbridge/pkg/logger"
)

func main() {
	cfg, err := config.LoadDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var log *logger.Logger
	if cfg.App.Environment == "production" {
		log = logger.NewProduction()
	} else {
		log = logger.NewDevelopment()
	}
	log = log.WithComponent("connector-worker")
	logger.SetGlobal(log)

	log.Info().
		Str("app", cfg.App.Name).
		Str("env", cfg.App.Environment).
		Str("version", cfg.App.Version).
		Int("instances", len(cfg.MISP.Instances)).
		Msg("starting MISP synchronization worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Infrastructure
	db, err := database.NewPostgres(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to PostgreSQL")
	}
	defer db.Close()

	repos := repository.NewRepositories(db.Pool())
	if err := repos.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate schema")
	}

	redisCache, err := cache.NewRedis(ctx, cfg.Redis, log)
	if err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, running without distributed lock")
		redisCache = nil
	}
	defer func() {
		if redisCache != nil {
			redisCache.Close()
		}
	}()

	var natsPub *streaming.NATSPublisher
	if cfg.NATS.Enabled {
		natsPub, err = streaming.NewNATSPublisher(ctx, cfg.NATS, log)
		if err != nil {
			log.Warn().Err(err).Msg("NATS unavailable, events stay local")
		}
	}
	bus := streaming.NewBus(natsPub, log)
	defer bus.Close()

	temp, err := tempfile.NewStore("", log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize temp store")
	}

	// MISP wiring
	registry, err := misp.NewRegistry(cfg.MISP, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build instance registry")
	}
	if registry.Count() == 0 {
		log.Warn().Msg("no MISP instances configured, worker will idle")
	}

	transformer := misp.NewTransformer(log)
	attachments := misp.NewAttachmentHandler(temp, log)

	ingest := syncpkg.NewIngestionPipeline(
		registry, transformer, attachments,
		repos.Alerts, repos.Cases, repos.Artifacts, repos.Attachments, log,
	)

	backfill := syncpkg.NewBackfillWorker(bus, registry, transformer, repos.Alerts, log)
	backfill.Start()

	scheduler := syncpkg.NewScheduler(cfg.MISP.Interval, ingest, temp, repos.Gate, redisCache, bus, log)

	// Handle shutdown signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := scheduler.Run(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("scheduler stopped with error")
			cancel()
		}
	}()

	<-quit
	log.Info().Msg("shutting down synchronization worker...")
	cancel()

	// Give the in-flight tick a moment to finish
	time.Sleep(2 * time.Second)
	temp.ReleaseAll()
	log.Info().Msg("shutdown complete")
}
