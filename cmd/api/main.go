package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"mispbridge/internal/api"
	"mispbridge/internal/api/handlers"
	"mispbridge/internal/config"
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
	logger.SetGlobal(log)

	log.Info().
		Str("app", cfg.App.Name).
		Str("env", cfg.App.Environment).
		Str("version", cfg.App.Version).
		Msg("starting MISP connector API")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.NewPostgres(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to PostgreSQL")
	}
	defer db.Close()

	repos := repository.NewRepositories(db.Pool())
	if err := repos.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate schema")
	}

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

	registry, err := misp.NewRegistry(cfg.MISP, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build instance registry")
	}

	transformer := misp.NewTransformer(log)
	attachments := misp.NewAttachmentHandler(temp, log)

	ingest := syncpkg.NewIngestionPipeline(
		registry, transformer, attachments,
		repos.Alerts, repos.Cases, repos.Artifacts, repos.Attachments, log,
	)
	export := syncpkg.NewExportPipeline(registry, repos.Alerts, repos.Artifacts, repos.Attachments, log)

	backfill := syncpkg.NewBackfillWorker(bus, registry, transformer, repos.Alerts, log)
	backfill.Start()

	h := &api.Handlers{
		Health: handlers.NewHealthHandler(repos.Gate, cfg.App.Version),
		MISP:   handlers.NewMISPHandler(registry, ingest, export, repos.Alerts, repos.Cases, bus, log),
	}
	router := api.NewRouter(*cfg, h, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down API server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	temp.ReleaseAll()
	log.Info().Msg("shutdown complete")
}
