package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/worksheet-dev/worksheet/internal/config"
	"github.com/worksheet-dev/worksheet/internal/logger"
	"github.com/worksheet-dev/worksheet/internal/server"
)

var version = "dev" // Will be set during build with -ldflags

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.Init(cfg.Logging.Level, cfg.Logging.Format)

	if cfg.Server.JWTSecret == "" {
		log.Warn().Msg("JWT_SECRET is not set, sessions will not survive a restart")
	}

	// Create server
	srv, err := server.New(server.Options{
		DatabaseURL:  cfg.Server.DatabaseURL,
		JWTSecret:    cfg.Server.JWTSecret,
		AllowOrigins: cfg.Server.AllowOrigins,
		DevOutbox:    os.Getenv("WORKSHEET_DEV_OUTBOX") == "true",
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", version).Msg("Starting Worksheet development backend...")

	// Start HTTP server (this blocks until shutdown)
	if err := srv.Start(ctx, ":"+cfg.Server.Port); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
