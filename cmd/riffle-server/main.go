// Command riffle-server runs the Riffle listening-stats backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/log"

	"github.com/riffleapp/riffle/internal/config"
	"github.com/riffleapp/riffle/internal/db"
	"github.com/riffleapp/riffle/internal/importer"
	"github.com/riffleapp/riffle/internal/progress"
	"github.com/riffleapp/riffle/internal/spotify"
	"github.com/riffleapp/riffle/internal/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config.toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "riffle",
	})

	ctx := context.Background()
	database, err := db.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}

	provider := spotify.New(
		spotify.WithRateLimit(cfg.Spotify.RateLimit, 10),
		spotify.WithLogger(logger.With("component", "spotify")),
	)

	hub := progress.NewHub(logger)
	runner := importer.NewRunner(
		importer.NewStore(database),
		importer.NewProvider(provider),
		hub,
		importer.WithLogger(logger.With("component", "importer")),
	)

	handlers := &web.Handlers{
		Users:                  database.Users(),
		Settings:               database.Settings(),
		Tracks:                 database.Tracks(),
		Interactions:           database.TrackInteractions(),
		Artists:                database.ArtistInteractions(),
		Sessions:               database.Sessions(),
		Provider:               provider,
		Importer:               runner,
		Progress:               hub,
		OAuth:                  cfg.OAuth(),
		DefaultSkipThresholdMs: cfg.Stats.DefaultSkipThresholdMs,
		Log:                    logger.With("component", "web"),
	}

	server := web.NewServer(web.ServerConfig{
		Addr:     cfg.Server.Addr,
		Handlers: handlers,
		Log:      logger,
	})
	return server.Run()
}
