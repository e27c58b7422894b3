package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/petems/loopback-tray/internal/app"
	"github.com/petems/loopback-tray/internal/config"
	"github.com/petems/loopback-tray/internal/devices"
	"github.com/petems/loopback-tray/internal/logging"
	"github.com/petems/loopback-tray/internal/platform"
	"github.com/petems/loopback-tray/internal/tray"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

func main() {
	// Load config from XDG/Library/AppData
	cfg, err := config.Load()
	if err != nil {
		// Use default logger if config fails to load
		log := logging.New()
		log.Fatal().Err(err).Str("path", config.Path()).Msg("Failed to load config")
	}

	// Initialize logger with configured level
	log := logging.NewWithLevel(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Create tray UI first (we'll pass it to app)
	trayUI := tray.New(nil, log, Version, Commit) // App reference set below

	// Create app with tray as status updater
	application := app.New(app.Config{
		Backend:       platform.New(),
		Config:        cfg,
		Logger:        log,
		StatusUpdater: trayUI,
		ListDevices:   devices.ListOutputs,
	})

	// Set app reference in tray
	trayUI.SetApp(application)

	log.Info().Str("version", Version).Msg("LoopbackTray starting...")

	// Pick up edits to the config file while running
	if err := config.Watch(ctx, config.Path(), log, application.Reload); err != nil {
		log.Warn().Err(err).Msg("Config changes will need a restart")
	}

	// Setup shutdown signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("Shutting down...")
		cancel()
	}()

	// Start tray UI - MUST run on main thread
	if err := trayUI.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Tray error")
	}
}
