package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ninjalabs/gatekeeper/internal/api"
	"github.com/ninjalabs/gatekeeper/internal/blobstore"
	"github.com/ninjalabs/gatekeeper/internal/config"
	"github.com/ninjalabs/gatekeeper/internal/gate"
	"github.com/ninjalabs/gatekeeper/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "gatekeeper",
	Short:   "Gatekeeper - permission backend for the sequence service",
	Long:    `Gatekeeper decides whether an application/user pair may use the numeric-ID allocation service, applying grace periods, organization rosters, and auto-claim rules.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Gatekeeper %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup messages, re-initialized below
	// once the configuration is known.
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "gatekeeper"})

	settings, err := config.NewLoader().WithConfigPath(configPath).Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:    settings.LogFormat,
		Level:     settings.LogLevel,
		Component: "gatekeeper",
	})

	if err := os.MkdirAll(settings.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", settings.DataDir).Msg("Failed to create data directory")
	}

	store, err := blobstore.NewSQLiteStore(settings.DataDir, settings.BlobTimeout.Duration)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open blob store")
	}
	defer store.Close()

	cache := gate.NewCache(store, settings.CacheTTL.Duration)
	checker := gate.NewChecker(cache, gate.NewUnknownUserLogger(store),
		settings.GracePeriod.Duration, settings.MinimumGraceEnd)
	activity := gate.NewActivityLogger(cache, store)

	var private atomic.Bool
	private.Store(settings.PrivateBackend)

	permGate := api.NewPermissionGate(checker, private.Load)
	server := api.NewServer(store, permGate, api.NewSequenceService(store, activity))

	// Private-backend flag and cache TTL follow the config file without a
	// restart.
	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, func(updated *config.Settings) {
			private.Store(updated.PrivateBackend)
			cache.SetTTL(updated.CacheTTL.Duration)
			log.Info().
				Bool("privateBackend", updated.PrivateBackend).
				Dur("cacheTTL", updated.CacheTTL.Duration).
				Msg("Applied configuration reload")
		})
		if err != nil {
			log.Warn().Err(err).Msg("Config hot reload unavailable")
		} else {
			watcher.Start()
			defer watcher.Stop()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(settings.ListenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	log.Info().
		Str("version", Version).
		Str("addr", settings.ListenAddr).
		Bool("privateBackend", settings.PrivateBackend).
		Msg("Gatekeeper started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("HTTP server failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}
}
