package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tomedesk/tome/internal/api"
	"github.com/tomedesk/tome/internal/backend"
	"github.com/tomedesk/tome/internal/config"
	"github.com/tomedesk/tome/internal/gate"
	"github.com/tomedesk/tome/internal/history"
	"github.com/tomedesk/tome/internal/license"
	"github.com/tomedesk/tome/internal/logging"
	"github.com/tomedesk/tome/internal/relay"
	"github.com/tomedesk/tome/internal/supervisor"
	"github.com/tomedesk/tome/internal/updates"
	"github.com/tomedesk/tome/internal/websocket"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "tomed",
	Short:   "Tome host daemon - local document search and chat orchestration",
	Long:    `tomed supervises the Tome sidecar services, relays chat streams to the desktop UI, and manages offline license activation.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Tome %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(licenseCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup; re-initialized once config is loaded.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "tomed",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "tomed",
		FilePath:  cfg.LogFile,
	})
	defer logging.Shutdown()

	if secret := os.Getenv("TOME_LICENSE_SECRET"); secret != "" {
		license.SetSigningSecret(secret)
	}

	log.Info().Str("version", Version).Str("dataDir", cfg.DataDir).Msg("Starting Tome host daemon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := websocket.NewHub()
	go hub.Run()

	licenseSvc, err := license.NewService(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize license service")
	}
	featureGate := gate.New(gate.TierFree)
	licenseSvc.SetTierChangeCallback(func(tier gate.Tier) {
		featureGate.SetTier(tier)
		log.Info().Str("tier", string(tier)).Msg("Feature tier updated")
	})

	historyStore, err := history.NewStore(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open chat history store")
	}
	defer func() {
		if err := historyStore.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close history store")
		}
	}()

	backendSup := supervisor.New(supervisor.Config{
		Name:             "backend",
		BaseURL:          cfg.BackendURL,
		HealthPath:       "/api/health",
		ExecName:         "tome-backend",
		ResourcesDir:     cfg.ResourcesDir,
		DevBinDir:        cfg.DevBinDir,
		Env:              []string{"TOME_DATA_DIR=" + cfg.DataDir},
		HealthInterval:   cfg.HealthInterval,
		MaxHealthRetries: cfg.HealthMaxRetries,
		StopGracePeriod:  cfg.StopGracePeriod,
	}, hub)
	vectorSup := supervisor.New(supervisor.Config{
		Name:             "vectordb",
		BaseURL:          cfg.VectorDBURL,
		HealthPath:       "/healthz",
		ExecName:         "tome-vectordb",
		ResourcesDir:     cfg.ResourcesDir,
		DevBinDir:        cfg.DevBinDir,
		Args:             []string{"--storage-dir", filepath.Join(cfg.DataDir, "vectors")},
		HealthInterval:   cfg.HealthInterval,
		MaxHealthRetries: cfg.HealthMaxRetries,
		StopGracePeriod:  cfg.StopGracePeriod,
	}, hub)

	// Sidecars boot concurrently; a failed start leaves the supervisor in its
	// degraded status rather than aborting the daemon, so the UI can surface
	// the condition and offer a restart.
	var bootGroup errgroup.Group
	for _, sup := range []*supervisor.Supervisor{vectorSup, backendSup} {
		bootGroup.Go(func() error {
			if !sup.Start(ctx) {
				log.Warn().Str("service", sup.Name()).Msg("Sidecar did not reach healthy during boot")
			}
			return nil
		})
	}
	_ = bootGroup.Wait()

	probe := supervisor.NewHealthProbe("llm", cfg.LLMURL, 15*time.Second)
	go probe.Run(ctx)

	chatRelay := relay.New(cfg.BackendURL, hub, historyStore, relay.Options{
		IdleTimeout:    cfg.StreamIdleTimeout,
		MalformedLimit: cfg.StreamMalformedLimit,
	})

	updater := updates.NewManager(cfg.UpdateFeedURL, Version, cfg.DataDir, hub)

	router := api.NewRouter(api.Deps{
		Supervisors: []*supervisor.Supervisor{backendSup, vectorSup},
		Probe:       probe,
		Relay:       chatRelay,
		License:     licenseSvc,
		Gate:        featureGate,
		Backend:     backend.NewClient(cfg.BackendURL),
		History:     historyStore,
		Updater:     updater,
		Hub:         hub,
		Version:     Version,
	})

	// ReadHeaderTimeout rather than ReadTimeout: a connection-level read
	// deadline would outlive the WebSocket upgrade and kill push delivery.
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort),
		Handler:           router.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	configWatcher, err := config.NewWatcher(cfg.DataDir)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher, .env changes will require restart")
	} else {
		configWatcher.SetReloadCallback(func() {
			log.Info().Msg(".env changed, environment overrides reloaded for next restart")
		})
		if err := configWatcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start config watcher")
		}
		defer configWatcher.Stop()
	}

	go func() {
		log.Info().Str("host", cfg.ListenHost).Int("port", cfg.ListenPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	signal.Notify(reloadChan, syscall.SIGHUP)

	for {
		select {
		case <-reloadChan:
			log.Info().Msg("Received SIGHUP, restarting sidecars")
			restartCtx, restartCancel := context.WithTimeout(ctx, 60*time.Second)
			vectorSup.Restart(restartCtx)
			backendSup.Restart(restartCtx)
			restartCancel()
		case <-sigChan:
			log.Info().Msg("Shutting down...")
			goto shutdown
		}
	}

shutdown:
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	chatRelay.Abort()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()

	// Managed sidecars stop after the HTTP surface so in-flight status reads
	// observe a consistent picture.
	backendSup.Stop()
	vectorSup.Stop()

	log.Info().Msg("Daemon stopped")
}
