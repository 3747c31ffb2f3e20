package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/relaybridge/relaybridge/internal/account"
	"github.com/relaybridge/relaybridge/internal/bridge"
	"github.com/relaybridge/relaybridge/internal/config"
	"github.com/relaybridge/relaybridge/internal/peer"
	"github.com/relaybridge/relaybridge/internal/relay"
	"github.com/relaybridge/relaybridge/internal/rotation"
	"github.com/relaybridge/relaybridge/internal/server"
	"github.com/relaybridge/relaybridge/internal/storage"
	"github.com/relaybridge/relaybridge/internal/storage/sqlite"
	"github.com/relaybridge/relaybridge/internal/telemetry"
)

const activationTimeout = 30 * time.Second

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer("relaybridge", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	catalog, err := account.NewCatalog(cfg.Accounts.Dir, logger)
	if err != nil {
		log.Fatalf("Failed to load credential catalog from %s: %v", cfg.Accounts.Dir, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := catalog.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("credential watcher stopped", slog.String("error", err.Error()))
		}
	}()

	var store storage.ExchangeStore
	if cfg.Storage.Path != "" {
		s, err := sqlite.New(cfg.Storage.Path)
		if err != nil {
			log.Fatalf("Failed to open exchange store: %v", err)
		}
		defer s.Close()
		store = s
		logger.Info("exchange recording enabled", slog.String("path", cfg.Storage.Path))
	}

	registry := peer.NewRegistry(logger)
	supervisor := bridge.NewSupervisor(registry, catalog, activationTimeout, logger)
	machine := rotation.NewMachine(catalog, supervisor, cfg.Rotation, logger)
	orchestrator := relay.NewOrchestrator(registry, machine, store, cfg.Relay, logger)

	bridgeWS := registry.ServeWS(cfg.Bridge.Token, supervisor.HandleConnect)
	srv := server.New(cfg.Server.Port, logger, orchestrator, machine, registry, store, bridgeWS)

	// The first activation blocks until a peer connects, so it runs
	// alongside the server.
	go func() {
		if err := machine.Start(ctx); err != nil {
			logger.Error("initial credential activation failed", slog.String("error", err.Error()))
		}
	}()

	httpServer := srv.HTTPServer()

	go func() {
		logger.Info("starting server", slog.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutdown signal received, stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Shutdown complete")
}
