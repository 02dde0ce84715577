// Package main provides the entry point for the API server.
package main

import (
	"context"
	"os"

	_ "github.com/joho/godotenv/autoload"

	"github.com/narvanalabs/appfactory/internal/api"
	"github.com/narvanalabs/appfactory/internal/auth"
	"github.com/narvanalabs/appfactory/internal/bootstrap"
	"github.com/narvanalabs/appfactory/internal/registry"
	"github.com/narvanalabs/appfactory/internal/shutdown"
	"github.com/narvanalabs/appfactory/pkg/config"
	"github.com/narvanalabs/appfactory/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Default().Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(logger.ParseLevel(cfg.LogLevel), cfg.LogFormat != "text")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := shutdown.NewCoordinator(shutdown.WithTimeout(cfg.ShutdownTimeout), shutdown.WithLogger(log.Logger))

	storage, err := bootstrap.OpenStorage(ctx, cfg, log.Logger)
	if err != nil {
		log.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	coord.Register(shutdown.NewCloserComponent("store", storage.Store))

	locker, err := bootstrap.OpenLocker(cfg, log.Logger)
	if err != nil {
		log.Error("failed to open locker", "error", err)
		os.Exit(1)
	}
	coord.Register(shutdown.NewCloserComponent("locker", locker))

	sealer, err := bootstrap.Sealer(cfg, log.Logger)
	if err != nil {
		log.Error("failed to configure sealer", "error", err)
		os.Exit(1)
	}

	if cfg.Worker.Embedded {
		if _, err := bootstrap.Worker(ctx, cfg, storage, locker, sealer, coord, log.WithComponent("worker").Logger); err != nil {
			log.Error("failed to start embedded worker", "error", err)
			os.Exit(1)
		}
	} else if cfg.UsesMemoryStore() {
		log.Warn("in-memory store without WORKER_EMBEDDED, builds will stay pending")
	}

	var authService *auth.Service
	if cfg.JWTSecret != "" {
		authService = auth.NewService(&auth.Config{
			JWTSecret:   []byte(cfg.JWTSecret),
			TokenExpiry: cfg.JWTExpiry,
		}, log.Logger)
	}

	reg := registry.NewService(storage.Store, storage.Queue, sealer, log.Logger)
	checker := bootstrap.HealthChecker(api.Version, storage.Store, locker, cfg.Worker.Embedded)
	server := api.NewServer(cfg, reg, checker, authService, log.Logger)
	coord.Register(shutdown.NewServerComponent("http", server))

	go func() {
		if err := server.Start(ctx); err != nil {
			log.Error("server error", "error", err)
			cancel()
		}
	}()

	coord.WaitForSignal(ctx)
	log.Info("api stopped", "exit_code", coord.ExitCode())
	os.Exit(coord.ExitCode())
}
