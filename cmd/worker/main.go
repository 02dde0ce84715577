// Package main provides the entry point for the build worker.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/narvanalabs/appfactory/internal/api"
	"github.com/narvanalabs/appfactory/internal/bootstrap"
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
	log := logger.New(logger.ParseLevel(cfg.LogLevel), cfg.LogFormat != "text").WithComponent("worker")

	if cfg.UsesMemoryStore() {
		log.Error("the standalone worker needs a shared database, set DATABASE_URL or run the API with WORKER_EMBEDDED")
		os.Exit(1)
	}

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

	if _, err := bootstrap.Worker(ctx, cfg, storage, locker, sealer, coord, log.Logger); err != nil {
		log.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	checker := bootstrap.HealthChecker(api.Version, storage.Store, locker, true)
	r := chi.NewRouter()
	r.Get("/health", checker.Handler())
	r.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.Worker.HealthAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	coord.Register(shutdown.NewServerComponent("health", srv))

	go func() {
		log.Info("serving worker health", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("health server error", "error", err)
		}
	}()

	coord.WaitForSignal(ctx)
	log.Info("worker stopped", "exit_code", coord.ExitCode())
	os.Exit(coord.ExitCode())
}
