// Package bootstrap builds the runtime components shared by the API and
// worker binaries from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/narvanalabs/appfactory/internal/api/health"
	"github.com/narvanalabs/appfactory/internal/builder"
	"github.com/narvanalabs/appfactory/internal/builder/metrics"
	"github.com/narvanalabs/appfactory/internal/credentials"
	"github.com/narvanalabs/appfactory/internal/integrations/github"
	"github.com/narvanalabs/appfactory/internal/lock"
	"github.com/narvanalabs/appfactory/internal/queue"
	queuememory "github.com/narvanalabs/appfactory/internal/queue/memory"
	pgqueue "github.com/narvanalabs/appfactory/internal/queue/postgres"
	"github.com/narvanalabs/appfactory/internal/secrets"
	"github.com/narvanalabs/appfactory/internal/shutdown"
	"github.com/narvanalabs/appfactory/internal/store"
	"github.com/narvanalabs/appfactory/internal/store/memory"
	pgstore "github.com/narvanalabs/appfactory/internal/store/postgres"
	"github.com/narvanalabs/appfactory/internal/vcs"
	"github.com/narvanalabs/appfactory/internal/workspace"
	"github.com/narvanalabs/appfactory/pkg/config"
)

// Storage is the persistence selected by configuration.
type Storage struct {
	Store store.Store
	Queue queue.Queue
}

// OpenStorage connects to PostgreSQL, applying migrations when enabled, or
// returns the in-memory store and queue when DATABASE_URL is "memory".
func OpenStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Storage, error) {
	if cfg.UsesMemoryStore() {
		logger.Warn("using in-memory store, state is lost on restart")
		return &Storage{Store: memory.New(), Queue: queuememory.New()}, nil
	}

	st, err := pgstore.NewPostgresStore(pgstore.DefaultConfig(cfg.DatabaseDSN), logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if cfg.RunMigrations {
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, err
		}
	}
	return &Storage{Store: st, Queue: pgqueue.NewPostgresQueue(st.DB(), logger)}, nil
}

// OpenLocker returns the redis locker when REDIS_URL is set and an in-process
// locker otherwise.
func OpenLocker(cfg *config.Config, logger *slog.Logger) (lock.Locker, error) {
	if cfg.Lock.RedisURL == "" {
		return lock.NewMemoryLocker(), nil
	}
	l, err := lock.NewRedisLocker(cfg.Lock.RedisURL, cfg.Lock.TTL, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return l, nil
}

// Sealer returns the credential sealer. Both keys are optional.
func Sealer(cfg *config.Config, logger *slog.Logger) (*secrets.Sealer, error) {
	sealer, err := secrets.NewSealer(secrets.Config{
		Recipient: cfg.Credentials.AgeRecipient,
		Identity:  cfg.Credentials.AgeIdentity,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("configuring credential sealer: %w", err)
	}
	if !sealer.CanSeal() {
		logger.Warn("no age recipient configured, store credentials are kept in plain text")
	}
	return sealer, nil
}

// CIClient builds the GitHub Actions client, reading the app private key
// from disk when app authentication is configured.
func CIClient(cfg *config.Config) (*github.Client, error) {
	ghCfg := github.Config{
		APIURL:         cfg.CI.APIURL,
		Owner:          cfg.CI.Owner,
		Repo:           cfg.CI.Repo,
		Token:          cfg.CI.Token,
		AppID:          cfg.CI.AppID,
		InstallationID: cfg.CI.InstallationID,
		Timeout:        cfg.CI.RequestTimeout,
	}
	if ghCfg.Token == "" && cfg.CI.PrivateKeyPath != "" {
		key, err := os.ReadFile(cfg.CI.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("reading CI app private key: %w", err)
		}
		ghCfg.PrivateKeyPEM = key
	}
	return github.NewClient(ghCfg), nil
}

// Pipeline assembles the build pipeline from its phases.
func Pipeline(cfg *config.Config, st store.Store, locker lock.Locker, sealer *secrets.Sealer, m *metrics.Collector, logger *slog.Logger) (*builder.Pipeline, error) {
	placeholders := workspace.DefaultPlaceholders()
	if cfg.PlaceholdersFile != "" {
		p, err := workspace.LoadPlaceholders(cfg.PlaceholdersFile)
		if err != nil {
			return nil, err
		}
		placeholders = p
	}

	ci, err := CIClient(cfg)
	if err != nil {
		return nil, err
	}

	injector := credentials.NewInjector(cfg.Credentials.SubDir, cfg.Credentials.FileName, logger)
	publisher := vcs.NewPublisher(vcs.Config{
		AuthorName:  cfg.Git.AuthorName,
		AuthorEmail: cfg.Git.AuthorEmail,
		Token:       cfg.Git.Token,
		RemoteURL:   cfg.Git.PublishRemoteURL,
		Branch:      cfg.Git.Branch,
		Force:       cfg.Git.ForcePush,
	}, []string{injector.RelPath()}, logger)

	poller := builder.NewPoller(st, ci, builder.PollerConfig{
		Branch:         cfg.Git.Branch,
		WorkflowName:   cfg.CI.WorkflowName,
		DiscoveryDelay: cfg.CI.DiscoveryDelay,
		Interval:       cfg.CI.PollInterval,
		MaxAttempts:    cfg.CI.MaxPollAttempts,
		Timeout:        cfg.CI.PollTimeout,
	}, m, logger)

	return builder.NewPipeline(builder.PipelineConfig{
		Store:       st,
		Workspaces:  workspace.NewMaterializer(cfg.Worker.WorkspaceRoot, cfg.Git.Token, placeholders, logger),
		Credentials: credentials.NewSource(cfg.Credentials.FallbackFile, sealer, logger),
		Injector:    injector,
		Publisher:   publisher,
		Dispatcher:  builder.NewDispatcher(st, ci, cfg.CI.WorkflowFile, cfg.Git.Branch, m, logger),
		Poller:      poller,
		Locker:      locker,
		Branch:      cfg.Git.Branch,
		StaleAfter:  cfg.Recovery.StaleAfter,
		Metrics:     m,
		Logger:      logger,
	}), nil
}

// Worker recovers interrupted builds, then starts the worker pool. The worker
// is registered with coord so it stops before storage closes.
func Worker(ctx context.Context, cfg *config.Config, storage *Storage, locker lock.Locker, sealer *secrets.Sealer, coord *shutdown.Coordinator, logger *slog.Logger) (*builder.Worker, error) {
	m := metrics.NewCollector(prometheus.DefaultRegisterer)

	pipeline, err := Pipeline(cfg, storage.Store, locker, sealer, m, logger)
	if err != nil {
		return nil, err
	}

	recovery := builder.NewRecoveryService(storage.Store, storage.Queue, cfg.Recovery.StaleAfter, logger)
	result, err := recovery.RecoverOnStartup(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovering builds: %w", err)
	}
	logger.Info("startup recovery complete",
		"interrupted", result.InterruptedBuilds,
		"resumed", result.ResumedBuilds,
		"requeued", result.RequeuedBuilds,
		"errors", len(result.Errors),
	)

	wcfg := builder.DefaultWorkerConfig()
	wcfg.Concurrency = cfg.Worker.Concurrency
	if cfg.Worker.IdleBackoff > 0 {
		wcfg.IdleBackoff = cfg.Worker.IdleBackoff
	}
	worker := builder.NewWorker(wcfg, storage.Queue, pipeline, logger)
	if err := worker.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting worker: %w", err)
	}
	coord.Register(shutdown.NewWorkerComponent("worker", worker))
	return worker, nil
}

// HealthChecker probes the store and the lock backend. The lock is optional
// for the API process and required for the worker.
func HealthChecker(version string, st store.Store, locker lock.Locker, lockRequired bool) *health.Checker {
	checker := health.NewChecker(version)
	checker.Register("database", st)
	if lockRequired {
		checker.Register("lock", locker)
	} else {
		checker.RegisterOptional("lock", locker)
	}
	return checker
}
