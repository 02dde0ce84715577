package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	builderrors "github.com/narvanalabs/appfactory/internal/builder/errors"
	"github.com/narvanalabs/appfactory/internal/builder/metrics"
	"github.com/narvanalabs/appfactory/internal/lock"
	"github.com/narvanalabs/appfactory/internal/models"
	"github.com/narvanalabs/appfactory/internal/store"
	"github.com/narvanalabs/appfactory/internal/workspace"
)

// Materializer produces a company workspace from a template repository.
type Materializer interface {
	Materialize(ctx context.Context, repoURL string, target workspace.Target) (string, error)
}

// CredentialSource resolves the store credential of a company.
type CredentialSource interface {
	Resolve(ctx context.Context, company *models.Company) ([]byte, error)
}

// CredentialInjector writes a credential into a workspace.
type CredentialInjector interface {
	Inject(workspacePath string, blob []byte) error
}

// Publisher commits and pushes a workspace.
type Publisher interface {
	Publish(ctx context.Context, workspacePath, message string) (string, error)
}

// PipelineConfig wires the pipeline phases together.
type PipelineConfig struct {
	Store       store.Store
	Workspaces  Materializer
	Credentials CredentialSource
	Injector    CredentialInjector
	Publisher   Publisher
	Dispatcher  *Dispatcher
	Poller      *Poller
	Locker      lock.Locker
	// Branch is the integration branch. Publishing, dispatch and run discovery
	// hold a lock on it so concurrent builds cannot pick up each other's run.
	Branch string
	// StaleAfter is how long an in_progress build may go without a heartbeat
	// before a job for it is allowed to take it over. Zero disables the check.
	StaleAfter time.Duration
	// HeartbeatInterval is how often a running pipeline refreshes the build
	// heartbeat. Defaults to a third of StaleAfter.
	HeartbeatInterval time.Duration
	Metrics           *metrics.Collector
	Logger            *slog.Logger
}

// errSuperseded reports that another pipeline moved the build on first.
var errSuperseded = errors.New("build taken over by another pipeline")

// Pipeline runs a build from workspace materialization to a terminal status.
type Pipeline struct {
	store          store.Store
	workspaces     Materializer
	credentials    CredentialSource
	injector       CredentialInjector
	publisher      Publisher
	dispatcher     *Dispatcher
	poller         *Poller
	locker         lock.Locker
	branchKey      string
	staleAfter     time.Duration
	heartbeatEvery time.Duration
	now            func() time.Time
	metrics        *metrics.Collector
	logger         *slog.Logger
}

// NewPipeline creates a new Pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	heartbeatEvery := cfg.HeartbeatInterval
	if heartbeatEvery <= 0 {
		heartbeatEvery = cfg.StaleAfter / 3
	}
	return &Pipeline{
		store:          cfg.Store,
		workspaces:     cfg.Workspaces,
		credentials:    cfg.Credentials,
		injector:       cfg.Injector,
		publisher:      cfg.Publisher,
		dispatcher:     cfg.Dispatcher,
		poller:         cfg.Poller,
		locker:         cfg.Locker,
		branchKey:      "branch:" + cfg.Branch,
		staleAfter:     cfg.StaleAfter,
		heartbeatEvery: heartbeatEvery,
		now:            time.Now,
		metrics:        cfg.Metrics,
		logger:         logger,
	}
}

// Run processes one job to completion, watching the CI run in the calling
// goroutine. See Prepare for the error contract.
func (p *Pipeline) Run(ctx context.Context, job *models.BuildJob) error {
	build, err := p.Prepare(ctx, job)
	if err != nil || build == nil {
		return err
	}
	return p.Await(ctx, build)
}

// Prepare runs the job up to the point where only the CI run is left to
// watch and returns the build to hand to Await. A nil build means the job is
// done. Pipeline failures are recorded on the build and do not surface as
// errors. An error is returned only when the build could not be settled
// (store unavailable or ctx cancelled), in which case the job should be retried.
//
// An in_progress build whose heartbeat is fresh belongs to a live pipeline and
// is left alone.
func (p *Pipeline) Prepare(ctx context.Context, job *models.BuildJob) (*models.Build, error) {
	defer p.metrics.PipelineStarted()()

	build, err := p.store.Builds().Get(ctx, job.BuildID)
	if err != nil {
		return nil, fmt.Errorf("loading build %s: %w", job.BuildID, err)
	}
	logger := p.logger.With("build_id", build.ID, "company_id", build.CompanyID)

	switch {
	case build.Status.IsTerminal():
		logger.Info("build already finished, skipping", "status", build.Status)
		return nil, nil
	case build.Status == models.BuildStatusInProgress && !p.abandoned(build):
		logger.Info("build is owned by a running pipeline, skipping", "resume", job.Resume)
		return nil, nil
	case build.Status == models.BuildStatusInProgress && build.WorkflowRunID == nil:
		// dispatched or not, nothing tells us which run is ours
		return nil, p.settle(ctx, build.ID, build, &builderrors.InterruptedError{Status: build.Status}, logger)
	case build.Status == models.BuildStatusInProgress:
		logger.Info("resuming build", "run_id", *build.WorkflowRunID)
		if err := p.store.Builds().Heartbeat(ctx, build.ID); err != nil {
			return nil, fmt.Errorf("claiming build %s: %w", build.ID, err)
		}
		return build, nil
	}

	stop := p.keepAlive(ctx, build.ID)
	defer stop()

	prepared, err := p.execute(ctx, build, logger)
	if errors.Is(err, errSuperseded) {
		logger.Info("build was started by another pipeline, skipping")
		return nil, nil
	}
	if err != nil {
		return nil, p.settle(ctx, build.ID, prepared, err, logger)
	}
	return prepared, nil
}

// Await watches the CI run of a prepared build until the build is terminal.
func (p *Pipeline) Await(ctx context.Context, build *models.Build) error {
	defer p.metrics.PipelineStarted()()

	logger := p.logger.With("build_id", build.ID, "company_id", build.CompanyID)
	watched, err := p.poller.Watch(ctx, build)
	return p.settle(ctx, build.ID, watched, err, logger)
}

// abandoned reports whether build went without a heartbeat for the stale threshold.
func (p *Pipeline) abandoned(build *models.Build) bool {
	if p.staleAfter <= 0 {
		return true
	}
	last := build.UpdatedAt
	if build.HeartbeatAt != nil && build.HeartbeatAt.After(last) {
		last = *build.HeartbeatAt
	}
	return p.now().Sub(last) >= p.staleAfter
}

// keepAlive refreshes the build heartbeat until the returned func is called,
// covering phases that block for long, like waiting on a lock.
func (p *Pipeline) keepAlive(ctx context.Context, buildID string) func() {
	if p.heartbeatEvery <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	beat := func() {
		if err := p.store.Builds().Heartbeat(ctx, buildID); err != nil && ctx.Err() == nil {
			p.logger.Warn("failed to record heartbeat", "build_id", buildID, "error", err)
		}
	}

	beat()
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				beat()
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (p *Pipeline) execute(ctx context.Context, build *models.Build, logger *slog.Logger) (*models.Build, error) {
	app, err := p.store.Apps().Get(ctx, build.AppID)
	if err != nil {
		return build, fmt.Errorf("loading app %s: %w", build.AppID, err)
	}
	company, err := p.store.Companies().Get(ctx, build.CompanyID)
	if err != nil {
		return build, fmt.Errorf("loading company %s: %w", build.CompanyID, err)
	}
	tmpl, err := p.store.Templates().Get(ctx, app.TemplateID)
	if err != nil {
		return build, fmt.Errorf("loading template %s: %w", app.TemplateID, err)
	}

	unlockCompany, err := p.locker.Lock(ctx, lock.CompanyKey(company.ID))
	if err != nil {
		return build, fmt.Errorf("locking company %s: %w", company.ID, err)
	}
	defer unlockCompany()

	// a duplicate job may have waited on the lock while the build was run
	latest, err := p.store.Builds().Get(ctx, build.ID)
	if err != nil {
		return build, fmt.Errorf("reloading build %s: %w", build.ID, err)
	}
	if latest.Status != models.BuildStatusPending {
		return latest, errSuperseded
	}
	build = latest

	target := workspace.Target{
		CompanyID:   company.ID,
		CompanyName: company.Name,
		AppKey:      app.AppKey,
		BundleID:    app.BundleID,
		PackageName: app.PackageName,
	}

	var path string
	err = p.phase(ctx, build, metrics.PhaseMaterialize, func() error {
		var err error
		path, err = p.workspaces.Materialize(ctx, tmpl.RepoURL, target)
		return err
	})
	if err != nil {
		return build, err
	}
	logger.Info("workspace materialized", "path", path, "template", tmpl.RepoURL)

	err = p.phase(ctx, build, metrics.PhaseCredential, func() error {
		blob, err := p.credentials.Resolve(ctx, company)
		if err != nil {
			return err
		}
		return p.injector.Inject(path, blob)
	})
	if err != nil {
		return build, err
	}

	unlockBranch, err := p.locker.Lock(ctx, p.branchKey)
	if err != nil {
		return build, fmt.Errorf("locking %s: %w", p.branchKey, err)
	}
	defer unlockBranch()

	var commit string
	err = p.phase(ctx, build, metrics.PhasePublish, func() error {
		var err error
		commit, err = p.publisher.Publish(ctx, path, commitMessage(company, app, build))
		return err
	})
	if err != nil {
		return build, err
	}
	logger.Info("workspace published", "commit", commit)

	build, err = p.dispatcher.Dispatch(ctx, build)
	var derr *builderrors.DispatchError
	if errors.Is(err, store.ErrInvalidTransition) && !errors.As(err, &derr) {
		return build, errSuperseded
	}
	if err != nil {
		return build, err
	}
	return p.poller.Discover(ctx, build)
}

// phase runs fn, records its latency and refreshes the build heartbeat.
func (p *Pipeline) phase(ctx context.Context, build *models.Build, name string, fn func() error) error {
	begin := time.Now()
	err := fn()
	p.metrics.ObservePhase(name, time.Since(begin), err)
	if err == nil {
		if herr := p.store.Builds().Heartbeat(ctx, build.ID); herr != nil {
			p.logger.Warn("failed to record heartbeat", "build_id", build.ID, "error", herr)
		}
	}
	return err
}

// settle makes sure a build left by a failed pipeline ends up terminal. build
// may be nil when the failure happened before it could be loaded.
func (p *Pipeline) settle(ctx context.Context, buildID string, build *models.Build, cause error, logger *slog.Logger) error {
	if cause == nil {
		if build != nil {
			p.metrics.RecordOutcome(build.Status, build.FailureReason)
		}
		return nil
	}
	if ctx.Err() != nil {
		logger.Warn("pipeline interrupted, build left for recovery", "error", cause)
		return ctx.Err()
	}

	latest, err := p.store.Builds().Get(context.WithoutCancel(ctx), buildID)
	if err != nil {
		return errors.Join(cause, fmt.Errorf("reloading build %s: %w", buildID, err))
	}
	if latest.Status.IsTerminal() && errors.Is(cause, store.ErrInvalidTransition) {
		logger.Info("build settled by another pipeline", "status", latest.Status)
		return nil
	}
	if !latest.Status.IsTerminal() {
		failed, err := finish(ctx, p.store, latest, models.BuildStatusFailure, cause)
		if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
			return errors.Join(cause, err)
		}
		if failed != nil {
			latest = failed
		}
	}

	var missing *builderrors.CredentialMissingError
	if errors.As(cause, &missing) {
		logger.Warn("no store credential available, operator attention required", "error", cause)
	}
	logger.Error("build failed",
		"status", latest.Status,
		"reason", latest.FailureReason,
		"error", cause,
	)
	p.metrics.RecordOutcome(latest.Status, latest.FailureReason)
	return nil
}

func commitMessage(company *models.Company, app *models.App, build *models.Build) string {
	return fmt.Sprintf("build %s: %s (%s)\n\ncompany: %s\napp: %s\n", build.ID, company.Name, app.AppKey, company.ID, app.ID)
}
