package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	builderrors "github.com/narvanalabs/appfactory/internal/builder/errors"
	"github.com/narvanalabs/appfactory/internal/builder/metrics"
	"github.com/narvanalabs/appfactory/internal/integrations/github"
	"github.com/narvanalabs/appfactory/internal/models"
	"github.com/narvanalabs/appfactory/internal/store"
)

// runClockSkew is how far before the build start a run may have been created
// and still be correlated with it.
const runClockSkew = 2 * time.Minute

// PollerConfig holds run discovery and polling settings.
type PollerConfig struct {
	Branch string
	// WorkflowName narrows discovery to runs with this name. Optional.
	WorkflowName   string
	DiscoveryDelay time.Duration
	Interval       time.Duration
	// MaxAttempts and Timeout bound the poll loop; whichever is hit first wins.
	// A zero value disables that bound.
	MaxAttempts int
	Timeout     time.Duration
}

// DefaultPollerConfig returns a PollerConfig with sensible defaults.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Branch:         "main",
		DiscoveryDelay: 5 * time.Second,
		Interval:       15 * time.Second,
		MaxAttempts:    240,
		Timeout:        time.Hour,
	}
}

// Poller correlates a dispatched build with its CI run and waits for the run
// to finish.
type Poller struct {
	store   store.Store
	ci      CIClient
	cfg     PollerConfig
	metrics *metrics.Collector
	logger  *slog.Logger
}

// NewPoller creates a new Poller.
func NewPoller(s store.Store, ci CIClient, cfg PollerConfig, m *metrics.Collector, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		store:   s,
		ci:      ci,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

// PollUntilTerminal discovers the run for an in_progress build and waits for it to finish.
func (p *Poller) PollUntilTerminal(ctx context.Context, build *models.Build) (*models.Build, error) {
	build, err := p.Discover(ctx, build)
	if err != nil {
		return build, err
	}
	return p.Watch(ctx, build)
}

// Discover finds the most recent run on the configured branch and records its
// id on the build. A build that already carries a run id is returned as is.
// When no run matches, the build is moved to failure.
func (p *Poller) Discover(ctx context.Context, build *models.Build) (*models.Build, error) {
	if build.WorkflowRunID != nil {
		return build, nil
	}

	begin := time.Now()
	run, err := p.discover(ctx, build)
	p.metrics.ObservePhase(metrics.PhaseDiscover, time.Since(begin), err)
	if err != nil {
		var notFound *builderrors.RunNotFoundError
		if errors.As(err, &notFound) {
			p.logger.Error("no workflow run found for build",
				"build_id", build.ID,
				"branch", p.cfg.Branch,
			)
			return p.fail(ctx, build, err)
		}
		return build, err
	}

	if err := p.store.Builds().SetWorkflowRunID(ctx, build.ID, run.ID); err != nil {
		if errors.Is(err, store.ErrRunIDAlreadySet) {
			// another worker got here first; follow whatever it recorded
			if latest, gerr := p.store.Builds().Get(ctx, build.ID); gerr == nil &&
				latest.Status == models.BuildStatusInProgress && latest.WorkflowRunID != nil {
				return latest, nil
			}
		}
		return build, fmt.Errorf("recording run %d on build %s: %w", run.ID, build.ID, err)
	}
	runID := run.ID
	build.WorkflowRunID = &runID

	p.logger.Info("workflow run discovered",
		"build_id", build.ID,
		"run_id", run.ID,
		"run_url", run.HTMLURL,
	)
	return build, nil
}

func (p *Poller) discover(ctx context.Context, build *models.Build) (*github.Run, error) {
	if err := sleep(ctx, p.cfg.DiscoveryDelay); err != nil {
		return nil, err
	}

	runs, err := p.ci.ListRuns(ctx, p.cfg.Branch)
	if err != nil {
		return nil, fmt.Errorf("listing workflow runs: %w", err)
	}

	var notBefore time.Time
	if build.StartedAt != nil {
		notBefore = build.StartedAt.Add(-runClockSkew)
	}

	var latest *github.Run
	for i := range runs {
		run := &runs[i]
		if run.HeadBranch != p.cfg.Branch {
			continue
		}
		if p.cfg.WorkflowName != "" && run.Name != p.cfg.WorkflowName {
			continue
		}
		if !run.CreatedAt.IsZero() && run.CreatedAt.Before(notBefore) {
			continue
		}
		if latest == nil || run.CreatedAt.After(latest.CreatedAt) {
			latest = run
		}
	}
	if latest == nil {
		return nil, &builderrors.RunNotFoundError{Branch: p.cfg.Branch, Workflow: p.cfg.WorkflowName}
	}
	return latest, nil
}

// Watch polls the build's run until it completes, then moves the build to
// success or failure. Failed status requests are retried within the poll
// bound. Exceeding the bound fails the build with a *PollTimeoutError.
func (p *Poller) Watch(ctx context.Context, build *models.Build) (*models.Build, error) {
	if build.WorkflowRunID == nil {
		return build, fmt.Errorf("build %s has no workflow run", build.ID)
	}
	runID := *build.WorkflowRunID
	logger := p.logger.With("build_id", build.ID, "run_id", runID)

	begin := time.Now()
	attempts := 0
	for {
		if err := p.store.Builds().Heartbeat(ctx, build.ID); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("failed to record heartbeat", "error", err)
		}

		attempts++
		p.metrics.PollAttempt()
		run, err := p.ci.GetRun(ctx, runID)
		switch {
		case errors.Is(err, context.Canceled):
			return build, err
		case err != nil:
			logger.Warn("failed to fetch run status", "attempt", attempts, "error", err)
		case run.IsTerminal():
			p.metrics.ObservePhase(metrics.PhasePoll, time.Since(begin), nil)
			return p.conclude(ctx, build, run)
		default:
			logger.Debug("run still running", "status", run.Status, "attempt", attempts)
		}

		elapsed := time.Since(begin)
		if (p.cfg.MaxAttempts > 0 && attempts >= p.cfg.MaxAttempts) ||
			(p.cfg.Timeout > 0 && elapsed+p.cfg.Interval > p.cfg.Timeout) {
			terr := &builderrors.PollTimeoutError{RunID: runID, Attempts: attempts, Elapsed: elapsed}
			p.metrics.ObservePhase(metrics.PhasePoll, elapsed, terr)
			logger.Error("gave up waiting for run", "attempts", attempts, "elapsed", elapsed)
			return p.fail(ctx, build, terr)
		}

		if err := sleep(ctx, p.cfg.Interval); err != nil {
			return build, err
		}
	}
}

func (p *Poller) conclude(ctx context.Context, build *models.Build, run *github.Run) (*models.Build, error) {
	if run.Conclusion == github.ConclusionSuccess {
		done, err := finish(ctx, p.store, current(build), models.BuildStatusSuccess, nil)
		if err != nil {
			return build, err
		}
		p.logger.Info("build succeeded", "build_id", build.ID, "run_id", run.ID)
		return done, nil
	}

	rerr := &builderrors.RunFailedError{RunID: run.ID, Conclusion: run.Conclusion}
	p.logger.Error("workflow run did not succeed",
		"build_id", build.ID,
		"run_id", run.ID,
		"conclusion", run.Conclusion,
	)
	return p.fail(ctx, build, rerr)
}

// fail moves an in_progress build to failure and returns cause.
func (p *Poller) fail(ctx context.Context, build *models.Build, cause error) (*models.Build, error) {
	failed, err := finish(ctx, p.store, current(build), models.BuildStatusFailure, cause)
	if err != nil {
		return build, errors.Join(cause, err)
	}
	return failed, cause
}

// current returns build as seen by the poller, which only handles in_progress builds.
func current(build *models.Build) *models.Build {
	b := *build
	b.Status = models.BuildStatusInProgress
	return &b
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
