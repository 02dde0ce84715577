// Package builder runs the build pipeline: it materializes a company
// workspace, injects the store credential, publishes the result, dispatches
// the CI workflow and polls the run to a terminal status.
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

// CIClient is the part of the CI provider API used by the pipeline.
type CIClient interface {
	DispatchWorkflow(ctx context.Context, workflow, ref string, inputs map[string]string) error
	ListRuns(ctx context.Context, branch string) ([]github.Run, error)
	GetRun(ctx context.Context, runID int64) (*github.Run, error)
}

// Dispatcher triggers the CI workflow for a build.
type Dispatcher struct {
	store    store.Store
	ci       CIClient
	workflow string
	branch   string
	metrics  *metrics.Collector
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher that triggers workflow on branch.
func NewDispatcher(s store.Store, ci CIClient, workflow, branch string, m *metrics.Collector, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    s,
		ci:       ci,
		workflow: workflow,
		branch:   branch,
		metrics:  m,
		logger:   logger,
	}
}

// Dispatch moves the build to in_progress and triggers the workflow with the
// company id as input. When the provider rejects the request the build is
// moved to failure and a *DispatchError is returned. When the build cannot be
// started it is returned unchanged with the store error.
func (d *Dispatcher) Dispatch(ctx context.Context, build *models.Build) (*models.Build, error) {
	started, err := d.store.Builds().Transition(ctx, build.ID, models.StatusChange{
		From: models.BuildStatusPending,
		To:   models.BuildStatusInProgress,
	})
	if err != nil {
		return build, fmt.Errorf("starting build %s: %w", build.ID, err)
	}

	begin := time.Now()
	err = d.ci.DispatchWorkflow(ctx, d.workflow, d.branch, map[string]string{
		"company_id": build.CompanyID,
	})
	d.metrics.ObservePhase(metrics.PhaseDispatch, time.Since(begin), err)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return started, err
		}
		derr := dispatchError(err)
		d.logger.Error("workflow dispatch failed",
			"build_id", build.ID,
			"workflow", d.workflow,
			"error", derr,
		)
		failed, ferr := finish(ctx, d.store, started, models.BuildStatusFailure, derr)
		if ferr != nil {
			return started, errors.Join(derr, ferr)
		}
		return failed, derr
	}

	d.logger.Info("workflow dispatched",
		"build_id", build.ID,
		"workflow", d.workflow,
		"branch", d.branch,
	)
	return started, nil
}

func dispatchError(err error) *builderrors.DispatchError {
	var se *github.StatusError
	if errors.As(err, &se) {
		return &builderrors.DispatchError{StatusCode: se.StatusCode, Body: se.Body}
	}
	return &builderrors.DispatchError{Err: err}
}

// finish moves an in_progress build to a terminal status, recording the
// failure reason derived from cause.
func finish(ctx context.Context, s store.Store, build *models.Build, to models.BuildStatus, cause error) (*models.Build, error) {
	change := models.StatusChange{From: build.Status, To: to}
	if cause != nil {
		change.Reason = builderrors.ReasonFor(cause)
		change.Detail = cause.Error()
	}
	updated, err := s.Builds().Transition(context.WithoutCancel(ctx), build.ID, change)
	if err != nil {
		return nil, fmt.Errorf("finishing build %s as %s: %w", build.ID, to, err)
	}
	return updated, nil
}
