package builder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	builderrors "github.com/narvanalabs/appfactory/internal/builder/errors"
	"github.com/narvanalabs/appfactory/internal/models"
	"github.com/narvanalabs/appfactory/internal/queue"
	"github.com/narvanalabs/appfactory/internal/store"
)

// RecoveryService handles startup recovery for builds abandoned by a restart.
// Only builds without a heartbeat for the stale threshold are touched, so a
// pipeline still running in another process is left alone:
//  1. in_progress builds with a recorded run are re-queued to resume polling
//  2. in_progress builds without a run are failed as interrupted
//  3. pending builds are re-queued
type RecoveryService struct {
	store      store.Store
	queue      queue.Queue
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// RecoveryResult contains the results of a startup recovery operation.
type RecoveryResult struct {
	// InterruptedBuilds is the number of builds marked as failed due to interruption.
	InterruptedBuilds int
	// ResumedBuilds is the number of in_progress builds re-queued to resume polling.
	ResumedBuilds int
	// RequeuedBuilds is the number of pending builds re-queued for processing.
	RequeuedBuilds int
	// Errors contains any errors encountered during recovery.
	Errors []error
}

// NewRecoveryService creates a new RecoveryService.
func NewRecoveryService(s store.Store, q queue.Queue, staleAfter time.Duration, logger *slog.Logger) *RecoveryService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryService{
		store:      s,
		queue:      q,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger,
	}
}

// RecoverOnStartup performs startup recovery for builds.
// This should be called when the API server or worker starts.
func (r *RecoveryService) RecoverOnStartup(ctx context.Context) (*RecoveryResult, error) {
	result := &RecoveryResult{
		Errors: make([]error, 0),
	}
	cutoff := r.now().UTC().Add(-r.staleAfter)

	r.logger.Info("starting build recovery", "stale_before", cutoff)

	inProgress, err := r.store.Builds().ListStale(ctx, models.BuildStatusInProgress, cutoff)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("listing stale in_progress builds: %w", err))
		r.logger.Error("failed to list stale in_progress builds", "error", err)
	}
	for _, build := range inProgress {
		if build.WorkflowRunID != nil {
			if err := r.resume(ctx, build); err != nil {
				result.Errors = append(result.Errors, err)
				continue
			}
			result.ResumedBuilds++
			continue
		}
		if err := r.interrupt(ctx, build); err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		result.InterruptedBuilds++
	}

	pending, err := r.store.Builds().ListStale(ctx, models.BuildStatusPending, cutoff)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("listing stale pending builds: %w", err))
		r.logger.Error("failed to list stale pending builds", "error", err)
	}
	for _, build := range pending {
		r.logger.Info("re-queuing pending build", "build_id", build.ID, "company_id", build.CompanyID)
		if err := r.queue.Enqueue(ctx, models.NewBuildJob(build)); err != nil {
			r.logger.Error("failed to re-queue build", "build_id", build.ID, "error", err)
			result.Errors = append(result.Errors, fmt.Errorf("re-queuing build %s: %w", build.ID, err))
			continue
		}
		result.RequeuedBuilds++
	}

	r.logger.Info("build recovery completed",
		"interrupted_builds", result.InterruptedBuilds,
		"resumed_builds", result.ResumedBuilds,
		"requeued_builds", result.RequeuedBuilds,
		"errors", len(result.Errors),
	)

	return result, nil
}

func (r *RecoveryService) resume(ctx context.Context, build *models.Build) error {
	r.logger.Info("resuming interrupted build",
		"build_id", build.ID,
		"run_id", *build.WorkflowRunID,
	)
	job := models.NewBuildJob(build)
	job.Resume = true
	if err := r.queue.Enqueue(ctx, job); err != nil {
		r.logger.Error("failed to re-queue build", "build_id", build.ID, "error", err)
		return fmt.Errorf("resuming build %s: %w", build.ID, err)
	}
	return nil
}

func (r *RecoveryService) interrupt(ctx context.Context, build *models.Build) error {
	r.logger.Info("marking interrupted build as failed", "build_id", build.ID)

	cause := &builderrors.InterruptedError{Status: build.Status}
	if _, err := finish(ctx, r.store, build, models.BuildStatusFailure, cause); err != nil {
		r.logger.Error("failed to update interrupted build", "build_id", build.ID, "error", err)
		return err
	}
	return nil
}
