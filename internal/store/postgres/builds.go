package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/appfactory/internal/models"
	"github.com/narvanalabs/appfactory/internal/store"
)

// BuildStore implements store.BuildStore using PostgreSQL.
type BuildStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *BuildStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const buildColumns = `id, company_id, app_id, status, workflow_run_id, failure_reason,
	failure_detail, created_at, updated_at, started_at, finished_at, heartbeat_at`

func scanBuild(row rowScanner) (*models.Build, error) {
	build := &models.Build{}
	var appID, failureReason, failureDetail sql.NullString
	var runID sql.NullInt64
	var startedAt, finishedAt, heartbeatAt sql.NullTime

	err := row.Scan(
		&build.ID,
		&build.CompanyID,
		&appID,
		&build.Status,
		&runID,
		&failureReason,
		&failureDetail,
		&build.CreatedAt,
		&build.UpdatedAt,
		&startedAt,
		&finishedAt,
		&heartbeatAt,
	)
	if err != nil {
		return nil, err
	}

	build.AppID = appID.String
	build.FailureReason = models.FailureReason(failureReason.String)
	build.FailureDetail = failureDetail.String
	if runID.Valid {
		build.WorkflowRunID = &runID.Int64
	}
	if startedAt.Valid {
		build.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		build.FinishedAt = &finishedAt.Time
	}
	if heartbeatAt.Valid {
		build.HeartbeatAt = &heartbeatAt.Time
	}
	return build, nil
}

// Create creates a new build in pending status.
func (s *BuildStore) Create(ctx context.Context, build *models.Build) error {
	query := `
		INSERT INTO builds (id, company_id, app_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)`

	if build.ID == "" {
		build.ID = uuid.New().String()
	}
	if build.CreatedAt.IsZero() {
		build.CreatedAt = time.Now().UTC()
	}
	build.UpdatedAt = build.CreatedAt
	if build.Status == "" {
		build.Status = models.BuildStatusPending
	}

	_, err := s.conn().ExecContext(ctx, query,
		build.ID,
		build.CompanyID,
		nullString(build.AppID),
		build.Status,
		build.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("inserting build: %w", err)
	}

	return nil
}

// Get retrieves a build by ID.
func (s *BuildStore) Get(ctx context.Context, id string) (*models.Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds WHERE id = $1`

	build, err := scanBuild(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying build: %w", err)
	}
	return build, nil
}

// ListByCompany retrieves the builds of a company, newest first.
func (s *BuildStore) ListByCompany(ctx context.Context, companyID string) ([]*models.Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds WHERE company_id = $1 ORDER BY created_at DESC`
	return s.list(ctx, query, companyID)
}

// Transition moves a build between statuses. The update is conditional on the
// persisted status so concurrent writers cannot both succeed.
func (s *BuildStore) Transition(ctx context.Context, id string, change models.StatusChange) (*models.Build, error) {
	if !change.From.CanTransitionTo(change.To) {
		return nil, store.ErrInvalidTransition
	}

	query := `
		UPDATE builds
		SET status = $3,
			updated_at = $4,
			started_at = CASE WHEN $3 = 'in_progress' THEN $4 ELSE started_at END,
			finished_at = CASE WHEN $3 IN ('success', 'failure') THEN $4 ELSE finished_at END,
			failure_reason = $5,
			failure_detail = $6
		WHERE id = $1 AND status = $2
		RETURNING ` + buildColumns

	now := time.Now().UTC()
	build, err := scanBuild(s.conn().QueryRowContext(ctx, query,
		id,
		change.From,
		change.To,
		now,
		nullString(string(change.Reason)),
		nullString(change.Detail),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := s.Get(ctx, id); getErr != nil {
				return nil, getErr
			}
			return nil, store.ErrInvalidTransition
		}
		return nil, fmt.Errorf("updating build status: %w", err)
	}

	s.logger.Debug("build status changed", "build_id", id, "from", change.From, "to", change.To)
	return build, nil
}

// SetWorkflowRunID records the CI run id once while the build is in progress.
func (s *BuildStore) SetWorkflowRunID(ctx context.Context, id string, runID int64) error {
	query := `
		UPDATE builds
		SET workflow_run_id = $2, updated_at = $3
		WHERE id = $1 AND status = 'in_progress' AND workflow_run_id IS NULL`

	result, err := s.conn().ExecContext(ctx, query, id, runID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("setting workflow run id: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return store.ErrRunIDAlreadySet
	}

	return nil
}

// Heartbeat touches heartbeat_at for a build.
func (s *BuildStore) Heartbeat(ctx context.Context, id string) error {
	query := `UPDATE builds SET heartbeat_at = $2 WHERE id = $1`

	result, err := s.conn().ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("updating heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListStale retrieves builds in status whose last sign of life predates before.
func (s *BuildStore) ListStale(ctx context.Context, status models.BuildStatus, before time.Time) ([]*models.Build, error) {
	query := `SELECT ` + buildColumns + `
		FROM builds
		WHERE status = $1 AND GREATEST(updated_at, COALESCE(heartbeat_at, updated_at)) < $2
		ORDER BY created_at ASC`
	return s.list(ctx, query, status, before)
}

func (s *BuildStore) list(ctx context.Context, query string, args ...any) ([]*models.Build, error) {
	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying builds: %w", err)
	}
	defer rows.Close()

	var builds []*models.Build
	for rows.Next() {
		build, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning build row: %w", err)
		}
		builds = append(builds, build)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating build rows: %w", err)
	}

	return builds, nil
}
