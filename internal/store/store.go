// Package store provides database access interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/narvanalabs/appfactory/internal/models"
)

// Common errors returned by store implementations.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique field (tax id, repository URL, app key) collides.
	ErrDuplicate = errors.New("duplicate record")
	// ErrInvalidTransition is returned when a build status change violates the state machine
	// or the build is no longer in the expected status.
	ErrInvalidTransition = errors.New("invalid build status transition")
	// ErrRunIDAlreadySet is returned when a workflow run id is written a second time or
	// outside the in_progress status.
	ErrRunIDAlreadySet = errors.New("workflow run id already set or build not in progress")
)

// CompanyStore defines operations for company management.
type CompanyStore interface {
	// Create creates a new company. Returns ErrDuplicate on tax id collision.
	Create(ctx context.Context, company *models.Company) error
	// Get retrieves a company by ID.
	Get(ctx context.Context, id string) (*models.Company, error)
	// GetByTaxID retrieves a company by its unique tax id.
	GetByTaxID(ctx context.Context, taxID string) (*models.Company, error)
	// List retrieves all companies, newest first.
	List(ctx context.Context) ([]*models.Company, error)
}

// TemplateStore defines operations for template repository management.
type TemplateStore interface {
	// Create creates a new template. Returns ErrDuplicate on repository URL collision.
	Create(ctx context.Context, tmpl *models.Template) error
	// Get retrieves a template by ID.
	Get(ctx context.Context, id string) (*models.Template, error)
	// GetByRepoURL retrieves a template by its unique repository URL.
	GetByRepoURL(ctx context.Context, repoURL string) (*models.Template, error)
	// List retrieves all templates, newest first.
	List(ctx context.Context) ([]*models.Template, error)
}

// AppStore defines operations for app management.
type AppStore interface {
	// Create creates a new app. Returns ErrDuplicate on app key collision.
	Create(ctx context.Context, app *models.App) error
	// Get retrieves an app by ID.
	Get(ctx context.Context, id string) (*models.App, error)
	// GetByKey retrieves an app by its unique app key.
	GetByKey(ctx context.Context, appKey string) (*models.App, error)
	// List retrieves all apps, newest first.
	List(ctx context.Context) ([]*models.App, error)
	// ListByCompany retrieves the apps of a company, newest first.
	ListByCompany(ctx context.Context, companyID string) ([]*models.App, error)
}

// BuildStore defines operations for build records.
//
// Status is only ever changed through Transition, which enforces the build
// state machine atomically against the persisted status.
type BuildStore interface {
	// Create creates a new build in pending status.
	Create(ctx context.Context, build *models.Build) error
	// Get retrieves a build by ID.
	Get(ctx context.Context, id string) (*models.Build, error)
	// ListByCompany retrieves the builds of a company, newest first.
	ListByCompany(ctx context.Context, companyID string) ([]*models.Build, error)
	// Transition moves a build from change.From to change.To and refreshes updated_at.
	// Returns ErrInvalidTransition if the move is not allowed or the build is no
	// longer in change.From. The updated build is returned.
	Transition(ctx context.Context, id string, change models.StatusChange) (*models.Build, error)
	// SetWorkflowRunID records the CI run id. It succeeds at most once and only
	// while the build is in_progress; otherwise ErrRunIDAlreadySet.
	SetWorkflowRunID(ctx context.Context, id string, runID int64) error
	// Heartbeat marks the build as alive without changing its status.
	Heartbeat(ctx context.Context, id string) error
	// ListStale retrieves builds in status whose last heartbeat (or update) is older than before.
	ListStale(ctx context.Context, status models.BuildStatus, before time.Time) ([]*models.Build, error)
}

// Store is the main interface for database operations.
type Store interface {
	// Companies returns the CompanyStore.
	Companies() CompanyStore
	// Templates returns the TemplateStore.
	Templates() TemplateStore
	// Apps returns the AppStore.
	Apps() AppStore
	// Builds returns the BuildStore.
	Builds() BuildStore

	// Ping verifies the underlying database is reachable.
	Ping(ctx context.Context) error

	// WithTx executes the given function within a database transaction.
	// If the function returns an error, the transaction is rolled back.
	// Otherwise, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Close closes the database connection.
	Close() error
}
