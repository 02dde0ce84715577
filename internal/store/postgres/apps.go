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

// AppStore implements store.AppStore using PostgreSQL.
type AppStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *AppStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const appColumns = `id, company_id, template_id, app_key, COALESCE(logo_url, ''),
	COALESCE(bundle_id, ''), COALESCE(package_name, ''), google_service_json,
	COALESCE(apple_team_id, ''), COALESCE(apple_key_id, ''), COALESCE(apple_issuer_id, ''),
	active, created_at`

func scanApp(row rowScanner) (*models.App, error) {
	app := &models.App{}
	var googleServiceJSON []byte
	err := row.Scan(
		&app.ID,
		&app.CompanyID,
		&app.TemplateID,
		&app.AppKey,
		&app.LogoURL,
		&app.BundleID,
		&app.PackageName,
		&googleServiceJSON,
		&app.AppleTeamID,
		&app.AppleKeyID,
		&app.AppleIssuerID,
		&app.Active,
		&app.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(googleServiceJSON) > 0 {
		app.GoogleServiceJSON = googleServiceJSON
	}
	return app, nil
}

// Create creates a new application.
func (s *AppStore) Create(ctx context.Context, app *models.App) error {
	query := `
		INSERT INTO apps (id, company_id, template_id, app_key, logo_url, bundle_id,
			package_name, google_service_json, apple_team_id, apple_key_id,
			apple_issuer_id, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	if app.ID == "" {
		app.ID = uuid.New().String()
	}
	if app.CreatedAt.IsZero() {
		app.CreatedAt = time.Now().UTC()
	}

	// Handle nullable google_service_json
	var googleServiceJSON any
	if len(app.GoogleServiceJSON) > 0 {
		googleServiceJSON = []byte(app.GoogleServiceJSON)
	}

	_, err := s.conn().ExecContext(ctx, query,
		app.ID,
		app.CompanyID,
		app.TemplateID,
		app.AppKey,
		nullString(app.LogoURL),
		nullString(app.BundleID),
		nullString(app.PackageName),
		googleServiceJSON,
		nullString(app.AppleTeamID),
		nullString(app.AppleKeyID),
		nullString(app.AppleIssuerID),
		app.Active,
		app.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("inserting app: %w", err)
	}

	return nil
}

// Get retrieves an application by ID.
func (s *AppStore) Get(ctx context.Context, id string) (*models.App, error) {
	query := `SELECT ` + appColumns + ` FROM apps WHERE id = $1`

	app, err := scanApp(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying app: %w", err)
	}
	return app, nil
}

// GetByKey retrieves an application by its app key.
func (s *AppStore) GetByKey(ctx context.Context, appKey string) (*models.App, error) {
	query := `SELECT ` + appColumns + ` FROM apps WHERE app_key = $1`

	app, err := scanApp(s.conn().QueryRowContext(ctx, query, appKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying app by key: %w", err)
	}
	return app, nil
}

// List retrieves all applications, newest first.
func (s *AppStore) List(ctx context.Context) ([]*models.App, error) {
	query := `SELECT ` + appColumns + ` FROM apps ORDER BY created_at DESC`
	return s.list(ctx, query)
}

// ListByCompany retrieves the applications of a company, newest first.
func (s *AppStore) ListByCompany(ctx context.Context, companyID string) ([]*models.App, error) {
	query := `SELECT ` + appColumns + ` FROM apps WHERE company_id = $1 ORDER BY created_at DESC`
	return s.list(ctx, query, companyID)
}

func (s *AppStore) list(ctx context.Context, query string, args ...any) ([]*models.App, error) {
	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying apps: %w", err)
	}
	defer rows.Close()

	var apps []*models.App
	for rows.Next() {
		app, err := scanApp(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning app row: %w", err)
		}
		apps = append(apps, app)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating app rows: %w", err)
	}

	return apps, nil
}
