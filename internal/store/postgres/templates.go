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

// TemplateStore implements store.TemplateStore using PostgreSQL.
type TemplateStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *TemplateStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const templateColumns = `id, name, repo_url, COALESCE(description, ''), created_at`

func scanTemplate(row rowScanner) (*models.Template, error) {
	t := &models.Template{}
	if err := row.Scan(&t.ID, &t.Name, &t.RepoURL, &t.Description, &t.CreatedAt); err != nil {
		return nil, err
	}
	return t, nil
}

// Create creates a new template.
func (s *TemplateStore) Create(ctx context.Context, tmpl *models.Template) error {
	query := `
		INSERT INTO templates (id, name, repo_url, description, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	if tmpl.ID == "" {
		tmpl.ID = uuid.New().String()
	}
	if tmpl.CreatedAt.IsZero() {
		tmpl.CreatedAt = time.Now().UTC()
	}

	_, err := s.conn().ExecContext(ctx, query,
		tmpl.ID,
		tmpl.Name,
		tmpl.RepoURL,
		nullString(tmpl.Description),
		tmpl.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("inserting template: %w", err)
	}

	return nil
}

// Get retrieves a template by ID.
func (s *TemplateStore) Get(ctx context.Context, id string) (*models.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates WHERE id = $1`

	tmpl, err := scanTemplate(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying template: %w", err)
	}
	return tmpl, nil
}

// GetByRepoURL retrieves a template by repository URL.
func (s *TemplateStore) GetByRepoURL(ctx context.Context, repoURL string) (*models.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates WHERE repo_url = $1`

	tmpl, err := scanTemplate(s.conn().QueryRowContext(ctx, query, repoURL))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying template by repo url: %w", err)
	}
	return tmpl, nil
}

// List retrieves all templates, newest first.
func (s *TemplateStore) List(ctx context.Context) ([]*models.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates ORDER BY created_at DESC`

	rows, err := s.conn().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying templates: %w", err)
	}
	defer rows.Close()

	var templates []*models.Template
	for rows.Next() {
		tmpl, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning template row: %w", err)
		}
		templates = append(templates, tmpl)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating template rows: %w", err)
	}

	return templates, nil
}
