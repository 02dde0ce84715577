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

// CompanyStore implements store.CompanyStore using PostgreSQL.
type CompanyStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *CompanyStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const companyColumns = `id, name, tax_id, contact_email, phone, COALESCE(logo_url, ''),
	store_credential, store_credential_encrypted, created_at`

func scanCompany(row rowScanner) (*models.Company, error) {
	c := &models.Company{}
	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.TaxID,
		&c.ContactEmail,
		&c.Phone,
		&c.LogoURL,
		&c.StoreCredential,
		&c.StoreCredentialEncrypted,
		&c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Create creates a new company.
func (s *CompanyStore) Create(ctx context.Context, company *models.Company) error {
	query := `
		INSERT INTO companies (id, name, tax_id, contact_email, phone, logo_url,
			store_credential, store_credential_encrypted, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	if company.ID == "" {
		company.ID = uuid.New().String()
	}
	if company.CreatedAt.IsZero() {
		company.CreatedAt = time.Now().UTC()
	}

	_, err := s.conn().ExecContext(ctx, query,
		company.ID,
		company.Name,
		company.TaxID,
		company.ContactEmail,
		company.Phone,
		nullString(company.LogoURL),
		company.StoreCredential,
		company.StoreCredentialEncrypted,
		company.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("inserting company: %w", err)
	}

	return nil
}

// Get retrieves a company by ID.
func (s *CompanyStore) Get(ctx context.Context, id string) (*models.Company, error) {
	query := `SELECT ` + companyColumns + ` FROM companies WHERE id = $1`

	company, err := scanCompany(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying company: %w", err)
	}
	return company, nil
}

// GetByTaxID retrieves a company by tax id.
func (s *CompanyStore) GetByTaxID(ctx context.Context, taxID string) (*models.Company, error) {
	query := `SELECT ` + companyColumns + ` FROM companies WHERE tax_id = $1`

	company, err := scanCompany(s.conn().QueryRowContext(ctx, query, taxID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying company by tax id: %w", err)
	}
	return company, nil
}

// List retrieves all companies, newest first.
func (s *CompanyStore) List(ctx context.Context) ([]*models.Company, error) {
	query := `SELECT ` + companyColumns + ` FROM companies ORDER BY created_at DESC`

	rows, err := s.conn().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying companies: %w", err)
	}
	defer rows.Close()

	var companies []*models.Company
	for rows.Next() {
		company, err := scanCompany(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning company row: %w", err)
		}
		companies = append(companies, company)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating company rows: %w", err)
	}

	return companies, nil
}
