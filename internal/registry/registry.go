// Package registry registers companies, templates and apps, and schedules
// builds for them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	builderrors "github.com/narvanalabs/appfactory/internal/builder/errors"
	"github.com/narvanalabs/appfactory/internal/models"
	"github.com/narvanalabs/appfactory/internal/queue"
	"github.com/narvanalabs/appfactory/internal/secrets"
	"github.com/narvanalabs/appfactory/internal/slug"
	"github.com/narvanalabs/appfactory/internal/store"
)

// maxAppKeyAttempts bounds the suffixes tried when an app key collides.
const maxAppKeyAttempts = 50

// ErrNoApp is returned when a build is requested for a company that has no
// active app and no template to create one from.
var ErrNoApp = errors.New("company has no active app; a template_id is required")

// ErrAppNotOwned is returned when a build names an app of another company.
var ErrAppNotOwned = errors.New("app does not belong to company")

// Service is the entry point for registration and build scheduling.
type Service struct {
	store  store.Store
	queue  queue.Queue
	sealer *secrets.Sealer
	logger *slog.Logger
}

// NewService creates a new Service. sealer may be nil, in which case store
// credentials are kept as given.
func NewService(s store.Store, q queue.Queue, sealer *secrets.Sealer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, queue: q, sealer: sealer, logger: logger}
}

// RegisterCompany persists company. A tax id collision yields a
// *DuplicateEntityError. The store credential is encrypted when a recipient
// is configured.
func (s *Service) RegisterCompany(ctx context.Context, company *models.Company) error {
	if company.HasStoreCredential() && s.sealer.CanSeal() {
		sealed, err := s.sealer.Seal(ctx, company.StoreCredential)
		if err != nil {
			return fmt.Errorf("sealing store credential: %w", err)
		}
		company.StoreCredential = sealed
		company.StoreCredentialEncrypted = true
	}

	if err := s.store.Companies().Create(ctx, company); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return &builderrors.DuplicateEntityError{Entity: "company", Field: "tax_id", Value: company.TaxID}
		}
		return fmt.Errorf("creating company: %w", err)
	}

	s.logger.Info("company registered", "company_id", company.ID, "has_credential", company.HasStoreCredential())
	return nil
}

// RegisterTemplate persists tmpl. A repository URL collision yields a
// *DuplicateEntityError.
func (s *Service) RegisterTemplate(ctx context.Context, tmpl *models.Template) error {
	if err := s.store.Templates().Create(ctx, tmpl); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return &builderrors.DuplicateEntityError{Entity: "template", Field: "repo_url", Value: tmpl.RepoURL}
		}
		return fmt.Errorf("creating template: %w", err)
	}
	s.logger.Info("template registered", "template_id", tmpl.ID, "repo_url", tmpl.RepoURL)
	return nil
}

// CreateApp persists app for its company and template, allocating a unique
// app key derived from the company name and id. The key is never changed
// afterwards.
func (s *Service) CreateApp(ctx context.Context, app *models.App) error {
	company, err := s.store.Companies().Get(ctx, app.CompanyID)
	if err != nil {
		return fmt.Errorf("loading company %s: %w", app.CompanyID, err)
	}
	if _, err := s.store.Templates().Get(ctx, app.TemplateID); err != nil {
		return fmt.Errorf("loading template %s: %w", app.TemplateID, err)
	}

	base := AppKeyBase(company)
	for attempt := 1; attempt <= maxAppKeyAttempts; attempt++ {
		app.ID = ""
		app.AppKey = candidateKey(base, attempt)
		err := s.store.Apps().Create(ctx, app)
		if err == nil {
			s.logger.Info("app created",
				"app_id", app.ID,
				"company_id", app.CompanyID,
				"app_key", app.AppKey,
			)
			return nil
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("creating app: %w", err)
		}
	}
	return &builderrors.DuplicateEntityError{Entity: "app", Field: "app_key", Value: base}
}

// AppKeyBase returns the app key a company's first app receives.
func AppKeyBase(company *models.Company) string {
	return slug.Make(company.Name + "_" + company.ID)
}

func candidateKey(base string, attempt int) string {
	if attempt == 1 {
		return base
	}
	return fmt.Sprintf("%s-%d", base, attempt)
}

// GetCompany returns a company by id.
func (s *Service) GetCompany(ctx context.Context, id string) (*models.Company, error) {
	return s.store.Companies().Get(ctx, id)
}

// ListCompanies returns all companies, newest first.
func (s *Service) ListCompanies(ctx context.Context) ([]*models.Company, error) {
	return s.store.Companies().List(ctx)
}

// GetTemplate returns a template by id.
func (s *Service) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	return s.store.Templates().Get(ctx, id)
}

// ListTemplates returns all templates, newest first.
func (s *Service) ListTemplates(ctx context.Context) ([]*models.Template, error) {
	return s.store.Templates().List(ctx)
}

// GetApp returns an app by id.
func (s *Service) GetApp(ctx context.Context, id string) (*models.App, error) {
	return s.store.Apps().Get(ctx, id)
}

// ListApps returns the apps of companyID, or all apps when it is empty, newest first.
func (s *Service) ListApps(ctx context.Context, companyID string) ([]*models.App, error) {
	if companyID == "" {
		return s.store.Apps().List(ctx)
	}
	if _, err := s.store.Companies().Get(ctx, companyID); err != nil {
		return nil, fmt.Errorf("loading company %s: %w", companyID, err)
	}
	return s.store.Apps().ListByCompany(ctx, companyID)
}
