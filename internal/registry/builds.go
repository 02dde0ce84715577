package registry

import (
	"context"
	"fmt"

	"github.com/narvanalabs/appfactory/internal/models"
)

// BuildRequest asks for a build of a company's app.
type BuildRequest struct {
	CompanyID string
	// AppID selects the app. When empty the company's newest active app is
	// used, or a new app is created from TemplateID.
	AppID      string
	TemplateID string
}

// CreateBuild records a pending build and schedules its pipeline.
func (s *Service) CreateBuild(ctx context.Context, req BuildRequest) (*models.Build, error) {
	company, err := s.store.Companies().Get(ctx, req.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("loading company %s: %w", req.CompanyID, err)
	}

	app, err := s.appFor(ctx, company, req)
	if err != nil {
		return nil, err
	}

	build := &models.Build{CompanyID: company.ID, AppID: app.ID}
	if err := s.store.Builds().Create(ctx, build); err != nil {
		return nil, fmt.Errorf("creating build: %w", err)
	}

	if err := s.queue.Enqueue(ctx, models.NewBuildJob(build)); err != nil {
		s.logger.Error("failed to enqueue build", "build_id", build.ID, "error", err)
		s.abandon(ctx, build, err)
		return nil, fmt.Errorf("enqueueing build %s: %w", build.ID, err)
	}

	s.logger.Info("build scheduled",
		"build_id", build.ID,
		"company_id", company.ID,
		"app_key", app.AppKey,
	)
	return build, nil
}

// abandon fails a build that never reached the queue so it does not linger
// as pending.
func (s *Service) abandon(ctx context.Context, build *models.Build, cause error) {
	_, err := s.store.Builds().Transition(context.WithoutCancel(ctx), build.ID, models.StatusChange{
		From:   models.BuildStatusPending,
		To:     models.BuildStatusFailure,
		Reason: models.FailureReasonInternal,
		Detail: fmt.Sprintf("enqueueing build: %v", cause),
	})
	if err != nil {
		s.logger.Error("failed to fail unqueued build", "build_id", build.ID, "error", err)
	}
}

func (s *Service) appFor(ctx context.Context, company *models.Company, req BuildRequest) (*models.App, error) {
	if req.AppID != "" {
		app, err := s.store.Apps().Get(ctx, req.AppID)
		if err != nil {
			return nil, fmt.Errorf("loading app %s: %w", req.AppID, err)
		}
		if app.CompanyID != company.ID {
			return nil, ErrAppNotOwned
		}
		return app, nil
	}

	apps, err := s.store.Apps().ListByCompany(ctx, company.ID)
	if err != nil {
		return nil, fmt.Errorf("listing apps of company %s: %w", company.ID, err)
	}
	for _, app := range apps {
		if app.Active && (req.TemplateID == "" || app.TemplateID == req.TemplateID) {
			return app, nil
		}
	}

	if req.TemplateID == "" {
		return nil, ErrNoApp
	}
	app := &models.App{CompanyID: company.ID, TemplateID: req.TemplateID, Active: true}
	if err := s.CreateApp(ctx, app); err != nil {
		return nil, err
	}
	return app, nil
}

// GetBuild returns a build by id.
func (s *Service) GetBuild(ctx context.Context, id string) (*models.Build, error) {
	return s.store.Builds().Get(ctx, id)
}

// ListBuilds returns the builds of a company, newest first.
func (s *Service) ListBuilds(ctx context.Context, companyID string) ([]*models.Build, error) {
	if _, err := s.store.Companies().Get(ctx, companyID); err != nil {
		return nil, fmt.Errorf("loading company %s: %w", companyID, err)
	}
	return s.store.Builds().ListByCompany(ctx, companyID)
}
