package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/narvanalabs/appfactory/internal/models"
	"github.com/narvanalabs/appfactory/internal/registry"
)

// AppHandler handles app-related HTTP requests.
type AppHandler struct {
	registry *registry.Service
	logger   *slog.Logger
}

// NewAppHandler creates a new app handler.
func NewAppHandler(reg *registry.Service, logger *slog.Logger) *AppHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AppHandler{registry: reg, logger: logger}
}

// CreateAppRequest represents the request body for creating an app. The app
// key is always generated.
type CreateAppRequest struct {
	CompanyID         string          `json:"company_id" validate:"required"`
	TemplateID        string          `json:"template_id" validate:"required"`
	LogoURL           string          `json:"logo_url" validate:"omitempty,url"`
	BundleID          string          `json:"bundle_id" validate:"omitempty,max=255"`
	PackageName       string          `json:"package_name" validate:"omitempty,max=255"`
	GoogleServiceJSON json.RawMessage `json:"google_service_json,omitempty"`
	AppleTeamID       string          `json:"apple_team_id" validate:"omitempty,max=64"`
	AppleKeyID        string          `json:"apple_key_id" validate:"omitempty,max=64"`
	AppleIssuerID     string          `json:"apple_issuer_id" validate:"omitempty,max=64"`
	Active            *bool           `json:"active,omitempty"`
}

// Create handles POST /v1/apps.
func (h *AppHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateAppRequest
	if apiErr := decode(r, &req, false); apiErr != nil {
		writeAPIError(w, r, apiErr)
		return
	}

	app := &models.App{
		CompanyID:         req.CompanyID,
		TemplateID:        req.TemplateID,
		LogoURL:           req.LogoURL,
		BundleID:          req.BundleID,
		PackageName:       req.PackageName,
		GoogleServiceJSON: req.GoogleServiceJSON,
		AppleTeamID:       req.AppleTeamID,
		AppleKeyID:        req.AppleKeyID,
		AppleIssuerID:     req.AppleIssuerID,
		Active:            req.Active == nil || *req.Active,
	}
	if err := h.registry.CreateApp(r.Context(), app); err != nil {
		writeError(w, r, h.logger, "failed to create app", err)
		return
	}

	WriteJSON(w, http.StatusCreated, app)
}

// List handles GET /v1/apps and GET /v1/companies/{companyID}/apps.
func (h *AppHandler) List(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")
	if companyID == "" {
		companyID = r.URL.Query().Get("company_id")
	}

	apps, err := h.registry.ListApps(r.Context(), companyID)
	if err != nil {
		writeError(w, r, h.logger, "failed to list apps", err)
		return
	}
	WriteJSON(w, http.StatusOK, apps)
}

// Get handles GET /v1/apps/{appID}.
func (h *AppHandler) Get(w http.ResponseWriter, r *http.Request) {
	app, err := h.registry.GetApp(r.Context(), chi.URLParam(r, "appID"))
	if err != nil {
		writeError(w, r, h.logger, "failed to get app", err)
		return
	}
	WriteJSON(w, http.StatusOK, app)
}
