package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/narvanalabs/appfactory/internal/models"
	"github.com/narvanalabs/appfactory/internal/registry"
)

// TemplateHandler handles template repository requests.
type TemplateHandler struct {
	registry *registry.Service
	logger   *slog.Logger
}

// NewTemplateHandler creates a new template handler.
func NewTemplateHandler(reg *registry.Service, logger *slog.Logger) *TemplateHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TemplateHandler{registry: reg, logger: logger}
}

// CreateTemplateRequest represents the request body for registering a template.
type CreateTemplateRequest struct {
	Name        string `json:"name" validate:"required,max=255"`
	RepoURL     string `json:"repo_url" validate:"required,max=2048"`
	Description string `json:"description" validate:"max=2000"`
}

// Create handles POST /v1/templates.
func (h *TemplateHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateTemplateRequest
	if apiErr := decode(r, &req, false); apiErr != nil {
		writeAPIError(w, r, apiErr)
		return
	}

	tmpl := &models.Template{
		Name:        req.Name,
		RepoURL:     req.RepoURL,
		Description: req.Description,
	}
	if err := h.registry.RegisterTemplate(r.Context(), tmpl); err != nil {
		writeError(w, r, h.logger, "failed to register template", err)
		return
	}

	WriteJSON(w, http.StatusCreated, tmpl)
}

// List handles GET /v1/templates.
func (h *TemplateHandler) List(w http.ResponseWriter, r *http.Request) {
	templates, err := h.registry.ListTemplates(r.Context())
	if err != nil {
		writeError(w, r, h.logger, "failed to list templates", err)
		return
	}
	WriteJSON(w, http.StatusOK, templates)
}

// Get handles GET /v1/templates/{templateID}.
func (h *TemplateHandler) Get(w http.ResponseWriter, r *http.Request) {
	tmpl, err := h.registry.GetTemplate(r.Context(), chi.URLParam(r, "templateID"))
	if err != nil {
		writeError(w, r, h.logger, "failed to get template", err)
		return
	}
	WriteJSON(w, http.StatusOK, tmpl)
}
