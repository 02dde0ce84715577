package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/narvanalabs/appfactory/internal/registry"
)

// BuildHandler handles build-related HTTP requests.
type BuildHandler struct {
	registry *registry.Service
	logger   *slog.Logger
}

// NewBuildHandler creates a new build handler.
func NewBuildHandler(reg *registry.Service, logger *slog.Logger) *BuildHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BuildHandler{registry: reg, logger: logger}
}

// CreateBuildRequest optionally selects the app to build. With an empty body
// the company's newest active app is built.
type CreateBuildRequest struct {
	AppID      string `json:"app_id"`
	TemplateID string `json:"template_id"`
}

// Create handles POST /v1/companies/{companyID}/builds. The build is returned
// pending; the pipeline runs asynchronously.
func (h *BuildHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateBuildRequest
	if apiErr := decode(r, &req, true); apiErr != nil {
		writeAPIError(w, r, apiErr)
		return
	}

	build, err := h.registry.CreateBuild(r.Context(), registry.BuildRequest{
		CompanyID:  chi.URLParam(r, "companyID"),
		AppID:      req.AppID,
		TemplateID: req.TemplateID,
	})
	if err != nil {
		writeError(w, r, h.logger, "failed to create build", err)
		return
	}

	WriteJSON(w, http.StatusCreated, build)
}

// List handles GET /v1/companies/{companyID}/builds, newest first.
func (h *BuildHandler) List(w http.ResponseWriter, r *http.Request) {
	builds, err := h.registry.ListBuilds(r.Context(), chi.URLParam(r, "companyID"))
	if err != nil {
		writeError(w, r, h.logger, "failed to list builds", err)
		return
	}
	WriteJSON(w, http.StatusOK, builds)
}

// Get handles GET /v1/builds/{buildID}.
func (h *BuildHandler) Get(w http.ResponseWriter, r *http.Request) {
	build, err := h.registry.GetBuild(r.Context(), chi.URLParam(r, "buildID"))
	if err != nil {
		writeError(w, r, h.logger, "failed to get build", err)
		return
	}
	WriteJSON(w, http.StatusOK, build)
}
