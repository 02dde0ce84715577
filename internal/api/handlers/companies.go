package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/narvanalabs/appfactory/internal/models"
	"github.com/narvanalabs/appfactory/internal/registry"
)

// CompanyHandler handles company registration requests.
type CompanyHandler struct {
	registry *registry.Service
	logger   *slog.Logger
}

// NewCompanyHandler creates a new company handler.
func NewCompanyHandler(reg *registry.Service, logger *slog.Logger) *CompanyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompanyHandler{registry: reg, logger: logger}
}

// CreateCompanyRequest represents the request body for registering a company.
type CreateCompanyRequest struct {
	Name         string `json:"name" validate:"required,max=255"`
	TaxID        string `json:"tax_id" validate:"required,max=32"`
	ContactEmail string `json:"contact_email" validate:"omitempty,email"`
	Phone        string `json:"phone" validate:"omitempty,max=32"`
	LogoURL      string `json:"logo_url" validate:"omitempty,url"`
	// StoreCredential is the mobile store service-account document.
	StoreCredential json.RawMessage `json:"store_credential,omitempty"`
}

// Create handles POST /v1/companies.
func (h *CompanyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateCompanyRequest
	if apiErr := decode(r, &req, false); apiErr != nil {
		writeAPIError(w, r, apiErr)
		return
	}

	company := &models.Company{
		Name:            req.Name,
		TaxID:           req.TaxID,
		ContactEmail:    req.ContactEmail,
		Phone:           req.Phone,
		LogoURL:         req.LogoURL,
		StoreCredential: []byte(req.StoreCredential),
	}
	if err := h.registry.RegisterCompany(r.Context(), company); err != nil {
		writeError(w, r, h.logger, "failed to register company", err)
		return
	}

	WriteJSON(w, http.StatusCreated, company)
}

// List handles GET /v1/companies.
func (h *CompanyHandler) List(w http.ResponseWriter, r *http.Request) {
	companies, err := h.registry.ListCompanies(r.Context())
	if err != nil {
		writeError(w, r, h.logger, "failed to list companies", err)
		return
	}
	WriteJSON(w, http.StatusOK, companies)
}

// Get handles GET /v1/companies/{companyID}.
func (h *CompanyHandler) Get(w http.ResponseWriter, r *http.Request) {
	company, err := h.registry.GetCompany(r.Context(), chi.URLParam(r, "companyID"))
	if err != nil {
		writeError(w, r, h.logger, "failed to get company", err)
		return
	}
	WriteJSON(w, http.StatusOK, company)
}
