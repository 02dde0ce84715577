package models

import (
	"encoding/json"
	"time"
)

// App is one instantiation of a Template for one Company.
type App struct {
	ID         string `json:"id"`
	CompanyID  string `json:"company_id"`
	TemplateID string `json:"template_id"`
	// AppKey is the generated slug for the app. It is unique and stable once allocated.
	AppKey            string          `json:"app_key"`
	LogoURL           string          `json:"logo_url,omitempty"`
	BundleID          string          `json:"bundle_id,omitempty"`
	PackageName       string          `json:"package_name,omitempty"`
	GoogleServiceJSON json.RawMessage `json:"google_service_json,omitempty"`
	AppleTeamID       string          `json:"apple_team_id,omitempty"`
	AppleKeyID        string          `json:"apple_key_id,omitempty"`
	AppleIssuerID     string          `json:"apple_issuer_id,omitempty"`
	Active            bool            `json:"active"`
	CreatedAt         time.Time       `json:"created_at"`
}
