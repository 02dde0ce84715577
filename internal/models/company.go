// Package models provides data models for the app factory.
package models

import "time"

// Company is the business entity that owns apps and builds.
type Company struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	TaxID        string    `json:"tax_id"`
	ContactEmail string    `json:"contact_email"`
	Phone        string    `json:"phone"`
	LogoURL      string    `json:"logo_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`

	// StoreCredential is the mobile store service-account credential for this
	// company. It is never serialized in API responses.
	StoreCredential []byte `json:"-"`
	// StoreCredentialEncrypted reports whether StoreCredential holds age ciphertext.
	StoreCredentialEncrypted bool `json:"-"`
}

// HasStoreCredential reports whether the company carries its own credential.
func (c *Company) HasStoreCredential() bool {
	return len(c.StoreCredential) > 0
}
