// Package models - API request types and input validation.
// Validate checks shape only. Domains are normalized by NormalizeDomain and
// filtered by the registration service; method names by the verifier registry.
package models

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Verification method names accepted by POST /exchange.
const (
	VerificationMethodFile    = "file"
	VerificationMethodMetaTag = "meta_tag"
)

type RegisterRequest struct {
	Domain        string `json:"domain"`
	WPVersion     string `json:"wp_version"`
	PluginVersion string `json:"plugin_version"`
	AdminEmail    string `json:"admin_email,omitempty"`
	AgencyID      string `json:"agency_id,omitempty"`
}

func (r *RegisterRequest) Normalize() {
	r.Domain = strings.TrimSpace(r.Domain)
	r.WPVersion = strings.TrimSpace(r.WPVersion)
	r.PluginVersion = strings.TrimSpace(r.PluginVersion)
	r.AdminEmail = strings.TrimSpace(r.AdminEmail)
	r.AgencyID = strings.TrimSpace(r.AgencyID)
}

func (r *RegisterRequest) Validate() error {
	if r.Domain == "" {
		return errors.New("domain is required")
	}
	if err := validateVersion("wp_version", r.WPVersion); err != nil {
		return err
	}
	if err := validateVersion("plugin_version", r.PluginVersion); err != nil {
		return err
	}
	if r.AdminEmail != "" {
		if _, err := mail.ParseAddress(r.AdminEmail); err != nil {
			return fmt.Errorf("invalid admin_email: %w", err)
		}
	}
	if len(r.AgencyID) > 64 {
		return errors.New("agency_id must be at most 64 characters")
	}
	return nil
}

type ExchangeRequest struct {
	TempKey            string `json:"temp_key"`
	VerificationMethod string `json:"verification_method"`
	ChallengeResponse  string `json:"challenge_response,omitempty"`
}

func (r *ExchangeRequest) Validate() error {
	if strings.TrimSpace(r.TempKey) == "" {
		return errors.New("temp_key is required")
	}
	if strings.TrimSpace(r.VerificationMethod) == "" {
		return errors.New("verification_method is required")
	}
	return nil
}

// UpdateCheckRequest is parsed from the query string of GET /updates/check.
type UpdateCheckRequest struct {
	SiteID         string
	CurrentVersion string
	WPVersion      string
	PHPVersion     string
}

func (r *UpdateCheckRequest) Validate() error {
	// wp_version and php_version are optional and only feed the compatibility check.
	return validateVersion("current_version", r.CurrentVersion)
}

type UpdateSiteStatusRequest struct {
	Status string `json:"status"`
}

func (r *UpdateSiteStatusRequest) Validate() error {
	if !IsValidSiteStatus(r.Status) {
		return fmt.Errorf("status must be one of %s, %s, %s", SiteStatusActive, SiteStatusSuspended, SiteStatusDisabled)
	}
	return nil
}

type UpdateAgencyRequest struct {
	MaxSites int `json:"max_sites"`
}

func (r *UpdateAgencyRequest) Validate() error {
	if r.MaxSites <= 0 {
		return errors.New("max_sites must be positive")
	}
	return nil
}

func validateVersion(field, v string) error {
	if v == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(v) > 32 {
		return fmt.Errorf("%s is too long", field)
	}
	if _, err := semver.NewVersion(v); err != nil {
		return fmt.Errorf("invalid %s: %w", field, err)
	}
	return nil
}
