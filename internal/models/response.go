// Package models - API response types.
// Every JSON body the gateway writes is defined here so the wire contract
// with the WordPress plugin lives in one place.
package models

import "time"

// RegisterResponse is returned by POST /register. A repeated registration for
// a domain with a live pending challenge returns the same values.
type RegisterResponse struct {
	RegistrationID           string                   `json:"registration_id"`
	TempKey                  string                   `json:"temp_key"`
	ExpiresAt                time.Time                `json:"expires_at"`
	ExpiresIn                int64                    `json:"expires_in"` // seconds, for clients without a synced clock
	VerificationInstructions VerificationInstructions `json:"verification_instructions"`
	NextStep                 string                   `json:"next_step"`
}

// VerificationInstructions tells the site owner how to publish the proof for
// each supported method.
type VerificationInstructions struct {
	Token   string              `json:"token"`
	File    FileInstructions    `json:"file"`
	MetaTag MetaTagInstructions `json:"meta_tag"`
	Methods []string            `json:"methods"`
}

type FileInstructions struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type MetaTagInstructions struct {
	Tag string `json:"tag"`
}

// ExchangeResponse carries the durable credentials. The API key and webhook
// secret appear here once and are never retrievable again.
type ExchangeResponse struct {
	SiteID        string            `json:"site_id"`
	Domain        string            `json:"domain"`
	APIKey        string            `json:"api_key"`
	WebhookSecret string            `json:"webhook_secret"`
	Endpoints     map[string]string `json:"endpoints,omitempty"`
	IssuedAt      time.Time         `json:"issued_at"`
}

// AuthorizeResponse is the allow decision returned by POST /authorize.
type AuthorizeResponse struct {
	Allow     bool   `json:"allow"`
	SiteID    string `json:"site_id"`
	Domain    string `json:"domain"`
	Remaining int    `json:"remaining"`
}

type UpdateCheckResponse struct {
	UpdateAvailable bool          `json:"update_available"`
	CurrentVersion  string        `json:"current_version"`
	LatestVersion   string        `json:"latest_version"`
	CheckedAt       time.Time     `json:"checked_at"`
	Compatible      *bool         `json:"compatible,omitempty"`
	Warning         string        `json:"warning,omitempty"`
	ReleaseNotes    string        `json:"release_notes,omitempty"`
	ChangelogURL    string        `json:"changelog_url,omitempty"`
	ReleaseDate     *time.Time    `json:"release_date,omitempty"`
	RequiresWP      string        `json:"requires_wp,omitempty"`
	RequiresPHP     string        `json:"requires_php,omitempty"`
	TestedUpTo      string        `json:"tested_up_to,omitempty"`
	Download        *DownloadInfo `json:"download,omitempty"`
}

type DownloadInfo struct {
	URL         string    `json:"download_url"`
	Token       string    `json:"download_token"`
	PackageHash string    `json:"package_hash,omitempty"`
	FileSize    int64     `json:"file_size,omitempty"`
	ExpiresAt   time.Time `json:"download_expires_at"`
}

// SiteView is the administrative view of a credential. No secret material.
type SiteView struct {
	SiteID       string     `json:"site_id"`
	Domain       string     `json:"domain"`
	Status       string     `json:"status"`
	AgencyID     string     `json:"agency_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
	RequestCount int64      `json:"request_count"`
}

type SecurityEventList struct {
	Identifier string           `json:"identifier"`
	Events     []*SecurityEvent `json:"events"`
}

// ErrorResponse is the single error envelope for every non-2xx response.
type ErrorResponse struct {
	Error     string            `json:"error"`             // always "error"
	Message   string            `json:"message"`           // human readable
	Code      string            `json:"code,omitempty"`    // machine readable, see ErrorCode*
	Details   map[string]string `json:"details,omitempty"` // field-level detail
	Timestamp time.Time         `json:"timestamp"`
	RequestID string            `json:"request_id,omitempty"`
}

type HealthCheckResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

type ComponentHealth struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Health status values.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusDegraded  = "degraded"
)

// Error codes. Upper snake case, stable across releases; the WordPress
// plugin switches on these.
const (
	ErrorCodeInvalidDomain       = "INVALID_DOMAIN"
	ErrorCodeInvalidRequest      = "INVALID_REQUEST"
	ErrorCodeRateLimited         = "RATE_LIMIT_EXCEEDED"
	ErrorCodeBlocked             = "BLOCKED"
	ErrorCodeUnknownOrExpiredKey = "UNKNOWN_OR_EXPIRED_KEY"
	ErrorCodeAlreadyExchanged    = "ALREADY_EXCHANGED"
	ErrorCodeVerificationFailed  = "VERIFICATION_FAILED"
	ErrorCodeUnauthorized        = "UNAUTHORIZED"
	ErrorCodeSuspended           = "SUSPENDED"
	ErrorCodeDisabled            = "DISABLED"
	ErrorCodeSignatureMismatch   = "SIGNATURE_MISMATCH"
	ErrorCodeForbidden           = "FORBIDDEN"
	ErrorCodeNotFound            = "NOT_FOUND"
	ErrorCodeConflict            = "CONFLICT"
	ErrorCodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	ErrorCodeInternalError       = "INTERNAL_ERROR"
)

func NewErrorResponse(message string, code string) *ErrorResponse {
	return &ErrorResponse{
		Error:     "error",
		Message:   message,
		Code:      code,
		Timestamp: time.Now().UTC(),
	}
}

func NewHealthCheckResponse(status string) *HealthCheckResponse {
	return &HealthCheckResponse{
		Status:     status,
		Timestamp:  time.Now().UTC(),
		Components: make(map[string]ComponentHealth),
	}
}

// AddComponent records a component's health and downgrades the overall
// status when the component is not healthy.
func (h *HealthCheckResponse) AddComponent(name, status, message string) {
	h.Components[name] = ComponentHealth{
		Status:    status,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	switch {
	case status == StatusUnhealthy:
		h.Status = StatusUnhealthy
	case status == StatusDegraded && h.Status == StatusHealthy:
		h.Status = StatusDegraded
	}
}
