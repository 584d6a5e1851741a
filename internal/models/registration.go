package models

import "time"

// Registration status values. A registration only moves pending -> verified,
// through key exchange; expired is reported for rows read past their TTL.
const (
	RegistrationStatusPending  = "pending"
	RegistrationStatusVerified = "verified"
	RegistrationStatusExpired  = "expired"
)

// Registration is a pending ownership challenge for one domain.
type Registration struct {
	ID            string     `json:"registration_id"`
	Domain        string     `json:"domain"`
	TempKey       string     `json:"temp_key"`
	Status        string     `json:"status"`
	WPVersion     string     `json:"wp_version"`
	PluginVersion string     `json:"plugin_version"`
	AdminEmail    string     `json:"admin_email,omitempty"`
	AgencyID      string     `json:"agency_id,omitempty"`
	ClientIP      string     `json:"client_ip,omitempty"`
	SiteID        string     `json:"site_id,omitempty"` // set once verified
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	VerifiedAt    *time.Time `json:"verified_at,omitempty"`
}

func (r *Registration) IsExpired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

func (r *Registration) IsPending(now time.Time) bool {
	return r.Status == RegistrationStatusPending && !r.IsExpired(now)
}
