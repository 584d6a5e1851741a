package models

import "time"

// Severity levels, lowest first.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Security event categories.
const (
	EventCategoryBlock              = "block"
	EventCategoryRateLimited        = "rate_limited"
	EventCategoryVerificationFailed = "verification_failed"
	EventCategoryAuthFailure        = "auth_failure"
	EventCategorySignatureMismatch  = "signature_mismatch"
	EventCategoryAbuseDetected      = "abuse_detected"
)

var severityTTL = map[string]time.Duration{
	SeverityLow:      7 * 24 * time.Hour,
	SeverityMedium:   30 * 24 * time.Hour,
	SeverityHigh:     90 * 24 * time.Hour,
	SeverityCritical: 365 * 24 * time.Hour,
}

var severityRank = map[string]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// SecurityEvent is an append-only audit record. Events are never updated;
// they disappear when ExpiresAt passes.
type SecurityEvent struct {
	Category   string    `json:"category"`
	Identifier string    `json:"identifier"` // client IP, domain or site_id
	Severity   string    `json:"severity"`
	Rule       string    `json:"rule,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	ClientIP   string    `json:"client_ip,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// SeverityTTL returns how long an event of the given severity is retained.
// Unknown severities are kept as long as medium ones.
func SeverityTTL(severity string) time.Duration {
	if ttl, ok := severityTTL[severity]; ok {
		return ttl
	}
	return severityTTL[SeverityMedium]
}

// SeverityRank orders severities; unknown values rank zero.
func SeverityRank(severity string) int {
	return severityRank[severity]
}
