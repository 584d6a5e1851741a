package models

import "time"

// CheckResult is the outcome of one site validation check.
type CheckResult struct {
	Passed bool   `json:"passed"`
	Points int    `json:"points"`
	Detail string `json:"detail,omitempty"`
}

// ValidationResult is a cached site validation score.
type ValidationResult struct {
	Domain     string                 `json:"domain"`
	Score      int                    `json:"validation_score"`
	Level      string                 `json:"level"`
	Passes     bool                   `json:"passes"`
	Checks     map[string]CheckResult `json:"checks"`
	CheckedAt  time.Time              `json:"checked_at"`
	ValidUntil time.Time              `json:"valid_until"`
}

// ValidationThreshold returns the minimum score for a level. The none level
// accepts everything.
func ValidationThreshold(level string) int {
	switch level {
	case ValidationLevelBasic:
		return 40
	case ValidationLevelStandard:
		return 60
	case ValidationLevelStrict:
		return 80
	}
	return 0
}
