package models

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Site credential status values.
const (
	SiteStatusActive    = "active"
	SiteStatusSuspended = "suspended"
	SiteStatusDisabled  = "disabled"
)

// Credential prefixes make leaked secrets easy to recognise in logs and
// secret scanners.
const (
	APIKeyPrefix        = "fb_"
	WebhookSecretPrefix = "whsec_"
)

// SiteCredential is the durable identity of a verified site. The raw API key
// is never persisted; only its keyed hash is stored.
type SiteCredential struct {
	SiteID        string    `json:"site_id"`
	Domain        string    `json:"domain"`
	APIKeyHash    string    `json:"api_key_hash"`
	WebhookSecret string    `json:"webhook_secret"`
	Status        string    `json:"status"`
	AgencyID      string    `json:"agency_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// APIKeyIndex maps a key hash back to the credential that owns it.
type APIKeyIndex struct {
	APIKeyHash string `json:"api_key_hash"`
	SiteID     string `json:"site_id"`
	Domain     string `json:"domain"`
}

// SiteActivity is request telemetry kept beside the credential.
type SiteActivity struct {
	RequestCount int64     `json:"request_count"`
	LastSeen     time.Time `json:"last_seen"`
}

func IsValidSiteStatus(status string) bool {
	switch status {
	case SiteStatusActive, SiteStatusSuspended, SiteStatusDisabled:
		return true
	}
	return false
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateAPIKey produces a key in the format fb_<43 url-safe base64 chars>.
func GenerateAPIKey() (string, error) {
	tok, err := randomToken(32)
	if err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return APIKeyPrefix + tok, nil
}

func GenerateWebhookSecret() (string, error) {
	tok, err := randomToken(32)
	if err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return WebhookSecretPrefix + tok, nil
}

// GenerateTempKey returns 32 random bytes, base64url encoded.
func GenerateTempKey() (string, error) {
	tok, err := randomToken(32)
	if err != nil {
		return "", fmt.Errorf("generate temp key: %w", err)
	}
	return tok, nil
}

// HashAPIKey computes hex(HMAC-SHA256(salt, key)). The salt is process-wide
// so the hash can be used directly as a lookup key.
func HashAPIKey(salt, rawKey string) string {
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(rawKey))
	return hex.EncodeToString(mac.Sum(nil))
}

// NewID returns a time-ordered UUIDv7, falling back to v4 if the clock
// source fails.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
