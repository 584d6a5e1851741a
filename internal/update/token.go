package update

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

const tokenIssuer = "formbridge"

// DownloadClaims are carried by a download token. Subject is the site id.
type DownloadClaims struct {
	Version string `json:"version"`
	jwt.RegisteredClaims
}

// TokenSigner issues and checks HS256 download tokens.
type TokenSigner struct {
	key []byte
	ttl time.Duration
	Now func() time.Time
}

// NewTokenSigner derives the token key from the process signing secret.
func NewTokenSigner(signingSecret string, ttl time.Duration) (*TokenSigner, error) {
	if signingSecret == "" {
		return nil, errors.New("signing secret is required")
	}
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(signingSecret), nil, []byte("download-token")), key); err != nil {
		return nil, fmt.Errorf("derive token key: %w", err)
	}
	return &TokenSigner{key: key, ttl: ttl, Now: time.Now}, nil
}

// Sign returns a token for siteID to download version, and its expiry.
func (s *TokenSigner) Sign(siteID, version string) (string, time.Time, error) {
	now := s.Now()
	exp := now.Add(s.ttl)
	claims := &DownloadClaims{
		Version: version,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   siteID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign download token: %w", err)
	}
	return token, exp, nil
}

// Parse validates a token and returns its claims.
func (s *TokenSigner) Parse(token string) (*DownloadClaims, error) {
	claims := &DownloadClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(s.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}
