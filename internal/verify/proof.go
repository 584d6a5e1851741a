package verify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	proofInfo   = "ownership-proof"
	proofPrefix = "form-bridge-verification:"
)

// Prover computes ownership proofs. Its key is derived from the process
// signing secret so rotating the secret invalidates outstanding proofs.
type Prover struct {
	key []byte
}

func NewProver(signingSecret string) (*Prover, error) {
	if signingSecret == "" {
		return nil, errors.New("signing secret is required")
	}
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(signingSecret), nil, []byte(proofInfo)), key); err != nil {
		return nil, fmt.Errorf("derive proof key: %w", err)
	}
	return &Prover{key: key}, nil
}

// Proof returns hex(HMAC-SHA256(k, "form-bridge-verification:{domain}:{tempKey}")).
func (p *Prover) Proof(domain, tempKey string) string {
	mac := hmac.New(sha256.New, p.key)
	mac.Write([]byte(proofPrefix + domain + ":" + tempKey))
	return hex.EncodeToString(mac.Sum(nil))
}

// Matches compares candidate with the expected proof in constant time.
func (p *Prover) Matches(domain, tempKey, candidate string) bool {
	return hmac.Equal([]byte(p.Proof(domain, tempKey)), []byte(candidate))
}
