package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"formbridge/internal/fault"
)

const signaturePrefix = "sha256="

// Sign returns hex(HMAC-SHA256(secret, "<timestamp>:<body>")), the value a
// site sends in X-Signature.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{':'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// checkSignature validates a signature and timestamp pair against secret.
// The timestamp is Unix seconds and may be early or late by tolerance.
func checkSignature(secret, signature, timestamp string, body []byte, now time.Time, tolerance time.Duration) error {
	if signature == "" || timestamp == "" {
		return fault.SignatureMismatch("X-Signature and X-Timestamp must be sent together")
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fault.SignatureMismatch("malformed timestamp")
	}
	if !withinTolerance(unix, now, tolerance) {
		return fault.SignatureMismatch("timestamp outside tolerance")
	}

	got := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(signature), signaturePrefix))
	if !hmac.Equal([]byte(got), []byte(Sign(secret, timestamp, body))) {
		return fault.SignatureMismatch("")
	}
	return nil
}

// withinTolerance compares in whole seconds with bounds taken from now, so a
// timestamp at either end of the int64 range cannot overflow the check.
func withinTolerance(unix int64, now time.Time, tolerance time.Duration) bool {
	tol := int64(tolerance / time.Second)
	return unix >= now.Unix()-tol && unix <= now.Unix()+tol
}
