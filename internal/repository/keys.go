package repository

import (
	"fmt"
	"strings"
	"time"
)

// Key prefixes for partition and sort keys.
const (
	PrefixSite         = "SITE#"
	PrefixRegistration = "REG#"
	PrefixTempKey      = "TEMP#"
	PrefixStatus       = "STATUS#"
	PrefixRegState     = "REGSTATE#"
	PrefixCredentials  = "CREDS#"
	PrefixSiteID       = "SITEID#"
	PrefixAgency       = "AGENCY#"
	PrefixActivity     = "ACTIVITY#"
	PrefixAPIKey       = "API#"
	PrefixRate         = "RATE#"
	PrefixTime         = "TIME#"
	PrefixValidation   = "VALIDATION#"
	PrefixSecurity     = "SECURITY#"
	PrefixTracking     = "SECURITY_TRACKING#"
	PrefixUpdateCheck  = "UPDATE_CHECK#"
)

// Fixed sort keys.
const (
	SKPending      = "PENDING"
	SKCredentials  = "CREDS"
	SKLookup       = "LOOKUP"
	SKResult       = "RESULT"
	SKGroup        = "GROUP"
	SKReleaseInfo  = "INFO"
	PKLatestPlugin = "PLUGIN_VERSION#latest"
)

func sitePK(domain string) string         { return PrefixSite + domain }
func registrationSK(id string) string     { return PrefixRegistration + id }
func tempKeyPK(key string) string         { return PrefixTempKey + key }
func statusSK(status string) string       { return PrefixStatus + status }
func regStatePK(domain string) string     { return PrefixRegState + domain }
func credentialsSK(siteID string) string  { return PrefixCredentials + siteID }
func siteIDPK(siteID string) string       { return PrefixSiteID + siteID }
func agencyPK(agencyID string) string     { return PrefixAgency + agencyID }
func agencySiteSK(siteID string) string   { return PrefixSite + siteID }
func activitySK(siteID string) string     { return PrefixActivity + siteID }
func apiKeyPK(hash string) string         { return PrefixAPIKey + hash }
func validationPK(domain string) string   { return PrefixValidation + domain }
func securityPK(category string) string   { return PrefixSecurity + category }
func trackingPK(identifier string) string { return PrefixTracking + identifier }
func updateCheckPK(siteID string) string  { return PrefixUpdateCheck + siteID }

// RatePK is the partition of one limiter identity, e.g. RATE#ip#203.0.113.9.
func RatePK(scope, identifier string) string {
	return PrefixRate + scope + "#" + identifier
}

// Timestamps in sort keys are zero padded so lexical order is time order.

func bucketSK(start time.Time) string {
	return fmt.Sprintf("%s%012d", PrefixTime, start.Unix())
}

func parseBucketSK(sk string) (time.Time, bool) {
	var unix int64
	if _, err := fmt.Sscanf(strings.TrimPrefix(sk, PrefixTime), "%d", &unix); err != nil {
		return time.Time{}, false
	}
	return time.Unix(unix, 0).UTC(), true
}

func nanoKey(t time.Time) string {
	return fmt.Sprintf("%019d", t.UnixNano())
}

func timeSK(t time.Time) string {
	return PrefixTime + nanoKey(t)
}
