package models

import (
	"errors"
	"net/netip"
	"strings"
)

var (
	ErrDomainRequired = errors.New("domain is required")
	ErrDomainHasPath  = errors.New("domain must not contain a scheme, port or path")
	ErrDomainIP       = errors.New("IP addresses are not accepted")
	ErrDomainLength   = errors.New("domain must be between 4 and 253 characters")
	ErrDomainLabel    = errors.New("domain labels must be 1 to 63 letters, digits or hyphens")
	ErrDomainTLD      = errors.New("domain must end in an alphabetic top-level domain")
	ErrDomainLocal    = errors.New("local hostnames are not accepted")
)

// NormalizeDomain lowercases and trims raw, drops a trailing dot, and checks
// the result against the hostname grammar. It does not apply blocklists.
func NormalizeDomain(raw string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(raw))
	d = strings.TrimSuffix(d, ".")
	if d == "" {
		return "", ErrDomainRequired
	}
	if strings.ContainsAny(d, "/:?#@ \t") {
		if _, err := netip.ParseAddr(strings.Trim(d, "[]")); err == nil {
			return "", ErrDomainIP
		}
		return "", ErrDomainHasPath
	}
	if _, err := netip.ParseAddr(d); err == nil {
		return "", ErrDomainIP
	}
	if len(d) < 4 || len(d) > 253 {
		return "", ErrDomainLength
	}
	if d == "localhost" || strings.HasSuffix(d, ".localhost") {
		return "", ErrDomainLocal
	}

	labels := strings.Split(d, ".")
	if len(labels) < 2 {
		return "", ErrDomainTLD
	}
	for _, l := range labels {
		if !validLabel(l) {
			return "", ErrDomainLabel
		}
	}
	tld := labels[len(labels)-1]
	if len(tld) < 2 || strings.IndexFunc(tld, func(r rune) bool { return r < 'a' || r > 'z' }) >= 0 {
		return "", ErrDomainTLD
	}
	return d, nil
}

func validLabel(l string) bool {
	if len(l) == 0 || len(l) > 63 {
		return false
	}
	if l[0] == '-' || l[len(l)-1] == '-' {
		return false
	}
	for _, r := range l {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return false
		}
	}
	return true
}

// DomainBlocked reports whether domain is listed exactly in blocked or ends
// with one of suffixes. Suffixes include their leading dot.
func DomainBlocked(domain string, blocked, suffixes []string) bool {
	for _, b := range blocked {
		if strings.EqualFold(domain, b) {
			return true
		}
	}
	for _, s := range suffixes {
		s = strings.ToLower(s)
		if strings.HasSuffix(domain, s) || domain == strings.TrimPrefix(s, ".") {
			return true
		}
	}
	return false
}
