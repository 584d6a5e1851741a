// Package sitecheck scores whether a domain looks like a real, reachable
// WordPress site. Registration uses the score to reject throwaway domains
// when a validation level is configured.
package sitecheck

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"golang.org/x/net/html"

	"formbridge/internal/models"
	"formbridge/internal/repository"
	"formbridge/internal/verify"
)

// Check names and the points each is worth. They sum to 100.
const (
	CheckDomainFormat = "domain_format"
	CheckDNS          = "dns"
	CheckHTTPS        = "https"
	CheckWordPress    = "wordpress"
	CheckAbuseHistory = "abuse_history"

	pointsDomainFormat = 20
	pointsDNS          = 20
	pointsHTTPS        = 20
	pointsWordPress    = 30
	pointsAbuseHistory = 10
)

// Resolver is satisfied by *net.Resolver.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

type Checker struct {
	repo     *repository.Repository
	fetcher  *verify.Fetcher
	resolver Resolver
	cacheTTL time.Duration
	Now      func() time.Time
}

func NewChecker(repo *repository.Repository, fetcher *verify.Fetcher, resolver Resolver, cacheTTL time.Duration) *Checker {
	return &Checker{repo: repo, fetcher: fetcher, resolver: resolver, cacheTTL: cacheTTL, Now: time.Now}
}

// Validate scores domain and judges it against level. A cached score is
// reused until it expires.
func (c *Checker) Validate(ctx context.Context, domain, level string) (*models.ValidationResult, error) {
	cached, err := c.repo.Validation(ctx, domain)
	switch {
	case err == nil:
		cached.Level = level
		cached.Passes = cached.Score >= models.ValidationThreshold(level)
		return cached, nil
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("read cached validation: %w", err)
	}

	now := c.Now()
	res := &models.ValidationResult{
		Domain:     domain,
		Level:      level,
		Checks:     make(map[string]models.CheckResult, 5),
		CheckedAt:  now,
		ValidUntil: now.Add(c.cacheTTL),
	}

	res.Checks[CheckDomainFormat] = c.checkFormat(domain)
	res.Checks[CheckDNS] = c.checkDNS(ctx, domain)
	https, body := c.checkHTTPS(ctx, domain)
	res.Checks[CheckHTTPS] = https
	res.Checks[CheckWordPress] = checkWordPress(body)
	abuse, err := c.checkAbuseHistory(ctx, domain)
	if err != nil {
		return nil, err
	}
	res.Checks[CheckAbuseHistory] = abuse

	for _, check := range res.Checks {
		res.Score += check.Points
	}
	res.Passes = res.Score >= models.ValidationThreshold(level)

	if err := c.repo.SaveValidation(ctx, res); err != nil {
		slog.WarnContext(ctx, "failed to cache site validation", "domain", domain, "error", err)
	}
	slog.InfoContext(ctx, "site validated", "domain", domain, "score", res.Score, "level", level, "passes", res.Passes)
	return res, nil
}

func pass(points int, detail string) models.CheckResult {
	return models.CheckResult{Passed: true, Points: points, Detail: detail}
}

func fail(detail string) models.CheckResult {
	return models.CheckResult{Detail: detail}
}

func (c *Checker) checkFormat(domain string) models.CheckResult {
	normalized, err := models.NormalizeDomain(domain)
	if err != nil {
		return fail(err.Error())
	}
	if normalized != domain {
		return fail("domain is not in canonical form")
	}
	return pass(pointsDomainFormat, "")
}

func (c *Checker) checkDNS(ctx context.Context, domain string) models.CheckResult {
	addrs, err := c.resolver.LookupHost(ctx, domain)
	if err != nil {
		return fail("lookup failed: " + err.Error())
	}
	for _, a := range addrs {
		ip, err := netip.ParseAddr(a)
		if err != nil {
			continue
		}
		if verify.IsPublicAddr(ip) {
			return pass(pointsDNS, fmt.Sprintf("%d addresses", len(addrs)))
		}
	}
	return fail("no public addresses")
}

func (c *Checker) checkHTTPS(ctx context.Context, domain string) (models.CheckResult, []byte) {
	body, err := c.fetcher.Get(ctx, domain, "/")
	if err != nil {
		return fail(err.Error()), nil
	}
	return pass(pointsHTTPS, ""), body
}

func (c *Checker) checkAbuseHistory(ctx context.Context, domain string) (models.CheckResult, error) {
	events, err := c.repo.Events(ctx, domain, time.Time{}, 1)
	if err != nil {
		return models.CheckResult{}, fmt.Errorf("read security events: %w", err)
	}
	if len(events) > 0 {
		return fail("domain has security events on record"), nil
	}
	return pass(pointsAbuseHistory, ""), nil
}

var wpPaths = []string{"/wp-content/", "/wp-includes/", "/wp-json"}

func checkWordPress(body []byte) models.CheckResult {
	if body == nil {
		return fail("home page unavailable")
	}
	if found := WordPressIndicators(body); len(found) > 0 {
		return pass(pointsWordPress, strings.Join(found, ", "))
	}
	return fail("no WordPress indicators")
}

// WordPressIndicators lists the WordPress markers found in a page: asset
// paths under wp-content or wp-includes, REST API links, and a generator
// meta tag naming WordPress.
func WordPressIndicators(body []byte) []string {
	seen := make(map[string]bool)
	var found []string
	note := func(s string) {
		if !seen[s] {
			seen[s] = true
			found = append(found, s)
		}
	}

	z := html.NewTokenizer(bytes.NewReader(body))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return found
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		tok := z.Token()
		var name, content string
		for _, a := range tok.Attr {
			switch a.Key {
			case "href", "src":
				for _, p := range wpPaths {
					if strings.Contains(a.Val, p) {
						note(strings.Trim(p, "/"))
					}
				}
			case "name":
				name = a.Val
			case "content":
				content = a.Val
			}
		}
		if tok.Data == "meta" && strings.EqualFold(name, "generator") && strings.Contains(strings.ToLower(content), "wordpress") {
			note("generator")
		}
	}
}
