// Package abuse evaluates registration and authentication traffic against
// a fixed rule set and keeps the append-only security event log.
//
// Every rule runs on each evaluation and the most severe match wins. A
// critical verdict persists a block event for the offending identifier, so
// later requests are denied by the persisted_block rule until it expires.
package abuse

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"formbridge/internal/models"
	"formbridge/internal/ratelimit"
	"formbridge/internal/repository"
)

// Rule names.
const (
	RulePersistedBlock   = "persisted_block"
	RuleRegistrationSpam = "registration_spam"
	RuleCredentialAbuse  = "credential_abuse"
	RuleBurstAbuse       = "burst_abuse"
)

// Subject is what is being evaluated. Empty fields are skipped.
type Subject struct {
	ClientIP string
	Domain   string
	SiteID   string
}

func (s Subject) identifiers() []string {
	var ids []string
	for _, id := range []string{s.ClientIP, s.Domain, s.SiteID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// Verdict is the outcome of Evaluate.
type Verdict struct {
	Flagged    bool
	Rule       string
	Severity   string
	Identifier string
	Detail     string
}

// Critical reports whether the verdict demands an immediate deny.
func (v Verdict) Critical() bool {
	return v.Flagged && v.Severity == models.SeverityCritical
}

// Detector applies the abuse rules.
type Detector struct {
	repo    *repository.Repository
	limiter *ratelimit.Limiter
	cfg     models.AbuseConfig

	// Observe, when set, is told the category of every recorded event.
	Observe func(ctx context.Context, category string)
	Now     func() time.Time
}

func NewDetector(repo *repository.Repository, limiter *ratelimit.Limiter, cfg models.AbuseConfig) *Detector {
	return &Detector{repo: repo, limiter: limiter, cfg: cfg, Now: time.Now}
}

type rule func(ctx context.Context, s Subject) (Verdict, error)

// Evaluate runs every rule against s.
func (d *Detector) Evaluate(ctx context.Context, s Subject) (Verdict, error) {
	var worst Verdict
	for _, r := range []rule{d.persistedBlock, d.registrationSpam, d.credentialAbuse, d.burstAbuse} {
		v, err := r(ctx, s)
		if err != nil {
			return Verdict{}, err
		}
		if v.Flagged && models.SeverityRank(v.Severity) > models.SeverityRank(worst.Severity) {
			worst = v
		}
	}
	if !worst.Flagged {
		return worst, nil
	}

	slog.WarnContext(ctx, "abuse rule matched",
		"event", "security_audit",
		"rule", worst.Rule,
		"severity", worst.Severity,
		"identifier", worst.Identifier,
	)
	if worst.Critical() && worst.Rule != RulePersistedBlock {
		if err := d.Block(ctx, worst.Identifier, worst.Rule, worst.Detail, s.ClientIP); err != nil {
			return Verdict{}, err
		}
	}
	return worst, nil
}

func (d *Detector) persistedBlock(ctx context.Context, s Subject) (Verdict, error) {
	for _, id := range s.identifiers() {
		blocked, err := d.repo.HasEvent(ctx, models.EventCategoryBlock, id)
		if err != nil {
			return Verdict{}, fmt.Errorf("check block for %s: %w", id, err)
		}
		if blocked {
			return Verdict{
				Flagged:    true,
				Rule:       RulePersistedBlock,
				Severity:   models.SeverityCritical,
				Identifier: id,
				Detail:     "identifier is blocked",
			}, nil
		}
	}
	return Verdict{}, nil
}

func (d *Detector) registrationSpam(ctx context.Context, s Subject) (Verdict, error) {
	if s.ClientIP == "" {
		return Verdict{}, nil
	}
	n, err := d.limiter.Sum(ctx, ratelimit.Key{Scope: ratelimit.ScopeRegistration, ID: s.ClientIP}, d.cfg.RegistrationWindow)
	if err != nil {
		return Verdict{}, err
	}
	if n < int64(d.cfg.RegistrationAttempts) {
		return Verdict{}, nil
	}
	return Verdict{
		Flagged:    true,
		Rule:       RuleRegistrationSpam,
		Severity:   models.SeverityHigh,
		Identifier: s.ClientIP,
		Detail:     fmt.Sprintf("%d registration attempts in %s", n, d.cfg.RegistrationWindow),
	}, nil
}

func (d *Detector) credentialAbuse(ctx context.Context, s Subject) (Verdict, error) {
	if s.SiteID == "" {
		return Verdict{}, nil
	}
	n, err := d.limiter.Sum(ctx, ratelimit.Key{Scope: ratelimit.ScopeAuthFailure, ID: s.SiteID}, time.Hour)
	if err != nil {
		return Verdict{}, err
	}
	if n < int64(d.cfg.AuthFailuresPerHour) {
		return Verdict{}, nil
	}
	return Verdict{
		Flagged:    true,
		Rule:       RuleCredentialAbuse,
		Severity:   models.SeverityCritical,
		Identifier: s.SiteID,
		Detail:     fmt.Sprintf("%d authentication failures in the last hour", n),
	}, nil
}

func (d *Detector) burstAbuse(ctx context.Context, s Subject) (Verdict, error) {
	if s.SiteID == "" {
		return Verdict{}, nil
	}
	width := d.limiter.BucketWidth()
	counts, err := d.limiter.Buckets(ctx, ratelimit.Key{Scope: ratelimit.ScopeSite, ID: s.SiteID}, time.Duration(d.cfg.BurstBuckets)*width)
	if err != nil {
		return Verdict{}, err
	}

	run, longest := 0, 0
	for _, c := range counts {
		if float64(c)/width.Seconds() > float64(d.cfg.MaxRequestsPerSecond) {
			run++
			longest = max(longest, run)
		} else {
			run = 0
		}
	}
	if longest < d.cfg.BurstBuckets {
		return Verdict{}, nil
	}
	return Verdict{
		Flagged:    true,
		Rule:       RuleBurstAbuse,
		Severity:   models.SeverityCritical,
		Identifier: s.SiteID,
		Detail:     fmt.Sprintf("over %d requests per second for %d consecutive buckets", d.cfg.MaxRequestsPerSecond, longest),
	}, nil
}
