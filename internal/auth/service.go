// Package auth decides whether a request presented with a site API key may
// proceed. It is called for every authenticated request the gateway serves.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"time"

	"formbridge/internal/abuse"
	"formbridge/internal/fault"
	"formbridge/internal/models"
	"formbridge/internal/ratelimit"
	"formbridge/internal/repository"
)

// Limit scopes an authorization is counted under.
const (
	ScopeAPI     = "api"
	ScopeUpdates = "updates"
)

// Outcomes reported to Observe.
const (
	OutcomeAllowed     = "allowed"
	OutcomeDenied      = "denied"
	OutcomeRateLimited = "rate_limited"
	OutcomeBlocked     = "blocked"
)

type Request struct {
	APIKey    string
	Body      []byte
	Signature string
	Timestamp string
	ClientIP  string
	Scope     string // ScopeAPI when empty
}

type Tenant struct {
	SiteID string
	Domain string
}

// Decision is the result of Authorize. On a rate-limited denial the
// decision is returned alongside the error so callers can emit limit headers.
type Decision struct {
	Allow  bool
	Tenant Tenant
	Limit  ratelimit.Info
}

type ServiceInterface interface {
	Authorize(ctx context.Context, req Request) (*Decision, error)
}

var _ ServiceInterface = (*Service)(nil)

type Service struct {
	repo     *repository.Repository
	limiter  *ratelimit.Limiter
	detector *abuse.Detector
	cfg      models.SecurityConfig
	windows  map[string][]ratelimit.Window

	Observe func(ctx context.Context, outcome string)
	Now     func() time.Time
}

func NewService(repo *repository.Repository, limiter *ratelimit.Limiter, detector *abuse.Detector, security models.SecurityConfig, limits models.LimitsConfig) *Service {
	return &Service{
		repo:     repo,
		limiter:  limiter,
		detector: detector,
		cfg:      security,
		windows: map[string][]ratelimit.Window{
			ScopeAPI:     ratelimit.WindowsFrom(limits.API),
			ScopeUpdates: ratelimit.WindowsFrom(limits.Updates),
		},
		Now: time.Now,
	}
}

// Authorize authenticates req and applies abuse rules and quotas.
func (s *Service) Authorize(ctx context.Context, req Request) (*Decision, error) {
	d, err := s.authorize(ctx, req)
	if s.Observe != nil {
		s.Observe(ctx, outcomeOf(err))
	}
	return d, err
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeAllowed
	case errors.Is(err, fault.ErrRateLimited):
		return OutcomeRateLimited
	case errors.Is(err, fault.ErrBlocked):
		return OutcomeBlocked
	}
	return OutcomeDenied
}

func (s *Service) authorize(ctx context.Context, req Request) (*Decision, error) {
	scope := req.Scope
	if scope == "" {
		scope = ScopeAPI
	}
	windows, ok := s.windows[scope]
	if !ok {
		return nil, fault.Internal("unknown limit scope "+scope, nil)
	}

	// Resolve the key to its credential
	cred, err := s.credential(ctx, req)
	if err != nil {
		return nil, err
	}
	switch cred.Status {
	case models.SiteStatusActive:
	case models.SiteStatusSuspended:
		return nil, fault.Suspended()
	default:
		return nil, fault.Disabled()
	}

	// Persisted blocks and live abuse patterns deny before counting
	verdict, err := s.detector.Evaluate(ctx, abuse.Subject{ClientIP: req.ClientIP, Domain: cred.Domain, SiteID: cred.SiteID})
	if err != nil {
		return nil, fault.Store("evaluate abuse rules", err)
	}
	if verdict.Critical() {
		return nil, fault.Blocked()
	}

	// Count the request, then enforce the scope's windows
	limitScope := ratelimit.ScopeSite
	if scope == ScopeUpdates {
		limitScope = ratelimit.ScopeUpdates
	}
	key := ratelimit.Key{Scope: limitScope, ID: cred.SiteID}
	info, err := s.limiter.Hit(ctx, key, windows...)
	if err != nil {
		return nil, fault.Store("count request", err)
	}
	decision := &Decision{Tenant: Tenant{SiteID: cred.SiteID, Domain: cred.Domain}, Limit: info}
	if !info.Allowed {
		if err := s.detector.RateLimited(ctx, key, req.ClientIP); err != nil {
			slog.WarnContext(ctx, "failed to record rate limited request", "site_id", cred.SiteID, "error", err)
		}
		return decision, fault.RateLimited("rate limit exceeded for "+info.Window+" window", info.RetryAfter)
	}

	// Request signature, when sent or required
	if req.Signature != "" || req.Timestamp != "" || s.cfg.RequireSignature {
		if err := checkSignature(cred.WebhookSecret, req.Signature, req.Timestamp, req.Body, s.Now(), s.cfg.SignatureTolerance); err != nil {
			s.authFailure(ctx, cred.SiteID, models.EventCategorySignatureMismatch, err.Error(), req.ClientIP)
			return nil, err
		}
	}

	if err := s.repo.RecordActivity(ctx, cred.Domain, cred.SiteID); err != nil {
		slog.WarnContext(ctx, "failed to record site activity", "site_id", cred.SiteID, "error", err)
	}
	decision.Allow = true
	return decision, nil
}

func (s *Service) credential(ctx context.Context, req Request) (*models.SiteCredential, error) {
	if req.APIKey == "" {
		return nil, fault.UnknownCredential()
	}
	hash := models.HashAPIKey(s.cfg.APIKeySalt, req.APIKey)
	idx, err := s.repo.APIKeyIndex(ctx, hash)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fault.UnknownCredential()
	}
	if err != nil {
		return nil, fault.Store("look up api key", err)
	}

	cred, err := s.repo.Credential(ctx, idx.Domain, idx.SiteID)
	if errors.Is(err, repository.ErrNotFound) {
		s.authFailure(ctx, idx.SiteID, models.EventCategoryAuthFailure, "api key index has no credential", req.ClientIP)
		return nil, fault.UnknownCredential()
	}
	if err != nil {
		return nil, fault.Store("read credential", err)
	}
	if subtle.ConstantTimeCompare([]byte(cred.APIKeyHash), []byte(hash)) != 1 {
		s.authFailure(ctx, idx.SiteID, models.EventCategoryAuthFailure, "rotated api key presented", req.ClientIP)
		return nil, fault.UnknownCredential()
	}
	return cred, nil
}

// authFailure counts a failure toward the credential abuse rule and records
// it. Neither write changes the outcome of the request.
func (s *Service) authFailure(ctx context.Context, siteID, category, detail, clientIP string) {
	key := ratelimit.Key{Scope: ratelimit.ScopeAuthFailure, ID: siteID}
	if _, err := s.limiter.Hit(ctx, key, ratelimit.Window{Name: "hour", Length: time.Hour}); err != nil {
		slog.WarnContext(ctx, "failed to count auth failure", "site_id", siteID, "error", err)
	}
	if err := s.detector.Record(ctx, &models.SecurityEvent{
		Category:   category,
		Identifier: siteID,
		Severity:   models.SeverityMedium,
		Detail:     detail,
		ClientIP:   clientIP,
	}); err != nil {
		slog.WarnContext(ctx, "failed to record auth failure", "site_id", siteID, "error", err)
	}
}
