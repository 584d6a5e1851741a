// Package exchange trades a verified temporary key for durable site
// credentials.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"formbridge/internal/abuse"
	"formbridge/internal/fault"
	"formbridge/internal/models"
	"formbridge/internal/ratelimit"
	"formbridge/internal/repository"
	"formbridge/internal/verify"
)

// Outcomes reported to Observe.
const (
	OutcomeIssued             = "issued"
	OutcomeUnknownKey         = "unknown_key"
	OutcomeAlreadyExchanged   = "already_exchanged"
	OutcomeCooldown           = "cooldown"
	OutcomeVerificationFailed = "verification_failed"
	OutcomeError              = "error"
)

type ServiceInterface interface {
	Exchange(ctx context.Context, req *models.ExchangeRequest, clientIP string) (*models.ExchangeResponse, error)
}

var _ ServiceInterface = (*Service)(nil)

type Service struct {
	repo     *repository.Repository
	limiter  *ratelimit.Limiter
	detector *abuse.Detector
	methods  *verify.Registry
	prover   *verify.Prover
	salt     string
	cfg      models.ExchangeConfig
	baseURL  string

	Observe func(ctx context.Context, outcome string)
	Now     func() time.Time
}

func NewService(
	repo *repository.Repository,
	limiter *ratelimit.Limiter,
	detector *abuse.Detector,
	methods *verify.Registry,
	prover *verify.Prover,
	apiKeySalt string,
	cfg models.ExchangeConfig,
	publicBaseURL string,
) *Service {
	return &Service{
		repo:     repo,
		limiter:  limiter,
		detector: detector,
		methods:  methods,
		prover:   prover,
		salt:     apiKeySalt,
		cfg:      cfg,
		baseURL:  strings.TrimSuffix(publicBaseURL, "/"),
		Now:      time.Now,
	}
}

// Exchange verifies ownership of the registration's domain and issues
// credentials. The key and secret in the response are never shown again.
func (s *Service) Exchange(ctx context.Context, req *models.ExchangeRequest, clientIP string) (*models.ExchangeResponse, error) {
	resp, err := s.exchange(ctx, req, clientIP)
	if s.Observe != nil {
		s.Observe(ctx, outcomeOf(err))
	}
	return resp, err
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeIssued
	case errors.Is(err, fault.ErrUnknownOrExpiredKey):
		return OutcomeUnknownKey
	case errors.Is(err, fault.ErrAlreadyExchanged):
		return OutcomeAlreadyExchanged
	case errors.Is(err, fault.ErrRateLimited):
		return OutcomeCooldown
	case errors.Is(err, fault.ErrVerificationFailed):
		return OutcomeVerificationFailed
	}
	return OutcomeError
}

func (s *Service) cooldownWindow() ratelimit.Window {
	return ratelimit.Window{Name: "cooldown", Length: s.cfg.Cooldown, Max: s.cfg.MaxFailures - 1}
}

func (s *Service) exchange(ctx context.Context, req *models.ExchangeRequest, clientIP string) (*models.ExchangeResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, fault.InvalidRequest(err.Error(), err)
	}
	req.TempKey = strings.TrimSpace(req.TempKey)
	req.ChallengeResponse = strings.TrimSpace(req.ChallengeResponse)

	// Resolve the registration behind the temp key
	reg, err := s.repo.RegistrationByTempKey(ctx, req.TempKey)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fault.UnknownOrExpiredKey()
	}
	if err != nil {
		return nil, fault.Store("look up temp key", err)
	}
	if reg.IsExpired(s.Now()) {
		return nil, fault.UnknownOrExpiredKey()
	}
	if reg.Status == models.RegistrationStatusVerified {
		return nil, fault.AlreadyExchanged()
	}

	// Cooldown applies whether or not this attempt would succeed
	failures := ratelimit.Key{Scope: ratelimit.ScopeVerificationFailed, ID: reg.Domain}
	info, err := s.limiter.Check(ctx, failures, s.cooldownWindow())
	if err != nil {
		return nil, fault.Store("check verification cooldown", err)
	}
	if !info.Allowed {
		return nil, fault.RateLimited("verification cooldown", info.RetryAfter)
	}

	method, ok := s.methods.Lookup(req.VerificationMethod)
	if !ok {
		return nil, fault.InvalidRequest(fmt.Sprintf("unknown verification method %q", req.VerificationMethod), nil)
	}

	// Verify ownership
	if req.ChallengeResponse != "" && !s.prover.Matches(reg.Domain, reg.TempKey, req.ChallengeResponse) {
		return nil, s.failed(ctx, reg, method.Name(), clientIP, "challenge response does not match", nil)
	}
	verified, err := method.Verify(ctx, reg.Domain, reg.TempKey)
	if errors.Is(err, verify.ErrThrottled) {
		return nil, fault.RateLimited("verification fetch budget exhausted for domain", time.Minute)
	}
	if err != nil {
		return nil, s.failed(ctx, reg, method.Name(), clientIP, "could not fetch the proof", err)
	}
	if !verified {
		return nil, s.failed(ctx, reg, method.Name(), clientIP, "proof not found", nil)
	}

	// Reuse the domain's site id when it already has credentials
	existing, version, err := s.repo.CredentialByDomain(ctx, reg.Domain)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		existing, version = nil, 0
	case err != nil:
		return nil, fault.Store("read existing credential", err)
	}
	siteID := models.NewID()
	if existing != nil {
		siteID = existing.SiteID
	}

	agencyID := reg.AgencyID
	if agencyID == "" && existing != nil {
		agencyID = existing.AgencyID
	}
	if err := s.checkAgency(ctx, agencyID, siteID); err != nil {
		return nil, err
	}

	// Single winner under concurrent exchanges of the same key
	if err := s.repo.MarkVerified(ctx, reg, siteID); err != nil {
		if errors.Is(err, repository.ErrConditionFailed) {
			return nil, fault.AlreadyExchanged()
		}
		return nil, fault.Store("mark registration verified", err)
	}

	resp, err := s.issue(ctx, reg, existing, version)
	if err != nil {
		// Leave the temp key usable; the marker still points at reg.
		if rerr := s.repo.RevertVerified(ctx, reg); rerr != nil {
			slog.ErrorContext(ctx, "failed to revert registration after issuance error",
				"domain", reg.Domain, "registration_id", reg.ID, "error", rerr)
		}
		return nil, err
	}
	if err := s.repo.ReleasePending(ctx, reg.Domain); err != nil {
		slog.WarnContext(ctx, "failed to release pending marker", "domain", reg.Domain, "error", err)
	}

	slog.InfoContext(ctx, "credentials issued",
		"event", "security_audit",
		"domain", reg.Domain,
		"site_id", resp.SiteID,
		"method", method.Name(),
		"reissued", existing != nil,
	)
	return resp, nil
}

// issue mints and stores credentials for a verified registration.
func (s *Service) issue(ctx context.Context, reg *models.Registration, existing *models.SiteCredential, version int64) (*models.ExchangeResponse, error) {
	apiKey, err := models.GenerateAPIKey()
	if err != nil {
		return nil, fault.Internal("generate api key", err)
	}
	secret, err := models.GenerateWebhookSecret()
	if err != nil {
		return nil, fault.Internal("generate webhook secret", err)
	}

	now := s.Now()
	cred := &models.SiteCredential{
		SiteID:    reg.SiteID,
		Domain:    reg.Domain,
		Status:    models.SiteStatusActive,
		AgencyID:  reg.AgencyID,
		CreatedAt: now,
	}
	if existing != nil {
		// Re-verification rotates secrets but never lifts an operator's
		// suspension.
		cred.Status = existing.Status
		cred.CreatedAt = existing.CreatedAt
		if cred.AgencyID == "" {
			cred.AgencyID = existing.AgencyID
		}
	}
	cred.APIKeyHash = models.HashAPIKey(s.salt, apiKey)
	cred.WebhookSecret = secret
	cred.UpdatedAt = now

	if cred.AgencyID != "" {
		if _, err := s.repo.AddAgencySite(ctx, cred.AgencyID, cred.SiteID); err != nil {
			if errors.Is(err, models.ErrAgencyFull) {
				return nil, fault.Conflict("agency has reached its site limit")
			}
			if errors.Is(err, repository.ErrContention) {
				return nil, fault.Conflict("agency group is being modified, retry")
			}
			return nil, fault.Store("add site to agency", err)
		}
	}

	if err := s.repo.SaveCredential(ctx, cred, version); err != nil {
		s.leaveAgency(ctx, cred, existing)
		if errors.Is(err, repository.ErrConditionFailed) {
			return nil, fault.Conflict("credential changed concurrently")
		}
		return nil, fault.Store("save credential", err)
	}
	idx := &models.APIKeyIndex{APIKeyHash: cred.APIKeyHash, SiteID: cred.SiteID, Domain: cred.Domain}
	if err := s.repo.PutAPIKeyIndex(ctx, idx); err != nil {
		// The stored hash has no index row, so the credential is unusable
		// until the temp key is exchanged again.
		return nil, fault.Store("index api key", err)
	}

	return &models.ExchangeResponse{
		SiteID:        cred.SiteID,
		Domain:        cred.Domain,
		APIKey:        apiKey,
		WebhookSecret: secret,
		Endpoints:     s.endpoints(),
		IssuedAt:      now,
	}, nil
}

// checkAgency fails with Conflict when the agency group cannot take siteID.
// AddAgencySite re-checks under a version guard; this only keeps a full
// group from consuming the temp key.
func (s *Service) checkAgency(ctx context.Context, agencyID, siteID string) error {
	if agencyID == "" {
		return nil
	}
	g, _, err := s.repo.Agency(ctx, agencyID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil
	case err != nil:
		return fault.Store("read agency group", err)
	case !g.HasRoomFor(siteID):
		return fault.Conflict("agency has reached its site limit")
	}
	return nil
}

// leaveAgency undoes a membership this exchange added when the credential
// could not be stored.
func (s *Service) leaveAgency(ctx context.Context, cred *models.SiteCredential, existing *models.SiteCredential) {
	if cred.AgencyID == "" || (existing != nil && existing.AgencyID == cred.AgencyID) {
		return
	}
	if err := s.repo.RemoveAgencySite(ctx, cred.AgencyID, cred.SiteID); err != nil {
		slog.WarnContext(ctx, "failed to remove site from agency", "agency_id", cred.AgencyID, "site_id", cred.SiteID, "error", err)
	}
}

func (s *Service) endpoints() map[string]string {
	return map[string]string{
		"authorize":    s.baseURL + "/authorize",
		"update_check": s.baseURL + "/updates/check",
	}
}

// failed records a failed verification and counts it toward the domain's
// cooldown.
func (s *Service) failed(ctx context.Context, reg *models.Registration, method, clientIP, reason string, cause error) error {
	detail := method + ": " + reason
	if cause != nil {
		detail += ": " + cause.Error()
	}
	if err := s.detector.Record(ctx, &models.SecurityEvent{
		Category:   models.EventCategoryVerificationFailed,
		Identifier: reg.Domain,
		Severity:   models.SeverityMedium,
		Rule:       method,
		Detail:     detail,
		ClientIP:   clientIP,
	}); err != nil {
		slog.WarnContext(ctx, "failed to record verification failure", "domain", reg.Domain, "error", err)
	}
	key := ratelimit.Key{Scope: ratelimit.ScopeVerificationFailed, ID: reg.Domain}
	if _, err := s.limiter.Hit(ctx, key, s.cooldownWindow()); err != nil {
		slog.WarnContext(ctx, "failed to count verification failure", "domain", reg.Domain, "error", err)
	}
	return fault.VerificationFailed(reason, cause)
}
