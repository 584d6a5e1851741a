// Package registration starts the onboarding of a WordPress site: it issues
// a temporary key and the ownership proof the site must publish before the
// key can be exchanged for credentials.
package registration

import (
	"context"
	"errors"
	"log/slog"
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
	OutcomeCreated     = "created"
	OutcomeExisting    = "existing"
	OutcomeRateLimited = "rate_limited"
	OutcomeBlocked     = "blocked"
	OutcomeRejected    = "rejected"
)

// Validator scores a site. *sitecheck.Checker implements it.
type Validator interface {
	Validate(ctx context.Context, domain, level string) (*models.ValidationResult, error)
}

// ServiceInterface is what the HTTP layer needs from registration.
type ServiceInterface interface {
	Register(ctx context.Context, req *models.RegisterRequest, clientIP string) (*models.RegisterResponse, error)
}

var _ ServiceInterface = (*Service)(nil)

type Service struct {
	repo     *repository.Repository
	limiter  *ratelimit.Limiter
	detector *abuse.Detector
	prover   *verify.Prover
	methods  []string
	cfg      models.RegistrationConfig
	windows  []ratelimit.Window

	// Validator runs when cfg.ValidationLevel is not none.
	Validator Validator
	Observe   func(ctx context.Context, outcome string)
	Now       func() time.Time
}

func NewService(
	repo *repository.Repository,
	limiter *ratelimit.Limiter,
	detector *abuse.Detector,
	prover *verify.Prover,
	methods *verify.Registry,
	cfg models.RegistrationConfig,
	limits models.WindowLimits,
) *Service {
	return &Service{
		repo:     repo,
		limiter:  limiter,
		detector: detector,
		prover:   prover,
		methods:  methods.Names(),
		cfg:      cfg,
		windows:  ratelimit.WindowsFrom(limits),
		Now:      time.Now,
	}
}

// Register issues, or re-issues, the pending challenge for a domain.
func (s *Service) Register(ctx context.Context, req *models.RegisterRequest, clientIP string) (*models.RegisterResponse, error) {
	resp, outcome, err := s.register(ctx, req, clientIP)
	if s.Observe != nil {
		s.Observe(ctx, outcome)
	}
	return resp, err
}

func (s *Service) register(ctx context.Context, req *models.RegisterRequest, clientIP string) (*models.RegisterResponse, string, error) {
	// Normalize and filter the domain
	req.Normalize()
	domain, err := models.NormalizeDomain(req.Domain)
	if err != nil {
		return nil, OutcomeRejected, fault.InvalidDomain(err.Error())
	}
	if models.DomainBlocked(domain, s.cfg.BlockedDomains, s.cfg.BlockedSuffixes) {
		return nil, OutcomeRejected, fault.InvalidDomain("domain is not accepted")
	}
	req.Domain = domain
	if err := req.Validate(); err != nil {
		return nil, OutcomeRejected, fault.InvalidRequest(err.Error(), err)
	}

	// Count the attempt, then enforce the per-IP quota
	key := ratelimit.Key{Scope: ratelimit.ScopeRegistration, ID: clientIP}
	info, err := s.limiter.Hit(ctx, key, s.windows...)
	if err != nil {
		return nil, OutcomeRejected, fault.Store("count registration attempt", err)
	}
	if !info.Allowed {
		if err := s.detector.RateLimited(ctx, key, clientIP); err != nil {
			slog.WarnContext(ctx, "failed to record rate limited registration", "client_ip", clientIP, "error", err)
		}
		return nil, OutcomeRateLimited, fault.RateLimited("too many registration attempts", info.RetryAfter)
	}

	// Abuse rules: spam from this IP or a persisted block on either identifier
	verdict, err := s.detector.Evaluate(ctx, abuse.Subject{ClientIP: clientIP, Domain: domain})
	if err != nil {
		return nil, OutcomeRejected, fault.Store("evaluate abuse rules", err)
	}
	if verdict.Flagged {
		slog.WarnContext(ctx, "registration blocked",
			"event", "security_audit",
			"domain", domain,
			"client_ip", clientIP,
			"rule", verdict.Rule,
		)
		return nil, OutcomeBlocked, fault.Blocked()
	}

	// Optional site validation
	if s.cfg.ValidationLevel != models.ValidationLevelNone && s.Validator != nil {
		res, err := s.Validator.Validate(ctx, domain, s.cfg.ValidationLevel)
		if err != nil {
			return nil, OutcomeRejected, fault.Store("validate site", err)
		}
		if !res.Passes {
			return nil, OutcomeRejected, fault.InvalidDomain("site failed validation")
		}
	}

	// A live pending registration is returned unchanged
	existing, err := s.repo.PendingRegistration(ctx, domain)
	switch {
	case err == nil:
		return s.response(existing), OutcomeExisting, nil
	case !errors.Is(err, repository.ErrNotFound):
		return nil, OutcomeRejected, fault.Store("read pending registration", err)
	}

	reg, created, err := s.create(ctx, req, clientIP)
	if err != nil {
		return nil, OutcomeRejected, err
	}
	if !created {
		return s.response(reg), OutcomeExisting, nil
	}

	slog.InfoContext(ctx, "registration created",
		"domain", domain,
		"registration_id", reg.ID,
		"client_ip", clientIP,
		"expires_at", reg.ExpiresAt,
	)
	return s.response(reg), OutcomeCreated, nil
}

// create claims the domain's pending marker and writes the registration.
// A caller that loses the marker race gets the winner's registration.
func (s *Service) create(ctx context.Context, req *models.RegisterRequest, clientIP string) (*models.Registration, bool, error) {
	tempKey, err := models.GenerateTempKey()
	if err != nil {
		return nil, false, fault.Internal("generate temp key", err)
	}
	now := s.Now()
	reg := &models.Registration{
		ID:            models.NewID(),
		Domain:        req.Domain,
		TempKey:       tempKey,
		Status:        models.RegistrationStatusPending,
		WPVersion:     req.WPVersion,
		PluginVersion: req.PluginVersion,
		AdminEmail:    req.AdminEmail,
		AgencyID:      req.AgencyID,
		ClientIP:      clientIP,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.cfg.TempKeyTTL),
	}

	// A marker can outlive its registration when an exchange could not
	// release it. Such a stale marker is expired once and the claim retried.
	for released := false; ; released = true {
		err = s.repo.ClaimPending(ctx, reg.Domain, reg.ID, reg.ExpiresAt)
		if err == nil {
			break
		}
		if !errors.Is(err, repository.ErrConditionFailed) {
			return nil, false, fault.Store("claim pending registration", err)
		}
		winner, err := s.winner(ctx, reg.Domain)
		if err != nil {
			return nil, false, err
		}
		if winner.IsPending(s.Now()) {
			return winner, false, nil
		}
		if released {
			return nil, false, fault.Conflict("registration in progress, retry")
		}
		slog.WarnContext(ctx, "releasing stale pending marker",
			"domain", reg.Domain,
			"registration_id", winner.ID,
			"status", winner.Status,
		)
		err = s.repo.ReleaseStalePending(ctx, reg.Domain, winner.ID)
		if err != nil && !errors.Is(err, repository.ErrConditionFailed) {
			return nil, false, fault.Store("release stale pending marker", err)
		}
	}

	if err := s.repo.CreateRegistration(ctx, reg); err != nil {
		if rerr := s.repo.ReleasePending(ctx, reg.Domain); rerr != nil {
			slog.WarnContext(ctx, "failed to release pending marker", "domain", reg.Domain, "error", rerr)
		}
		return nil, false, fault.Store("create registration", err)
	}
	return reg, true, nil
}

func (s *Service) winner(ctx context.Context, domain string) (*models.Registration, error) {
	id, err := s.repo.PendingMarker(ctx, domain)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fault.Conflict("registration in progress, retry")
		}
		return nil, fault.Store("read pending marker", err)
	}
	reg, err := s.repo.Registration(ctx, domain, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fault.Conflict("registration in progress, retry")
		}
		return nil, fault.Store("read registration", err)
	}
	return reg, nil
}

func (s *Service) response(reg *models.Registration) *models.RegisterResponse {
	proof := s.prover.Proof(reg.Domain, reg.TempKey)
	return &models.RegisterResponse{
		RegistrationID: reg.ID,
		TempKey:        reg.TempKey,
		ExpiresAt:      reg.ExpiresAt,
		ExpiresIn:      max(int64(reg.ExpiresAt.Sub(s.Now())/time.Second), 0),
		VerificationInstructions: models.VerificationInstructions{
			Token:   proof,
			File:    models.FileInstructions{Path: verify.FilePath, Content: verify.FileContent(reg.Domain, proof)},
			MetaTag: models.MetaTagInstructions{Tag: verify.MetaTag(proof)},
			Methods: s.methods,
		},
		NextStep: "Publish the proof using one of the methods, then call /exchange with the temp_key",
	}
}
