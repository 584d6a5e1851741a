// Package update answers plugin update checks from the configured release
// source, caching the latest release in the store and issuing short-lived
// download tokens for compatible updates.
package update

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"formbridge/internal/fault"
	"formbridge/internal/models"
	"formbridge/internal/repository"
	"formbridge/internal/storage"
)

// Check outcomes reported to Observe.
const (
	OutcomeAvailable    = "update_available"
	OutcomeIncompatible = "incompatible"
	OutcomeUpToDate     = "up_to_date"
)

// Service handles update checks for authenticated sites
type Service struct {
	repo   *repository.Repository
	source ReleaseSource
	tokens *TokenSigner
	cfg    models.UpdatesConfig

	Observe func(ctx context.Context, outcome string)
	Now     func() time.Time
}

// NewService creates an update service over source
func NewService(repo *repository.Repository, source ReleaseSource, tokens *TokenSigner, cfg models.UpdatesConfig) *Service {
	return &Service{repo: repo, source: source, tokens: tokens, cfg: cfg, Now: time.Now}
}

// Check determines if there's an update for the site's installed version
func (s *Service) Check(ctx context.Context, siteID string, req *models.UpdateCheckRequest) (*models.UpdateCheckResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, fault.InvalidRequest("invalid update check", err)
	}
	if req.SiteID != "" && req.SiteID != siteID {
		return nil, fault.Forbidden("site_id does not match the credential")
	}

	latest, err := s.latest(ctx)
	if err != nil {
		return nil, err
	}
	rel := *latest
	rel.ApplyDefaults()

	newer, err := rel.IsNewerThan(req.CurrentVersion)
	if err != nil {
		return nil, fault.Internal("compare versions", err)
	}

	now := s.Now()
	resp := &models.UpdateCheckResponse{
		UpdateAvailable: newer,
		CurrentVersion:  req.CurrentVersion,
		LatestVersion:   rel.Version,
		CheckedAt:       now,
	}
	outcome := OutcomeUpToDate

	if newer {
		compatible, warning := rel.CheckCompatibility(req.WPVersion, req.PHPVersion)
		resp.Compatible = &compatible
		resp.Warning = warning
		resp.ReleaseNotes = rel.ReleaseNotes
		resp.ChangelogURL = rel.ChangelogURL
		resp.RequiresWP = rel.RequiresWP
		resp.RequiresPHP = rel.RequiresPHP
		resp.TestedUpTo = rel.TestedUpTo
		if !rel.ReleaseDate.IsZero() {
			date := rel.ReleaseDate
			resp.ReleaseDate = &date
		}

		outcome = OutcomeIncompatible
		if compatible {
			download, err := s.download(ctx, siteID, &rel)
			if err != nil {
				return nil, err
			}
			resp.Download = download
			outcome = OutcomeAvailable
		}
	}

	// The log is telemetry; a failed write never fails the check
	entry := &models.UpdateCheckLog{
		SiteID:          siteID,
		CurrentVersion:  req.CurrentVersion,
		LatestVersion:   rel.Version,
		UpdateAvailable: newer,
		WPVersion:       req.WPVersion,
		PHPVersion:      req.PHPVersion,
		CheckedAt:       now,
	}
	if err := s.repo.LogUpdateCheck(ctx, entry, s.cfg.CheckLogTTL); err != nil {
		slog.WarnContext(ctx, "failed to log update check", "site_id", siteID, "error", err)
	}

	if s.Observe != nil {
		s.Observe(ctx, outcome)
	}
	return resp, nil
}

// latest returns the cached release while it is fresh, otherwise asks the
// source. A source failure falls back to any cached copy.
func (s *Service) latest(ctx context.Context) (*models.PluginRelease, error) {
	cached, cachedAt, err := s.repo.CachedRelease(ctx)
	switch {
	case err == nil:
		if s.Now().Sub(cachedAt) < s.cfg.CacheTTL {
			return cached, nil
		}
	case errors.Is(err, storage.ErrNotFound):
	default:
		slog.WarnContext(ctx, "failed to read release cache", "error", err)
	}

	rel, err := s.source.Latest(ctx)
	if err != nil {
		if cached != nil {
			slog.WarnContext(ctx, "release source failed, serving cached release",
				"version", cached.Version,
				"cached_at", cachedAt,
				"error", err,
			)
			return cached, nil
		}
		return nil, fault.Unavailable("release information unavailable", err)
	}

	if err := s.repo.CacheRelease(ctx, rel); err != nil {
		slog.WarnContext(ctx, "failed to cache release", "version", rel.Version, "error", err)
	}
	return rel, nil
}

func (s *Service) download(ctx context.Context, siteID string, rel *models.PluginRelease) (*models.DownloadInfo, error) {
	token, expiresAt, err := s.tokens.Sign(siteID, rel.Version)
	if err != nil {
		return nil, fault.Internal("issue download token", err)
	}
	u, err := s.source.DownloadURL(ctx, rel, token, s.cfg.TokenTTL)
	if err != nil {
		return nil, fault.Unavailable("download unavailable", err)
	}
	return &models.DownloadInfo{
		URL:         u,
		Token:       token,
		PackageHash: rel.PackageHash,
		FileSize:    rel.FileSize,
		ExpiresAt:   expiresAt,
	}, nil
}
