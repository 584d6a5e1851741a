// Package server assembles the gateway from configuration: store, counters,
// services and routes. cmd/formbridge runs it; tests build it against the
// memory store.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"formbridge/internal/abuse"
	"formbridge/internal/api"
	"formbridge/internal/auth"
	"formbridge/internal/exchange"
	"formbridge/internal/models"
	"formbridge/internal/observability"
	"formbridge/internal/ratelimit"
	"formbridge/internal/registration"
	"formbridge/internal/repository"
	"formbridge/internal/sitecheck"
	"formbridge/internal/storage"
	"formbridge/internal/update"
	"formbridge/internal/verify"
	"formbridge/internal/version"
)

// Options override process defaults. The zero value is production.
type Options struct {
	// Now replaces time.Now in every service.
	Now func() time.Time
	// HTTPClient is the transport for outbound site fetches.
	HTTPClient *http.Client
	// Resolver replaces net.DefaultResolver in site validation.
	Resolver sitecheck.Resolver
	// Store replaces the configured backend. It is still wrapped.
	Store storage.Storage
	// Source replaces the configured release source.
	Source update.ReleaseSource
}

// Gateway is an assembled instance.
type Gateway struct {
	Router *mux.Router
	Store  storage.Storage
	Repo   *repository.Repository

	edge   *ratelimit.EdgeLimiter
	redis  *redis.Client
	closes []func() error
}

// New wires every component described by cfg.
func New(ctx context.Context, cfg *models.Config, ver version.Info, opts Options) (*Gateway, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	g := &Gateway{}

	store := opts.Store
	if store == nil {
		var err error
		store, err = storage.NewFactory(now).Create(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("initialize storage: %w", err)
		}
	} else {
		store = storage.NewRetrying(store, cfg.Storage.Retry)
	}
	if cfg.Metrics.Enabled {
		instrumented, err := observability.NewInstrumentedStorage(store)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("instrument storage: %w", err)
		}
		store = instrumented
	}
	g.Store = store
	g.closes = append(g.closes, store.Close)
	g.Repo = repository.New(store, now)

	metrics, err := observability.NewMetrics(otel.GetMeterProvider().Meter("formbridge"))
	if err != nil {
		g.Close()
		return nil, err
	}

	counter, err := g.counter(cfg.Counters)
	if err != nil {
		g.Close()
		return nil, err
	}
	limiter := ratelimit.NewLimiter(counter, cfg.Limits.BucketWidth)
	limiter.Now = now

	detector := abuse.NewDetector(g.Repo, limiter, cfg.Abuse)
	detector.Now = now
	detector.Observe = metrics.SecurityEvent

	prover, err := verify.NewProver(cfg.Security.SigningSecret)
	if err != nil {
		g.Close()
		return nil, err
	}
	fetcher := g.fetcher(cfg.Verification, opts.HTTPClient)
	fileMethod := verify.NewFileMethod(fetcher, prover, cfg.Verification.FileMaxAge)
	fileMethod.Now = now
	methods := verify.NewRegistry(fileMethod, verify.NewMetaTagMethod(fetcher, prover))

	reg := registration.NewService(g.Repo, limiter, detector, prover, methods, cfg.Registration, cfg.Limits.Registration)
	reg.Now = now
	reg.Observe = metrics.Registration
	if cfg.Registration.ValidationLevel != models.ValidationLevelNone {
		resolver := opts.Resolver
		if resolver == nil {
			resolver = net.DefaultResolver
		}
		// Site scoring gets its own fetch budget so it never starves verification.
		checker := sitecheck.NewChecker(g.Repo, g.fetcher(cfg.Verification, opts.HTTPClient), resolver, cfg.Registration.ValidationCacheTTL)
		checker.Now = now
		reg.Validator = checker
	}

	exch := exchange.NewService(g.Repo, limiter, detector, methods, prover, cfg.Security.APIKeySalt, cfg.Exchange, cfg.Server.PublicBaseURL)
	exch.Now = now
	exch.Observe = metrics.Exchange

	authorizer := auth.NewService(g.Repo, limiter, detector, cfg.Security, cfg.Limits)
	authorizer.Now = now
	authorizer.Observe = metrics.Authorization

	source := opts.Source
	if source == nil {
		if source, err = releaseSource(ctx, cfg.Updates); err != nil {
			g.Close()
			return nil, err
		}
	}
	tokens, err := update.NewTokenSigner(cfg.Security.SigningSecret, cfg.Updates.TokenTTL)
	if err != nil {
		g.Close()
		return nil, err
	}
	tokens.Now = now
	updates := update.NewService(g.Repo, source, tokens, cfg.Updates)
	updates.Now = now
	updates.Observe = metrics.UpdateCheck

	health := map[string]api.HealthCheck{"storage": g.Repo.Ping}
	if g.redis != nil {
		health["counters"] = func(ctx context.Context) error { return g.redis.Ping(ctx).Err() }
	}

	handlers := api.NewHandlers(api.Services{
		Registration: reg,
		Exchange:     exch,
		Authorizer:   authorizer,
		Updates:      updates,
		Sites:        g.Repo,
		Events:       detector,
		Health:       health,
	}, cfg.Server, ver)

	var routeOpts []api.RouteOption
	if cfg.Observability.Tracing.Enabled {
		routeOpts = append(routeOpts, api.WithOTelMiddleware(cfg.Observability.ServiceName))
	}
	if cfg.Security.EdgeRateLimit.Enabled {
		g.edge = ratelimit.NewEdgeLimiter(cfg.Security.EdgeRateLimit)
		routeOpts = append(routeOpts, api.WithEdgeLimiter(g.edge, cfg.Server.TrustProxyHeaders))
	}
	g.Router = api.SetupRoutes(handlers, cfg, routeOpts...)

	slog.Info("gateway assembled",
		"storage", cfg.Storage.Type,
		"counters", cfg.Counters.Backend,
		"release_source", cfg.Updates.Source,
		"validation_level", cfg.Registration.ValidationLevel,
		"verification_methods", methods.Names(),
	)
	return g, nil
}

func (g *Gateway) counter(cfg models.CounterConfig) (ratelimit.Counter, error) {
	switch cfg.Backend {
	case "", models.CounterBackendStore:
		return ratelimit.NewStoreCounter(g.Repo), nil
	case models.CounterBackendRedis:
		g.redis = ratelimit.NewRedisClient(cfg.Redis)
		g.closes = append(g.closes, g.redis.Close)
		return ratelimit.NewRedisCounter(g.redis), nil
	default:
		return nil, fmt.Errorf("unsupported counter backend: %s", cfg.Backend)
	}
}

func (g *Gateway) fetcher(cfg models.VerificationConfig, client *http.Client) *verify.Fetcher {
	if client == nil {
		return verify.NewFetcher(cfg)
	}
	return verify.NewFetcherWithClient(cfg, client)
}

func releaseSource(ctx context.Context, cfg models.UpdatesConfig) (update.ReleaseSource, error) {
	switch cfg.Source {
	case "", models.ReleaseSourceStatic:
		return update.NewStaticSource(cfg.Releases), nil
	case models.ReleaseSourceS3:
		src, err := update.NewS3Source(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("initialize release source: %w", err)
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unsupported release source: %s", cfg.Source)
	}
}

// Maintain purges expired rows every interval until ctx is done. Backends
// with native TTL eviction make this a no-op.
func (g *Gateway) Maintain(ctx context.Context, interval time.Duration) {
	p, ok := g.Store.(storage.Purger)
	if !ok || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Purge(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("purge of expired rows failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("purged expired rows", "rows", n)
			}
		}
	}
}

// Close releases the edge limiter, counters and store.
func (g *Gateway) Close() error {
	if g.edge != nil {
		g.edge.Close()
	}
	var errs []error
	for i := len(g.closes) - 1; i >= 0; i-- {
		if err := g.closes[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
