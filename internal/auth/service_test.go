package auth

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formbridge/internal/abuse"
	"formbridge/internal/fault"
	"formbridge/internal/models"
	"formbridge/internal/ratelimit"
	"formbridge/internal/repository"
	"formbridge/internal/storage"
)

const testSalt = "test-api-key-salt"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc      *Service
	repo     *repository.Repository
	limiter  *ratelimit.Limiter
	detector *abuse.Detector
	clock    *testClock
	outcomes []string
}

func newFixture(t *testing.T, mutate func(*models.Config)) *fixture {
	t.Helper()
	cfg := models.NewDefaultConfig()
	cfg.Security.APIKeySalt = testSalt
	if mutate != nil {
		mutate(cfg)
	}
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	repo := repository.New(storage.NewMemoryStorage(clock.Now), clock.Now)
	limiter := ratelimit.NewLimiter(ratelimit.NewStoreCounter(repo), time.Minute)
	limiter.Now = clock.Now
	detector := abuse.NewDetector(repo, limiter, cfg.Abuse)
	detector.Now = clock.Now

	f := &fixture{repo: repo, limiter: limiter, detector: detector, clock: clock}
	f.svc = NewService(repo, limiter, detector, cfg.Security, cfg.Limits)
	f.svc.Now = clock.Now
	f.svc.Observe = func(_ context.Context, outcome string) { f.outcomes = append(f.outcomes, outcome) }
	return f
}

type site struct {
	siteID string
	domain string
	apiKey string
	secret string
}

func (f *fixture) site(t *testing.T, domain string) site {
	t.Helper()
	ctx := context.Background()
	key, err := models.GenerateAPIKey()
	require.NoError(t, err)
	secret, err := models.GenerateWebhookSecret()
	require.NoError(t, err)
	cred := &models.SiteCredential{
		SiteID:        models.NewID(),
		Domain:        domain,
		APIKeyHash:    models.HashAPIKey(testSalt, key),
		WebhookSecret: secret,
		Status:        models.SiteStatusActive,
		CreatedAt:     f.clock.Now(),
		UpdatedAt:     f.clock.Now(),
	}
	require.NoError(t, f.repo.SaveCredential(ctx, cred, 0))
	require.NoError(t, f.repo.PutAPIKeyIndex(ctx, &models.APIKeyIndex{APIKeyHash: cred.APIKeyHash, SiteID: cred.SiteID, Domain: domain}))
	return site{siteID: cred.SiteID, domain: domain, apiKey: key, secret: secret}
}

func (f *fixture) failures(t *testing.T, siteID string) int64 {
	t.Helper()
	n, err := f.limiter.Sum(context.Background(), ratelimit.Key{Scope: ratelimit.ScopeAuthFailure, ID: siteID}, time.Hour)
	require.NoError(t, err)
	return n
}

func TestAuthorize_Allows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	s := f.site(t, "example.com")

	d, err := f.svc.Authorize(ctx, Request{APIKey: s.apiKey, ClientIP: "203.0.113.9"})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Equal(t, Tenant{SiteID: s.siteID, Domain: "example.com"}, d.Tenant)
	assert.Equal(t, 99, d.Limit.Remaining)
	assert.Equal(t, "minute", d.Limit.Window)

	_, err = f.svc.Authorize(ctx, Request{APIKey: s.apiKey})
	require.NoError(t, err)
	act, err := f.repo.Activity(ctx, "example.com", s.siteID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, act.RequestCount)
	assert.Equal(t, f.clock.Now(), act.LastSeen)
	assert.Equal(t, []string{OutcomeAllowed, OutcomeAllowed}, f.outcomes)
}

func TestAuthorize_UnknownCredential(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.site(t, "example.com")

	for _, key := range []string{"", "fb_nope"} {
		_, err := f.svc.Authorize(ctx, Request{APIKey: key})
		assert.ErrorIs(t, err, fault.ErrUnknownCredential)
	}
}

func TestAuthorize_RotatedKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	s := f.site(t, "example.com")

	// Rotate: the credential now holds a different hash, the old index stays.
	cred, version, err := f.repo.CredentialByDomain(ctx, "example.com")
	require.NoError(t, err)
	cred.APIKeyHash = models.HashAPIKey(testSalt, "fb_rotated")
	require.NoError(t, f.repo.SaveCredential(ctx, cred, version))

	_, err = f.svc.Authorize(ctx, Request{APIKey: s.apiKey, ClientIP: "203.0.113.9"})
	assert.ErrorIs(t, err, fault.ErrUnknownCredential)
	assert.EqualValues(t, 1, f.failures(t, s.siteID))

	events, err := f.repo.CategoryEvents(ctx, models.EventCategoryAuthFailure, s.siteID, time.Time{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestAuthorize_Status(t *testing.T) {
	tests := []struct {
		status string
		kind   error
	}{
		{models.SiteStatusSuspended, fault.ErrSuspended},
		{models.SiteStatusDisabled, fault.ErrDisabled},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, nil)
			s := f.site(t, "example.com")
			_, err := f.repo.UpdateCredentialStatus(ctx, s.siteID, tt.status)
			require.NoError(t, err)

			for i := 0; i < 3; i++ {
				d, err := f.svc.Authorize(ctx, Request{APIKey: s.apiKey, Signature: "x", Timestamp: "1"})
				assert.ErrorIs(t, err, tt.kind)
				assert.Nil(t, d)
			}
		})
	}
}

func TestAuthorize_RateLimited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *models.Config) {
		c.Limits.API = models.WindowLimits{PerMinute: 3, PerHour: 5}
	})
	s := f.site(t, "example.com")

	for i := 0; i < 3; i++ {
		_, err := f.svc.Authorize(ctx, Request{APIKey: s.apiKey})
		require.NoError(t, err)
	}
	d, err := f.svc.Authorize(ctx, Request{APIKey: s.apiKey, ClientIP: "203.0.113.9"})
	require.ErrorIs(t, err, fault.ErrRateLimited)
	require.NotNil(t, d)
	assert.False(t, d.Allow)
	assert.Equal(t, "minute", d.Limit.Window)
	assert.Equal(t, 60*time.Second, fault.As(err).RetryAfter)

	// Update checks are counted separately.
	_, err = f.svc.Authorize(ctx, Request{APIKey: s.apiKey, Scope: ScopeUpdates})
	assert.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, err = f.svc.Authorize(ctx, Request{APIKey: s.apiKey})
	require.NoError(t, err)
	d, err = f.svc.Authorize(ctx, Request{APIKey: s.apiKey})
	require.ErrorIs(t, err, fault.ErrRateLimited)
	assert.Equal(t, "hour", d.Limit.Window)
	assert.Contains(t, f.outcomes, OutcomeRateLimited)
}

func TestAuthorize_Signature(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	s := f.site(t, "example.com")
	body := []byte(`{"form_id":7,"fields":{"email":"a@example.org"}}`)
	now := f.clock.Now()
	ts := func(d time.Duration) string { return strconv.FormatInt(now.Add(d).Unix(), 10) }

	tests := []struct {
		name      string
		signature string
		timestamp string
		body      []byte
		ok        bool
	}{
		{"valid", Sign(s.secret, ts(0), body), ts(0), body, true},
		{"valid with prefix", "sha256=" + Sign(s.secret, ts(0), body), ts(0), body, true},
		{"upper case hex", "sha256=" + upper(Sign(s.secret, ts(0), body)), ts(0), body, true},
		{"late inside tolerance", Sign(s.secret, ts(-299*time.Second), body), ts(-299 * time.Second), body, true},
		{"early inside tolerance", Sign(s.secret, ts(299*time.Second), body), ts(299 * time.Second), body, true},
		{"too old", Sign(s.secret, ts(-301*time.Second), body), ts(-301 * time.Second), body, false},
		{"too far ahead", Sign(s.secret, ts(301*time.Second), body), ts(301 * time.Second), body, false},
		{"tampered body", Sign(s.secret, ts(0), body), ts(0), []byte(`{"form_id":8}`), false},
		{"wrong secret", Sign("whsec_other", ts(0), body), ts(0), body, false},
		{"signature only", Sign(s.secret, ts(0), body), "", body, false},
		{"timestamp only", "", ts(0), body, false},
		{"malformed timestamp", Sign(s.secret, "soon", body), "soon", body, false},
		{"far future", Sign(s.secret, "99999999999", body), "99999999999", body, false},
		{"max int64", Sign(s.secret, "9223372036854775807", body), "9223372036854775807", body, false},
		{"min int64", Sign(s.secret, "-9223372036854775808", body), "-9223372036854775808", body, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := f.failures(t, s.siteID)
			d, err := f.svc.Authorize(ctx, Request{APIKey: s.apiKey, Body: tt.body, Signature: tt.signature, Timestamp: tt.timestamp})
			if tt.ok {
				require.NoError(t, err)
				assert.True(t, d.Allow)
				assert.Equal(t, before, f.failures(t, s.siteID))
				return
			}
			assert.ErrorIs(t, err, fault.ErrSignatureMismatch)
			assert.Equal(t, before+1, f.failures(t, s.siteID))
		})
	}
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'f' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

func TestAuthorize_RequireSignature(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *models.Config) { c.Security.RequireSignature = true })
	s := f.site(t, "example.com")

	_, err := f.svc.Authorize(ctx, Request{APIKey: s.apiKey})
	assert.ErrorIs(t, err, fault.ErrSignatureMismatch)

	ts := strconv.FormatInt(f.clock.Now().Unix(), 10)
	_, err = f.svc.Authorize(ctx, Request{APIKey: s.apiKey, Timestamp: ts, Signature: Sign(s.secret, ts, nil)})
	assert.NoError(t, err)
}

func TestAuthorize_CredentialAbuseBlocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	s := f.site(t, "example.com")

	for i := 0; i < 50; i++ {
		_, err := f.svc.Authorize(ctx, Request{APIKey: s.apiKey, Signature: "bad", Timestamp: strconv.FormatInt(f.clock.Now().Unix(), 10)})
		require.ErrorIs(t, err, fault.ErrSignatureMismatch)
	}
	_, err := f.svc.Authorize(ctx, Request{APIKey: s.apiKey})
	require.ErrorIs(t, err, fault.ErrBlocked)

	// The persisted block outlives the failure window.
	f.clock.Advance(2 * time.Hour)
	_, err = f.svc.Authorize(ctx, Request{APIKey: s.apiKey})
	assert.ErrorIs(t, err, fault.ErrBlocked)
	assert.Contains(t, f.outcomes, OutcomeBlocked)
}

func TestAuthorize_HighSeverityDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	s := f.site(t, "example.com")

	// Registration spam from the caller's IP is high, not critical.
	for i := 0; i < 25; i++ {
		_, err := f.limiter.Hit(ctx, ratelimit.Key{Scope: ratelimit.ScopeRegistration, ID: "203.0.113.9"})
		require.NoError(t, err)
	}
	_, err := f.svc.Authorize(ctx, Request{APIKey: s.apiKey, ClientIP: "203.0.113.9"})
	assert.NoError(t, err)
}

func TestAuthorize_ConcurrentCounting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	s := f.site(t, "example.com")
	f.svc.Observe = nil

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Authorize(ctx, Request{APIKey: s.apiKey})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	count, err := f.limiter.Sum(ctx, ratelimit.Key{Scope: ratelimit.ScopeSite, ID: s.siteID}, time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, n, count)
	act, err := f.repo.Activity(ctx, "example.com", s.siteID)
	require.NoError(t, err)
	assert.EqualValues(t, n, act.RequestCount)
}
