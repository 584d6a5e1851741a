package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formbridge/internal/models"
	"formbridge/internal/storage"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRepo() (*Repository, *clock) {
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(storage.NewMemoryStorage(c.Now), c.Now), c
}

func pendingRegistration(now time.Time, domain string) *models.Registration {
	return &models.Registration{
		ID:            models.NewID(),
		Domain:        domain,
		TempKey:       "temp-" + domain,
		Status:        models.RegistrationStatusPending,
		WPVersion:     "6.4.2",
		PluginVersion: "1.0.0",
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Hour),
	}
}

func TestRegistrations(t *testing.T) {
	ctx := context.Background()
	repo, c := newTestRepo()

	reg := pendingRegistration(c.Now(), "example.org")
	require.NoError(t, repo.ClaimPending(ctx, reg.Domain, reg.ID, reg.ExpiresAt))
	require.NoError(t, repo.CreateRegistration(ctx, reg))

	assert.ErrorIs(t, repo.ClaimPending(ctx, reg.Domain, "other", reg.ExpiresAt), ErrConditionFailed)

	id, err := repo.PendingMarker(ctx, reg.Domain)
	require.NoError(t, err)
	assert.Equal(t, reg.ID, id)

	byKey, err := repo.RegistrationByTempKey(ctx, reg.TempKey)
	require.NoError(t, err)
	assert.Equal(t, reg.ID, byKey.ID)

	pending, err := repo.PendingRegistration(ctx, reg.Domain)
	require.NoError(t, err)
	assert.Equal(t, reg.TempKey, pending.TempKey)

	t.Run("verify once", func(t *testing.T) {
		first := *byKey
		require.NoError(t, repo.MarkVerified(ctx, &first, "site-1"))
		assert.Equal(t, models.RegistrationStatusVerified, first.Status)
		assert.NotNil(t, first.VerifiedAt)

		second := *byKey
		assert.ErrorIs(t, repo.MarkVerified(ctx, &second, "site-2"), ErrConditionFailed)
		assert.Equal(t, models.RegistrationStatusPending, second.Status)

		_, err := repo.PendingRegistration(ctx, reg.Domain)
		assert.ErrorIs(t, err, ErrNotFound)

		stored, err := repo.RegistrationByTempKey(ctx, reg.TempKey)
		require.NoError(t, err)
		assert.Equal(t, "site-1", stored.SiteID)
	})

	t.Run("release marker", func(t *testing.T) {
		require.NoError(t, repo.ReleasePending(ctx, reg.Domain))
		_, err := repo.PendingMarker(ctx, reg.Domain)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, repo.ClaimPending(ctx, reg.Domain, "next", c.Now().Add(time.Hour)))
	})

	t.Run("expiry", func(t *testing.T) {
		other := pendingRegistration(c.Now(), "expired.org")
		require.NoError(t, repo.CreateRegistration(ctx, other))
		c.Advance(time.Hour)
		_, err := repo.RegistrationByTempKey(ctx, other.TempKey)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRegistrations_Recovery(t *testing.T) {
	ctx := context.Background()
	repo, c := newTestRepo()

	reg := pendingRegistration(c.Now(), "example.org")
	require.NoError(t, repo.ClaimPending(ctx, reg.Domain, reg.ID, reg.ExpiresAt))
	require.NoError(t, repo.CreateRegistration(ctx, reg))
	require.NoError(t, repo.MarkVerified(ctx, reg, "site-1"))

	t.Run("revert verified", func(t *testing.T) {
		require.NoError(t, repo.RevertVerified(ctx, reg))
		assert.Equal(t, models.RegistrationStatusPending, reg.Status)
		assert.Nil(t, reg.VerifiedAt)

		pending, err := repo.PendingRegistration(ctx, reg.Domain)
		require.NoError(t, err)
		assert.Equal(t, reg.ID, pending.ID)
		assert.Empty(t, pending.SiteID)

		// Only a verified row can be reverted.
		assert.ErrorIs(t, repo.RevertVerified(ctx, reg), ErrConditionFailed)
	})

	t.Run("stale marker held by another registration", func(t *testing.T) {
		assert.ErrorIs(t, repo.ReleaseStalePending(ctx, reg.Domain, "someone-else"), ErrConditionFailed)
		id, err := repo.PendingMarker(ctx, reg.Domain)
		require.NoError(t, err)
		assert.Equal(t, reg.ID, id)
	})

	t.Run("stale marker released", func(t *testing.T) {
		require.NoError(t, repo.ReleaseStalePending(ctx, reg.Domain, reg.ID))
		_, err := repo.PendingMarker(ctx, reg.Domain)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, repo.ReleaseStalePending(ctx, reg.Domain, reg.ID), "already gone")
	})
}

func TestCredentials(t *testing.T) {
	ctx := context.Background()
	repo, c := newTestRepo()

	cred := &models.SiteCredential{
		SiteID:     "site-1",
		Domain:     "example.org",
		APIKeyHash: models.HashAPIKey("salt", "fb_key"),
		Status:     models.SiteStatusActive,
		AgencyID:   "agency-1",
		CreatedAt:  c.Now(),
		UpdatedAt:  c.Now(),
	}
	require.NoError(t, repo.SaveCredential(ctx, cred, 0))
	assert.ErrorIs(t, repo.SaveCredential(ctx, cred, 0), ErrConditionFailed)
	require.NoError(t, repo.PutAPIKeyIndex(ctx, &models.APIKeyIndex{APIKeyHash: cred.APIKeyHash, SiteID: cred.SiteID, Domain: cred.Domain}))

	got, version, err := repo.CredentialByDomain(ctx, "example.org")
	require.NoError(t, err)
	assert.Equal(t, "site-1", got.SiteID)
	assert.Equal(t, int64(1), version)

	bySite, err := repo.CredentialBySiteID(ctx, "site-1")
	require.NoError(t, err)
	assert.Equal(t, cred.APIKeyHash, bySite.APIKeyHash)

	idx, err := repo.APIKeyIndex(ctx, cred.APIKeyHash)
	require.NoError(t, err)
	assert.Equal(t, "example.org", idx.Domain)

	agencySites, err := repo.AgencyCredentials(ctx, "agency-1")
	require.NoError(t, err)
	require.Len(t, agencySites, 1)

	updated, err := repo.UpdateCredentialStatus(ctx, "site-1", models.SiteStatusSuspended)
	require.NoError(t, err)
	assert.Equal(t, models.SiteStatusSuspended, updated.Status)
	stored, err := repo.Credential(ctx, "example.org", "site-1")
	require.NoError(t, err)
	assert.Equal(t, models.SiteStatusSuspended, stored.Status)

	_, err = repo.UpdateCredentialStatus(ctx, "missing", models.SiteStatusActive)
	assert.ErrorIs(t, err, ErrNotFound)

	t.Run("activity", func(t *testing.T) {
		act, err := repo.Activity(ctx, "example.org", "site-1")
		require.NoError(t, err)
		assert.Zero(t, act.RequestCount)

		require.NoError(t, repo.RecordActivity(ctx, "example.org", "site-1"))
		require.NoError(t, repo.RecordActivity(ctx, "example.org", "site-1"))
		act, err = repo.Activity(ctx, "example.org", "site-1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), act.RequestCount)
		assert.Equal(t, c.Now(), act.LastSeen)
	})
}

func TestAgencies(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo()

	g, err := repo.SetAgencyLimit(ctx, "agency-1", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, g.MaxSites)

	_, err = repo.AddAgencySite(ctx, "agency-1", "a")
	require.NoError(t, err)
	_, err = repo.AddAgencySite(ctx, "agency-1", "a")
	require.NoError(t, err, "re-adding is a no-op")
	g, err = repo.AddAgencySite(ctx, "agency-1", "b")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, g.SiteIDs)

	_, err = repo.AddAgencySite(ctx, "agency-1", "c")
	assert.ErrorIs(t, err, models.ErrAgencyFull)

	_, err = repo.SetAgencyLimit(ctx, "agency-1", 1)
	assert.ErrorIs(t, err, ErrBelowMembership)

	t.Run("concurrent adds respect the limit", func(t *testing.T) {
		_, err := repo.SetAgencyLimit(ctx, "agency-2", 3)
		require.NoError(t, err)

		var wg sync.WaitGroup
		var mu sync.Mutex
		var added, full int
		for _, site := range []string{"s1", "s2", "s3", "s4", "s5", "s6"} {
			wg.Add(1)
			go func(site string) {
				defer wg.Done()
				_, err := repo.AddAgencySite(ctx, "agency-2", site)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					added++
				case errors.Is(err, models.ErrAgencyFull):
					full++
				}
			}(site)
		}
		wg.Wait()

		g, _, err := repo.Agency(ctx, "agency-2")
		require.NoError(t, err)
		assert.LessOrEqual(t, len(g.SiteIDs), 3)
		assert.Equal(t, len(g.SiteIDs), added)
	})
}

func TestSecurityEvents(t *testing.T) {
	ctx := context.Background()
	repo, c := newTestRepo()

	start := c.Now()
	for i := 0; i < 3; i++ {
		ev := &models.SecurityEvent{
			Category:   models.EventCategoryAuthFailure,
			Identifier: "site-1",
			Severity:   models.SeverityMedium,
			CreatedAt:  start,
		}
		require.NoError(t, repo.RecordEvent(ctx, ev), "same timestamp must not overwrite")
	}
	require.NoError(t, repo.RecordEvent(ctx, &models.SecurityEvent{
		Category:   models.EventCategoryBlock,
		Identifier: "site-1",
		Severity:   models.SeverityCritical,
		ExpiresAt:  c.Now().Add(time.Hour),
	}))

	events, err := repo.Events(ctx, "site-1", time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, events, 4)

	failures, err := repo.CategoryEvents(ctx, models.EventCategoryAuthFailure, "site-1", start)
	require.NoError(t, err)
	assert.Len(t, failures, 3)
	assert.Equal(t, start.Add(30*24*time.Hour), failures[0].ExpiresAt)

	blocked, err := repo.HasEvent(ctx, models.EventCategoryBlock, "site-1")
	require.NoError(t, err)
	assert.True(t, blocked)

	c.Advance(time.Hour)
	blocked, err = repo.HasEvent(ctx, models.EventCategoryBlock, "site-1")
	require.NoError(t, err)
	assert.False(t, blocked, "blocks die by TTL")
}

func TestBuckets(t *testing.T) {
	ctx := context.Background()
	repo, c := newTestRepo()

	start := c.Now().Truncate(time.Minute)
	for i := 0; i < 3; i++ {
		b := start.Add(time.Duration(i) * time.Minute)
		for j := 0; j <= i; j++ {
			_, err := repo.AddToBucket(ctx, "ip", "203.0.113.9", b, 1, b.Add(2*time.Hour))
			require.NoError(t, err)
		}
	}

	buckets, err := repo.Buckets(ctx, "ip", "203.0.113.9", start.Add(time.Minute), start.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, start.Add(time.Minute), buckets[0].Start)
	assert.Equal(t, int64(2), buckets[0].Count)
	assert.Equal(t, int64(3), buckets[1].Count)
}

func TestCaches(t *testing.T) {
	ctx := context.Background()
	repo, c := newTestRepo()

	_, _, err := repo.CachedRelease(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.CacheRelease(ctx, &models.PluginRelease{Version: "1.2.0", ObjectKey: "releases/1.2.0/form-bridge.zip"}))
	c.Advance(48 * time.Hour)
	rel, cachedAt, err := repo.CachedRelease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", rel.Version)
	assert.Equal(t, "releases/1.2.0/form-bridge.zip", rel.ObjectKey)
	assert.Equal(t, c.Now().Add(-48*time.Hour), cachedAt)

	res := &models.ValidationResult{Domain: "example.org", Score: 70, Passes: true, CheckedAt: c.Now(), ValidUntil: c.Now().Add(time.Hour)}
	require.NoError(t, repo.SaveValidation(ctx, res))
	got, err := repo.Validation(ctx, "example.org")
	require.NoError(t, err)
	assert.Equal(t, 70, got.Score)
	c.Advance(time.Hour)
	_, err = repo.Validation(ctx, "example.org")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.LogUpdateCheck(ctx, &models.UpdateCheckLog{SiteID: "site-1", CurrentVersion: "1.0.0", LatestVersion: "1.2.0", UpdateAvailable: true}, time.Hour))
	checks, err := repo.UpdateChecks(ctx, "site-1", 0)
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.True(t, checks[0].UpdateAvailable)
}
