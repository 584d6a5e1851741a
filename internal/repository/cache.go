package repository

import (
	"context"
	"time"

	"formbridge/internal/models"
	"formbridge/internal/storage"
)

type cachedRelease struct {
	Release  models.PluginRelease `json:"release"`
	CachedAt time.Time            `json:"cached_at"`
}

// CachedRelease returns the cached latest release and when it was cached.
// The row never expires so a stale copy can serve when the source is down.
func (r *Repository) CachedRelease(ctx context.Context) (*models.PluginRelease, time.Time, error) {
	var c cachedRelease
	if _, err := r.getInto(ctx, PKLatestPlugin, SKReleaseInfo, &c); err != nil {
		return nil, time.Time{}, err
	}
	return &c.Release, c.CachedAt, nil
}

func (r *Repository) CacheRelease(ctx context.Context, rel *models.PluginRelease) error {
	it, err := storage.NewItem(PKLatestPlugin, SKReleaseInfo, cachedRelease{Release: *rel, CachedAt: r.now()})
	if err != nil {
		return err
	}
	return r.store.Put(ctx, it, storage.Always)
}

// Validation returns the cached validation result for domain until it
// reaches ValidUntil.
func (r *Repository) Validation(ctx context.Context, domain string) (*models.ValidationResult, error) {
	var res models.ValidationResult
	if _, err := r.getInto(ctx, validationPK(domain), SKResult, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *Repository) SaveValidation(ctx context.Context, res *models.ValidationResult) error {
	it, err := storage.NewItem(validationPK(res.Domain), SKResult, res)
	if err != nil {
		return err
	}
	it.ExpireAt(res.ValidUntil)
	return r.store.Put(ctx, it, storage.Always)
}

// LogUpdateCheck appends an update check entry retained for ttl.
func (r *Repository) LogUpdateCheck(ctx context.Context, entry *models.UpdateCheckLog, ttl time.Duration) error {
	if entry.CheckedAt.IsZero() {
		entry.CheckedAt = r.now()
	}
	it, err := storage.NewItem(updateCheckPK(entry.SiteID), timeSK(entry.CheckedAt), entry)
	if err != nil {
		return err
	}
	it.ExpireAt(entry.CheckedAt.Add(ttl))
	return r.store.Put(ctx, it, storage.Always)
}

// UpdateChecks lists a site's logged checks, oldest first.
func (r *Repository) UpdateChecks(ctx context.Context, siteID string, limit int) ([]*models.UpdateCheckLog, error) {
	items, err := r.store.Query(ctx, storage.Query{
		PK:       updateCheckPK(siteID),
		SKPrefix: PrefixTime,
		Limit:    limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*models.UpdateCheckLog, 0, len(items))
	for _, it := range items {
		var entry models.UpdateCheckLog
		if err := it.Decode(&entry); err != nil {
			return nil, err
		}
		out = append(out, &entry)
	}
	return out, nil
}
