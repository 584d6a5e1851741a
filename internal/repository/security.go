package repository

import (
	"context"
	"errors"
	"time"

	"formbridge/internal/models"
	"formbridge/internal/storage"
)

// RecordEvent appends ev. Missing timestamps are filled from the clock and
// the severity retention. Events are never overwritten: a key collision
// moves the event forward by one nanosecond.
func (r *Repository) RecordEvent(ctx context.Context, ev *models.SecurityEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.now()
	}
	if ev.ExpiresAt.IsZero() {
		ev.ExpiresAt = ev.CreatedAt.Add(models.SeverityTTL(ev.Severity))
	}

	for i := 0; i < optimisticAttempts; i++ {
		key := nanoKey(ev.CreatedAt)
		it, err := storage.NewItem(securityPK(ev.Category), ev.Identifier+"#"+key, ev)
		if err != nil {
			return err
		}
		it.Status = ev.Severity
		it.GSI1PK, it.GSI1SK = trackingPK(ev.Identifier), key
		it.ExpireAt(ev.ExpiresAt)

		err = r.store.Put(ctx, it, storage.IfAbsent)
		if !errors.Is(err, storage.ErrConditionFailed) {
			return err
		}
		ev.CreatedAt = ev.CreatedAt.Add(time.Nanosecond)
	}
	return ErrContention
}

// Events lists events for identifier across categories, oldest first,
// recorded at or after since. Limit zero means all.
func (r *Repository) Events(ctx context.Context, identifier string, since time.Time, limit int) ([]*models.SecurityEvent, error) {
	q := storage.Query{Index: storage.IndexGSI1, PK: trackingPK(identifier), Limit: limit}
	if !since.IsZero() {
		q.From = nanoKey(since)
	}
	return r.queryEvents(ctx, q)
}

// CategoryEvents lists live events of one category for identifier.
func (r *Repository) CategoryEvents(ctx context.Context, category, identifier string, since time.Time) ([]*models.SecurityEvent, error) {
	q := storage.Query{PK: securityPK(category), SKPrefix: identifier + "#"}
	if !since.IsZero() {
		q.From = identifier + "#" + nanoKey(since)
	}
	return r.queryEvents(ctx, q)
}

// HasEvent reports whether identifier has any live event of category.
func (r *Repository) HasEvent(ctx context.Context, category, identifier string) (bool, error) {
	items, err := r.store.Query(ctx, storage.Query{
		PK:       securityPK(category),
		SKPrefix: identifier + "#",
		Limit:    1,
	})
	if err != nil {
		return false, err
	}
	return len(items) > 0, nil
}

func (r *Repository) queryEvents(ctx context.Context, q storage.Query) ([]*models.SecurityEvent, error) {
	items, err := r.store.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]*models.SecurityEvent, 0, len(items))
	for _, it := range items {
		var ev models.SecurityEvent
		if err := it.Decode(&ev); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, nil
}
