package repository

import (
	"context"
	"time"

	"formbridge/internal/storage"
)

// Bucket is the count of one fixed-width rate window slice.
type Bucket struct {
	Start time.Time
	Count int64
}

// AddToBucket atomically adds delta to the bucket starting at start.
func (r *Repository) AddToBucket(ctx context.Context, scope, identifier string, start time.Time, delta int64, expiresAt time.Time) (int64, error) {
	return r.store.Add(ctx, RatePK(scope, identifier), bucketSK(start), delta, expiresAt.Unix())
}

// Buckets returns the live buckets whose start lies in [from, to].
func (r *Repository) Buckets(ctx context.Context, scope, identifier string, from, to time.Time) ([]Bucket, error) {
	items, err := r.store.Query(ctx, storage.Query{
		PK:   RatePK(scope, identifier),
		From: bucketSK(from),
		To:   bucketSK(to),
	})
	if err != nil {
		return nil, err
	}
	out := make([]Bucket, 0, len(items))
	for _, it := range items {
		start, ok := parseBucketSK(it.SK)
		if !ok {
			continue
		}
		out = append(out, Bucket{Start: start, Count: it.Count})
	}
	return out, nil
}
