// Package repository maps gateway entities onto the single-table store.
// It owns every key shape; services above it never build keys themselves.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"formbridge/internal/storage"
)

// Errors returned by the repository. Storage sentinels pass through so
// callers can match either.
var (
	ErrNotFound        = storage.ErrNotFound
	ErrConditionFailed = storage.ErrConditionFailed
	ErrContention      = errors.New("too many concurrent updates")
)

// optimisticAttempts bounds read-modify-write loops guarded by IfVersion.
const optimisticAttempts = 5

// Repository provides typed access to the store.
type Repository struct {
	store storage.Storage
	now   storage.Clock
}

// New creates a repository. A nil clock means time.Now.
func New(store storage.Storage, now storage.Clock) *Repository {
	if now == nil {
		now = time.Now
	}
	return &Repository{store: store, now: now}
}

// Store returns the underlying store.
func (r *Repository) Store() storage.Storage {
	return r.store
}

// Ping checks the store.
func (r *Repository) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

func (r *Repository) getInto(ctx context.Context, pk, sk string, v any) (*storage.Item, error) {
	it, err := r.store.Get(ctx, pk, sk)
	if err != nil {
		return nil, err
	}
	if err := it.Decode(v); err != nil {
		return nil, err
	}
	return it, nil
}

// optimistic runs fn until its conditional write stops failing.
func optimistic(ctx context.Context, fn func() error) error {
	for i := 0; i < optimisticAttempts; i++ {
		err := fn()
		if !errors.Is(err, storage.ErrConditionFailed) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts", ErrContention, optimisticAttempts)
}
