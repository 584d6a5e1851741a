package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"formbridge/internal/models"
)

// Retrying wraps a Storage and retries transient failures with bounded
// exponential backoff. Anything IsTransient rejects is returned at once.
// Exhausted retries surface as ErrUnavailable.
type Retrying struct {
	next        Storage
	maxAttempts uint
	initial     time.Duration
	max         time.Duration
}

func NewRetrying(next Storage, cfg models.RetryConfig) *Retrying {
	attempts := cfg.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	return &Retrying{
		next:        next,
		maxAttempts: attempts,
		initial:     cfg.InitialInterval,
		max:         cfg.MaxInterval,
	}
}

// Unwrap returns the wrapped store.
func (r *Retrying) Unwrap() Storage {
	return r.next
}

func (r *Retrying) policy() backoff.BackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     r.initial,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         r.max,
	}
}

func retry[T any](ctx context.Context, r *Retrying, op string, fn func() (T, error)) (T, error) {
	return retryIf(ctx, r, op, IsTransient, fn)
}

func retryIf[T any](ctx context.Context, r *Retrying, op string, retryable func(error) bool, fn func() (T, error)) (T, error) {
	attempt := func() (T, error) {
		v, err := fn()
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, wait time.Duration) {
		slog.DebugContext(ctx, "retrying storage operation", "operation", op, "error", err, "wait", wait)
	}

	v, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(r.policy()),
		backoff.WithMaxTries(r.maxAttempts),
		backoff.WithNotify(notify),
	)
	if err != nil && IsTransient(err) {
		return v, fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
	}
	return v, err
}

func (r *Retrying) Get(ctx context.Context, pk, sk string) (*Item, error) {
	return retry(ctx, r, "get", func() (*Item, error) {
		return r.next.Get(ctx, pk, sk)
	})
}

// Put is retried like any other call. A conditional put whose first attempt
// committed but lost its response will report ErrConditionFailed on retry.
func (r *Retrying) Put(ctx context.Context, item *Item, cond Condition) error {
	_, err := retry(ctx, r, "put", func() (struct{}, error) {
		return struct{}{}, r.next.Put(ctx, item, cond)
	})
	return err
}

// Add is not idempotent, so it is retried only when the failed attempt is
// known not to have been applied. An ambiguous failure surfaces as
// ErrUnavailable at once rather than risk counting the delta twice.
func (r *Retrying) Add(ctx context.Context, pk, sk string, delta int64, expiresAt int64) (int64, error) {
	unapplied := func(err error) bool { return IsTransient(err) && !IsAmbiguous(err) }
	return retryIf(ctx, r, "add", unapplied, func() (int64, error) {
		return r.next.Add(ctx, pk, sk, delta, expiresAt)
	})
}

func (r *Retrying) Query(ctx context.Context, q Query) ([]*Item, error) {
	return retry(ctx, r, "query", func() ([]*Item, error) {
		return r.next.Query(ctx, q)
	})
}

func (r *Retrying) Ping(ctx context.Context) error {
	return r.next.Ping(ctx)
}

func (r *Retrying) Close() error {
	return r.next.Close()
}

// Purge forwards to the wrapped store when it supports purging.
func (r *Retrying) Purge(ctx context.Context) (int64, error) {
	if p, ok := r.next.(Purger); ok {
		return p.Purge(ctx)
	}
	return 0, nil
}
