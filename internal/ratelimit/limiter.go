// Package ratelimit enforces quotas over fixed-width time buckets kept in a
// shared counter backend, so every gateway instance sees the same counts.
// Windows (minute, hour, day) are sums of the buckets they cover. The
// package also carries an in-process token bucket used as an edge flood
// guard, and the HTTP helpers that emit rate limit headers.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"formbridge/internal/models"
)

// Counter scopes. A scope and an identifier form one counter partition.
const (
	ScopeRegistration       = "register"    // per client IP
	ScopeSite               = "site"        // per site_id, API requests
	ScopeUpdates            = "updates"     // per site_id, update checks
	ScopeAuthFailure        = "auth_fail"   // per site_id
	ScopeVerificationFailed = "verify_fail" // per domain
	ScopeRateLimited        = "limited"     // per limited identity
)

// Key identifies one counter partition.
type Key struct {
	Scope string
	ID    string
}

func (k Key) String() string {
	return k.Scope + "#" + k.ID
}

// Window is a quota over a trailing span of buckets. Max of zero disables it.
type Window struct {
	Name   string
	Length time.Duration
	Max    int
}

// WindowsFrom converts configured limits into windows, skipping disabled ones.
func WindowsFrom(l models.WindowLimits) []Window {
	var out []Window
	for _, w := range []Window{
		{Name: "minute", Length: time.Minute, Max: l.PerMinute},
		{Name: "hour", Length: time.Hour, Max: l.PerHour},
		{Name: "day", Length: 24 * time.Hour, Max: l.PerDay},
	} {
		if w.Max > 0 {
			out = append(out, w)
		}
	}
	return out
}

// Info describes the most restrictive window after a Hit or Check.
type Info struct {
	Allowed    bool
	Window     string
	Limit      int           // Maximum requests per window
	Count      int64         // Requests counted in the window
	Remaining  int           // Requests left before the limit
	ResetAt    time.Time     // When the window will admit another request
	RetryAfter time.Duration // meaningful only when denied
}

// Counter stores per-bucket counts. Incr must be atomic; implementations
// never read-modify-write.
type Counter interface {
	// Incr adds one to the bucket starting at start and returns the new count.
	// expiresAt applies when the bucket is created.
	Incr(ctx context.Context, key Key, start, expiresAt time.Time) (int64, error)
	// Counts returns the count of each bucket in starts, in order. Missing
	// buckets count zero.
	Counts(ctx context.Context, key Key, starts []time.Time) ([]int64, error)
}

// Limiter evaluates windows over a Counter.
type Limiter struct {
	counter Counter
	width   time.Duration
	Now     func() time.Time
}

// NewLimiter creates a limiter with the given bucket width.
func NewLimiter(counter Counter, width time.Duration) *Limiter {
	if width <= 0 {
		width = time.Minute
	}
	return &Limiter{counter: counter, width: width, Now: time.Now}
}

// BucketWidth returns the width of one bucket.
func (l *Limiter) BucketWidth() time.Duration {
	return l.width
}

func (l *Limiter) bucketStart(t time.Time) time.Time {
	return t.Truncate(l.width)
}

// Hit counts one event for key and evaluates windows including it.
func (l *Limiter) Hit(ctx context.Context, key Key, windows ...Window) (Info, error) {
	now := l.Now()
	start := l.bucketStart(now)

	var longest time.Duration
	for _, w := range windows {
		longest = max(longest, w.Length)
	}
	if longest == 0 {
		longest = l.width
	}
	// A bucket must outlive every window that can still cover it.
	if _, err := l.counter.Incr(ctx, key, start, start.Add(l.width+longest)); err != nil {
		return Info{}, fmt.Errorf("increment %s: %w", key, err)
	}
	return l.evaluate(ctx, key, now, windows)
}

// Check evaluates windows for key without counting.
func (l *Limiter) Check(ctx context.Context, key Key, windows ...Window) (Info, error) {
	return l.evaluate(ctx, key, l.Now(), windows)
}

// Buckets returns the dense per-bucket counts covering the trailing span,
// oldest first. The last element is the current bucket.
func (l *Limiter) Buckets(ctx context.Context, key Key, span time.Duration) ([]int64, error) {
	return l.counter.Counts(ctx, key, l.starts(l.bucketStart(l.Now()), span))
}

// Sum returns the total count over the trailing span.
func (l *Limiter) Sum(ctx context.Context, key Key, span time.Duration) (int64, error) {
	counts, err := l.Buckets(ctx, key, span)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, c := range counts {
		total += c
	}
	return total, nil
}

// starts lists the bucket starts of [current-span+width, current].
func (l *Limiter) starts(current time.Time, span time.Duration) []time.Time {
	n := int(span / l.width)
	if n < 1 {
		n = 1
	}
	out := make([]time.Time, n)
	for i := range out {
		out[i] = current.Add(-time.Duration(n-1-i) * l.width)
	}
	return out
}

func (l *Limiter) evaluate(ctx context.Context, key Key, now time.Time, windows []Window) (Info, error) {
	if len(windows) == 0 {
		return Info{Allowed: true, Remaining: -1}, nil
	}

	var longest time.Duration
	for _, w := range windows {
		longest = max(longest, w.Length)
	}
	current := l.bucketStart(now)
	starts := l.starts(current, longest)
	counts, err := l.counter.Counts(ctx, key, starts)
	if err != nil {
		return Info{}, fmt.Errorf("read %s: %w", key, err)
	}

	var result Info
	for i, w := range windows {
		info := l.window(now, w, starts, counts)
		if i == 0 || moreRestrictive(info, result) {
			result = info
		}
	}
	return result, nil
}

// window evaluates one window over the tail of starts/counts.
func (l *Limiter) window(now time.Time, w Window, starts []time.Time, counts []int64) Info {
	n := min(max(int(w.Length/l.width), 1), len(starts))
	starts, counts = starts[len(starts)-n:], counts[len(counts)-n:]

	var total int64
	for _, c := range counts {
		total += c
	}
	info := Info{
		Allowed:   total <= int64(w.Max),
		Window:    w.Name,
		Limit:     w.Max,
		Count:     total,
		Remaining: max(w.Max-int(total), 0),
		ResetAt:   now,
	}

	// The window admits another request once enough of its oldest buckets
	// have slid out that the count is below the limit.
	remaining := total
	for i, c := range counts {
		if remaining < int64(w.Max) {
			break
		}
		remaining -= c
		info.ResetAt = starts[i].Add(w.Length)
	}
	if !info.Allowed {
		info.RetryAfter = max(info.ResetAt.Sub(now), 0)
	}
	return info
}

func moreRestrictive(a, b Info) bool {
	if a.Allowed != b.Allowed {
		return !a.Allowed
	}
	if !a.Allowed {
		return a.RetryAfter > b.RetryAfter
	}
	return a.Remaining < b.Remaining
}
