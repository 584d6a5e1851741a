package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"formbridge/internal/models"
)

type edgeEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// EdgeLimiter is a per-process token bucket keyed by client address. It is a
// flood guard in front of the store; quotas are enforced by Limiter.
// Entries idle for twice the cleanup interval are evicted.
type EdgeLimiter struct {
	rate            rate.Limit
	burst           int
	perMinute       int
	cleanupInterval time.Duration

	mu      sync.Mutex
	entries map[string]*edgeEntry
	done    chan struct{}
	closed  bool
}

// NewEdgeLimiter starts the limiter and its eviction goroutine.
func NewEdgeLimiter(cfg models.EdgeRateLimitConfig) *EdgeLimiter {
	e := &EdgeLimiter{
		rate:            rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute)),
		burst:           cfg.BurstSize,
		perMinute:       cfg.RequestsPerMinute,
		cleanupInterval: cfg.CleanupInterval,
		entries:         make(map[string]*edgeEntry),
		done:            make(chan struct{}),
	}
	go e.cleanup()
	return e
}

// Allow takes one token for key.
func (e *EdgeLimiter) Allow(key string) (bool, Info) {
	now := time.Now()

	e.mu.Lock()
	ent, ok := e.entries[key]
	if !ok {
		ent = &edgeEntry{limiter: rate.NewLimiter(e.rate, e.burst)}
		e.entries[key] = ent
	}
	ent.lastSeen = now
	e.mu.Unlock()

	allowed := ent.limiter.AllowN(now, 1)
	tokens := ent.limiter.TokensAt(now)

	info := Info{
		Allowed:   allowed,
		Window:    "edge",
		Limit:     e.perMinute,
		Remaining: int(math.Max(0, math.Floor(tokens))),
		ResetAt:   now,
	}
	if missing := float64(e.burst) - tokens; missing > 0 {
		info.ResetAt = now.Add(time.Duration(missing / float64(e.rate) * float64(time.Second)))
	}
	if !allowed {
		r := ent.limiter.ReserveN(now, 1)
		info.RetryAfter = r.DelayFrom(now)
		r.CancelAt(now)
	}
	return allowed, info
}

// Close stops the eviction goroutine.
func (e *EdgeLimiter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.done)
	}
}

func (e *EdgeLimiter) cleanup() {
	ticker := time.NewTicker(e.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.evictStale(time.Now())
		}
	}
}

func (e *EdgeLimiter) evictStale(now time.Time) {
	cutoff := now.Add(-2 * e.cleanupInterval)
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, ent := range e.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(e.entries, key)
		}
	}
}

func (e *EdgeLimiter) size() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}
