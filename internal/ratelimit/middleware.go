package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"formbridge/internal/models"
)

// SetHeaders writes the X-RateLimit-* headers, plus Retry-After when the
// request was denied.
func SetHeaders(w http.ResponseWriter, info Info) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetAt.Unix(), 10))
	if !info.Allowed {
		h.Set("Retry-After", strconv.Itoa(RetryAfterSeconds(info.RetryAfter.Seconds())))
	}
}

// RetryAfterSeconds rounds a wait up to whole seconds, minimum one.
func RetryAfterSeconds(secs float64) int {
	n := int(secs)
	if float64(n) < secs {
		n++
	}
	return max(n, 1)
}

// EdgeMiddleware rejects requests over the edge token bucket before any
// handler runs. keyFn extracts the client identity, usually its IP.
func EdgeMiddleware(edge *EdgeLimiter, keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			allowed, info := edge.Allow(key)
			if allowed {
				next.ServeHTTP(w, r)
				return
			}

			SetHeaders(w, info)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(models.NewErrorResponse("Rate limit exceeded", models.ErrorCodeRateLimited))

			slog.Warn("edge rate limit exceeded",
				"key", key,
				"limit", info.Limit,
				"retry_after", info.RetryAfter,
			)
		})
	}
}
