package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"formbridge/internal/fault"
)

// adminAuthMiddleware admits requests bearing the bootstrap key. Both sides
// are hashed before comparison so the check runs in constant time whatever
// the key lengths. An empty bootstrap key disables the admin API.
func adminAuthMiddleware(bootstrapKey string) mux.MiddlewareFunc {
	want := sha256.Sum256([]byte(bootstrapKey))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			got := sha256.Sum256([]byte(token))
			if bootstrapKey == "" || token == "" || subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
				slog.WarnContext(r.Context(), "admin authentication failed",
					"event", "security_audit",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				writeError(w, r, fault.UnknownCredential())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
