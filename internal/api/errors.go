package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"formbridge/internal/fault"
	"formbridge/internal/models"
	"formbridge/internal/ratelimit"
)

// writeJSONResponse writes data as a JSON body with the given status.
func writeJSONResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already written; nothing more can be sent.
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// writeError maps err onto the error envelope. Messages come from the fault
// itself, never from its cause, so store and network details stay in logs.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	fe := fault.As(err)

	if fe.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(ratelimit.RetryAfterSeconds(fe.RetryAfter.Seconds())))
	}
	if fe.StatusCode >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed",
			"path", r.URL.Path,
			"code", fe.Code,
			"error", err,
			"request_id", RequestIDFromContext(r.Context()),
		)
	}

	message := fe.Message
	if message == "" {
		message = http.StatusText(fe.StatusCode)
	}
	resp := models.NewErrorResponse(message, fe.Code)
	resp.RequestID = RequestIDFromContext(r.Context())
	writeJSONResponse(w, fe.StatusCode, resp)
}

// decodeJSON reads a size-capped JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return bodyError(err)
		}
		return fault.InvalidRequest("malformed JSON body", err)
	}
	return nil
}
