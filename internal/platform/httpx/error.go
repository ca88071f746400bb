package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/storefront-shop/api/internal/platform/requestctx"
)

// Error is the JSON error envelope returned by the API:
// {error, message, status, request_id?, trace_id?, errors?}.
type Error struct {
	Code    string
	Message string
	Status  int
	// Errors lists individual problems, e.g. every cart line that failed a stock check.
	Errors  []string
	Details map[string]any
}

// NewError constructs an Error. A zero status becomes 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    sanitize(code, 80),
		Message: sanitize(message, 512),
		Status:  status,
	}
}

// Internal is the generic 500 envelope; the cause belongs in logs, not in the response.
func Internal() Error {
	return NewError("internal_error", "Server error", http.StatusInternalServerError)
}

// WithErrors attaches a list of individual error messages.
func (e Error) WithErrors(messages []string) Error {
	if len(messages) == 0 {
		return e
	}
	out := make([]string, 0, len(messages))
	for _, msg := range messages {
		out = append(out, sanitize(msg, 512))
	}
	e.Errors = out
	return e
}

// WithDetails attaches additional JSON-serialisable fields to the envelope.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	copyDetails := make(map[string]any, len(details))
	for k, v := range details {
		copyDetails[k] = v
	}
	e.Details = copyDetails
	return e
}

// WriteError writes the envelope, filling request and trace ids from ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}

	payload := map[string]any{
		"error":   err.Code,
		"message": err.Message,
		"status":  status,
	}
	for k, v := range err.Details {
		payload[k] = v
	}
	if requestID := sanitize(middleware.GetReqID(ctx), 80); requestID != "" {
		payload["request_id"] = requestID
	}
	if traceID := sanitize(requestctx.TraceID(ctx), 64); traceID != "" {
		payload["trace_id"] = traceID
	}
	if len(err.Errors) > 0 {
		payload["errors"] = err.Errors
	}

	WriteJSON(w, status, payload)
}

// WriteJSON encodes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func sanitize(value string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.TrimSpace(value)
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
