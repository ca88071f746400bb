package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/storefront-shop/api/internal/platform/auth"
	"github.com/storefront-shop/api/internal/platform/httpx"
	"github.com/storefront-shop/api/internal/repositories"
	"github.com/storefront-shop/api/internal/services"
)

// actorFromRequest returns the authenticated caller. The auth middleware guarantees presence on
// protected routes, so a miss is answered with 401.
func actorFromRequest(w http.ResponseWriter, r *http.Request) (services.Actor, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity.UserID <= 0 {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return services.Actor{}, false
	}
	return services.Actor{UserID: identity.UserID, Role: identity.Role}, true
}

// idParam parses a positive integer route parameter.
func idParam(w http.ResponseWriter, r *http.Request, name, label string) (int64, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, name))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", label+" must be a positive integer", http.StatusBadRequest))
		return 0, false
	}
	return id, true
}

// decodeBody decodes the JSON request body, answering 413 or 422 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		if errors.Is(err, httpx.ErrBodyTooLarge) {
			httpx.WriteError(r.Context(), w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
			return false
		}
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", err.Error(), http.StatusUnprocessableEntity))
		return false
	}
	return true
}

func serviceUnavailable(ctx context.Context, w http.ResponseWriter, name string) {
	httpx.WriteError(ctx, w, httpx.NewError(name+"_service_unavailable", name+" service unavailable", http.StatusServiceUnavailable))
}

func isRepositoryUnavailable(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}

// errorDetail strips the sentinel prefix so only the specific reason reaches the client.
func errorDetail(err, sentinel error) string {
	msg := err.Error()
	prefix := sentinel.Error() + ": "
	if strings.HasPrefix(msg, prefix) {
		return strings.TrimPrefix(msg, prefix)
	}
	return msg
}

func formatMoney(amount decimal.Decimal) string {
	return amount.StringFixed(2)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	value := formatTime(*t)
	return &value
}
