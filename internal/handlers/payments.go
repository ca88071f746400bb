package handlers

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/storefront-shop/api/internal/payments"
	"github.com/storefront-shop/api/internal/platform/auth"
	"github.com/storefront-shop/api/internal/platform/httpx"
	"github.com/storefront-shop/api/internal/platform/requestctx"
	"github.com/storefront-shop/api/internal/services"
)

const (
	stripeSignatureHeader = "Stripe-Signature"
	maxWebhookBodyBytes   = 64 * 1024
)

type createIntentRequest struct {
	OrderID int64 `json:"orderId"`
}

type confirmPaymentRequest struct {
	PaymentIntentID string `json:"paymentIntentId"`
}

// PaymentHandlers exposes payment intent endpoints and the provider webhook.
type PaymentHandlers struct {
	authn       *auth.Authenticator
	payments    services.PaymentService
	idempotency func(http.Handler) http.Handler
	limiter     rateLimiter
}

// PaymentHandlerOption customises PaymentHandlers.
type PaymentHandlerOption func(*PaymentHandlers)

// WithPaymentIdempotency guards intent creation with the given idempotency middleware.
func WithPaymentIdempotency(mw func(http.Handler) http.Handler) PaymentHandlerOption {
	return func(h *PaymentHandlers) {
		h.idempotency = mw
	}
}

// WithPaymentRateLimit bounds intent creation per user within the window.
func WithPaymentRateLimit(limit int, window time.Duration, clock func() time.Time) PaymentHandlerOption {
	return func(h *PaymentHandlers) {
		h.limiter = newWindowRateLimiter(limit, window, clock)
	}
}

// NewPaymentHandlers constructs PaymentHandlers.
func NewPaymentHandlers(authn *auth.Authenticator, svc services.PaymentService, opts ...PaymentHandlerOption) *PaymentHandlers {
	h := &PaymentHandlers{
		authn:    authn,
		payments: svc,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /payments endpoints. The webhook is authenticated by its signature only.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/webhook", h.webhook)

	r.Group(func(authed chi.Router) {
		if h.authn != nil {
			authed.Use(h.authn.RequireAuth())
		}
		create := http.Handler(http.HandlerFunc(h.createIntent))
		if h.idempotency != nil {
			create = h.idempotency(create)
		}
		authed.Method(http.MethodPost, "/create-intent", create)
		authed.Post("/confirm", h.confirm)
		authed.Get("/status/{orderID}", h.status)
	})
}

func (h *PaymentHandlers) createIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		serviceUnavailable(ctx, w, "payment")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	if h.limiter != nil {
		if allowed, wait := h.limiter.Allow(strconv.FormatInt(actor.UserID, 10)); !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many payment attempts; try again later", http.StatusTooManyRequests))
			return
		}
	}

	var req createIntentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.OrderID <= 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "orderId is required", http.StatusUnprocessableEntity))
		return
	}

	intent, err := h.payments.CreateIntent(ctx, services.CreatePaymentIntentCommand{OrderID: req.OrderID, UserID: actor.UserID})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"message":         "Payment intent created successfully",
		"clientSecret":    intent.ClientSecret,
		"paymentIntentId": intent.PaymentIntentID,
		"amount":          formatMoney(intent.Amount),
		"currency":        intent.Currency,
	})
}

func (h *PaymentHandlers) confirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		serviceUnavailable(ctx, w, "payment")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	var req confirmPaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	intentID := strings.TrimSpace(req.PaymentIntentID)
	if intentID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "paymentIntentId is required", http.StatusUnprocessableEntity))
		return
	}

	result, err := h.payments.Confirm(ctx, services.ConfirmPaymentCommand{PaymentIntentID: intentID, UserID: actor.UserID})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	if result.Status == string(payments.IntentStatusProcessing) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"message": "Payment is processing",
			"status":  result.Status,
		})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"message": "Payment confirmed successfully",
		"status":  result.Status,
		"order":   buildOrderPayload(result.Order),
	})
}

type paymentDetailsPayload struct {
	Status   string `json:"status"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Created  string `json:"created"`
}

type paymentStatusPayload struct {
	OrderID         int64                  `json:"orderId"`
	OrderNumber     string                 `json:"orderNumber"`
	Status          string                 `json:"status"`
	PaymentStatus   string                 `json:"paymentStatus"`
	PaymentIntentID string                 `json:"paymentIntentId,omitempty"`
	Total           string                 `json:"total"`
	PaidAt          *string                `json:"paidAt"`
	PaymentDetails  *paymentDetailsPayload `json:"paymentDetails"`
}

func (h *PaymentHandlers) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		serviceUnavailable(ctx, w, "payment")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	orderID, ok := idParam(w, r, "orderID", "order id")
	if !ok {
		return
	}

	view, err := h.payments.Status(ctx, services.PaymentStatusQuery{OrderID: orderID, Actor: actor})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	payload := paymentStatusPayload{
		OrderID:         view.OrderID,
		OrderNumber:     view.OrderNumber,
		Status:          string(view.Status),
		PaymentStatus:   string(view.PaymentStatus),
		PaymentIntentID: view.PaymentIntentID,
		Total:           formatMoney(view.Total),
		PaidAt:          formatTimePtr(view.PaidAt),
	}
	if view.Details != nil {
		payload.PaymentDetails = &paymentDetailsPayload{
			Status:   view.Details.Status,
			Amount:   formatMoney(view.Details.Amount),
			Currency: view.Details.Currency,
			Created:  formatTime(view.Details.Created),
		}
	}
	httpx.WriteJSON(w, http.StatusOK, payload)
}

func (h *PaymentHandlers) webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		serviceUnavailable(ctx, w, "payment")
		return
	}

	payload, err := httpx.ReadBody(r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, httpx.ErrBodyTooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "Webhook Error: payload too large", http.StatusRequestEntityTooLarge))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "Webhook Error: "+err.Error(), http.StatusBadRequest))
		return
	}

	signature := strings.TrimSpace(r.Header.Get(stripeSignatureHeader))
	if signature == "" {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "Webhook Error: missing "+stripeSignatureHeader+" header", http.StatusBadRequest))
		return
	}

	if err := h.payments.HandleWebhook(ctx, payload, signature); err != nil {
		if errors.Is(err, services.ErrWebhookSignature) {
			httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "Webhook Error: "+errorDetail(err, services.ErrWebhookSignature), http.StatusBadRequest))
			return
		}
		requestctx.Logger(ctx).Error("webhook processing failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "Webhook Error: processing failed", http.StatusBadRequest))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func writePaymentError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var statusErr *services.PaymentStatusError
	switch {
	case errors.As(err, &statusErr):
		httpx.WriteError(ctx, w, httpx.NewError("payment_status", "Payment status: "+statusErr.Status, http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", errorDetail(err, services.ErrPaymentInvalidInput), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrPaymentOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "Order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPaymentIntentNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("payment_intent_not_found", "Payment intent not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPaymentPermissionDenied):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "Access denied", http.StatusForbidden))
	case errors.Is(err, services.ErrPaymentNotEligible):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_eligible", "Order is not eligible for payment", http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentRequiresMethod):
		httpx.WriteError(ctx, w, httpx.NewError("payment_method_required", "Payment requires a payment method", http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentProviderFailure):
		requestctx.Logger(ctx).Error("payment provider call failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("payment_provider_error", errorDetail(err, services.ErrPaymentProviderFailure), http.StatusBadGateway))
	case errors.Is(err, services.ErrPaymentUnavailable), isRepositoryUnavailable(err):
		requestctx.Logger(ctx).Error("payment store unavailable", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
	default:
		requestctx.Logger(ctx).Error("payment request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.Internal())
	}
}
