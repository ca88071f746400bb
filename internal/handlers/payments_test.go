package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/storefront-shop/api/internal/domain"
	"github.com/storefront-shop/api/internal/services"
)

type stubPaymentService struct {
	createFn  func(context.Context, services.CreatePaymentIntentCommand) (services.PaymentIntent, error)
	confirmFn func(context.Context, services.ConfirmPaymentCommand) (services.PaymentConfirmation, error)
	statusFn  func(context.Context, services.PaymentStatusQuery) (services.PaymentStatusView, error)
	webhookFn func(context.Context, []byte, string) error
}

func (s *stubPaymentService) CreateIntent(ctx context.Context, cmd services.CreatePaymentIntentCommand) (services.PaymentIntent, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.PaymentIntent{}, errors.New("not implemented")
}

func (s *stubPaymentService) Confirm(ctx context.Context, cmd services.ConfirmPaymentCommand) (services.PaymentConfirmation, error) {
	if s.confirmFn != nil {
		return s.confirmFn(ctx, cmd)
	}
	return services.PaymentConfirmation{}, errors.New("not implemented")
}

func (s *stubPaymentService) Status(ctx context.Context, query services.PaymentStatusQuery) (services.PaymentStatusView, error) {
	if s.statusFn != nil {
		return s.statusFn(ctx, query)
	}
	return services.PaymentStatusView{}, errors.New("not implemented")
}

func (s *stubPaymentService) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if s.webhookFn != nil {
		return s.webhookFn(ctx, payload, signature)
	}
	return errors.New("not implemented")
}

func newPaymentRouter(h *PaymentHandlers) chi.Router {
	router := chi.NewRouter()
	router.Route("/payments", h.Routes)
	return router
}

func TestPaymentHandlersCreateIntent(t *testing.T) {
	var captured services.CreatePaymentIntentCommand
	service := &stubPaymentService{
		createFn: func(ctx context.Context, cmd services.CreatePaymentIntentCommand) (services.PaymentIntent, error) {
			captured = cmd
			return services.PaymentIntent{
				PaymentIntentID: "pi_123",
				ClientSecret:    "pi_123_secret_abc",
				Amount:          decimal.RequireFromString("199.98"),
				Currency:        "usd",
			}, nil
		},
	}
	router := newPaymentRouter(NewPaymentHandlers(nil, service))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/payments/create-intent", map[string]any{"orderId": 42}, customer))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != 42 || captured.UserID != 7 {
		t.Fatalf("unexpected command %+v", captured)
	}
	body := decodeBodyMap(t, rr)
	if body["clientSecret"] != "pi_123_secret_abc" || body["paymentIntentId"] != "pi_123" || body["amount"] != "199.98" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestPaymentHandlersCreateIntentErrors(t *testing.T) {
	cases := []struct {
		name   string
		body   any
		err    error
		status int
		code   string
	}{
		{name: "missing order", body: map[string]any{}, status: http.StatusUnprocessableEntity, code: "invalid_request"},
		{name: "order not found", body: map[string]any{"orderId": 9}, err: services.ErrPaymentOrderNotFound, status: http.StatusNotFound, code: "order_not_found"},
		{name: "not owner", body: map[string]any{"orderId": 9}, err: services.ErrPaymentPermissionDenied, status: http.StatusForbidden, code: "forbidden"},
		{name: "already paid", body: map[string]any{"orderId": 9}, err: fmt.Errorf("%w: order already paid", services.ErrPaymentNotEligible), status: http.StatusBadRequest, code: "payment_not_eligible"},
		{name: "provider down", body: map[string]any{"orderId": 9}, err: fmt.Errorf("%w: card_declined", services.ErrPaymentProviderFailure), status: http.StatusBadGateway, code: "payment_provider_error"},
		{name: "unexpected", body: map[string]any{"orderId": 9}, err: errors.New("boom"), status: http.StatusInternalServerError, code: "internal_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			service := &stubPaymentService{
				createFn: func(context.Context, services.CreatePaymentIntentCommand) (services.PaymentIntent, error) {
					if tc.err == nil {
						t.Fatalf("service should not be called")
					}
					return services.PaymentIntent{}, tc.err
				},
			}
			router := newPaymentRouter(NewPaymentHandlers(nil, service))

			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, authedRequest(http.MethodPost, "/payments/create-intent", tc.body, customer))
			if rr.Code != tc.status {
				t.Fatalf("expected status %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			if body := decodeBodyMap(t, rr); body["error"] != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, body["error"])
			}
		})
	}
}

func TestPaymentHandlersCreateIntentRateLimited(t *testing.T) {
	now := time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)
	calls := 0
	service := &stubPaymentService{
		createFn: func(context.Context, services.CreatePaymentIntentCommand) (services.PaymentIntent, error) {
			calls++
			return services.PaymentIntent{PaymentIntentID: "pi_1", Amount: decimal.NewFromInt(10), Currency: "usd"}, nil
		},
	}
	router := newPaymentRouter(NewPaymentHandlers(nil, service, WithPaymentRateLimit(2, time.Minute, func() time.Time { return now })))

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, authedRequest(http.MethodPost, "/payments/create-intent", map[string]any{"orderId": 42}, customer))
		if rr.Code != http.StatusOK {
			t.Fatalf("attempt %d: expected 200, got %d", i+1, rr.Code)
		}
	}

	now = now.Add(20 * time.Second)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/payments/create-intent", map[string]any{"orderId": 42}, customer))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "40" {
		t.Fatalf("expected Retry-After 40, got %q", rr.Header().Get("Retry-After"))
	}

	other := httptest.NewRecorder()
	router.ServeHTTP(other, authedRequest(http.MethodPost, "/payments/create-intent", map[string]any{"orderId": 43}, seller))
	if other.Code != http.StatusOK {
		t.Fatalf("expected other user to be allowed, got %d", other.Code)
	}
	if calls != 3 {
		t.Fatalf("expected 3 service calls, got %d", calls)
	}
}

func TestPaymentHandlersConfirm(t *testing.T) {
	cases := []struct {
		name    string
		result  services.PaymentConfirmation
		err     error
		status  int
		message string
		order   bool
	}{
		{
			name:    "succeeded",
			result:  services.PaymentConfirmation{Status: "succeeded", Order: sampleOrder()},
			status:  http.StatusOK,
			message: "Payment confirmed successfully",
			order:   true,
		},
		{
			name:    "processing",
			result:  services.PaymentConfirmation{Status: "processing"},
			status:  http.StatusOK,
			message: "Payment is processing",
		},
		{
			name:    "requires action",
			err:     &services.PaymentStatusError{Status: "requires_action"},
			status:  http.StatusBadRequest,
			message: "Payment status: requires_action",
		},
		{
			name:    "intent unknown",
			err:     services.ErrPaymentIntentNotFound,
			status:  http.StatusNotFound,
			message: "Payment intent not found",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			service := &stubPaymentService{
				confirmFn: func(ctx context.Context, cmd services.ConfirmPaymentCommand) (services.PaymentConfirmation, error) {
					if cmd.PaymentIntentID != "pi_123" || cmd.UserID != 7 {
						t.Fatalf("unexpected command %+v", cmd)
					}
					return tc.result, tc.err
				},
			}
			router := newPaymentRouter(NewPaymentHandlers(nil, service))

			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, authedRequest(http.MethodPost, "/payments/confirm", map[string]any{"paymentIntentId": " pi_123 "}, customer))
			if rr.Code != tc.status {
				t.Fatalf("expected status %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			body := decodeBodyMap(t, rr)
			if body["message"] != tc.message {
				t.Fatalf("expected message %q, got %v", tc.message, body["message"])
			}
			if _, ok := body["order"]; ok != tc.order {
				t.Fatalf("expected order present=%v, got %v", tc.order, body)
			}
		})
	}
}

func TestPaymentHandlersStatus(t *testing.T) {
	paidAt := time.Date(2024, 3, 9, 11, 0, 0, 0, time.UTC)
	service := &stubPaymentService{
		statusFn: func(ctx context.Context, query services.PaymentStatusQuery) (services.PaymentStatusView, error) {
			if query.OrderID != 42 || query.Actor.UserID != 7 {
				t.Fatalf("unexpected query %+v", query)
			}
			return services.PaymentStatusView{
				OrderID:         42,
				OrderNumber:     "ORD-20240309-00001",
				Status:          domain.OrderStatusConfirmed,
				PaymentStatus:   domain.PaymentStatusPaid,
				PaymentIntentID: "pi_123",
				PaidAt:          &paidAt,
				Total:           decimal.RequireFromString("199.98"),
				Details: &services.PaymentIntentDetails{
					Status:   "succeeded",
					Amount:   decimal.RequireFromString("199.98"),
					Currency: "usd",
					Created:  paidAt.Add(-time.Minute),
				},
			}, nil
		},
	}
	router := newPaymentRouter(NewPaymentHandlers(nil, service))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/payments/status/42", nil, customer))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBodyMap(t, rr)
	if body["paymentStatus"] != "paid" || body["paidAt"] != "2024-03-09T11:00:00Z" || body["total"] != "199.98" {
		t.Fatalf("unexpected body %v", body)
	}
	details, ok := body["paymentDetails"].(map[string]any)
	if !ok || details["status"] != "succeeded" || details["created"] != "2024-03-09T10:59:00Z" {
		t.Fatalf("unexpected payment details %v", body["paymentDetails"])
	}

	bad := httptest.NewRecorder()
	router.ServeHTTP(bad, authedRequest(http.MethodGet, "/payments/status/abc", nil, customer))
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", bad.Code)
	}
}

func TestPaymentHandlersWebhook(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)

	cases := []struct {
		name      string
		signature string
		err       error
		status    int
		message   string
	}{
		{name: "missing signature", status: http.StatusBadRequest, message: "Webhook Error: missing Stripe-Signature header"},
		{name: "bad signature", signature: "t=1,v1=bad", err: fmt.Errorf("%w: no signatures found matching the expected signature", services.ErrWebhookSignature), status: http.StatusBadRequest, message: "Webhook Error: no signatures found matching the expected signature"},
		{name: "processing failure", signature: "t=1,v1=ok", err: errors.New("db down"), status: http.StatusBadRequest, message: "Webhook Error: processing failed"},
		{name: "accepted", signature: "t=1,v1=ok", status: http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			service := &stubPaymentService{
				webhookFn: func(ctx context.Context, got []byte, signature string) error {
					if !bytes.Equal(got, payload) || signature != tc.signature {
						t.Fatalf("unexpected webhook input %q %q", got, signature)
					}
					return tc.err
				},
			}
			router := newPaymentRouter(NewPaymentHandlers(nil, service))

			req := httptest.NewRequest(http.MethodPost, "/payments/webhook", bytes.NewReader(payload))
			if tc.signature != "" {
				req.Header.Set("Stripe-Signature", tc.signature)
			}
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected status %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			body := decodeBodyMap(t, rr)
			if tc.status == http.StatusOK {
				if body["received"] != true {
					t.Fatalf("expected received=true, got %v", body)
				}
				return
			}
			if body["message"] != tc.message {
				t.Fatalf("expected message %q, got %v", tc.message, body["message"])
			}
		})
	}
}

func TestWindowRateLimiterResetsAfterWindow(t *testing.T) {
	now := time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)
	limiter := newWindowRateLimiter(1, time.Minute, func() time.Time { return now })

	if ok, _ := limiter.Allow("7"); !ok {
		t.Fatalf("expected first attempt to pass")
	}
	if ok, wait := limiter.Allow("7"); ok || wait != time.Minute {
		t.Fatalf("expected block for a minute, got %v %s", ok, wait)
	}
	now = now.Add(time.Minute)
	if ok, _ := limiter.Allow("7"); !ok {
		t.Fatalf("expected attempt after window to pass")
	}
	if newWindowRateLimiter(0, time.Minute, nil) != nil {
		t.Fatalf("expected nil limiter for zero limit")
	}
}
