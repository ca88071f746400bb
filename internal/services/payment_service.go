package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	domain "github.com/storefront-shop/api/internal/domain"
	"github.com/storefront-shop/api/internal/payments"
	"github.com/storefront-shop/api/internal/repositories"
)

const (
	defaultPaymentCurrency = "zar"
	defaultWebhookEventTTL = 24 * time.Hour
)

var (
	// ErrPaymentInvalidInput signals the caller provided invalid data.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrPaymentOrderNotFound indicates the order referenced by the request does not exist.
	ErrPaymentOrderNotFound = errors.New("payment: order not found")
	// ErrPaymentIntentNotFound indicates the provider has no such payment intent.
	ErrPaymentIntentNotFound = errors.New("payment: payment intent not found")
	// ErrPaymentPermissionDenied indicates the order belongs to someone else.
	ErrPaymentPermissionDenied = errors.New("payment: permission denied")
	// ErrPaymentNotEligible indicates the order is not awaiting payment.
	ErrPaymentNotEligible = errors.New("payment: order is not awaiting payment")
	// ErrPaymentRequiresMethod indicates the customer must supply another payment method.
	ErrPaymentRequiresMethod = errors.New("payment: payment method required")
	// ErrPaymentProviderFailure wraps errors returned by the payment provider.
	ErrPaymentProviderFailure = errors.New("payment: provider failure")
	// ErrWebhookSignature indicates the webhook could not be verified. Nothing was processed.
	ErrWebhookSignature = errors.New("payment: webhook signature verification failed")
	// ErrPaymentUnavailable indicates the order store could not be reached.
	ErrPaymentUnavailable = errors.New("payment: unavailable")
)

// PaymentStatusError reports a provider status the confirm flow cannot act on.
type PaymentStatusError struct {
	Status string
}

func (e *PaymentStatusError) Error() string {
	return fmt.Sprintf("payment: unexpected payment intent status %q", e.Status)
}

// ProcessedEventStore remembers webhook event ids so exact redeliveries can be skipped.
type ProcessedEventStore interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error
}

// PaymentServiceDeps bundles collaborators required to construct the payment service.
type PaymentServiceDeps struct {
	Orders   repositories.OrderRepository
	Provider payments.Provider
	Events   OrderEventPublisher
	Metrics  OrderMetrics
	// ProcessedEvents is optional; handlers are idempotent without it.
	ProcessedEvents ProcessedEventStore
	EventTTL        time.Duration
	Currency        string
	Clock           func() time.Time
	IDGenerator     func() string
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	orders    repositories.OrderRepository
	provider  payments.Provider
	events    OrderEventPublisher
	metrics   OrderMetrics
	processed ProcessedEventStore
	eventTTL  time.Duration
	currency  string
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
}

var _ PaymentService = (*paymentService)(nil)

// NewPaymentService constructs the payment reconciliation service.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Provider == nil {
		return nil, errors.New("payment service: payment provider is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopOrderMetrics{}
	}
	currency := strings.ToLower(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultPaymentCurrency
	}
	ttl := deps.EventTTL
	if ttl <= 0 {
		ttl = defaultWebhookEventTTL
	}

	return &paymentService{
		orders:    deps.Orders,
		provider:  deps.Provider,
		events:    deps.Events,
		metrics:   metrics,
		processed: deps.ProcessedEvents,
		eventTTL:  ttl,
		currency:  currency,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// CreateIntent opens a provider payment intent for a pending order owned by the user. When the order
// already had an intent, the new one replaces it and the old one is cancelled at the provider.
func (s *paymentService) CreateIntent(ctx context.Context, cmd CreatePaymentIntentCommand) (PaymentIntent, error) {
	if cmd.OrderID <= 0 {
		return PaymentIntent{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, cmd.OrderID)
	if err != nil {
		return PaymentIntent{}, s.mapRepositoryError(err)
	}
	if order.UserID != cmd.UserID {
		return PaymentIntent{}, ErrPaymentPermissionDenied
	}
	if !awaitingPayment(order) {
		return PaymentIntent{}, fmt.Errorf("%w: status %s, payment %s", ErrPaymentNotEligible, order.Status, order.PaymentStatus)
	}

	intent, err := s.provider.CreateIntent(ctx, payments.CreateIntentRequest{
		Amount:      payments.ToMinorUnits(order.Total),
		Currency:    s.currency,
		Description: "Order " + order.OrderNumber,
		Metadata: map[string]string{
			payments.MetadataOrderID:     strconv.FormatInt(order.ID, 10),
			payments.MetadataOrderNumber: order.OrderNumber,
			payments.MetadataUserID:      strconv.FormatInt(order.UserID, 10),
		},
		IdempotencyKey: fmt.Sprintf("order-%d-intent-%s", order.ID, s.newID()),
	})
	if err != nil {
		s.metrics.ObservePaymentEvent("create_intent", "provider_error")
		return PaymentIntent{}, providerFailure(err)
	}

	attached, err := s.orders.AttachPaymentIntent(ctx, order.ID, intent.ID, s.clock())
	if err != nil {
		s.cancelIntent(ctx, order.ID, intent.ID)
		return PaymentIntent{}, s.mapRepositoryError(err)
	}
	if !attached {
		// The order left pending/pending while the provider call was in flight.
		s.cancelIntent(ctx, order.ID, intent.ID)
		return PaymentIntent{}, fmt.Errorf("%w: order %d changed concurrently", ErrPaymentNotEligible, order.ID)
	}

	if prior := order.PaymentIntentID; prior != "" && prior != intent.ID {
		s.cancelIntent(ctx, order.ID, prior)
	}

	s.metrics.ObservePaymentEvent("create_intent", "success")
	s.logger(ctx, "payment.intent.created", map[string]any{
		"order":         order.ID,
		"paymentIntent": intent.ID,
		"replaced":      order.PaymentIntentID,
		"amount":        intent.Amount,
	})
	return PaymentIntent{
		PaymentIntentID: intent.ID,
		ClientSecret:    intent.ClientSecret,
		Amount:          order.Total,
		Currency:        s.currency,
	}, nil
}

// Confirm reads the intent from the provider and applies its outcome to the order.
func (s *paymentService) Confirm(ctx context.Context, cmd ConfirmPaymentCommand) (PaymentConfirmation, error) {
	intentID := strings.TrimSpace(cmd.PaymentIntentID)
	if intentID == "" {
		return PaymentConfirmation{}, fmt.Errorf("%w: payment intent id is required", ErrPaymentInvalidInput)
	}

	intent, err := s.provider.GetIntent(ctx, intentID)
	if err != nil {
		if errors.Is(err, payments.ErrIntentNotFound) {
			return PaymentConfirmation{}, fmt.Errorf("%w: %s", ErrPaymentIntentNotFound, intentID)
		}
		return PaymentConfirmation{}, providerFailure(err)
	}

	order, err := s.resolveOrder(ctx, intent.Metadata, intent.ID)
	if err != nil {
		return PaymentConfirmation{}, err
	}
	if order.UserID != cmd.UserID {
		return PaymentConfirmation{}, ErrPaymentPermissionDenied
	}

	switch intent.Status {
	case payments.IntentStatusSucceeded:
		updated, err := s.markPaid(ctx, order, "confirm")
		if err != nil {
			return PaymentConfirmation{}, err
		}
		return PaymentConfirmation{Status: string(intent.Status), Order: updated}, nil
	case payments.IntentStatusRequiresPaymentMethod:
		if intent.LastError != "" {
			return PaymentConfirmation{}, fmt.Errorf("%w: %s", ErrPaymentRequiresMethod, intent.LastError)
		}
		return PaymentConfirmation{}, ErrPaymentRequiresMethod
	case payments.IntentStatusProcessing:
		return PaymentConfirmation{Status: string(intent.Status), Order: order}, nil
	default:
		return PaymentConfirmation{}, &PaymentStatusError{Status: string(intent.Status)}
	}
}

// Status returns the order payment summary. Live provider details are omitted when the lookup fails.
func (s *paymentService) Status(ctx context.Context, query PaymentStatusQuery) (PaymentStatusView, error) {
	if query.OrderID <= 0 {
		return PaymentStatusView{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, query.OrderID)
	if err != nil {
		return PaymentStatusView{}, s.mapRepositoryError(err)
	}
	if order.UserID != query.Actor.UserID && query.Actor.Role != domain.RoleAdmin {
		return PaymentStatusView{}, ErrPaymentPermissionDenied
	}

	view := PaymentStatusView{
		OrderID:         order.ID,
		OrderNumber:     order.OrderNumber,
		Status:          order.Status,
		PaymentStatus:   order.PaymentStatus,
		PaymentIntentID: order.PaymentIntentID,
		PaidAt:          order.PaidAt,
		Total:           order.Total,
	}
	if order.PaymentIntentID == "" {
		return view, nil
	}

	intent, err := s.provider.GetIntent(ctx, order.PaymentIntentID)
	if err != nil {
		s.logger(ctx, "payment.status.lookup.failed", map[string]any{
			"order":         order.ID,
			"paymentIntent": order.PaymentIntentID,
			"error":         err.Error(),
		})
		return view, nil
	}
	view.Details = &PaymentIntentDetails{
		Status:   string(intent.Status),
		Amount:   payments.FromMinorUnits(intent.Amount),
		Currency: intent.Currency,
		Created:  intent.Created,
	}
	return view, nil
}

// HandleWebhook verifies and dispatches a provider event. Only a signature failure is returned; undecodable
// events and errors while applying the event are logged so the provider does not retry deliveries that cannot succeed.
func (s *paymentService) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	ctx, span := tracer.Start(ctx, "payments.HandleWebhook")
	defer span.End()

	event, err := s.provider.ParseWebhook(payload, signature)
	if errors.Is(err, payments.ErrUndecodableEvent) {
		// The signature was valid; acknowledge so the provider stops redelivering.
		s.metrics.ObservePaymentEvent("webhook", "undecodable")
		span.SetStatus(codes.Error, "undecodable event")
		s.logger(ctx, "payment.webhook.undecodable", map[string]any{"error": err.Error()})
		return nil
	}
	if err != nil {
		s.metrics.ObservePaymentEvent("webhook", "invalid_signature")
		span.SetStatus(codes.Error, "invalid signature")
		s.logger(ctx, "payment.webhook.rejected", map[string]any{"error": err.Error()})
		return fmt.Errorf("%w: %v", ErrWebhookSignature, err)
	}
	span.SetAttributes(attribute.String("stripe.event.id", event.ID), attribute.String("stripe.event.type", event.Type))

	if s.processed != nil && event.ID != "" {
		seen, err := s.processed.Seen(ctx, event.ID)
		if err != nil {
			s.logger(ctx, "payment.webhook.dedupe.failed", map[string]any{"event": event.ID, "error": err.Error()})
		} else if seen {
			s.metrics.ObservePaymentEvent(event.Type, "duplicate")
			s.logger(ctx, "payment.webhook.duplicate", map[string]any{"event": event.ID, "type": event.Type})
			return nil
		}
	}

	err = s.dispatch(ctx, event)
	switch {
	case err == nil:
		s.metrics.ObservePaymentEvent(event.Type, "processed")
	case errors.Is(err, errWebhookIgnored):
		s.metrics.ObservePaymentEvent(event.Type, "ignored")
		err = nil
	default:
		s.metrics.ObservePaymentEvent(event.Type, "error")
		span.RecordError(err)
		s.logger(ctx, "payment.webhook.failed", map[string]any{
			"event":         event.ID,
			"type":          event.Type,
			"paymentIntent": event.PaymentIntentID,
			"error":         err.Error(),
		})
		return nil
	}

	if s.processed != nil && event.ID != "" {
		if err := s.processed.MarkProcessed(ctx, event.ID, s.eventTTL); err != nil {
			s.logger(ctx, "payment.webhook.dedupe.failed", map[string]any{"event": event.ID, "error": err.Error()})
		}
	}
	return nil
}

var errWebhookIgnored = errors.New("payment: webhook event ignored")

func (s *paymentService) dispatch(ctx context.Context, event payments.Event) error {
	switch event.Type {
	case payments.EventPaymentIntentSucceeded:
		order, err := s.resolveEventOrder(ctx, event)
		if err != nil {
			return err
		}
		if order.PaymentIntentID != "" && order.PaymentIntentID != event.PaymentIntentID {
			s.logger(ctx, "payment.webhook.superseded_intent_paid", map[string]any{
				"order":         order.ID,
				"paymentIntent": event.PaymentIntentID,
				"current":       order.PaymentIntentID,
			})
		}
		_, err = s.markPaid(ctx, order, "webhook")
		return err
	case payments.EventPaymentIntentFailed:
		return s.markPaymentStatus(ctx, event, domain.PaymentStatusFailed)
	case payments.EventPaymentIntentCanceled:
		return s.markPaymentStatus(ctx, event, domain.PaymentStatusCancelled)
	case payments.EventChargeRefunded:
		return s.markRefunded(ctx, event)
	default:
		s.logger(ctx, "payment.webhook.unhandled", map[string]any{"event": event.ID, "type": event.Type})
		return errWebhookIgnored
	}
}

func (s *paymentService) markPaid(ctx context.Context, order Order, source string) (Order, error) {
	now := s.clock()
	changed, err := s.orders.MarkPaid(ctx, order.ID, now)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if !changed {
		return order, nil
	}

	updated, err := s.orders.FindByID(ctx, order.ID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	s.logger(ctx, "payment.order.paid", map[string]any{
		"order":  updated.ID,
		"source": source,
	})
	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventPaid,
		OrderID:        updated.ID,
		OrderNumber:    updated.OrderNumber,
		UserID:         updated.UserID,
		PreviousStatus: string(order.Status),
		CurrentStatus:  string(updated.Status),
		PaymentStatus:  string(updated.PaymentStatus),
		OccurredAt:     now,
		Metadata:       map[string]any{"source": source},
	})
	return updated, nil
}

// markPaymentStatus ignores events for an intent the order no longer points at, so cancelling a
// replaced intent cannot mark the order's current payment as cancelled.
func (s *paymentService) markPaymentStatus(ctx context.Context, event payments.Event, status PaymentStatus) error {
	order, err := s.resolveEventOrder(ctx, event)
	if err != nil {
		return err
	}
	if order.PaymentIntentID != "" && event.PaymentIntentID != "" && order.PaymentIntentID != event.PaymentIntentID {
		s.logger(ctx, "payment.webhook.stale_intent", map[string]any{
			"order":         order.ID,
			"paymentIntent": event.PaymentIntentID,
			"current":       order.PaymentIntentID,
			"type":          event.Type,
		})
		return errWebhookIgnored
	}
	changed, err := s.orders.MarkPaymentStatus(ctx, order.ID, status, s.clock())
	if err != nil {
		return s.mapRepositoryError(err)
	}
	if changed {
		s.logger(ctx, "payment.order.status", map[string]any{
			"order":         order.ID,
			"paymentStatus": status,
		})
	}
	return nil
}

func (s *paymentService) markRefunded(ctx context.Context, event payments.Event) error {
	if event.PaymentIntentID == "" {
		return fmt.Errorf("%w: refund event without payment intent", ErrPaymentInvalidInput)
	}
	order, err := s.orders.FindByPaymentIntent(ctx, event.PaymentIntentID)
	if err != nil {
		return s.mapRepositoryError(err)
	}
	now := s.clock()
	changed, err := s.orders.MarkRefunded(ctx, order.ID, now)
	if err != nil {
		return s.mapRepositoryError(err)
	}
	if !changed {
		return nil
	}
	current := domain.OrderStatusRefunded
	if order.Status == domain.OrderStatusCancelled {
		current = order.Status
	}
	s.logger(ctx, "payment.order.refunded", map[string]any{"order": order.ID, "status": current})
	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventRefunded,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		UserID:         order.UserID,
		PreviousStatus: string(order.Status),
		CurrentStatus:  string(current),
		PaymentStatus:  string(domain.PaymentStatusRefunded),
		OccurredAt:     now,
	})
	return nil
}

func (s *paymentService) resolveEventOrder(ctx context.Context, event payments.Event) (Order, error) {
	var metadata map[string]string
	if event.Intent != nil {
		metadata = event.Intent.Metadata
	}
	return s.resolveOrder(ctx, metadata, event.PaymentIntentID)
}

// resolveOrder prefers the orderId metadata and falls back to the stored payment intent id.
func (s *paymentService) resolveOrder(ctx context.Context, metadata map[string]string, intentID string) (Order, error) {
	if raw := strings.TrimSpace(metadata[payments.MetadataOrderID]); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
			order, err := s.orders.FindByID(ctx, id)
			if err == nil {
				return order, nil
			}
			if !isRepoNotFound(err) {
				return Order{}, s.mapRepositoryError(err)
			}
		}
	}
	if intentID == "" {
		return Order{}, ErrPaymentOrderNotFound
	}
	order, err := s.orders.FindByPaymentIntent(ctx, intentID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *paymentService) cancelIntent(ctx context.Context, orderID int64, intentID string) {
	if _, err := s.provider.CancelIntent(ctx, intentID); err != nil {
		s.logger(ctx, "payment.intent.cancel.failed", map[string]any{
			"order":         orderID,
			"paymentIntent": intentID,
			"error":         err.Error(),
		})
		return
	}
	s.logger(ctx, "payment.intent.cancelled", map[string]any{
		"order":         orderID,
		"paymentIntent": intentID,
	})
}

func (s *paymentService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

func (s *paymentService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrPaymentOrderNotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
		}
	}
	return err
}

func awaitingPayment(order Order) bool {
	return order.Status == domain.OrderStatusPending && order.PaymentStatus == domain.PaymentStatusPending
}

// providerFailure keeps the provider's own message for the API response.
func providerFailure(err error) error {
	var perr *payments.Error
	if errors.As(err, &perr) && perr.Message != "" {
		return fmt.Errorf("%w: %s", ErrPaymentProviderFailure, perr.Message)
	}
	return fmt.Errorf("%w: %v", ErrPaymentProviderFailure, err)
}
