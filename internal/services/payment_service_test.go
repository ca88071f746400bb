package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/storefront-shop/api/internal/domain"
	"github.com/storefront-shop/api/internal/payments"
)

type fakeProvider struct {
	mu        sync.Mutex
	seq       int
	intents   map[string]payments.Intent
	requests  []payments.CreateIntentRequest
	cancelled []string
	createErr error
	getErr    error
	parseErr  error
	next      payments.Event
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{intents: map[string]payments.Intent{}}
}

func (p *fakeProvider) CreateIntent(_ context.Context, req payments.CreateIntentRequest) (payments.Intent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.createErr != nil {
		return payments.Intent{}, p.createErr
	}
	p.seq++
	intent := payments.Intent{
		ID:           fmt.Sprintf("pi_%d", p.seq),
		Status:       payments.IntentStatusRequiresPaymentMethod,
		Amount:       req.Amount,
		Currency:     req.Currency,
		ClientSecret: fmt.Sprintf("pi_%d_secret", p.seq),
		Created:      time.Date(2024, time.March, 9, 10, 5, 0, 0, time.UTC),
		Metadata:     req.Metadata,
	}
	p.intents[intent.ID] = intent
	return intent, nil
}

func (p *fakeProvider) GetIntent(_ context.Context, intentID string) (payments.Intent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.getErr != nil {
		return payments.Intent{}, p.getErr
	}
	intent, ok := p.intents[intentID]
	if !ok {
		return payments.Intent{}, &payments.Error{Op: "get intent", Code: "resource_missing", Err: payments.ErrIntentNotFound}
	}
	return intent, nil
}

func (p *fakeProvider) CancelIntent(_ context.Context, intentID string) (payments.Intent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, intentID)
	intent := p.intents[intentID]
	intent.Status = payments.IntentStatusCanceled
	p.intents[intentID] = intent
	return intent, nil
}

func (p *fakeProvider) ParseWebhook(payload []byte, signature string) (payments.Event, error) {
	if signature != "t=1,v1=good" {
		return payments.Event{}, fmt.Errorf("%w: no valid signature", payments.ErrInvalidSignature)
	}
	if p.parseErr != nil {
		return payments.Event{}, p.parseErr
	}
	return p.next, nil
}

func (p *fakeProvider) setStatus(intentID string, status payments.IntentStatus, lastError string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	intent := p.intents[intentID]
	intent.ID = intentID
	intent.Status = status
	intent.LastError = lastError
	p.intents[intentID] = intent
}

type memProcessedEvents struct {
	mu   sync.Mutex
	seen map[string]time.Duration
}

func (m *memProcessedEvents) Seen(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[eventID]
	return ok, nil
}

func (m *memProcessedEvents) MarkProcessed(_ context.Context, eventID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = map[string]time.Duration{}
	}
	m.seen[eventID] = ttl
	return nil
}

type recordingMetrics struct {
	mu       sync.Mutex
	payments []string
}

func (m *recordingMetrics) ObserveOrderOperation(string, string) {}

func (m *recordingMetrics) ObservePaymentEvent(eventType, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments = append(m.payments, eventType+":"+outcome)
}

type paymentFixture struct {
	store     *memStore
	provider  *fakeProvider
	events    *recordingPublisher
	metrics   *recordingMetrics
	processed *memProcessedEvents
	svc       PaymentService
	now       time.Time
	logged    []string
	order     domain.Order
}

func newPaymentFixture(t *testing.T) *paymentFixture {
	t.Helper()
	f := &paymentFixture{
		store:     newMemStore(),
		provider:  newFakeProvider(),
		events:    &recordingPublisher{},
		metrics:   &recordingMetrics{},
		processed: &memProcessedEvents{},
		now:       time.Date(2024, time.March, 9, 10, 10, 0, 0, time.UTC),
	}
	f.order = f.store.putOrder(domain.Order{
		OrderNumber:   "ORD-20240309-00001",
		UserID:        testBuyerID,
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusPending,
		Subtotal:      decimal.RequireFromString("250.25"),
		Total:         decimal.RequireFromString("250.25"),
		Items:         []domain.OrderItem{{ProductID: 1, SellerID: testSellerID, Quantity: 1}},
	})
	svc, err := NewPaymentService(PaymentServiceDeps{
		Orders:          f.store.orderRepo(),
		Provider:        f.provider,
		Events:          f.events,
		Metrics:         f.metrics,
		ProcessedEvents: f.processed,
		Clock:           func() time.Time { return f.now },
		IDGenerator:     func() string { return "01HTESTKEY" },
		Logger: func(_ context.Context, event string, _ map[string]any) {
			f.logged = append(f.logged, event)
		},
	})
	if err != nil {
		t.Fatalf("new payment service: %v", err)
	}
	f.svc = svc
	return f
}

func (f *paymentFixture) createIntent(t *testing.T) PaymentIntent {
	t.Helper()
	intent, err := f.svc.CreateIntent(context.Background(), CreatePaymentIntentCommand{OrderID: f.order.ID, UserID: testBuyerID})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	return intent
}

func (f *paymentFixture) deliver(t *testing.T, event payments.Event) {
	t.Helper()
	f.provider.next = event
	if err := f.svc.HandleWebhook(context.Background(), []byte(`{}`), "t=1,v1=good"); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}
}

func (f *paymentFixture) intentEvent(id, eventType, intentID string) payments.Event {
	return payments.Event{
		ID:              id,
		Type:            eventType,
		PaymentIntentID: intentID,
		Intent: &payments.Intent{
			ID:       intentID,
			Metadata: map[string]string{payments.MetadataOrderID: strconv.FormatInt(f.order.ID, 10)},
		},
	}
}

func (f *paymentFixture) loggedEvent(name string) bool {
	for _, event := range f.logged {
		if event == name {
			return true
		}
	}
	return false
}

func TestPaymentServiceCreateIntent(t *testing.T) {
	f := newPaymentFixture(t)

	intent := f.createIntent(t)

	if intent.PaymentIntentID != "pi_1" || intent.ClientSecret != "pi_1_secret" {
		t.Fatalf("unexpected intent %+v", intent)
	}
	if !intent.Amount.Equal(decimal.RequireFromString("250.25")) || intent.Currency != "zar" {
		t.Fatalf("unexpected amount %s %s", intent.Amount, intent.Currency)
	}
	req := f.provider.requests[0]
	if req.Amount != 25025 {
		t.Fatalf("expected 25025 minor units, got %d", req.Amount)
	}
	if req.Metadata[payments.MetadataOrderID] != strconv.FormatInt(f.order.ID, 10) || req.Metadata[payments.MetadataOrderNumber] != "ORD-20240309-00001" {
		t.Fatalf("unexpected metadata %v", req.Metadata)
	}
	if want := fmt.Sprintf("order-%d-intent-01HTESTKEY", f.order.ID); req.IdempotencyKey != want {
		t.Fatalf("expected idempotency key %s, got %s", want, req.IdempotencyKey)
	}
	if got := f.store.order(f.order.ID).PaymentIntentID; got != "pi_1" {
		t.Fatalf("expected intent attached, got %q", got)
	}
}

func TestPaymentServiceCreateIntentReplacesPriorIntent(t *testing.T) {
	f := newPaymentFixture(t)
	f.createIntent(t)

	second := f.createIntent(t)

	if second.PaymentIntentID != "pi_2" || f.store.order(f.order.ID).PaymentIntentID != "pi_2" {
		t.Fatalf("expected pi_2 to replace pi_1, got %s", second.PaymentIntentID)
	}
	if len(f.provider.cancelled) != 1 || f.provider.cancelled[0] != "pi_1" {
		t.Fatalf("expected prior intent cancelled, got %v", f.provider.cancelled)
	}
}

func TestPaymentServiceCreateIntentRejections(t *testing.T) {
	f := newPaymentFixture(t)

	if _, err := f.svc.CreateIntent(context.Background(), CreatePaymentIntentCommand{OrderID: f.order.ID, UserID: 99}); !errors.Is(err, ErrPaymentPermissionDenied) {
		t.Fatalf("expected ErrPaymentPermissionDenied, got %v", err)
	}
	if _, err := f.svc.CreateIntent(context.Background(), CreatePaymentIntentCommand{OrderID: 424242, UserID: testBuyerID}); !errors.Is(err, ErrPaymentOrderNotFound) {
		t.Fatalf("expected ErrPaymentOrderNotFound, got %v", err)
	}

	f.provider.createErr = &payments.Error{Op: "create intent", Code: "amount_too_small", Message: "Amount must be at least R5.00"}
	_, err := f.svc.CreateIntent(context.Background(), CreatePaymentIntentCommand{OrderID: f.order.ID, UserID: testBuyerID})
	if !errors.Is(err, ErrPaymentProviderFailure) || !strings.Contains(err.Error(), "Amount must be at least R5.00") {
		t.Fatalf("expected provider failure with message, got %v", err)
	}

	paid := f.store.order(f.order.ID)
	paid.PaymentStatus = domain.PaymentStatusPaid
	f.store.putOrder(paid)
	if _, err := f.svc.CreateIntent(context.Background(), CreatePaymentIntentCommand{OrderID: f.order.ID, UserID: testBuyerID}); !errors.Is(err, ErrPaymentNotEligible) {
		t.Fatalf("expected ErrPaymentNotEligible, got %v", err)
	}
}

func TestPaymentServiceConfirmSucceeded(t *testing.T) {
	f := newPaymentFixture(t)
	intent := f.createIntent(t)
	f.provider.setStatus(intent.PaymentIntentID, payments.IntentStatusSucceeded, "")

	result, err := f.svc.Confirm(context.Background(), ConfirmPaymentCommand{PaymentIntentID: intent.PaymentIntentID, UserID: testBuyerID})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if result.Status != "succeeded" || result.Order.PaymentStatus != domain.PaymentStatusPaid || result.Order.Status != domain.OrderStatusConfirmed {
		t.Fatalf("unexpected confirmation %+v", result)
	}
	if result.Order.PaidAt == nil || !result.Order.PaidAt.Equal(f.now) {
		t.Fatalf("expected paidAt %s, got %v", f.now, result.Order.PaidAt)
	}

	if _, err := f.svc.Confirm(context.Background(), ConfirmPaymentCommand{PaymentIntentID: intent.PaymentIntentID, UserID: testBuyerID}); err != nil {
		t.Fatalf("repeat confirm: %v", err)
	}
	if types := f.events.types(); len(types) != 1 || types[0] != orderEventPaid {
		t.Fatalf("expected a single order.paid event, got %v", types)
	}
}

func TestPaymentServiceConfirmOutcomes(t *testing.T) {
	f := newPaymentFixture(t)
	intent := f.createIntent(t)
	confirm := func(userID int64) (PaymentConfirmation, error) {
		return f.svc.Confirm(context.Background(), ConfirmPaymentCommand{PaymentIntentID: intent.PaymentIntentID, UserID: userID})
	}

	f.provider.setStatus(intent.PaymentIntentID, payments.IntentStatusRequiresPaymentMethod, "Your card was declined.")
	if _, err := confirm(testBuyerID); !errors.Is(err, ErrPaymentRequiresMethod) || !strings.Contains(err.Error(), "Your card was declined.") {
		t.Fatalf("expected ErrPaymentRequiresMethod with decline message, got %v", err)
	}

	f.provider.setStatus(intent.PaymentIntentID, payments.IntentStatusProcessing, "")
	result, err := confirm(testBuyerID)
	if err != nil || result.Status != "processing" || result.Order.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("expected processing to pass through, got %+v %v", result, err)
	}

	f.provider.setStatus(intent.PaymentIntentID, payments.IntentStatusRequiresAction, "")
	var statusErr *PaymentStatusError
	if _, err := confirm(testBuyerID); !errors.As(err, &statusErr) || statusErr.Status != "requires_action" {
		t.Fatalf("expected PaymentStatusError, got %v", err)
	}

	if _, err := confirm(99); !errors.Is(err, ErrPaymentPermissionDenied) {
		t.Fatalf("expected ErrPaymentPermissionDenied, got %v", err)
	}

	if _, err := f.svc.Confirm(context.Background(), ConfirmPaymentCommand{PaymentIntentID: "pi_missing", UserID: testBuyerID}); !errors.Is(err, ErrPaymentIntentNotFound) {
		t.Fatalf("expected ErrPaymentIntentNotFound, got %v", err)
	}
	if _, err := f.svc.Confirm(context.Background(), ConfirmPaymentCommand{PaymentIntentID: "  ", UserID: testBuyerID}); !errors.Is(err, ErrPaymentInvalidInput) {
		t.Fatalf("expected ErrPaymentInvalidInput, got %v", err)
	}
}

func TestPaymentServiceStatus(t *testing.T) {
	f := newPaymentFixture(t)

	view, err := f.svc.Status(context.Background(), PaymentStatusQuery{OrderID: f.order.ID, Actor: buyer})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Details != nil || view.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("expected no provider details without intent, got %+v", view)
	}

	intent := f.createIntent(t)
	view, err = f.svc.Status(context.Background(), PaymentStatusQuery{OrderID: f.order.ID, Actor: admin})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.PaymentIntentID != intent.PaymentIntentID || view.Details == nil || !view.Details.Amount.Equal(decimal.RequireFromString("250.25")) {
		t.Fatalf("unexpected view %+v", view)
	}

	f.provider.getErr = errors.New("timeout")
	view, err = f.svc.Status(context.Background(), PaymentStatusQuery{OrderID: f.order.ID, Actor: buyer})
	if err != nil {
		t.Fatalf("expected lookup failure to be tolerated, got %v", err)
	}
	if view.Details != nil || !f.loggedEvent("payment.status.lookup.failed") {
		t.Fatalf("expected details omitted and failure logged, got %+v", view)
	}

	if _, err := f.svc.Status(context.Background(), PaymentStatusQuery{OrderID: f.order.ID, Actor: seller}); !errors.Is(err, ErrPaymentPermissionDenied) {
		t.Fatalf("expected ErrPaymentPermissionDenied, got %v", err)
	}
}

func TestPaymentServiceWebhookRejectsBadSignature(t *testing.T) {
	f := newPaymentFixture(t)
	f.provider.next = f.intentEvent("evt_1", payments.EventPaymentIntentSucceeded, "pi_1")

	err := f.svc.HandleWebhook(context.Background(), []byte(`{}`), "t=1,v1=forged")
	if !errors.Is(err, ErrWebhookSignature) {
		t.Fatalf("expected ErrWebhookSignature, got %v", err)
	}
	if f.store.order(f.order.ID).PaymentStatus != domain.PaymentStatusPending {
		t.Fatal("expected order untouched")
	}
}

func TestPaymentServiceWebhookAcknowledgesUndecodableEvent(t *testing.T) {
	f := newPaymentFixture(t)
	f.provider.parseErr = fmt.Errorf("%w: evt_9 payment intent: bad amount", payments.ErrUndecodableEvent)

	if err := f.svc.HandleWebhook(context.Background(), []byte(`{}`), "t=1,v1=good"); err != nil {
		t.Fatalf("expected undecodable event to be acknowledged, got %v", err)
	}
	if !f.loggedEvent("payment.webhook.undecodable") {
		t.Fatal("expected undecodable event to be logged")
	}
	if len(f.metrics.payments) != 1 || f.metrics.payments[0] != "webhook:undecodable" {
		t.Fatalf("unexpected metrics %v", f.metrics.payments)
	}
	if f.store.order(f.order.ID).PaymentStatus != domain.PaymentStatusPending {
		t.Fatal("expected order untouched")
	}
}

func TestPaymentServiceWebhookSucceededMarksPaidOnce(t *testing.T) {
	f := newPaymentFixture(t)
	intent := f.createIntent(t)
	event := f.intentEvent("evt_1", payments.EventPaymentIntentSucceeded, intent.PaymentIntentID)

	f.deliver(t, event)
	f.deliver(t, event)

	order := f.store.order(f.order.ID)
	if order.PaymentStatus != domain.PaymentStatusPaid || order.Status != domain.OrderStatusConfirmed || order.PaidAt == nil {
		t.Fatalf("expected paid and confirmed, got %s/%s", order.Status, order.PaymentStatus)
	}
	if types := f.events.types(); len(types) != 1 || types[0] != orderEventPaid {
		t.Fatalf("expected one order.paid event, got %v", types)
	}
	if !f.loggedEvent("payment.webhook.duplicate") {
		t.Fatal("expected redelivery to be detected")
	}
	if ttl := f.processed.seen["evt_1"]; ttl != defaultWebhookEventTTL {
		t.Fatalf("expected event remembered for %s, got %s", defaultWebhookEventTTL, ttl)
	}
}

func TestPaymentServiceWebhookFallsBackToIntentLookup(t *testing.T) {
	f := newPaymentFixture(t)
	intent := f.createIntent(t)

	f.deliver(t, payments.Event{ID: "evt_1", Type: payments.EventPaymentIntentSucceeded, PaymentIntentID: intent.PaymentIntentID})

	if f.store.order(f.order.ID).PaymentStatus != domain.PaymentStatusPaid {
		t.Fatal("expected order resolved by payment intent id")
	}
}

func TestPaymentServiceWebhookFailureThenSuccess(t *testing.T) {
	f := newPaymentFixture(t)
	intent := f.createIntent(t)

	f.deliver(t, f.intentEvent("evt_1", payments.EventPaymentIntentFailed, intent.PaymentIntentID))
	order := f.store.order(f.order.ID)
	if order.PaymentStatus != domain.PaymentStatusFailed || order.Status != domain.OrderStatusPending {
		t.Fatalf("expected failed payment on pending order, got %s/%s", order.Status, order.PaymentStatus)
	}

	f.deliver(t, f.intentEvent("evt_2", payments.EventPaymentIntentSucceeded, intent.PaymentIntentID))
	if got := f.store.order(f.order.ID).PaymentStatus; got != domain.PaymentStatusPaid {
		t.Fatalf("expected a later success to win, got %s", got)
	}

	f.deliver(t, f.intentEvent("evt_3", payments.EventPaymentIntentFailed, intent.PaymentIntentID))
	if got := f.store.order(f.order.ID).PaymentStatus; got != domain.PaymentStatusPaid {
		t.Fatalf("expected paid to be final, got %s", got)
	}
}

func TestPaymentServiceWebhookIgnoresSupersededIntent(t *testing.T) {
	f := newPaymentFixture(t)
	f.createIntent(t)
	f.createIntent(t)

	f.deliver(t, f.intentEvent("evt_1", payments.EventPaymentIntentCanceled, "pi_1"))

	if got := f.store.order(f.order.ID).PaymentStatus; got != domain.PaymentStatusPending {
		t.Fatalf("expected stale cancel to be ignored, got %s", got)
	}
	if !f.loggedEvent("payment.webhook.stale_intent") {
		t.Fatal("expected stale intent to be logged")
	}

	f.deliver(t, f.intentEvent("evt_2", payments.EventPaymentIntentCanceled, "pi_2"))
	if got := f.store.order(f.order.ID).PaymentStatus; got != domain.PaymentStatusCancelled {
		t.Fatalf("expected current intent cancel to apply, got %s", got)
	}
}

func TestPaymentServiceWebhookRefund(t *testing.T) {
	f := newPaymentFixture(t)
	intent := f.createIntent(t)
	f.deliver(t, f.intentEvent("evt_1", payments.EventPaymentIntentSucceeded, intent.PaymentIntentID))

	f.deliver(t, payments.Event{ID: "evt_2", Type: payments.EventChargeRefunded, PaymentIntentID: intent.PaymentIntentID})

	order := f.store.order(f.order.ID)
	if order.Status != domain.OrderStatusRefunded || order.PaymentStatus != domain.PaymentStatusRefunded {
		t.Fatalf("expected refunded, got %s/%s", order.Status, order.PaymentStatus)
	}
	if types := f.events.types(); len(types) != 2 || types[1] != orderEventRefunded {
		t.Fatalf("expected order.refunded event, got %v", types)
	}
}

func TestPaymentServiceWebhookRefundKeepsCancelledStatus(t *testing.T) {
	f := newPaymentFixture(t)
	cancelled := f.store.putOrder(domain.Order{
		OrderNumber:     "ORD-20240309-00002",
		UserID:          testBuyerID,
		Status:          domain.OrderStatusCancelled,
		PaymentStatus:   domain.PaymentStatusPaid,
		PaymentIntentID: "pi_cancelled",
		Total:           decimal.RequireFromString("40.00"),
	})

	f.deliver(t, payments.Event{ID: "evt_1", Type: payments.EventChargeRefunded, PaymentIntentID: "pi_cancelled"})

	order := f.store.order(cancelled.ID)
	if order.Status != domain.OrderStatusCancelled || order.PaymentStatus != domain.PaymentStatusRefunded {
		t.Fatalf("expected cancelled/refunded, got %s/%s", order.Status, order.PaymentStatus)
	}
	if len(f.events.events) != 1 || f.events.events[0].CurrentStatus != string(domain.OrderStatusCancelled) {
		t.Fatalf("expected refund event to report cancelled status, got %+v", f.events.events)
	}

	f.deliver(t, payments.Event{ID: "evt_2", Type: payments.EventChargeRefunded, PaymentIntentID: "pi_cancelled"})
	if got := len(f.events.types()); got != 1 {
		t.Fatalf("expected repeated refund to be a no-op, got %d events", got)
	}
}

func TestPaymentServiceWebhookSwallowsProcessingErrors(t *testing.T) {
	f := newPaymentFixture(t)

	f.deliver(t, payments.Event{ID: "evt_1", Type: payments.EventPaymentIntentSucceeded, PaymentIntentID: "pi_unknown"})
	f.deliver(t, payments.Event{ID: "evt_2", Type: "customer.created"})

	if !f.loggedEvent("payment.webhook.failed") {
		t.Fatal("expected processing failure to be logged")
	}
	if _, ok := f.processed.seen["evt_1"]; ok {
		t.Fatal("expected failed event not to be remembered")
	}
	if _, ok := f.processed.seen["evt_2"]; !ok {
		t.Fatal("expected ignored event to be remembered")
	}
	want := []string{payments.EventPaymentIntentSucceeded + ":error", "customer.created:ignored"}
	if len(f.metrics.payments) != 2 || f.metrics.payments[0] != want[0] || f.metrics.payments[1] != want[1] {
		t.Fatalf("unexpected metrics %v", f.metrics.payments)
	}
}
