package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	domain "github.com/storefront-shop/api/internal/domain"
	"github.com/storefront-shop/api/internal/payments"
	"github.com/storefront-shop/api/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status_changed"
	orderEventCancelled     = "order.cancelled"
	orderEventPaid          = "order.paid"
	orderEventRefunded      = "order.refunded"

	defaultOrderCreateAttempts = 3
	maxOrderNotesLength        = 2000
)

var tracer = otel.Tracer("github.com/storefront-shop/api/internal/services")

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderEmptyCart indicates the cart has no items to order.
	ErrOrderEmptyCart = errors.New("order: cart is empty")
	// ErrOrderAddressNotFound indicates the shipping address does not exist for the user.
	ErrOrderAddressNotFound = errors.New("order: shipping address not found")
	// ErrOrderStockValidation is matched by *StockValidationError.
	ErrOrderStockValidation = errors.New("order: stock validation failed")
	// ErrOrderPermissionDenied indicates the actor lacks authority over the order.
	ErrOrderPermissionDenied = errors.New("order: permission denied")
	// ErrOrderNotCancellable indicates the order can no longer be cancelled by the actor.
	ErrOrderNotCancellable = errors.New("order: not cancellable")
	// ErrOrderInvalidTransition indicates an invalid status transition was attempted.
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates a concurrent writer changed the order or a unique key collided.
	ErrOrderConflict = errors.New("order: conflict")
)

// Stock issue reasons.
const (
	StockReasonUnavailable  = "unavailable"
	StockReasonInsufficient = "insufficient_stock"
)

// StockIssue describes one cart line that cannot be fulfilled.
type StockIssue struct {
	ProductID int64
	Name      string
	Available int
	Requested int
	Reason    string
}

// Message renders the issue for API clients.
func (i StockIssue) Message() string {
	if i.Reason == StockReasonUnavailable {
		return fmt.Sprintf("%s is no longer available", i.Name)
	}
	return fmt.Sprintf("%s: only %d items available (requested %d)", i.Name, i.Available, i.Requested)
}

// StockValidationError lists every line that failed stock validation.
type StockValidationError struct {
	Issues []StockIssue
}

func (e *StockValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return ErrOrderStockValidation.Error()
	}
	messages := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		messages = append(messages, issue.Message())
	}
	return ErrOrderStockValidation.Error() + ": " + strings.Join(messages, "; ")
}

func (e *StockValidationError) Unwrap() error {
	return ErrOrderStockValidation
}

// Messages returns the per-line messages in cart order.
func (e *StockValidationError) Messages() []string {
	out := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		out = append(out, issue.Message())
	}
	return out
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        int64
	OrderNumber    string
	UserID         int64
	PreviousStatus string
	CurrentStatus  string
	PaymentStatus  string
	ActorID        int64
	OccurredAt     time.Time
	Metadata       map[string]any
}

// OrderMetrics records order and payment outcomes.
type OrderMetrics interface {
	ObserveOrderOperation(operation, outcome string)
	ObservePaymentEvent(eventType, outcome string)
}

type noopOrderMetrics struct{}

func (noopOrderMetrics) ObserveOrderOperation(string, string) {}
func (noopOrderMetrics) ObservePaymentEvent(string, string)   {}

// PricingInput is what pricing rules may look at when an order is created.
type PricingInput struct {
	UserID     int64
	Items      []CartItem
	Subtotal   decimal.Decimal
	Address    Address
	CouponCode string
}

// PricingAdjustments are added to the subtotal: total = subtotal + shipping - discount + tax.
type PricingAdjustments struct {
	ShippingCost decimal.Decimal
	Discount     decimal.Decimal
	Tax          decimal.Decimal
}

// PricingRules computes shipping, discount and tax for a new order.
type PricingRules interface {
	Price(ctx context.Context, input PricingInput) (PricingAdjustments, error)
}

type zeroPricing struct{}

func (zeroPricing) Price(context.Context, PricingInput) (PricingAdjustments, error) {
	return PricingAdjustments{}, nil
}

// IntentCanceller cancels an outstanding payment intent at the provider.
type IntentCanceller interface {
	CancelIntent(ctx context.Context, intentID string) (payments.Intent, error)
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders     repositories.OrderRepository
	Carts      repositories.CartRepository
	Products   repositories.ProductRepository
	Addresses  repositories.AddressRepository
	Counters   CounterService
	UnitOfWork repositories.UnitOfWork
	Pricing    PricingRules
	Payments   IntentCanceller
	Events     OrderEventPublisher
	Metrics    OrderMetrics
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
	// CreateAttempts bounds how often creation is retried after a conflict.
	CreateAttempts int
	RetryBackoff   gax.Backoff
}

type orderService struct {
	orders     repositories.OrderRepository
	carts      repositories.CartRepository
	products   repositories.ProductRepository
	addresses  repositories.AddressRepository
	counters   CounterService
	unitOfWork repositories.UnitOfWork
	pricing    PricingRules
	payments   IntentCanceller
	events     OrderEventPublisher
	metrics    OrderMetrics
	clock      func() time.Time
	logger     func(context.Context, string, map[string]any)
	attempts   int
	backoff    gax.Backoff
	notes      *bluemonday.Policy
}

var _ OrderService = (*orderService)(nil)

// NewOrderService constructs an order service with the supplied dependencies.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("order service: cart repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}
	if deps.Addresses == nil {
		return nil, errors.New("order service: address repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	uow := deps.UnitOfWork
	if uow == nil {
		uow = noopUnitOfWork{}
	}
	pricing := deps.Pricing
	if pricing == nil {
		pricing = zeroPricing{}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopOrderMetrics{}
	}
	attempts := deps.CreateAttempts
	if attempts <= 0 {
		attempts = defaultOrderCreateAttempts
	}
	backoff := deps.RetryBackoff
	if backoff.Initial <= 0 {
		backoff = gax.Backoff{Initial: 25 * time.Millisecond, Max: 250 * time.Millisecond, Multiplier: 2}
	}

	return &orderService{
		orders:     deps.Orders,
		carts:      deps.Carts,
		products:   deps.Products,
		addresses:  deps.Addresses,
		counters:   deps.Counters,
		unitOfWork: uow,
		pricing:    pricing,
		payments:   deps.Payments,
		events:     deps.Events,
		metrics:    metrics,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger:   logger,
		attempts: attempts,
		backoff:  backoff,
		notes:    bluemonday.StrictPolicy(),
	}, nil
}

// CreateFromCart turns the user's cart into a pending order. The order row, its items, the stock
// decrements and the cart reset commit together or not at all.
func (s *orderService) CreateFromCart(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	ctx, span := tracer.Start(ctx, "orders.CreateFromCart")
	defer span.End()
	span.SetAttributes(attribute.Int64("user.id", cmd.UserID))

	if cmd.UserID <= 0 {
		return Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if cmd.ShippingAddressID <= 0 {
		return Order{}, fmt.Errorf("%w: shipping address id is required", ErrOrderInvalidInput)
	}
	notes := strings.TrimSpace(s.notes.Sanitize(html.UnescapeString(cmd.Notes)))
	if len(notes) > maxOrderNotesLength {
		return Order{}, fmt.Errorf("%w: notes exceed %d characters", ErrOrderInvalidInput, maxOrderNotesLength)
	}
	cmd.Notes = notes
	cmd.PaymentMethod = strings.TrimSpace(cmd.PaymentMethod)
	cmd.CouponCode = strings.TrimSpace(cmd.CouponCode)

	backoff := s.backoff
	var (
		created Order
		err     error
	)
	for attempt := 1; attempt <= s.attempts; attempt++ {
		created, err = s.createOnce(ctx, cmd)
		if err == nil || !errors.Is(err, ErrOrderConflict) || attempt == s.attempts {
			break
		}
		s.logger(ctx, "order.create.retry", map[string]any{
			"user":    cmd.UserID,
			"attempt": attempt,
			"error":   err.Error(),
		})
		if sleepErr := gax.Sleep(ctx, backoff.Pause()); sleepErr != nil {
			err = sleepErr
			break
		}
	}
	if err != nil {
		s.metrics.ObserveOrderOperation("create", outcomeOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Order{}, err
	}

	span.SetAttributes(attribute.Int64("order.id", created.ID), attribute.String("order.number", created.OrderNumber))
	s.metrics.ObserveOrderOperation("create", "success")
	s.logger(ctx, "order.created", map[string]any{
		"order":       created.ID,
		"orderNumber": created.OrderNumber,
		"user":        created.UserID,
		"total":       created.Total.StringFixed(2),
		"items":       len(created.Items),
	})
	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       created.ID,
		OrderNumber:   created.OrderNumber,
		UserID:        created.UserID,
		CurrentStatus: string(created.Status),
		PaymentStatus: string(created.PaymentStatus),
		ActorID:       cmd.UserID,
		OccurredAt:    created.CreatedAt,
		Metadata: map[string]any{
			"total": created.Total.StringFixed(2),
		},
	})
	return created, nil
}

func (s *orderService) createOnce(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	var created Order
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		cart, err := s.carts.LockByUser(txCtx, cmd.UserID)
		if err != nil {
			if isRepoNotFound(err) {
				return ErrOrderEmptyCart
			}
			return s.mapRepositoryError(err)
		}
		if len(cart.Items) == 0 {
			return ErrOrderEmptyCart
		}

		address, err := s.addresses.FindForUser(txCtx, cmd.UserID, cmd.ShippingAddressID)
		if err != nil {
			if isRepoNotFound(err) {
				return fmt.Errorf("%w: %d", ErrOrderAddressNotFound, cmd.ShippingAddressID)
			}
			return s.mapRepositoryError(err)
		}

		products, err := s.products.LockByIDs(txCtx, cartProductIDs(cart.Items))
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if issues := validateStock(cart.Items, products); len(issues) > 0 {
			return &StockValidationError{Issues: issues}
		}

		cart.Recalculate()
		adjustments, err := s.pricing.Price(txCtx, PricingInput{
			UserID:     cmd.UserID,
			Items:      cart.Items,
			Subtotal:   cart.Subtotal,
			Address:    address,
			CouponCode: cmd.CouponCode,
		})
		if err != nil {
			return fmt.Errorf("order: pricing: %w", err)
		}

		now := s.now()
		number, err := s.counters.NextOrderNumber(txCtx, now)
		if err != nil {
			return err
		}

		order, err := buildOrder(cmd, cart, products, address, adjustments, number, now)
		if err != nil {
			return err
		}

		inserted, err := s.orders.Insert(txCtx, order)
		if err != nil {
			return s.mapRepositoryError(err)
		}

		for _, item := range inserted.Items {
			if err := s.products.DecrementStock(txCtx, item.ProductID, item.Quantity); err != nil {
				return s.mapInventoryError(err, item, products)
			}
		}

		if err := s.carts.ClearItems(txCtx, cart.ID); err != nil {
			return s.mapRepositoryError(err)
		}
		if err := s.carts.SaveTotals(txCtx, cart.ID, 0, decimal.Zero); err != nil {
			return s.mapRepositoryError(err)
		}

		created = inserted
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return created, nil
}

func buildOrder(cmd CreateOrderCommand, cart Cart, products map[int64]Product, address Address, adj PricingAdjustments, number string, now time.Time) (Order, error) {
	shipping := adj.ShippingCost.Round(2)
	discount := adj.Discount.Round(2)
	tax := adj.Tax.Round(2)
	if shipping.IsNegative() || discount.IsNegative() || tax.IsNegative() {
		return Order{}, fmt.Errorf("%w: pricing adjustments must not be negative", ErrOrderInvalidInput)
	}

	items := make([]OrderItem, 0, len(cart.Items))
	subtotal := decimal.Zero
	for _, line := range cart.Items {
		product := products[line.ProductID]
		unit := line.PriceAtAdd.Round(2)
		lineTotal := unit.Mul(decimal.NewFromInt(int64(line.Quantity))).Round(2)
		subtotal = subtotal.Add(lineTotal)
		items = append(items, OrderItem{
			ProductID:  line.ProductID,
			SellerID:   product.SellerID,
			Product:    product.Snapshot(),
			Quantity:   line.Quantity,
			UnitPrice:  unit,
			TotalPrice: lineTotal,
			Status:     domain.OrderItemStatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}

	total := subtotal.Add(shipping).Sub(discount).Add(tax)
	if total.IsNegative() {
		return Order{}, fmt.Errorf("%w: discount exceeds order value", ErrOrderInvalidInput)
	}

	addressID := address.ID
	return Order{
		OrderNumber:       number,
		UserID:            cmd.UserID,
		Status:            domain.OrderStatusPending,
		PaymentStatus:     domain.PaymentStatusPending,
		Subtotal:          subtotal,
		ShippingCost:      shipping,
		Discount:          discount,
		Tax:               tax,
		Total:             total,
		ShippingAddressID: &addressID,
		ShippingAddress:   address.Snapshot(),
		PaymentMethod:     cmd.PaymentMethod,
		Notes:             cmd.Notes,
		CouponCode:        cmd.CouponCode,
		Items:             items,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// validateStock reports every line that is inactive, missing or short on stock, in cart order.
func validateStock(items []CartItem, products map[int64]Product) []StockIssue {
	var issues []StockIssue
	for _, line := range items {
		product, ok := products[line.ProductID]
		if !ok || !product.IsActive {
			name := product.Name
			if name == "" && line.Product != nil {
				name = line.Product.Name
			}
			if name == "" {
				name = "Product " + strconv.FormatInt(line.ProductID, 10)
			}
			issues = append(issues, StockIssue{
				ProductID: line.ProductID,
				Name:      name,
				Requested: line.Quantity,
				Reason:    StockReasonUnavailable,
			})
			continue
		}
		if product.StockQuantity < line.Quantity {
			issues = append(issues, StockIssue{
				ProductID: line.ProductID,
				Name:      product.Name,
				Available: product.StockQuantity,
				Requested: line.Quantity,
				Reason:    StockReasonInsufficient,
			})
		}
	}
	return issues
}

func cartProductIDs(items []CartItem) []int64 {
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	return ids
}

func (s *orderService) mapInventoryError(err error, item OrderItem, products map[int64]Product) error {
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		switch invErr.Code {
		case repositories.InventoryErrorInsufficientStock:
			product := products[item.ProductID]
			return &StockValidationError{Issues: []StockIssue{{
				ProductID: item.ProductID,
				Name:      item.Product.Name,
				Available: product.StockQuantity,
				Requested: item.Quantity,
				Reason:    StockReasonInsufficient,
			}}}
		case repositories.InventoryErrorProductNotFound:
			return &StockValidationError{Issues: []StockIssue{{
				ProductID: item.ProductID,
				Name:      item.Product.Name,
				Requested: item.Quantity,
				Reason:    StockReasonUnavailable,
			}}}
		case repositories.InventoryErrorInvalidQuantity:
			return fmt.Errorf("%w: %s", ErrOrderInvalidInput, invErr.Message)
		}
	}
	return s.mapRepositoryError(err)
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
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

// outcomeOf buckets an error for metric labels.
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrOrderEmptyCart), errors.Is(err, ErrOrderStockValidation),
		errors.Is(err, ErrOrderAddressNotFound), errors.Is(err, ErrOrderInvalidInput):
		return "rejected"
	case errors.Is(err, ErrOrderPermissionDenied), errors.Is(err, ErrOrderNotCancellable),
		errors.Is(err, ErrOrderInvalidTransition), errors.Is(err, ErrOrderNotFound):
		return "rejected"
	case errors.Is(err, ErrOrderConflict):
		return "conflict"
	default:
		return "error"
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}
