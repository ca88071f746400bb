package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/storefront-shop/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Cart               = domain.Cart
	CartItem           = domain.CartItem
	Order              = domain.Order
	OrderItem          = domain.OrderItem
	OrderStatus        = domain.OrderStatus
	PaymentStatus      = domain.PaymentStatus
	OrderItemStatus    = domain.OrderItemStatus
	Address            = domain.Address
	Product            = domain.Product
	SystemHealthReport = domain.SystemHealthReport
)

// Actor identifies the authenticated caller on whose behalf a command runs.
type Actor struct {
	UserID int64
	Role   domain.Role
}

// CartService exposes the per-user cart aggregate. Every mutation recomputes totals in the same transaction.
type CartService interface {
	GetCart(ctx context.Context, userID int64) (Cart, error)
	AddItem(ctx context.Context, cmd AddCartItemCommand) (Cart, error)
	UpdateItem(ctx context.Context, cmd UpdateCartItemCommand) (Cart, error)
	RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (Cart, error)
	Clear(ctx context.Context, userID int64) (Cart, error)
}

// OrderService coordinates order creation and the fulfilment lifecycle.
type OrderService interface {
	CreateFromCart(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.Page[Order], error)
	UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	UpdateShipping(ctx context.Context, cmd UpdateShippingCommand) (Order, error)
	UpdateItemStatus(ctx context.Context, cmd UpdateOrderItemStatusCommand) (Order, error)
}

// CounterService issues human readable sequence numbers.
type CounterService interface {
	// NextOrderNumber must run inside the order creation transaction.
	NextOrderNumber(ctx context.Context, now time.Time) (string, error)
}

// PaymentService reconciles orders with the payment service provider.
type PaymentService interface {
	CreateIntent(ctx context.Context, cmd CreatePaymentIntentCommand) (PaymentIntent, error)
	Confirm(ctx context.Context, cmd ConfirmPaymentCommand) (PaymentConfirmation, error)
	Status(ctx context.Context, query PaymentStatusQuery) (PaymentStatusView, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

// SystemService exposes health information for operational endpoints.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// Cart commands -----------------------------------------------------------------

type AddCartItemCommand struct {
	UserID    int64
	ProductID int64
	Quantity  int
}

type UpdateCartItemCommand struct {
	UserID   int64
	ItemID   int64
	Quantity int
}

type RemoveCartItemCommand struct {
	UserID int64
	ItemID int64
}

// Order commands ----------------------------------------------------------------

type CreateOrderCommand struct {
	UserID            int64
	ShippingAddressID int64
	PaymentMethod     string
	Notes             string
	CouponCode        string
}

type GetOrderCommand struct {
	OrderID int64
	Actor   Actor
}

// OrderListFilter is scoped by the actor's role: customers see their own orders, sellers the orders
// containing their products, admins everything.
type OrderListFilter struct {
	Actor         Actor
	Status        OrderStatus
	PaymentStatus PaymentStatus
	Page          int
	Limit         int
}

type UpdateOrderStatusCommand struct {
	OrderID int64
	Actor   Actor
	Status  OrderStatus
}

type CancelOrderCommand struct {
	OrderID int64
	Actor   Actor
	Reason  string
}

// UpdateShippingCommand changes only the non-nil fields.
type UpdateShippingCommand struct {
	OrderID           int64
	Actor             Actor
	TrackingNumber    *string
	ShippingCarrier   *string
	EstimatedDelivery *time.Time
}

type UpdateOrderItemStatusCommand struct {
	OrderID int64
	ItemID  int64
	Actor   Actor
	Status  OrderItemStatus
}

// Payment commands --------------------------------------------------------------

type CreatePaymentIntentCommand struct {
	OrderID int64
	UserID  int64
}

type ConfirmPaymentCommand struct {
	PaymentIntentID string
	UserID          int64
}

type PaymentStatusQuery struct {
	OrderID int64
	Actor   Actor
}

// PaymentIntent is returned to the client to complete payment.
type PaymentIntent struct {
	PaymentIntentID string
	ClientSecret    string
	Amount          decimal.Decimal
	Currency        string
}

// PaymentConfirmation reports the provider status observed during confirmation.
type PaymentConfirmation struct {
	Status string
	Order  Order
}

// PaymentStatusView is the order payment summary with live provider details when available.
type PaymentStatusView struct {
	OrderID         int64
	OrderNumber     string
	Status          OrderStatus
	PaymentStatus   PaymentStatus
	PaymentIntentID string
	PaidAt          *time.Time
	Total           decimal.Decimal
	Details         *PaymentIntentDetails
}

// PaymentIntentDetails mirrors the provider's current view of the intent.
type PaymentIntentDetails struct {
	Status   string
	Amount   decimal.Decimal
	Currency string
	Created  time.Time
}
