package repositories

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/storefront-shop/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Users() UserRepository
	Addresses() AddressRepository
	Products() ProductRepository
	Carts() CartRepository
	Orders() OrderRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in a transactional boundary. Repositories invoked with the
// context passed to fn join the transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// UserRepository resolves accounts for authorisation.
type UserRepository interface {
	FindByID(ctx context.Context, userID int64) (domain.User, error)
}

// AddressRepository reads saved addresses scoped to their owner.
type AddressRepository interface {
	FindForUser(ctx context.Context, userID int64, addressID int64) (domain.Address, error)
}

// ProductRepository reads catalog entries and adjusts stock atomically.
type ProductRepository interface {
	FindByID(ctx context.Context, productID int64) (domain.Product, error)
	// LockByIDs loads the products and holds row locks until the surrounding transaction ends.
	LockByIDs(ctx context.Context, productIDs []int64) (map[int64]domain.Product, error)
	// DecrementStock fails with InventoryErrorInsufficientStock instead of going negative.
	DecrementStock(ctx context.Context, productID int64, quantity int) error
	IncrementStock(ctx context.Context, productID int64, quantity int) error
}

// CartRepository persists the cart aggregate. Totals are written explicitly by the caller.
type CartRepository interface {
	GetOrCreate(ctx context.Context, userID int64) (domain.Cart, error)
	// LockByUser loads the cart with its items and holds the cart row lock.
	LockByUser(ctx context.Context, userID int64) (domain.Cart, error)
	InsertItem(ctx context.Context, item domain.CartItem) (domain.CartItem, error)
	UpdateItemQuantity(ctx context.Context, cartID int64, itemID int64, quantity int) error
	DeleteItem(ctx context.Context, cartID int64, itemID int64) error
	ClearItems(ctx context.Context, cartID int64) error
	SaveTotals(ctx context.Context, cartID int64, totalItems int, subtotal decimal.Decimal) error
}

// OrderRepository persists orders and their items. Update methods carry their state guards in the
// statement and report whether a row changed.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) (domain.Order, error)
	FindByID(ctx context.Context, orderID int64) (domain.Order, error)
	// LockByID loads the order with its items and holds the order row lock.
	LockByID(ctx context.Context, orderID int64) (domain.Order, error)
	FindByPaymentIntent(ctx context.Context, paymentIntentID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.Page[domain.Order], error)
	LatestOrderNumber(ctx context.Context, prefix string) (string, error)

	UpdateStatus(ctx context.Context, update OrderStatusUpdate) (bool, error)
	UpdateShipping(ctx context.Context, update OrderShippingUpdate) error
	UpdateItemStatus(ctx context.Context, orderID int64, itemID int64, status domain.OrderItemStatus, at time.Time) error

	AttachPaymentIntent(ctx context.Context, orderID int64, paymentIntentID string, at time.Time) (bool, error)
	MarkPaid(ctx context.Context, orderID int64, paidAt time.Time) (bool, error)
	MarkPaymentStatus(ctx context.Context, orderID int64, status domain.PaymentStatus, at time.Time) (bool, error)
	MarkRefunded(ctx context.Context, orderID int64, at time.Time) (bool, error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, cfg CounterConfig) (int64, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

// OrderListFilter narrows order listings. UserID and SellerID are applied when non-nil.
type OrderListFilter struct {
	UserID        *int64
	SellerID      *int64
	Status        domain.OrderStatus
	PaymentStatus domain.PaymentStatus
	Page          int
	Limit         int
}

// OrderStatusUpdate moves an order from one fulfilment status to another.
type OrderStatusUpdate struct {
	OrderID int64
	From    domain.OrderStatus
	To      domain.OrderStatus
	// DeliveredAt is only written when the stored value is empty.
	DeliveredAt *time.Time
	UpdatedAt   time.Time
}

// OrderShippingUpdate changes only the non-nil fields.
type OrderShippingUpdate struct {
	OrderID           int64
	TrackingNumber    *string
	ShippingCarrier   *string
	EstimatedDelivery *time.Time
	UpdatedAt         time.Time
}

// CounterConfig controls how a counter advances.
type CounterConfig struct {
	Step int64
	// Floor is the lowest value the counter may continue from.
	Floor    int64
	MaxValue *int64
}
