package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role identifies the authority level of an authenticated caller.
type Role string

const (
	// RoleCustomer places and manages their own orders.
	RoleCustomer Role = "customer"
	// RoleSeller fulfils orders containing their products.
	RoleSeller Role = "seller"
	// RoleAdmin has unrestricted access to orders.
	RoleAdmin Role = "admin"
)

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleSeller, RoleAdmin:
		return true
	}
	return false
}

// IsStaff reports whether the role may manage fulfilment.
func (r Role) IsStaff() bool {
	return r == RoleSeller || r == RoleAdmin
}

// OrderStatus enumerates fulfilment lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order was placed and awaits payment or review.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed indicates payment succeeded or staff confirmed the order.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusProcessing indicates the order is being picked and packed.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order was handed to a carrier.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusOutForDelivery indicates the carrier is delivering the parcel.
	OrderStatusOutForDelivery OrderStatus = "out_for_delivery"
	// OrderStatusDelivered indicates the customer received the order.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled is terminal; stock has been restored.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded is terminal; the payment was returned.
	OrderStatusRefunded OrderStatus = "refunded"
)

// Valid reports whether the status is a known fulfilment status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing, OrderStatusShipped,
		OrderStatusOutForDelivery, OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCancelled || s == OrderStatusRefunded
}

// PaymentStatus enumerates the payment axis of an order.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusPaid      PaymentStatus = "paid"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// Valid reports whether the payment status is known.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusPaid, PaymentStatusFailed, PaymentStatusRefunded, PaymentStatusCancelled:
		return true
	}
	return false
}

// Settled reports whether the payment reached a state later provider events must not override.
func (s PaymentStatus) Settled() bool {
	return s == PaymentStatusPaid || s == PaymentStatusRefunded
}

// OrderItemStatus enumerates per-line fulfilment states.
type OrderItemStatus string

const (
	OrderItemStatusPending   OrderItemStatus = "pending"
	OrderItemStatusShipped   OrderItemStatus = "shipped"
	OrderItemStatusDelivered OrderItemStatus = "delivered"
	OrderItemStatusReturned  OrderItemStatus = "returned"
	OrderItemStatusRefunded  OrderItemStatus = "refunded"
)

// Valid reports whether the item status is known.
func (s OrderItemStatus) Valid() bool {
	switch s {
	case OrderItemStatusPending, OrderItemStatusShipped, OrderItemStatusDelivered,
		OrderItemStatusReturned, OrderItemStatusRefunded:
		return true
	}
	return false
}

// User is the minimal account view needed for authorisation.
type User struct {
	ID       int64
	Email    string
	Role     Role
	IsActive bool
}

// Address is a saved shipping address owned by a user.
type Address struct {
	ID            int64
	UserID        int64
	RecipientName string
	Phone         string
	StreetAddress string
	AddressLine2  string
	Suburb        string
	City          string
	Province      string
	PostalCode    string
	Country       string
	IsDefault     bool
}

// Snapshot freezes the address for storage on an order.
func (a Address) Snapshot() AddressSnapshot {
	return AddressSnapshot{
		RecipientName: a.RecipientName,
		Phone:         a.Phone,
		StreetAddress: a.StreetAddress,
		AddressLine2:  a.AddressLine2,
		Suburb:        a.Suburb,
		City:          a.City,
		Province:      a.Province,
		PostalCode:    a.PostalCode,
		Country:       a.Country,
	}
}

// AddressSnapshot is the immutable copy of a shipping address taken when an order is placed.
type AddressSnapshot struct {
	RecipientName string `json:"recipientName"`
	Phone         string `json:"phone"`
	StreetAddress string `json:"streetAddress"`
	AddressLine2  string `json:"addressLine2,omitempty"`
	Suburb        string `json:"suburb,omitempty"`
	City          string `json:"city"`
	Province      string `json:"province"`
	PostalCode    string `json:"postalCode"`
	Country       string `json:"country"`
}

// Product is the catalog view the order core reads and whose stock it adjusts.
type Product struct {
	ID            int64
	SellerID      int64
	Name          string
	SKU           string
	Description   string
	Brand         string
	Price         decimal.Decimal
	StockQuantity int
	IsActive      bool
}

// Snapshot freezes the descriptive product fields for an order line.
func (p Product) Snapshot() ProductSnapshot {
	return ProductSnapshot{
		Name:        p.Name,
		SKU:         p.SKU,
		Description: p.Description,
		Brand:       p.Brand,
	}
}

// ProductSnapshot is the immutable copy of product details stored on an order line.
type ProductSnapshot struct {
	Name        string `json:"name"`
	SKU         string `json:"sku"`
	Description string `json:"description,omitempty"`
	Brand       string `json:"brand,omitempty"`
}

// Cart is the per-user shopping cart. TotalItems and Subtotal are derived from Items.
type Cart struct {
	ID         int64
	UserID     int64
	TotalItems int
	Subtotal   decimal.Decimal
	Items      []CartItem
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Recalculate derives TotalItems and Subtotal from the current items.
func (c *Cart) Recalculate() {
	total := 0
	subtotal := decimal.Zero
	for _, item := range c.Items {
		total += item.Quantity
		subtotal = subtotal.Add(item.LineTotal())
	}
	c.TotalItems = total
	c.Subtotal = subtotal.Round(2)
}

// CartItem is a product line in a cart with the price captured when it was added.
type CartItem struct {
	ID         int64
	CartID     int64
	ProductID  int64
	Quantity   int
	PriceAtAdd decimal.Decimal
	Product    *Product
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// LineTotal returns PriceAtAdd multiplied by Quantity.
func (i CartItem) LineTotal() decimal.Decimal {
	return i.PriceAtAdd.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Order captures the order header, its frozen money fields and line items.
type Order struct {
	ID                int64
	OrderNumber       string
	UserID            int64
	Status            OrderStatus
	PaymentStatus     PaymentStatus
	Subtotal          decimal.Decimal
	ShippingCost      decimal.Decimal
	Discount          decimal.Decimal
	Tax               decimal.Decimal
	Total             decimal.Decimal
	ShippingAddressID *int64
	ShippingAddress   AddressSnapshot
	PaymentMethod     string
	PaymentIntentID   string
	PaidAt            *time.Time
	TrackingNumber    string
	ShippingCarrier   string
	EstimatedDelivery *time.Time
	DeliveredAt       *time.Time
	Notes             string
	CouponCode        string
	Items             []OrderItem
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasSeller reports whether any line belongs to the given seller.
func (o Order) HasSeller(sellerID int64) bool {
	for _, item := range o.Items {
		if item.SellerID == sellerID {
			return true
		}
	}
	return false
}

// OrderItem is an immutable priced line of an order.
type OrderItem struct {
	ID         int64
	OrderID    int64
	ProductID  int64
	SellerID   int64
	Product    ProductSnapshot
	Quantity   int
	UnitPrice  decimal.Decimal
	TotalPrice decimal.Decimal
	Status     OrderItemStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Page packages offset-paginated list results.
type Page[T any] struct {
	Items []T
	Total int
	Page  int
	Limit int
}

// TotalPages returns the number of pages for the current limit.
func (p Page[T]) TotalPages() int {
	if p.Limit <= 0 {
		return 0
	}
	return (p.Total + p.Limit - 1) / p.Limit
}

const (
	HealthStatusOK = "ok"
	// HealthStatusDegraded means an optional dependency such as the idempotency cache is down.
	HealthStatusDegraded = "degraded"
	// HealthStatusError means a required dependency such as the database is down.
	HealthStatusError = "error"
)

// OverallHealth folds check results into one status; error outranks degraded.
func OverallHealth(checks map[string]SystemHealthCheck) string {
	status := HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case HealthStatusError:
			return HealthStatusError
		case HealthStatusDegraded:
			status = HealthStatusDegraded
		}
	}
	return status
}

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
