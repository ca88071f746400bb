package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/storefront-shop/api/internal/domain"
	"github.com/storefront-shop/api/internal/platform/auth"
	"github.com/storefront-shop/api/internal/platform/httpx"
	"github.com/storefront-shop/api/internal/platform/pagination"
	"github.com/storefront-shop/api/internal/platform/requestctx"
	"github.com/storefront-shop/api/internal/services"
)

type createOrderRequest struct {
	ShippingAddressID int64  `json:"shippingAddressId"`
	PaymentMethod     string `json:"paymentMethod"`
	Notes             string `json:"notes"`
	CouponCode        string `json:"couponCode"`
}

type updateOrderStatusRequest struct {
	Status string `json:"status"`
}

type updateShippingRequest struct {
	TrackingNumber    *string `json:"trackingNumber"`
	ShippingCarrier   *string `json:"shippingCarrier"`
	EstimatedDelivery *string `json:"estimatedDelivery"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type updateItemStatusRequest struct {
	Status string `json:"status"`
}

// OrderHandlers exposes order creation and lifecycle endpoints for authenticated users.
type OrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	idempotency func(http.Handler) http.Handler
}

// OrderHandlerOption customises OrderHandlers.
type OrderHandlerOption func(*OrderHandlers)

// WithOrderIdempotency guards order creation with the given idempotency middleware.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) OrderHandlerOption {
	return func(h *OrderHandlers) {
		h.idempotency = mw
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlerOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	create := http.Handler(http.HandlerFunc(h.createOrder))
	if h.idempotency != nil {
		create = h.idempotency(create)
	}

	r.Group(func(customer chi.Router) {
		if h.authn != nil {
			customer.Use(h.authn.RequireAuth())
		}
		customer.Method(http.MethodPost, "/", create)
		customer.With(pagination.Middleware()).Get("/", h.listOrders)
		customer.Get("/{orderID}", h.getOrder)
		customer.Post("/{orderID}/cancel", h.cancelOrder)
	})

	r.Group(func(staff chi.Router) {
		if h.authn != nil {
			staff.Use(h.authn.RequireAuth(domain.RoleSeller, domain.RoleAdmin))
		}
		staff.Put("/{orderID}/status", h.updateStatus)
		staff.Put("/{orderID}/shipping", h.updateShipping)
		staff.Put("/{orderID}/items/{itemID}/status", h.updateItemStatus)
	})
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ShippingAddressID <= 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "shippingAddressId is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.CreateFromCart(ctx, services.CreateOrderCommand{
		UserID:            actor.UserID,
		ShippingAddressID: req.ShippingAddressID,
		PaymentMethod:     req.PaymentMethod,
		Notes:             req.Notes,
		CouponCode:        req.CouponCode,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	params := pagination.FromContextOrDefault(ctx)
	page, err := h.orders.ListOrders(ctx, services.OrderListFilter{
		Actor:         actor,
		Status:        domain.OrderStatus(strings.ToLower(strings.TrimSpace(query.Get("status")))),
		PaymentStatus: domain.PaymentStatus(strings.ToLower(strings.TrimSpace(query.Get("paymentStatus")))),
		Page:          params.Page,
		Limit:         params.Limit,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	orders := make([]orderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		orders = append(orders, buildOrderPayload(order))
	}
	httpx.WriteJSON(w, http.StatusOK, orderListResponse{
		Orders:     orders,
		Pagination: pagination.NewMeta(page.Total, pagination.Params{Page: page.Page, Limit: page.Limit}),
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
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

	order, err := h.orders.GetOrder(ctx, services.GetOrderCommand{OrderID: orderID, Actor: actor})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
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
	var req cancelOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: orderID,
		Actor:   actor,
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
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
	var req updateOrderStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status := domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if !status.Valid() {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a valid order status", http.StatusBadRequest))
		return
	}

	order, err := h.orders.UpdateStatus(ctx, services.UpdateOrderStatusCommand{OrderID: orderID, Actor: actor, Status: status})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) updateShipping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
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
	var req updateShippingRequest
	if !decodeBody(w, r, &req) {
		return
	}

	cmd := services.UpdateShippingCommand{
		OrderID:         orderID,
		Actor:           actor,
		TrackingNumber:  trimmedPointer(req.TrackingNumber),
		ShippingCarrier: trimmedPointer(req.ShippingCarrier),
	}
	if req.EstimatedDelivery != nil {
		eta, err := parseDeliveryDate(*req.EstimatedDelivery)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "estimatedDelivery must be an RFC3339 timestamp or YYYY-MM-DD date", http.StatusBadRequest))
			return
		}
		cmd.EstimatedDelivery = &eta
	}

	order, err := h.orders.UpdateShipping(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) updateItemStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
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
	itemID, ok := idParam(w, r, "itemID", "item id")
	if !ok {
		return
	}
	var req updateItemStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status := domain.OrderItemStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if !status.Valid() {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a valid item status", http.StatusBadRequest))
		return
	}

	order, err := h.orders.UpdateItemStatus(ctx, services.UpdateOrderItemStatusCommand{
		OrderID: orderID,
		ItemID:  itemID,
		Actor:   actor,
		Status:  status,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func trimmedPointer(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	return &trimmed
}

func parseDeliveryDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC(), nil
	}
	return time.Parse(time.DateOnly, raw)
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var stockErr *services.StockValidationError
	switch {
	case errors.As(err, &stockErr):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", "Some items are unavailable", http.StatusBadRequest).WithErrors(stockErr.Messages()))
	case errors.Is(err, services.ErrOrderEmptyCart):
		httpx.WriteError(ctx, w, httpx.NewError("cart_empty", "Cart is empty", http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", errorDetail(err, services.ErrOrderInvalidInput), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderAddressNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("address_not_found", "Shipping address not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "Order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderPermissionDenied):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "Access denied", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderNotCancellable):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_cancellable", "Order cannot be cancelled", http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", errorDetail(err, services.ErrOrderInvalidTransition), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "Order was modified concurrently; retry the request", http.StatusConflict))
	case errors.Is(err, services.ErrCounterExhausted):
		requestctx.Logger(ctx).Error("order number sequence exhausted", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("order_number_exhausted", "Unable to allocate an order number", http.StatusServiceUnavailable))
	case isRepositoryUnavailable(err):
		requestctx.Logger(ctx).Error("order store unavailable", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
	default:
		requestctx.Logger(ctx).Error("order request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.Internal())
	}
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderListResponse struct {
	Orders     []orderPayload  `json:"orders"`
	Pagination pagination.Meta `json:"pagination"`
}

type orderPayload struct {
	ID                int64                  `json:"id"`
	OrderNumber       string                 `json:"orderNumber"`
	UserID            int64                  `json:"userId"`
	Status            string                 `json:"status"`
	PaymentStatus     string                 `json:"paymentStatus"`
	Subtotal          string                 `json:"subtotal"`
	ShippingCost      string                 `json:"shippingCost"`
	Discount          string                 `json:"discount"`
	Tax               string                 `json:"tax"`
	Total             string                 `json:"total"`
	ShippingAddressID *int64                 `json:"shippingAddressId,omitempty"`
	ShippingAddress   domain.AddressSnapshot `json:"shippingAddress"`
	PaymentMethod     string                 `json:"paymentMethod,omitempty"`
	PaymentIntentID   string                 `json:"paymentIntentId,omitempty"`
	PaidAt            *string                `json:"paidAt,omitempty"`
	TrackingNumber    string                 `json:"trackingNumber,omitempty"`
	ShippingCarrier   string                 `json:"shippingCarrier,omitempty"`
	EstimatedDelivery *string                `json:"estimatedDelivery,omitempty"`
	DeliveredAt       *string                `json:"deliveredAt,omitempty"`
	Notes             string                 `json:"notes,omitempty"`
	CouponCode        string                 `json:"couponCode,omitempty"`
	Items             []orderItemPayload     `json:"items"`
	CreatedAt         string                 `json:"createdAt,omitempty"`
	UpdatedAt         string                 `json:"updatedAt,omitempty"`
}

type orderItemPayload struct {
	ID         int64                  `json:"id"`
	ProductID  int64                  `json:"productId"`
	SellerID   int64                  `json:"sellerId"`
	Product    domain.ProductSnapshot `json:"product"`
	Quantity   int                    `json:"quantity"`
	UnitPrice  string                 `json:"unitPrice"`
	TotalPrice string                 `json:"totalPrice"`
	Status     string                 `json:"status"`
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:                order.ID,
		OrderNumber:       order.OrderNumber,
		UserID:            order.UserID,
		Status:            string(order.Status),
		PaymentStatus:     string(order.PaymentStatus),
		Subtotal:          formatMoney(order.Subtotal),
		ShippingCost:      formatMoney(order.ShippingCost),
		Discount:          formatMoney(order.Discount),
		Tax:               formatMoney(order.Tax),
		Total:             formatMoney(order.Total),
		ShippingAddressID: order.ShippingAddressID,
		ShippingAddress:   order.ShippingAddress,
		PaymentMethod:     order.PaymentMethod,
		PaymentIntentID:   order.PaymentIntentID,
		PaidAt:            formatTimePtr(order.PaidAt),
		TrackingNumber:    order.TrackingNumber,
		ShippingCarrier:   order.ShippingCarrier,
		EstimatedDelivery: formatTimePtr(order.EstimatedDelivery),
		DeliveredAt:       formatTimePtr(order.DeliveredAt),
		Notes:             order.Notes,
		CouponCode:        order.CouponCode,
		Items:             make([]orderItemPayload, 0, len(order.Items)),
		CreatedAt:         formatTime(order.CreatedAt),
		UpdatedAt:         formatTime(order.UpdatedAt),
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ID:         item.ID,
			ProductID:  item.ProductID,
			SellerID:   item.SellerID,
			Product:    item.Product,
			Quantity:   item.Quantity,
			UnitPrice:  formatMoney(item.UnitPrice),
			TotalPrice: formatMoney(item.TotalPrice),
			Status:     string(item.Status),
		})
	}
	return payload
}
