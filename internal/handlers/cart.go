package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/storefront-shop/api/internal/platform/auth"
	"github.com/storefront-shop/api/internal/platform/httpx"
	"github.com/storefront-shop/api/internal/platform/requestctx"
	"github.com/storefront-shop/api/internal/services"
)

const maxCartItemQuantity = 999

type addCartItemRequest struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
}

type updateCartItemRequest struct {
	Quantity int `json:"quantity"`
}

// CartHandlers exposes the authenticated user's cart.
type CartHandlers struct {
	authn *auth.Authenticator
	carts services.CartService
}

// NewCartHandlers constructs CartHandlers.
func NewCartHandlers(authn *auth.Authenticator, carts services.CartService) *CartHandlers {
	return &CartHandlers{
		authn: authn,
		carts: carts,
	}
}

// Routes registers the /cart endpoints.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Get("/", h.getCart)
	r.Delete("/", h.clearCart)
	r.Post("/items", h.addItem)
	r.Put("/items/{itemID}", h.updateItem)
	r.Delete("/items/{itemID}", h.removeItem)
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		serviceUnavailable(ctx, w, "cart")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	cart, err := h.carts.GetCart(ctx, actor.UserID)
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeCart(w, http.StatusOK, cart)
}

func (h *CartHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		serviceUnavailable(ctx, w, "cart")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	var req addCartItemRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ProductID <= 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "productId is required", http.StatusBadRequest))
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	if !validQuantity(req.Quantity) {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", fmt.Sprintf("quantity must be between 1 and %d", maxCartItemQuantity), http.StatusBadRequest))
		return
	}

	cart, err := h.carts.AddItem(ctx, services.AddCartItemCommand{
		UserID:    actor.UserID,
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeCart(w, http.StatusOK, cart)
}

func (h *CartHandlers) updateItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		serviceUnavailable(ctx, w, "cart")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	itemID, ok := idParam(w, r, "itemID", "item id")
	if !ok {
		return
	}
	var req updateCartItemRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !validQuantity(req.Quantity) {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", fmt.Sprintf("quantity must be between 1 and %d", maxCartItemQuantity), http.StatusBadRequest))
		return
	}

	cart, err := h.carts.UpdateItem(ctx, services.UpdateCartItemCommand{
		UserID:   actor.UserID,
		ItemID:   itemID,
		Quantity: req.Quantity,
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeCart(w, http.StatusOK, cart)
}

func (h *CartHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		serviceUnavailable(ctx, w, "cart")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	itemID, ok := idParam(w, r, "itemID", "item id")
	if !ok {
		return
	}

	cart, err := h.carts.RemoveItem(ctx, services.RemoveCartItemCommand{UserID: actor.UserID, ItemID: itemID})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeCart(w, http.StatusOK, cart)
}

func (h *CartHandlers) clearCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		serviceUnavailable(ctx, w, "cart")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	cart, err := h.carts.Clear(ctx, actor.UserID)
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeCart(w, http.StatusOK, cart)
}

func validQuantity(quantity int) bool {
	return quantity >= 1 && quantity <= maxCartItemQuantity
}

func writeCartError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCartInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", errorDetail(err, services.ErrCartInvalidInput), http.StatusBadRequest))
	case errors.Is(err, services.ErrCartProductUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", errorDetail(err, services.ErrCartProductUnavailable), http.StatusBadRequest))
	case errors.Is(err, services.ErrCartNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("cart_item_not_found", "cart item not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCartConflict):
		httpx.WriteError(ctx, w, httpx.NewError("cart_conflict", "cart has been modified; refresh and retry", http.StatusConflict))
	case errors.Is(err, services.ErrCartUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
	default:
		requestctx.Logger(ctx).Error("cart request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.Internal())
	}
}

func writeCart(w http.ResponseWriter, status int, cart services.Cart) {
	w.Header().Set("Cache-Control", "no-store, no-cache, max-age=0, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	if !cart.UpdatedAt.IsZero() {
		w.Header().Set("Last-Modified", cart.UpdatedAt.UTC().Format(http.TimeFormat))
	}
	if etag := buildCartETag(cart); etag != "" {
		w.Header().Set("ETag", etag)
	}
	httpx.WriteJSON(w, status, cartResponse{Cart: buildCartPayload(cart)})
}

type cartResponse struct {
	Cart cartPayload `json:"cart"`
}

type cartPayload struct {
	ID         int64             `json:"id"`
	UserID     int64             `json:"userId"`
	TotalItems int               `json:"totalItems"`
	Subtotal   string            `json:"subtotal"`
	Items      []cartItemPayload `json:"items"`
	UpdatedAt  string            `json:"updatedAt,omitempty"`
}

type cartItemPayload struct {
	ID         int64               `json:"id"`
	ProductID  int64               `json:"productId"`
	Quantity   int                 `json:"quantity"`
	PriceAtAdd string              `json:"priceAtAdd"`
	LineTotal  string              `json:"lineTotal"`
	Product    *cartProductPayload `json:"product,omitempty"`
}

type cartProductPayload struct {
	Name          string `json:"name"`
	SKU           string `json:"sku"`
	Price         string `json:"price"`
	StockQuantity int    `json:"stockQuantity"`
	IsActive      bool   `json:"isActive"`
}

func buildCartPayload(cart services.Cart) cartPayload {
	payload := cartPayload{
		ID:         cart.ID,
		UserID:     cart.UserID,
		TotalItems: cart.TotalItems,
		Subtotal:   formatMoney(cart.Subtotal),
		Items:      make([]cartItemPayload, 0, len(cart.Items)),
		UpdatedAt:  formatTime(cart.UpdatedAt),
	}
	for _, item := range cart.Items {
		entry := cartItemPayload{
			ID:         item.ID,
			ProductID:  item.ProductID,
			Quantity:   item.Quantity,
			PriceAtAdd: formatMoney(item.PriceAtAdd),
			LineTotal:  formatMoney(item.LineTotal()),
		}
		if item.Product != nil {
			entry.Product = &cartProductPayload{
				Name:          item.Product.Name,
				SKU:           item.Product.SKU,
				Price:         formatMoney(item.Product.Price),
				StockQuantity: item.Product.StockQuantity,
				IsActive:      item.Product.IsActive,
			}
		}
		payload.Items = append(payload.Items, entry)
	}
	return payload
}

func buildCartETag(cart services.Cart) string {
	if cart.ID == 0 || cart.UpdatedAt.IsZero() {
		return ""
	}
	input := fmt.Sprintf("%d:%d:%d", cart.ID, cart.UpdatedAt.UTC().UnixNano(), cart.TotalItems)
	sum := sha256.Sum256([]byte(input))
	return fmt.Sprintf(`W/"%s"`, hex.EncodeToString(sum[:8]))
}
