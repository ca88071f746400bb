package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/storefront-shop/api/internal/repositories"
)

const maxCartLineQuantity = 999

// ErrCartInvalidInput indicates the caller supplied invalid cart parameters.
var ErrCartInvalidInput = errors.New("cart service: invalid input")

// ErrCartUnavailable indicates the backing store could not be reached.
var ErrCartUnavailable = errors.New("cart service: unavailable")

// ErrCartNotFound indicates the cart item or product does not exist.
var ErrCartNotFound = errors.New("cart service: not found")

// ErrCartConflict indicates a concurrent update collided with this one.
var ErrCartConflict = errors.New("cart service: conflict")

// ErrCartProductUnavailable indicates the product is inactive or has too little stock.
var ErrCartProductUnavailable = errors.New("cart service: product unavailable")

// CartServiceDeps bundles collaborators required to construct the cart service.
type CartServiceDeps struct {
	Carts      repositories.CartRepository
	Products   repositories.ProductRepository
	UnitOfWork repositories.UnitOfWork
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type cartService struct {
	carts      repositories.CartRepository
	products   repositories.ProductRepository
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	logger     func(context.Context, string, map[string]any)
}

var _ CartService = (*cartService)(nil)

// NewCartService constructs the cart service.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Carts == nil {
		return nil, errors.New("cart service: cart repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("cart service: product repository is required")
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
	return &cartService{
		carts:      deps.Carts,
		products:   deps.Products,
		unitOfWork: uow,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// GetCart returns the user's cart, creating an empty one on first access.
func (s *cartService) GetCart(ctx context.Context, userID int64) (Cart, error) {
	if userID <= 0 {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	cart, err := s.carts.GetOrCreate(ctx, userID)
	if err != nil {
		return Cart{}, s.mapRepositoryError(err)
	}
	return cart, nil
}

// AddItem adds quantity of a product. Adding a product already in the cart increases its quantity.
func (s *cartService) AddItem(ctx context.Context, cmd AddCartItemCommand) (Cart, error) {
	if cmd.UserID <= 0 || cmd.ProductID <= 0 {
		return Cart{}, fmt.Errorf("%w: user id and product id are required", ErrCartInvalidInput)
	}
	if cmd.Quantity <= 0 || cmd.Quantity > maxCartLineQuantity {
		return Cart{}, fmt.Errorf("%w: quantity must be between 1 and %d", ErrCartInvalidInput, maxCartLineQuantity)
	}

	return s.mutate(ctx, cmd.UserID, func(txCtx context.Context, cart Cart) error {
		product, err := s.products.FindByID(txCtx, cmd.ProductID)
		if err != nil {
			return s.mapRepositoryError(err)
		}

		var existing *CartItem
		for i := range cart.Items {
			if cart.Items[i].ProductID == cmd.ProductID {
				existing = &cart.Items[i]
				break
			}
		}

		quantity := cmd.Quantity
		if existing != nil {
			quantity += existing.Quantity
		}
		if err := checkAvailability(product, quantity); err != nil {
			return err
		}

		if existing != nil {
			return s.mapRepositoryError(s.carts.UpdateItemQuantity(txCtx, cart.ID, existing.ID, quantity))
		}
		now := s.clock()
		_, err = s.carts.InsertItem(txCtx, CartItem{
			CartID:     cart.ID,
			ProductID:  product.ID,
			Quantity:   quantity,
			PriceAtAdd: product.Price.Round(2),
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		return s.mapRepositoryError(err)
	})
}

// UpdateItem sets the quantity of an existing line.
func (s *cartService) UpdateItem(ctx context.Context, cmd UpdateCartItemCommand) (Cart, error) {
	if cmd.UserID <= 0 || cmd.ItemID <= 0 {
		return Cart{}, fmt.Errorf("%w: user id and item id are required", ErrCartInvalidInput)
	}
	if cmd.Quantity <= 0 || cmd.Quantity > maxCartLineQuantity {
		return Cart{}, fmt.Errorf("%w: quantity must be between 1 and %d", ErrCartInvalidInput, maxCartLineQuantity)
	}

	return s.mutate(ctx, cmd.UserID, func(txCtx context.Context, cart Cart) error {
		item, ok := findCartItem(cart, cmd.ItemID)
		if !ok {
			return fmt.Errorf("%w: cart item %d", ErrCartNotFound, cmd.ItemID)
		}
		product, err := s.products.FindByID(txCtx, item.ProductID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if err := checkAvailability(product, cmd.Quantity); err != nil {
			return err
		}
		return s.mapRepositoryError(s.carts.UpdateItemQuantity(txCtx, cart.ID, item.ID, cmd.Quantity))
	})
}

// RemoveItem deletes a line from the cart.
func (s *cartService) RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (Cart, error) {
	if cmd.UserID <= 0 || cmd.ItemID <= 0 {
		return Cart{}, fmt.Errorf("%w: user id and item id are required", ErrCartInvalidInput)
	}
	return s.mutate(ctx, cmd.UserID, func(txCtx context.Context, cart Cart) error {
		if _, ok := findCartItem(cart, cmd.ItemID); !ok {
			return fmt.Errorf("%w: cart item %d", ErrCartNotFound, cmd.ItemID)
		}
		return s.mapRepositoryError(s.carts.DeleteItem(txCtx, cart.ID, cmd.ItemID))
	})
}

// Clear removes every line and zeroes the totals.
func (s *cartService) Clear(ctx context.Context, userID int64) (Cart, error) {
	if userID <= 0 {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	return s.mutate(ctx, userID, func(txCtx context.Context, cart Cart) error {
		return s.mapRepositoryError(s.carts.ClearItems(txCtx, cart.ID))
	})
}

// mutate locks the cart, applies fn and writes recomputed totals before the transaction commits.
func (s *cartService) mutate(ctx context.Context, userID int64, fn func(context.Context, Cart) error) (Cart, error) {
	var result Cart
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		if _, err := s.carts.GetOrCreate(txCtx, userID); err != nil {
			return s.mapRepositoryError(err)
		}
		cart, err := s.carts.LockByUser(txCtx, userID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if err := fn(txCtx, cart); err != nil {
			return err
		}

		cart, err = s.carts.LockByUser(txCtx, userID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		cart.Recalculate()
		if err := s.carts.SaveTotals(txCtx, cart.ID, cart.TotalItems, cart.Subtotal); err != nil {
			return s.mapRepositoryError(err)
		}
		result = cart
		return nil
	})
	if err != nil {
		return Cart{}, err
	}
	s.logger(ctx, "cart.updated", map[string]any{
		"cart":       result.ID,
		"user":       userID,
		"totalItems": result.TotalItems,
		"subtotal":   result.Subtotal.StringFixed(2),
	})
	return result, nil
}

func checkAvailability(product Product, quantity int) error {
	if !product.IsActive {
		return fmt.Errorf("%w: %s is no longer available", ErrCartProductUnavailable, product.Name)
	}
	if product.StockQuantity < quantity {
		return fmt.Errorf("%w: %s: only %d items available (requested %d)",
			ErrCartProductUnavailable, product.Name, product.StockQuantity, quantity)
	}
	return nil
}

func findCartItem(cart Cart, itemID int64) (CartItem, bool) {
	for _, item := range cart.Items {
		if item.ID == itemID {
			return item, true
		}
	}
	return CartItem{}, false
}

func (s *cartService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrCartNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrCartConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrCartUnavailable, err)
		}
	}
	return err
}
