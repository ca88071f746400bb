package mysql

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/storefront-shop/api/internal/domain"
	pmysql "github.com/storefront-shop/api/internal/platform/mysql"
	"github.com/storefront-shop/api/internal/repositories"
)

// CartRepository persists carts and their items.
type CartRepository struct {
	provider *pmysql.Provider
	now      func() time.Time
}

var _ repositories.CartRepository = (*CartRepository)(nil)

// NewCartRepository constructs a MySQL-backed cart repository.
func NewCartRepository(provider *pmysql.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires mysql provider")
	}
	return &CartRepository{provider: provider, now: time.Now}, nil
}

// GetOrCreate returns the user's cart, inserting an empty one on first access.
func (r *CartRepository) GetOrCreate(ctx context.Context, userID int64) (domain.Cart, error) {
	now := r.now().UTC()
	const insert = `INSERT INTO carts (user_id, total_items, subtotal, created_at, updated_at)
		VALUES (?, 0, 0, ?, ?) ON DUPLICATE KEY UPDATE id = id`
	if _, err := r.provider.Executor(ctx).ExecContext(ctx, insert, userID, now, now); err != nil {
		return domain.Cart{}, pmysql.WrapError("carts.get_or_create", err)
	}
	return r.load(ctx, userID, false)
}

// LockByUser loads the cart with FOR UPDATE on the cart row.
func (r *CartRepository) LockByUser(ctx context.Context, userID int64) (domain.Cart, error) {
	return r.load(ctx, userID, true)
}

func (r *CartRepository) load(ctx context.Context, userID int64, lock bool) (domain.Cart, error) {
	query := `SELECT id, user_id, total_items, subtotal, created_at, updated_at FROM carts WHERE user_id = ?`
	if lock {
		query += ` FOR UPDATE`
	}

	exec := r.provider.Executor(ctx)
	var cart domain.Cart
	err := exec.QueryRowContext(ctx, query, userID).Scan(
		&cart.ID, &cart.UserID, &cart.TotalItems, &cart.Subtotal, &cart.CreatedAt, &cart.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Cart{}, pmysql.NotFound("carts.load", "cart for user %d not found", userID)
	}
	if err != nil {
		return domain.Cart{}, pmysql.WrapError("carts.load", err)
	}

	const itemsQuery = `SELECT ci.id, ci.cart_id, ci.product_id, ci.quantity, ci.price_at_add, ci.created_at, ci.updated_at,
		p.id, p.user_id, p.name, p.sku, COALESCE(p.description, ''), COALESCE(p.brand, ''), p.price, p.stock_quantity, p.is_active
		FROM cart_items ci JOIN products p ON p.id = ci.product_id
		WHERE ci.cart_id = ? ORDER BY ci.id`
	rows, err := exec.QueryContext(ctx, itemsQuery, cart.ID)
	if err != nil {
		return domain.Cart{}, pmysql.WrapError("carts.load_items", err)
	}
	defer rows.Close()

	cart.Items = []domain.CartItem{}
	for rows.Next() {
		var item domain.CartItem
		var p domain.Product
		if err := rows.Scan(
			&item.ID, &item.CartID, &item.ProductID, &item.Quantity, &item.PriceAtAdd, &item.CreatedAt, &item.UpdatedAt,
			&p.ID, &p.SellerID, &p.Name, &p.SKU, &p.Description, &p.Brand, &p.Price, &p.StockQuantity, &p.IsActive,
		); err != nil {
			return domain.Cart{}, pmysql.WrapError("carts.load_items", err)
		}
		item.Product = &p
		cart.Items = append(cart.Items, item)
	}
	if err := rows.Err(); err != nil {
		return domain.Cart{}, pmysql.WrapError("carts.load_items", err)
	}
	return cart, nil
}

// InsertItem adds a new line. A duplicate (cart, product) pair surfaces as a conflict.
func (r *CartRepository) InsertItem(ctx context.Context, item domain.CartItem) (domain.CartItem, error) {
	now := r.now().UTC()
	const query = `INSERT INTO cart_items (cart_id, product_id, quantity, price_at_add, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	res, err := r.provider.Executor(ctx).ExecContext(ctx, query, item.CartID, item.ProductID, item.Quantity, item.PriceAtAdd.Round(2), now, now)
	if err != nil {
		return domain.CartItem{}, pmysql.WrapError("carts.insert_item", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.CartItem{}, pmysql.WrapError("carts.insert_item", err)
	}
	item.ID = id
	item.CreatedAt = now
	item.UpdatedAt = now
	return item, nil
}

// UpdateItemQuantity sets the quantity of a line that belongs to cartID.
func (r *CartRepository) UpdateItemQuantity(ctx context.Context, cartID int64, itemID int64, quantity int) error {
	const query = `UPDATE cart_items SET quantity = ?, updated_at = ? WHERE id = ? AND cart_id = ?`
	return r.execOne(ctx, "carts.update_item", itemID, query, quantity, r.now().UTC(), itemID, cartID)
}

// DeleteItem removes a line that belongs to cartID.
func (r *CartRepository) DeleteItem(ctx context.Context, cartID int64, itemID int64) error {
	const query = `DELETE FROM cart_items WHERE id = ? AND cart_id = ?`
	return r.execOne(ctx, "carts.delete_item", itemID, query, itemID, cartID)
}

// ClearItems removes every line of the cart. The cart row itself is kept.
func (r *CartRepository) ClearItems(ctx context.Context, cartID int64) error {
	const query = `DELETE FROM cart_items WHERE cart_id = ?`
	if _, err := r.provider.Executor(ctx).ExecContext(ctx, query, cartID); err != nil {
		return pmysql.WrapError("carts.clear_items", err)
	}
	return nil
}

// SaveTotals writes the derived totals.
func (r *CartRepository) SaveTotals(ctx context.Context, cartID int64, totalItems int, subtotal decimal.Decimal) error {
	const query = `UPDATE carts SET total_items = ?, subtotal = ?, updated_at = ? WHERE id = ?`
	if _, err := r.provider.Executor(ctx).ExecContext(ctx, query, totalItems, subtotal.Round(2), r.now().UTC(), cartID); err != nil {
		return pmysql.WrapError("carts.save_totals", err)
	}
	return nil
}

func (r *CartRepository) execOne(ctx context.Context, op string, itemID int64, query string, args ...any) error {
	res, err := r.provider.Executor(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return pmysql.WrapError(op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return pmysql.WrapError(op, err)
	}
	if affected == 0 {
		return pmysql.NotFound(op, "cart item %d not found", itemID)
	}
	return nil
}
