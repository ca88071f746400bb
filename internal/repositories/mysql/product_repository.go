package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	domain "github.com/storefront-shop/api/internal/domain"
	pmysql "github.com/storefront-shop/api/internal/platform/mysql"
	"github.com/storefront-shop/api/internal/repositories"
)

const productColumns = `id, user_id, name, sku, COALESCE(description, ''), COALESCE(brand, ''), price, stock_quantity, is_active`

// ProductRepository implements repositories.ProductRepository with conditional stock updates.
type ProductRepository struct {
	provider *pmysql.Provider
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

// NewProductRepository constructs a MySQL-backed product repository.
func NewProductRepository(provider *pmysql.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires mysql provider")
	}
	return &ProductRepository{provider: provider}, nil
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.SellerID, &p.Name, &p.SKU, &p.Description, &p.Brand, &p.Price, &p.StockQuantity, &p.IsActive)
	return p, err
}

// FindByID loads a single product.
func (r *ProductRepository) FindByID(ctx context.Context, productID int64) (domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = ?`
	product, err := scanProduct(r.provider.Executor(ctx).QueryRowContext(ctx, query, productID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Product{}, pmysql.NotFound("products.find", "product %d not found", productID)
	}
	if err != nil {
		return domain.Product{}, pmysql.WrapError("products.find", err)
	}
	return product, nil
}

// LockByIDs loads products in id order with FOR UPDATE so concurrent creators lock rows consistently.
// Missing ids are absent from the result.
func (r *ProductRepository) LockByIDs(ctx context.Context, productIDs []int64) (map[int64]domain.Product, error) {
	ids := uniqueIDs(productIDs)
	result := make(map[int64]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	query := fmt.Sprintf(`SELECT %s FROM products WHERE id IN (%s) ORDER BY id FOR UPDATE`, productColumns, placeholders(len(ids)))
	rows, err := r.provider.Executor(ctx).QueryContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return nil, pmysql.WrapError("products.lock", err)
	}
	defer rows.Close()

	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, pmysql.WrapError("products.lock", err)
		}
		result[product.ID] = product
	}
	if err := rows.Err(); err != nil {
		return nil, pmysql.WrapError("products.lock", err)
	}
	return result, nil
}

// DecrementStock subtracts quantity only while enough stock remains.
func (r *ProductRepository) DecrementStock(ctx context.Context, productID int64, quantity int) error {
	const op = "products.decrement_stock"
	if quantity <= 0 {
		return inventoryError(op, repositories.InventoryErrorInvalidQuantity, productID, fmt.Sprintf("quantity must be positive, got %d", quantity), nil)
	}

	const query = `UPDATE products SET stock_quantity = stock_quantity - ?, updated_at = UTC_TIMESTAMP(3)
		WHERE id = ? AND stock_quantity >= ?`
	res, err := r.provider.Executor(ctx).ExecContext(ctx, query, quantity, productID, quantity)
	if err != nil {
		return pmysql.WrapError(op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return pmysql.WrapError(op, err)
	}
	if affected == 0 {
		return inventoryError(op, repositories.InventoryErrorInsufficientStock, productID,
			fmt.Sprintf("product %d has fewer than %d units in stock", productID, quantity), nil)
	}
	return nil
}

// IncrementStock returns quantity to the product, e.g. after a cancellation.
func (r *ProductRepository) IncrementStock(ctx context.Context, productID int64, quantity int) error {
	const op = "products.increment_stock"
	if quantity <= 0 {
		return inventoryError(op, repositories.InventoryErrorInvalidQuantity, productID, fmt.Sprintf("quantity must be positive, got %d", quantity), nil)
	}

	const query = `UPDATE products SET stock_quantity = stock_quantity + ?, updated_at = UTC_TIMESTAMP(3) WHERE id = ?`
	res, err := r.provider.Executor(ctx).ExecContext(ctx, query, quantity, productID)
	if err != nil {
		return pmysql.WrapError(op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return pmysql.WrapError(op, err)
	}
	if affected == 0 {
		return inventoryError(op, repositories.InventoryErrorProductNotFound, productID, fmt.Sprintf("product %d not found", productID), nil)
	}
	return nil
}

func inventoryError(op string, code repositories.InventoryErrorCode, productID int64, message string, err error) error {
	invErr := repositories.NewInventoryError(code, message, err)
	invErr.Op = op
	invErr.ProductID = productID
	return invErr
}
