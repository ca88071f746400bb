package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/storefront-shop/api/internal/domain"
	pmysql "github.com/storefront-shop/api/internal/platform/mysql"
	"github.com/storefront-shop/api/internal/repositories"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
)

const orderColumns = `o.id, o.order_number, o.user_id, o.status, o.payment_status, o.subtotal, o.shipping_cost,
	o.discount, o.tax, o.total, o.shipping_address_id, o.shipping_address_snapshot, COALESCE(o.payment_method, ''),
	COALESCE(o.payment_intent_id, ''), o.paid_at, COALESCE(o.tracking_number, ''), COALESCE(o.shipping_carrier, ''),
	o.estimated_delivery, o.delivered_at, COALESCE(o.notes, ''), COALESCE(o.coupon_code, ''), o.created_at, o.updated_at`

const orderItemColumns = `id, order_id, product_id, seller_id, product_snapshot, quantity, unit_price, total_price,
	status, created_at, updated_at`

// OrderRepository implements repositories.OrderRepository. Every state change carries its guard in the
// WHERE clause so concurrent writers and redelivered webhooks cannot regress an order.
type OrderRepository struct {
	provider *pmysql.Provider
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a MySQL-backed order repository.
func NewOrderRepository(provider *pmysql.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires mysql provider")
	}
	return &OrderRepository{provider: provider}, nil
}

// Insert writes the order header followed by its items and returns the order with generated ids.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) (domain.Order, error) {
	const op = "orders.insert"
	if len(order.Items) == 0 {
		return domain.Order{}, errors.New("orders.insert: order has no items")
	}

	snapshot, err := json.Marshal(order.ShippingAddress)
	if err != nil {
		return domain.Order{}, fmt.Errorf("orders.insert: encode address snapshot: %w", err)
	}

	var addressID sql.NullInt64
	if order.ShippingAddressID != nil {
		addressID = sql.NullInt64{Int64: *order.ShippingAddressID, Valid: true}
	}

	const header = `INSERT INTO orders (order_number, user_id, status, payment_status, subtotal, shipping_cost, discount, tax,
		total, shipping_address_id, shipping_address_snapshot, payment_method, payment_intent_id, notes, coupon_code,
		created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	exec := r.provider.Executor(ctx)
	res, err := exec.ExecContext(ctx, header,
		order.OrderNumber, order.UserID, string(order.Status), string(order.PaymentStatus),
		order.Subtotal.Round(2), order.ShippingCost.Round(2), order.Discount.Round(2), order.Tax.Round(2), order.Total.Round(2),
		addressID, snapshot, nullString(order.PaymentMethod), nullString(order.PaymentIntentID),
		nullString(order.Notes), nullString(order.CouponCode), order.CreatedAt.UTC(), order.UpdatedAt.UTC(),
	)
	if err != nil {
		return domain.Order{}, pmysql.WrapError(op, err)
	}
	orderID, err := res.LastInsertId()
	if err != nil {
		return domain.Order{}, pmysql.WrapError(op, err)
	}
	order.ID = orderID

	const item = `INSERT INTO order_items (order_id, product_id, seller_id, product_snapshot, quantity, unit_price,
		total_price, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	items := make([]domain.OrderItem, len(order.Items))
	for i, line := range order.Items {
		productSnapshot, err := json.Marshal(line.Product)
		if err != nil {
			return domain.Order{}, fmt.Errorf("orders.insert: encode product snapshot: %w", err)
		}
		res, err := exec.ExecContext(ctx, item,
			orderID, line.ProductID, line.SellerID, productSnapshot, line.Quantity,
			line.UnitPrice.Round(2), line.TotalPrice.Round(2), string(line.Status), order.CreatedAt.UTC(), order.UpdatedAt.UTC(),
		)
		if err != nil {
			return domain.Order{}, pmysql.WrapError("orders.insert_item", err)
		}
		itemID, err := res.LastInsertId()
		if err != nil {
			return domain.Order{}, pmysql.WrapError("orders.insert_item", err)
		}
		line.ID = itemID
		line.OrderID = orderID
		line.CreatedAt = order.CreatedAt
		line.UpdatedAt = order.UpdatedAt
		items[i] = line
	}
	order.Items = items
	return order, nil
}

// FindByID loads the order and its items.
func (r *OrderRepository) FindByID(ctx context.Context, orderID int64) (domain.Order, error) {
	return r.findOne(ctx, "orders.find", `SELECT `+orderColumns+` FROM orders o WHERE o.id = ?`, orderID)
}

// LockByID loads the order with FOR UPDATE on the order row.
func (r *OrderRepository) LockByID(ctx context.Context, orderID int64) (domain.Order, error) {
	return r.findOne(ctx, "orders.lock", `SELECT `+orderColumns+` FROM orders o WHERE o.id = ? FOR UPDATE`, orderID)
}

// FindByPaymentIntent resolves the order currently linked to a provider payment intent.
func (r *OrderRepository) FindByPaymentIntent(ctx context.Context, paymentIntentID string) (domain.Order, error) {
	id := strings.TrimSpace(paymentIntentID)
	if id == "" {
		return domain.Order{}, pmysql.NotFound("orders.find_by_intent", "payment intent id is empty")
	}
	return r.findOne(ctx, "orders.find_by_intent",
		`SELECT `+orderColumns+` FROM orders o WHERE o.payment_intent_id = ? ORDER BY o.id DESC LIMIT 1`, id)
}

func (r *OrderRepository) findOne(ctx context.Context, op string, query string, arg any) (domain.Order, error) {
	order, err := scanOrder(r.provider.Executor(ctx).QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, pmysql.NotFound(op, "order %v not found", arg)
	}
	if err != nil {
		return domain.Order{}, pmysql.WrapError(op, err)
	}

	items, err := r.loadItems(ctx, []int64{order.ID})
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items[order.ID]
	return order, nil
}

// List returns a page of orders, newest first.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.Page[domain.Order], error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultOrderPageSize
	}
	if limit > maxOrderPageSize {
		limit = maxOrderPageSize
	}

	var (
		where []string
		args  []any
	)
	if filter.UserID != nil {
		where = append(where, "o.user_id = ?")
		args = append(args, *filter.UserID)
	}
	if filter.SellerID != nil {
		where = append(where, "EXISTS (SELECT 1 FROM order_items oi WHERE oi.order_id = o.id AND oi.seller_id = ?)")
		args = append(args, *filter.SellerID)
	}
	if filter.Status != "" {
		where = append(where, "o.status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.PaymentStatus != "" {
		where = append(where, "o.payment_status = ?")
		args = append(args, string(filter.PaymentStatus))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	exec := r.provider.Executor(ctx)
	var total int
	if err := exec.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders o`+clause, args...).Scan(&total); err != nil {
		return domain.Page[domain.Order]{}, pmysql.WrapError("orders.count", err)
	}

	result := domain.Page[domain.Order]{Items: []domain.Order{}, Total: total, Page: page, Limit: limit}
	if total == 0 {
		return result, nil
	}

	query := `SELECT ` + orderColumns + ` FROM orders o` + clause + ` ORDER BY o.created_at DESC, o.id DESC LIMIT ? OFFSET ?`
	rows, err := exec.QueryContext(ctx, query, append(args, limit, (page-1)*limit)...)
	if err != nil {
		return domain.Page[domain.Order]{}, pmysql.WrapError("orders.list", err)
	}
	defer rows.Close()

	ids := make([]int64, 0, limit)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return domain.Page[domain.Order]{}, pmysql.WrapError("orders.list", err)
		}
		result.Items = append(result.Items, order)
		ids = append(ids, order.ID)
	}
	if err := rows.Err(); err != nil {
		return domain.Page[domain.Order]{}, pmysql.WrapError("orders.list", err)
	}
	rows.Close()

	items, err := r.loadItems(ctx, ids)
	if err != nil {
		return domain.Page[domain.Order]{}, err
	}
	for i := range result.Items {
		result.Items[i].Items = items[result.Items[i].ID]
	}
	return result, nil
}

// LatestOrderNumber returns the highest order number starting with prefix, or "" when none exists.
func (r *OrderRepository) LatestOrderNumber(ctx context.Context, prefix string) (string, error) {
	const query = `SELECT order_number FROM orders WHERE order_number LIKE ? ORDER BY order_number DESC LIMIT 1`
	var number string
	err := r.provider.Executor(ctx).QueryRowContext(ctx, query, escapeLike(prefix)+"%").Scan(&number)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", pmysql.WrapError("orders.latest_number", err)
	}
	return number, nil
}

// UpdateStatus moves the order from update.From to update.To. It reports false when the stored status
// no longer equals update.From.
func (r *OrderRepository) UpdateStatus(ctx context.Context, update repositories.OrderStatusUpdate) (bool, error) {
	const query = `UPDATE orders SET status = ?, delivered_at = COALESCE(delivered_at, ?), updated_at = ?
		WHERE id = ? AND status = ?`
	return r.execChanged(ctx, "orders.update_status", query,
		string(update.To), nullTime(update.DeliveredAt), update.UpdatedAt.UTC(), update.OrderID, string(update.From))
}

// UpdateShipping writes only the provided shipping fields.
func (r *OrderRepository) UpdateShipping(ctx context.Context, update repositories.OrderShippingUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{update.UpdatedAt.UTC()}
	if update.TrackingNumber != nil {
		sets = append(sets, "tracking_number = ?")
		args = append(args, nullString(*update.TrackingNumber))
	}
	if update.ShippingCarrier != nil {
		sets = append(sets, "shipping_carrier = ?")
		args = append(args, nullString(*update.ShippingCarrier))
	}
	if update.EstimatedDelivery != nil {
		sets = append(sets, "estimated_delivery = ?")
		args = append(args, nullTime(update.EstimatedDelivery))
	}
	args = append(args, update.OrderID)

	query := `UPDATE orders SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	changed, err := r.execChanged(ctx, "orders.update_shipping", query, args...)
	if err != nil {
		return err
	}
	if !changed {
		return pmysql.NotFound("orders.update_shipping", "order %d not found", update.OrderID)
	}
	return nil
}

// UpdateItemStatus sets the status of an item belonging to orderID.
func (r *OrderRepository) UpdateItemStatus(ctx context.Context, orderID int64, itemID int64, status domain.OrderItemStatus, at time.Time) error {
	const query = `UPDATE order_items SET status = ?, updated_at = ? WHERE id = ? AND order_id = ?`
	changed, err := r.execChanged(ctx, "orders.update_item_status", query, string(status), at.UTC(), itemID, orderID)
	if err != nil {
		return err
	}
	if !changed {
		return pmysql.NotFound("orders.update_item_status", "order item %d not found on order %d", itemID, orderID)
	}
	return nil
}

// AttachPaymentIntent stores the latest payment intent while the order is still awaiting payment.
func (r *OrderRepository) AttachPaymentIntent(ctx context.Context, orderID int64, paymentIntentID string, at time.Time) (bool, error) {
	const query = `UPDATE orders SET payment_intent_id = ?, updated_at = ?
		WHERE id = ? AND status = 'pending' AND payment_status = 'pending'`
	return r.execChanged(ctx, "orders.attach_intent", query, paymentIntentID, at.UTC(), orderID)
}

// MarkPaid records a successful payment. paid_at is written once and a pending order becomes confirmed.
// Refunded orders are left untouched.
func (r *OrderRepository) MarkPaid(ctx context.Context, orderID int64, paidAt time.Time) (bool, error) {
	const query = `UPDATE orders SET payment_status = 'paid', paid_at = COALESCE(paid_at, ?),
		status = CASE WHEN status = 'pending' THEN 'confirmed' ELSE status END, updated_at = ?
		WHERE id = ? AND payment_status NOT IN ('paid', 'refunded')`
	return r.execChanged(ctx, "orders.mark_paid", query, paidAt.UTC(), paidAt.UTC(), orderID)
}

// MarkPaymentStatus records failed or cancelled payments without overriding settled ones.
func (r *OrderRepository) MarkPaymentStatus(ctx context.Context, orderID int64, status domain.PaymentStatus, at time.Time) (bool, error) {
	const query = `UPDATE orders SET payment_status = ?, updated_at = ?
		WHERE id = ? AND payment_status NOT IN ('paid', 'refunded') AND payment_status <> ?`
	return r.execChanged(ctx, "orders.mark_payment_status", query, string(status), at.UTC(), orderID, string(status))
}

// MarkRefunded moves the payment axis to refunded and the fulfillment axis with it, except that a
// cancelled order stays cancelled.
func (r *OrderRepository) MarkRefunded(ctx context.Context, orderID int64, at time.Time) (bool, error) {
	const query = `UPDATE orders SET payment_status = 'refunded',
		status = CASE WHEN status = 'cancelled' THEN status ELSE 'refunded' END, updated_at = ?
		WHERE id = ? AND (payment_status <> 'refunded' OR status NOT IN ('refunded', 'cancelled'))`
	return r.execChanged(ctx, "orders.mark_refunded", query, at.UTC(), orderID)
}

func (r *OrderRepository) execChanged(ctx context.Context, op string, query string, args ...any) (bool, error) {
	res, err := r.provider.Executor(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return false, pmysql.WrapError(op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, pmysql.WrapError(op, err)
	}
	return affected > 0, nil
}

func (r *OrderRepository) loadItems(ctx context.Context, orderIDs []int64) (map[int64][]domain.OrderItem, error) {
	result := make(map[int64][]domain.OrderItem, len(orderIDs))
	if len(orderIDs) == 0 {
		return result, nil
	}

	query := fmt.Sprintf(`SELECT %s FROM order_items WHERE order_id IN (%s) ORDER BY order_id, id`, orderItemColumns, placeholders(len(orderIDs)))
	rows, err := r.provider.Executor(ctx).QueryContext(ctx, query, int64Args(orderIDs)...)
	if err != nil {
		return nil, pmysql.WrapError("orders.load_items", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			item     domain.OrderItem
			snapshot []byte
			status   string
		)
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.SellerID, &snapshot, &item.Quantity,
			&item.UnitPrice, &item.TotalPrice, &status, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, pmysql.WrapError("orders.load_items", err)
		}
		if len(snapshot) > 0 {
			if err := json.Unmarshal(snapshot, &item.Product); err != nil {
				return nil, fmt.Errorf("orders.load_items: decode product snapshot %d: %w", item.ID, err)
			}
		}
		item.Status = domain.OrderItemStatus(status)
		result[item.OrderID] = append(result[item.OrderID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, pmysql.WrapError("orders.load_items", err)
	}
	return result, nil
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order             domain.Order
		status            string
		paymentStatus     string
		addressID         sql.NullInt64
		snapshot          []byte
		paidAt            sql.NullTime
		estimatedDelivery sql.NullTime
		deliveredAt       sql.NullTime
	)
	if err := row.Scan(
		&order.ID, &order.OrderNumber, &order.UserID, &status, &paymentStatus, &order.Subtotal, &order.ShippingCost,
		&order.Discount, &order.Tax, &order.Total, &addressID, &snapshot, &order.PaymentMethod,
		&order.PaymentIntentID, &paidAt, &order.TrackingNumber, &order.ShippingCarrier,
		&estimatedDelivery, &deliveredAt, &order.Notes, &order.CouponCode, &order.CreatedAt, &order.UpdatedAt,
	); err != nil {
		return domain.Order{}, err
	}

	order.Status = domain.OrderStatus(status)
	order.PaymentStatus = domain.PaymentStatus(paymentStatus)
	if addressID.Valid {
		id := addressID.Int64
		order.ShippingAddressID = &id
	}
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &order.ShippingAddress); err != nil {
			return domain.Order{}, fmt.Errorf("decode address snapshot: %w", err)
		}
	}
	order.PaidAt = timePtr(paidAt)
	order.EstimatedDelivery = timePtr(estimatedDelivery)
	order.DeliveredAt = timePtr(deliveredAt)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
