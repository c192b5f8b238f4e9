package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"agrimarket/internal/domain"
	"agrimarket/internal/repository"
)

const createOrdersTable = `
CREATE TABLE IF NOT EXISTS orders (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	buyer_id INTEGER NOT NULL,
	seller_id INTEGER NOT NULL,
	status TEXT NOT NULL,
	total_cents INTEGER NOT NULL,
	currency TEXT NOT NULL,
	shipping_address TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	FOREIGN KEY(buyer_id) REFERENCES users(id),
	FOREIGN KEY(seller_id) REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_orders_buyer_id ON orders(buyer_id);
CREATE INDEX IF NOT EXISTS idx_orders_seller_id ON orders(seller_id);

CREATE TABLE IF NOT EXISTS order_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id INTEGER NOT NULL,
	listing_id INTEGER NOT NULL,
	title TEXT NOT NULL,
	quantity INTEGER NOT NULL CHECK (quantity > 0),
	unit_price_cents INTEGER NOT NULL,
	FOREIGN KEY(order_id) REFERENCES orders(id) ON DELETE CASCADE,
	FOREIGN KEY(listing_id) REFERENCES listings(id)
);
CREATE INDEX IF NOT EXISTS idx_order_items_order_id ON order_items(order_id);
`

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) repository.OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createOrdersTable); err != nil {
		return fmt.Errorf("create orders table: %w", err)
	}
	return nil
}

// Create reserves stock for every item and inserts the order in a single transaction.
func (r *OrderRepository) Create(ctx context.Context, order *domain.Order) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, item := range order.Items {
		res, err := tx.ExecContext(ctx, `
UPDATE listings
SET quantity = quantity - ?,
	status = CASE WHEN quantity - ? = 0 THEN 'sold_out' ELSE status END,
	updated_at = ?
WHERE id = ? AND status = 'active' AND quantity >= ?`,
			item.Quantity,
			item.Quantity,
			now,
			item.ListingID,
			item.Quantity,
		)
		if err != nil {
			return 0, fmt.Errorf("reserve stock: %w", err)
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("reserve stock rows affected: %w", err)
		}
		if aff == 0 {
			return 0, fmt.Errorf("listing %d: %w", item.ListingID, domain.ErrInsufficientStock)
		}
	}

	order.CreatedAt = now
	order.UpdatedAt = now
	order.TotalCents = order.ComputeTotal()

	res, err := tx.ExecContext(ctx, `
INSERT INTO orders (buyer_id, seller_id, status, total_cents, currency, shipping_address, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		order.BuyerID,
		order.SellerID,
		string(order.Status),
		order.TotalCents,
		order.Currency,
		order.ShippingAddress,
		order.CreatedAt,
		order.UpdatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert order: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("order last insert id: %w", err)
	}

	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = id
		res, err := tx.ExecContext(ctx, `
INSERT INTO order_items (order_id, listing_id, title, quantity, unit_price_cents)
VALUES (?, ?, ?, ?, ?)`,
			id,
			item.ListingID,
			item.Title,
			item.Quantity,
			item.UnitPriceCents,
		)
		if err != nil {
			return 0, fmt.Errorf("insert order item: %w", err)
		}
		if item.ID, err = res.LastInsertId(); err != nil {
			return 0, fmt.Errorf("order item last insert id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit order: %w", err)
	}
	order.ID = id
	return id, nil
}

func (r *OrderRepository) Get(ctx context.Context, id int64) (*domain.Order, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, buyer_id, seller_id, status, total_cents, currency, shipping_address, created_at, updated_at
FROM orders
WHERE id=?`, id)

	order, err := scanOrder(row)
	if err != nil {
		return nil, err
	}
	if order.Items, err = r.listItems(ctx, order.ID); err != nil {
		return nil, err
	}
	return order, nil
}

func (r *OrderRepository) ListByBuyer(ctx context.Context, buyerID int64) ([]domain.Order, error) {
	return r.list(ctx, `buyer_id=?`, buyerID)
}

func (r *OrderRepository) ListBySeller(ctx context.Context, sellerID int64) ([]domain.Order, error) {
	return r.list(ctx, `seller_id=?`, sellerID)
}

func (r *OrderRepository) list(ctx context.Context, where string, args ...any) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, buyer_id, seller_id, status, total_cents, currency, shipping_address, created_at, updated_at
FROM orders
WHERE `+where+`
ORDER BY id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}

	orders := []domain.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// items are loaded after the cursor is closed; the pool holds a single connection
	for i := range orders {
		items, err := r.listItems(ctx, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}
	return orders, nil
}

func (r *OrderRepository) TransitionStatus(ctx context.Context, id int64, to domain.OrderStatus, from ...domain.OrderStatus) error {
	return transitionOrder(ctx, r.db, id, to, from...)
}

// Cancel moves the order to cancelled and returns its items to stock.
func (r *OrderRepository) Cancel(ctx context.Context, id int64, from ...domain.OrderStatus) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := transitionOrder(ctx, tx, id, domain.OrderStatusCancelled, from...); err != nil {
		return err
	}

	rows, err := tx.QueryContext(ctx, `SELECT listing_id, quantity FROM order_items WHERE order_id=?`, id)
	if err != nil {
		return fmt.Errorf("query order items: %w", err)
	}
	type restock struct{ listingID, qty int64 }
	var restocks []restock
	for rows.Next() {
		var rs restock
		if err := rows.Scan(&rs.listingID, &rs.qty); err != nil {
			rows.Close()
			return fmt.Errorf("scan order item: %w", err)
		}
		restocks = append(restocks, rs)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate order items: %w", err)
	}

	now := time.Now().UTC()
	for _, rs := range restocks {
		if _, err := tx.ExecContext(ctx, `
UPDATE listings
SET quantity = quantity + ?,
	status = CASE WHEN status = 'sold_out' THEN 'active' ELSE status END,
	updated_at = ?
WHERE id = ?`, rs.qty, now, rs.listingID); err != nil {
			return fmt.Errorf("restore stock: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cancel: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func transitionOrder(ctx context.Context, db execer, id int64, to domain.OrderStatus, from ...domain.OrderStatus) error {
	query := `UPDATE orders SET status=?, updated_at=? WHERE id=?`
	args := []any{string(to), time.Now().UTC(), id}
	if len(from) > 0 {
		query += fmt.Sprintf(" AND status IN (%s)", placeholders(len(from)))
		for _, s := range from {
			args = append(args, string(s))
		}
	}

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("order status rows affected: %w", err)
	}
	if aff == 0 {
		return fmt.Errorf("order %d to %s: %w", id, to, domain.ErrInvalidTransition)
	}
	return nil
}

func (r *OrderRepository) listItems(ctx context.Context, orderID int64) ([]domain.OrderItem, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, order_id, listing_id, title, quantity, unit_price_cents
FROM order_items
WHERE order_id=?
ORDER BY id ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	items := []domain.OrderItem{}
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ListingID, &item.Title, &item.Quantity, &item.UnitPriceCents); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanOrder(row scanner) (*domain.Order, error) {
	var (
		o      domain.Order
		status string
	)
	if err := row.Scan(
		&o.ID,
		&o.BuyerID,
		&o.SellerID,
		&status,
		&o.TotalCents,
		&o.Currency,
		&o.ShippingAddress,
		&o.CreatedAt,
		&o.UpdatedAt,
	); err != nil {
		return nil, notFound(err, "order")
	}
	o.Status = domain.OrderStatus(status)
	return &o, nil
}
