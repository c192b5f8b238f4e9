package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"agrimarket/internal/domain"
	"agrimarket/internal/repository"
)

const createCartTable = `
CREATE TABLE IF NOT EXISTS cart_items (
	user_id INTEGER NOT NULL,
	listing_id INTEGER NOT NULL,
	quantity INTEGER NOT NULL CHECK (quantity > 0),
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (user_id, listing_id),
	FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE,
	FOREIGN KEY(listing_id) REFERENCES listings(id) ON DELETE CASCADE
);
`

type CartRepository struct {
	db *sql.DB
}

func NewCartRepository(db *sql.DB) repository.CartRepository {
	return &CartRepository{db: db}
}

func (r *CartRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createCartTable); err != nil {
		return fmt.Errorf("create cart_items table: %w", err)
	}
	return nil
}

func (r *CartRepository) Get(ctx context.Context, userID int64) ([]domain.CartItem, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT user_id, listing_id, quantity, updated_at
FROM cart_items
WHERE user_id=?
ORDER BY updated_at ASC, listing_id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query cart: %w", err)
	}
	defer rows.Close()

	items := []domain.CartItem{}
	for rows.Next() {
		var item domain.CartItem
		if err := rows.Scan(&item.UserID, &item.ListingID, &item.Quantity, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Set stores the quantity for a listing. A quantity of zero or less removes the line.
func (r *CartRepository) Set(ctx context.Context, userID, listingID, quantity int64) error {
	if quantity <= 0 {
		if _, err := r.db.ExecContext(ctx, `DELETE FROM cart_items WHERE user_id=? AND listing_id=?`, userID, listingID); err != nil {
			return fmt.Errorf("delete cart item: %w", err)
		}
		return nil
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO cart_items (user_id, listing_id, quantity, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(user_id, listing_id) DO UPDATE SET quantity=excluded.quantity, updated_at=excluded.updated_at`,
		userID,
		listingID,
		quantity,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert cart item: %w", err)
	}
	return nil
}

func (r *CartRepository) Replace(ctx context.Context, userID int64, items []domain.CartItem) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // safe no-op on commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM cart_items WHERE user_id=?`, userID); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}

	now := time.Now().UTC()
	for _, item := range items {
		if item.Quantity <= 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO cart_items (user_id, listing_id, quantity, updated_at)
VALUES (?, ?, ?, ?)`,
			userID,
			item.ListingID,
			item.Quantity,
			now,
		); err != nil {
			return fmt.Errorf("insert cart item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *CartRepository) Clear(ctx context.Context, userID int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM cart_items WHERE user_id=?`, userID); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}
