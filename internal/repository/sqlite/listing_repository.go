package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"agrimarket/internal/domain"
	"agrimarket/internal/repository"
)

const createListingsTable = `
CREATE TABLE IF NOT EXISTS listings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	seller_id INTEGER NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	unit TEXT NOT NULL DEFAULT '',
	price_cents INTEGER NOT NULL CHECK (price_cents > 0),
	quantity INTEGER NOT NULL DEFAULT 0 CHECK (quantity >= 0),
	currency TEXT NOT NULL,
	location TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	on_chain INTEGER NOT NULL DEFAULT 0,
	chain_status TEXT NOT NULL DEFAULT 'none',
	chain_product_id INTEGER NOT NULL DEFAULT 0,
	chain_error TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	FOREIGN KEY(seller_id) REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_listings_seller_id ON listings(seller_id);
CREATE INDEX IF NOT EXISTS idx_listings_status ON listings(status);
CREATE INDEX IF NOT EXISTS idx_listings_chain_status ON listings(chain_status);
`

const listingColumns = `id, seller_id, title, description, category, unit, price_cents, quantity, currency, location, status, on_chain, chain_status, chain_product_id, chain_error, created_at, updated_at`

type ListingRepository struct {
	db *sql.DB
}

func NewListingRepository(db *sql.DB) repository.ListingRepository {
	return &ListingRepository{db: db}
}

func (r *ListingRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createListingsTable); err != nil {
		return fmt.Errorf("create listings table: %w", err)
	}
	return nil
}

func (r *ListingRepository) Create(ctx context.Context, l *domain.Listing) (int64, error) {
	now := time.Now().UTC()
	l.CreatedAt = now
	l.UpdatedAt = now
	if l.ChainStatus == "" {
		l.ChainStatus = domain.ChainStatusNone
	}

	res, err := r.db.ExecContext(ctx, `
INSERT INTO listings (seller_id, title, description, category, unit, price_cents, quantity, currency, location, status, on_chain, chain_status, chain_product_id, chain_error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.SellerID,
		l.Title,
		l.Description,
		l.Category,
		l.Unit,
		l.PriceCents,
		l.Quantity,
		l.Currency,
		l.Location,
		string(l.Status),
		l.OnChain,
		string(l.ChainStatus),
		l.ChainProductID,
		l.ChainError,
		l.CreatedAt,
		l.UpdatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert listing: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("listing last insert id: %w", err)
	}
	l.ID = id
	return id, nil
}

func (r *ListingRepository) Update(ctx context.Context, l *domain.Listing) error {
	l.UpdatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
UPDATE listings
SET title=?, description=?, category=?, unit=?, price_cents=?, quantity=?, currency=?, location=?, status=?, on_chain=?, chain_status=?, updated_at=?
WHERE id=?`,
		l.Title,
		l.Description,
		l.Category,
		l.Unit,
		l.PriceCents,
		l.Quantity,
		l.Currency,
		l.Location,
		string(l.Status),
		l.OnChain,
		string(l.ChainStatus),
		l.UpdatedAt,
		l.ID,
	)
	if err != nil {
		return fmt.Errorf("update listing: %w", err)
	}
	return requireAffected(res, "listing")
}

func (r *ListingRepository) Get(ctx context.Context, id int64) (*domain.Listing, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id=?`, id)
	return scanListing(row)
}

func (r *ListingRepository) List(ctx context.Context, filter domain.ListingFilter) ([]domain.Listing, error) {
	filter.Normalize()

	var (
		where []string
		args  []any
	)
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.Location != "" {
		where = append(where, "location LIKE ?")
		args = append(args, "%"+filter.Location+"%")
	}
	if filter.SellerID > 0 {
		where = append(where, "seller_id = ?")
		args = append(args, filter.SellerID)
	}
	if filter.MinPrice > 0 {
		where = append(where, "price_cents >= ?")
		args = append(args, filter.MinPrice)
	}
	if filter.MaxPrice > 0 {
		where = append(where, "price_cents <= ?")
		args = append(args, filter.MaxPrice)
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		where = append(where, "(title LIKE ? OR description LIKE ?)")
		args = append(args, "%"+q+"%", "%"+q+"%")
	}
	if len(filter.Statuses) > 0 {
		where = append(where, fmt.Sprintf("status IN (%s)", placeholders(len(filter.Statuses))))
		for _, s := range filter.Statuses {
			args = append(args, string(s))
		}
	}

	query := `SELECT ` + listingColumns + ` FROM listings`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	return r.query(ctx, query, args...)
}

func (r *ListingRepository) Archive(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE listings SET status=?, updated_at=? WHERE id=?`,
		string(domain.ListingStatusArchived),
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("archive listing: %w", err)
	}
	return requireAffected(res, "listing")
}

func (r *ListingRepository) UpdateChainState(ctx context.Context, id int64, status domain.ChainStatus, productID int64, errMsg string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE listings
SET chain_status=?, chain_product_id=CASE WHEN ? > 0 THEN ? ELSE chain_product_id END, chain_error=?, updated_at=?
WHERE id=?`,
		string(status),
		productID,
		productID,
		errMsg,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("update chain state: %w", err)
	}
	return requireAffected(res, "listing")
}

func (r *ListingRepository) ListByChainStatus(ctx context.Context, statuses ...domain.ChainStatus) ([]domain.Listing, error) {
	if len(statuses) == 0 {
		return []domain.Listing{}, nil
	}

	args := make([]any, len(statuses))
	for i, status := range statuses {
		args[i] = string(status)
	}

	query := fmt.Sprintf(`
SELECT %s
FROM listings
WHERE on_chain = 1 AND chain_status IN (%s)
ORDER BY id ASC`, listingColumns, placeholders(len(statuses)))

	return r.query(ctx, query, args...)
}

func (r *ListingRepository) query(ctx context.Context, query string, args ...any) ([]domain.Listing, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query listings: %w", err)
	}
	defer rows.Close()

	listings := []domain.Listing{}
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

func scanListing(row scanner) (*domain.Listing, error) {
	var (
		l           domain.Listing
		status      string
		chainStatus string
	)
	if err := row.Scan(
		&l.ID,
		&l.SellerID,
		&l.Title,
		&l.Description,
		&l.Category,
		&l.Unit,
		&l.PriceCents,
		&l.Quantity,
		&l.Currency,
		&l.Location,
		&status,
		&l.OnChain,
		&chainStatus,
		&l.ChainProductID,
		&l.ChainError,
		&l.CreatedAt,
		&l.UpdatedAt,
	); err != nil {
		return nil, notFound(err, "listing")
	}
	l.Status = domain.ListingStatus(status)
	l.ChainStatus = domain.ChainStatus(chainStatus)
	return &l, nil
}

func requireAffected(res sql.Result, entity string) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", entity, err)
	}
	if aff == 0 {
		return fmt.Errorf("%s: %w", entity, domain.ErrNotFound)
	}
	return nil
}
