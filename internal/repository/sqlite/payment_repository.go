package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"agrimarket/internal/domain"
	"agrimarket/internal/repository"
)

const createPaymentsTable = `
CREATE TABLE IF NOT EXISTS payments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	provider TEXT NOT NULL,
	status TEXT NOT NULL,
	amount_cents INTEGER NOT NULL,
	currency TEXT NOT NULL,
	external_ref TEXT NOT NULL DEFAULT '',
	checkout TEXT NOT NULL DEFAULT '{}',
	error_message TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	FOREIGN KEY(order_id) REFERENCES orders(id),
	FOREIGN KEY(user_id) REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_payments_order_id ON payments(order_id);
CREATE INDEX IF NOT EXISTS idx_payments_external_ref ON payments(provider, external_ref);
`

const paymentColumns = `id, order_id, user_id, provider, status, amount_cents, currency, external_ref, checkout, error_message, created_at, updated_at`

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) repository.PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createPaymentsTable); err != nil {
		return fmt.Errorf("create payments table: %w", err)
	}
	return nil
}

func (r *PaymentRepository) Create(ctx context.Context, p *domain.Payment) (int64, error) {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	checkout, err := encodeCheckout(p.Checkout)
	if err != nil {
		return 0, err
	}

	res, err := r.db.ExecContext(ctx, `
INSERT INTO payments (order_id, user_id, provider, status, amount_cents, currency, external_ref, checkout, error_message, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.OrderID,
		p.UserID,
		string(p.Provider),
		string(p.Status),
		p.AmountCents,
		p.Currency,
		p.ExternalRef,
		checkout,
		p.ErrorMessage,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert payment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("payment last insert id: %w", err)
	}
	p.ID = id
	return id, nil
}

func (r *PaymentRepository) Get(ctx context.Context, id int64) (*domain.Payment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=?`, id)
	return scanPayment(row)
}

func (r *PaymentRepository) GetByExternalRef(ctx context.Context, provider domain.PaymentProvider, ref string) (*domain.Payment, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+paymentColumns+`
FROM payments
WHERE provider=? AND external_ref=?
ORDER BY id DESC
LIMIT 1`, string(provider), ref)
	return scanPayment(row)
}

func (r *PaymentRepository) ListByOrder(ctx context.Context, orderID int64) ([]domain.Payment, error) {
	return r.query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id=? ORDER BY id ASC`, orderID)
}

func (r *PaymentRepository) SetExternalRef(ctx context.Context, id int64, ref string, checkout map[string]string) error {
	encoded, err := encodeCheckout(checkout)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE payments SET external_ref=?, checkout=?, updated_at=? WHERE id=?`,
		ref,
		encoded,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("set external ref: %w", err)
	}
	return requireAffected(res, "payment")
}

// UpdateStatus changes the status only when the current status is one of from (any status when from is empty).
func (r *PaymentRepository) UpdateStatus(ctx context.Context, id int64, to domain.PaymentStatus, errMsg string, from ...domain.PaymentStatus) error {
	query := `UPDATE payments SET status=?, error_message=?, updated_at=? WHERE id=?`
	args := []any{string(to), errMsg, time.Now().UTC(), id}
	if len(from) > 0 {
		query += fmt.Sprintf(" AND status IN (%s)", placeholders(len(from)))
		for _, s := range from {
			args = append(args, string(s))
		}
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("payment status rows affected: %w", err)
	}
	if aff == 0 {
		return fmt.Errorf("payment %d to %s: %w", id, to, domain.ErrInvalidTransition)
	}
	return nil
}

func (r *PaymentRepository) ListStale(ctx context.Context, status domain.PaymentStatus, before time.Time) ([]domain.Payment, error) {
	return r.query(ctx, `
SELECT `+paymentColumns+`
FROM payments
WHERE status=? AND created_at < ?
ORDER BY id ASC`, string(status), before.UTC())
}

func (r *PaymentRepository) query(ctx context.Context, query string, args ...any) ([]domain.Payment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	payments := []domain.Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func scanPayment(row scanner) (*domain.Payment, error) {
	var (
		p        domain.Payment
		provider string
		status   string
		checkout string
	)
	if err := row.Scan(
		&p.ID,
		&p.OrderID,
		&p.UserID,
		&provider,
		&status,
		&p.AmountCents,
		&p.Currency,
		&p.ExternalRef,
		&checkout,
		&p.ErrorMessage,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, notFound(err, "payment")
	}
	p.Provider = domain.PaymentProvider(provider)
	p.Status = domain.PaymentStatus(status)
	if checkout != "" {
		if err := json.Unmarshal([]byte(checkout), &p.Checkout); err != nil {
			return nil, fmt.Errorf("decode payment checkout: %w", err)
		}
	}
	return &p, nil
}

func encodeCheckout(checkout map[string]string) (string, error) {
	if len(checkout) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(checkout)
	if err != nil {
		return "", fmt.Errorf("encode payment checkout: %w", err)
	}
	return string(b), nil
}
