package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"agrimarket/internal/domain"
	"agrimarket/internal/repository"
)

const createEscrowsTable = `
CREATE TABLE IF NOT EXISTS escrows (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id INTEGER NOT NULL UNIQUE,
	payment_id INTEGER NOT NULL,
	amount_cents INTEGER NOT NULL,
	currency TEXT NOT NULL,
	status TEXT NOT NULL,
	held_at DATETIME NOT NULL,
	release_after DATETIME NULL,
	settled_at DATETIME NULL,
	FOREIGN KEY(order_id) REFERENCES orders(id),
	FOREIGN KEY(payment_id) REFERENCES payments(id)
);
CREATE INDEX IF NOT EXISTS idx_escrows_status ON escrows(status);
`

const escrowColumns = `id, order_id, payment_id, amount_cents, currency, status, held_at, release_after, settled_at`

type EscrowRepository struct {
	db *sql.DB
}

func NewEscrowRepository(db *sql.DB) repository.EscrowRepository {
	return &EscrowRepository{db: db}
}

func (r *EscrowRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createEscrowsTable); err != nil {
		return fmt.Errorf("create escrows table: %w", err)
	}
	return nil
}

func (r *EscrowRepository) Create(ctx context.Context, e *domain.Escrow) (int64, error) {
	if e.HeldAt.IsZero() {
		e.HeldAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO escrows (order_id, payment_id, amount_cents, currency, status, held_at, release_after, settled_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.OrderID,
		e.PaymentID,
		e.AmountCents,
		e.Currency,
		string(e.Status),
		e.HeldAt.UTC(),
		nullTime(e.ReleaseAfter),
		nullTime(e.SettledAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("escrow for order %d: %w", e.OrderID, domain.ErrConflict)
		}
		return 0, fmt.Errorf("insert escrow: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("escrow last insert id: %w", err)
	}
	e.ID = id
	return id, nil
}

func (r *EscrowRepository) GetByOrder(ctx context.Context, orderID int64) (*domain.Escrow, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE order_id=?`, orderID)
	return scanEscrow(row)
}

func (r *EscrowRepository) SetReleaseAfter(ctx context.Context, id int64, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE escrows SET release_after=? WHERE id=? AND status=?`,
		at.UTC(), id, string(domain.EscrowStatusHeld))
	if err != nil {
		return fmt.Errorf("set release after: %w", err)
	}
	return requireAffected(res, "escrow")
}

// Settle moves a held escrow to released or refunded. Settled escrows cannot change again.
func (r *EscrowRepository) Settle(ctx context.Context, id int64, to domain.EscrowStatus, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE escrows SET status=?, settled_at=? WHERE id=? AND status=?`,
		string(to),
		at.UTC(),
		id,
		string(domain.EscrowStatusHeld),
	)
	if err != nil {
		return fmt.Errorf("settle escrow: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("settle escrow rows affected: %w", err)
	}
	if aff == 0 {
		return fmt.Errorf("escrow %d to %s: %w", id, to, domain.ErrInvalidTransition)
	}
	return nil
}

func (r *EscrowRepository) ListDue(ctx context.Context, now time.Time) ([]domain.Escrow, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+escrowColumns+`
FROM escrows
WHERE status=? AND release_after IS NOT NULL AND release_after <= ?
ORDER BY id ASC`, string(domain.EscrowStatusHeld), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due escrows: %w", err)
	}
	defer rows.Close()

	escrows := []domain.Escrow{}
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		escrows = append(escrows, *e)
	}
	return escrows, rows.Err()
}

func scanEscrow(row scanner) (*domain.Escrow, error) {
	var (
		e            domain.Escrow
		status       string
		releaseAfter sql.NullTime
		settledAt    sql.NullTime
	)
	if err := row.Scan(
		&e.ID,
		&e.OrderID,
		&e.PaymentID,
		&e.AmountCents,
		&e.Currency,
		&status,
		&e.HeldAt,
		&releaseAfter,
		&settledAt,
	); err != nil {
		return nil, notFound(err, "escrow")
	}
	e.Status = domain.EscrowStatus(status)
	if releaseAfter.Valid {
		t := releaseAfter.Time
		e.ReleaseAfter = &t
	}
	if settledAt.Valid {
		t := settledAt.Time
		e.SettledAt = &t
	}
	return &e, nil
}
