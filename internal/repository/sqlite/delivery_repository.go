package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"agrimarket/internal/domain"
	"agrimarket/internal/repository"
)

const createDeliveriesTable = `
CREATE TABLE IF NOT EXISTS deliveries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id INTEGER NOT NULL UNIQUE,
	transporter_id INTEGER NULL,
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	FOREIGN KEY(order_id) REFERENCES orders(id),
	FOREIGN KEY(transporter_id) REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_deliveries_transporter_id ON deliveries(transporter_id);

CREATE TABLE IF NOT EXISTS delivery_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	delivery_id INTEGER NOT NULL,
	status TEXT NOT NULL,
	note TEXT NOT NULL DEFAULT '',
	location TEXT NOT NULL DEFAULT '',
	at DATETIME NOT NULL,
	FOREIGN KEY(delivery_id) REFERENCES deliveries(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_delivery_events_delivery_id ON delivery_events(delivery_id);
`

type DeliveryRepository struct {
	db *sql.DB
}

func NewDeliveryRepository(db *sql.DB) repository.DeliveryRepository {
	return &DeliveryRepository{db: db}
}

func (r *DeliveryRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createDeliveriesTable); err != nil {
		return fmt.Errorf("create deliveries table: %w", err)
	}
	return nil
}

func (r *DeliveryRepository) Create(ctx context.Context, d *domain.Delivery) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = domain.DeliveryStatusPending
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO deliveries (order_id, transporter_id, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)`,
		d.OrderID,
		nullInt64(d.TransporterID),
		string(d.Status),
		d.CreatedAt,
		d.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("delivery for order %d: %w", d.OrderID, domain.ErrConflict)
		}
		return 0, fmt.Errorf("insert delivery: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("delivery last insert id: %w", err)
	}

	event := domain.DeliveryEvent{DeliveryID: id, Status: d.Status, Note: "delivery created", At: now}
	if err := insertEvent(ctx, tx, &event); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delivery: %w", err)
	}
	d.ID = id
	d.Events = []domain.DeliveryEvent{event}
	return id, nil
}

func (r *DeliveryRepository) Get(ctx context.Context, id int64) (*domain.Delivery, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, order_id, transporter_id, status, created_at, updated_at
FROM deliveries WHERE id=?`, id)
	return r.withEvents(ctx, row)
}

func (r *DeliveryRepository) GetByOrder(ctx context.Context, orderID int64) (*domain.Delivery, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, order_id, transporter_id, status, created_at, updated_at
FROM deliveries WHERE order_id=?`, orderID)
	return r.withEvents(ctx, row)
}

func (r *DeliveryRepository) ListByTransporter(ctx context.Context, transporterID int64) ([]domain.Delivery, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, order_id, transporter_id, status, created_at, updated_at
FROM deliveries
WHERE transporter_id=?
ORDER BY updated_at DESC`, transporterID)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	deliveries := []domain.Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}

// Assign sets the transporter and records the assignment event in one transaction.
func (r *DeliveryRepository) Assign(ctx context.Context, id, transporterID int64, event domain.DeliveryEvent) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
UPDATE deliveries SET transporter_id=?, status=?, updated_at=? WHERE id=?`,
		transporterID,
		string(domain.DeliveryStatusAssigned),
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("assign delivery: %w", err)
	}
	if err := requireAffected(res, "delivery"); err != nil {
		return err
	}

	event.DeliveryID = id
	event.Status = domain.DeliveryStatusAssigned
	if err := insertEvent(ctx, tx, &event); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit assign: %w", err)
	}
	return nil
}

func (r *DeliveryRepository) AppendEvent(ctx context.Context, id int64, event domain.DeliveryEvent) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE deliveries SET status=?, updated_at=? WHERE id=?`,
		string(event.Status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update delivery status: %w", err)
	}
	if err := requireAffected(res, "delivery"); err != nil {
		return err
	}

	event.DeliveryID = id
	if err := insertEvent(ctx, tx, &event); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delivery event: %w", err)
	}
	return nil
}

func (r *DeliveryRepository) withEvents(ctx context.Context, row *sql.Row) (*domain.Delivery, error) {
	d, err := scanDelivery(row)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT id, delivery_id, status, note, location, at
FROM delivery_events
WHERE delivery_id=?
ORDER BY id ASC`, d.ID)
	if err != nil {
		return nil, fmt.Errorf("query delivery events: %w", err)
	}
	defer rows.Close()

	d.Events = []domain.DeliveryEvent{}
	for rows.Next() {
		var (
			ev     domain.DeliveryEvent
			status string
		)
		if err := rows.Scan(&ev.ID, &ev.DeliveryID, &status, &ev.Note, &ev.Location, &ev.At); err != nil {
			return nil, fmt.Errorf("scan delivery event: %w", err)
		}
		ev.Status = domain.DeliveryStatus(status)
		d.Events = append(d.Events, ev)
	}
	return d, rows.Err()
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev *domain.DeliveryEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO delivery_events (delivery_id, status, note, location, at)
VALUES (?, ?, ?, ?, ?)`,
		ev.DeliveryID,
		string(ev.Status),
		ev.Note,
		ev.Location,
		ev.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert delivery event: %w", err)
	}
	if ev.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("delivery event last insert id: %w", err)
	}
	return nil
}

func scanDelivery(row scanner) (*domain.Delivery, error) {
	var (
		d           domain.Delivery
		transporter sql.NullInt64
		status      string
	)
	if err := row.Scan(&d.ID, &d.OrderID, &transporter, &status, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, notFound(err, "delivery")
	}
	if transporter.Valid {
		id := transporter.Int64
		d.TransporterID = &id
	}
	d.Status = domain.DeliveryStatus(status)
	return &d, nil
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
