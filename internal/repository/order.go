package repository

import (
	"context"
	"time"

	"agrimarket/internal/domain"
)

// OrderRepository persists orders. Create and Cancel adjust listing stock atomically.
type OrderRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, order *domain.Order) (int64, error)
	Get(ctx context.Context, id int64) (*domain.Order, error)
	ListByBuyer(ctx context.Context, buyerID int64) ([]domain.Order, error)
	ListBySeller(ctx context.Context, sellerID int64) ([]domain.Order, error)
	TransitionStatus(ctx context.Context, id int64, to domain.OrderStatus, from ...domain.OrderStatus) error
	Cancel(ctx context.Context, id int64, from ...domain.OrderStatus) error
}

// PaymentRepository persists payment attempts.
type PaymentRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, payment *domain.Payment) (int64, error)
	Get(ctx context.Context, id int64) (*domain.Payment, error)
	GetByExternalRef(ctx context.Context, provider domain.PaymentProvider, ref string) (*domain.Payment, error)
	ListByOrder(ctx context.Context, orderID int64) ([]domain.Payment, error)
	SetExternalRef(ctx context.Context, id int64, ref string, checkout map[string]string) error
	UpdateStatus(ctx context.Context, id int64, to domain.PaymentStatus, errMsg string, from ...domain.PaymentStatus) error
	ListStale(ctx context.Context, status domain.PaymentStatus, before time.Time) ([]domain.Payment, error)
}

// EscrowRepository persists escrow holds.
type EscrowRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, escrow *domain.Escrow) (int64, error)
	GetByOrder(ctx context.Context, orderID int64) (*domain.Escrow, error)
	SetReleaseAfter(ctx context.Context, id int64, at time.Time) error
	Settle(ctx context.Context, id int64, to domain.EscrowStatus, at time.Time) error
	ListDue(ctx context.Context, now time.Time) ([]domain.Escrow, error)
}

// DeliveryRepository persists deliveries and their tracking history.
type DeliveryRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, delivery *domain.Delivery) (int64, error)
	Get(ctx context.Context, id int64) (*domain.Delivery, error)
	GetByOrder(ctx context.Context, orderID int64) (*domain.Delivery, error)
	ListByTransporter(ctx context.Context, transporterID int64) ([]domain.Delivery, error)
	Assign(ctx context.Context, id, transporterID int64, event domain.DeliveryEvent) error
	AppendEvent(ctx context.Context, id int64, event domain.DeliveryEvent) error
}
