package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"agrimarket/internal/domain"
	"agrimarket/internal/metrics"
	"agrimarket/internal/payment"
	"agrimarket/internal/repository"
)

// SaleRecorder mirrors a completed order onto the marketplace contract.
type SaleRecorder interface {
	RecordSale(ctx context.Context, order *domain.Order) error
}

type EscrowService interface {
	Hold(ctx context.Context, order *domain.Order, p *domain.Payment) (*domain.Escrow, error)
	MarkDelivered(ctx context.Context, orderID int64) error
	Release(ctx context.Context, orderID int64) error
	Refund(ctx context.Context, orderID int64) error
	ReleaseDue(ctx context.Context, now time.Time) (int, error)
}

type escrowService struct {
	escrows      repository.EscrowRepository
	orders       repository.OrderRepository
	payments     repository.PaymentRepository
	gateways     map[domain.PaymentProvider]payment.Gateway
	recorder     SaleRecorder
	releaseAfter time.Duration
	metrics      *metrics.Metrics
	logger       logrus.FieldLogger
	now          func() time.Time
}

type EscrowConfig struct {
	Escrows      repository.EscrowRepository
	Orders       repository.OrderRepository
	Payments     repository.PaymentRepository
	Gateways     map[domain.PaymentProvider]payment.Gateway
	Recorder     SaleRecorder
	ReleaseAfter time.Duration
	Metrics      *metrics.Metrics
	Logger       logrus.FieldLogger
}

func NewEscrowService(cfg EscrowConfig) EscrowService {
	return &escrowService{
		escrows:      cfg.Escrows,
		orders:       cfg.Orders,
		payments:     cfg.Payments,
		gateways:     cfg.Gateways,
		recorder:     cfg.Recorder,
		releaseAfter: cfg.ReleaseAfter,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		now:          time.Now,
	}
}

func (s *escrowService) Hold(ctx context.Context, order *domain.Order, p *domain.Payment) (*domain.Escrow, error) {
	escrow := &domain.Escrow{
		OrderID:     order.ID,
		PaymentID:   p.ID,
		AmountCents: p.AmountCents,
		Currency:    p.Currency,
		Status:      domain.EscrowStatusHeld,
		HeldAt:      s.now().UTC(),
	}
	if _, err := s.escrows.Create(ctx, escrow); err != nil {
		return nil, err
	}
	s.metrics.EscrowTransition(string(domain.EscrowStatusHeld))
	return escrow, nil
}

// MarkDelivered opens the window after which a held escrow is released without buyer confirmation.
func (s *escrowService) MarkDelivered(ctx context.Context, orderID int64) error {
	escrow, err := s.escrows.GetByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	return s.escrows.SetReleaseAfter(ctx, escrow.ID, s.now().Add(s.releaseAfter))
}

func (s *escrowService) Release(ctx context.Context, orderID int64) error {
	escrow, err := s.escrows.GetByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if escrow.Status != domain.EscrowStatusHeld {
		return fmt.Errorf("escrow is %s: %w", escrow.Status, domain.ErrInvalidTransition)
	}
	// completed with a held escrow means an earlier release stopped halfway
	if err := s.orders.TransitionStatus(ctx, orderID, domain.OrderStatusCompleted, domain.OrderStatusDelivered, domain.OrderStatusCompleted); err != nil {
		return err
	}
	if err := s.escrows.Settle(ctx, escrow.ID, domain.EscrowStatusReleased, s.now()); err != nil {
		return err
	}
	s.metrics.EscrowTransition(string(domain.EscrowStatusReleased))

	if s.recorder != nil {
		order, err := s.orders.Get(ctx, orderID)
		if err == nil {
			err = s.recorder.RecordSale(ctx, order)
		}
		if err != nil {
			s.logger.WithError(err).WithField("order_id", orderID).Error("failed to record sale on ledger")
		}
	}
	return nil
}

// Refund returns a held escrow to the buyer. Providers without refund
// support leave the payment refund_pending for manual settlement.
func (s *escrowService) Refund(ctx context.Context, orderID int64) error {
	escrow, err := s.escrows.GetByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if err := s.escrows.Settle(ctx, escrow.ID, domain.EscrowStatusRefunded, s.now()); err != nil {
		return err
	}
	s.metrics.EscrowTransition(string(domain.EscrowStatusRefunded))

	p, err := s.payments.Get(ctx, escrow.PaymentID)
	if err != nil {
		return err
	}
	return refundPayment(ctx, s.gateways, s.payments, s.metrics, p)
}

func (s *escrowService) ReleaseDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.escrows.ListDue(ctx, now)
	if err != nil {
		return 0, err
	}
	released := 0
	var errs []error
	for _, escrow := range due {
		err := s.Release(ctx, escrow.OrderID)
		if errors.Is(err, domain.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("release order %d: %w", escrow.OrderID, err))
			continue
		}
		released++
	}
	return released, errors.Join(errs...)
}

// refundPayment asks the provider to refund p and records the outcome.
func refundPayment(ctx context.Context, gateways map[domain.PaymentProvider]payment.Gateway, payments repository.PaymentRepository, m *metrics.Metrics, p *domain.Payment) error {
	status := domain.PaymentStatusRefunded
	msg := ""
	gw, ok := gateways[p.Provider]
	switch {
	case !ok:
		status, msg = domain.PaymentStatusRefundPending, "provider not configured"
	default:
		err := gw.Refund(ctx, p.ExternalRef, p.AmountCents)
		if errors.Is(err, payment.ErrRefundUnsupported) {
			status, msg = domain.PaymentStatusRefundPending, "manual refund required"
		} else if err != nil {
			status, msg = domain.PaymentStatusRefundPending, err.Error()
		}
	}
	if err := payments.UpdateStatus(ctx, p.ID, status, msg, domain.PaymentStatusSucceeded); err != nil {
		return err
	}
	m.Payment(string(p.Provider), string(status))
	return nil
}
