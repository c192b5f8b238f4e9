package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"agrimarket/internal/domain"
	"agrimarket/internal/metrics"
	"agrimarket/internal/payment"
	"agrimarket/internal/repository"
)

var (
	// ErrProviderUnavailable is returned for providers without configuration.
	ErrProviderUnavailable = errors.New("provider not available")
	// ErrGateway wraps failures reported by a payment provider.
	ErrGateway = errors.New("payment provider error")
)

type PaymentService interface {
	Initiate(ctx context.Context, user *domain.User, orderID int64, provider domain.PaymentProvider, phone string) (*domain.Payment, error)
	Get(ctx context.Context, user *domain.User, id int64) (*domain.Payment, error)
	HandleCardWebhook(ctx context.Context, payload []byte, signature string) error
	HandleMobileMoneyCallback(ctx context.Context, body []byte) error
	ConfirmCrypto(ctx context.Context, user *domain.User, id int64, txHash string) (*domain.Payment, error)
	ExpireStale(ctx context.Context, before time.Time) (int, error)
}

type PaymentConfig struct {
	Payments   repository.PaymentRepository
	Orders     repository.OrderRepository
	Escrows    repository.EscrowRepository
	Profiles   repository.ProfileRepository
	Gateways   map[domain.PaymentProvider]payment.Gateway
	Escrow     EscrowService
	Deliveries DeliveryService
	Metrics    *metrics.Metrics
	Logger     logrus.FieldLogger
}

type paymentService struct {
	payments   repository.PaymentRepository
	orders     repository.OrderRepository
	escrows    repository.EscrowRepository
	profiles   repository.ProfileRepository
	gateways   map[domain.PaymentProvider]payment.Gateway
	escrow     EscrowService
	deliveries DeliveryService
	metrics    *metrics.Metrics
	logger     logrus.FieldLogger
	now        func() time.Time
}

func NewPaymentService(cfg PaymentConfig) PaymentService {
	return &paymentService{
		payments:   cfg.Payments,
		orders:     cfg.Orders,
		escrows:    cfg.Escrows,
		profiles:   cfg.Profiles,
		gateways:   cfg.Gateways,
		escrow:     cfg.Escrow,
		deliveries: cfg.Deliveries,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		now:        time.Now,
	}
}

func (s *paymentService) Initiate(ctx context.Context, user *domain.User, orderID int64, provider domain.PaymentProvider, phone string) (*domain.Payment, error) {
	if !provider.IsValid() {
		return nil, domain.Invalid("unknown provider %q", provider)
	}
	gw, ok := s.gateways[provider]
	if !ok {
		return nil, fmt.Errorf("%s: %w", provider, ErrProviderUnavailable)
	}

	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.BuyerID != user.ID {
		return nil, fmt.Errorf("order %d: %w", orderID, domain.ErrForbidden)
	}
	if order.Status != domain.OrderStatusPendingPayment {
		return nil, fmt.Errorf("order is %s: %w", order.Status, domain.ErrInvalidTransition)
	}
	existing, err := s.payments.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	for _, p := range existing {
		if p.Status == domain.PaymentStatusPending {
			return nil, fmt.Errorf("payment %d is still pending: %w", p.ID, domain.ErrConflict)
		}
	}

	if provider == domain.PaymentProviderMobileMoney {
		phone = strings.TrimSpace(phone)
		if phone == "" {
			profile, err := s.profiles.Get(ctx, user.ID)
			if err != nil {
				return nil, err
			}
			phone = profile.Phone
		}
		if phone == "" {
			return nil, domain.Invalid("phone number is required for mobile money")
		}
	}

	p := &domain.Payment{
		OrderID:     order.ID,
		UserID:      user.ID,
		Provider:    provider,
		Status:      domain.PaymentStatusPending,
		AmountCents: order.TotalCents,
		Currency:    order.Currency,
	}
	if _, err := s.payments.Create(ctx, p); err != nil {
		return nil, err
	}
	s.metrics.Payment(string(provider), string(domain.PaymentStatusPending))

	init, err := gw.Initiate(ctx, payment.Request{
		PaymentID:   p.ID,
		OrderID:     order.ID,
		AmountCents: p.AmountCents,
		Currency:    p.Currency,
		Phone:       phone,
	})
	if err != nil {
		if markErr := s.markFailed(ctx, p, err.Error()); markErr != nil {
			s.logger.WithError(markErr).WithField("payment_id", p.ID).Error("failed to mark payment failed")
		}
		if errors.Is(err, domain.ErrInvalidInput) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	if err := s.payments.SetExternalRef(ctx, p.ID, init.ExternalRef, init.Checkout); err != nil {
		return nil, err
	}
	return s.payments.Get(ctx, p.ID)
}

func (s *paymentService) Get(ctx context.Context, user *domain.User, id int64) (*domain.Payment, error) {
	p, err := s.payments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.UserID != user.ID && user.Role != domain.RoleAdmin {
		return nil, fmt.Errorf("payment %d: %w", id, domain.ErrForbidden)
	}
	return p, nil
}

func (s *paymentService) HandleCardWebhook(ctx context.Context, payload []byte, signature string) error {
	gw, ok := s.gateways[domain.PaymentProviderCard].(*payment.CardGateway)
	if !ok {
		return fmt.Errorf("card: %w", ErrProviderUnavailable)
	}
	event, err := gw.VerifyWebhook(payload, signature, s.now())
	if err != nil {
		return err
	}

	switch event.Type {
	case payment.CardEventSucceeded, payment.CardEventFailed:
	default:
		// other event types are acknowledged and ignored
		return nil
	}

	p, err := s.payments.GetByExternalRef(ctx, domain.PaymentProviderCard, event.IntentID)
	if err != nil {
		return err
	}
	if event.Type == payment.CardEventSucceeded {
		return s.markSucceeded(ctx, p)
	}
	msg := event.FailureMessage
	if msg == "" {
		msg = "card payment failed"
	}
	return s.markFailed(ctx, p, msg)
}

// HandleMobileMoneyCallback treats the callback as a hint only. Anyone can
// post to it, so the outcome comes from asking the provider directly.
func (s *paymentService) HandleMobileMoneyCallback(ctx context.Context, body []byte) error {
	querier, ok := s.gateways[domain.PaymentProviderMobileMoney].(payment.StatusQuerier)
	if !ok {
		return fmt.Errorf("mobile money: %w", ErrProviderUnavailable)
	}
	result, err := payment.ParseCallback(body)
	if err != nil {
		return err
	}
	p, err := s.payments.GetByExternalRef(ctx, domain.PaymentProviderMobileMoney, result.CheckoutRequestID)
	if err != nil {
		return err
	}
	switch p.Status {
	case domain.PaymentStatusSucceeded:
		// confirmed earlier; finish whatever an interrupted attempt left undone
		return s.markSucceeded(ctx, p)
	case domain.PaymentStatusPending, domain.PaymentStatusExpired:
	default:
		return nil
	}

	log := s.logger.WithField("payment_id", p.ID)
	confirmed, err := querier.QueryStatus(ctx, p.ExternalRef)
	if errors.Is(err, payment.ErrStillProcessing) {
		log.Debug("mobile money callback ahead of provider outcome")
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGateway, err)
	}
	if confirmed.Succeeded() != result.Succeeded() {
		log.Warnf("mobile money callback disagrees with provider (callback %d, provider %d)", result.ResultCode, confirmed.ResultCode)
	}
	if confirmed.Succeeded() {
		return s.markSucceeded(ctx, p)
	}
	if p.Status == domain.PaymentStatusExpired {
		return nil
	}
	msg := confirmed.ResultDesc
	if msg == "" {
		msg = result.ResultDesc
	}
	return s.markFailed(ctx, p, msg)
}

// ConfirmCrypto verifies a buyer supplied transaction. The payment stays
// pending until the transfer has enough confirmations.
func (s *paymentService) ConfirmCrypto(ctx context.Context, user *domain.User, id int64, txHash string) (*domain.Payment, error) {
	gw, ok := s.gateways[domain.PaymentProviderCrypto].(*payment.CryptoGateway)
	if !ok {
		return nil, fmt.Errorf("crypto: %w", ErrProviderUnavailable)
	}
	p, err := s.Get(ctx, user, id)
	if err != nil {
		return nil, err
	}
	if p.Provider != domain.PaymentProviderCrypto {
		return nil, domain.Invalid("payment %d is not a crypto payment", id)
	}
	// a late transfer can still settle an expired payment
	if p.Status != domain.PaymentStatusPending && p.Status != domain.PaymentStatusExpired {
		return p, nil
	}

	txHash = strings.ToLower(strings.TrimSpace(txHash))
	if other, err := s.payments.GetByExternalRef(ctx, domain.PaymentProviderCrypto, txHash); err == nil && other.ID != p.ID {
		return nil, fmt.Errorf("transaction already used by payment %d: %w", other.ID, domain.ErrConflict)
	} else if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	expected := gw.Quote(p.AmountCents)
	if quoted, ok := new(big.Int).SetString(p.Checkout["amount_wei"], 10); ok {
		expected = quoted
	}
	verification, err := gw.Verify(ctx, txHash, expected)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}

	switch verification.Status {
	case payment.TransferRejected:
		if err := s.markFailed(ctx, p, verification.Reason); err != nil {
			return nil, err
		}
	case payment.TransferConfirmed:
		checkout := p.Checkout
		if checkout == nil {
			checkout = map[string]string{}
		}
		checkout["tx_hash"] = txHash
		if err := s.payments.SetExternalRef(ctx, p.ID, txHash, checkout); err != nil {
			return nil, err
		}
		if err := s.markSucceeded(ctx, p); err != nil {
			return nil, err
		}
	default:
		s.logger.WithField("payment_id", p.ID).Debugf("crypto transfer pending: %s", verification.Reason)
	}
	return s.payments.Get(ctx, p.ID)
}

func (s *paymentService) ExpireStale(ctx context.Context, before time.Time) (int, error) {
	stale, err := s.payments.ListStale(ctx, domain.PaymentStatusPending, before)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, p := range stale {
		err := s.payments.UpdateStatus(ctx, p.ID, domain.PaymentStatusExpired, "payment window elapsed", domain.PaymentStatusPending)
		if errors.Is(err, domain.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return expired, err
		}
		s.metrics.Payment(string(p.Provider), string(domain.PaymentStatusExpired))
		expired++
	}
	return expired, nil
}

// markSucceeded is safe to call repeatedly for the same payment. Every step
// tolerates having run before, so a retried notification finishes what an
// interrupted attempt left undone.
func (s *paymentService) markSucceeded(ctx context.Context, p *domain.Payment) error {
	err := s.payments.UpdateStatus(ctx, p.ID, domain.PaymentStatusSucceeded, "", domain.PaymentStatusPending, domain.PaymentStatusExpired)
	switch {
	case errors.Is(err, domain.ErrInvalidTransition):
		current, err := s.payments.Get(ctx, p.ID)
		if err != nil {
			return err
		}
		if current.Status != domain.PaymentStatusSucceeded {
			// failed or already refunded
			return nil
		}
	case err != nil:
		return err
	default:
		s.metrics.Payment(string(p.Provider), string(domain.PaymentStatusSucceeded))
	}
	log := s.logger.WithFields(logrus.Fields{"payment_id": p.ID, "order_id": p.OrderID})

	err = s.orders.TransitionStatus(ctx, p.OrderID, domain.OrderStatusPaid, domain.OrderStatusPendingPayment)
	if err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		return err
	}
	order, err := s.orders.Get(ctx, p.OrderID)
	if err != nil {
		return err
	}
	owns, err := s.ownsOrder(ctx, order, p)
	if err != nil {
		return err
	}
	if !owns {
		// the order was cancelled or paid through another attempt meanwhile
		log.Warn("payment succeeded for an order that no longer awaits payment; refunding")
		return refundPayment(ctx, s.gateways, s.payments, s.metrics, p)
	}

	if _, err := s.escrow.Hold(ctx, order, p); err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			return fmt.Errorf("hold escrow: %w", err)
		}
		// a concurrent attempt may have won the hold
		if owns, err = s.ownsOrder(ctx, order, p); err != nil {
			return err
		}
		if !owns {
			log.Warn("order escrow is held by another payment; refunding")
			return refundPayment(ctx, s.gateways, s.payments, s.metrics, p)
		}
	}
	if _, err := s.deliveries.CreateForOrder(ctx, order.ID); err != nil {
		return fmt.Errorf("create delivery: %w", err)
	}
	log.Info("payment succeeded")
	return nil
}

// ownsOrder reports whether p is the payment that settles order: the order
// must be past payment and any escrow must have been opened with p.
func (s *paymentService) ownsOrder(ctx context.Context, order *domain.Order, p *domain.Payment) (bool, error) {
	switch order.Status {
	case domain.OrderStatusPendingPayment, domain.OrderStatusCancelled:
		return false, nil
	}
	escrow, err := s.escrows.GetByOrder(ctx, order.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return escrow.PaymentID == p.ID, nil
}

func (s *paymentService) markFailed(ctx context.Context, p *domain.Payment, reason string) error {
	err := s.payments.UpdateStatus(ctx, p.ID, domain.PaymentStatusFailed, reason, domain.PaymentStatusPending)
	if errors.Is(err, domain.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return err
	}
	s.metrics.Payment(string(p.Provider), string(domain.PaymentStatusFailed))
	return nil
}
