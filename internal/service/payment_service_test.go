package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrimarket/internal/domain"
	"agrimarket/internal/metrics"
	"agrimarket/internal/payment"
)

func checkout(t *testing.T, e *env, buyer *domain.User, l *domain.Listing, qty int64) *domain.Order {
	t.Helper()
	orders, err := e.orders.Checkout(context.Background(), buyer, CheckoutInput{
		ShippingAddress: "Plot 4",
		Items:           []domain.CartItem{{ListingID: l.ID, Quantity: qty}},
	})
	require.NoError(t, err)
	return &orders[0]
}

func TestPaymentService_Initiate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	farmer := e.user(t, domain.RoleFarmer, true)
	buyer := e.user(t, domain.RoleBuyer, false)
	other := e.user(t, domain.RoleBuyer, false)
	order := checkout(t, e, buyer, e.listing(t, farmer, 125, 10), 4)

	_, err := e.payments.Initiate(ctx, buyer, order.ID, domain.PaymentProviderCrypto, "")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	_, err = e.payments.Initiate(ctx, buyer, order.ID, domain.PaymentProvider("cash"), "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = e.payments.Initiate(ctx, other, order.ID, domain.PaymentProviderCard, "")
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = e.payments.Initiate(ctx, buyer, order.ID, domain.PaymentProviderMobileMoney, "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "mobile money needs a phone")

	p, err := e.payments.Initiate(ctx, buyer, order.ID, domain.PaymentProviderCard, "")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, p.Status)
	assert.EqualValues(t, 500, p.AmountCents)
	assert.Equal(t, fmt.Sprintf("card-%d", p.ID), p.ExternalRef)
	assert.Equal(t, "500", p.Checkout["amount"])

	_, err = e.payments.Initiate(ctx, buyer, order.ID, domain.PaymentProviderCard, "")
	assert.ErrorIs(t, err, domain.ErrConflict, "one pending payment per order")

	_, err = e.payments.Get(ctx, other, p.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestPaymentService_GatewayFailureMarksFailed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	farmer := e.user(t, domain.RoleFarmer, true)
	buyer := e.user(t, domain.RoleBuyer, false)
	order := checkout(t, e, buyer, e.listing(t, farmer, 100, 10), 1)

	e.mobile.initErr = errors.New("upstream timeout")
	_, err := e.payments.Initiate(ctx, buyer, order.ID, domain.PaymentProviderMobileMoney, "254700000001")
	assert.ErrorIs(t, err, ErrGateway)

	attempts, err := e.paymentsRepo.ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.PaymentStatusFailed, attempts[0].Status)
	assert.Contains(t, attempts[0].ErrorMessage, "upstream timeout")
	assert.Equal(t, "254700000001", e.mobile.requests[0].Phone)

	// a failed attempt does not block a retry
	e.mobile.initErr = nil
	_, err = e.payments.Initiate(ctx, buyer, order.ID, domain.PaymentProviderMobileMoney, "254700000001")
	require.NoError(t, err)
}

func TestPaymentService_SucceededIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	farmer := e.user(t, domain.RoleFarmer, true)
	buyer := e.user(t, domain.RoleBuyer, false)
	order := checkout(t, e, buyer, e.listing(t, farmer, 100, 10), 2)

	p, err := e.payments.Initiate(ctx, buyer, order.ID, domain.PaymentProviderCard, "")
	require.NoError(t, err)
	svc := e.payments.(*paymentService)
	require.NoError(t, svc.markSucceeded(ctx, p))
	require.NoError(t, svc.markSucceeded(ctx, p))

	got, err := e.ordersRepo.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, got.Status)

	escrow, err := e.escrowsRepo.GetByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStatusHeld, escrow.Status)
	assert.EqualValues(t, 200, escrow.AmountCents)

	delivery, err := e.deliveriesRepo.GetByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryStatusPending, delivery.Status)
}

func TestPaymentService_LateSuccessOnCancelledOrderRefunds(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	farmer := e.user(t, domain.RoleFarmer, true)
	buyer := e.user(t, domain.RoleBuyer, false)
	order := checkout(t, e, buyer, e.listing(t, farmer, 100, 10), 1)

	p, err := e.payments.Initiate(ctx, buyer, order.ID, domain.PaymentProviderMobileMoney, "254700000001")
	require.NoError(t, err)
	_, err = e.orders.Cancel(ctx, buyer, order.ID)
	require.NoError(t, err)

	require.NoError(t, e.payments.(*paymentService).markSucceeded(ctx, p))
	got, err := e.paymentsRepo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusRefundPending, got.Status)

	_, err = e.escrowsRepo.GetByOrder(ctx, order.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPaymentService_CardWebhook(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	farmer := e.user(t, domain.RoleFarmer, true)
	buyer := e.user(t, domain.RoleBuyer, false)
	order := checkout(t, e, buyer, e.listing(t, farmer, 100, 10), 1)

	card := payment.NewCardGateway(payment.CardConfig{BaseURL: "http://card.invalid", SecretKey: "sk", WebhookSecret: "whsec"})
	svc := NewPaymentService(PaymentConfig{
		Payments:   e.paymentsRepo,
		Orders:     e.ordersRepo,
		Escrows:    e.escrowsRepo,
		Profiles:   e.profilesRepo,
		Gateways:   map[domain.PaymentProvider]payment.Gateway{domain.PaymentProviderCard: card},
		Escrow:     e.escrow,
		Deliveries: e.deliveries,
		Metrics:    metrics.New(),
		Logger:     e.logger,
	})

	p := &domain.Payment{OrderID: order.ID, UserID: buyer.ID, Provider: domain.PaymentProviderCard, Status: domain.PaymentStatusPending, AmountCents: order.TotalCents, Currency: order.Currency}
	_, err := e.paymentsRepo.Create(ctx, p)
	require.NoError(t, err)
	require.NoError(t, e.paymentsRepo.SetExternalRef(ctx, p.ID, "pi_123", nil))

	body := []byte(`{"type":"payment_intent.succeeded","data":{"object":{"id":"pi_123"}}}`)
	err = svc.HandleCardWebhook(ctx, body, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, payment.ErrInvalidSignature)

	require.NoError(t, svc.HandleCardWebhook(ctx, body, payment.SignWebhook("whsec", body, time.Now())))
	got, err := e.paymentsRepo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSucceeded, got.Status)

	ignored := []byte(`{"type":"charge.updated","data":{"object":{"id":"ch_1"}}}`)
	assert.NoError(t, svc.HandleCardWebhook(ctx, ignored, payment.SignWebhook("whsec", ignored, time.Now())))
}

func TestPaymentService_MobileMoneyCallbackFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	farmer := e.user(t, domain.RoleFarmer, true)
	buyer := e.user(t, domain.RoleBuyer, false)
	order := checkout(t, e, buyer, e.listing(t, farmer, 100, 10), 1)

	p, err := e.payments.Initiate(ctx, buyer, order.ID, domain.PaymentProviderMobileMoney, "254700000001")
	require.NoError(t, err)

	e.mobile.settle(p.ExternalRef, 1032, "Request cancelled by user")
	body := fmt.Sprintf(`{"Body":{"stkCallback":{"CheckoutRequestID":%q,"ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`, p.ExternalRef)
	require.NoError(t, e.payments.HandleMobileMoneyCallback(ctx, []byte(body)))

	got, err := e.paymentsRepo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, got.Status)
	assert.Equal(t, "Request cancelled by user", got.ErrorMessage)
}

func TestPaymentService_MobileMoneyCallbackNeedsProviderConfirmation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	farmer := e.user(t, domain.RoleFarmer, true)
	buyer := e.user(t, domain.RoleBuyer, false)
	order := checkout(t, e, buyer, e.listing(t, farmer, 100, 10), 1)

	p, err := e.payments.Initiate(ctx, buyer, order.ID, domain.PaymentProviderMobileMoney, "254700000001")
	require.NoError(t, err)
	success := []byte(fmt.Sprintf(`{"Body":{"stkCallback":{"CheckoutRequestID":%q,"ResultCode":0,"ResultDesc":"ok"}}}`, p.ExternalRef))

	// the payer has not approved the prompt yet
	require.NoError(t, e.payments.HandleMobileMoneyCallback(ctx, success))
	got, err := e.paymentsRepo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, got.Status)
	gotOrder, err := e.ordersRepo.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPendingPayment, gotOrder.Status)

	// the provider reports a cancelled prompt whatever the callback claims
	e.mobile.settle(p.ExternalRef, 1032, "Request cancelled by user")
	require.NoError(t, e.payments.HandleMobileMoneyCallback(ctx, success))
	got, err = e.paymentsRepo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, got.Status)

	retry, err := e.payments.Initiate(ctx, buyer, order.ID, domain.PaymentProviderMobileMoney, "254700000001")
	require.NoError(t, err)
	e.mobile.settle(retry.ExternalRef, 0, "processed")
	body := []byte(fmt.Sprintf(`{"Body":{"stkCallback":{"CheckoutRequestID":%q,"ResultCode":0}}}`, retry.ExternalRef))
	require.NoError(t, e.payments.HandleMobileMoneyCallback(ctx, body))
	got, err = e.paymentsRepo.Get(ctx, retry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSucceeded, got.Status)
	gotOrder, err = e.ordersRepo.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, gotOrder.Status)
}

func TestPaymentService_ExpireStale(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	farmer := e.user(t, domain.RoleFarmer, true)
	buyer := e.user(t, domain.RoleBuyer, false)
	order := checkout(t, e, buyer, e.listing(t, farmer, 100, 10), 1)

	p, err := e.payments.Initiate(ctx, buyer, order.ID, domain.PaymentProviderCard, "")
	require.NoError(t, err)

	n, err := e.payments.ExpireStale(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = e.payments.ExpireStale(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := e.paymentsRepo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusExpired, got.Status)
}

// flakyDeliveries fails the first fail calls to CreateForOrder.
type flakyDeliveries struct {
	DeliveryService
	fail int
}

func (f *flakyDeliveries) CreateForOrder(ctx context.Context, orderID int64) (*domain.Delivery, error) {
	if f.fail > 0 {
		f.fail--
		return nil, errors.New("database is locked")
	}
	return f.DeliveryService.CreateForOrder(ctx, orderID)
}

func TestPaymentService_RetryFinishesInterruptedSuccess(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	farmer := e.user(t, domain.RoleFarmer, true)
	buyer := e.user(t, domain.RoleBuyer, false)
	order := checkout(t, e, buyer, e.listing(t, farmer, 100, 10), 2)

	svc := NewPaymentService(PaymentConfig{
		Payments:   e.paymentsRepo,
		Orders:     e.ordersRepo,
		Escrows:    e.escrowsRepo,
		Profiles:   e.profilesRepo,
		Gateways:   e.gateways,
		Escrow:     e.escrow,
		Deliveries: &flakyDeliveries{DeliveryService: e.deliveries, fail: 1},
		Metrics:    metrics.New(),
		Logger:     e.logger,
	}).(*paymentService)

	p, err := svc.Initiate(ctx, buyer, order.ID, domain.PaymentProviderCard, "")
	require.NoError(t, err)
	require.ErrorContains(t, svc.markSucceeded(ctx, p), "create delivery")

	_, err = e.deliveriesRepo.GetByOrder(ctx, order.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// the provider redelivers the notification
	require.NoError(t, svc.markSucceeded(ctx, p))
	delivery, err := e.deliveriesRepo.GetByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryStatusPending, delivery.Status)

	escrow, err := e.escrowsRepo.GetByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, escrow.PaymentID)
	got, err := e.paymentsRepo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSucceeded, got.Status)
}

func TestPaymentService_SecondSuccessForPaidOrderRefunds(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	farmer := e.user(t, domain.RoleFarmer, true)
	buyer := e.user(t, domain.RoleBuyer, false)
	order := checkout(t, e, buyer, e.listing(t, farmer, 100, 10), 1)
	svc := e.payments.(*paymentService)

	first, err := e.payments.Initiate(ctx, buyer, order.ID, domain.PaymentProviderCard, "")
	require.NoError(t, err)
	_, err = e.payments.ExpireStale(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	second, err := e.payments.Initiate(ctx, buyer, order.ID, domain.PaymentProviderCard, "")
	require.NoError(t, err)

	require.NoError(t, svc.markSucceeded(ctx, second))
	// the expired attempt is confirmed late
	require.NoError(t, svc.markSucceeded(ctx, first))

	got, err := e.paymentsRepo.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusRefunded, got.Status)
	assert.Equal(t, []string{first.ExternalRef}, e.card.refunds)

	escrow, err := e.escrowsRepo.GetByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, escrow.PaymentID)
}

type settledChain struct {
	tx      *types.Transaction
	receipt *types.Receipt
}

func (c *settledChain) TransactionByHash(context.Context, common.Hash) (*types.Transaction, bool, error) {
	return c.tx, false, nil
}

func (c *settledChain) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return c.receipt, nil
}

func (c *settledChain) BlockNumber(context.Context) (uint64, error) {
	return c.receipt.BlockNumber.Uint64(), nil
}

func TestPaymentService_ConfirmCryptoAcceptsExpired(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	farmer := e.user(t, domain.RoleFarmer, true)
	buyer := e.user(t, domain.RoleBuyer, false)
	order := checkout(t, e, buyer, e.listing(t, farmer, 100, 10), 1)

	merchant := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	chain := &settledChain{
		tx:      types.NewTx(&types.LegacyTx{To: &merchant, Value: big.NewInt(1e18), Gas: 21000, GasPrice: big.NewInt(1)}),
		receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)},
	}
	crypto, err := payment.NewCryptoGateway(chain, payment.CryptoConfig{MerchantAddress: merchant.Hex(), CentsPerEther: 300000, Confirmations: 1})
	require.NoError(t, err)

	svc := NewPaymentService(PaymentConfig{
		Payments:   e.paymentsRepo,
		Orders:     e.ordersRepo,
		Escrows:    e.escrowsRepo,
		Profiles:   e.profilesRepo,
		Gateways:   map[domain.PaymentProvider]payment.Gateway{domain.PaymentProviderCrypto: crypto},
		Escrow:     e.escrow,
		Deliveries: e.deliveries,
		Metrics:    metrics.New(),
		Logger:     e.logger,
	})
	p := &domain.Payment{OrderID: order.ID, UserID: buyer.ID, Provider: domain.PaymentProviderCrypto, Status: domain.PaymentStatusExpired, AmountCents: order.TotalCents, Currency: order.Currency}
	_, err = e.paymentsRepo.Create(ctx, p)
	require.NoError(t, err)

	got, err := svc.ConfirmCrypto(ctx, buyer, p.ID, "0x"+strings.Repeat("ab", 32))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSucceeded, got.Status)

	paid, err := e.ordersRepo.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, paid.Status)
}
