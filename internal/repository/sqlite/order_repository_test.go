package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrimarket/internal/domain"
)

func TestOrderRepository_CreateReservesStock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seller := s.user(t, "s@example.com", domain.RoleFarmer)
	buyer := s.user(t, "b@example.com", domain.RoleBuyer)
	l := s.listing(t, seller.ID, 250, 5)

	o := s.order(t, buyer.ID, l, 5)
	assert.EqualValues(t, 1250, o.TotalCents)

	got, err := s.listings.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, got.Quantity)
	assert.Equal(t, domain.ListingStatusSoldOut, got.Status)

	stored, err := s.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, stored.Items, 1)
	assert.EqualValues(t, 250, stored.Items[0].UnitPriceCents)
}

func TestOrderRepository_CreateRollsBackOnShortage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seller := s.user(t, "s@example.com", domain.RoleFarmer)
	buyer := s.user(t, "b@example.com", domain.RoleBuyer)
	a := s.listing(t, seller.ID, 100, 10)
	b := s.listing(t, seller.ID, 100, 1)

	_, err := s.orders.Create(ctx, &domain.Order{
		BuyerID:  buyer.ID,
		SellerID: seller.ID,
		Status:   domain.OrderStatusPendingPayment,
		Currency: "USD",
		Items: []domain.OrderItem{
			{ListingID: a.ID, Title: a.Title, Quantity: 4, UnitPriceCents: 100},
			{ListingID: b.ID, Title: b.Title, Quantity: 2, UnitPriceCents: 100},
		},
	})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	got, err := s.listings.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 10, got.Quantity)

	orders, err := s.orders.ListByBuyer(ctx, buyer.ID)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestOrderRepository_CancelRestocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seller := s.user(t, "s@example.com", domain.RoleFarmer)
	buyer := s.user(t, "b@example.com", domain.RoleBuyer)
	l := s.listing(t, seller.ID, 100, 2)
	o := s.order(t, buyer.ID, l, 2)

	require.NoError(t, s.orders.Cancel(ctx, o.ID, domain.OrderStatusPendingPayment))

	got, err := s.listings.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.Quantity)
	assert.Equal(t, domain.ListingStatusActive, got.Status)

	// a second cancel must not restock twice
	err = s.orders.Cancel(ctx, o.ID, domain.OrderStatusPendingPayment)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	got, err = s.listings.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.Quantity)
}

func TestOrderRepository_TransitionGuards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seller := s.user(t, "s@example.com", domain.RoleFarmer)
	buyer := s.user(t, "b@example.com", domain.RoleBuyer)
	o := s.order(t, buyer.ID, s.listing(t, seller.ID, 100, 2), 1)

	require.NoError(t, s.orders.TransitionStatus(ctx, o.ID, domain.OrderStatusPaid, domain.OrderStatusPendingPayment))
	err := s.orders.TransitionStatus(ctx, o.ID, domain.OrderStatusPaid, domain.OrderStatusPendingPayment)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	bySeller, err := s.orders.ListBySeller(ctx, seller.ID)
	require.NoError(t, err)
	require.Len(t, bySeller, 1)
	assert.Equal(t, domain.OrderStatusPaid, bySeller[0].Status)
	assert.Len(t, bySeller[0].Items, 1)
}

func TestPaymentRepository_StatusAndLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seller := s.user(t, "s@example.com", domain.RoleFarmer)
	buyer := s.user(t, "b@example.com", domain.RoleBuyer)
	o := s.order(t, buyer.ID, s.listing(t, seller.ID, 100, 2), 1)

	p := &domain.Payment{OrderID: o.ID, UserID: buyer.ID, Provider: domain.PaymentProviderCard, Status: domain.PaymentStatusPending, AmountCents: 100, Currency: "USD"}
	_, err := s.payments.Create(ctx, p)
	require.NoError(t, err)
	require.NoError(t, s.payments.SetExternalRef(ctx, p.ID, "pi_123", map[string]string{"client_secret": "cs_1"}))

	got, err := s.payments.GetByExternalRef(ctx, domain.PaymentProviderCard, "pi_123")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, "cs_1", got.Checkout["client_secret"])

	_, err = s.payments.GetByExternalRef(ctx, domain.PaymentProviderMobileMoney, "pi_123")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.payments.UpdateStatus(ctx, p.ID, domain.PaymentStatusSucceeded, "", domain.PaymentStatusPending))
	err = s.payments.UpdateStatus(ctx, p.ID, domain.PaymentStatusFailed, "late", domain.PaymentStatusPending)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	stale, err := s.payments.ListStale(ctx, domain.PaymentStatusPending, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestEscrowRepository_SettleOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seller := s.user(t, "s@example.com", domain.RoleFarmer)
	buyer := s.user(t, "b@example.com", domain.RoleBuyer)
	o := s.order(t, buyer.ID, s.listing(t, seller.ID, 100, 2), 1)
	p := &domain.Payment{OrderID: o.ID, UserID: buyer.ID, Provider: domain.PaymentProviderCard, Status: domain.PaymentStatusSucceeded, AmountCents: 100, Currency: "USD"}
	_, err := s.payments.Create(ctx, p)
	require.NoError(t, err)

	e := &domain.Escrow{OrderID: o.ID, PaymentID: p.ID, AmountCents: 100, Currency: "USD", Status: domain.EscrowStatusHeld}
	_, err = s.escrows.Create(ctx, e)
	require.NoError(t, err)

	_, err = s.escrows.Create(ctx, &domain.Escrow{OrderID: o.ID, PaymentID: p.ID, AmountCents: 100, Currency: "USD", Status: domain.EscrowStatusHeld})
	assert.ErrorIs(t, err, domain.ErrConflict)

	now := time.Now().UTC()
	due, err := s.escrows.ListDue(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)

	require.NoError(t, s.escrows.SetReleaseAfter(ctx, e.ID, now.Add(-time.Minute)))
	due, err = s.escrows.ListDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, s.escrows.Settle(ctx, e.ID, domain.EscrowStatusReleased, now))
	err = s.escrows.Settle(ctx, e.ID, domain.EscrowStatusRefunded, now)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := s.escrows.GetByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStatusReleased, got.Status)
	require.NotNil(t, got.SettledAt)
}
