package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"agrimarket/internal/domain"
)

type testStore struct {
	db         *sql.DB
	users      *UserRepository
	profiles   *ProfileRepository
	listings   *ListingRepository
	cart       *CartRepository
	orders     *OrderRepository
	payments   *PaymentRepository
	escrows    *EscrowRepository
	deliveries *DeliveryRepository
	chat       *ChatRepository
}

func newTestStore(t *testing.T) *testStore {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := &testStore{
		db:         db,
		users:      NewUserRepository(db).(*UserRepository),
		profiles:   NewProfileRepository(db).(*ProfileRepository),
		listings:   NewListingRepository(db).(*ListingRepository),
		cart:       NewCartRepository(db).(*CartRepository),
		orders:     NewOrderRepository(db).(*OrderRepository),
		payments:   NewPaymentRepository(db).(*PaymentRepository),
		escrows:    NewEscrowRepository(db).(*EscrowRepository),
		deliveries: NewDeliveryRepository(db).(*DeliveryRepository),
		chat:       NewChatRepository(db).(*ChatRepository),
	}
	require.NoError(t, InitAll(context.Background(),
		s.users, s.profiles, s.listings, s.cart, s.orders, s.payments, s.escrows, s.deliveries, s.chat,
	))
	return s
}

func (s *testStore) user(t *testing.T, email string, role domain.Role) *domain.User {
	t.Helper()
	u := &domain.User{Email: email, PasswordHash: "x", Role: role}
	_, err := s.users.Create(context.Background(), u)
	require.NoError(t, err)
	return u
}

func (s *testStore) listing(t *testing.T, sellerID, price, qty int64) *domain.Listing {
	t.Helper()
	l := &domain.Listing{
		SellerID:   sellerID,
		Title:      "Maize",
		Category:   "grain",
		Unit:       "kg",
		PriceCents: price,
		Quantity:   qty,
		Currency:   domain.DefaultCurrency,
		Status:     domain.StatusForQuantity(qty),
	}
	_, err := s.listings.Create(context.Background(), l)
	require.NoError(t, err)
	return l
}

func (s *testStore) order(t *testing.T, buyerID int64, l *domain.Listing, qty int64) *domain.Order {
	t.Helper()
	o := &domain.Order{
		BuyerID:  buyerID,
		SellerID: l.SellerID,
		Status:   domain.OrderStatusPendingPayment,
		Currency: l.Currency,
		Items: []domain.OrderItem{
			{ListingID: l.ID, Title: l.Title, Quantity: qty, UnitPriceCents: l.PriceCents},
		},
	}
	_, err := s.orders.Create(context.Background(), o)
	require.NoError(t, err)
	return o
}
