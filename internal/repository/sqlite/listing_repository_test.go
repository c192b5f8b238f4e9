package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrimarket/internal/domain"
)

func TestListingRepository_ListFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seller := s.user(t, "s@example.com", domain.RoleFarmer)

	cheap := s.listing(t, seller.ID, 100, 10)
	pricey := s.listing(t, seller.ID, 5000, 3)
	pricey.Title = "Avocado"
	pricey.Category = "fruit"
	require.NoError(t, s.listings.Update(ctx, pricey))
	s.listing(t, seller.ID, 300, 0)

	active, err := s.listings.List(ctx, domain.ListingFilter{Statuses: []domain.ListingStatus{domain.ListingStatusActive}})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	fruit, err := s.listings.List(ctx, domain.ListingFilter{Category: "fruit"})
	require.NoError(t, err)
	require.Len(t, fruit, 1)
	assert.Equal(t, pricey.ID, fruit[0].ID)

	ranged, err := s.listings.List(ctx, domain.ListingFilter{MinPrice: 50, MaxPrice: 200})
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, cheap.ID, ranged[0].ID)

	searched, err := s.listings.List(ctx, domain.ListingFilter{Query: "avo"})
	require.NoError(t, err)
	assert.Len(t, searched, 1)

	paged, err := s.listings.List(ctx, domain.ListingFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, paged, 1)
}

func TestListingRepository_ChainState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seller := s.user(t, "s@example.com", domain.RoleFarmer)

	l := s.listing(t, seller.ID, 100, 10)
	l.OnChain = true
	l.ChainStatus = domain.ChainStatusPending
	require.NoError(t, s.listings.Update(ctx, l))

	pending, err := s.listings.ListByChainStatus(ctx, domain.ChainStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.listings.UpdateChainState(ctx, l.ID, domain.ChainStatusPublished, 7, ""))
	got, err := s.listings.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ChainStatusPublished, got.ChainStatus)
	assert.EqualValues(t, 7, got.ChainProductID)
	assert.True(t, got.OnChain)

	// a zero product id keeps the stored one
	require.NoError(t, s.listings.UpdateChainState(ctx, l.ID, domain.ChainStatusFailed, 0, "rpc down"))
	got, err = s.listings.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 7, got.ChainProductID)
	assert.Equal(t, "rpc down", got.ChainError)
}

func TestListingRepository_ArchiveMissing(t *testing.T) {
	s := newTestStore(t)
	err := s.listings.Archive(context.Background(), 99)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCartRepository_SetReplaceClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seller := s.user(t, "s@example.com", domain.RoleFarmer)
	buyer := s.user(t, "b@example.com", domain.RoleBuyer)
	a := s.listing(t, seller.ID, 100, 10)
	b := s.listing(t, seller.ID, 200, 10)

	require.NoError(t, s.cart.Set(ctx, buyer.ID, a.ID, 2))
	require.NoError(t, s.cart.Set(ctx, buyer.ID, a.ID, 3))
	items, err := s.cart.Get(ctx, buyer.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.EqualValues(t, 3, items[0].Quantity)

	require.NoError(t, s.cart.Replace(ctx, buyer.ID, []domain.CartItem{
		{ListingID: b.ID, Quantity: 1},
		{ListingID: a.ID, Quantity: 0},
	}))
	items, err = s.cart.Get(ctx, buyer.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, b.ID, items[0].ListingID)

	require.NoError(t, s.cart.Set(ctx, buyer.ID, b.ID, 0))
	items, err = s.cart.Get(ctx, buyer.ID)
	require.NoError(t, err)
	assert.Empty(t, items)

	require.NoError(t, s.cart.Set(ctx, buyer.ID, a.ID, 1))
	require.NoError(t, s.cart.Clear(ctx, buyer.ID))
	items, err = s.cart.Get(ctx, buyer.ID)
	require.NoError(t, err)
	assert.Empty(t, items)
}
