package repository

import (
	"context"

	"agrimarket/internal/domain"
)

// ListingRepository exposes persistence operations for marketplace listings.
type ListingRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, listing *domain.Listing) (int64, error)
	Update(ctx context.Context, listing *domain.Listing) error
	Get(ctx context.Context, id int64) (*domain.Listing, error)
	List(ctx context.Context, filter domain.ListingFilter) ([]domain.Listing, error)
	Archive(ctx context.Context, id int64) error
	UpdateChainState(ctx context.Context, id int64, status domain.ChainStatus, productID int64, errMsg string) error
	ListByChainStatus(ctx context.Context, statuses ...domain.ChainStatus) ([]domain.Listing, error)
}

// CartRepository keeps the server-side copy of shopping carts.
type CartRepository interface {
	Init(ctx context.Context) error
	Get(ctx context.Context, userID int64) ([]domain.CartItem, error)
	Set(ctx context.Context, userID, listingID, quantity int64) error
	Replace(ctx context.Context, userID int64, items []domain.CartItem) error
	Clear(ctx context.Context, userID int64) error
}
