package service

import (
	"context"
	"errors"
	"fmt"

	"agrimarket/internal/domain"
	"agrimarket/internal/repository"
)

// CartLine is a cart item joined with the current listing state.
type CartLine struct {
	ListingID      int64
	Title          string
	Quantity       int64
	Available      int64
	UnitPriceCents int64
	SubtotalCents  int64
	Currency       string
	ListingStatus  domain.ListingStatus
	ExceedsStock   bool
}

type CartView struct {
	Items       []CartLine
	TotalCents  int64
	StockIssues bool
}

// CartAdjustment tells the client how a requested line was changed during sync.
type CartAdjustment struct {
	ListingID int64
	Requested int64
	Quantity  int64
	Reason    string
}

const (
	AdjustNotFound    = "not_found"
	AdjustUnavailable = "unavailable"
	AdjustOwnListing  = "own_listing"
	AdjustClamped     = "clamped_to_stock"
	AdjustInvalidQty  = "invalid_quantity"

	maxCartLines = 100
)

type CartService interface {
	Get(ctx context.Context, userID int64) (*CartView, error)
	SetItem(ctx context.Context, user *domain.User, listingID, quantity int64) (*CartView, error)
	Sync(ctx context.Context, user *domain.User, items []domain.CartItem) (*CartView, []CartAdjustment, error)
	Clear(ctx context.Context, userID int64) error
}

type cartService struct {
	cart     repository.CartRepository
	listings repository.ListingRepository
}

func NewCartService(cart repository.CartRepository, listings repository.ListingRepository) CartService {
	return &cartService{cart: cart, listings: listings}
}

func (s *cartService) Get(ctx context.Context, userID int64) (*CartView, error) {
	items, err := s.cart.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	view := &CartView{Items: []CartLine{}}
	for _, item := range items {
		listing, err := s.listings.Get(ctx, item.ListingID)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		subtotal, err := domain.LineTotal(listing.PriceCents, item.Quantity)
		if err != nil {
			return nil, err
		}
		line := CartLine{
			ListingID:      listing.ID,
			Title:          listing.Title,
			Quantity:       item.Quantity,
			Available:      listing.Quantity,
			UnitPriceCents: listing.PriceCents,
			SubtotalCents:  subtotal,
			Currency:       listing.Currency,
			ListingStatus:  listing.Status,
		}
		if listing.Status != domain.ListingStatusActive {
			line.Available = 0
		}
		line.ExceedsStock = line.Quantity > line.Available
		view.StockIssues = view.StockIssues || line.ExceedsStock
		view.TotalCents += line.SubtotalCents
		view.Items = append(view.Items, line)
	}
	return view, nil
}

func (s *cartService) SetItem(ctx context.Context, user *domain.User, listingID, quantity int64) (*CartView, error) {
	if !user.Role.CanBuy() {
		return nil, fmt.Errorf("role %s cannot buy: %w", user.Role, domain.ErrForbidden)
	}
	if quantity < 0 {
		return nil, domain.Invalid("quantity must not be negative")
	}
	if quantity > 0 {
		listing, err := s.listings.Get(ctx, listingID)
		if err != nil {
			return nil, err
		}
		switch {
		case listing.SellerID == user.ID:
			return nil, domain.Invalid("you cannot buy your own listing")
		case listing.Status != domain.ListingStatusActive:
			return nil, fmt.Errorf("listing %d is %s: %w", listingID, listing.Status, domain.ErrInsufficientStock)
		case quantity > listing.Quantity:
			return nil, fmt.Errorf("listing %d has %d left: %w", listingID, listing.Quantity, domain.ErrInsufficientStock)
		}
	}
	if err := s.cart.Set(ctx, user.ID, listingID, quantity); err != nil {
		return nil, err
	}
	return s.Get(ctx, user.ID)
}

// Sync replaces the stored cart with the client's copy. Lines that cannot be
// bought are dropped and over-stock lines are clamped; each change is reported.
func (s *cartService) Sync(ctx context.Context, user *domain.User, items []domain.CartItem) (*CartView, []CartAdjustment, error) {
	if !user.Role.CanBuy() {
		return nil, nil, fmt.Errorf("role %s cannot buy: %w", user.Role, domain.ErrForbidden)
	}
	if len(items) > maxCartLines {
		return nil, nil, domain.Invalid("cart holds at most %d items", maxCartLines)
	}

	merged := mergeItems(items)
	adjustments := []CartAdjustment{}
	kept := make([]domain.CartItem, 0, len(merged))
	for _, item := range merged {
		adjust := func(qty int64, reason string) {
			adjustments = append(adjustments, CartAdjustment{
				ListingID: item.ListingID,
				Requested: item.Quantity,
				Quantity:  qty,
				Reason:    reason,
			})
		}
		if item.Quantity <= 0 {
			adjust(0, AdjustInvalidQty)
			continue
		}
		listing, err := s.listings.Get(ctx, item.ListingID)
		if errors.Is(err, domain.ErrNotFound) {
			adjust(0, AdjustNotFound)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		switch {
		case listing.SellerID == user.ID:
			adjust(0, AdjustOwnListing)
			continue
		case listing.Status != domain.ListingStatusActive || listing.Quantity == 0:
			adjust(0, AdjustUnavailable)
			continue
		case item.Quantity > listing.Quantity:
			adjust(listing.Quantity, AdjustClamped)
			item.Quantity = listing.Quantity
		}
		item.UserID = user.ID
		kept = append(kept, item)
	}

	if err := s.cart.Replace(ctx, user.ID, kept); err != nil {
		return nil, nil, err
	}
	view, err := s.Get(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}
	return view, adjustments, nil
}

func (s *cartService) Clear(ctx context.Context, userID int64) error {
	return s.cart.Clear(ctx, userID)
}

// mergeItems sums duplicate listing lines while keeping first-seen order.
func mergeItems(items []domain.CartItem) []domain.CartItem {
	index := make(map[int64]int, len(items))
	out := make([]domain.CartItem, 0, len(items))
	for _, item := range items {
		if i, ok := index[item.ListingID]; ok {
			out[i].Quantity += item.Quantity
			continue
		}
		index[item.ListingID] = len(out)
		out = append(out, item)
	}
	return out
}
