package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"agrimarket/internal/domain"
	"agrimarket/internal/repository"
	"agrimarket/internal/storage"
)

// ListingInput is the payload for a new listing.
type ListingInput struct {
	Title       string
	Description string
	Category    string
	Unit        string
	PriceCents  int64
	Quantity    int64
	Currency    string
	Location    string
	OnChain     bool
}

// ListingPatch changes only the non-nil fields.
type ListingPatch struct {
	Title       *string
	Description *string
	Category    *string
	Unit        *string
	PriceCents  *int64
	Quantity    *int64
	Location    *string
}

type ImageURL struct {
	Key string
	URL string
}

type ListingService interface {
	Create(ctx context.Context, seller *domain.User, in ListingInput) (*domain.Listing, error)
	Update(ctx context.Context, user *domain.User, id int64, patch ListingPatch) (*domain.Listing, error)
	Archive(ctx context.Context, user *domain.User, id int64) error
	Get(ctx context.Context, viewer *domain.User, id int64) (*domain.Listing, error)
	List(ctx context.Context, viewer *domain.User, filter domain.ListingFilter) ([]domain.Listing, error)
	AddImage(ctx context.Context, user *domain.User, id int64, image Upload) (string, error)
	ImageURLs(ctx context.Context, viewer *domain.User, id int64) ([]ImageURL, error)
	SetChainSyncer(syncer ChainSyncer)
}

type listingService struct {
	listings repository.ListingRepository
	profiles ProfileService
	store    storage.Service
	presign  time.Duration
	syncer   ChainSyncer
	logger   logrus.FieldLogger
}

func NewListingService(listings repository.ListingRepository, profiles ProfileService, store storage.Service, presign time.Duration, logger logrus.FieldLogger) ListingService {
	return &listingService{
		listings: listings,
		profiles: profiles,
		store:    store,
		presign:  presign,
		logger:   logger,
	}
}

func (s *listingService) SetChainSyncer(syncer ChainSyncer) {
	s.syncer = syncer
}

func (s *listingService) Create(ctx context.Context, seller *domain.User, in ListingInput) (*domain.Listing, error) {
	if !seller.Role.CanSell() {
		return nil, fmt.Errorf("role %s cannot sell: %w", seller.Role, domain.ErrForbidden)
	}
	if err := s.profiles.RequireVerified(ctx, seller); err != nil {
		return nil, err
	}

	listing := &domain.Listing{
		SellerID:    seller.ID,
		Title:       sanitizeText(in.Title),
		Description: sanitizeText(in.Description),
		Category:    strings.ToLower(strings.TrimSpace(in.Category)),
		Unit:        strings.TrimSpace(in.Unit),
		PriceCents:  in.PriceCents,
		Quantity:    in.Quantity,
		Currency:    strings.ToUpper(strings.TrimSpace(in.Currency)),
		Location:    sanitizeText(in.Location),
		OnChain:     in.OnChain,
		ChainStatus: domain.ChainStatusNone,
	}
	if listing.Currency == "" {
		listing.Currency = domain.DefaultCurrency
	}
	if err := validateListing(listing); err != nil {
		return nil, err
	}
	listing.Status = domain.StatusForQuantity(listing.Quantity)

	if listing.OnChain {
		if err := s.requireChain(ctx, seller.ID); err != nil {
			return nil, err
		}
		listing.ChainStatus = domain.ChainStatusPending
	}

	if _, err := s.listings.Create(ctx, listing); err != nil {
		return nil, err
	}
	s.enqueue(ctx, listing)
	return listing, nil
}

func (s *listingService) Update(ctx context.Context, user *domain.User, id int64, patch ListingPatch) (*domain.Listing, error) {
	listing, err := s.owned(ctx, user, id)
	if err != nil {
		return nil, err
	}
	if listing.Status == domain.ListingStatusArchived {
		return nil, fmt.Errorf("listing %d is archived: %w", id, domain.ErrInvalidTransition)
	}

	if patch.Title != nil {
		listing.Title = sanitizeText(*patch.Title)
	}
	if patch.Description != nil {
		listing.Description = sanitizeText(*patch.Description)
	}
	if patch.Category != nil {
		listing.Category = strings.ToLower(strings.TrimSpace(*patch.Category))
	}
	if patch.Unit != nil {
		listing.Unit = strings.TrimSpace(*patch.Unit)
	}
	if patch.Location != nil {
		listing.Location = sanitizeText(*patch.Location)
	}
	chainFields := false
	if patch.PriceCents != nil && *patch.PriceCents != listing.PriceCents {
		listing.PriceCents = *patch.PriceCents
		chainFields = true
	}
	if patch.Quantity != nil && *patch.Quantity != listing.Quantity {
		listing.Quantity = *patch.Quantity
		chainFields = true
	}
	if err := validateListing(listing); err != nil {
		return nil, err
	}
	listing.Status = domain.StatusForQuantity(listing.Quantity)

	if listing.OnChain && chainFields {
		listing.ChainStatus = domain.ChainStatusPending
	}
	if err := s.listings.Update(ctx, listing); err != nil {
		return nil, err
	}
	if chainFields {
		s.enqueue(ctx, listing)
	}
	return listing, nil
}

func (s *listingService) Archive(ctx context.Context, user *domain.User, id int64) error {
	listing, err := s.owned(ctx, user, id)
	if err != nil {
		return err
	}
	if err := s.listings.Archive(ctx, id); err != nil {
		return err
	}
	if s.store != nil {
		if err := s.store.DeletePrefix(ctx, imagePrefix(id)+"/"); err != nil {
			s.logger.WithError(err).WithField("listing_id", id).Warn("failed to remove listing images")
		}
	}
	if listing.OnChain {
		if err := s.listings.UpdateChainState(ctx, id, domain.ChainStatusPending, 0, ""); err != nil {
			return err
		}
		s.enqueue(ctx, listing)
	}
	return nil
}

func (s *listingService) Get(ctx context.Context, viewer *domain.User, id int64) (*domain.Listing, error) {
	listing, err := s.listings.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if listing.Status == domain.ListingStatusArchived && !canManage(viewer, listing) {
		return nil, fmt.Errorf("listing %d: %w", id, domain.ErrNotFound)
	}
	return listing, nil
}

// List shows active listings to the public. Sellers browsing their own
// listings and admins may see every status.
func (s *listingService) List(ctx context.Context, viewer *domain.User, filter domain.ListingFilter) ([]domain.Listing, error) {
	if filter.MinPrice < 0 || filter.MaxPrice < 0 {
		return nil, domain.Invalid("price bounds must not be negative")
	}
	if filter.MaxPrice > 0 && filter.MinPrice > filter.MaxPrice {
		return nil, domain.Invalid("min_price is above max_price")
	}
	ownView := viewer != nil && (viewer.Role == domain.RoleAdmin || (filter.SellerID != 0 && filter.SellerID == viewer.ID))
	if !ownView {
		filter.Statuses = []domain.ListingStatus{domain.ListingStatusActive}
	}
	filter.Normalize()
	return s.listings.List(ctx, filter)
}

func (s *listingService) AddImage(ctx context.Context, user *domain.User, id int64, image Upload) (string, error) {
	if err := checkUpload(image, maxImageBytes, func(ct string) bool { return strings.HasPrefix(ct, "image/") }); err != nil {
		return "", err
	}
	listing, err := s.owned(ctx, user, id)
	if err != nil {
		return "", err
	}
	if listing.Status == domain.ListingStatusArchived {
		return "", fmt.Errorf("listing %d is archived: %w", id, domain.ErrInvalidTransition)
	}
	return storeUpload(ctx, s.store, imagePrefix(id), image)
}

func (s *listingService) ImageURLs(ctx context.Context, viewer *domain.User, id int64) ([]ImageURL, error) {
	if s.store == nil {
		return nil, storage.ErrNotConfigured
	}
	if _, err := s.Get(ctx, viewer, id); err != nil {
		return nil, err
	}
	objects, err := s.store.ListObjects(ctx, imagePrefix(id)+"/")
	if err != nil {
		return nil, err
	}
	urls := make([]ImageURL, 0, len(objects))
	for _, obj := range objects {
		url, err := s.store.PresignGetURL(ctx, obj.Key, s.presign)
		if err != nil {
			return nil, err
		}
		urls = append(urls, ImageURL{Key: obj.Key, URL: url})
	}
	return urls, nil
}

func (s *listingService) owned(ctx context.Context, user *domain.User, id int64) (*domain.Listing, error) {
	listing, err := s.listings.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canManage(user, listing) {
		return nil, fmt.Errorf("listing %d: %w", id, domain.ErrForbidden)
	}
	return listing, nil
}

func (s *listingService) requireChain(ctx context.Context, sellerID int64) error {
	if s.syncer == nil {
		return fmt.Errorf("on-chain listings: %w", domain.ErrUnavailable)
	}
	profile, err := s.profiles.Get(ctx, sellerID)
	if err != nil {
		return err
	}
	if profile.WalletAddress == "" {
		return domain.Invalid("set a wallet address on your profile before listing on chain")
	}
	return nil
}

func (s *listingService) enqueue(ctx context.Context, listing *domain.Listing) {
	if !listing.OnChain || s.syncer == nil {
		return
	}
	if err := s.syncer.Enqueue(ctx, listing.ID); err != nil {
		s.logger.WithError(err).WithField("listing_id", listing.ID).Warn("failed to enqueue chain sync")
	}
}

func validateListing(l *domain.Listing) error {
	switch {
	case l.Title == "":
		return domain.Invalid("title is required")
	case len(l.Title) > 200:
		return domain.Invalid("title is too long")
	case len(l.Description) > 5000:
		return domain.Invalid("description is too long")
	case l.PriceCents <= 0:
		return domain.Invalid("price must be positive")
	case l.PriceCents > domain.MaxPriceCents:
		return domain.Invalid("price must not exceed %d cents", domain.MaxPriceCents)
	case l.Quantity < 0:
		return domain.Invalid("quantity must not be negative")
	case l.Quantity > domain.MaxQuantity:
		return domain.Invalid("quantity must not exceed %d", domain.MaxQuantity)
	case len(l.Currency) != 3:
		return domain.Invalid("currency must be a three letter code")
	}
	return nil
}

func canManage(user *domain.User, listing *domain.Listing) bool {
	return user != nil && (user.Role == domain.RoleAdmin || user.ID == listing.SellerID)
}

func imagePrefix(listingID int64) string {
	return fmt.Sprintf("listings/%d", listingID)
}
