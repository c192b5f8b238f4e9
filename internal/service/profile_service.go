package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"agrimarket/internal/domain"
	"agrimarket/internal/ledger"
	"agrimarket/internal/repository"
	"agrimarket/internal/storage"
)

// ProfileUpdate carries the fields a user wants changed. Nil fields are kept.
type ProfileUpdate struct {
	FullName      *string
	Phone         *string
	Location      *string
	Bio           *string
	WalletAddress *string
}

type ProfileService interface {
	Get(ctx context.Context, userID int64) (*domain.Profile, error)
	Update(ctx context.Context, userID int64, update ProfileUpdate) (*domain.Profile, error)
	SubmitKYC(ctx context.Context, userID int64, doc Upload) (*domain.Profile, error)
	ListKYC(ctx context.Context, status domain.KYCStatus) ([]domain.Profile, error)
	ReviewKYC(ctx context.Context, userID int64, approve bool, note string) (*domain.Profile, error)
	DocumentURL(ctx context.Context, userID int64) (string, error)
	RequireVerified(ctx context.Context, user *domain.User) error
}

type profileService struct {
	profiles repository.ProfileRepository
	store    storage.Service
	presign  time.Duration
}

func NewProfileService(profiles repository.ProfileRepository, store storage.Service, presign time.Duration) ProfileService {
	return &profileService{profiles: profiles, store: store, presign: presign}
}

func (s *profileService) Get(ctx context.Context, userID int64) (*domain.Profile, error) {
	return s.profiles.Get(ctx, userID)
}

func (s *profileService) Update(ctx context.Context, userID int64, update ProfileUpdate) (*domain.Profile, error) {
	profile, err := s.profiles.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	if update.FullName != nil {
		profile.FullName = sanitizeText(*update.FullName)
	}
	if update.Phone != nil {
		profile.Phone = strings.TrimSpace(*update.Phone)
	}
	if update.Location != nil {
		profile.Location = sanitizeText(*update.Location)
	}
	if update.Bio != nil {
		profile.Bio = sanitizeText(*update.Bio)
	}
	if update.WalletAddress != nil {
		wallet := strings.TrimSpace(*update.WalletAddress)
		if wallet != "" {
			if err := ledger.ValidateAddress(wallet); err != nil {
				return nil, domain.Invalid("wallet address: %v", err)
			}
		}
		profile.WalletAddress = wallet
	}

	if err := s.profiles.Upsert(ctx, profile); err != nil {
		return nil, err
	}
	return s.profiles.Get(ctx, userID)
}

func (s *profileService) SubmitKYC(ctx context.Context, userID int64, doc Upload) (*domain.Profile, error) {
	if err := checkUpload(doc, maxDocumentBytes, func(ct string) bool { return documentTypes[ct] }); err != nil {
		return nil, err
	}
	profile, err := s.profiles.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	switch profile.KYCStatus {
	case domain.KYCStatusUnverified, domain.KYCStatusRejected:
	default:
		return nil, fmt.Errorf("kyc is %s: %w", profile.KYCStatus, domain.ErrInvalidTransition)
	}

	key, err := storeUpload(ctx, s.store, fmt.Sprintf("kyc/%d", userID), doc)
	if err != nil {
		return nil, err
	}
	if err := s.profiles.UpdateKYC(ctx, userID, domain.KYCStatusPending, key, ""); err != nil {
		return nil, err
	}
	return s.profiles.Get(ctx, userID)
}

func (s *profileService) ListKYC(ctx context.Context, status domain.KYCStatus) ([]domain.Profile, error) {
	if status == "" {
		status = domain.KYCStatusPending
	}
	return s.profiles.ListByKYCStatus(ctx, status)
}

func (s *profileService) ReviewKYC(ctx context.Context, userID int64, approve bool, note string) (*domain.Profile, error) {
	profile, err := s.profiles.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if profile.KYCStatus != domain.KYCStatusPending {
		return nil, fmt.Errorf("kyc is %s: %w", profile.KYCStatus, domain.ErrInvalidTransition)
	}

	status := domain.KYCStatusRejected
	if approve {
		status = domain.KYCStatusVerified
	}
	if err := s.profiles.UpdateKYC(ctx, userID, status, "", sanitizeText(note)); err != nil {
		return nil, err
	}
	return s.profiles.Get(ctx, userID)
}

func (s *profileService) DocumentURL(ctx context.Context, userID int64) (string, error) {
	if s.store == nil {
		return "", storage.ErrNotConfigured
	}
	profile, err := s.profiles.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	if profile.KYCDocumentKey == "" {
		return "", fmt.Errorf("kyc document: %w", domain.ErrNotFound)
	}
	return s.store.PresignGetURL(ctx, profile.KYCDocumentKey, s.presign)
}

func (s *profileService) RequireVerified(ctx context.Context, user *domain.User) error {
	if user.Role == domain.RoleAdmin {
		return nil
	}
	profile, err := s.profiles.Get(ctx, user.ID)
	if err != nil {
		return err
	}
	if profile.KYCStatus != domain.KYCStatusVerified {
		return domain.ErrKYCRequired
	}
	return nil
}
