package repository

import (
	"context"

	"agrimarket/internal/domain"
)

// UserRepository defines persistence operations for User entities.
type UserRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, user *domain.User) (int64, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	GetByID(ctx context.Context, id int64) (*domain.User, error)
}

// ProfileRepository stores profile and identity verification details.
type ProfileRepository interface {
	Init(ctx context.Context) error
	Upsert(ctx context.Context, profile *domain.Profile) error
	Get(ctx context.Context, userID int64) (*domain.Profile, error)
	UpdateKYC(ctx context.Context, userID int64, status domain.KYCStatus, documentKey, note string) error
	ListByKYCStatus(ctx context.Context, status domain.KYCStatus) ([]domain.Profile, error)
}
