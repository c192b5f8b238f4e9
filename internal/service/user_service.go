package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"agrimarket/internal/domain"
	"agrimarket/internal/repository"
)

var (
	// ErrInvalidCredentials indicates that provided login credentials are incorrect.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidAdminSecret indicates the secret required for admin registration is incorrect.
	ErrInvalidAdminSecret = errors.New("invalid admin secret")
	// ErrUserAlreadyExists is returned when attempting to register with an existing email.
	ErrUserAlreadyExists = errors.New("user already exists")
)

// UserService describes user lifecycle operations.
type UserService interface {
	Register(ctx context.Context, email, password string, role domain.Role, adminSecret string) (*domain.User, error)
	Authenticate(ctx context.Context, email, password string) (*domain.User, error)
	GetByID(ctx context.Context, id int64) (*domain.User, error)
}

type userService struct {
	users       repository.UserRepository
	adminSecret string
}

func NewUserService(users repository.UserRepository, adminSecret string) UserService {
	return &userService{
		users:       users,
		adminSecret: strings.TrimSpace(adminSecret),
	}
}

func (s *userService) Register(ctx context.Context, email, password string, role domain.Role, adminSecret string) (*domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	password = strings.TrimSpace(password)
	adminSecret = strings.TrimSpace(adminSecret)

	if email == "" {
		return nil, domain.Invalid("email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, domain.Invalid("email is not a valid address")
	}
	if len(password) < 8 {
		return nil, domain.Invalid("password must be at least 8 characters")
	}
	if !role.IsValid() {
		return nil, domain.Invalid("unknown role %q", role)
	}
	if role == domain.RoleAdmin {
		if s.adminSecret == "" {
			return nil, fmt.Errorf("admin registration: %w", ErrInvalidAdminSecret)
		}
		if subtle.ConstantTimeCompare([]byte(adminSecret), []byte(s.adminSecret)) != 1 {
			return nil, ErrInvalidAdminSecret
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	user := &domain.User{
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if _, err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, ErrUserAlreadyExists
		}
		return nil, err
	}

	return sanitizeUser(user), nil
}

func (s *userService) Authenticate(ctx context.Context, email, password string) (*domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	password = strings.TrimSpace(password)
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return sanitizeUser(user), nil
}

func (s *userService) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return sanitizeUser(user), nil
}

func sanitizeUser(user *domain.User) *domain.User {
	if user == nil {
		return nil
	}
	return &domain.User{
		ID:        user.ID,
		Email:     user.Email,
		Role:      user.Role,
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
	}
}
