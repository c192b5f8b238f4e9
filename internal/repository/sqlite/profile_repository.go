package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"agrimarket/internal/domain"
	"agrimarket/internal/repository"
)

const createProfilesTable = `
CREATE TABLE IF NOT EXISTS profiles (
	user_id INTEGER PRIMARY KEY,
	full_name TEXT NOT NULL DEFAULT '',
	phone TEXT NOT NULL DEFAULT '',
	location TEXT NOT NULL DEFAULT '',
	bio TEXT NOT NULL DEFAULT '',
	wallet_address TEXT NOT NULL DEFAULT '',
	kyc_status TEXT NOT NULL DEFAULT 'unverified',
	kyc_document_key TEXT NOT NULL DEFAULT '',
	kyc_note TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL,
	FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_profiles_kyc_status ON profiles(kyc_status);
`

type ProfileRepository struct {
	db *sql.DB
}

func NewProfileRepository(db *sql.DB) repository.ProfileRepository {
	return &ProfileRepository{db: db}
}

func (r *ProfileRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createProfilesTable); err != nil {
		return fmt.Errorf("create profiles table: %w", err)
	}
	return nil
}

// Upsert writes the editable profile fields. KYC columns are only touched by UpdateKYC.
func (r *ProfileRepository) Upsert(ctx context.Context, p *domain.Profile) error {
	p.UpdatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO profiles (user_id, full_name, phone, location, bio, wallet_address, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	full_name=excluded.full_name,
	phone=excluded.phone,
	location=excluded.location,
	bio=excluded.bio,
	wallet_address=excluded.wallet_address,
	updated_at=excluded.updated_at`,
		p.UserID,
		p.FullName,
		p.Phone,
		p.Location,
		p.Bio,
		p.WalletAddress,
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// Get returns the stored profile, or an empty unverified profile when none exists yet.
func (r *ProfileRepository) Get(ctx context.Context, userID int64) (*domain.Profile, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT user_id, full_name, phone, location, bio, wallet_address, kyc_status, kyc_document_key, kyc_note, updated_at
FROM profiles
WHERE user_id = ?`, userID)

	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.Profile{UserID: userID, KYCStatus: domain.KYCStatusUnverified}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan profile: %w", err)
	}
	return p, nil
}

func (r *ProfileRepository) UpdateKYC(ctx context.Context, userID int64, status domain.KYCStatus, documentKey, note string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO profiles (user_id, kyc_status, kyc_document_key, kyc_note, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	kyc_status=excluded.kyc_status,
	kyc_document_key=CASE WHEN excluded.kyc_document_key = '' THEN profiles.kyc_document_key ELSE excluded.kyc_document_key END,
	kyc_note=excluded.kyc_note,
	updated_at=excluded.updated_at`,
		userID,
		string(status),
		documentKey,
		note,
		now,
	)
	if err != nil {
		return fmt.Errorf("update kyc: %w", err)
	}
	return nil
}

func (r *ProfileRepository) ListByKYCStatus(ctx context.Context, status domain.KYCStatus) ([]domain.Profile, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT user_id, full_name, phone, location, bio, wallet_address, kyc_status, kyc_document_key, kyc_note, updated_at
FROM profiles
WHERE kyc_status = ?
ORDER BY updated_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var profiles []domain.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}

func scanProfile(row scanner) (*domain.Profile, error) {
	var (
		p      domain.Profile
		status string
	)
	if err := row.Scan(
		&p.UserID,
		&p.FullName,
		&p.Phone,
		&p.Location,
		&p.Bio,
		&p.WalletAddress,
		&status,
		&p.KYCDocumentKey,
		&p.KYCNote,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.KYCStatus = domain.KYCStatus(status)
	return &p, nil
}
