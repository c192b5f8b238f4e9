package domain

import "time"

type KYCStatus string

const (
	KYCStatusUnverified KYCStatus = "unverified"
	KYCStatusPending    KYCStatus = "pending"
	KYCStatusVerified   KYCStatus = "verified"
	KYCStatusRejected   KYCStatus = "rejected"
)

// Profile holds the public and identity details attached to a user.
type Profile struct {
	UserID         int64
	FullName       string
	Phone          string
	Location       string
	Bio            string
	WalletAddress  string
	KYCStatus      KYCStatus
	KYCDocumentKey string
	KYCNote        string
	UpdatedAt      time.Time
}
