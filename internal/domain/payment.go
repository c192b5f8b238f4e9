package domain

import "time"

type PaymentProvider string

const (
	PaymentProviderCard        PaymentProvider = "card"
	PaymentProviderMobileMoney PaymentProvider = "mobile_money"
	PaymentProviderCrypto      PaymentProvider = "crypto"
)

// IsValid reports whether p names a supported provider.
func (p PaymentProvider) IsValid() bool {
	switch p {
	case PaymentProviderCard, PaymentProviderMobileMoney, PaymentProviderCrypto:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentStatusPending       PaymentStatus = "pending"
	PaymentStatusSucceeded     PaymentStatus = "succeeded"
	PaymentStatusFailed        PaymentStatus = "failed"
	PaymentStatusExpired       PaymentStatus = "expired"
	PaymentStatusRefunded      PaymentStatus = "refunded"
	PaymentStatusRefundPending PaymentStatus = "refund_pending"
)

// Payment records one attempt to pay for an order through a provider.
type Payment struct {
	ID           int64
	OrderID      int64
	UserID       int64
	Provider     PaymentProvider
	Status       PaymentStatus
	AmountCents  int64
	Currency     string
	ExternalRef  string
	Checkout     map[string]string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type EscrowStatus string

const (
	EscrowStatusHeld     EscrowStatus = "held"
	EscrowStatusReleased EscrowStatus = "released"
	EscrowStatusRefunded EscrowStatus = "refunded"
)

// Escrow holds a paid amount until the buyer receives the goods.
type Escrow struct {
	ID           int64
	OrderID      int64
	PaymentID    int64
	AmountCents  int64
	Currency     string
	Status       EscrowStatus
	HeldAt       time.Time
	ReleaseAfter *time.Time
	SettledAt    *time.Time
}
