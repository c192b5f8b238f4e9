package domain

import "time"

type ListingStatus string

const (
	ListingStatusActive   ListingStatus = "active"
	ListingStatusSoldOut  ListingStatus = "sold_out"
	ListingStatusArchived ListingStatus = "archived"
)

// ChainStatus tracks the publication state of a listing on the marketplace contract.
type ChainStatus string

const (
	ChainStatusNone      ChainStatus = "none"
	ChainStatusPending   ChainStatus = "pending"
	ChainStatusPublished ChainStatus = "published"
	ChainStatusFailed    ChainStatus = "failed"
)

const (
	DefaultListingLimit = 20
	MaxListingLimit     = 100
	DefaultCurrency     = "USD"
)

// Listing is a product offered by a seller account.
type Listing struct {
	ID             int64
	SellerID       int64
	Title          string
	Description    string
	Category       string
	Unit           string
	PriceCents     int64
	Quantity       int64
	Currency       string
	Location       string
	Status         ListingStatus
	OnChain        bool
	ChainStatus    ChainStatus
	ChainProductID int64
	ChainError     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StatusForQuantity returns the status an unarchived listing should carry for the given stock.
func StatusForQuantity(qty int64) ListingStatus {
	if qty <= 0 {
		return ListingStatusSoldOut
	}
	return ListingStatusActive
}

// ListingFilter narrows listing queries. Zero values are ignored.
type ListingFilter struct {
	Category string
	Location string
	SellerID int64
	MinPrice int64
	MaxPrice int64
	Query    string
	Statuses []ListingStatus
	Limit    int
	Offset   int
}

// Normalize clamps paging values into their allowed range.
func (f *ListingFilter) Normalize() {
	if f.Limit <= 0 {
		f.Limit = DefaultListingLimit
	}
	if f.Limit > MaxListingLimit {
		f.Limit = MaxListingLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}
