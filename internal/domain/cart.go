package domain

import "time"

// CartItem is a single line of a user's server-side cart.
type CartItem struct {
	UserID    int64
	ListingID int64
	Quantity  int64
	UpdatedAt time.Time
}
