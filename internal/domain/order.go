package domain

import "time"

type OrderStatus string

const (
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	OrderStatusPaid           OrderStatus = "paid"
	OrderStatusInTransit      OrderStatus = "in_transit"
	OrderStatusDelivered      OrderStatus = "delivered"
	OrderStatusCompleted      OrderStatus = "completed"
	OrderStatusCancelled      OrderStatus = "cancelled"
)

// Order groups the items bought from a single seller in one checkout.
type Order struct {
	ID              int64
	BuyerID         int64
	SellerID        int64
	Status          OrderStatus
	TotalCents      int64
	Currency        string
	ShippingAddress string
	Items           []OrderItem
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OrderItem captures the listing price at checkout time.
type OrderItem struct {
	ID             int64
	OrderID        int64
	ListingID      int64
	Title          string
	Quantity       int64
	UnitPriceCents int64
}

// Listing and order amounts are bounded so totals always fit in int64.
const (
	MaxPriceCents int64 = 1_000_000_000
	MaxQuantity   int64 = 1_000_000
	MaxOrderCents int64 = 1_000_000_000_000_000
)

// LineTotal multiplies a unit price by a quantity, rejecting totals above MaxOrderCents.
func LineTotal(unitPriceCents, quantity int64) (int64, error) {
	if unitPriceCents < 0 || quantity < 0 {
		return 0, Invalid("amounts must not be negative")
	}
	if quantity != 0 && unitPriceCents > MaxOrderCents/quantity {
		return 0, Invalid("%d x %d cents exceeds the order limit", quantity, unitPriceCents)
	}
	return unitPriceCents * quantity, nil
}

// CheckedTotal is ComputeTotal with overflow and limit checks.
func (o *Order) CheckedTotal() (int64, error) {
	var total int64
	for _, item := range o.Items {
		line, err := LineTotal(item.UnitPriceCents, item.Quantity)
		if err != nil {
			return 0, err
		}
		if line > MaxOrderCents-total {
			return 0, Invalid("order total exceeds the order limit")
		}
		total += line
	}
	return total, nil
}

// Subtotal returns quantity multiplied by the captured unit price.
func (i OrderItem) Subtotal() int64 {
	return i.Quantity * i.UnitPriceCents
}

// ComputeTotal sums item subtotals.
func (o *Order) ComputeTotal() int64 {
	var total int64
	for _, item := range o.Items {
		total += item.Subtotal()
	}
	return total
}

// IsParticipant reports whether the user is the buyer or the seller.
func (o *Order) IsParticipant(userID int64) bool {
	return o.BuyerID == userID || o.SellerID == userID
}
