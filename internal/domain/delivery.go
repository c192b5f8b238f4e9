package domain

import "time"

type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusAssigned  DeliveryStatus = "assigned"
	DeliveryStatusPickedUp  DeliveryStatus = "picked_up"
	DeliveryStatusInTransit DeliveryStatus = "in_transit"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

var deliveryTransitions = map[DeliveryStatus][]DeliveryStatus{
	DeliveryStatusPending:   {DeliveryStatusAssigned},
	DeliveryStatusAssigned:  {DeliveryStatusAssigned, DeliveryStatusPickedUp, DeliveryStatusFailed},
	DeliveryStatusPickedUp:  {DeliveryStatusInTransit, DeliveryStatusDelivered, DeliveryStatusFailed},
	DeliveryStatusInTransit: {DeliveryStatusInTransit, DeliveryStatusDelivered, DeliveryStatusFailed},
	DeliveryStatusFailed:    {DeliveryStatusAssigned},
}

// CanTransition reports whether a delivery may move from one status to another.
func CanTransition(from, to DeliveryStatus) bool {
	for _, next := range deliveryTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Delivery tracks shipment of a paid order by a transporter.
type Delivery struct {
	ID            int64
	OrderID       int64
	TransporterID *int64
	Status        DeliveryStatus
	Events        []DeliveryEvent
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DeliveryEvent is one entry of the tracking history.
type DeliveryEvent struct {
	ID         int64
	DeliveryID int64
	Status     DeliveryStatus
	Note       string
	Location   string
	At         time.Time
}
