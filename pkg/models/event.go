package models

import "time"

type EventType string

const (
	EventOrderCreated       EventType = "OrderCreated"
	EventOrderStatusChanged EventType = "OrderStatusChanged"
	EventRiderAssigned      EventType = "RiderAssignedToOrder"
	EventFundsDeposited     EventType = "FundsDeposited"
	EventFundsReleased      EventType = "FundsReleased"
	EventFundsRefunded      EventType = "FundsRefunded"
	EventRatingsSubmitted   EventType = "RatingsSubmitted"
	EventStatsApplied       EventType = "StatsApplied"
)

// Event is emitted after a transition commits.
type Event struct {
	Type           EventType   `json:"type"`
	OrderID        uint64      `json:"order_id"`
	RestaurantID   uint64      `json:"restaurant_id,omitempty"`
	Actor          Address     `json:"actor,omitempty"`
	Customer       Address     `json:"customer,omitempty"`
	Rider          Address     `json:"rider,omitempty"`
	PreviousStatus OrderStatus `json:"previous_status"`
	Status         OrderStatus `json:"status"`
	Amount         uint64      `json:"amount,omitempty"`
	RestaurantPaid uint64      `json:"restaurant_paid,omitempty"`
	RiderPaid      uint64      `json:"rider_paid,omitempty"`
	PlatformPaid   uint64      `json:"platform_paid,omitempty"`
	RestaurantRate uint8       `json:"restaurant_rating,omitempty"`
	RiderRate      uint8       `json:"rider_rating,omitempty"`
	Reason         string      `json:"reason,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}
