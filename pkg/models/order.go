package models

import (
	"fmt"
	"strings"
	"time"
)

// Address is a lower-cased 0x-prefixed account address. The zero value means "unset".
type Address string

func NewAddress(s string) Address {
	return Address(strings.ToLower(strings.TrimSpace(s)))
}

func ParseAddress(s string) (Address, error) {
	a := NewAddress(s)
	if len(a) != 42 || !strings.HasPrefix(string(a), "0x") {
		return "", fmt.Errorf("%w: malformed address %q", ErrInvalidArgument, s)
	}
	for _, c := range a[2:] {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return "", fmt.Errorf("%w: malformed address %q", ErrInvalidArgument, s)
		}
	}
	return a, nil
}

func (a Address) IsZero() bool {
	return a == ""
}

type OrderStatus uint8

// Wire codes. Do not reorder.
const (
	StatusCreated OrderStatus = iota
	StatusAccepted
	StatusPrepared
	StatusPickedUp
	StatusDelivered
	StatusCompleted
	StatusCancelled
	StatusDisputed
	StatusRefunded
)

func (s OrderStatus) String() string {
	switch s {
	case StatusCreated:
		return "Created"
	case StatusAccepted:
		return "Accepted"
	case StatusPrepared:
		return "Prepared"
	case StatusPickedUp:
		return "PickedUp"
	case StatusDelivered:
		return "Delivered"
	case StatusCompleted:
		return "Completed"
	case StatusCancelled:
		return "Cancelled"
	case StatusDisputed:
		return "Disputed"
	case StatusRefunded:
		return "Refunded"
	default:
		return "Unknown"
	}
}

func (s OrderStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusRefunded
}

type Order struct {
	ID           uint64      `json:"id"`
	RestaurantID uint64      `json:"restaurant_id"`
	Customer     Address     `json:"customer"`
	Rider        Address     `json:"rider,omitempty"`
	Amount       uint64      `json:"amount"`
	Tip          uint64      `json:"tip"`
	Status       OrderStatus `json:"status"`
	ContentHash  string      `json:"content_hash"`
	Reason       string      `json:"reason,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	AcceptedAt  time.Time `json:"accepted_at"`
	PreparedAt  time.Time `json:"prepared_at"`
	PickedUpAt  time.Time `json:"picked_up_at"`
	DeliveredAt time.Time `json:"delivered_at"`
	CompletedAt time.Time `json:"completed_at"`

	RestaurantRating uint8 `json:"restaurant_rating"`
	RiderRating      uint8 `json:"rider_rating"`
}

// OrderDetails is the content-store payload referenced by Order.ContentHash.
type OrderDetails struct {
	Items               []OrderItem `json:"items"`
	RestaurantID        uint64      `json:"restaurantId"`
	Customer            Address     `json:"customer"`
	DeliveryAddress     string      `json:"deliveryAddress"`
	CustomerPhone       string      `json:"customerPhone"`
	SpecialInstructions string      `json:"specialInstructions"`
	Timestamp           int64       `json:"timestamp"`
	Version             string      `json:"version"`
}

type OrderItem struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Price    uint64 `json:"price"`
}
