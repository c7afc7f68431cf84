package models

type Payment struct {
	OrderID         uint64  `json:"order_id"`
	Customer        Address `json:"customer"`
	Restaurant      Address `json:"restaurant"`
	Rider           Address `json:"rider,omitempty"`
	TotalAmount     uint64  `json:"total_amount"`
	RestaurantShare uint64  `json:"restaurant_share"`
	RiderShare      uint64  `json:"rider_share"`
	PlatformFee     uint64  `json:"platform_fee"`
	Tip             uint64  `json:"tip"`
	Released        bool    `json:"released"`
	Refunded        bool    `json:"refunded"`
}

// Settled reports whether the payment has reached its immutable final state.
func (p Payment) Settled() bool {
	return p.Released || p.Refunded
}
