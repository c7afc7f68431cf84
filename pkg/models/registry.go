package models

import "time"

type Restaurant struct {
	ID              uint64    `json:"id"`
	Owner           Address   `json:"owner"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	MenuHash        string    `json:"menu_hash"`
	PhysicalAddress string    `json:"physical_address"`
	IsActive        bool      `json:"is_active"`
	TotalOrders     uint64    `json:"total_orders"`
	TotalRating     uint64    `json:"total_rating"`
	RatingCount     uint64    `json:"rating_count"`
	RegisteredAt    time.Time `json:"registered_at"`
}

type Rider struct {
	Address         Address   `json:"address"`
	Name            string    `json:"name"`
	PhoneNumber     string    `json:"phone_number"`
	VehicleType     string    `json:"vehicle_type"`
	IsActive        bool      `json:"is_active"`
	IsAvailable     bool      `json:"is_available"`
	CurrentOrderID  uint64    `json:"current_order_id"`
	TotalDeliveries uint64    `json:"total_deliveries"`
	TotalEarnings   uint64    `json:"total_earnings"`
	TotalRating     uint64    `json:"total_rating"`
	RatingCount     uint64    `json:"rating_count"`
	RegisteredAt    time.Time `json:"registered_at"`
}

type Role string

const (
	// RoleUnknown means no observation was made, as opposed to an observed RoleNone.
	RoleUnknown    Role = ""
	RoleNone       Role = "none"
	RoleCustomer   Role = "customer"
	RoleRestaurant Role = "restaurant"
	RoleRider      Role = "rider"
	RoleAdmin      Role = "admin"
)

func ParseRole(s string) (Role, bool) {
	switch r := Role(s); r {
	case RoleUnknown, RoleNone, RoleCustomer, RoleRestaurant, RoleRider, RoleAdmin:
		return r, true
	default:
		return RoleUnknown, false
	}
}
