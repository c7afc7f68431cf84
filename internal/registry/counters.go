package registry

import (
	"fmt"
	"math"

	"github.com/jogardn/chainfood/pkg/models"
)

// CheckCompletion fails if RecordCompletion would overflow a counter of rest.
func CheckCompletion(rest models.Restaurant, rating uint8) error {
	if rest.TotalOrders == math.MaxUint64 {
		return fmt.Errorf("%w: restaurant %d order counter is full", models.ErrInvalidState, rest.ID)
	}
	if rating > 0 && (rest.TotalRating > math.MaxUint64-uint64(rating) || rest.RatingCount == math.MaxUint64) {
		return fmt.Errorf("%w: restaurant %d rating counters are full", models.ErrInvalidState, rest.ID)
	}
	return nil
}

// CheckDelivery fails if RecordDelivery would overflow a counter of rider.
func CheckDelivery(rider models.Rider, earnings uint64, rating uint8) error {
	if rider.TotalDeliveries == math.MaxUint64 {
		return fmt.Errorf("%w: rider %s delivery counter is full", models.ErrInvalidState, rider.Address)
	}
	if rider.TotalEarnings > math.MaxUint64-earnings {
		return fmt.Errorf("%w: rider %s earnings would overflow", models.ErrInvalidState, rider.Address)
	}
	if rating > 0 && (rider.TotalRating > math.MaxUint64-uint64(rating) || rider.RatingCount == math.MaxUint64) {
		return fmt.Errorf("%w: rider %s rating counters are full", models.ErrInvalidState, rider.Address)
	}
	return nil
}
