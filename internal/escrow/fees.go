package escrow

// Fee split in percent of the order amount. Tips are not part of the base.
const (
	RestaurantPercent = 80
	RiderPercent      = 10
	PlatformPercent   = 10
)

// CalculateFees splits amount 80/10/10. The integer-division remainder goes
// to the restaurant, so the three parts always sum to amount.
func CalculateFees(amount uint64) (restaurant, rider, platform uint64) {
	rider = amount/100*RiderPercent + amount%100*RiderPercent/100
	platform = amount/100*PlatformPercent + amount%100*PlatformPercent/100
	restaurant = amount - rider - platform
	return restaurant, rider, platform
}
