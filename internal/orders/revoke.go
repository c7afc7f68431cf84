package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/jogardn/chainfood/pkg/models"
)

// RevokeRole lets the platform admin take the restaurant or rider role away
// from target. The record is deactivated rather than removed so past orders
// keep resolving. A rider bound to an order, or an owner whose restaurant
// still has an order in flight, keeps the role until the order is terminal.
func (m *Manager) RevokeRole(ctx context.Context, call Call, target models.Address) error {
	return m.commit(ctx, "revokeRole", call, 0, func(at time.Time) ([]models.Event, error) {
		if !m.roles.IsAdmin(call.From) {
			return nil, fmt.Errorf("%w: %s is not the platform admin", models.ErrInvalidTransition, call.From)
		}

		role := m.roles.Role(target)
		switch role {
		case models.RoleRider:
			rider, err := m.riders.Get(target)
			if err != nil {
				return nil, fmt.Errorf("%w: rider %s has no record", models.ErrInvalidState, target)
			}
			if rider.CurrentOrderID != 0 {
				return nil, fmt.Errorf("%w: rider %s is bound to order %d", models.ErrInvalidTransition, target, rider.CurrentOrderID)
			}
			if err := m.riders.SetStatus(target, false); err != nil {
				return nil, err
			}

		case models.RoleRestaurant:
			restaurant, err := m.restaurants.ByOwner(target)
			if err != nil {
				return nil, fmt.Errorf("%w: restaurant owner %s has no record", models.ErrInvalidState, target)
			}
			for _, id := range m.byRestaurant[restaurant.ID] {
				if order := m.orders[id]; !order.Status.IsTerminal() {
					return nil, fmt.Errorf("%w: restaurant %d has open order %d (%s)", models.ErrInvalidTransition, restaurant.ID, id, order.Status)
				}
			}
			if err := m.restaurants.SetStatus(target, false); err != nil {
				return nil, err
			}

		default:
			return nil, fmt.Errorf("%w: %s holds no revocable role (%s)", models.ErrInvalidTransition, target, role)
		}

		m.roles.Revoke(target)
		return nil, nil
	})
}
