package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/jogardn/chainfood/pkg/models"
)

const maxRating = 5

type CreateOrderRequest struct {
	RestaurantID uint64 `json:"restaurant_id"`
	ContentHash  string `json:"content_hash"`
	Amount       uint64 `json:"amount"`
	Tip          uint64 `json:"tip"`
}

// CreateOrder deposits amount+tip into escrow and opens an order in Created.
// Any address may create orders.
func (m *Manager) CreateOrder(ctx context.Context, call Call, req CreateOrderRequest) (uint64, error) {
	var orderID uint64

	err := m.commit(ctx, "createOrder", call, 0, func(at time.Time) ([]models.Event, error) {
		if call.From.IsZero() {
			return nil, fmt.Errorf("%w: missing caller", models.ErrInvalidArgument)
		}
		if req.Amount == 0 {
			return nil, fmt.Errorf("%w: amount must be positive", models.ErrInvalidArgument)
		}

		restaurant, err := m.restaurants.Get(req.RestaurantID)
		if err != nil {
			return nil, fmt.Errorf("%w: restaurant %d does not exist", models.ErrInvalidTransition, req.RestaurantID)
		}
		if !restaurant.IsActive {
			return nil, fmt.Errorf("%w: restaurant %d is not active", models.ErrInvalidTransition, req.RestaurantID)
		}

		id := m.lastID + 1
		payment, err := m.escrow.Deposit(id, call.From, restaurant.Owner, req.Amount, req.Tip)
		if err != nil {
			return nil, err
		}

		m.lastID = id
		order := &models.Order{
			ID:           id,
			RestaurantID: req.RestaurantID,
			Customer:     call.From,
			Amount:       req.Amount,
			Tip:          req.Tip,
			Status:       models.StatusCreated,
			ContentHash:  req.ContentHash,
			CreatedAt:    at,
		}
		m.orders[id] = order
		m.byCustomer[call.From] = append(m.byCustomer[call.From], id)
		m.byRestaurant[req.RestaurantID] = append(m.byRestaurant[req.RestaurantID], id)
		m.roles.MarkCustomer(call.From)
		orderID = id

		return []models.Event{
			{
				Type:         models.EventOrderCreated,
				OrderID:      id,
				RestaurantID: req.RestaurantID,
				Actor:        call.From,
				Customer:     call.From,
				Status:       models.StatusCreated,
				Amount:       req.Amount,
				Timestamp:    at,
			},
			{
				Type:         models.EventFundsDeposited,
				OrderID:      id,
				RestaurantID: req.RestaurantID,
				Actor:        call.From,
				Customer:     call.From,
				Status:       models.StatusCreated,
				Amount:       payment.TotalAmount,
				Timestamp:    at,
			},
		}, nil
	})

	return orderID, err
}

func (m *Manager) AcceptOrder(ctx context.Context, call Call, orderID uint64) error {
	return m.ownerStep(ctx, "acceptOrder", call, orderID, models.StatusCreated, models.StatusAccepted)
}

func (m *Manager) MarkPrepared(ctx context.Context, call Call, orderID uint64) error {
	return m.ownerStep(ctx, "markPrepared", call, orderID, models.StatusAccepted, models.StatusPrepared)
}

func (m *Manager) ownerStep(ctx context.Context, op string, call Call, orderID uint64, from, to models.OrderStatus) error {
	return m.commit(ctx, op, call, orderID, func(at time.Time) ([]models.Event, error) {
		order, err := m.load(orderID)
		if err != nil {
			return nil, err
		}
		if err := m.requireOwner(order, call.From); err != nil {
			return nil, err
		}
		if err := requireStatus(order, from); err != nil {
			return nil, err
		}
		return []models.Event{advance(order, to, call.From, at)}, nil
	})
}

// AssignRider binds a rider to a Prepared order. The status stays Prepared
// and a rider, once set, is never replaced.
func (m *Manager) AssignRider(ctx context.Context, call Call, orderID uint64, rider models.Address) error {
	return m.commit(ctx, "assignRider", call, orderID, func(at time.Time) ([]models.Event, error) {
		order, err := m.load(orderID)
		if err != nil {
			return nil, err
		}
		if err := m.requireOwner(order, call.From); err != nil {
			return nil, err
		}
		if err := requireStatus(order, models.StatusPrepared); err != nil {
			return nil, err
		}
		if !order.Rider.IsZero() {
			return nil, fmt.Errorf("%w: order %d already has rider %s", models.ErrInvalidTransition, orderID, order.Rider)
		}
		if err := m.riders.CheckAssignable(rider); err != nil {
			return nil, err
		}
		if err := m.riders.SetCurrentOrder(rider, orderID); err != nil {
			return nil, err
		}

		order.Rider = rider
		m.byRider[rider] = append(m.byRider[rider], orderID)

		return []models.Event{{
			Type:           models.EventRiderAssigned,
			OrderID:        orderID,
			RestaurantID:   order.RestaurantID,
			Actor:          call.From,
			Customer:       order.Customer,
			Rider:          rider,
			PreviousStatus: order.Status,
			Status:         order.Status,
			Timestamp:      at,
		}}, nil
	})
}

func (m *Manager) PickupOrder(ctx context.Context, call Call, orderID uint64) error {
	return m.riderStep(ctx, "pickupOrder", call, orderID, models.StatusPrepared, models.StatusPickedUp)
}

func (m *Manager) MarkDelivered(ctx context.Context, call Call, orderID uint64) error {
	return m.riderStep(ctx, "markDelivered", call, orderID, models.StatusPickedUp, models.StatusDelivered)
}

func (m *Manager) riderStep(ctx context.Context, op string, call Call, orderID uint64, from, to models.OrderStatus) error {
	return m.commit(ctx, op, call, orderID, func(at time.Time) ([]models.Event, error) {
		order, err := m.load(orderID)
		if err != nil {
			return nil, err
		}
		if order.Rider.IsZero() || call.From != order.Rider {
			return nil, fmt.Errorf("%w: %s is not the assigned rider of order %d", models.ErrInvalidTransition, call.From, orderID)
		}
		if err := requireStatus(order, from); err != nil {
			return nil, err
		}
		return []models.Event{advance(order, to, call.From, at)}, nil
	})
}

// ConfirmDelivery completes a Delivered order, records the optional 1..5
// ratings (0 skips) and releases escrow. A failed payout leaves the order
// Delivered.
func (m *Manager) ConfirmDelivery(ctx context.Context, call Call, orderID uint64, restaurantRating, riderRating uint8) error {
	return m.commit(ctx, "confirmDelivery", call, orderID, func(at time.Time) ([]models.Event, error) {
		if restaurantRating > maxRating || riderRating > maxRating {
			return nil, fmt.Errorf("%w: ratings must be between 0 and %d", models.ErrInvalidArgument, maxRating)
		}

		order, err := m.load(orderID)
		if err != nil {
			return nil, err
		}
		if call.From != order.Customer {
			return nil, fmt.Errorf("%w: only the customer can confirm order %d", models.ErrInvalidTransition, orderID)
		}
		if err := requireStatus(order, models.StatusDelivered); err != nil {
			return nil, err
		}

		events, err := m.complete(order, call.From, at)
		if err != nil {
			return nil, err
		}

		order.RestaurantRating = restaurantRating
		order.RiderRating = riderRating
		if restaurantRating > 0 || riderRating > 0 {
			events = append(events, models.Event{
				Type:           models.EventRatingsSubmitted,
				OrderID:        orderID,
				RestaurantID:   order.RestaurantID,
				Actor:          call.From,
				Rider:          order.Rider,
				PreviousStatus: models.StatusCompleted,
				Status:         models.StatusCompleted,
				RestaurantRate: restaurantRating,
				RiderRate:      riderRating,
				Timestamp:      at,
			})
		}

		return append(events, m.settleStats(order, at)...), nil
	})
}

// complete releases escrow and moves the order to Completed. Nothing is
// mutated when the release fails.
func (m *Manager) complete(order *models.Order, actor models.Address, at time.Time) ([]models.Event, error) {
	payment, err := m.escrow.Release(order.ID, order.Rider)
	if err != nil {
		return nil, err
	}

	statusEvent := advance(order, models.StatusCompleted, actor, at)
	m.riders.ClearCurrentOrder(order.Rider, order.ID)
	m.pendingStats[order.ID] = struct{}{}

	return []models.Event{
		statusEvent,
		{
			Type:           models.EventFundsReleased,
			OrderID:        order.ID,
			RestaurantID:   order.RestaurantID,
			Actor:          actor,
			Customer:       order.Customer,
			Rider:          order.Rider,
			PreviousStatus: models.StatusCompleted,
			Status:         models.StatusCompleted,
			Amount:         payment.TotalAmount,
			RestaurantPaid: payment.RestaurantShare,
			RiderPaid:      payment.RiderShare + payment.Tip,
			PlatformPaid:   payment.PlatformFee,
			Timestamp:      at,
		},
	}, nil
}

func (m *Manager) settleStats(order *models.Order, at time.Time) []models.Event {
	if !m.inlineStats {
		return nil
	}
	event, err := m.applyStats(order, at)
	if err != nil {
		// The entry stays in the pending log for the reconciler.
		m.logger.WithError(err).WithField("order_id", order.ID).Error("Inline stats update failed")
		return nil
	}
	return []models.Event{event}
}

// CancelOrder refunds the full deposit. Only Created orders can be cancelled.
func (m *Manager) CancelOrder(ctx context.Context, call Call, orderID uint64, reason string) error {
	return m.commit(ctx, "cancelOrder", call, orderID, func(at time.Time) ([]models.Event, error) {
		order, err := m.load(orderID)
		if err != nil {
			return nil, err
		}
		if err := m.requireCustomerOrOwner(order, call.From); err != nil {
			return nil, err
		}
		if err := requireStatus(order, models.StatusCreated); err != nil {
			return nil, err
		}

		payment, err := m.escrow.Refund(orderID)
		if err != nil {
			return nil, err
		}

		order.Reason = reason
		statusEvent := advance(order, models.StatusCancelled, call.From, at)
		statusEvent.Reason = reason
		return []models.Event{statusEvent, refundEvent(order, payment, call.From, at)}, nil
	})
}

func (m *Manager) DisputeOrder(ctx context.Context, call Call, orderID uint64, reason string) error {
	return m.commit(ctx, "disputeOrder", call, orderID, func(at time.Time) ([]models.Event, error) {
		order, err := m.load(orderID)
		if err != nil {
			return nil, err
		}
		if err := m.requireCustomerOrOwner(order, call.From); err != nil {
			return nil, err
		}
		if err := requireStatus(order, models.StatusDelivered); err != nil {
			return nil, err
		}

		order.Reason = reason
		statusEvent := advance(order, models.StatusDisputed, call.From, at)
		statusEvent.Reason = reason
		return []models.Event{statusEvent}, nil
	})
}

// ResolveDispute lets the platform admin either refund the customer in full
// (Refunded) or release funds normally (Completed).
func (m *Manager) ResolveDispute(ctx context.Context, call Call, orderID uint64, refundCustomer bool) error {
	return m.commit(ctx, "resolveDispute", call, orderID, func(at time.Time) ([]models.Event, error) {
		if !m.roles.IsAdmin(call.From) {
			return nil, fmt.Errorf("%w: %s is not the platform admin", models.ErrInvalidTransition, call.From)
		}

		order, err := m.load(orderID)
		if err != nil {
			return nil, err
		}
		if err := requireStatus(order, models.StatusDisputed); err != nil {
			return nil, err
		}

		if !refundCustomer {
			events, err := m.complete(order, call.From, at)
			if err != nil {
				return nil, err
			}
			return append(events, m.settleStats(order, at)...), nil
		}

		payment, err := m.escrow.Refund(orderID)
		if err != nil {
			return nil, err
		}
		m.riders.ClearCurrentOrder(order.Rider, orderID)
		statusEvent := advance(order, models.StatusRefunded, call.From, at)
		return []models.Event{statusEvent, refundEvent(order, payment, call.From, at)}, nil
	})
}

func refundEvent(order *models.Order, payment models.Payment, actor models.Address, at time.Time) models.Event {
	return models.Event{
		Type:           models.EventFundsRefunded,
		OrderID:        order.ID,
		RestaurantID:   order.RestaurantID,
		Actor:          actor,
		Customer:       order.Customer,
		PreviousStatus: order.Status,
		Status:         order.Status,
		Amount:         payment.TotalAmount,
		Timestamp:      at,
	}
}
