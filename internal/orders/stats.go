package orders

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/jogardn/chainfood/internal/registry"
	"github.com/jogardn/chainfood/pkg/models"
	"github.com/sirupsen/logrus"
)

// StatsReport groups the order ids of one ProcessPendingStats batch by outcome.
type StatsReport struct {
	Applied        []uint64 `json:"applied"`
	AlreadyApplied []uint64 `json:"already_applied"`
	Skipped        []uint64 `json:"skipped"`
	Failed         []uint64 `json:"failed"`
}

// ProcessPendingStats applies registry counters for each Completed order in
// ids that has not been reconciled yet. Orders that are missing, not
// Completed or already applied are reported and left alone, so repeated or
// overlapping batches never double count. Anyone may call it.
func (m *Manager) ProcessPendingStats(ctx context.Context, call Call, ids []uint64) (StatsReport, error) {
	var report StatsReport

	err := m.commit(ctx, "processPendingStats", call, 0, func(at time.Time) ([]models.Event, error) {
		var events []models.Event
		seen := make(map[uint64]struct{}, len(ids))

		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}

			order, ok := m.orders[id]
			if !ok || order.Status != models.StatusCompleted {
				report.Skipped = append(report.Skipped, id)
				continue
			}

			event, err := m.applyStats(order, at)
			switch {
			case errors.Is(err, models.ErrAlreadyApplied):
				report.AlreadyApplied = append(report.AlreadyApplied, id)
			case err != nil:
				m.logger.WithError(err).WithField("order_id", id).Error("Stats reconciliation failed")
				report.Failed = append(report.Failed, id)
			default:
				report.Applied = append(report.Applied, id)
				events = append(events, event)
			}
		}
		return events, nil
	})

	return report, err
}

// applyStats updates restaurant and rider aggregates for one completed order.
// Both records, including counter headroom, are checked before either is
// touched.
func (m *Manager) applyStats(order *models.Order, at time.Time) (models.Event, error) {
	if _, done := m.statsApplied[order.ID]; done {
		return models.Event{}, models.ErrAlreadyApplied
	}

	restaurant, err := m.restaurants.Get(order.RestaurantID)
	if err != nil {
		return models.Event{}, err
	}
	rider, err := m.riders.Get(order.Rider)
	if err != nil {
		return models.Event{}, err
	}
	payment, err := m.escrow.Payment(order.ID)
	if err != nil {
		return models.Event{}, err
	}

	if payment.Tip > math.MaxUint64-payment.RiderShare {
		return models.Event{}, fmt.Errorf("%w: order %d rider earnings overflow", models.ErrInvalidState, order.ID)
	}
	earnings := payment.RiderShare + payment.Tip
	if err := registry.CheckCompletion(restaurant, order.RestaurantRating); err != nil {
		return models.Event{}, err
	}
	if err := registry.CheckDelivery(rider, earnings, order.RiderRating); err != nil {
		return models.Event{}, err
	}
	if err := m.restaurants.RecordCompletion(order.RestaurantID, order.RestaurantRating); err != nil {
		return models.Event{}, err
	}
	if err := m.riders.RecordDelivery(order.Rider, earnings, order.RiderRating); err != nil {
		return models.Event{}, err
	}
	m.riders.ClearCurrentOrder(order.Rider, order.ID)

	delete(m.pendingStats, order.ID)
	m.statsApplied[order.ID] = struct{}{}

	m.logger.WithFields(logrus.Fields{
		"order_id":      order.ID,
		"restaurant_id": order.RestaurantID,
		"rider":         order.Rider,
		"earnings":      earnings,
	}).Debug("Stats applied")

	return models.Event{
		Type:           models.EventStatsApplied,
		OrderID:        order.ID,
		RestaurantID:   order.RestaurantID,
		Rider:          order.Rider,
		PreviousStatus: order.Status,
		Status:         order.Status,
		RiderPaid:      earnings,
		RestaurantRate: order.RestaurantRating,
		RiderRate:      order.RiderRating,
		Timestamp:      at,
	}, nil
}

// PendingStats returns up to limit unreconciled order ids, oldest first.
// A limit of zero returns all of them.
func (m *Manager) PendingStats(limit int) []uint64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	ids := make([]uint64, 0, len(m.pendingStats))
	for id := range m.pendingStats {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

func (m *Manager) StatsApplied(orderID uint64) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.statsApplied[orderID]
	return ok
}
