package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jogardn/chainfood/internal/escrow"
	"github.com/jogardn/chainfood/internal/registry"
	"github.com/jogardn/chainfood/internal/roles"
	"github.com/jogardn/chainfood/pkg/models"
	"github.com/sirupsen/logrus"
)

// EventPublisher receives events after the transition that produced them has committed.
type EventPublisher interface {
	Publish(ctx context.Context, event models.Event) error
}

// Call identifies who invokes a transition and at which ledger time.
// A zero At means "now".
type Call struct {
	From models.Address
	At   time.Time
}

type Config struct {
	// InlineStats applies registry counters during the completing transition.
	// When false they wait in the pending log for ProcessPendingStats.
	InlineStats bool
	Clock       func() time.Time
}

// Manager owns every order status transition. All mutations run under one
// lock, so each transition applies completely or not at all and no two
// transitions interleave.
type Manager struct {
	mutex         sync.RWMutex
	orders        map[uint64]*models.Order
	lastID        uint64
	lastTimestamp time.Time

	byCustomer   map[models.Address][]uint64
	byRestaurant map[uint64][]uint64
	byRider      map[models.Address][]uint64

	// pendingStats holds completed orders whose counters are not applied yet.
	pendingStats map[uint64]struct{}
	statsApplied map[uint64]struct{}

	roles       *roles.Registry
	restaurants *registry.Restaurants
	riders      *registry.Riders
	escrow      *escrow.Escrow
	publisher   EventPublisher

	inlineStats bool
	clock       func() time.Time
	logger      *logrus.Logger
}

func NewManager(
	config Config,
	roleRegistry *roles.Registry,
	restaurants *registry.Restaurants,
	riders *registry.Riders,
	escrowAccount *escrow.Escrow,
	publisher EventPublisher,
	logger *logrus.Logger,
) *Manager {
	if config.Clock == nil {
		config.Clock = time.Now
	}

	return &Manager{
		orders:       make(map[uint64]*models.Order),
		byCustomer:   make(map[models.Address][]uint64),
		byRestaurant: make(map[uint64][]uint64),
		byRider:      make(map[models.Address][]uint64),
		pendingStats: make(map[uint64]struct{}),
		statsApplied: make(map[uint64]struct{}),
		roles:        roleRegistry,
		restaurants:  restaurants,
		riders:       riders,
		escrow:       escrowAccount,
		publisher:    publisher,
		inlineStats:  config.InlineStats,
		clock:        config.Clock,
		logger:       logger,
	}
}

// commit runs fn under the write lock and publishes its events once the lock is released.
func (m *Manager) commit(ctx context.Context, op string, call Call, orderID uint64, fn func(at time.Time) ([]models.Event, error)) error {
	m.mutex.Lock()
	at := m.stamp(call.At)
	events, err := fn(at)
	m.mutex.Unlock()

	fields := logrus.Fields{
		"op":       op,
		"order_id": orderID,
		"caller":   call.From,
	}
	if err != nil {
		m.logger.WithFields(fields).WithError(err).Warn("Transition rejected")
		return err
	}
	m.logger.WithFields(fields).Info("Transition applied")

	m.publish(ctx, events)
	return nil
}

// stamp keeps ledger time non-decreasing across transitions.
func (m *Manager) stamp(at time.Time) time.Time {
	if at.IsZero() {
		at = m.clock()
	}
	if at.Before(m.lastTimestamp) {
		at = m.lastTimestamp
	}
	m.lastTimestamp = at
	return at
}

func (m *Manager) publish(ctx context.Context, events []models.Event) {
	if sink := sinkFrom(ctx); sink != nil {
		sink(events)
	}
	if m.publisher == nil || quiet(ctx) {
		return
	}
	for _, event := range events {
		if err := m.publisher.Publish(ctx, event); err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"order_id": event.OrderID,
				"event":    event.Type,
			}).Error("Failed to publish event")
		}
	}
}

func (m *Manager) load(orderID uint64) (*models.Order, error) {
	order, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: order %d", models.ErrNotFound, orderID)
	}
	return order, nil
}

func (m *Manager) restaurantOwner(order *models.Order) (models.Address, error) {
	restaurant, err := m.restaurants.Get(order.RestaurantID)
	if err != nil {
		return "", fmt.Errorf("%w: order %d references missing restaurant %d", models.ErrInvalidState, order.ID, order.RestaurantID)
	}
	return restaurant.Owner, nil
}

func (m *Manager) requireOwner(order *models.Order, caller models.Address) error {
	owner, err := m.restaurantOwner(order)
	if err != nil {
		return err
	}
	if caller != owner {
		return fmt.Errorf("%w: %s does not own restaurant %d", models.ErrInvalidTransition, caller, order.RestaurantID)
	}
	return nil
}

func (m *Manager) requireCustomerOrOwner(order *models.Order, caller models.Address) error {
	if caller == order.Customer {
		return nil
	}
	if err := m.requireOwner(order, caller); err != nil {
		return fmt.Errorf("%w: %s is neither customer nor restaurant owner of order %d", models.ErrInvalidTransition, caller, order.ID)
	}
	return nil
}

func requireStatus(order *models.Order, want models.OrderStatus) error {
	if order.Status != want {
		return fmt.Errorf("%w: order %d is %s, expected %s", models.ErrInvalidTransition, order.ID, order.Status, want)
	}
	return nil
}

// advance moves the order to status and stamps the matching timestamp.
func advance(order *models.Order, to models.OrderStatus, actor models.Address, at time.Time) models.Event {
	from := order.Status
	order.Status = to

	switch to {
	case models.StatusAccepted:
		order.AcceptedAt = at
	case models.StatusPrepared:
		order.PreparedAt = at
	case models.StatusPickedUp:
		order.PickedUpAt = at
	case models.StatusDelivered:
		order.DeliveredAt = at
	case models.StatusCompleted:
		order.CompletedAt = at
	}

	return models.Event{
		Type:           models.EventOrderStatusChanged,
		OrderID:        order.ID,
		RestaurantID:   order.RestaurantID,
		Actor:          actor,
		Customer:       order.Customer,
		Rider:          order.Rider,
		PreviousStatus: from,
		Status:         to,
		Timestamp:      at,
	}
}

func (m *Manager) Order(orderID uint64) (models.Order, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	order, err := m.load(orderID)
	if err != nil {
		return models.Order{}, err
	}
	return *order, nil
}

func (m *Manager) OrderCount() uint64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.lastID
}

func (m *Manager) CustomerOrders(customer models.Address) []uint64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return append([]uint64(nil), m.byCustomer[customer]...)
}

func (m *Manager) RestaurantOrders(restaurantID uint64) []uint64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return append([]uint64(nil), m.byRestaurant[restaurantID]...)
}

func (m *Manager) RiderOrders(rider models.Address) []uint64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return append([]uint64(nil), m.byRider[rider]...)
}

// ReadyForPickup lists Prepared orders that still wait for a rider.
func (m *Manager) ReadyForPickup() []uint64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var ids []uint64
	for id, order := range m.orders {
		if order.Status == models.StatusPrepared && order.Rider.IsZero() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
