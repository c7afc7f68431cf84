package orders

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/jogardn/chainfood/internal/escrow"
	"github.com/jogardn/chainfood/internal/registry"
	"github.com/jogardn/chainfood/internal/roles"
	"github.com/jogardn/chainfood/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	admin    = models.Address("0x00000000000000000000000000000000000000a1")
	platform = models.Address("0x00000000000000000000000000000000000000f1")
	customer = models.Address("0x00000000000000000000000000000000000000c1")
	owner    = models.Address("0x00000000000000000000000000000000000000e1")
	riderA   = models.Address("0x00000000000000000000000000000000000000d1")
	riderB   = models.Address("0x00000000000000000000000000000000000000d2")
	stranger = models.Address("0x0000000000000000000000000000000000000099")
)

type recordingPublisher struct {
	mutex  sync.Mutex
	events []models.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, event models.Event) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []models.EventType {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	out := make([]models.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	manager      *Manager
	accounts     *escrow.Accounts
	escrow       *escrow.Escrow
	restaurants  *registry.Restaurants
	riders       *registry.Riders
	roles        *roles.Registry
	publisher    *recordingPublisher
	restaurantID uint64
}

func newFixture(t *testing.T, inlineStats bool) *fixture {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	roleRegistry := roles.NewRegistry(admin, logger)
	restaurants := registry.NewRestaurants(roleRegistry, logger)
	riders := registry.NewRiders(roleRegistry, logger)
	accounts := escrow.NewAccounts(logger)
	escrowAccount := escrow.New(accounts, platform, logger)
	publisher := &recordingPublisher{}

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	restaurantID, err := restaurants.Register(owner, registry.RestaurantInfo{Name: "Noodle Bar"}, now)
	if err != nil {
		t.Fatalf("register restaurant: %v", err)
	}
	for _, r := range []models.Address{riderA, riderB} {
		if err := riders.Register(r, registry.RiderInfo{Name: "Rider"}, now); err != nil {
			t.Fatalf("register rider: %v", err)
		}
	}

	manager := NewManager(Config{InlineStats: inlineStats}, roleRegistry, restaurants, riders, escrowAccount, publisher, logger)
	return &fixture{
		manager:      manager,
		accounts:     accounts,
		escrow:       escrowAccount,
		restaurants:  restaurants,
		riders:       riders,
		roles:        roleRegistry,
		publisher:    publisher,
		restaurantID: restaurantID,
	}
}

func (f *fixture) create(t *testing.T, amount, tip uint64) uint64 {
	t.Helper()
	id, err := f.manager.CreateOrder(context.Background(), Call{From: customer}, CreateOrderRequest{
		RestaurantID: f.restaurantID,
		ContentHash:  "QmOrder",
		Amount:       amount,
		Tip:          tip,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return id
}

// deliver drives an order from Created to Delivered with riderA.
func (f *fixture) deliver(t *testing.T, id uint64) {
	t.Helper()
	ctx := context.Background()
	steps := []struct {
		name string
		fn   func() error
	}{
		{"accept", func() error { return f.manager.AcceptOrder(ctx, Call{From: owner}, id) }},
		{"prepare", func() error { return f.manager.MarkPrepared(ctx, Call{From: owner}, id) }},
		{"assign", func() error { return f.manager.AssignRider(ctx, Call{From: owner}, id, riderA) }},
		{"pickup", func() error { return f.manager.PickupOrder(ctx, Call{From: riderA}, id) }},
		{"deliver", func() error { return f.manager.MarkDelivered(ctx, Call{From: riderA}, id) }},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
	}
}

func TestHappyPathSettlement(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	id := f.create(t, 1000000, 0)
	if f.escrow.Held() != 1000000 {
		t.Errorf("expected 1000000 held, got %d", f.escrow.Held())
	}
	if f.roles.Role(customer) != models.RoleCustomer {
		t.Errorf("expected customer role, got %s", f.roles.Role(customer))
	}

	f.deliver(t, id)
	if err := f.manager.ConfirmDelivery(ctx, Call{From: customer}, id, 5, 5); err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}

	order, _ := f.manager.Order(id)
	if order.Status != models.StatusCompleted {
		t.Errorf("expected Completed, got %s", order.Status)
	}
	payment, _ := f.escrow.Payment(id)
	if !payment.Released || payment.Refunded {
		t.Errorf("expected released payment, got %+v", payment)
	}
	if got := f.accounts.Balance(owner); got != 800000 {
		t.Errorf("restaurant expected 800000, got %d", got)
	}
	if got := f.accounts.Balance(riderA); got != 100000 {
		t.Errorf("rider expected 100000, got %d", got)
	}
	if got := f.accounts.Balance(platform); got != 100000 {
		t.Errorf("platform expected 100000, got %d", got)
	}

	restaurant, _ := f.restaurants.Get(f.restaurantID)
	if restaurant.TotalOrders != 1 || restaurant.TotalRating != 5 || restaurant.RatingCount != 1 {
		t.Errorf("unexpected restaurant counters: %+v", restaurant)
	}
	rider, _ := f.riders.Get(riderA)
	if rider.TotalDeliveries != 1 || rider.TotalEarnings != 100000 || rider.CurrentOrderID != 0 {
		t.Errorf("unexpected rider counters: %+v", rider)
	}
	if len(f.manager.PendingStats(0)) != 0 {
		t.Errorf("inline stats should leave nothing pending")
	}
}

func TestConfirmDeliveryPaysOnce(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	id := f.create(t, 1000, 50)
	f.deliver(t, id)
	if err := f.manager.ConfirmDelivery(ctx, Call{From: customer}, id, 0, 0); err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}
	if err := f.manager.ConfirmDelivery(ctx, Call{From: customer}, id, 0, 0); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on second confirm, got %v", err)
	}
	if got := f.accounts.Balance(riderA); got != 150 {
		t.Errorf("rider expected share plus tip 150, got %d", got)
	}

	released := 0
	for _, typ := range f.publisher.types() {
		if typ == models.EventFundsReleased {
			released++
		}
	}
	if released != 1 {
		t.Errorf("expected one FundsReleased event, got %d", released)
	}
}

func TestCancelRefundsCustomer(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	id := f.create(t, 1000000, 0)
	if err := f.manager.CancelOrder(ctx, Call{From: customer}, id, "changed my mind"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	order, _ := f.manager.Order(id)
	if order.Status != models.StatusCancelled || order.Reason != "changed my mind" {
		t.Errorf("unexpected order after cancel: %+v", order)
	}
	payment, _ := f.escrow.Payment(id)
	if !payment.Refunded {
		t.Errorf("expected refunded payment")
	}
	if got := f.accounts.Balance(customer); got != 1000000 {
		t.Errorf("customer expected 1000000 back, got %d", got)
	}
	restaurant, _ := f.restaurants.Get(f.restaurantID)
	if restaurant.TotalOrders != 0 {
		t.Errorf("restaurant counters should be unchanged, got %d", restaurant.TotalOrders)
	}
}

func TestCancelOnlyFromCreated(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	id := f.create(t, 100, 0)
	if err := f.manager.AcceptOrder(ctx, Call{From: owner}, id); err != nil {
		t.Fatalf("accept: %v", err)
	}
	for _, caller := range []models.Address{customer, owner} {
		if err := f.manager.CancelOrder(ctx, Call{From: caller}, id, ""); !errors.Is(err, models.ErrInvalidTransition) {
			t.Errorf("cancel by %s after accept: expected ErrInvalidTransition, got %v", caller, err)
		}
	}
	if err := f.manager.CancelOrder(ctx, Call{From: stranger}, f.create(t, 100, 0), ""); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("cancel by stranger: expected ErrInvalidTransition, got %v", err)
	}
}

func TestAcceptRequiresRestaurantOwner(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	id := f.create(t, 100, 0)
	statuses := []func(){
		func() {},
		func() { _ = f.manager.AcceptOrder(ctx, Call{From: owner}, id) },
		func() { _ = f.manager.MarkPrepared(ctx, Call{From: owner}, id) },
	}
	for i, advanceTo := range statuses {
		advanceTo()
		for _, caller := range []models.Address{customer, riderA, stranger, admin} {
			if err := f.manager.AcceptOrder(ctx, Call{From: caller}, id); !errors.Is(err, models.ErrInvalidTransition) {
				t.Errorf("step %d: accept by %s expected ErrInvalidTransition, got %v", i, caller, err)
			}
		}
	}
}

func TestRejectedTransitionDoesNotMutate(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	id := f.create(t, 100, 0)
	before, _ := f.manager.Order(id)
	published := len(f.publisher.types())

	if err := f.manager.PickupOrder(ctx, Call{From: riderA}, id); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if err := f.manager.MarkDelivered(ctx, Call{From: riderA}, id); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if err := f.manager.AcceptOrder(ctx, Call{From: owner}, 42); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing order, got %v", err)
	}

	after, _ := f.manager.Order(id)
	if before != after {
		t.Errorf("order mutated by rejected transitions: %+v vs %+v", before, after)
	}
	if len(f.publisher.types()) != published {
		t.Errorf("rejected transitions should not publish events")
	}
}

func TestStatusSequenceIsMonotonic(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	id := f.create(t, 500, 0)
	f.deliver(t, id)
	if err := f.manager.ConfirmDelivery(ctx, Call{From: customer}, id, 3, 4); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	var seen []models.OrderStatus
	for _, e := range f.publisher.events {
		if e.Type == models.EventOrderStatusChanged && e.OrderID == id {
			if e.PreviousStatus >= e.Status {
				t.Errorf("status regressed from %s to %s", e.PreviousStatus, e.Status)
			}
			seen = append(seen, e.Status)
		}
	}
	want := []models.OrderStatus{
		models.StatusAccepted, models.StatusPrepared, models.StatusPickedUp,
		models.StatusDelivered, models.StatusCompleted,
	}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("step %d: expected %s, got %s", i, want[i], seen[i])
		}
	}

	order, _ := f.manager.Order(id)
	stamps := []time.Time{order.CreatedAt, order.AcceptedAt, order.PreparedAt, order.PickedUpAt, order.DeliveredAt, order.CompletedAt}
	for i := 1; i < len(stamps); i++ {
		if stamps[i].Before(stamps[i-1]) {
			t.Errorf("timestamp %d went backwards", i)
		}
	}
}

func TestLedgerTimeNeverGoesBackwards(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	late := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	early := late.Add(-time.Hour)

	id, err := f.manager.CreateOrder(ctx, Call{From: customer, At: late}, CreateOrderRequest{RestaurantID: f.restaurantID, Amount: 10})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.manager.AcceptOrder(ctx, Call{From: owner, At: early}, id); err != nil {
		t.Fatalf("accept: %v", err)
	}
	order, _ := f.manager.Order(id)
	if !order.AcceptedAt.Equal(late) {
		t.Errorf("expected accepted at %v, got %v", late, order.AcceptedAt)
	}
}

func TestConcurrentAssignRider(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	id := f.create(t, 100, 0)
	_ = f.manager.AcceptOrder(ctx, Call{From: owner}, id)
	_ = f.manager.MarkPrepared(ctx, Call{From: owner}, id)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, r := range []models.Address{riderA, riderB} {
		wg.Add(1)
		go func(r models.Address) {
			defer wg.Done()
			results <- f.manager.AssignRider(ctx, Call{From: owner}, id, r)
		}(r)
	}
	wg.Wait()
	close(results)

	succeeded, rejected := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, models.ErrInvalidTransition):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || rejected != 1 {
		t.Errorf("expected one success and one rejection, got %d and %d", succeeded, rejected)
	}

	order, _ := f.manager.Order(id)
	busy := 0
	for _, r := range []models.Address{riderA, riderB} {
		rider, _ := f.riders.Get(r)
		if rider.CurrentOrderID == id {
			busy++
			if order.Rider != r {
				t.Errorf("rider %s busy but order assigned to %s", r, order.Rider)
			}
		}
	}
	if busy != 1 {
		t.Errorf("expected exactly one busy rider, got %d", busy)
	}
}

func TestAssignRiderGuards(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	first := f.create(t, 100, 0)
	second := f.create(t, 100, 0)
	for _, id := range []uint64{first, second} {
		_ = f.manager.AcceptOrder(ctx, Call{From: owner}, id)
		_ = f.manager.MarkPrepared(ctx, Call{From: owner}, id)
	}
	if ready := f.manager.ReadyForPickup(); len(ready) != 2 {
		t.Errorf("expected two orders ready for pickup, got %v", ready)
	}

	if err := f.manager.AssignRider(ctx, Call{From: owner}, first, stranger); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("unregistered rider: expected ErrInvalidTransition, got %v", err)
	}
	if err := f.manager.AssignRider(ctx, Call{From: customer}, first, riderA); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("non-owner: expected ErrInvalidTransition, got %v", err)
	}
	if err := f.manager.AssignRider(ctx, Call{From: owner}, first, riderA); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := f.manager.AssignRider(ctx, Call{From: owner}, second, riderA); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("busy rider: expected ErrInvalidTransition, got %v", err)
	}
	if err := f.manager.PickupOrder(ctx, Call{From: riderB}, first); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("wrong rider pickup: expected ErrInvalidTransition, got %v", err)
	}
	if got := f.manager.RiderOrders(riderA); len(got) != 1 || got[0] != first {
		t.Errorf("unexpected rider orders: %v", got)
	}
}

func TestFailedReleaseLeavesOrderDelivered(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	id := f.create(t, 1000, 0)
	f.deliver(t, id)

	f.accounts.Block(riderA)
	if err := f.manager.ConfirmDelivery(ctx, Call{From: customer}, id, 5, 5); !errors.Is(err, models.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	order, _ := f.manager.Order(id)
	if order.Status != models.StatusDelivered || order.RiderRating != 0 {
		t.Errorf("order mutated by failed release: %+v", order)
	}
	if f.accounts.Balance(owner) != 0 || f.accounts.Balance(platform) != 0 {
		t.Errorf("partial payout happened")
	}

	f.accounts.Unblock(riderA)
	if err := f.manager.ConfirmDelivery(ctx, Call{From: customer}, id, 5, 5); err != nil {
		t.Fatalf("confirm after unblock: %v", err)
	}
	if f.accounts.Balance(riderA) != 100 {
		t.Errorf("expected rider paid 100, got %d", f.accounts.Balance(riderA))
	}
}

func TestConfirmDeliveryRatingBounds(t *testing.T) {
	f := newFixture(t, true)
	id := f.create(t, 100, 0)
	f.deliver(t, id)

	err := f.manager.ConfirmDelivery(context.Background(), Call{From: customer}, id, 6, 0)
	if !errors.Is(err, models.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
	if err := f.manager.ConfirmDelivery(context.Background(), Call{From: owner}, id, 1, 1); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("non-customer confirm: expected ErrInvalidTransition, got %v", err)
	}
}

func TestDisputeResolution(t *testing.T) {
	ctx := context.Background()

	t.Run("refund", func(t *testing.T) {
		f := newFixture(t, true)
		id := f.create(t, 1000, 100)
		f.deliver(t, id)

		if err := f.manager.DisputeOrder(ctx, Call{From: customer}, id, "cold food"); err != nil {
			t.Fatalf("dispute: %v", err)
		}
		if err := f.manager.ResolveDispute(ctx, Call{From: owner}, id, true); !errors.Is(err, models.ErrInvalidTransition) {
			t.Errorf("non-admin resolve: expected ErrInvalidTransition, got %v", err)
		}
		if err := f.manager.ResolveDispute(ctx, Call{From: admin}, id, true); err != nil {
			t.Fatalf("resolve: %v", err)
		}
		order, _ := f.manager.Order(id)
		if order.Status != models.StatusRefunded {
			t.Errorf("expected Refunded, got %s", order.Status)
		}
		if f.accounts.Balance(customer) != 1100 {
			t.Errorf("expected full refund of 1100, got %d", f.accounts.Balance(customer))
		}
		rider, _ := f.riders.Get(riderA)
		if rider.CurrentOrderID != 0 || rider.TotalDeliveries != 0 {
			t.Errorf("unexpected rider after refund: %+v", rider)
		}
	})

	t.Run("release", func(t *testing.T) {
		f := newFixture(t, true)
		id := f.create(t, 1000, 0)
		f.deliver(t, id)

		if err := f.manager.DisputeOrder(ctx, Call{From: owner}, id, "customer unreachable"); err != nil {
			t.Fatalf("dispute: %v", err)
		}
		if err := f.manager.ResolveDispute(ctx, Call{From: admin}, id, false); err != nil {
			t.Fatalf("resolve: %v", err)
		}
		order, _ := f.manager.Order(id)
		if order.Status != models.StatusCompleted {
			t.Errorf("expected Completed, got %s", order.Status)
		}
		if f.accounts.Balance(owner) != 800 {
			t.Errorf("expected restaurant paid 800, got %d", f.accounts.Balance(owner))
		}
		if !f.manager.StatsApplied(id) {
			t.Errorf("expected stats applied on release")
		}
	})
}

func TestCreateOrderGuards(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	if _, err := f.manager.CreateOrder(ctx, Call{From: customer}, CreateOrderRequest{RestaurantID: f.restaurantID}); !errors.Is(err, models.ErrInvalidArgument) {
		t.Errorf("zero amount: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := f.manager.CreateOrder(ctx, Call{From: customer}, CreateOrderRequest{RestaurantID: 99, Amount: 1}); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("missing restaurant: expected ErrInvalidTransition, got %v", err)
	}
	_ = f.restaurants.SetStatus(owner, false)
	if _, err := f.manager.CreateOrder(ctx, Call{From: customer}, CreateOrderRequest{RestaurantID: f.restaurantID, Amount: 1}); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("inactive restaurant: expected ErrInvalidTransition, got %v", err)
	}
	if f.manager.OrderCount() != 0 || f.escrow.Held() != 0 {
		t.Errorf("rejected creates must not allocate orders or hold funds")
	}
}

func TestProcessPendingStatsIsIdempotent(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	id := f.create(t, 1000, 20)
	f.deliver(t, id)
	if err := f.manager.ConfirmDelivery(ctx, Call{From: customer}, id, 4, 5); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if pending := f.manager.PendingStats(10); len(pending) != 1 || pending[0] != id {
		t.Fatalf("expected order %d pending, got %v", id, pending)
	}

	open := f.create(t, 10, 0)

	report, err := f.manager.ProcessPendingStats(ctx, Call{From: stranger}, []uint64{id, id, open, 77})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(report.Applied) != 1 || len(report.Skipped) != 2 {
		t.Errorf("unexpected first report: %+v", report)
	}

	report, err = f.manager.ProcessPendingStats(ctx, Call{From: stranger}, []uint64{id})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(report.AlreadyApplied) != 1 || len(report.Applied) != 0 {
		t.Errorf("unexpected second report: %+v", report)
	}

	restaurant, _ := f.restaurants.Get(f.restaurantID)
	if restaurant.TotalOrders != 1 || restaurant.TotalRating != 4 {
		t.Errorf("restaurant counted more than once: %+v", restaurant)
	}
	rider, _ := f.riders.Get(riderA)
	if rider.TotalEarnings != 120 || rider.TotalDeliveries != 1 || rider.TotalRating != 5 {
		t.Errorf("rider counted more than once: %+v", rider)
	}
	if len(f.manager.PendingStats(0)) != 0 {
		t.Errorf("pending log should be drained")
	}
}

func TestEventSinkReceivesCommittedEvents(t *testing.T) {
	f := newFixture(t, true)

	var got []models.Event
	ctx := WithEventSink(context.Background(), func(events []models.Event) {
		got = append(got, events...)
	})
	if _, err := f.manager.CreateOrder(ctx, Call{From: customer}, CreateOrderRequest{RestaurantID: f.restaurantID, Amount: 5}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(got) != 2 || got[0].Type != models.EventOrderCreated || got[1].Type != models.EventFundsDeposited {
		t.Errorf("unexpected sink events: %+v", got)
	}
}

func TestOrderQueries(t *testing.T) {
	f := newFixture(t, true)
	first := f.create(t, 10, 0)
	second := f.create(t, 20, 0)

	if f.manager.OrderCount() != 2 {
		t.Errorf("expected 2 orders, got %d", f.manager.OrderCount())
	}
	if got := f.manager.CustomerOrders(customer); len(got) != 2 || got[0] != first || got[1] != second {
		t.Errorf("unexpected customer orders: %v", got)
	}
	if got := f.manager.RestaurantOrders(f.restaurantID); len(got) != 2 {
		t.Errorf("unexpected restaurant orders: %v", got)
	}
	if _, err := f.manager.Order(3); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRevokeRole(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	id := f.create(t, 1000, 0)
	f.deliver(t, id)

	if err := f.manager.RevokeRole(ctx, Call{From: stranger}, riderB); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("revoke by non-admin: expected ErrInvalidTransition, got %v", err)
	}
	if err := f.manager.RevokeRole(ctx, Call{From: admin}, customer); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("revoke customer: expected ErrInvalidTransition, got %v", err)
	}
	if err := f.manager.RevokeRole(ctx, Call{From: admin}, riderA); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("revoke busy rider: expected ErrInvalidTransition, got %v", err)
	}
	if err := f.manager.RevokeRole(ctx, Call{From: admin}, owner); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("revoke owner with open order: expected ErrInvalidTransition, got %v", err)
	}
	if f.roles.Role(riderA) != models.RoleRider || f.roles.Role(owner) != models.RoleRestaurant {
		t.Fatalf("rejected revocations must not change roles")
	}

	if err := f.manager.ConfirmDelivery(ctx, Call{From: customer}, id, 5, 5); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	if err := f.manager.RevokeRole(ctx, Call{From: admin}, riderA); err != nil {
		t.Fatalf("revoke idle rider: %v", err)
	}
	if f.roles.Role(riderA) != models.RoleNone {
		t.Errorf("expected rider role revoked, got %s", f.roles.Role(riderA))
	}
	if rider, _ := f.riders.Get(riderA); rider.IsActive || rider.TotalDeliveries != 1 {
		t.Errorf("expected inactive rider keeping history, got %+v", rider)
	}
	if err := f.riders.SetStatus(riderA, true); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("revoked rider reactivating: expected ErrInvalidTransition, got %v", err)
	}
	if f.riders.ActiveCount() != 1 || f.riders.Count() != 2 {
		t.Errorf("expected 1 active of 2 riders, got %d of %d", f.riders.ActiveCount(), f.riders.Count())
	}

	if err := f.manager.RevokeRole(ctx, Call{From: admin}, owner); err != nil {
		t.Fatalf("revoke owner: %v", err)
	}
	if restaurant, _ := f.restaurants.Get(f.restaurantID); restaurant.IsActive {
		t.Errorf("expected restaurant deactivated")
	}
	if err := f.restaurants.SetStatus(owner, true); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("revoked owner reactivating: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.manager.CreateOrder(ctx, Call{From: customer}, CreateOrderRequest{RestaurantID: f.restaurantID, Amount: 5}); err == nil {
		t.Errorf("orders must not reach a revoked restaurant")
	}

	if err := f.manager.RevokeRole(ctx, Call{From: admin}, riderA); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("second revoke: expected ErrInvalidTransition, got %v", err)
	}
}

func TestProcessPendingStatsLeavesCountersOnOverflow(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	if err := f.riders.RecordDelivery(riderA, math.MaxUint64-10, 0); err != nil {
		t.Fatalf("seed rider earnings: %v", err)
	}

	id := f.create(t, 1000, 20)
	f.deliver(t, id)
	if err := f.manager.ConfirmDelivery(ctx, Call{From: customer}, id, 4, 5); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	report, err := f.manager.ProcessPendingStats(ctx, Call{From: stranger}, []uint64{id})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(report.Failed) != 1 || report.Failed[0] != id || len(report.Applied) != 0 {
		t.Errorf("expected order %d to fail, got %+v", id, report)
	}

	restaurant, _ := f.restaurants.Get(f.restaurantID)
	if restaurant.TotalOrders != 0 || restaurant.TotalRating != 0 {
		t.Errorf("restaurant must be untouched when the rider update cannot apply: %+v", restaurant)
	}
	rider, _ := f.riders.Get(riderA)
	if rider.TotalDeliveries != 1 || rider.TotalEarnings != math.MaxUint64-10 {
		t.Errorf("rider counters changed: %+v", rider)
	}
	if pending := f.manager.PendingStats(0); len(pending) != 1 || pending[0] != id {
		t.Errorf("order should stay pending, got %v", pending)
	}
	if f.manager.StatsApplied(id) {
		t.Error("order must not be marked applied")
	}
}
