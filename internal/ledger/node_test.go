package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jogardn/chainfood/internal/orders"
	"github.com/jogardn/chainfood/internal/registry"
	"github.com/jogardn/chainfood/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	admin    = models.Address("0x00000000000000000000000000000000000000a1")
	platform = models.Address("0x00000000000000000000000000000000000000f1")
	customer = models.Address("0x00000000000000000000000000000000000000c1")
	owner    = models.Address("0x00000000000000000000000000000000000000e1")
	rider    = models.Address("0x00000000000000000000000000000000000000d1")
)

type flakyJournal struct {
	MemoryJournal
	mutex sync.Mutex
	fail  bool
}

func (j *flakyJournal) Append(ctx context.Context, tx Tx) error {
	j.mutex.Lock()
	fail := j.fail
	j.mutex.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return j.MemoryJournal.Append(ctx, tx)
}

func (j *flakyJournal) setFail(fail bool) {
	j.mutex.Lock()
	j.fail = fail
	j.mutex.Unlock()
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func startNode(t *testing.T, journal Journal) (*Node, *Contracts) {
	t.Helper()

	logger := testLogger()
	contracts := NewContracts(ContractsConfig{Admin: admin, PlatformWallet: platform, InlineStats: true}, logger)
	node := NewNode(contracts, journal, NodeConfig{}, logger)
	if err := node.Replay(context.Background()); err != nil {
		t.Fatalf("replay: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = node.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return node, contracts
}

func send(t *testing.T, node *Node, from models.Address, method string, value uint64, args interface{}) Receipt {
	t.Helper()

	call, err := NewCall(method, from, args)
	if err != nil {
		t.Fatalf("build call: %v", err)
	}
	call.Value = value

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := node.Submit(ctx, call)
	if err != nil {
		t.Fatalf("submit %s: %v", method, err)
	}
	receipt, err := node.Await(ctx, id)
	if err != nil {
		t.Fatalf("await %s: %v", method, err)
	}
	return receipt
}

func mustConfirm(t *testing.T, receipt Receipt) {
	t.Helper()
	if receipt.Status != TxConfirmed {
		t.Fatalf("expected confirmed, got %s (%s: %s)", receipt.Status, receipt.Code, receipt.Reason)
	}
}

// runLifecycle registers the parties and drives one order to Completed.
func runLifecycle(t *testing.T, node *Node) uint64 {
	t.Helper()

	mustConfirm(t, send(t, node, owner, MethodRegisterRestaurant, 0, registry.RestaurantInfo{Name: "Tacos"}))
	mustConfirm(t, send(t, node, rider, MethodRegisterRider, 0, registry.RiderInfo{Name: "Ana"}))

	created := send(t, node, customer, MethodCreateOrder, 1000000, orders.CreateOrderRequest{RestaurantID: 1, Amount: 1000000})
	mustConfirm(t, created)
	var ref OrderArgs
	if err := created.Decode(&ref); err != nil {
		t.Fatalf("decode result: %v", err)
	}

	mustConfirm(t, send(t, node, owner, MethodAcceptOrder, 0, ref))
	mustConfirm(t, send(t, node, owner, MethodMarkPrepared, 0, ref))
	mustConfirm(t, send(t, node, owner, MethodAssignRider, 0, AssignRiderArgs{OrderID: ref.OrderID, Rider: rider}))
	mustConfirm(t, send(t, node, rider, MethodPickupOrder, 0, ref))
	mustConfirm(t, send(t, node, rider, MethodMarkDelivered, 0, ref))
	mustConfirm(t, send(t, node, customer, MethodConfirmDelivery, 0, ConfirmDeliveryArgs{OrderID: ref.OrderID, RestaurantRating: 5, RiderRating: 5}))
	return ref.OrderID
}

func TestNodeLifecycle(t *testing.T) {
	node, _ := startNode(t, NewMemoryJournal())
	id := runLifecycle(t, node)

	var order models.Order
	if err := node.Read(context.Background(), Query{Entity: EntityOrder, Key: "1"}, &order); err != nil {
		t.Fatalf("read order: %v", err)
	}
	if order.ID != id || order.Status != models.StatusCompleted {
		t.Errorf("unexpected order: %+v", order)
	}

	for addr, want := range map[models.Address]uint64{owner: 800000, rider: 100000, platform: 100000} {
		var balance uint64
		if err := node.Read(context.Background(), Query{Entity: EntityBalance, Key: string(addr)}, &balance); err != nil {
			t.Fatalf("read balance: %v", err)
		}
		if balance != want {
			t.Errorf("balance of %s: expected %d, got %d", addr, want, balance)
		}
	}

	var role models.Role
	_ = node.Read(context.Background(), Query{Entity: EntityRole, Key: string(customer)}, &role)
	if role != models.RoleCustomer {
		t.Errorf("expected customer role, got %q", role)
	}
	if node.Height() != 9 {
		t.Errorf("expected height 9, got %d", node.Height())
	}
}

func TestNodeRevertedReceipt(t *testing.T) {
	node, _ := startNode(t, NewMemoryJournal())
	mustConfirm(t, send(t, node, owner, MethodRegisterRestaurant, 0, registry.RestaurantInfo{Name: "Tacos"}))

	tests := []struct {
		name   string
		from   models.Address
		method string
		value  uint64
		args   interface{}
		want   error
	}{
		{"value mismatch", customer, MethodCreateOrder, 10, orders.CreateOrderRequest{RestaurantID: 1, Amount: 10, Tip: 5}, models.ErrInvalidArgument},
		{"value on non payable", owner, MethodAcceptOrder, 1, OrderArgs{OrderID: 1}, models.ErrInvalidArgument},
		{"missing order", owner, MethodAcceptOrder, 0, OrderArgs{OrderID: 7}, models.ErrNotFound},
		{"unknown method", owner, "selfDestruct", 0, OrderArgs{}, models.ErrInvalidArgument},
		{"missing args", owner, MethodAcceptOrder, 0, nil, models.ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			receipt := send(t, node, tt.from, tt.method, tt.value, tt.args)
			if receipt.Status != TxReverted {
				t.Fatalf("expected reverted, got %s", receipt.Status)
			}
			if !errors.Is(receipt.Err(), tt.want) {
				t.Errorf("expected %v, got %v", tt.want, receipt.Err())
			}
		})
	}

	created := send(t, node, customer, MethodCreateOrder, 15, orders.CreateOrderRequest{RestaurantID: 1, Amount: 10, Tip: 5})
	mustConfirm(t, created)
	if len(created.Events) != 2 {
		t.Errorf("expected two events on receipt, got %d", len(created.Events))
	}
	accept := send(t, node, customer, MethodAcceptOrder, 0, OrderArgs{OrderID: 1})
	if !errors.Is(accept.Err(), models.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", accept.Err())
	}
}

func TestNodeReplayRebuildsState(t *testing.T) {
	journal := NewMemoryJournal()
	first, _ := startNode(t, journal)
	runLifecycle(t, first)
	reverted := send(t, first, customer, MethodCancelOrder, 0, ReasonArgs{OrderID: 1})
	if reverted.Status != TxReverted {
		t.Fatalf("expected cancel of completed order to revert")
	}

	second, contracts := startNode(t, journal)
	if second.Height() != first.Height() {
		t.Errorf("expected height %d after replay, got %d", first.Height(), second.Height())
	}

	order, err := contracts.Orders.Order(1)
	if err != nil || order.Status != models.StatusCompleted {
		t.Fatalf("unexpected order after replay: %+v, %v", order, err)
	}
	original, _ := first.contracts.Orders.Order(1)
	if order != original {
		t.Errorf("replayed order differs:\n%+v\n%+v", order, original)
	}
	if contracts.Accounts.Balance(owner) != 800000 {
		t.Errorf("expected replayed restaurant balance 800000, got %d", contracts.Accounts.Balance(owner))
	}

	receipt, ok := second.Receipt(reverted.TxID)
	if !ok || receipt.Status != TxReverted || receipt.Code != models.CodeInvalidTransition {
		t.Errorf("expected reverted receipt after replay, got %+v", receipt)
	}
}

func TestNodeJournalFailure(t *testing.T) {
	journal := &flakyJournal{}
	node, contracts := startNode(t, journal)

	journal.setFail(true)
	receipt := send(t, node, owner, MethodRegisterRestaurant, 0, registry.RestaurantInfo{Name: "Tacos"})
	if receipt.Status != TxFailed {
		t.Fatalf("expected failed receipt, got %s", receipt.Status)
	}
	if !errors.Is(receipt.Err(), ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", receipt.Err())
	}
	if contracts.Restaurants.ActiveCount() != 0 || node.Height() != 0 {
		t.Errorf("failed journal write must not apply the call")
	}

	journal.setFail(false)
	mustConfirm(t, send(t, node, owner, MethodRegisterRestaurant, 0, registry.RestaurantInfo{Name: "Tacos"}))
	if node.Height() != 1 {
		t.Errorf("expected height 1, got %d", node.Height())
	}
}

func TestNodeSubmitValidation(t *testing.T) {
	node, _ := startNode(t, NewMemoryJournal())
	ctx := context.Background()

	if _, err := node.Submit(ctx, Call{Method: MethodAcceptOrder}); !errors.Is(err, models.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for missing sender, got %v", err)
	}
	if _, err := node.Await(ctx, "nope"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown tx, got %v", err)
	}
}

func TestNodeSerializesConcurrentCalls(t *testing.T) {
	node, contracts := startNode(t, NewMemoryJournal())
	mustConfirm(t, send(t, node, owner, MethodRegisterRestaurant, 0, registry.RestaurantInfo{Name: "Tacos"}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			call, _ := NewCall(MethodCreateOrder, customer, orders.CreateOrderRequest{RestaurantID: 1, Amount: 10})
			call.Value = 10
			id, err := node.Submit(context.Background(), call)
			if err != nil {
				t.Errorf("submit: %v", err)
				return
			}
			if receipt, err := node.Await(context.Background(), id); err != nil || receipt.Status != TxConfirmed {
				t.Errorf("unexpected receipt %+v, %v", receipt, err)
			}
		}()
	}
	wg.Wait()

	if contracts.Orders.OrderCount() != 20 {
		t.Errorf("expected 20 orders, got %d", contracts.Orders.OrderCount())
	}
	if contracts.Escrow.Held() != 200 {
		t.Errorf("expected 200 held, got %d", contracts.Escrow.Held())
	}
}

func TestNodeNonceDeduplicatesSubmissions(t *testing.T) {
	journal := NewMemoryJournal()
	node, contracts := startNode(t, journal)
	mustConfirm(t, send(t, node, owner, MethodRegisterRestaurant, 0, registry.RestaurantInfo{Name: "Tacos"}))

	ctx := context.Background()
	call, _ := NewCall(MethodCreateOrder, customer, orders.CreateOrderRequest{RestaurantID: 1, Amount: 10})
	call.Value = 10
	call.Nonce = "checkout-1"

	first, err := node.Submit(ctx, call)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := node.Await(ctx, first); err != nil {
		t.Fatalf("await: %v", err)
	}
	second, err := node.Submit(ctx, call)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second != first {
		t.Errorf("expected resubmit to return %s, got %s", first, second)
	}
	if contracts.Orders.OrderCount() != 1 || contracts.Escrow.Held() != 10 {
		t.Errorf("expected one order holding 10, got %d orders holding %d", contracts.Orders.OrderCount(), contracts.Escrow.Held())
	}

	other := call
	other.From = admin
	id, err := node.Submit(ctx, other)
	if err != nil {
		t.Fatalf("submit from other sender: %v", err)
	}
	if id == first {
		t.Error("nonces must be scoped to the sender")
	}
	if _, err := node.Await(ctx, id); err != nil {
		t.Fatalf("await: %v", err)
	}

	restarted, _ := startNode(t, journal)
	replayed, err := restarted.Submit(ctx, call)
	if err != nil {
		t.Fatalf("submit after replay: %v", err)
	}
	if replayed != first {
		t.Errorf("expected nonce to survive replay as %s, got %s", first, replayed)
	}

	call.Nonce = strings.Repeat("n", MaxNonceLength+1)
	if _, err := node.Submit(ctx, call); !errors.Is(err, models.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for long nonce, got %v", err)
	}
}

func TestNodeNonceReleasedAfterJournalFailure(t *testing.T) {
	journal := &flakyJournal{}
	node, contracts := startNode(t, journal)
	ctx := context.Background()

	call, _ := NewCall(MethodRegisterRestaurant, owner, registry.RestaurantInfo{Name: "Tacos"})
	call.Nonce = "register-1"

	journal.setFail(true)
	failed, err := node.Submit(ctx, call)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt, _ := node.Await(ctx, failed); receipt.Status != TxFailed {
		t.Fatalf("expected failed receipt, got %s", receipt.Status)
	}

	journal.setFail(false)
	retried, err := node.Submit(ctx, call)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if retried == failed {
		t.Fatal("a call that was never journaled must run again")
	}
	receipt, err := node.Await(ctx, retried)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	mustConfirm(t, receipt)
	if contracts.Restaurants.ActiveCount() != 1 {
		t.Errorf("expected one restaurant, got %d", contracts.Restaurants.ActiveCount())
	}
}

func TestNodeRevokeRoleAndRiderCounts(t *testing.T) {
	node, _ := startNode(t, NewMemoryJournal())
	ctx := context.Background()

	mustConfirm(t, send(t, node, owner, MethodRegisterRestaurant, 0, registry.RestaurantInfo{Name: "Tacos"}))
	mustConfirm(t, send(t, node, rider, MethodRegisterRider, 0, registry.RiderInfo{Name: "Ana"}))
	created := send(t, node, customer, MethodCreateOrder, 100, orders.CreateOrderRequest{RestaurantID: 1, Amount: 100})
	mustConfirm(t, created)
	mustConfirm(t, send(t, node, owner, MethodAcceptOrder, 0, OrderArgs{OrderID: 1}))
	mustConfirm(t, send(t, node, owner, MethodMarkPrepared, 0, OrderArgs{OrderID: 1}))
	mustConfirm(t, send(t, node, owner, MethodAssignRider, 0, AssignRiderArgs{OrderID: 1, Rider: rider}))

	var current uint64
	if err := node.Read(ctx, Query{Entity: EntityRiderCurrentOrder, Key: string(rider)}, &current); err != nil || current != 1 {
		t.Errorf("expected rider bound to order 1, got %d (%v)", current, err)
	}

	tests := []struct {
		name string
		from models.Address
		args interface{}
		want error
	}{
		{"not admin", owner, RevokeRoleArgs{Address: rider}, models.ErrInvalidTransition},
		{"busy rider", admin, RevokeRoleArgs{Address: rider}, models.ErrInvalidTransition},
		{"owner with open order", admin, RevokeRoleArgs{Address: owner}, models.ErrInvalidTransition},
		{"malformed address", admin, RevokeRoleArgs{Address: "0x12"}, models.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			receipt := send(t, node, tt.from, MethodRevokeRole, 0, tt.args)
			if !errors.Is(receipt.Err(), tt.want) {
				t.Errorf("expected %v, got %v", tt.want, receipt.Err())
			}
		})
	}

	mustConfirm(t, send(t, node, rider, MethodPickupOrder, 0, OrderArgs{OrderID: 1}))
	mustConfirm(t, send(t, node, rider, MethodMarkDelivered, 0, OrderArgs{OrderID: 1}))
	mustConfirm(t, send(t, node, customer, MethodConfirmDelivery, 0, ConfirmDeliveryArgs{OrderID: 1}))
	mustConfirm(t, send(t, node, admin, MethodRevokeRole, 0, RevokeRoleArgs{Address: rider}))

	var total, active int
	if err := node.Read(ctx, Query{Entity: EntityTotalRiders}, &total); err != nil {
		t.Fatalf("read total riders: %v", err)
	}
	if err := node.Read(ctx, Query{Entity: EntityActiveRidersCount}, &active); err != nil {
		t.Fatalf("read active riders: %v", err)
	}
	if total != 1 || active != 0 {
		t.Errorf("expected 1 rider with 0 active, got %d and %d", total, active)
	}

	var role models.Role
	_ = node.Read(ctx, Query{Entity: EntityRole, Key: string(rider)}, &role)
	if role != models.RoleNone {
		t.Errorf("expected role none after revoke, got %q", role)
	}
	if receipt := send(t, node, rider, MethodSetAvailability, 0, AvailabilityArgs{Available: true}); !errors.Is(receipt.Err(), models.ErrInvalidTransition) {
		t.Errorf("revoked rider: expected ErrInvalidTransition, got %v", receipt.Err())
	}
}
