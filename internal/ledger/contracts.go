package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/jogardn/chainfood/internal/escrow"
	"github.com/jogardn/chainfood/internal/orders"
	"github.com/jogardn/chainfood/internal/registry"
	"github.com/jogardn/chainfood/internal/roles"
	"github.com/jogardn/chainfood/pkg/models"
)

const (
	MethodCreateOrder         = "createOrder"
	MethodAcceptOrder         = "acceptOrder"
	MethodMarkPrepared        = "markPrepared"
	MethodAssignRider         = "assignRider"
	MethodPickupOrder         = "pickupOrder"
	MethodMarkDelivered       = "markDelivered"
	MethodConfirmDelivery     = "confirmDelivery"
	MethodCancelOrder         = "cancelOrder"
	MethodDisputeOrder        = "disputeOrder"
	MethodResolveDispute      = "resolveDispute"
	MethodProcessPendingStats = "processPendingStats"

	MethodRegisterRestaurant   = "registerRestaurant"
	MethodUpdateRestaurantInfo = "updateRestaurantInfo"
	MethodUpdateMenu           = "updateMenu"
	MethodSetRestaurantStatus  = "setRestaurantStatus"
	MethodRegisterRider        = "registerRider"
	MethodUpdateRiderInfo      = "updateRiderInfo"
	MethodSetAvailability      = "setAvailability"
	MethodSetRiderStatus       = "setRiderStatus"
	MethodRevokeRole           = "revokeRole"
)

const (
	EntityOrder                  = "order"
	EntityOrderCount             = "orderCount"
	EntityCustomerOrders         = "customerOrders"
	EntityRestaurantOrders       = "restaurantOrders"
	EntityRiderOrders            = "riderOrders"
	EntityOrdersReadyForPickup   = "ordersReadyForPickup"
	EntityAvailableRiders        = "availableRiders"
	EntityPayment                = "payment"
	EntityRole                   = "role"
	EntityBalance                = "balance"
	EntityActiveRestaurantsCount = "activeRestaurantsCount"
	EntityRestaurant             = "restaurant"
	EntityRestaurantByOwner      = "restaurantByOwner"
	EntityRestaurants            = "restaurants"
	EntityRider                  = "rider"
	EntityPendingStats           = "pendingStats"
	EntityStatsApplied           = "statsApplied"
	EntityEscrowHeld             = "escrowHeld"
	EntityTotalRiders            = "totalRiders"
	EntityActiveRidersCount      = "activeRidersCount"
	EntityRiderCurrentOrder      = "riderCurrentOrder"
)

type OrderArgs struct {
	OrderID uint64 `json:"order_id"`
}

type AssignRiderArgs struct {
	OrderID uint64         `json:"order_id"`
	Rider   models.Address `json:"rider"`
}

type ConfirmDeliveryArgs struct {
	OrderID          uint64 `json:"order_id"`
	RestaurantRating uint8  `json:"restaurant_rating"`
	RiderRating      uint8  `json:"rider_rating"`
}

type ReasonArgs struct {
	OrderID uint64 `json:"order_id"`
	Reason  string `json:"reason"`
}

type ResolveDisputeArgs struct {
	OrderID        uint64 `json:"order_id"`
	RefundCustomer bool   `json:"refund_customer"`
}

type StatsArgs struct {
	OrderIDs []uint64 `json:"order_ids"`
}

type MenuArgs struct {
	MenuHash string `json:"menu_hash"`
}

type StatusArgs struct {
	Active bool `json:"active"`
}

type AvailabilityArgs struct {
	Available bool `json:"available"`
}

type RevokeRoleArgs struct {
	Address models.Address `json:"address"`
}

// Contracts is the ledger state the node executes calls against.
type Contracts struct {
	Roles       *roles.Registry
	Restaurants *registry.Restaurants
	Riders      *registry.Riders
	Accounts    *escrow.Accounts
	Escrow      *escrow.Escrow
	Orders      *orders.Manager
}

// Apply runs one journaled call. It must be deterministic given tx, so
// replaying the journal rebuilds the same state.
func (c *Contracts) Apply(ctx context.Context, tx Tx) (interface{}, error) {
	call := tx.Call
	caller := orders.Call{From: call.From, At: tx.Timestamp}

	if call.Value > 0 && call.Method != MethodCreateOrder {
		return nil, fmt.Errorf("%w: %s does not accept value", models.ErrInvalidArgument, call.Method)
	}

	switch call.Method {
	case MethodCreateOrder:
		var req orders.CreateOrderRequest
		if err := decodeArgs(call, &req); err != nil {
			return nil, err
		}
		if req.Tip > math.MaxUint64-req.Amount || call.Value != req.Amount+req.Tip {
			return nil, fmt.Errorf("%w: value %d must equal amount plus tip", models.ErrInvalidArgument, call.Value)
		}
		id, err := c.Orders.CreateOrder(ctx, caller, req)
		if err != nil {
			return nil, err
		}
		return OrderArgs{OrderID: id}, nil

	case MethodAcceptOrder, MethodMarkPrepared, MethodPickupOrder, MethodMarkDelivered:
		var args OrderArgs
		if err := decodeArgs(call, &args); err != nil {
			return nil, err
		}
		step := map[string]func(context.Context, orders.Call, uint64) error{
			MethodAcceptOrder:   c.Orders.AcceptOrder,
			MethodMarkPrepared:  c.Orders.MarkPrepared,
			MethodPickupOrder:   c.Orders.PickupOrder,
			MethodMarkDelivered: c.Orders.MarkDelivered,
		}[call.Method]
		return nil, step(ctx, caller, args.OrderID)

	case MethodAssignRider:
		var args AssignRiderArgs
		if err := decodeArgs(call, &args); err != nil {
			return nil, err
		}
		return nil, c.Orders.AssignRider(ctx, caller, args.OrderID, models.NewAddress(string(args.Rider)))

	case MethodConfirmDelivery:
		var args ConfirmDeliveryArgs
		if err := decodeArgs(call, &args); err != nil {
			return nil, err
		}
		return nil, c.Orders.ConfirmDelivery(ctx, caller, args.OrderID, args.RestaurantRating, args.RiderRating)

	case MethodCancelOrder, MethodDisputeOrder:
		var args ReasonArgs
		if err := decodeArgs(call, &args); err != nil {
			return nil, err
		}
		if call.Method == MethodCancelOrder {
			return nil, c.Orders.CancelOrder(ctx, caller, args.OrderID, args.Reason)
		}
		return nil, c.Orders.DisputeOrder(ctx, caller, args.OrderID, args.Reason)

	case MethodResolveDispute:
		var args ResolveDisputeArgs
		if err := decodeArgs(call, &args); err != nil {
			return nil, err
		}
		return nil, c.Orders.ResolveDispute(ctx, caller, args.OrderID, args.RefundCustomer)

	case MethodProcessPendingStats:
		var args StatsArgs
		if err := decodeArgs(call, &args); err != nil {
			return nil, err
		}
		report, err := c.Orders.ProcessPendingStats(ctx, caller, args.OrderIDs)
		if err != nil {
			return nil, err
		}
		return report, nil

	case MethodRegisterRestaurant:
		var info registry.RestaurantInfo
		if err := decodeArgs(call, &info); err != nil {
			return nil, err
		}
		id, err := c.Restaurants.Register(call.From, info, tx.Timestamp)
		if err != nil {
			return nil, err
		}
		return map[string]uint64{"restaurant_id": id}, nil

	case MethodUpdateRestaurantInfo:
		var info registry.RestaurantInfo
		if err := decodeArgs(call, &info); err != nil {
			return nil, err
		}
		return nil, c.Restaurants.UpdateInfo(call.From, info)

	case MethodUpdateMenu:
		var args MenuArgs
		if err := decodeArgs(call, &args); err != nil {
			return nil, err
		}
		return nil, c.Restaurants.UpdateMenu(call.From, args.MenuHash)

	case MethodSetRestaurantStatus:
		var args StatusArgs
		if err := decodeArgs(call, &args); err != nil {
			return nil, err
		}
		return nil, c.Restaurants.SetStatus(call.From, args.Active)

	case MethodRegisterRider:
		var info registry.RiderInfo
		if err := decodeArgs(call, &info); err != nil {
			return nil, err
		}
		return nil, c.Riders.Register(call.From, info, tx.Timestamp)

	case MethodUpdateRiderInfo:
		var info registry.RiderInfo
		if err := decodeArgs(call, &info); err != nil {
			return nil, err
		}
		return nil, c.Riders.UpdateInfo(call.From, info)

	case MethodSetAvailability:
		var args AvailabilityArgs
		if err := decodeArgs(call, &args); err != nil {
			return nil, err
		}
		return nil, c.Riders.SetAvailability(call.From, args.Available)

	case MethodSetRiderStatus:
		var args StatusArgs
		if err := decodeArgs(call, &args); err != nil {
			return nil, err
		}
		return nil, c.Riders.SetStatus(call.From, args.Active)

	case MethodRevokeRole:
		var args RevokeRoleArgs
		if err := decodeArgs(call, &args); err != nil {
			return nil, err
		}
		target, err := models.ParseAddress(string(args.Address))
		if err != nil {
			return nil, err
		}
		return nil, c.Orders.RevokeRole(ctx, caller, target)
	}

	return nil, fmt.Errorf("%w: unknown method %q", models.ErrInvalidArgument, call.Method)
}

func decodeArgs(call Call, out interface{}) error {
	if len(call.Args) == 0 {
		return fmt.Errorf("%w: %s requires arguments", models.ErrInvalidArgument, call.Method)
	}
	if err := json.Unmarshal(call.Args, out); err != nil {
		return fmt.Errorf("%w: %s arguments: %v", models.ErrInvalidArgument, call.Method, err)
	}
	return nil
}

// Query reads current state. Reads never go through the executor.
func (c *Contracts) Query(q Query) (interface{}, error) {
	switch q.Entity {
	case EntityOrder:
		id, err := parseID(q)
		if err != nil {
			return nil, err
		}
		return c.Orders.Order(id)
	case EntityOrderCount:
		return c.Orders.OrderCount(), nil
	case EntityCustomerOrders:
		return nonNil(c.Orders.CustomerOrders(models.NewAddress(q.Key))), nil
	case EntityRestaurantOrders:
		id, err := parseID(q)
		if err != nil {
			return nil, err
		}
		return nonNil(c.Orders.RestaurantOrders(id)), nil
	case EntityRiderOrders:
		return nonNil(c.Orders.RiderOrders(models.NewAddress(q.Key))), nil
	case EntityOrdersReadyForPickup:
		return nonNil(c.Orders.ReadyForPickup()), nil
	case EntityAvailableRiders:
		riders := c.Riders.Available()
		if riders == nil {
			riders = []models.Rider{}
		}
		return riders, nil
	case EntityPayment:
		id, err := parseID(q)
		if err != nil {
			return nil, err
		}
		return c.Escrow.Payment(id)
	case EntityRole:
		return c.Roles.Role(models.NewAddress(q.Key)), nil
	case EntityBalance:
		return c.Accounts.Balance(models.NewAddress(q.Key)), nil
	case EntityActiveRestaurantsCount:
		return c.Restaurants.ActiveCount(), nil
	case EntityRestaurant:
		id, err := parseID(q)
		if err != nil {
			return nil, err
		}
		return c.Restaurants.Get(id)
	case EntityRestaurantByOwner:
		return c.Restaurants.ByOwner(models.NewAddress(q.Key))
	case EntityRestaurants:
		return c.Restaurants.List(), nil
	case EntityRider:
		return c.Riders.Get(models.NewAddress(q.Key))
	case EntityPendingStats:
		limit := 0
		if q.Key != "" {
			n, err := strconv.Atoi(q.Key)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: bad limit %q", models.ErrInvalidArgument, q.Key)
			}
			limit = n
		}
		return nonNil(c.Orders.PendingStats(limit)), nil
	case EntityStatsApplied:
		id, err := parseID(q)
		if err != nil {
			return nil, err
		}
		return c.Orders.StatsApplied(id), nil
	case EntityEscrowHeld:
		return c.Escrow.Held(), nil
	case EntityTotalRiders:
		return c.Riders.Count(), nil
	case EntityActiveRidersCount:
		return c.Riders.ActiveCount(), nil
	case EntityRiderCurrentOrder:
		rider, err := c.Riders.Get(models.NewAddress(q.Key))
		if err != nil {
			return nil, err
		}
		return rider.CurrentOrderID, nil
	}
	return nil, fmt.Errorf("%w: unknown entity %q", models.ErrInvalidArgument, q.Entity)
}

func parseID(q Query) (uint64, error) {
	id, err := strconv.ParseUint(q.Key, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s key %q is not an id", models.ErrInvalidArgument, q.Entity, q.Key)
	}
	return id, nil
}

func nonNil(ids []uint64) []uint64 {
	if ids == nil {
		return []uint64{}
	}
	return ids
}
