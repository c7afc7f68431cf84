package escrow

import (
	"fmt"
	"math"
	"sync"

	"github.com/jogardn/chainfood/pkg/models"
	"github.com/sirupsen/logrus"
)

// Escrow holds one Payment per order and settles it exactly once, either by
// Release or by Refund. The Order Manager is its only caller.
type Escrow struct {
	mutex          sync.RWMutex
	payments       map[uint64]*models.Payment
	held           uint64
	bank           Bank
	platformWallet models.Address
	logger         *logrus.Logger
}

func New(bank Bank, platformWallet models.Address, logger *logrus.Logger) *Escrow {
	return &Escrow{
		payments:       make(map[uint64]*models.Payment),
		bank:           bank,
		platformWallet: platformWallet,
		logger:         logger,
	}
}

// Deposit records the funds attached to a new order and fixes the fee split.
func (e *Escrow) Deposit(orderID uint64, customer, restaurant models.Address, amount, tip uint64) (models.Payment, error) {
	if amount == 0 {
		return models.Payment{}, fmt.Errorf("%w: amount must be positive", models.ErrInvalidArgument)
	}
	if tip > math.MaxUint64-amount {
		return models.Payment{}, fmt.Errorf("%w: amount plus tip overflows", models.ErrInvalidArgument)
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	if _, exists := e.payments[orderID]; exists {
		return models.Payment{}, fmt.Errorf("%w: payment for order %d already exists", models.ErrInvalidState, orderID)
	}

	restaurantShare, riderShare, platformFee := CalculateFees(amount)
	payment := &models.Payment{
		OrderID:         orderID,
		Customer:        customer,
		Restaurant:      restaurant,
		TotalAmount:     amount + tip,
		RestaurantShare: restaurantShare,
		RiderShare:      riderShare,
		PlatformFee:     platformFee,
		Tip:             tip,
	}
	e.payments[orderID] = payment
	e.held += payment.TotalAmount

	e.logger.WithFields(logrus.Fields{
		"order_id":   orderID,
		"amount":     amount,
		"tip":        tip,
		"restaurant": restaurant,
	}).Info("Funds deposited")

	return *payment, nil
}

// Release pays restaurantShare to the restaurant, riderShare+tip to the rider
// and platformFee to the platform wallet.
func (e *Escrow) Release(orderID uint64, rider models.Address) (models.Payment, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	payment, err := e.unsettled(orderID)
	if err != nil {
		return models.Payment{}, err
	}
	if rider.IsZero() {
		return models.Payment{}, fmt.Errorf("%w: order %d has no rider to pay", models.ErrInvalidState, orderID)
	}

	transfers := nonZero([]Transfer{
		{To: payment.Restaurant, Amount: payment.RestaurantShare},
		{To: rider, Amount: payment.RiderShare + payment.Tip},
		{To: e.platformWallet, Amount: payment.PlatformFee},
	})
	if err := e.bank.Payout(transfers); err != nil {
		e.logger.WithError(err).WithField("order_id", orderID).Error("Release payout failed")
		return models.Payment{}, fmt.Errorf("%w: release order %d: %v", models.ErrTransferFailed, orderID, err)
	}

	payment.Rider = rider
	payment.Released = true
	e.held -= payment.TotalAmount

	e.logger.WithFields(logrus.Fields{
		"order_id":         orderID,
		"restaurant_share": payment.RestaurantShare,
		"rider_share":      payment.RiderShare + payment.Tip,
		"platform_fee":     payment.PlatformFee,
	}).Info("Payment released")

	return *payment, nil
}

// Refund returns the full total, tip included, to the customer.
func (e *Escrow) Refund(orderID uint64) (models.Payment, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	payment, err := e.unsettled(orderID)
	if err != nil {
		return models.Payment{}, err
	}

	transfers := nonZero([]Transfer{{To: payment.Customer, Amount: payment.TotalAmount}})
	if err := e.bank.Payout(transfers); err != nil {
		e.logger.WithError(err).WithField("order_id", orderID).Error("Refund payout failed")
		return models.Payment{}, fmt.Errorf("%w: refund order %d: %v", models.ErrTransferFailed, orderID, err)
	}

	payment.Refunded = true
	e.held -= payment.TotalAmount

	e.logger.WithFields(logrus.Fields{
		"order_id": orderID,
		"amount":   payment.TotalAmount,
		"customer": payment.Customer,
	}).Info("Payment refunded")

	return *payment, nil
}

func (e *Escrow) unsettled(orderID uint64) (*models.Payment, error) {
	payment, ok := e.payments[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: no payment for order %d", models.ErrInvalidState, orderID)
	}
	if payment.Settled() {
		return nil, fmt.Errorf("%w: payment for order %d already settled", models.ErrInvalidState, orderID)
	}
	return payment, nil
}

func (e *Escrow) Payment(orderID uint64) (models.Payment, error) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	payment, ok := e.payments[orderID]
	if !ok {
		return models.Payment{}, fmt.Errorf("%w: payment for order %d", models.ErrNotFound, orderID)
	}
	return *payment, nil
}

// Held is the sum of unsettled deposits.
func (e *Escrow) Held() uint64 {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.held
}

func nonZero(transfers []Transfer) []Transfer {
	out := transfers[:0]
	for _, t := range transfers {
		if t.Amount > 0 {
			out = append(out, t)
		}
	}
	return out
}
