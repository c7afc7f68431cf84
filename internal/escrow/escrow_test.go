package escrow

import (
	"errors"
	"math"
	"testing"

	"github.com/jogardn/chainfood/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	customer   = models.Address("0x00000000000000000000000000000000000000c1")
	restaurant = models.Address("0x00000000000000000000000000000000000000e1")
	rider      = models.Address("0x00000000000000000000000000000000000000d1")
	platform   = models.Address("0x00000000000000000000000000000000000000f1")
)

func newTestEscrow() (*Escrow, *Accounts) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	accounts := NewAccounts(logger)
	return New(accounts, platform, logger), accounts
}

func TestCalculateFeesConservesValue(t *testing.T) {
	amounts := []uint64{1, 2, 3, 7, 9, 11, 99, 101, 999, 12345, 1000001, 999999999999999999, math.MaxUint64}
	for _, amount := range amounts {
		r, d, p := CalculateFees(amount)
		if r+d+p != amount {
			t.Errorf("CalculateFees(%d) = (%d, %d, %d), sum %d", amount, r, d, p, r+d+p)
		}
		if d != p {
			t.Errorf("CalculateFees(%d): rider %d and platform %d should match", amount, d, p)
		}
		if d > amount/10 {
			t.Errorf("CalculateFees(%d): rider share %d exceeds 10%%", amount, d)
		}
	}
}

func TestCalculateFeesExactSplit(t *testing.T) {
	r, d, p := CalculateFees(1000000)
	if r != 800000 || d != 100000 || p != 100000 {
		t.Errorf("expected (800000, 100000, 100000), got (%d, %d, %d)", r, d, p)
	}

	r, d, p = CalculateFees(1)
	if r != 1 || d != 0 || p != 0 {
		t.Errorf("expected remainder to go to restaurant, got (%d, %d, %d)", r, d, p)
	}
}

func TestDepositValidation(t *testing.T) {
	e, _ := newTestEscrow()

	if _, err := e.Deposit(1, customer, restaurant, 0, 0); !errors.Is(err, models.ErrInvalidArgument) {
		t.Errorf("zero amount: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := e.Deposit(1, customer, restaurant, math.MaxUint64, 1); !errors.Is(err, models.ErrInvalidArgument) {
		t.Errorf("overflow: expected ErrInvalidArgument, got %v", err)
	}

	payment, err := e.Deposit(1, customer, restaurant, 1000, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payment.TotalAmount != 1050 || payment.RestaurantShare != 800 || payment.RiderShare != 100 || payment.PlatformFee != 100 {
		t.Errorf("unexpected payment: %+v", payment)
	}
	if e.Held() != 1050 {
		t.Errorf("expected 1050 held, got %d", e.Held())
	}

	if _, err := e.Deposit(1, customer, restaurant, 1000, 0); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("duplicate deposit: expected ErrInvalidState, got %v", err)
	}
}

func TestReleaseRoutesTipToRider(t *testing.T) {
	e, accounts := newTestEscrow()
	e.Deposit(1, customer, restaurant, 1000, 50)

	payment, err := e.Release(1, rider)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !payment.Released || payment.Refunded {
		t.Errorf("unexpected flags: %+v", payment)
	}

	if got := accounts.Balance(restaurant); got != 800 {
		t.Errorf("restaurant: expected 800, got %d", got)
	}
	if got := accounts.Balance(rider); got != 150 {
		t.Errorf("rider: expected 150, got %d", got)
	}
	if got := accounts.Balance(platform); got != 100 {
		t.Errorf("platform: expected 100, got %d", got)
	}
	if e.Held() != 0 {
		t.Errorf("expected nothing held, got %d", e.Held())
	}
}

func TestSettlementHappensOnce(t *testing.T) {
	e, accounts := newTestEscrow()
	e.Deposit(1, customer, restaurant, 1000, 0)

	if _, err := e.Release(1, rider); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.Release(1, rider); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("second release: expected ErrInvalidState, got %v", err)
	}
	if _, err := e.Refund(1); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("refund after release: expected ErrInvalidState, got %v", err)
	}
	if got := accounts.Balance(restaurant); got != 800 {
		t.Errorf("restaurant paid more than once: %d", got)
	}
}

func TestReleaseWithoutRider(t *testing.T) {
	e, _ := newTestEscrow()
	e.Deposit(1, customer, restaurant, 1000, 0)

	if _, err := e.Release(1, ""); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	payment, _ := e.Payment(1)
	if payment.Settled() {
		t.Error("payment must stay unsettled")
	}
}

func TestFailedTransferRevertsWholePayout(t *testing.T) {
	e, accounts := newTestEscrow()
	e.Deposit(1, customer, restaurant, 1000, 0)
	accounts.Block(platform)

	if _, err := e.Release(1, rider); !errors.Is(err, models.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if accounts.Balance(restaurant) != 0 || accounts.Balance(rider) != 0 {
		t.Error("no recipient may be paid when one transfer fails")
	}

	payment, _ := e.Payment(1)
	if payment.Released {
		t.Error("payment must not be marked released")
	}

	accounts.Unblock(platform)
	if _, err := e.Release(1, rider); err != nil {
		t.Fatalf("release after unblock: %v", err)
	}
}

func TestRefund(t *testing.T) {
	e, accounts := newTestEscrow()
	e.Deposit(1, customer, restaurant, 1000000, 25)

	payment, err := e.Refund(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !payment.Refunded || payment.Released {
		t.Errorf("unexpected flags: %+v", payment)
	}
	if got := accounts.Balance(customer); got != 1000025 {
		t.Errorf("customer: expected 1000025, got %d", got)
	}
	if _, err := e.Refund(1); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("second refund: expected ErrInvalidState, got %v", err)
	}
}

func TestPaymentNotFound(t *testing.T) {
	e, _ := newTestEscrow()
	if _, err := e.Payment(99); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := e.Release(99, rider); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}
