package escrow

import (
	"fmt"
	"math"
	"sync"

	"github.com/jogardn/chainfood/pkg/models"
	"github.com/sirupsen/logrus"
)

type Transfer struct {
	To     models.Address `json:"to"`
	Amount uint64         `json:"amount"`
}

// Bank pays out a batch of transfers atomically: either every transfer
// lands or none does.
type Bank interface {
	Payout(transfers []Transfer) error
}

// Accounts is the native-balance Bank of the ledger node.
type Accounts struct {
	mutex    sync.RWMutex
	balances map[models.Address]uint64
	blocked  map[models.Address]bool
	logger   *logrus.Logger
}

func NewAccounts(logger *logrus.Logger) *Accounts {
	return &Accounts{
		balances: make(map[models.Address]uint64),
		blocked:  make(map[models.Address]bool),
		logger:   logger,
	}
}

// Block makes addr refuse incoming funds.
func (a *Accounts) Block(addr models.Address) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.blocked[addr] = true
}

func (a *Accounts) Unblock(addr models.Address) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	delete(a.blocked, addr)
}

func (a *Accounts) Balance(addr models.Address) uint64 {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.balances[addr]
}

func (a *Accounts) Payout(transfers []Transfer) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	// Validate the whole batch before crediting anyone.
	pending := make(map[models.Address]uint64, len(transfers))
	for _, t := range transfers {
		if t.To.IsZero() {
			return fmt.Errorf("recipient address is empty")
		}
		if a.blocked[t.To] {
			return fmt.Errorf("recipient %s cannot accept funds", t.To)
		}
		next := a.balances[t.To] + pending[t.To]
		if next > math.MaxUint64-t.Amount {
			return fmt.Errorf("balance overflow for %s", t.To)
		}
		pending[t.To] += t.Amount
	}

	for addr, amount := range pending {
		a.balances[addr] += amount
	}

	a.logger.WithField("transfers", len(transfers)).Debug("Payout applied")
	return nil
}
