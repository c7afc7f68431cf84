package ledger

import (
	"github.com/jogardn/chainfood/internal/escrow"
	"github.com/jogardn/chainfood/internal/orders"
	"github.com/jogardn/chainfood/internal/registry"
	"github.com/jogardn/chainfood/internal/roles"
	"github.com/jogardn/chainfood/pkg/models"
	"github.com/sirupsen/logrus"
)

type ContractsConfig struct {
	Admin          models.Address
	PlatformWallet models.Address
	InlineStats    bool
	Publisher      orders.EventPublisher
}

// NewContracts wires fresh, empty ledger state.
func NewContracts(config ContractsConfig, logger *logrus.Logger) *Contracts {
	roleRegistry := roles.NewRegistry(config.Admin, logger)
	restaurants := registry.NewRestaurants(roleRegistry, logger)
	riders := registry.NewRiders(roleRegistry, logger)
	accounts := escrow.NewAccounts(logger)
	escrowAccount := escrow.New(accounts, config.PlatformWallet, logger)

	manager := orders.NewManager(
		orders.Config{InlineStats: config.InlineStats},
		roleRegistry, restaurants, riders, escrowAccount,
		config.Publisher, logger,
	)

	return &Contracts{
		Roles:       roleRegistry,
		Restaurants: restaurants,
		Riders:      riders,
		Accounts:    accounts,
		Escrow:      escrowAccount,
		Orders:      manager,
	}
}
