package roles

import (
	"fmt"
	"sync"

	"github.com/jogardn/chainfood/pkg/models"
	"github.com/sirupsen/logrus"
)

// Registry holds at most one role per address. Customer is implicit: any
// address may place orders, and holding Customer never blocks registering
// as a restaurant or rider.
type Registry struct {
	mutex  sync.RWMutex
	roles  map[models.Address]models.Role
	admin  models.Address
	logger *logrus.Logger
}

func NewRegistry(admin models.Address, logger *logrus.Logger) *Registry {
	return &Registry{
		roles:  make(map[models.Address]models.Role),
		admin:  admin,
		logger: logger,
	}
}

func (r *Registry) Role(addr models.Address) models.Role {
	if !r.admin.IsZero() && addr == r.admin {
		return models.RoleAdmin
	}

	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if role, ok := r.roles[addr]; ok {
		return role
	}
	return models.RoleNone
}

func (r *Registry) IsAdmin(addr models.Address) bool {
	return r.Role(addr) == models.RoleAdmin
}

func (r *Registry) CanRegister(addr models.Address) bool {
	role := r.Role(addr)
	return role == models.RoleNone || role == models.RoleCustomer
}

// MarkCustomer records the Customer role for an address that holds none.
func (r *Registry) MarkCustomer(addr models.Address) {
	if r.Role(addr) != models.RoleNone {
		return
	}

	r.mutex.Lock()
	r.roles[addr] = models.RoleCustomer
	r.mutex.Unlock()

	r.logger.WithField("address", addr).Debug("Customer role assigned")
}

// Assign grants the restaurant or rider role.
func (r *Registry) Assign(addr models.Address, role models.Role) error {
	if role != models.RoleRestaurant && role != models.RoleRider {
		return fmt.Errorf("%w: role %q cannot be assigned", models.ErrInvalidArgument, role)
	}
	if addr.IsZero() {
		return fmt.Errorf("%w: empty address", models.ErrInvalidArgument)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if addr == r.admin {
		return fmt.Errorf("%w: %s already holds role admin", models.ErrInvalidTransition, addr)
	}
	if current, ok := r.roles[addr]; ok && current != models.RoleCustomer {
		return fmt.Errorf("%w: %s already holds role %s", models.ErrInvalidTransition, addr, current)
	}
	r.roles[addr] = role

	r.logger.WithFields(logrus.Fields{
		"address": addr,
		"role":    role,
	}).Info("Role assigned")
	return nil
}

// Revoke drops an address back to RoleNone.
func (r *Registry) Revoke(addr models.Address) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	delete(r.roles, addr)
	r.logger.WithField("address", addr).Info("Role revoked")
}
