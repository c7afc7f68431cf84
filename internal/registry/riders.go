package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jogardn/chainfood/internal/roles"
	"github.com/jogardn/chainfood/pkg/models"
	"github.com/sirupsen/logrus"
)

type RiderInfo struct {
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number"`
	VehicleType string `json:"vehicle_type"`
}

type Riders struct {
	mutex  sync.RWMutex
	riders map[models.Address]*models.Rider
	roles  *roles.Registry
	logger *logrus.Logger
}

func NewRiders(roleRegistry *roles.Registry, logger *logrus.Logger) *Riders {
	return &Riders{
		riders: make(map[models.Address]*models.Rider),
		roles:  roleRegistry,
		logger: logger,
	}
}

func (r *Riders) Register(addr models.Address, info RiderInfo, now time.Time) error {
	if strings.TrimSpace(info.Name) == "" {
		return fmt.Errorf("%w: rider name is required", models.ErrInvalidArgument)
	}
	if info.VehicleType == "" {
		info.VehicleType = "bike"
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.riders[addr]; exists {
		return fmt.Errorf("%w: %s is already a rider", models.ErrInvalidTransition, addr)
	}
	if err := r.roles.Assign(addr, models.RoleRider); err != nil {
		return err
	}

	r.riders[addr] = &models.Rider{
		Address:      addr,
		Name:         info.Name,
		PhoneNumber:  info.PhoneNumber,
		VehicleType:  info.VehicleType,
		IsActive:     true,
		IsAvailable:  true,
		RegisteredAt: now,
	}

	r.logger.WithFields(logrus.Fields{
		"rider":        addr,
		"vehicle_type": info.VehicleType,
	}).Info("Rider registered")
	return nil
}

func (r *Riders) UpdateInfo(addr models.Address, info RiderInfo) error {
	return r.mutate(addr, func(rider *models.Rider) error {
		if strings.TrimSpace(info.Name) == "" {
			return fmt.Errorf("%w: rider name is required", models.ErrInvalidArgument)
		}
		rider.Name = info.Name
		rider.PhoneNumber = info.PhoneNumber
		if info.VehicleType != "" {
			rider.VehicleType = info.VehicleType
		}
		return nil
	})
}

func (r *Riders) SetAvailability(addr models.Address, available bool) error {
	return r.mutate(addr, func(rider *models.Rider) error {
		rider.IsAvailable = available
		return nil
	})
}

func (r *Riders) SetStatus(addr models.Address, active bool) error {
	return r.mutate(addr, func(rider *models.Rider) error {
		rider.IsActive = active
		return nil
	})
}

func (r *Riders) mutate(addr models.Address, fn func(*models.Rider) error) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	rider, ok := r.riders[addr]
	if !ok {
		return fmt.Errorf("%w: %s is not a rider", models.ErrInvalidTransition, addr)
	}
	if r.roles.Role(addr) != models.RoleRider {
		return fmt.Errorf("%w: rider role of %s was revoked", models.ErrInvalidTransition, addr)
	}
	return fn(rider)
}

func (r *Riders) Get(addr models.Address) (models.Rider, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	rider, ok := r.riders[addr]
	if !ok {
		return models.Rider{}, fmt.Errorf("%w: rider %s", models.ErrNotFound, addr)
	}
	return *rider, nil
}

// CheckAssignable fails unless the rider is registered, active, available and idle.
func (r *Riders) CheckAssignable(addr models.Address) error {
	rider, err := r.Get(addr)
	if err != nil {
		return fmt.Errorf("%w: %s is not a registered rider", models.ErrInvalidTransition, addr)
	}
	switch {
	case !rider.IsActive:
		return fmt.Errorf("%w: rider %s is inactive", models.ErrInvalidTransition, addr)
	case !rider.IsAvailable:
		return fmt.Errorf("%w: rider %s is unavailable", models.ErrInvalidTransition, addr)
	case rider.CurrentOrderID != 0:
		return fmt.Errorf("%w: rider %s is busy with order %d", models.ErrInvalidTransition, addr, rider.CurrentOrderID)
	}
	return nil
}

func (r *Riders) SetCurrentOrder(addr models.Address, orderID uint64) error {
	return r.mutate(addr, func(rider *models.Rider) error {
		rider.CurrentOrderID = orderID
		return nil
	})
}

// ClearCurrentOrder releases the rider only if it is still bound to orderID.
func (r *Riders) ClearCurrentOrder(addr models.Address, orderID uint64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if rider, ok := r.riders[addr]; ok && rider.CurrentOrderID == orderID {
		rider.CurrentOrderID = 0
	}
}

func (r *Riders) RecordDelivery(addr models.Address, earnings uint64, rating uint8) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	rider, ok := r.riders[addr]
	if !ok {
		return fmt.Errorf("%w: rider %s", models.ErrInvalidState, addr)
	}
	if err := CheckDelivery(*rider, earnings, rating); err != nil {
		return err
	}
	rider.TotalDeliveries++
	rider.TotalEarnings += earnings
	if rating > 0 {
		rider.TotalRating += uint64(rating)
		rider.RatingCount++
	}
	return nil
}

// Available lists riders that CheckAssignable would accept.
func (r *Riders) Available() []models.Rider {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var out []models.Rider
	for _, rider := range r.riders {
		if rider.IsActive && rider.IsAvailable && rider.CurrentOrderID == 0 {
			out = append(out, *rider)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// ActiveCount counts riders that are active, whether or not they are free.
func (r *Riders) ActiveCount() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	count := 0
	for _, rider := range r.riders {
		if rider.IsActive {
			count++
		}
	}
	return count
}

func (r *Riders) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.riders)
}
