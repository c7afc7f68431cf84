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

type RestaurantInfo struct {
	Name            string `json:"name"`
	Description     string `json:"description"`
	MenuHash        string `json:"menu_hash"`
	PhysicalAddress string `json:"physical_address"`
}

// Restaurants stores restaurant records. CRUD fields belong to the owner;
// aggregate counters are written only through RecordCompletion.
type Restaurants struct {
	mutex   sync.RWMutex
	byID    map[uint64]*models.Restaurant
	byOwner map[models.Address]uint64
	lastID  uint64
	roles   *roles.Registry
	logger  *logrus.Logger
}

func NewRestaurants(roleRegistry *roles.Registry, logger *logrus.Logger) *Restaurants {
	return &Restaurants{
		byID:    make(map[uint64]*models.Restaurant),
		byOwner: make(map[models.Address]uint64),
		roles:   roleRegistry,
		logger:  logger,
	}
}

func (r *Restaurants) Register(owner models.Address, info RestaurantInfo, now time.Time) (uint64, error) {
	if strings.TrimSpace(info.Name) == "" {
		return 0, fmt.Errorf("%w: restaurant name is required", models.ErrInvalidArgument)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.byOwner[owner]; exists {
		return 0, fmt.Errorf("%w: %s already owns a restaurant", models.ErrInvalidTransition, owner)
	}
	if err := r.roles.Assign(owner, models.RoleRestaurant); err != nil {
		return 0, err
	}

	r.lastID++
	restaurant := &models.Restaurant{
		ID:              r.lastID,
		Owner:           owner,
		Name:            info.Name,
		Description:     info.Description,
		MenuHash:        info.MenuHash,
		PhysicalAddress: info.PhysicalAddress,
		IsActive:        true,
		RegisteredAt:    now,
	}
	r.byID[restaurant.ID] = restaurant
	r.byOwner[owner] = restaurant.ID

	r.logger.WithFields(logrus.Fields{
		"restaurant_id": restaurant.ID,
		"owner":         owner,
		"name":          restaurant.Name,
	}).Info("Restaurant registered")

	return restaurant.ID, nil
}

func (r *Restaurants) UpdateInfo(owner models.Address, info RestaurantInfo) error {
	return r.mutateOwned(owner, func(rest *models.Restaurant) error {
		if strings.TrimSpace(info.Name) == "" {
			return fmt.Errorf("%w: restaurant name is required", models.ErrInvalidArgument)
		}
		rest.Name = info.Name
		rest.Description = info.Description
		rest.PhysicalAddress = info.PhysicalAddress
		if info.MenuHash != "" {
			rest.MenuHash = info.MenuHash
		}
		return nil
	})
}

func (r *Restaurants) UpdateMenu(owner models.Address, menuHash string) error {
	return r.mutateOwned(owner, func(rest *models.Restaurant) error {
		if menuHash == "" {
			return fmt.Errorf("%w: menu hash is required", models.ErrInvalidArgument)
		}
		rest.MenuHash = menuHash
		return nil
	})
}

func (r *Restaurants) SetStatus(owner models.Address, active bool) error {
	return r.mutateOwned(owner, func(rest *models.Restaurant) error {
		rest.IsActive = active
		return nil
	})
}

func (r *Restaurants) mutateOwned(owner models.Address, fn func(*models.Restaurant) error) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	id, ok := r.byOwner[owner]
	if !ok {
		return fmt.Errorf("%w: %s owns no restaurant", models.ErrInvalidTransition, owner)
	}
	if r.roles.Role(owner) != models.RoleRestaurant {
		return fmt.Errorf("%w: restaurant role of %s was revoked", models.ErrInvalidTransition, owner)
	}
	return fn(r.byID[id])
}

func (r *Restaurants) Get(id uint64) (models.Restaurant, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	rest, ok := r.byID[id]
	if !ok {
		return models.Restaurant{}, fmt.Errorf("%w: restaurant %d", models.ErrNotFound, id)
	}
	return *rest, nil
}

func (r *Restaurants) ByOwner(owner models.Address) (models.Restaurant, error) {
	r.mutex.RLock()
	id, ok := r.byOwner[owner]
	r.mutex.RUnlock()

	if !ok {
		return models.Restaurant{}, fmt.Errorf("%w: no restaurant owned by %s", models.ErrNotFound, owner)
	}
	return r.Get(id)
}

func (r *Restaurants) List() []models.Restaurant {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make([]models.Restaurant, 0, len(r.byID))
	for _, rest := range r.byID {
		out = append(out, *rest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Restaurants) ActiveCount() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	count := 0
	for _, rest := range r.byID {
		if rest.IsActive {
			count++
		}
	}
	return count
}

// RecordCompletion bumps the order counter and, when rating is 1..5, the rating sums.
func (r *Restaurants) RecordCompletion(id uint64, rating uint8) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	rest, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: restaurant %d", models.ErrInvalidState, id)
	}
	if err := CheckCompletion(*rest, rating); err != nil {
		return err
	}
	rest.TotalOrders++
	if rating > 0 {
		rest.TotalRating += uint64(rating)
		rest.RatingCount++
	}
	return nil
}
