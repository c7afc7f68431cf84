package roles

import "github.com/jogardn/chainfood/pkg/models"

// DeriveRole picks the role a client should act under.
//
//	chain observed, not none -> chain
//	chain observed as none   -> pending, else none (a stale cache is discarded)
//	chain not observed       -> pending, else cached, else none
//
// pending is a role whose registration was submitted but not yet confirmed.
func DeriveRole(chain, cached, pending models.Role) models.Role {
	switch {
	case chain != models.RoleUnknown && chain != models.RoleNone:
		return chain
	case isSet(pending):
		return pending
	case chain == models.RoleNone:
		return models.RoleNone
	case isSet(cached):
		return cached
	default:
		return models.RoleNone
	}
}

func isSet(r models.Role) bool {
	return r != models.RoleUnknown && r != models.RoleNone
}
