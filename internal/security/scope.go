package security

import (
	"tenuto.io/safety/internal/identity"
)

// DeletionScope classifies how wide a requested deletion reaches.
type DeletionScope string

const (
	ScopeSingle  DeletionScope = "single"
	ScopeBulk    DeletionScope = "bulk"
	ScopeCascade DeletionScope = "cascade"
	ScopeCleanup DeletionScope = "cleanup"
)

// Valid reports whether the scope is one of the known values.
func (s DeletionScope) Valid() bool {
	switch s {
	case ScopeSingle, ScopeBulk, ScopeCascade, ScopeCleanup:
		return true
	}
	return false
}

// Privilege tiers, lowest to highest. Each tier strictly widens the scope of
// the one below it.
const (
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super-admin"
)

// Scope is the capability set derived from the caller's role. It is a plain
// value: derive a fresh one whenever the identity changes, never mutate.
type Scope struct {
	CanDeleteOwn      bool
	CanDeleteAny      bool
	CanBulkDelete     bool
	CanCascadeDelete  bool
	CanCleanupOrphans bool

	// EntityRestrictions is non-empty only for the lowest tier and holds the
	// caller's own accessible entity ids. Empty means unrestricted.
	EntityRestrictions map[string]struct{}

	MaxDeletionsPerMinute int
}

// ResolveScope derives the capability scope for an identity. Pure function:
// same identity in, same scope out.
func ResolveScope(id identity.Identity) Scope {
	switch {
	case id.HasRole(RoleSuperAdmin):
		return Scope{
			CanDeleteOwn:          true,
			CanDeleteAny:          true,
			CanBulkDelete:         true,
			CanCascadeDelete:      true,
			CanCleanupOrphans:     true,
			MaxDeletionsPerMinute: 50,
		}
	case id.HasRole(RoleAdmin):
		return Scope{
			CanDeleteOwn:          true,
			CanDeleteAny:          true,
			CanBulkDelete:         true,
			CanCascadeDelete:      true,
			MaxDeletionsPerMinute: 20,
		}
	default:
		restrictions := make(map[string]struct{}, len(id.Entities))
		for _, e := range id.Entities {
			restrictions[e] = struct{}{}
		}
		return Scope{
			CanDeleteOwn:          true,
			EntityRestrictions:    restrictions,
			MaxDeletionsPerMinute: 5,
		}
	}
}

// Allows reports whether the scope carries the capability needed for the
// requested deletion scope.
func (s Scope) Allows(ds DeletionScope) bool {
	switch ds {
	case ScopeSingle:
		return s.CanDeleteOwn || s.CanDeleteAny
	case ScopeBulk:
		return s.CanBulkDelete
	case ScopeCascade:
		return s.CanCascadeDelete
	case ScopeCleanup:
		return s.CanCleanupOrphans
	}
	return false
}

// Restricted reports whether the scope is limited to an explicit entity set.
func (s Scope) Restricted() bool {
	return len(s.EntityRestrictions) > 0 && !s.CanDeleteAny
}

// PermitsEntity reports whether the scope may touch the given entity.
func (s Scope) PermitsEntity(entityID string) bool {
	if !s.Restricted() {
		return true
	}
	_, ok := s.EntityRestrictions[entityID]
	return ok
}
