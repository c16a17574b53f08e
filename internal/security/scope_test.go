package security

import (
	"testing"

	"tenuto.io/safety/internal/identity"
)

func TestResolveScope(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		id          identity.Identity
		wantBulk    bool
		wantCascade bool
		wantCleanup bool
		wantMax     int
	}{
		{
			name:    "standard user",
			id:      identity.Identity{UserID: "u1", Entities: []string{"student-1"}},
			wantMax: 5,
		},
		{
			name:        "admin",
			id:          identity.Identity{UserID: "u2", Roles: []string{"admin"}},
			wantBulk:    true,
			wantCascade: true,
			wantMax:     20,
		},
		{
			name:        "super admin",
			id:          identity.Identity{UserID: "u3", Roles: []string{"super-admin"}},
			wantBulk:    true,
			wantCascade: true,
			wantCleanup: true,
			wantMax:     50,
		},
		{
			name:        "role match is case insensitive",
			id:          identity.Identity{UserID: "u4", Roles: []string{"Admin"}},
			wantBulk:    true,
			wantCascade: true,
			wantMax:     20,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			scope := ResolveScope(tc.id)
			if !scope.CanDeleteOwn {
				t.Fatalf("every tier can delete own records")
			}
			if scope.CanBulkDelete != tc.wantBulk {
				t.Fatalf("CanBulkDelete = %v, want %v", scope.CanBulkDelete, tc.wantBulk)
			}
			if scope.CanCascadeDelete != tc.wantCascade {
				t.Fatalf("CanCascadeDelete = %v, want %v", scope.CanCascadeDelete, tc.wantCascade)
			}
			if scope.CanCleanupOrphans != tc.wantCleanup {
				t.Fatalf("CanCleanupOrphans = %v, want %v", scope.CanCleanupOrphans, tc.wantCleanup)
			}
			if scope.MaxDeletionsPerMinute != tc.wantMax {
				t.Fatalf("MaxDeletionsPerMinute = %d, want %d", scope.MaxDeletionsPerMinute, tc.wantMax)
			}
		})
	}
}

func TestScopeEntityRestrictions(t *testing.T) {
	t.Parallel()

	scope := ResolveScope(identity.Identity{UserID: "u1", Entities: []string{"student-1", "student-2"}})
	if !scope.Restricted() {
		t.Fatalf("standard user scope must be entity-restricted")
	}
	if !scope.PermitsEntity("student-1") {
		t.Fatalf("accessible entity must be permitted")
	}
	if scope.PermitsEntity("student-9") {
		t.Fatalf("inaccessible entity must be rejected")
	}

	admin := ResolveScope(identity.Identity{UserID: "u2", Roles: []string{"admin"}})
	if admin.Restricted() {
		t.Fatalf("admin scope is unrestricted")
	}
	if !admin.PermitsEntity("student-9") {
		t.Fatalf("unrestricted scope permits any entity")
	}
}

func TestScopeAllows(t *testing.T) {
	t.Parallel()

	standard := ResolveScope(identity.Identity{UserID: "u1"})
	admin := ResolveScope(identity.Identity{UserID: "u2", Roles: []string{"admin"}})
	super := ResolveScope(identity.Identity{UserID: "u3", Roles: []string{"super-admin"}})

	cases := []struct {
		name  string
		scope Scope
		ds    DeletionScope
		want  bool
	}{
		{"standard single", standard, ScopeSingle, true},
		{"standard bulk", standard, ScopeBulk, false},
		{"standard cascade", standard, ScopeCascade, false},
		{"admin bulk", admin, ScopeBulk, true},
		{"admin cascade", admin, ScopeCascade, true},
		{"admin cleanup", admin, ScopeCleanup, false},
		{"super cleanup", super, ScopeCleanup, true},
		{"unknown scope", super, DeletionScope("purge"), false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.scope.Allows(tc.ds); got != tc.want {
				t.Fatalf("Allows(%q) = %v, want %v", tc.ds, got, tc.want)
			}
		})
	}
}

func TestDeletionScopeValid(t *testing.T) {
	t.Parallel()

	for _, s := range []DeletionScope{ScopeSingle, ScopeBulk, ScopeCascade, ScopeCleanup} {
		if !s.Valid() {
			t.Fatalf("%q must be valid", s)
		}
	}
	if DeletionScope("everything").Valid() {
		t.Fatalf("unknown scope must be invalid")
	}
}
