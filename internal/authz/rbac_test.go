package authz

import (
	"testing"

	id "aegis/pkg/domain"
)

func TestHasPermissionExactMatch(t *testing.T) {
	role, ok := RoleByName("viewer")
	if !ok {
		t.Fatalf("expected viewer role to exist")
	}
	if !HasPermission(role, "projects:read") {
		t.Fatalf("viewer should read projects")
	}
	if HasPermission(role, "projects:delete") {
		t.Fatalf("viewer must not delete projects")
	}
}

func TestHasPermissionWildcard(t *testing.T) {
	owner, ok := RoleByName("owner")
	if !ok {
		t.Fatalf("expected owner role to exist")
	}
	for _, perm := range []Permission{"projects:delete", "billing:update", "users:invite"} {
		if !HasPermission(owner, perm) {
			t.Fatalf("owner wildcard should cover %s", perm)
		}
	}

	manager, ok := RoleByName("manager")
	if !ok {
		t.Fatalf("expected manager role to exist")
	}
	if !HasPermission(manager, "projects:write") {
		t.Fatalf("manager projects:* should cover projects:write")
	}
	if HasPermission(manager, "billing:read") {
		t.Fatalf("projects:* must not leak into billing")
	}
}

func TestWildcardDoesNotCrossResourceBoundary(t *testing.T) {
	role := Role{Name: "custom", Permissions: []Permission{"projects:*"}}
	if HasPermission(role, "projectsettings:read") {
		t.Fatalf("projects:* must not match projectsettings:read")
	}
}

func TestGrantIsTenantScoped(t *testing.T) {
	userID := id.NewUserID()
	tenantA := id.NewTenantID()
	tenantB := id.NewTenantID()

	grant := Grant{UserID: userID, TenantID: tenantA, RoleName: "admin"}

	if !grant.Allows(tenantA, "users:invite") {
		t.Fatalf("admin grant should allow users:invite in its own tenant")
	}
	if grant.Allows(tenantB, "users:invite") {
		t.Fatalf("grant in tenant A must never apply in tenant B")
	}
	if grant.Allows(tenantB, "projects:read") {
		t.Fatalf("no permission crosses the tenant boundary, however small")
	}
}

func TestSystemRolesAreCopies(t *testing.T) {
	role, _ := RoleByName("viewer")
	role.Permissions = append(role.Permissions, "billing:manage")

	fresh, _ := RoleByName("viewer")
	if HasPermission(fresh, "billing:manage") {
		t.Fatalf("mutating a returned role must not change the system template")
	}
}
