// Package authz evaluates role-based access checks. Everything here is a pure
// function over immutable role templates: no I/O, no side effects, safe to
// cache and call from any goroutine.
package authz

import (
	"strings"

	id "aegis/pkg/domain"
)

// Permission is a "resource:action" string. A grant ending in ":*" covers any
// permission that shares the same resource prefix.
type Permission string

// Role is a named set of permissions.
type Role struct {
	Name        string
	Permissions []Permission
}

// System role names. These templates are immutable; tenants reference them by
// name and cannot redefine them.
const (
	RoleOwner     = "owner"
	RoleAdmin     = "admin"
	RoleManager   = "manager"
	RoleDeveloper = "developer"
	RoleViewer    = "viewer"
)

var systemRoles = map[string]Role{
	RoleOwner: {Name: RoleOwner, Permissions: []Permission{
		"tenant:*", "users:*", "projects:*", "sessions:*", "billing:*", "audit:read",
	}},
	RoleAdmin: {Name: RoleAdmin, Permissions: []Permission{
		"users:*", "projects:*", "sessions:*", "audit:read",
	}},
	RoleManager: {Name: RoleManager, Permissions: []Permission{
		"users:read", "users:invite", "projects:*", "sessions:read",
	}},
	RoleDeveloper: {Name: RoleDeveloper, Permissions: []Permission{
		"projects:read", "projects:write", "sessions:read",
	}},
	RoleViewer: {Name: RoleViewer, Permissions: []Permission{
		"projects:read",
	}},
}

// RoleByName resolves a system role template. The returned Role is a copy;
// mutating it never affects the templates.
func RoleByName(name string) (Role, bool) {
	role, ok := systemRoles[name]
	if !ok {
		return Role{}, false
	}
	perms := make([]Permission, len(role.Permissions))
	copy(perms, role.Permissions)
	return Role{Name: role.Name, Permissions: perms}, true
}

// IsSystemRole reports whether name refers to one of the immutable templates.
func IsSystemRole(name string) bool {
	_, ok := systemRoles[name]
	return ok
}

// HasPermission reports whether the role grants the permission, either by
// exact match or by a "resource:*" wildcard on the same resource.
func HasPermission(role Role, perm Permission) bool {
	for _, granted := range role.Permissions {
		if granted == perm {
			return true
		}
		if resource, ok := strings.CutSuffix(string(granted), ":*"); ok {
			if strings.HasPrefix(string(perm), resource+":") {
				return true
			}
		}
	}
	return false
}

// Grant binds a role to a user within exactly one tenant. A grant in tenant A
// never applies in tenant B, even when federated identities share an email.
type Grant struct {
	UserID   id.UserID
	TenantID id.TenantID
	RoleName string
}

// Allows evaluates a tenant-scoped access check. It refuses cross-tenant
// evaluation before consulting the role at all.
func (g Grant) Allows(tenantID id.TenantID, perm Permission) bool {
	if g.TenantID != tenantID {
		return false
	}
	role, ok := RoleByName(g.RoleName)
	if !ok {
		return false
	}
	return HasPermission(role, perm)
}
