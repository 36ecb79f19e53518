package auth

import (
	"context"
	"errors"
	"fmt"
)

// PermissionCatalog is the global permission set every tenant's roles draw from.
// Catalog ids are stable: resource.action.scope.
var PermissionCatalog = []Permission{
	catalogEntry("tenants", "read", ScopeTenant, "View tenant profile and settings"),
	catalogEntry("tenants", "update", ScopeTenant, "Change tenant profile and settings"),
	catalogEntry("users", "create", ScopeTenant, "Invite and create users"),
	catalogEntry("users", "read", ScopeTenant, "View users of the tenant"),
	catalogEntry("users", "update", ScopeTenant, "Activate, deactivate and unlock users"),
	catalogEntry("users", "delete", ScopeTenant, "Delete users"),
	catalogEntry("users", "read", ScopeSelf, "View own profile"),
	catalogEntry("users", "update", ScopeSelf, "Change own profile and password"),
	catalogEntry("roles", "create", ScopeTenant, "Define custom roles"),
	catalogEntry("roles", "read", ScopeTenant, "View roles"),
	catalogEntry("roles", "update", ScopeTenant, "Change role permissions and hierarchy"),
	catalogEntry("roles", "assign", ScopeTenant, "Assign and remove roles"),
	catalogEntry("sessions", "read", ScopeSelf, "List own sessions"),
	catalogEntry("sessions", "delete", ScopeSelf, "Revoke own sessions"),
	catalogEntry("sessions", "delete", ScopeTenant, "Revoke sessions of any user"),
	catalogEntry("organizations", "read", ScopeOrganization, "View an organization"),
	catalogEntry("organizations", "update", ScopeOrganization, "Manage an organization"),
	catalogEntry("teams", "read", ScopeTeam, "View a team"),
	catalogEntry("teams", "update", ScopeTeam, "Manage a team"),
	catalogEntry("audit", "read", ScopeTenant, "Read the activity log"),
}

func catalogEntry(resource, action string, scope PermissionScope, desc string) Permission {
	return Permission{
		ID:          resource + "." + action + "." + string(scope),
		Name:        resource + "." + action,
		DisplayName: desc,
		Description: desc,
		Resource:    resource,
		Action:      action,
		Scope:       scope,
		IsActive:    true,
	}
}

// memberGrant selects the catalog entries of the default member role.
func memberGrant(p Permission) bool {
	if p.Scope == ScopeSelf {
		return true
	}
	return p.Action == "read" && p.Resource != "audit"
}

// EnsureCatalog inserts catalog permissions that are missing from the store.
func (e *RBACEngine) EnsureCatalog(ctx context.Context) (int, error) {
	existing, err := e.store.Roles(ctx).ListPermissions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list permissions: %w", err)
	}
	have := make(map[string]struct{}, len(existing))
	for _, p := range existing {
		have[p.Key()] = struct{}{}
	}
	created := 0
	now := e.opts.now()
	for _, p := range PermissionCatalog {
		if _, ok := have[p.Key()]; ok {
			continue
		}
		p.CreatedAt = now
		if _, err := e.store.Roles(ctx).CreatePermission(ctx, p); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return created, fmt.Errorf("create permission %s: %w", p.ID, err)
		}
		created++
	}
	return created, nil
}

// ListPermissions returns the active permissions of the catalog.
func (e *RBACEngine) ListPermissions(ctx context.Context) ([]Permission, error) {
	perms, err := e.store.Roles(ctx).ListPermissions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	out := make([]Permission, 0, len(perms))
	for _, p := range perms {
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out, nil
}
